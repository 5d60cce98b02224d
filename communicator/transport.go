// Copyright 2022 Sogang University
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package communicator

import "context"

// Local is the transport of the elected process, which hosts the coordinator
// itself.
type Local struct {
	coordinator *Coordinator
}

// NewLocal creates a new transport calling the given coordinator directly.
func NewLocal(coordinator *Coordinator) *Local {
	return &Local{coordinator: coordinator}
}

func (t *Local) Exchange(ctx context.Context, req ExchangeRequest) (ExchangeResponse, error) {
	if err := ctx.Err(); err != nil {
		return ExchangeResponse{}, err
	}
	return t.coordinator.Handle(req)
}

func (t *Local) Finalize(ctx context.Context, processID int) error {
	return t.coordinator.Finalize(processID)
}

func (t *Local) Close() error {
	return nil
}
