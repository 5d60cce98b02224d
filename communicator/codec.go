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

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// codecName is the content subtype of the coordinator service.
const codecName = "leveler"

// codec encodes the exchange messages with protowire and falls back to
// protobuf for the well-known types.
type codec struct{}

var _ encoding.Codec = codec{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case wireMessage:
		return m.marshal(), nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("failed to marshal, message is %T, want wire or proto message", v)
	}
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case wireMessage:
		return m.unmarshal(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("failed to unmarshal, message is %T, want wire or proto message", v)
	}
}

func (codec) Name() string {
	return codecName
}
