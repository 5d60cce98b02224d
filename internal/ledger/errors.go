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

package ledger

import "errors"

// The error taxonomy of the engine. Only ErrConfig is fatal; every other kind
// is recovered by the caller and the run continues.
var (
	// ErrConfig reports invalid initialization parameters.
	ErrConfig = errors.New("invalid configuration")

	// ErrStaleReport reports a regressive progress report. The report is dropped
	// and the previously accepted state is retained.
	ErrStaleReport = errors.New("stale report")

	// ErrOverAllocation reports a grant that would exceed the process share.
	// The grant is capped and the remainder deferred to the next pass.
	ErrOverAllocation = errors.New("over allocation")

	// ErrCheckpointIO reports a failure to persist or load a checkpoint.
	ErrCheckpointIO = errors.New("checkpoint i/o")

	// ErrCoordinatorUnreachable reports a failed exchange with the coordinator.
	ErrCoordinatorUnreachable = errors.New("coordinator unreachable")

	// ErrUnknownWorker reports a worker id outside the configured range.
	ErrUnknownWorker = errors.New("unknown worker")
)
