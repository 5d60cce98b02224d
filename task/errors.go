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

package task

import (
	"errors"

	"github.com/9rum/leveler/internal/ledger"
)

// The errors reported by the engine. Only ErrConfig is fatal.
var (
	ErrConfig                 = ledger.ErrConfig
	ErrStaleReport            = ledger.ErrStaleReport
	ErrOverAllocation         = ledger.ErrOverAllocation
	ErrCheckpointIO           = ledger.ErrCheckpointIO
	ErrCoordinatorUnreachable = ledger.ErrCoordinatorUnreachable
	ErrUnknownWorker          = ledger.ErrUnknownWorker
)

// ErrorKind classifies an error returned by the engine.
type ErrorKind int32

const (
	KindNone ErrorKind = iota
	KindConfig
	KindStaleReport
	KindOverAllocation
	KindCheckpointIO
	KindCoordinatorUnreachable
	KindUnknownWorker
	KindOther
)

var kindNames = [...]string{
	KindNone:                   "None",
	KindConfig:                 "ConfigError",
	KindStaleReport:            "StaleReport",
	KindOverAllocation:         "OverAllocation",
	KindCheckpointIO:           "CheckpointIOError",
	KindCoordinatorUnreachable: "CoordinatorUnreachable",
	KindUnknownWorker:          "UnknownWorker",
	KindOther:                  "Other",
}

func (k ErrorKind) String() string {
	if 0 <= k && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindOther]
}

// KindOf returns the kind of the given error.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConfig):
		return KindConfig
	case errors.Is(err, ErrStaleReport):
		return KindStaleReport
	case errors.Is(err, ErrOverAllocation):
		return KindOverAllocation
	case errors.Is(err, ErrCheckpointIO):
		return KindCheckpointIO
	case errors.Is(err, ErrCoordinatorUnreachable):
		return KindCoordinatorUnreachable
	case errors.Is(err, ErrUnknownWorker):
		return KindUnknownWorker
	default:
		return KindOther
	}
}
