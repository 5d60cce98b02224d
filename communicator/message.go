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
	"math"

	"github.com/9rum/leveler/internal/ledger"
	"google.golang.org/protobuf/encoding/protowire"
)

// ExchangeRequest carries the process-level view a process sends to the
// coordinator in a reconciliation round.
type ExchangeRequest struct {
	ProcessID int
	Share     uint64
	Assigned  uint64
	Done      uint64
	Rate      float64

	// Demand is the number of additional units the process asks for.
	Demand uint64

	// Released is the number of units given back since the last round.
	Released uint64

	LocallyComplete bool

	// Sequence numbers the rounds of a process. A retried round carries the
	// sequence of the round whose reply was lost.
	Sequence uint64
}

// ExchangeResponse is the coordinator's reply to an exchange.
type ExchangeResponse struct {
	// Grant extends the share of the process.
	Grant uint64

	// Reclaim asks the process to give back up to this many units.
	Reclaim uint64

	// NoSpare is set when the demand could not be satisfied yet.
	NoSpare bool

	// Finished is set once every unit of the job is completed.
	Finished bool

	// Processes is the aggregate view of every process.
	Processes []ledger.ProcessLedger
}

// wireMessage is implemented by the messages encoded by hand.
type wireMessage interface {
	marshal() []byte
	unmarshal(b []byte) error
}

const (
	requestProcessID protowire.Number = iota + 1
	requestShare
	requestAssigned
	requestDone
	requestRate
	requestDemand
	requestReleased
	requestLocallyComplete
	requestSequence
)

func (m *ExchangeRequest) marshal() (b []byte) {
	b = appendVarint(b, requestProcessID, uint64(m.ProcessID))
	b = appendVarint(b, requestShare, m.Share)
	b = appendVarint(b, requestAssigned, m.Assigned)
	b = appendVarint(b, requestDone, m.Done)
	b = appendDouble(b, requestRate, m.Rate)
	b = appendVarint(b, requestDemand, m.Demand)
	b = appendVarint(b, requestReleased, m.Released)
	b = appendBool(b, requestLocallyComplete, m.LocallyComplete)
	b = appendVarint(b, requestSequence, m.Sequence)
	return
}

func (m *ExchangeRequest) unmarshal(b []byte) error {
	*m = ExchangeRequest{}
	return consume(b, func(num protowire.Number, v uint64) {
		switch num {
		case requestProcessID:
			m.ProcessID = int(v)
		case requestShare:
			m.Share = v
		case requestAssigned:
			m.Assigned = v
		case requestDone:
			m.Done = v
		case requestRate:
			m.Rate = math.Float64frombits(v)
		case requestDemand:
			m.Demand = v
		case requestReleased:
			m.Released = v
		case requestLocallyComplete:
			m.LocallyComplete = v != 0
		case requestSequence:
			m.Sequence = v
		}
	}, nil)
}

const (
	responseGrant protowire.Number = iota + 1
	responseReclaim
	responseNoSpare
	responseFinished
	responseProcesses
)

func (m *ExchangeResponse) marshal() (b []byte) {
	b = appendVarint(b, responseGrant, m.Grant)
	b = appendVarint(b, responseReclaim, m.Reclaim)
	b = appendBool(b, responseNoSpare, m.NoSpare)
	b = appendBool(b, responseFinished, m.Finished)
	for _, p := range m.Processes {
		b = protowire.AppendTag(b, responseProcesses, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalProcess(p))
	}
	return
}

func (m *ExchangeResponse) unmarshal(b []byte) error {
	*m = ExchangeResponse{}
	return consume(b, func(num protowire.Number, v uint64) {
		switch num {
		case responseGrant:
			m.Grant = v
		case responseReclaim:
			m.Reclaim = v
		case responseNoSpare:
			m.NoSpare = v != 0
		case responseFinished:
			m.Finished = v != 0
		}
	}, func(num protowire.Number, v []byte) error {
		if num != responseProcesses {
			return nil
		}
		p, err := unmarshalProcess(v)
		if err != nil {
			return err
		}
		m.Processes = append(m.Processes, p)
		return nil
	})
}

const (
	processID protowire.Number = iota + 1
	processShare
	processAssigned
	processDone
	processRate
)

// marshalProcess encodes the aggregate part of a process ledger; worker
// records never leave their process.
func marshalProcess(p ledger.ProcessLedger) (b []byte) {
	b = appendVarint(b, processID, uint64(p.ProcessID))
	b = appendVarint(b, processShare, p.Share)
	b = appendVarint(b, processAssigned, p.TotalAssigned)
	b = appendVarint(b, processDone, p.TotalDone)
	b = appendDouble(b, processRate, p.Rate)
	return
}

func unmarshalProcess(b []byte) (p ledger.ProcessLedger, err error) {
	err = consume(b, func(num protowire.Number, v uint64) {
		switch num {
		case processID:
			p.ProcessID = int(v)
		case processShare:
			p.Share = v
		case processAssigned:
			p.TotalAssigned = v
		case processDone:
			p.TotalDone = v
		case processRate:
			p.Rate = math.Float64frombits(v)
		}
	}, nil)
	return
}

// appendVarint appends a non-zero varint field.
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendDouble appends a non-zero double field.
func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// appendBool appends a true bool field.
func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, protowire.EncodeBool(v))
}

// consume walks the fields of an encoded message. Scalar fields are passed as
// their raw 64-bit value; unknown fields are skipped.
func consume(b []byte, scalar func(protowire.Number, uint64), bytes func(protowire.Number, []byte) error) error {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("malformed tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
			}
			scalar(num, v)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
			}
			scalar(num, v)
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
			}
			if bytes != nil {
				if err := bytes(num, v); err != nil {
					return err
				}
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
