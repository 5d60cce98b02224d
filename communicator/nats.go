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
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	exchangeSubject = ".exchange"
	finalizeSubject = ".finalize"

	// errorHeader carries the error of a failed request.
	errorHeader = "Leveler-Error"
	// codeHeader marks errors that must not be retried.
	codeHeader = "Leveler-Code"

	invalidCode = "invalid"
)

// ServeNATS serves the given coordinator on the subjects under prefix. The
// returned subscriptions stop serving when drained or unsubscribed.
func ServeNATS(nc *nats.Conn, prefix string, coordinator *Coordinator) ([]*nats.Subscription, error) {
	exchange, err := nc.Subscribe(prefix+exchangeSubject, func(msg *nats.Msg) {
		var in ExchangeRequest
		if err := in.unmarshal(msg.Data); err != nil {
			respondError(msg, err)
			return
		}
		out, err := coordinator.Handle(in)
		if err != nil {
			respondError(msg, err)
			return
		}
		if err := msg.Respond(out.marshal()); err != nil {
			glog.Warningf("failed to respond to process %d: %v", in.ProcessID, err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", prefix+exchangeSubject, err)
	}

	finalize, err := nc.Subscribe(prefix+finalizeSubject, func(msg *nats.Msg) {
		id, n := protowire.ConsumeVarint(msg.Data)
		if n < 0 {
			respondError(msg, protowire.ParseError(n))
			return
		}
		if err := coordinator.Finalize(int(id)); err != nil {
			respondError(msg, err)
			return
		}
		if err := msg.Respond(nil); err != nil {
			glog.Warningf("failed to acknowledge finalize from process %d: %v", id, err)
		}
	})
	if err != nil {
		_ = exchange.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", prefix+finalizeSubject, err)
	}

	return []*nats.Subscription{exchange, finalize}, nil
}

func respondError(msg *nats.Msg, err error) {
	reply := nats.NewMsg(msg.Reply)
	reply.Header.Set(errorHeader, err.Error())
	if errors.Is(err, ErrInvalidProcess) {
		reply.Header.Set(codeHeader, invalidCode)
	}
	if err := msg.RespondMsg(reply); err != nil {
		glog.Warningf("failed to respond with error: %v", err)
	}
}

// NATS is the transport to a coordinator served over NATS request/reply.
type NATS struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// NewNATS creates a new transport on an existing connection.
func NewNATS(nc *nats.Conn, prefix string) *NATS {
	return &NATS{nc: nc, prefix: prefix}
}

// ConnectNATS connects to the given server and creates a new transport owning
// the connection.
func ConnectNATS(url, prefix string, opts ...nats.Option) (*NATS, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATS{nc: nc, prefix: prefix, owned: true}, nil
}

func (t *NATS) Exchange(ctx context.Context, req ExchangeRequest) (ExchangeResponse, error) {
	msg, err := t.request(ctx, t.prefix+exchangeSubject, req.marshal())
	if err != nil {
		return ExchangeResponse{}, err
	}
	var out ExchangeResponse
	if err := out.unmarshal(msg.Data); err != nil {
		return ExchangeResponse{}, err
	}
	return out, nil
}

func (t *NATS) Finalize(ctx context.Context, processID int) error {
	_, err := t.request(ctx, t.prefix+finalizeSubject, protowire.AppendVarint(nil, uint64(processID)))
	return err
}

func (t *NATS) request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	msg, err := t.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	if reason := msg.Header.Get(errorHeader); reason != "" {
		if msg.Header.Get(codeHeader) == invalidCode {
			return nil, fmt.Errorf("%w: %s", ErrInvalidProcess, reason)
		}
		return nil, errors.New(reason)
	}
	return msg, nil
}

func (t *NATS) Close() error {
	if t.owned {
		t.nc.Close()
	}
	return nil
}
