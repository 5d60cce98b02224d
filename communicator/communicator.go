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

// Package communicator implements the cross-process tier. The elected
// process runs the Coordinator; every process runs a Communicator, a single
// goroutine that owns the transport to the coordinator so that at most one
// exchange per process is in flight. Local workers reach it only through
// channels: Sync blocks until the next exchange completes and Notify asks for
// one without waiting.
package communicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/9rum/leveler/internal/ledger"
	"github.com/9rum/leveler/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultInterval = 5 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultRetries  = 3
)

// Transport carries exchanges to the coordinator.
type Transport interface {
	Exchange(ctx context.Context, req ExchangeRequest) (ExchangeResponse, error)
	Finalize(ctx context.Context, processID int) error
	Close() error
}

// Option configures a Communicator.
type Option func(*Communicator)

// WithInterval sets the cadence of unsolicited exchanges.
func WithInterval(d time.Duration) Option {
	return func(c *Communicator) {
		c.interval = d
	}
}

// WithTimeout sets the deadline of a single exchange attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Communicator) {
		c.timeout = d
	}
}

// WithBackOff sets the retry policy of a failed exchange.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Communicator) {
		c.newBackOff = newBackOff
	}
}

// WithClock sets the clock driving the exchange cadence.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Communicator) {
		c.clock = clock
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(c *Communicator) {
		c.metrics = collector
	}
}

// Communicator is the elected communicator role of a process.
type Communicator struct {
	ledger     *ledger.Ledger
	transport  Transport
	clock      clockwork.Clock
	metrics    metrics.Collector
	interval   time.Duration
	timeout    time.Duration
	newBackOff func() backoff.BackOff

	requests chan chan error
	notify   chan struct{}
	cancel   context.CancelFunc
	stopped  chan struct{}

	mu          sync.Mutex
	pending     bool
	unreachable bool
	starving    bool
	finished    bool
	carry       uint64
	sequence    uint64
	unacked     *ExchangeRequest
	rounds      uint64
	lastErr     error
}

// New creates a new communicator for the given ledger.
func New(l *ledger.Ledger, transport Transport, opts ...Option) *Communicator {
	c := &Communicator{
		ledger:    l,
		transport: transport,
		clock:     clockwork.NewRealClock(),
		metrics:   metrics.NewNop(),
		interval:  defaultInterval,
		timeout:   defaultTimeout,
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultRetries)
		},
		requests: make(chan chan error),
		notify:   make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the communicator until Close is called.
func (c *Communicator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// run owns the transport. Exchanges are triggered by Sync, Notify and the
// periodic ticker, and never overlap.
func (c *Communicator) run(ctx context.Context) {
	defer close(c.stopped)

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case reply := <-c.requests:
			reply <- c.exchange(ctx)
		case <-c.notify:
			if err := c.exchange(ctx); err != nil {
				glog.Warning(err)
			}
		case <-ticker.Chan():
			if err := c.exchange(ctx); err != nil {
				glog.Warning(err)
			}
		}
	}
}

// Sync waits for a complete reconciliation round.
func (c *Communicator) Sync(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return fmt.Errorf("%w: communicator stopped", ledger.ErrCoordinatorUnreachable)
	case c.requests <- reply:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-reply:
		return err
	}
}

// Notify asks for a reconciliation round without waiting for it. The process
// is awaiting the coordinator until the round completes.
func (c *Communicator) Notify() {
	c.mu.Lock()
	c.pending = true
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Awaiting reports whether the process waits for the coordinator: a round is
// requested or failed, or its demand could not be satisfied yet.
func (c *Communicator) Awaiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.finished && (c.pending || c.unreachable || c.starving)
}

// GlobalFinished reports whether the coordinator has declared the job finished.
func (c *Communicator) GlobalFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.finished
}

// Rounds returns the number of completed exchanges.
func (c *Communicator) Rounds() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rounds
}

// Err returns the error of the last failed exchange, if the coordinator is
// still unreachable.
func (c *Communicator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastErr
}

// exchange performs one reconciliation round with retries. Units released by
// the ledger are carried over until the coordinator acknowledges them, and a
// round without a reply is repeated under the same sequence until one arrives.
func (c *Communicator) exchange(ctx context.Context) error {
	summary := c.ledger.Summary()
	c.mu.Lock()
	c.carry += c.ledger.TakeReleased()
	req := ExchangeRequest{
		ProcessID:       summary.ProcessID,
		Share:           summary.Share,
		Assigned:        summary.Assigned,
		Done:            summary.Done,
		Rate:            summary.Rate,
		Demand:          summary.Demand,
		Released:        c.carry,
		LocallyComplete: summary.LocallyComplete,
	}
	if c.unacked != nil {
		// the coordinator may have applied the unanswered round; repeat it with
		// fresh progress and keep newer releases for the next one
		req.Sequence, req.Released = c.unacked.Sequence, c.unacked.Released
	} else {
		c.sequence++
		req.Sequence = c.sequence
		c.unacked = &req
	}
	c.mu.Unlock()

	var resp ExchangeResponse
	begin := c.clock.Now()
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		r, err := c.transport.Exchange(ctx, req)
		if err != nil {
			if errors.Is(err, ErrInvalidProcess) || status.Code(err) == codes.InvalidArgument {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}, backoff.WithContext(c.newBackOff(), ctx))
	c.metrics.ObserveExchange(c.clock.Since(begin), err)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = false
	if err != nil {
		c.unreachable = true
		c.lastErr = fmt.Errorf("%w: %v", ledger.ErrCoordinatorUnreachable, err)
		return c.lastErr
	}
	c.unreachable, c.lastErr = false, nil
	c.unacked = nil
	c.carry -= min(c.carry, req.Released)
	c.rounds++

	c.ledger.ExtendShare(resp.Grant)
	if 0 < resp.Reclaim {
		if released := c.ledger.Reclaim(resp.Reclaim); 0 < released {
			// hand the units back without waiting for the next tick
			select {
			case c.notify <- struct{}{}:
			default:
			}
		}
	}
	c.ledger.SetShadows(resp.Processes)
	c.starving = resp.NoSpare && resp.Grant == 0
	c.finished = c.finished || resp.Finished

	if 0 < resp.Grant || 0 < resp.Reclaim {
		glog.Infof("process %d: granted %d, asked to release %d (no spare: %t)", req.ProcessID, resp.Grant, resp.Reclaim, resp.NoSpare)
	}

	return nil
}

// Close stops the communicator and tells the coordinator the process has
// terminated.
func (c *Communicator) Close(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		<-c.stopped
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var errs []error
	if c.GlobalFinished() {
		if err := c.transport.Finalize(ctx, c.ledger.ProcessID()); err != nil {
			errs = append(errs, fmt.Errorf("finalize: %w", err))
		}
	}
	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	return errors.Join(errs...)
}
