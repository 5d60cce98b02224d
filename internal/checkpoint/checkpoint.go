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

// Package checkpoint persists recoverable snapshots of the work ledger. A
// checkpoint is written to a temporary file, synced and renamed over the
// current one; the previous checkpoint is kept so that a torn or corrupt
// write never leaves the job without a recoverable state.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/9rum/leveler/internal/ledger"
	"github.com/9rum/leveler/internal/metrics"
	"github.com/gofrs/flock"
	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/zeebo/xxh3"
)

const (
	version = 1

	currentSuffix  = ".ckpt"
	previousSuffix = ".ckpt.prev"
	tempSuffix     = ".ckpt.tmp"
	lockSuffix     = ".ckpt.lock"

	lockRetryDelay = 10 * time.Millisecond
)

// ErrNotFound is returned by Load when no checkpoint has been written yet.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is an immutable snapshot of the job, used only for recovery.
type Checkpoint struct {
	Timestamp time.Time              `json:"timestamp"`
	Target    uint64                 `json:"target"`
	Processes []ledger.ProcessLedger `json:"processes"`
	Completed bool                   `json:"completed"`
}

// Process returns the ledger of the given process.
func (c Checkpoint) Process(id int) (ledger.ProcessLedger, bool) {
	for _, p := range c.Processes {
		if p.ProcessID == id {
			return p, true
		}
	}
	return ledger.ProcessLedger{}, false
}

// FromSnapshot builds a checkpoint from a ledger snapshot.
func FromSnapshot(s ledger.Snapshot, now time.Time, completed bool) Checkpoint {
	c := Checkpoint{
		Timestamp: now,
		Target:    s.Target,
		Processes: make([]ledger.ProcessLedger, 0, len(s.Shadows)+1),
		Completed: completed,
	}
	c.Processes = append(c.Processes, s.Local)
	c.Processes = append(c.Processes, s.Shadows...)
	return c
}

// envelope is the on-disk format. The checksum covers the raw payload.
type envelope struct {
	Version  int             `json:"version"`
	Checksum uint64          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithFs sets the filesystem checkpoints are written to.
func WithFs(fs afero.Fs) Option {
	return func(m *Manager) {
		m.fs = fs
	}
}

// WithClock sets the clock the checkpoint cadence is measured with.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = collector
	}
}

// Manager writes checkpoints on a fixed cadence. Only one checkpoint is in
// flight at a time.
type Manager struct {
	fs       afero.Fs
	clock    clockwork.Clock
	metrics  metrics.Collector
	prefix   string
	interval time.Duration

	mu       sync.Mutex
	last     time.Time
	inFlight bool
}

// New creates a new manager writing to files named after the given prefix.
// A non-positive interval disables periodic checkpoints.
func New(prefix string, interval time.Duration, opts ...Option) *Manager {
	m := &Manager{
		fs:       afero.NewOsFs(),
		clock:    clockwork.NewRealClock(),
		metrics:  metrics.NewNop(),
		prefix:   prefix,
		interval: interval,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.last = m.clock.Now()
	return m
}

// Path returns the path of the current checkpoint.
func (m *Manager) Path() string {
	return m.prefix + currentSuffix
}

// Interval returns the checkpoint cadence.
func (m *Manager) Interval() time.Duration {
	return m.interval
}

// Due reports whether the checkpoint interval has elapsed since the last write.
func (m *Manager) Due() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.due()
}

// InFlight reports whether a checkpoint is being written.
func (m *Manager) InFlight() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.inFlight
}

// Pending reports whether a checkpoint obligation is outstanding.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.inFlight || m.due()
}

func (m *Manager) due() bool {
	return 0 < m.interval && m.interval <= m.clock.Since(m.last)
}

// Write persists the given checkpoint. A write already in flight makes this
// call a no-op. Errors wrap ledger.ErrCheckpointIO and are not retried before
// the next interval.
func (m *Manager) Write(ctx context.Context, c Checkpoint) (err error) {
	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return nil
	}
	m.inFlight = true
	m.mu.Unlock()

	begin := m.clock.Now()
	defer func() {
		m.mu.Lock()
		// a failed attempt also meets the obligation of this interval
		m.inFlight = false
		m.last = m.clock.Now()
		m.mu.Unlock()
		m.metrics.ObserveCheckpoint(m.clock.Since(begin), err)
	}()

	if err = m.write(ctx, c); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrCheckpointIO, err)
	}
	glog.V(1).Infof("checkpoint written to %s (completed: %t)", m.Path(), c.Completed)

	return nil
}

func (m *Manager) write(ctx context.Context, c Checkpoint) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	data, err := json.Marshal(envelope{
		Version:  version,
		Checksum: xxh3.Hash(payload),
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if dir := filepath.Dir(m.prefix); dir != "." {
		if err := m.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint directory: %w", err)
		}
	}

	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	current, previous, temp := m.Path(), m.prefix+previousSuffix, m.prefix+tempSuffix
	if err := m.writeFile(temp, data); err != nil {
		_ = m.fs.Remove(temp)
		return err
	}

	if _, err := m.fs.Stat(current); err == nil {
		if err := m.fs.Rename(current, previous); err != nil {
			return fmt.Errorf("rotate checkpoint: %w", err)
		}
	}
	if err := m.fs.Rename(temp, current); err != nil {
		_ = m.fs.Remove(temp)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// writeFile writes and syncs the given file.
func (m *Manager) writeFile(name string, data []byte) error {
	f, err := m.fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	return f.Close()
}

// lock acquires the cross-process lock guarding the checkpoint files. Only
// the OS filesystem is shared with other processes.
func (m *Manager) lock(ctx context.Context) (func(), error) {
	if _, ok := m.fs.(*afero.OsFs); !ok {
		return func() {}, nil
	}

	fileLock := flock.New(m.prefix + lockSuffix)
	if locked, err := fileLock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return nil, fmt.Errorf(`cannot acquire checkpoint lock "%s": %w`, fileLock.Path(), err)
	} else if !locked {
		return nil, fmt.Errorf(`cannot acquire checkpoint lock "%s": already locked`, fileLock.Path())
	}
	return func() {
		_ = fileLock.Unlock()
	}, nil
}

// Load reads the latest checkpoint. A missing or corrupt current checkpoint
// falls back to the previous one.
func (m *Manager) Load() (Checkpoint, error) {
	c, err := m.read(m.Path())
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		glog.Warningf("checkpoint %s unusable, falling back to previous: %v", m.Path(), err)
	}

	c, prevErr := m.read(m.prefix + previousSuffix)
	switch {
	case prevErr == nil:
		return c, nil
	case errors.Is(err, fs.ErrNotExist) && errors.Is(prevErr, fs.ErrNotExist):
		return Checkpoint{}, ErrNotFound
	default:
		return Checkpoint{}, fmt.Errorf("%w: %v", ledger.ErrCheckpointIO, errors.Join(err, prevErr))
	}
}

func (m *Manager) read(name string) (Checkpoint, error) {
	data, err := afero.ReadFile(m.fs, name)
	if err != nil {
		return Checkpoint{}, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal envelope %s: %w", name, err)
	}
	if env.Version != version {
		return Checkpoint{}, fmt.Errorf("checkpoint %s has version %d, want %d", name, env.Version, version)
	}
	if sum := xxh3.Hash(env.Payload); sum != env.Checksum {
		return Checkpoint{}, fmt.Errorf("checkpoint %s is corrupt: checksum %x, want %x", name, sum, env.Checksum)
	}

	var c Checkpoint
	if err := json.Unmarshal(env.Payload, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal checkpoint %s: %w", name, err)
	}
	return c, nil
}
