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

package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/9rum/leveler/internal/ledger"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCheckpoint(now time.Time, done uint64) Checkpoint {
	return Checkpoint{
		Timestamp: now,
		Target:    2000,
		Processes: []ledger.ProcessLedger{
			{
				ProcessID:     0,
				Share:         1000,
				TotalAssigned: 1000,
				TotalDone:     done,
				Rate:          12.5,
				Workers: []ledger.WorkerRecord{
					{ID: 0, Assigned: 600, Done: done, Reports: 3, Started: now, LastReport: now, Rate: 12.5},
					{ID: 1, Assigned: 400, Provisional: 300, Started: now, LastReport: now},
				},
			},
			{ProcessID: 1, Share: 1000, TotalAssigned: 1000, TotalDone: 10},
		},
	}
}

func TestCadence(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := New("run/pi", 10*time.Second, WithFs(afero.NewMemMapFs()), WithClock(clock))
	assert.Equal(t, 10*time.Second, m.Interval())
	assert.False(t, m.Due())
	assert.False(t, m.Pending())

	clock.Advance(10 * time.Second)
	assert.True(t, m.Due())
	assert.True(t, m.Pending())
	assert.False(t, m.InFlight())

	require.NoError(t, m.Write(context.Background(), testCheckpoint(clock.Now(), 10)))
	assert.False(t, m.Due())
	assert.False(t, m.Pending())

	disabled := New("run/pi", 0, WithFs(afero.NewMemMapFs()), WithClock(clock))
	clock.Advance(time.Hour)
	assert.False(t, disabled.Due())
}

func TestWriteFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := New("run/pi", 10*time.Second, WithFs(afero.NewReadOnlyFs(afero.NewMemMapFs())), WithClock(clock))

	clock.Advance(10 * time.Second)
	require.True(t, m.Pending())

	err := m.Write(context.Background(), testCheckpoint(clock.Now(), 10))
	assert.ErrorIs(t, err, ledger.ErrCheckpointIO)
	assert.False(t, m.Due())
	assert.False(t, m.Pending())
	assert.False(t, m.InFlight())

	clock.Advance(10 * time.Second)
	assert.True(t, m.Due())

	_, err = m.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fs := afero.NewMemMapFs()
	m := New("run/pi", time.Minute, WithFs(fs), WithClock(clock))

	want := testCheckpoint(clock.Now(), 250)
	require.NoError(t, m.Write(context.Background(), want))

	got, err := m.Load()
	require.NoError(t, err)
	assert.True(t, want.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, want.Target, got.Target)
	assert.Equal(t, want.Completed, got.Completed)
	require.Len(t, got.Processes, 2)
	assert.Equal(t, want.Processes[1], got.Processes[1])

	local, ok := got.Process(0)
	require.True(t, ok)
	assert.Equal(t, want.Processes[0].Share, local.Share)
	require.Len(t, local.Workers, 2)
	for index, rec := range local.Workers {
		assert.Equal(t, want.Processes[0].Workers[index].Assigned, rec.Assigned)
		assert.Equal(t, want.Processes[0].Workers[index].Done, rec.Done)
		assert.Equal(t, want.Processes[0].Workers[index].Provisional, rec.Provisional)
		assert.Equal(t, want.Processes[0].Workers[index].Rate, rec.Rate)
	}

	_, ok = got.Process(5)
	assert.False(t, ok)

	exists, err := afero.Exists(fs, "run/pi.ckpt.tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLoadFallback(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fs := afero.NewMemMapFs()
	m := New("pi", time.Minute, WithFs(fs), WithClock(clock))

	_, err := m.Load()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Write(context.Background(), testCheckpoint(clock.Now(), 100)))
	clock.Advance(time.Minute)
	require.NoError(t, m.Write(context.Background(), testCheckpoint(clock.Now(), 200)))

	got, err := m.Load()
	require.NoError(t, err)
	assert.EqualValues(t, 200, got.Processes[0].TotalDone)

	// a torn current checkpoint falls back to the previous one
	require.NoError(t, afero.WriteFile(fs, "pi.ckpt", []byte(`{"version":1,"checksum":1,"payload":{}}`), 0o644))
	got, err = m.Load()
	require.NoError(t, err)
	assert.EqualValues(t, 100, got.Processes[0].TotalDone)

	require.NoError(t, afero.WriteFile(fs, "pi.ckpt.prev", []byte(`not json`), 0o644))
	_, err = m.Load()
	assert.ErrorIs(t, err, ledger.ErrCheckpointIO)
}

func TestCompleted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := ledger.New(2, 1, 0, 100, ledger.WithClock(clock))
	require.NoError(t, err)

	m := New(filepath.Join(t.TempDir(), "pi"), time.Minute, WithClock(clock))
	require.NoError(t, m.Write(context.Background(), FromSnapshot(l.Snapshot(), clock.Now(), true)))

	got, err := m.Load()
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.EqualValues(t, 100, got.Target)
	require.Len(t, got.Processes, 1)
	assert.Equal(t, []uint64{50, 50}, []uint64{got.Processes[0].Workers[0].Assigned, got.Processes[0].Workers[1].Assigned})
}
