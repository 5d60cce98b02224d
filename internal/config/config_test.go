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

package config

import (
	"testing"
	"time"

	"github.com/9rum/leveler/internal/ledger"
	"github.com/9rum/leveler/scheduler"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v, err := New("")
	require.NoError(t, err)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, 10*time.Second, cfg.CheckInterval)
	assert.Equal(t, 5*time.Second, cfg.MinTime)
	assert.False(t, cfg.Distributed())

	opts := cfg.TaskOptions()
	assert.Equal(t, scheduler.DYNAMIC, opts.Scheduler)
	assert.EqualValues(t, 300, opts.ProvisionalUnits)
	assert.Equal(t, 2*time.Second, opts.FinishPause)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("LEVELER_WORKERS", "8")
	t.Setenv("LEVELER_CHECK_INTERVAL", "20s")
	t.Setenv("LEVELER_SCHEDULER", "static")

	v, err := New("")
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 20*time.Second, cfg.CheckInterval)
	assert.Equal(t, 10*time.Second, cfg.MinTime)
	assert.Equal(t, scheduler.STATIC, cfg.TaskOptions().Scheduler)
}

func TestLoadFile(t *testing.T) {
	v, err := New("")
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/leveler.yaml", []byte(`
workers: 4
processes: 2
process_id: 1
target: 5000
min_time: 3s
transport: nats
`), 0o644))
	v.SetFs(fs)
	v.SetConfigFile("/etc/leveler.yaml")
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
	assert.True(t, cfg.Distributed())
	assert.Equal(t, 1, cfg.ProcessID)
	assert.EqualValues(t, 5000, cfg.Target)
	assert.Equal(t, 3*time.Second, cfg.MinTime)
	assert.Equal(t, TransportNATS, cfg.Transport)
	assert.Equal(t, "LB-log-001", cfg.TaskOptions().LogPrefix)
}

func TestBindFlags(t *testing.T) {
	v, err := New("")
	require.NoError(t, err)

	flags := pflag.NewFlagSet("pi", pflag.ContinueOnError)
	flags.Int("workers", 1, "")
	flags.Uint64("target", 100, "")
	flags.Duration("check-interval", time.Second, "")
	require.NoError(t, BindFlags(v, flags))
	require.NoError(t, flags.Parse([]string{"--workers=3", "--check-interval=4s"}))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 4*time.Second, cfg.CheckInterval)
	// unchanged flags do not override the registered defaults
	assert.Equal(t, Default().Target, cfg.Target)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"workers", func(c *Config) { c.Workers = 0 }},
		{"processes", func(c *Config) { c.Processes = 0 }},
		{"process id", func(c *Config) { c.ProcessID = 3 }},
		{"target", func(c *Config) { c.Target = 0 }},
		{"check interval", func(c *Config) { c.CheckInterval = 0 }},
		{"scheduler", func(c *Config) { c.Scheduler = "greedy" }},
		{"transport", func(c *Config) { c.Transport = "mpi" }},
		{"chunk size", func(c *Config) { c.ChunkSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ledger.ErrConfig)
		})
	}
	assert.NoError(t, Default().Validate())

	_, err := New("/nonexistent/leveler.yaml")
	assert.ErrorIs(t, err, ledger.ErrConfig)
}
