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

// Package config loads the parameters of a run from defaults, an optional
// YAML file, LEVELER_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/9rum/leveler/internal/ledger"
	"github.com/9rum/leveler/scheduler"
	"github.com/9rum/leveler/task"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by Load.
const EnvPrefix = "LEVELER"

// Transports.
const (
	TransportGRPC = "grpc"
	TransportNATS = "nats"
)

// Config holds the parameters of a run.
type Config struct {
	Workers       int           `mapstructure:"workers"`
	Processes     int           `mapstructure:"processes"`
	ProcessID     int           `mapstructure:"process_id"`
	Target        uint64        `mapstructure:"target"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	// MinTime defaults to half the check interval when zero.
	MinTime   time.Duration `mapstructure:"min_time"`
	LogPrefix string        `mapstructure:"log_prefix"`
	Scheduler string        `mapstructure:"scheduler"`

	MinReportInterval       time.Duration `mapstructure:"min_report_interval"`
	ReportsPerRemainingWork float64       `mapstructure:"reports_per_remaining_work"`
	ProvisionalUnits        uint64        `mapstructure:"provisional_units"`
	FinishPause             time.Duration `mapstructure:"finish_pause"`
	Resume                  bool          `mapstructure:"resume"`

	Transport       string `mapstructure:"transport"`
	CoordinatorAddr string `mapstructure:"coordinator_addr"`
	NATSURL         string `mapstructure:"nats_url"`
	NATSSubject     string `mapstructure:"nats_subject"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	ReportDir   string `mapstructure:"report_dir"`
	ChunkSize   uint64 `mapstructure:"chunk_size"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Workers:                 1,
		Processes:               1,
		Target:                  1_000_000_000,
		CheckInterval:           10 * time.Second,
		LogPrefix:               "LB-log",
		Scheduler:               scheduler.DYNAMIC.String(),
		MinReportInterval:       time.Second,
		ReportsPerRemainingWork: 4,
		ProvisionalUnits:        300,
		FinishPause:             2 * time.Second,
		Transport:               TransportGRPC,
		CoordinatorAddr:         "localhost:50051",
		NATSURL:                 "nats://127.0.0.1:4222",
		NATSSubject:             "leveler",
		ReportDir:               ".",
		ChunkSize:               100,
	}
}

// SetDefaults registers the defaults, which also makes every key visible to
// the environment lookup.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("workers", defaults.Workers)
	v.SetDefault("processes", defaults.Processes)
	v.SetDefault("process_id", defaults.ProcessID)
	v.SetDefault("target", defaults.Target)
	v.SetDefault("check_interval", defaults.CheckInterval)
	v.SetDefault("min_time", defaults.MinTime)
	v.SetDefault("log_prefix", defaults.LogPrefix)
	v.SetDefault("scheduler", defaults.Scheduler)

	v.SetDefault("min_report_interval", defaults.MinReportInterval)
	v.SetDefault("reports_per_remaining_work", defaults.ReportsPerRemainingWork)
	v.SetDefault("provisional_units", defaults.ProvisionalUnits)
	v.SetDefault("finish_pause", defaults.FinishPause)
	v.SetDefault("resume", defaults.Resume)

	v.SetDefault("transport", defaults.Transport)
	v.SetDefault("coordinator_addr", defaults.CoordinatorAddr)
	v.SetDefault("nats_url", defaults.NATSURL)
	v.SetDefault("nats_subject", defaults.NATSSubject)

	v.SetDefault("metrics_addr", defaults.MetricsAddr)
	v.SetDefault("report_dir", defaults.ReportDir)
	v.SetDefault("chunk_size", defaults.ChunkSize)
}

// New creates a new viper instance reading LEVELER_* variables, with the
// defaults registered. A non-empty file is read as the configuration file.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read config file %s: %v", ledger.ErrConfig, file, err)
		}
	}
	return v, nil
}

// BindFlags binds the given flags to the keys of the same name, with dashes
// replaced by underscores.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(flag *pflag.Flag) {
		key := strings.ReplaceAll(flag.Name, "-", "_")
		if err := v.BindPFlag(key, flag); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// Load reads the configuration from viper into a Config struct and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrConfig, err)
	}
	if cfg.MinTime == 0 {
		cfg.MinTime = cfg.CheckInterval / 2
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.Processes <= 0 {
		errs = append(errs, fmt.Errorf("processes must be positive, got %d", c.Processes))
	}
	if c.ProcessID < 0 || c.Processes <= c.ProcessID {
		errs = append(errs, fmt.Errorf("process_id %d out of range [0, %d)", c.ProcessID, c.Processes))
	}
	if c.Target == 0 {
		errs = append(errs, errors.New("target must be positive"))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("check_interval must be positive, got %s", c.CheckInterval))
	}
	if c.MinTime < 0 {
		errs = append(errs, fmt.Errorf("min_time must not be negative, got %s", c.MinTime))
	}
	if _, err := scheduler.ParseKind(c.Scheduler); err != nil {
		errs = append(errs, err)
	}
	if c.Transport != TransportGRPC && c.Transport != TransportNATS {
		errs = append(errs, fmt.Errorf("transport must be %q or %q, got %q", TransportGRPC, TransportNATS, c.Transport))
	}
	if c.ChunkSize == 0 {
		errs = append(errs, errors.New("chunk_size must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrConfig, err)
	}
	return nil
}

// Distributed reports whether more than one process cooperates.
func (c *Config) Distributed() bool {
	return 1 < c.Processes
}

// TaskOptions returns the options of the task described by the configuration.
// Processes of a distributed job write their checkpoints under their own
// prefix.
func (c *Config) TaskOptions() task.Options {
	kind, _ := scheduler.ParseKind(c.Scheduler)
	prefix := c.LogPrefix
	if c.Distributed() {
		prefix = fmt.Sprintf("%s-%03d", prefix, c.ProcessID)
	}
	return task.Options{
		Workers:                 c.Workers,
		Processes:               c.Processes,
		ProcessID:               c.ProcessID,
		Target:                  c.Target,
		CheckInterval:           c.CheckInterval,
		MinTime:                 c.MinTime,
		LogPrefix:               prefix,
		Scheduler:               kind,
		MinReportInterval:       c.MinReportInterval,
		ReportsPerRemainingWork: c.ReportsPerRemainingWork,
		ProvisionalUnits:        c.ProvisionalUnits,
		FinishPause:             c.FinishPause,
		Resume:                  c.Resume,
	}
}
