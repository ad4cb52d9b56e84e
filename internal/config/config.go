// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package config parses the converter configuration from the environment
// and command line flags. Flags override environment variables.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/OpenPSG/photometry/demod"
	"github.com/OpenPSG/photometry/fault"
	"github.com/OpenPSG/photometry/session"
	"github.com/caarlos0/env/v11"
)

// Config holds the converter configuration.
type Config struct {
	OutputDir     string        `env:"PHOTOMETRY_OUTPUT_DIR" envDefault:"."`
	LedgerPath    string        `env:"PHOTOMETRY_LEDGER_PATH" envDefault:"photometry-ledger.db"`
	ProtocolsFile string        `env:"PHOTOMETRY_PROTOCOLS_FILE"`
	Workers       int           `env:"PHOTOMETRY_WORKERS"`
	OutputRate    float64       `env:"PHOTOMETRY_OUTPUT_RATE" envDefault:"100"`
	Cutoff        float64       `env:"PHOTOMETRY_CUTOFF"`
	Mode          string        `env:"PHOTOMETRY_MODE" envDefault:"phase"`
	Polarity      string        `env:"PHOTOMETRY_POLARITY" envDefault:"mean"`
	StubSeconds   float64       `env:"PHOTOMETRY_STUB_SECONDS"`
	VideoPolicy   string        `env:"PHOTOMETRY_VIDEO_POLICY" envDefault:"include"`
	Overwrite     bool          `env:"PHOTOMETRY_OVERWRITE"`
	SkipConverted bool          `env:"PHOTOMETRY_SKIP_CONVERTED"`
	Timeout       time.Duration `env:"PHOTOMETRY_TIMEOUT" envDefault:"30m"`
	LogLevel      string        `env:"PHOTOMETRY_LOG_LEVEL" envDefault:"info"`
	JSONLogs      bool          `env:"PHOTOMETRY_JSON_LOGS"`
	OTelEndpoint  string        `env:"PHOTOMETRY_OTEL_ENDPOINT"`

	// Manifests are the session manifests given as arguments.
	Manifests []string `env:"-"`
}

// ParseConfig parses environment variables and then args into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fault.Configf("parse env: %w", err)
	}

	fs.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory converted EDF+ files are written to")
	fs.StringVar(&cfg.LedgerPath, "ledger", cfg.LedgerPath, "SQLite conversion ledger")
	fs.StringVar(&cfg.ProtocolsFile, "protocols", cfg.ProtocolsFile, "Protocol catalog YAML (built-in catalog if empty)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Sessions converted in parallel (number of CPUs if zero)")
	fs.Float64Var(&cfg.OutputRate, "output-rate", cfg.OutputRate, "Sampling rate of the demodulated traces in Hz")
	fs.Float64Var(&cfg.Cutoff, "cutoff", cfg.Cutoff, "Low-pass cutoff in Hz (derived from the output rate if zero)")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Demodulation mode: phase or magnitude")
	fs.StringVar(&cfg.Polarity, "polarity", cfg.Polarity, "Sign of phase mode traces: mean or reference")
	fs.Float64Var(&cfg.StubSeconds, "stub", cfg.StubSeconds, "Convert only the first seconds of each session")
	fs.StringVar(&cfg.VideoPolicy, "videos", cfg.VideoPolicy, "Unaligned videos: include or exclude")
	fs.BoolVar(&cfg.Overwrite, "overwrite", cfg.Overwrite, "Replace existing output files")
	fs.BoolVar(&cfg.SkipConverted, "skip-converted", cfg.SkipConverted, "Skip sessions the ledger shows as converted")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Deadline for the whole batch")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.BoolVar(&cfg.JSONLogs, "json", cfg.JSONLogs, "Write logs as JSON")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP/HTTP trace endpoint (tracing disabled if empty)")

	if err := fs.Parse(args); err != nil {
		return Config{}, fault.Configf("parse flags: %w", err)
	}
	cfg.Manifests = fs.Args()

	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values that flag parsing cannot.
func (c Config) Validate() error {
	var errs []error
	if len(c.Manifests) == 0 {
		errs = append(errs, errors.New("at least one session manifest is required"))
	}
	if _, ok := demod.ParseMode(c.Mode); !ok {
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if _, ok := demod.ParsePolarity(c.Polarity); !ok {
		errs = append(errs, fmt.Errorf("unknown polarity %q", c.Polarity))
	}
	if _, ok := session.ParseVideoPolicy(c.VideoPolicy); !ok {
		errs = append(errs, fmt.Errorf("unknown video policy %q", c.VideoPolicy))
	}
	if c.OutputRate <= 0 {
		errs = append(errs, fmt.Errorf("output rate must be positive, got %g", c.OutputRate))
	}
	if c.Cutoff < 0 {
		errs = append(errs, fmt.Errorf("cutoff must not be negative, got %g", c.Cutoff))
	}
	if c.StubSeconds < 0 {
		errs = append(errs, fmt.Errorf("stub seconds must not be negative"))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fault.Configf("invalid configuration: %w", err)
	}
	return nil
}

// Level returns the configured log level.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return level, nil
}

// DemodOptions returns the demodulation options.
func (c Config) DemodOptions() demod.Options {
	mode, _ := demod.ParseMode(c.Mode)
	polarity, _ := demod.ParsePolarity(c.Polarity)
	return demod.Options{OutputRate: c.OutputRate, Cutoff: c.Cutoff, Mode: mode, Polarity: polarity}
}

// Policy returns the unaligned video policy.
func (c Config) Policy() session.VideoPolicy {
	p, _ := session.ParseVideoPolicy(c.VideoPolicy)
	return p
}
