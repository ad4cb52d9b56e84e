// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Command photometry-convert demodulates fiber photometry sessions,
// reconstructs their stimulus intervals and writes them as EDF+ files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OpenPSG/photometry/container"
	"github.com/OpenPSG/photometry/internal/batch"
	"github.com/OpenPSG/photometry/internal/config"
	"github.com/OpenPSG/photometry/internal/ledger"
	"github.com/OpenPSG/photometry/internal/telemetry"
	"github.com/OpenPSG/photometry/protocol"
	"github.com/dustin/go-humanize"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the converter and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("photometry-convert", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: photometry-convert [flags] session.yaml...\n\n")
		fs.PrintDefaults()
	}

	cfg, err := config.ParseConfig(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "photometry-convert: %v\n", err)
		return 2
	}

	logger := newLogger(cfg, stderr)

	shutdown, err := telemetry.Setup(ctx, "photometry-convert", cfg.OTelEndpoint)
	if err != nil {
		logger.Error("failed to set up tracing", slog.Any("error", err))
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("failed to flush traces", slog.Any("error", err))
		}
	}()

	catalog := protocol.Default()
	if cfg.ProtocolsFile != "" {
		if catalog, err = protocol.LoadFile(cfg.ProtocolsFile); err != nil {
			logger.Error("failed to load protocols", slog.Any("error", err))
			return 1
		}
	}

	l, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		logger.Error("failed to open ledger", slog.String("path", cfg.LedgerPath), slog.Any("error", err))
		return 1
	}
	defer l.Close()

	runner, err := batch.NewRunner(batch.Options{
		Catalog:       catalog,
		Ledger:        l,
		Writer:        &container.Writer{},
		OutputDir:     cfg.OutputDir,
		Demod:         cfg.DemodOptions(),
		Policy:        cfg.Policy(),
		StubSeconds:   cfg.StubSeconds,
		Overwrite:     cfg.Overwrite,
		SkipConverted: cfg.SkipConverted,
		Workers:       cfg.Workers,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to create runner", slog.Any("error", err))
		return 1
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	report, err := runner.Run(ctx, cfg.Manifests)
	if report == nil {
		logger.Error("run failed", slog.Any("error", err))
		return 1
	}

	if err := printSummary(context.WithoutCancel(ctx), stdout, l, report.RunID); err != nil {
		logger.Error("failed to read run summary", slog.Any("error", err))
		return 1
	}

	if err != nil {
		logger.Error("run incomplete", slog.Any("error", err))
		return 1
	}
	if report.Failed() > 0 {
		return 1
	}
	return 0
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level, _ := cfg.Level()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSONLogs {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// printSummary reports a run as recorded in the ledger.
func printSummary(ctx context.Context, w io.Writer, l *ledger.Ledger, runID string) error {
	run, err := l.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	records, err := l.Sessions(ctx, runID)
	if err != nil {
		return err
	}

	var (
		converted, skipped, warnings int
		written                      int64
	)
	for _, rec := range records {
		switch rec.Status {
		case ledger.StatusConverted:
			converted++
			written += rec.OutputBytes
		case ledger.StatusSkipped:
			skipped++
		}
		warnings += rec.Warnings
	}

	elapsed := run.FinishedAt.Sub(run.StartedAt)
	if run.FinishedAt.IsZero() {
		elapsed = time.Since(run.StartedAt)
	}

	fmt.Fprintf(w, "run %s: converted %s of %s sessions, %s skipped, %s written, %s warnings, took %s\n",
		run.ID,
		humanize.Comma(int64(converted)),
		humanize.Comma(int64(len(records))),
		humanize.Comma(int64(skipped)),
		humanize.Bytes(uint64(written)),
		humanize.Comma(int64(warnings)),
		elapsed.Round(time.Millisecond))

	for _, rec := range records {
		switch rec.Status {
		case ledger.StatusFailed:
			fmt.Fprintf(w, "  FAILED %s [%s]: %s\n", rec.Manifest, rec.Category, rec.Error)
		case ledger.StatusSkipped:
			fmt.Fprintf(w, "  skipped %s: already converted to %s\n", rec.Manifest, rec.Output)
		}
	}
	return nil
}
