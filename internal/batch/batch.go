// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package batch converts many sessions in parallel. A failing session is
// classified, logged and recorded, and never stops the others.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OpenPSG/photometry/acquisition"
	"github.com/OpenPSG/photometry/container"
	"github.com/OpenPSG/photometry/demod"
	"github.com/OpenPSG/photometry/fault"
	"github.com/OpenPSG/photometry/internal/ledger"
	"github.com/OpenPSG/photometry/internal/telemetry"
	"github.com/OpenPSG/photometry/protocol"
	"github.com/OpenPSG/photometry/session"
	"github.com/OpenPSG/photometry/stimulus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// Options configure a Runner.
type Options struct {
	Catalog       *protocol.Catalog
	Ledger        *ledger.Ledger
	Writer        *container.Writer
	OutputDir     string
	Demod         demod.Options
	Policy        session.VideoPolicy
	StubSeconds   float64
	Overwrite     bool
	// SkipConverted leaves alone sessions an earlier run converted whose
	// output file still exists.
	SkipConverted bool
	Workers       int
	Logger        *slog.Logger
}

// Runner converts sessions.
type Runner struct {
	opts Options
}

// Outcome is the result of converting one session.
type Outcome struct {
	Manifest  string
	SessionID string
	Output    string
	Bytes     int64
	Traces    int
	Intervals int
	Warnings  []stimulus.Warning
	Skipped   bool // Converted by an earlier run
	Err       error
	Category  fault.Category // Category of Err
	Elapsed   time.Duration
}

// Report summarizes a run.
type Report struct {
	RunID    string
	Outcomes []Outcome // In the order the manifests were given
}

// Converted returns the number of sessions converted in this run.
func (r *Report) Converted() int {
	var n int
	for _, o := range r.Outcomes {
		if o.Err == nil && !o.Skipped {
			n++
		}
	}
	return n
}

// Skipped returns the number of sessions left alone because an earlier run
// converted them.
func (r *Report) Skipped() int {
	var n int
	for _, o := range r.Outcomes {
		if o.Skipped {
			n++
		}
	}
	return n
}

// Failed returns the number of sessions that failed.
func (r *Report) Failed() int {
	var n int
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Bytes returns the total size of the files written.
func (r *Report) Bytes() int64 {
	var n int64
	for _, o := range r.Outcomes {
		n += o.Bytes
	}
	return n
}

// Warnings returns the total number of data-quality warnings.
func (r *Report) Warnings() int {
	var n int
	for _, o := range r.Outcomes {
		n += len(o.Warnings)
	}
	return n
}

// NewRunner creates a runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Catalog == nil {
		return nil, fault.Configf("protocol catalog is required")
	}
	if opts.Ledger == nil {
		return nil, fault.Configf("ledger is required")
	}
	if opts.Writer == nil {
		opts.Writer = &container.Writer{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{opts: opts}, nil
}

// Run converts every manifest. The returned error reports ledger failures
// only; session failures are in the report.
func (r *Runner) Run(ctx context.Context, manifests []string) (*Report, error) {
	if err := os.MkdirAll(r.opts.OutputDir, 0o755); err != nil {
		return nil, fault.Configf("error creating output directory: %w", err)
	}

	run, err := r.opts.Ledger.StartRun(ctx, r.opts.Catalog.Version())
	if err != nil {
		return nil, fmt.Errorf("error starting run: %w", err)
	}
	logger := r.opts.Logger.With(slog.String("run", run.ID))
	logger.Info("starting run", slog.Int("sessions", len(manifests)), slog.Int("workers", r.opts.Workers))

	report := &Report{RunID: run.ID, Outcomes: make([]Outcome, len(manifests))}

	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, manifest := range manifests {
		g.Go(func() error {
			started := time.Now()
			out := r.convert(ctx, manifest)
			out.Elapsed = time.Since(started)
			report.Outcomes[i] = out

			r.log(logger, out)

			// Record outcomes even once the batch has been cancelled.
			return r.record(context.WithoutCancel(ctx), run.ID, started, out)
		})
	}
	ledgerErr := g.Wait()

	if err := r.opts.Ledger.FinishRun(context.WithoutCancel(ctx), run.ID); err != nil && ledgerErr == nil {
		ledgerErr = err
	}

	logger.Info("finished run",
		slog.Int("converted", report.Converted()),
		slog.Int("skipped", report.Skipped()),
		slog.Int("failed", report.Failed()),
		slog.Int("warnings", report.Warnings()))

	if ledgerErr != nil {
		return report, fmt.Errorf("error updating ledger: %w", ledgerErr)
	}
	return report, nil
}

// convert runs one session from manifest to EDF+ file.
func (r *Runner) convert(ctx context.Context, manifest string) (out Outcome) {
	out.Manifest = manifest

	ctx, span := telemetry.Tracer().Start(ctx, "convert session")
	span.SetAttributes(attribute.String("photometry.manifest", manifest))
	defer func() {
		if out.Err != nil {
			out.Category = fault.Classify(out.Err)
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, string(out.Category))
		}
		span.SetAttributes(
			attribute.String("photometry.session", out.SessionID),
			attribute.Int("photometry.warnings", len(out.Warnings)),
			attribute.Int64("photometry.bytes", out.Bytes),
		)
		span.End()
	}()

	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}

	if r.opts.SkipConverted {
		last, ok, err := r.opts.Ledger.LastConverted(ctx, manifest)
		if err != nil {
			out.Err = err
			return out
		}
		if ok && last.Output != "" {
			if _, err := os.Stat(last.Output); err == nil {
				out.Skipped = true
				out.SessionID = last.SessionID
				out.Output = last.Output
				out.Traces = last.Traces
				out.Intervals = last.Intervals
				return out
			}
		}
	}

	s, err := r.load(manifest)
	if err != nil {
		out.Err = err
		return out
	}
	out.SessionID = s.ID()

	if !s.Predemodulated() {
		if err := s.Demodulate(r.opts.Catalog.Carriers(), r.opts.Demod); err != nil {
			out.Err = err
			return out
		}
	}
	if err := s.Reconstruct(); err != nil {
		out.Err = err
		return out
	}
	if err := s.AlignVideos(r.opts.Policy); err != nil {
		out.Err = err
		return out
	}

	result, err := s.Finalize()
	if err != nil {
		out.Err = err
		return out
	}
	out.Warnings = result.Warnings
	out.Traces = len(result.Traces)
	out.Intervals = len(result.Intervals)

	path := filepath.Join(r.opts.OutputDir, fileName(result.SessionID)+".edf")
	if err := r.opts.Writer.WriteFile(ctx, path, result, r.opts.Overwrite); err != nil {
		out.Err = err
		return out
	}
	out.Output = path

	if info, err := os.Stat(path); err == nil {
		out.Bytes = info.Size()
	}
	return out
}

// load reads a session's inputs and creates its aggregate.
func (r *Runner) load(manifest string) (*session.Session, error) {
	m, err := acquisition.LoadManifest(manifest)
	if err != nil {
		return nil, err
	}

	p, err := r.opts.Catalog.Protocol(m.Protocol)
	if err != nil {
		return nil, err
	}

	in := session.Inputs{
		Subject:     m.Subject,
		SessionID:   m.SessionID,
		Protocol:    p.Name(),
		TagTable:    p.TagTable(),
		Expectation: p.Expectation(),
		Start:       m.SessionStart,
		StubSeconds: r.opts.StubSeconds,
	}

	if m.Predemodulated() {
		if in.Traces, err = acquisition.ReadTraces(m); err != nil {
			return nil, err
		}
	} else {
		if in.Raw, in.Epochs, err = acquisition.ReadRaw(m); err != nil {
			return nil, err
		}
	}

	streams, err := acquisition.ReadEvents(m)
	if err != nil {
		return nil, err
	}
	videos, err := acquisition.ReadVideos(m)
	if err != nil {
		return nil, err
	}
	in.Streams = streams
	in.Videos = videos

	return session.New(in)
}

func (r *Runner) log(logger *slog.Logger, out Outcome) {
	logger = logger.With(slog.String("manifest", out.Manifest))
	if out.SessionID != "" {
		logger = logger.With(slog.String("session", out.SessionID))
	}

	for _, w := range out.Warnings {
		logger.Warn("data quality",
			slog.String("category", string(fault.Quality)),
			slog.String("kind", string(w.Kind)),
			slog.String("tag", w.Tag),
			slog.String("message", w.Message))
	}

	if out.Err != nil {
		logger.Error("session failed",
			slog.String("category", string(out.Category)),
			slog.Bool("retryable", out.Category.Retryable()),
			slog.Any("error", out.Err))
		return
	}

	if out.Skipped {
		logger.Info("session already converted", slog.String("output", out.Output))
		return
	}

	logger.Info("session converted",
		slog.String("output", out.Output),
		slog.Int64("bytes", out.Bytes),
		slog.Int("intervals", out.Intervals),
		slog.Duration("elapsed", out.Elapsed))
}

func (r *Runner) record(ctx context.Context, runID string, started time.Time, out Outcome) error {
	rec := ledger.Record{
		RunID:       runID,
		Manifest:    out.Manifest,
		SessionID:   out.SessionID,
		Status:      ledger.StatusConverted,
		Warnings:    len(out.Warnings),
		Output:      out.Output,
		OutputBytes: out.Bytes,
		Traces:      out.Traces,
		Intervals:   out.Intervals,
		StartedAt:   started,
		FinishedAt:  started.Add(out.Elapsed),
	}
	if out.Skipped {
		rec.Status = ledger.StatusSkipped
	}
	if out.Err != nil {
		rec.Status = ledger.StatusFailed
		rec.Category = out.Category
		rec.Error = out.Err.Error()
	}
	return r.opts.Ledger.RecordSession(ctx, rec)
}

// fileName makes a session id safe to use as a file name.
func fileName(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, id)
}
