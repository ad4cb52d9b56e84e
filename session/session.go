// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package session holds the per-recording aggregate that the demodulator
// and stimulus reconstructor populate and the container writer consumes.
package session

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/OpenPSG/photometry/demod"
	"github.com/OpenPSG/photometry/fault"
	"github.com/OpenPSG/photometry/stimulus"
)

// ErrFinalized is returned by any operation on a finalized session.
var ErrFinalized = errors.New("session already finalized")

// VideoPolicy decides what happens to a video whose alignment fails.
type VideoPolicy int

const (
	// IncludeUnaligned keeps the video without a temporal relationship.
	IncludeUnaligned VideoPolicy = iota
	// ExcludeUnaligned drops the video from the output.
	ExcludeUnaligned
)

func (p VideoPolicy) String() string {
	switch p {
	case IncludeUnaligned:
		return "include"
	case ExcludeUnaligned:
		return "exclude"
	default:
		return fmt.Sprintf("VideoPolicy(%d)", int(p))
	}
}

// ParseVideoPolicy parses "include" or "exclude".
func ParseVideoPolicy(s string) (VideoPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "include":
		return IncludeUnaligned, true
	case "exclude":
		return ExcludeUnaligned, true
	default:
		return 0, false
	}
}

// Inputs is everything needed to create a session.
type Inputs struct {
	Subject     string
	SessionID   string
	Protocol    string
	TagTable    stimulus.TagTable
	Expectation stimulus.Expectation
	Start       time.Time // Session start on the master wall clock
	Raw         demod.Raw
	// Traces are already demodulated traces. A session holds either Raw
	// or Traces, never both.
	Traces  []demod.Trace
	Epochs  []stimulus.Epoch // Blocks of a concatenated recording
	Streams []stimulus.Stream
	Videos  []stimulus.VideoAsset
	// StubSeconds truncates the raw stream or traces to their first seconds
	// and drops intervals and epochs starting after it. Zero converts
	// everything.
	StubSeconds float64
}

// Session is the aggregate for one recording. It is not safe for
// concurrent use.
type Session struct {
	in            Inputs
	traces        []demod.Trace
	result        *stimulus.Result
	videos        []stimulus.VideoAlignment
	unaligned     []stimulus.VideoAsset
	warnings      []stimulus.Warning
	demodulated   bool
	reconstructed bool
	aligned       bool
	finalized     bool
}

// Output is the immutable product of a finalized session.
type Output struct {
	Subject         string
	SessionID       string
	Protocol        string
	TagTableVersion string
	Start           time.Time
	Traces          []demod.Trace
	Intervals       []stimulus.Interval
	Counts          map[string]int
	Epochs          []stimulus.Epoch
	Videos          []stimulus.VideoAlignment
	Unaligned       []stimulus.VideoAsset // Included without a temporal relationship
	Warnings        []stimulus.Warning
}

// Duration returns the length of the longest trace in seconds.
func (o *Output) Duration() float64 {
	var d float64
	for _, t := range o.Traces {
		d = math.Max(d, float64(len(t.Values))/t.Rate)
	}
	return d
}

// IncompleteError is returned by Finalize when a step has not run.
type IncompleteError struct {
	Step string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("session is incomplete: %s has not run", e.Step)
}

func (e *IncompleteError) Category() fault.Category {
	return fault.Config
}

// New creates a session.
func New(in Inputs) (*Session, error) {
	if strings.TrimSpace(in.Subject) == "" {
		return nil, fault.Configf("session has no subject")
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return nil, fault.Configf("session has no id")
	}
	if in.Start.IsZero() {
		return nil, fault.Configf("session %s has no start time", in.SessionID)
	}
	if len(in.Traces) > 0 {
		if len(in.Raw.Samples) > 0 {
			return nil, fault.Configf("session %s has both a raw stream and demodulated traces", in.SessionID)
		}
		if err := checkTraces(in.Traces); err != nil {
			return nil, fmt.Errorf("session %s: %w", in.SessionID, err)
		}
	} else if in.Raw.Rate <= 0 {
		return nil, fault.Configf("session %s: raw sampling rate must be positive, got %g", in.SessionID, in.Raw.Rate)
	}
	if in.StubSeconds < 0 {
		return nil, fault.Configf("session %s: stub seconds must not be negative", in.SessionID)
	}

	if in.StubSeconds > 0 {
		in.Raw.Samples = truncate(in.Raw.Samples, in.StubSeconds*in.Raw.Rate)

		traces := make([]demod.Trace, len(in.Traces))
		for i, tr := range in.Traces {
			tr.Values = truncate(tr.Values, in.StubSeconds*tr.Rate)
			traces[i] = tr
		}
		in.Traces = traces

		in.Epochs = truncateEpochs(in.Epochs, in.StubSeconds)
	}

	s := &Session{in: in}
	if len(in.Traces) > 0 {
		s.traces = in.Traces
		s.demodulated = true
	}
	return s, nil
}

// checkTraces verifies that pre-demodulated traces share one time base.
func checkTraces(traces []demod.Trace) error {
	names := make(map[string]struct{}, len(traces))
	first := traces[0]
	for _, tr := range traces {
		if strings.TrimSpace(tr.Name) == "" {
			return fault.Configf("demodulated trace has no name")
		}
		if _, ok := names[tr.Name]; ok {
			return fault.Configf("duplicate demodulated trace %q", tr.Name)
		}
		names[tr.Name] = struct{}{}

		if tr.Rate <= 0 {
			return fault.Structuralf("trace %s: sampling rate must be positive, got %g", tr.Name, tr.Rate)
		}
		if len(tr.Values) == 0 {
			return fault.Structuralf("trace %s has no samples", tr.Name)
		}
		if tr.Rate != first.Rate || len(tr.Values) != len(first.Values) || tr.Start != first.Start {
			return fault.Structuralf("trace %s does not match the sampling of trace %s", tr.Name, first.Name)
		}
	}
	return nil
}

// Predemodulated reports whether the session was created from
// demodulated traces rather than a raw stream.
func (s *Session) Predemodulated() bool { return len(s.in.Traces) > 0 }

// ID returns the session identifier.
func (s *Session) ID() string { return s.in.SessionID }

// Demodulate recovers one trace per carrier from the raw stream.
func (s *Session) Demodulate(carriers []demod.Carrier, opts demod.Options) error {
	if s.finalized {
		return ErrFinalized
	}
	if s.Predemodulated() {
		return fault.Configf("session %s already holds demodulated traces", s.in.SessionID)
	}

	traces, err := demod.Demodulate(s.in.Raw, carriers, opts)
	if err != nil {
		return fmt.Errorf("error demodulating session %s: %w", s.in.SessionID, err)
	}

	s.traces = traces
	s.demodulated = true
	return nil
}

// Reconstruct pairs the event streams into stimulus intervals relative to
// the first sample and validates the per-tag counts.
func (s *Session) Reconstruct() error {
	if s.finalized {
		return ErrFinalized
	}

	res, err := stimulus.Reconstruct(s.in.Streams, s.in.TagTable, s.origin())
	if err != nil {
		return fmt.Errorf("error reconstructing stimuli of session %s: %w", s.in.SessionID, err)
	}

	if s.in.StubSeconds > 0 {
		res = truncateResult(res, s.in.StubSeconds)
	}

	res.Warnings = append(res.Warnings, stimulus.Validate(res, s.in.Expectation)...)

	s.result = res
	s.reconstructed = true
	return nil
}

// AlignVideos aligns every video asset to the session start. Assets that
// cannot be aligned are kept or dropped according to policy and a warning
// is recorded. Only alignment failures are absorbed; other errors abort.
func (s *Session) AlignVideos(policy VideoPolicy) error {
	if s.finalized {
		return ErrFinalized
	}

	var (
		videos    []stimulus.VideoAlignment
		unaligned []stimulus.VideoAsset
		warnings  []stimulus.Warning
	)
	for _, asset := range s.in.Videos {
		va, err := stimulus.Align(asset, s.in.Start)
		if err == nil {
			videos = append(videos, va)
			continue
		}
		if fault.Classify(err) != fault.Alignment {
			return fmt.Errorf("error aligning video %s: %w", asset.File, err)
		}

		action := "excluded"
		if policy == IncludeUnaligned {
			unaligned = append(unaligned, asset)
			action = "included without alignment"
		}
		warnings = append(warnings, stimulus.Warning{
			Kind:    stimulus.WarnUnalignedVideo,
			Tag:     asset.File,
			Message: fmt.Sprintf("%s: %v", action, err),
		})
	}

	s.videos = videos
	s.unaligned = unaligned
	s.warnings = warnings
	s.aligned = true
	return nil
}

// Warnings returns the data-quality anomalies found so far.
func (s *Session) Warnings() []stimulus.Warning {
	var warnings []stimulus.Warning
	if s.result != nil {
		warnings = append(warnings, s.result.Warnings...)
	}
	return append(warnings, s.warnings...)
}

// Finalize hands the session's results over to the caller. It succeeds
// exactly once.
func (s *Session) Finalize() (*Output, error) {
	if s.finalized {
		return nil, ErrFinalized
	}
	switch {
	case !s.demodulated:
		return nil, &IncompleteError{Step: "demodulation"}
	case !s.reconstructed:
		return nil, &IncompleteError{Step: "stimulus reconstruction"}
	case !s.aligned && len(s.in.Videos) > 0:
		return nil, &IncompleteError{Step: "video alignment"}
	}

	out := &Output{
		Subject:         s.in.Subject,
		SessionID:       s.in.SessionID,
		Protocol:        s.in.Protocol,
		TagTableVersion: s.in.TagTable.Version,
		Start:           s.in.Start,
		Traces:          s.traces,
		Intervals:       s.result.Intervals,
		Counts:          s.result.Counts,
		Epochs:          s.in.Epochs,
		Videos:          s.videos,
		Unaligned:       s.unaligned,
		Warnings:        s.Warnings(),
	}

	s.finalized = true
	s.traces = nil
	s.result = nil
	s.videos = nil
	s.unaligned = nil
	s.warnings = nil
	return out, nil
}

// origin is the event-clock time of the first sample.
func (s *Session) origin() float64 {
	if s.Predemodulated() {
		return s.in.Traces[0].Start
	}
	return s.in.Raw.Start
}

// truncate keeps the first floor(n) values of x.
func truncate(x []float64, n float64) []float64 {
	if k := int(math.Floor(n)); k < len(x) {
		return x[:k:k]
	}
	return x
}

// truncateEpochs drops epochs starting at or after limit seconds and ends
// the others at limit.
func truncateEpochs(epochs []stimulus.Epoch, limit float64) []stimulus.Epoch {
	var kept []stimulus.Epoch
	for _, e := range epochs {
		if e.Start >= limit {
			continue
		}
		e.Stop = math.Min(e.Stop, limit)
		kept = append(kept, e)
	}
	return kept
}

// truncateResult drops intervals starting at or after limit seconds and
// ends the others at limit.
func truncateResult(res *stimulus.Result, limit float64) *stimulus.Result {
	kept := &stimulus.Result{
		Counts:   make(map[string]int, len(res.Counts)),
		Warnings: res.Warnings,
	}
	for tag := range res.Counts {
		kept.Counts[tag] = 0
	}
	for _, iv := range res.Intervals {
		if iv.Start >= limit {
			continue
		}
		iv.Stop = math.Min(iv.Stop, limit)
		kept.Intervals = append(kept.Intervals, iv)
		kept.Counts[iv.Tag]++
	}
	return kept
}
