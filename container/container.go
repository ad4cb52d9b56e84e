// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package container serializes finalized sessions as EDF+ files.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/OpenPSG/photometry/edf"
	"github.com/OpenPSG/photometry/fault"
	"github.com/OpenPSG/photometry/session"
	"github.com/OpenPSG/photometry/stimulus"
)

const (
	// TransducerType is written for every demodulated trace.
	TransducerType = "fiber photometry lock-in"
	// PhysicalDimension of the demodulated traces.
	PhysicalDimension = "V"
	// AnnotationMargin is the number of bytes reserved per record beyond
	// the largest record's annotations.
	AnnotationMargin = 32
)

// Writer writes sessions as EDF+ files.
type Writer struct {
	// RecordDuration of each EDF data record. Defaults to one second.
	RecordDuration time.Duration
}

// Write serializes out to w. The traces must share a sampling rate.
func (cw *Writer) Write(ctx context.Context, w io.WriteSeeker, out *session.Output) error {
	if len(out.Traces) == 0 {
		return fault.Configf("session %s has no traces to write", out.SessionID)
	}

	recordDuration := cw.RecordDuration
	if recordDuration <= 0 {
		recordDuration = time.Second
	}

	rate := out.Traces[0].Rate
	samples := len(out.Traces[0].Values)
	for _, tr := range out.Traces[1:] {
		if tr.Rate != rate || len(tr.Values) != samples {
			return fault.Structuralf("trace %s does not match the sampling of trace %s", tr.Name, out.Traces[0].Name)
		}
	}

	perRecord := rate * recordDuration.Seconds()
	if perRecord != math.Trunc(perRecord) || perRecord < 1 {
		return fault.Configf("record duration %s does not hold a whole number of samples at %g Hz", recordDuration, rate)
	}
	samplesPerRecord := int(perRecord)
	records := (samples + samplesPerRecord - 1) / samplesPerRecord

	annotations := Annotations(out)
	byRecord := make([][]edf.Annotation, records)
	for _, a := range annotations {
		i := int(math.Floor(a.Onset / recordDuration.Seconds()))
		i = max(0, min(records-1, i))
		byRecord[i] = append(byRecord[i], a)
	}

	var annotationBytes int
	for i, as := range byRecord {
		onset := float64(i) * recordDuration.Seconds()
		annotationBytes = max(annotationBytes, edf.AnnotationBytes(onset, as))
	}

	hdr := edf.Header{
		PatientID:          patientID(out.Subject),
		RecordingID:        recordingID(out),
		StartTime:          out.Start.UTC(),
		DataRecordDuration: recordDuration,
	}
	for _, tr := range out.Traces {
		sig := traceSignal(tr.Name, tr.Values)
		sig.SamplesPerRecord = samplesPerRecord
		hdr.Signals = append(hdr.Signals, sig)
	}
	hdr.Signals = append(hdr.Signals, edf.AnnotationSignalFor(annotationBytes+AnnotationMargin))

	ew, err := edf.Create(w, hdr)
	if err != nil {
		return fmt.Errorf("error creating EDF+ file: %w", err)
	}

	record := make([][]float64, len(out.Traces))
	for r := 0; r < records; r++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lo := r * samplesPerRecord
		hi := min(lo+samplesPerRecord, samples)
		for i, tr := range out.Traces {
			chunk := tr.Values[lo:hi]
			if len(chunk) < samplesPerRecord {
				// Pad the final record with NaN, stored as the digital minimum.
				padded := make([]float64, samplesPerRecord)
				copy(padded, chunk)
				for j := len(chunk); j < samplesPerRecord; j++ {
					padded[j] = math.NaN()
				}
				chunk = padded
			}
			record[i] = chunk
		}

		if err := ew.WriteRecord(record, byRecord[r]...); err != nil {
			return fmt.Errorf("error writing data record %d: %w", r, err)
		}
	}

	if err := ew.Close(); err != nil {
		return fmt.Errorf("error finalizing EDF+ file: %w", err)
	}
	return nil
}

// WriteFile writes out to path. An existing file is replaced only when
// overwrite is set. A partially written file is removed on failure.
func (cw *Writer) WriteFile(ctx context.Context, path string, out *session.Output, overwrite bool) (err error) {
	flags := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fault.Configf("output %s already exists", path)
		}
		return fault.Configf("error creating output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("error closing output: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	return cw.Write(ctx, f, out)
}

// Annotations returns the EDF+ annotations describing out, ordered by onset.
func Annotations(out *session.Output) []edf.Annotation {
	var annotations []edf.Annotation
	for _, w := range out.Warnings {
		annotations = append(annotations, edf.Annotation{Texts: []string{"warning: " + w.String()}})
	}
	for _, iv := range out.Intervals {
		annotations = append(annotations, edf.Annotation{
			Onset:    math.Max(0, iv.Start),
			Duration: iv.Duration(),
			Texts:    []string{IntervalText(iv)},
		})
	}
	for _, e := range out.Epochs {
		annotations = append(annotations, edf.Annotation{
			Onset:    math.Max(0, e.Start),
			Duration: e.Stop - e.Start,
			Texts:    []string{"epoch " + e.Tag},
		})
	}
	for _, va := range out.Videos {
		annotations = append(annotations, edf.Annotation{
			Onset: va.Offset,
			Texts: []string{"video " + va.File},
		})
	}
	for _, asset := range out.Unaligned {
		annotations = append(annotations, edf.Annotation{
			Texts: []string{"video " + asset.File + " unaligned"},
		})
	}

	sort.SliceStable(annotations, func(i, j int) bool {
		return annotations[i].Onset < annotations[j].Onset
	})
	return annotations
}

// IntervalText formats an interval as "<tag> <kind> <params>".
func IntervalText(iv stimulus.Interval) string {
	p := iv.Params
	parts := []string{iv.Tag, string(p.Kind)}
	if p.Duration > 0 {
		parts = append(parts, fmt.Sprintf("duration=%gs", p.Duration))
	}
	if p.Frequency > 0 {
		parts = append(parts, fmt.Sprintf("frequency=%gHz", p.Frequency))
	}
	if p.Pulses > 0 {
		parts = append(parts, fmt.Sprintf("pulses=%d", p.Pulses))
	}
	if p.Amplitude > 0 {
		parts = append(parts, fmt.Sprintf("amplitude=%gmA", p.Amplitude))
	}
	if p.PairedCue {
		parts = append(parts, "paired")
	}
	return strings.Join(parts, " ")
}

// traceSignal returns an EDF signal whose physical range covers values.
func traceSignal(label string, values []float64) edf.Signal {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		lo, hi = -1, 1
	}
	if hi-lo < 1e-6 {
		lo, hi = lo-1, hi+1
	}
	// Widen slightly so header rounding never clips the extremes.
	margin := (hi - lo) * 1e-3
	lo, hi = math.Floor((lo-margin)*1e4)/1e4, math.Ceil((hi+margin)*1e4)/1e4

	return edf.Signal{
		Label:             label,
		TransducerType:    TransducerType,
		PhysicalDimension: PhysicalDimension,
		PhysicalMin:       lo,
		PhysicalMax:       hi,
		DigitalMin:        -32768,
		DigitalMax:        32767,
		Prefiltering:      "lock-in demodulated",
	}
}

// patientID formats the EDF+ patient identification field.
func patientID(subject string) string {
	return edfField(subject) + " X X X"
}

// recordingID formats the EDF+ recording identification field.
func recordingID(out *session.Output) string {
	return fmt.Sprintf("Startdate %s %s X %s",
		strings.ToUpper(out.Start.UTC().Format("02-Jan-2006")),
		edfField(out.SessionID),
		edfField(out.Protocol))
}

// edfField replaces spaces, which separate EDF+ subfields.
func edfField(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "X"
	}
	return strings.ReplaceAll(s, " ", "_")
}
