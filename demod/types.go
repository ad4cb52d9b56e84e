// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package demod recovers baseband photometry traces from a raw detector
// stream carrying several amplitude-modulated light sources.
package demod

import "math"

// Raw is a uniformly sampled raw photodetector stream. NaN samples mark
// gaps between acquisition segments.
type Raw struct {
	Start   float64   // Timestamp of the first sample in seconds
	Rate    float64   // Sampling rate in Hz
	Samples []float64 // Detector amplitude
}

// Duration returns the length of the stream in seconds.
func (r Raw) Duration() float64 {
	if r.Rate <= 0 {
		return 0
	}
	return float64(len(r.Samples)) / r.Rate
}

// Carrier describes one modulated light source.
type Carrier struct {
	Name      string  // Trace name (e.g. calcium_signal)
	Frequency float64 // Modulation frequency in Hz
}

// Trace is a demodulated signal on a regular time base.
type Trace struct {
	Name   string
	Start  float64 // Timestamp of the first sample in seconds
	Rate   float64 // Sampling rate in Hz
	Values []float64
}

// Timestamps returns the time of each sample.
func (t Trace) Timestamps() []float64 {
	ts := make([]float64, len(t.Values))
	for i := range ts {
		ts[i] = t.Start + float64(i)/t.Rate
	}
	return ts
}

// Mode selects how the in-phase and quadrature products are combined.
type Mode int

const (
	// ModePhase estimates the carrier phase from the data and projects onto
	// it, which keeps the shape of a signed baseband signal. The phase is
	// only known up to pi, so the sign of the output is fixed by
	// Options.Polarity. With the default PolarityPositiveMean a signal whose
	// mean is negative comes out inverted.
	ModePhase Mode = iota
	// ModeMagnitude returns the I/Q envelope, which is always non-negative.
	ModeMagnitude
)

func (m Mode) String() string {
	switch m {
	case ModePhase:
		return "phase"
	case ModeMagnitude:
		return "magnitude"
	default:
		return "unknown"
	}
}

// ParseMode parses the textual form of a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "phase", "":
		return ModePhase, true
	case "magnitude":
		return ModeMagnitude, true
	default:
		return 0, false
	}
}

// Polarity resolves the sign ambiguity of ModePhase.
type Polarity int

const (
	// PolarityPositiveMean flips each trace so that its mean is not
	// negative. Correct for any carrier phase when the detected intensity
	// is positive on average.
	PolarityPositiveMean Polarity = iota
	// PolarityReference keeps the carrier phase estimate within pi/2 of the
	// sine reference. Correct for signed signals when the true carrier phase
	// lies in (-pi/2, pi/2].
	PolarityReference
)

func (p Polarity) String() string {
	switch p {
	case PolarityPositiveMean:
		return "mean"
	case PolarityReference:
		return "reference"
	default:
		return "unknown"
	}
}

// ParsePolarity parses the textual form of a Polarity.
func ParsePolarity(s string) (Polarity, bool) {
	switch s {
	case "mean", "":
		return PolarityPositiveMean, true
	case "reference":
		return PolarityReference, true
	default:
		return 0, false
	}
}

const (
	// DefaultCutoff is the low-pass cutoff used when Options.Cutoff is zero
	// and the output rate allows it.
	DefaultCutoff = 6.0
	// cutoffFraction bounds a derived cutoff relative to the output rate.
	cutoffFraction = 0.4
)

// Options controls demodulation.
type Options struct {
	OutputRate float64 // Output sampling rate in Hz, at most the raw rate
	// Cutoff is the low-pass cutoff in Hz. Zero selects DefaultCutoff, or
	// 0.4 times the output rate if that is lower.
	Cutoff   float64
	Mode     Mode
	Polarity Polarity // Sign convention of ModePhase
}

// cutoff returns the effective low-pass cutoff.
func (o Options) cutoff() float64 {
	if o.Cutoff != 0 {
		return o.Cutoff
	}
	return math.Min(DefaultCutoff, cutoffFraction*o.OutputRate)
}
