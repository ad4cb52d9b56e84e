// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package demod

import (
	"math"
	"sort"

	"github.com/OpenPSG/photometry/fault"
)

// Demodulate extracts one trace per carrier from the raw stream using
// synchronous (lock-in) detection. The raw stream is not modified. Each run
// of finite samples is demodulated on its own and gaps stay NaN in the
// output.
func Demodulate(raw Raw, carriers []Carrier, opts Options) ([]Trace, error) {
	opts.Cutoff = opts.cutoff()
	if err := validate(raw, carriers, opts); err != nil {
		return nil, err
	}

	// At least one full period of the slowest carrier.
	required := int(math.Ceil(raw.Rate / slowest(carriers)))
	spans, longest := finiteSpans(raw.Samples, required)
	if len(spans) == 0 {
		return nil, &InsufficientDataError{Samples: longest, Required: required}
	}

	n := len(raw.Samples)
	length := OutputLength(n, raw.Rate, opts.OutputRate)
	if length == 0 {
		return nil, &InsufficientDataError{
			Samples:  n,
			Required: int(math.Ceil(raw.Rate / opts.OutputRate)),
		}
	}

	lp := butterworthLowPass(opts.Cutoff, raw.Rate)

	traces := make([]Trace, 0, len(carriers))
	for _, c := range carriers {
		baseband := demodulateCarrier(raw, spans, c.Frequency, lp, opts)
		traces = append(traces, Trace{
			Name:   c.Name,
			Start:  raw.Start,
			Rate:   opts.OutputRate,
			Values: resample(baseband, raw.Rate, opts.OutputRate, length),
		})
	}

	return traces, nil
}

// OutputLength returns the number of output samples produced for n raw
// samples, floor(n/rate*outputRate).
func OutputLength(n int, rate, outputRate float64) int {
	if n <= 0 || rate <= 0 || outputRate <= 0 {
		return 0
	}
	// The tolerance absorbs representation error in products such as
	// 60.0*100.0 that should be integral.
	return int(math.Floor(float64(n)*outputRate/rate + 1e-9))
}

func validate(raw Raw, carriers []Carrier, opts Options) error {
	if raw.Rate <= 0 {
		return fault.Structuralf("invalid raw sampling rate: %g Hz", raw.Rate)
	}
	if opts.OutputRate <= 0 || opts.OutputRate > raw.Rate {
		return fault.Structuralf("output rate %g Hz must be in (0, %g]", opts.OutputRate, raw.Rate)
	}
	if opts.Cutoff <= 0 || opts.Cutoff >= opts.OutputRate/2 {
		return fault.Structuralf("cutoff %g Hz must be positive and below half the output rate", opts.Cutoff)
	}
	if len(carriers) == 0 {
		return fault.Structuralf("no carriers configured")
	}

	sorted := make([]Carrier, len(carriers))
	copy(sorted, carriers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Frequency < sorted[j].Frequency })

	names := make(map[string]struct{}, len(sorted))
	for i, c := range sorted {
		if c.Name == "" {
			return fault.Structuralf("carrier at %g Hz has no name", c.Frequency)
		}
		if _, ok := names[c.Name]; ok {
			return fault.Structuralf("duplicate carrier name %q", c.Name)
		}
		names[c.Name] = struct{}{}

		if c.Frequency <= 0 || c.Frequency >= raw.Rate/2 {
			return fault.Structuralf("carrier %q frequency %g Hz must be in (0, %g)", c.Name, c.Frequency, raw.Rate/2)
		}
		if i > 0 && c.Frequency-sorted[i-1].Frequency <= opts.Cutoff {
			return &CarrierSeparationError{A: sorted[i-1], B: c, Cutoff: opts.Cutoff}
		}
	}

	return nil
}

func slowest(carriers []Carrier) float64 {
	f := carriers[0].Frequency
	for _, c := range carriers[1:] {
		f = math.Min(f, c.Frequency)
	}
	return f
}

// span is a half-open range [lo, hi) of samples.
type span struct {
	lo, hi int
}

// finiteSpans returns the runs of finite samples that hold at least minLen
// samples, and the length of the longest run.
func finiteSpans(x []float64, minLen int) (spans []span, longest int) {
	lo := -1
	for i := 0; i <= len(x); i++ {
		finite := i < len(x) && !math.IsNaN(x[i]) && !math.IsInf(x[i], 0)
		switch {
		case finite && lo < 0:
			lo = i
		case !finite && lo >= 0:
			longest = max(longest, i-lo)
			if i-lo >= minLen {
				spans = append(spans, span{lo: lo, hi: i})
			}
			lo = -1
		}
	}
	return spans, longest
}

// demodulateCarrier mixes each span of the raw stream with quadrature
// references at the carrier frequency and low-pass filters both products.
// Samples outside the spans are NaN.
func demodulateCarrier(raw Raw, spans []span, freq float64, lp biquad, opts Options) []float64 {
	out := make([]float64, len(raw.Samples))
	for i := range out {
		out[i] = math.NaN()
	}

	w := 2 * math.Pi * freq / raw.Rate
	for _, sp := range spans {
		seg := raw.Samples[sp.lo:sp.hi]
		inPhase := make([]float64, len(seg))
		quadrature := make([]float64, len(seg))
		for j, s := range seg {
			// The reference runs on the stream's clock across gaps.
			sin, cos := math.Sincos(w * float64(sp.lo+j))
			inPhase[j] = s * sin
			quadrature[j] = s * cos
		}

		inPhase = lp.filtfilt(inPhase)
		quadrature = lp.filtfilt(quadrature)

		combine(out[sp.lo:sp.hi], inPhase, quadrature, opts)
	}

	return out
}

// combine writes the baseband signal of one span into out.
func combine(out, inPhase, quadrature []float64, opts Options) {
	if opts.Mode == ModeMagnitude {
		for i := range out {
			out[i] = 2 * math.Hypot(inPhase[i], quadrature[i])
		}
		return
	}

	sin, cos := math.Sincos(estimatePhase(inPhase, quadrature))

	var sum float64
	for i := range out {
		out[i] = 2 * (inPhase[i]*cos + quadrature[i]*sin)
		sum += out[i]
	}

	if opts.Polarity == PolarityPositiveMean && sum < 0 {
		for i := range out {
			out[i] = -out[i]
		}
	}
}

// estimatePhase returns the angle of the principal axis of the (I, Q)
// points, which is the carrier phase relative to the sine reference, in
// (-pi/2, pi/2].
func estimatePhase(inPhase, quadrature []float64) float64 {
	var sii, sqq, siq float64
	for i := range inPhase {
		sii += inPhase[i] * inPhase[i]
		sqq += quadrature[i] * quadrature[i]
		siq += inPhase[i] * quadrature[i]
	}
	return 0.5 * math.Atan2(2*siq, sii-sqq)
}

// resample linearly interpolates x, sampled at rate, onto length points at
// outputRate.
func resample(x []float64, rate, outputRate float64, length int) []float64 {
	out := make([]float64, length)
	step := rate / outputRate
	last := len(x) - 1
	for k := range out {
		pos := float64(k) * step
		i := int(pos)
		if i >= last {
			out[k] = x[last]
			continue
		}
		frac := pos - float64(i)
		if frac == 0 {
			out[k] = x[i]
			continue
		}
		out[k] = x[i] + frac*(x[i+1]-x[i])
	}
	return out
}
