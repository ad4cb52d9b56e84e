// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package demod

import "math"

// biquad is a second order IIR section in transposed direct form II,
// normalized so that a0 == 1.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	padlen     int
}

// butterworthLowPass designs a 2nd order Butterworth low-pass filter using
// the bilinear transform with frequency prewarping.
func butterworthLowPass(cutoff, rate float64) biquad {
	k := math.Tan(math.Pi * cutoff / rate)
	norm := 1 / (1 + math.Sqrt2*k + k*k)

	b0 := k * k * norm
	return biquad{
		b0: b0,
		b1: 2 * b0,
		b2: b0,
		a1: 2 * (k*k - 1) * norm,
		a2: (1 - math.Sqrt2*k + k*k) * norm,
		// Roughly three time constants of the slowest pole.
		padlen: int(math.Ceil(3 * rate / cutoff)),
	}
}

// run filters x in place, starting from the steady state for a constant
// input equal to x[0].
func (f biquad) run(x []float64) {
	if len(x) == 0 {
		return
	}

	// DC gain is one, so a constant input x0 produces a constant output x0.
	z2 := (f.b2 - f.a2) * x[0]
	z1 := (f.b1-f.a1)*x[0] + z2

	for i, in := range x {
		out := f.b0*in + z1
		z1 = f.b1*in - f.a1*out + z2
		z2 = f.b2*in - f.a2*out
		x[i] = out
	}
}

// filtfilt applies the filter forwards and backwards for zero phase
// distortion. The signal is padded at both ends with its odd extension to
// suppress edge transients. The input is not modified.
func (f biquad) filtfilt(x []float64) []float64 {
	n := len(x)
	if n == 0 {
		return nil
	}

	pad := f.padlen
	if pad > n-1 {
		pad = n - 1
	}

	ext := make([]float64, n+2*pad)
	for i := 0; i < pad; i++ {
		ext[i] = 2*x[0] - x[pad-i]
		ext[pad+n+i] = 2*x[n-1] - x[n-2-i]
	}
	copy(ext[pad:], x)

	f.run(ext)
	reverse(ext)
	f.run(ext)
	reverse(ext)

	return ext[pad : pad+n]
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
