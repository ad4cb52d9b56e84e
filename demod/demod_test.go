// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package demod_test

import (
	"errors"
	"math"
	"testing"

	"github.com/OpenPSG/photometry/demod"
	"github.com/OpenPSG/photometry/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var carriers = []demod.Carrier{
	{Name: "calcium_signal", Frequency: 330},
	{Name: "isosbestic_signal", Frequency: 210},
}

func calcium(t float64) float64    { return 1.0 + 0.5*math.Sin(2*math.Pi*0.5*t) }
func isosbestic(t float64) float64 { return 0.6 + 0.2*math.Sin(2*math.Pi*0.3*t) }

// synthesize builds a raw stream with two modulated sources. The carrier
// phases are deliberately non-zero.
func synthesize(rate, seconds float64) demod.Raw {
	n := int(rate * seconds)
	samples := make([]float64, n)
	for i := range samples {
		t := float64(i) / rate
		samples[i] = calcium(t)*math.Sin(2*math.Pi*330*t+0.7) +
			isosbestic(t)*math.Sin(2*math.Pi*210*t+1.9)
	}
	return demod.Raw{Rate: rate, Samples: samples}
}

func TestDemodulate(t *testing.T) {
	raw := synthesize(6000, 60)
	original := append([]float64(nil), raw.Samples...)

	traces, err := demod.Demodulate(raw, carriers, demod.Options{OutputRate: 100})
	require.NoError(t, err)
	require.Len(t, traces, 2)

	// The raw stream must be left untouched.
	require.Equal(t, original, raw.Samples)

	want := map[string]func(float64) float64{
		"calcium_signal":    calcium,
		"isosbestic_signal": isosbestic,
	}

	for _, tr := range traces {
		require.Len(t, tr.Values, 6000, tr.Name)
		assert.Equal(t, 100.0, tr.Rate)

		ts := tr.Timestamps()
		// Skip the edges where filter transients remain.
		for i := 200; i < len(tr.Values)-200; i++ {
			require.InDelta(t, want[tr.Name](ts[i]), tr.Values[i], 0.01, "%s sample %d", tr.Name, i)
		}
	}
}

func TestDemodulateMagnitude(t *testing.T) {
	raw := synthesize(6000, 10)

	traces, err := demod.Demodulate(raw, carriers, demod.Options{OutputRate: 100, Mode: demod.ModeMagnitude})
	require.NoError(t, err)

	for i := 200; i < 800; i++ {
		ts := float64(i) / 100
		assert.InDelta(t, calcium(ts), traces[0].Values[i], 0.01)
		assert.InDelta(t, isosbestic(ts), traces[1].Values[i], 0.01)
	}
}

func TestDemodulateSingleCarrierNoCrossTalk(t *testing.T) {
	rate := 6000.0
	n := int(rate * 20)
	samples := make([]float64, n)
	for i := range samples {
		ts := float64(i) / rate
		samples[i] = calcium(ts) * math.Sin(2*math.Pi*330*ts+0.3)
	}

	traces, err := demod.Demodulate(demod.Raw{Rate: rate, Samples: samples}, carriers, demod.Options{
		OutputRate: 100,
		Mode:       demod.ModeMagnitude,
	})
	require.NoError(t, err)

	// Nothing was modulated at 210 Hz.
	for i := 200; i < len(traces[1].Values)-200; i++ {
		require.Less(t, traces[1].Values[i], 0.005)
	}
}

func TestOutputLength(t *testing.T) {
	tests := []struct {
		rate, outputRate float64
		samples, want    int
	}{
		{6000, 100, 360000, 6000},
		{6103.5156, 100, 61035, 999},
		{1000, 1000, 999, 999},
		{1017.25, 20, 2000, 39},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, demod.OutputLength(tc.samples, tc.rate, tc.outputRate))
	}

	// Non-integer rate ratio through the full pipeline.
	raw := synthesize(6103.5156, 10)
	traces, err := demod.Demodulate(raw, carriers, demod.Options{OutputRate: 100})
	require.NoError(t, err)
	want := int(math.Floor(raw.Duration() * 100))
	for _, tr := range traces {
		assert.Len(t, tr.Values, want)
	}
}

func TestDemodulateLowOutputRates(t *testing.T) {
	raw := synthesize(6000, 20)

	for _, rate := range []float64{1, 10, 12} {
		traces, err := demod.Demodulate(raw, carriers, demod.Options{OutputRate: rate})
		require.NoError(t, err, "output rate %g", rate)
		for _, tr := range traces {
			assert.Len(t, tr.Values, int(math.Floor(raw.Duration()*rate)), "output rate %g", rate)
		}
	}

	// The derived cutoff of 4 Hz still passes the slow calcium signal.
	traces, err := demod.Demodulate(raw, carriers, demod.Options{OutputRate: 10})
	require.NoError(t, err)
	for i := 40; i < 160; i++ {
		require.InDelta(t, calcium(float64(i)/10), traces[0].Values[i], 0.01, "sample %d", i)
	}
}

func TestDemodulatePolarity(t *testing.T) {
	rate := 6000.0
	signal := func(t float64) float64 { return -0.5 * math.Sin(2*math.Pi*0.37*t) }

	samples := make([]float64, int(rate*20))
	for i := range samples {
		ts := float64(i) / rate
		samples[i] = signal(ts) * math.Sin(2*math.Pi*330*ts)
	}
	raw := demod.Raw{Rate: rate, Samples: samples}
	calciumOnly := carriers[:1]

	reference, err := demod.Demodulate(raw, calciumOnly, demod.Options{OutputRate: 100, Polarity: demod.PolarityReference})
	require.NoError(t, err)

	// A signal with a negative mean is inverted by the default polarity.
	mean, err := demod.Demodulate(raw, calciumOnly, demod.Options{OutputRate: 100})
	require.NoError(t, err)

	for i := 200; i < 1800; i++ {
		ts := float64(i) / 100
		require.InDelta(t, signal(ts), reference[0].Values[i], 0.01, "sample %d", i)
		require.InDelta(t, -signal(ts), mean[0].Values[i], 0.01, "sample %d", i)
	}
}

func TestDemodulateGap(t *testing.T) {
	raw := synthesize(6000, 20)
	for i := 60000; i < 72000; i++ {
		raw.Samples[i] = math.NaN()
	}

	traces, err := demod.Demodulate(raw, carriers, demod.Options{OutputRate: 100})
	require.NoError(t, err)

	want := map[string]func(float64) float64{
		"calcium_signal":    calcium,
		"isosbestic_signal": isosbestic,
	}

	for _, tr := range traces {
		require.Len(t, tr.Values, 2000)
		for i := 1000; i < 1200; i++ {
			require.True(t, math.IsNaN(tr.Values[i]), "%s sample %d", tr.Name, i)
		}
		for _, r := range [][2]int{{200, 800}, {1400, 1800}} {
			for i := r[0]; i < r[1]; i++ {
				require.InDelta(t, want[tr.Name](float64(i)/100), tr.Values[i], 0.01, "%s sample %d", tr.Name, i)
			}
		}
	}
}

func TestDemodulateOnlyGaps(t *testing.T) {
	samples := make([]float64, 6000)
	for i := range samples {
		samples[i] = math.NaN()
	}

	_, err := demod.Demodulate(demod.Raw{Rate: 6000, Samples: samples}, carriers, demod.Options{OutputRate: 100})

	var insufficient *demod.InsufficientDataError
	require.True(t, errors.As(err, &insufficient))
	assert.Zero(t, insufficient.Samples)
}

func TestDemodulateInsufficientData(t *testing.T) {
	raw := demod.Raw{Rate: 6000, Samples: make([]float64, 10)}

	_, err := demod.Demodulate(raw, carriers, demod.Options{OutputRate: 100})
	require.Error(t, err)

	var insufficient *demod.InsufficientDataError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 10, insufficient.Samples)
	assert.Equal(t, 29, insufficient.Required)
	assert.Equal(t, fault.Structural, fault.Classify(err))
}

func TestDemodulateCarrierSeparation(t *testing.T) {
	raw := synthesize(6000, 1)
	near := []demod.Carrier{
		{Name: "a", Frequency: 210},
		{Name: "b", Frequency: 214},
	}

	_, err := demod.Demodulate(raw, near, demod.Options{OutputRate: 100})

	var sep *demod.CarrierSeparationError
	require.True(t, errors.As(err, &sep))
	assert.Equal(t, "a", sep.A.Name)
	assert.Equal(t, "b", sep.B.Name)
}

func TestDemodulateInvalidOptions(t *testing.T) {
	raw := synthesize(6000, 1)

	tests := []struct {
		name     string
		carriers []demod.Carrier
		opts     demod.Options
	}{
		{"output rate above raw rate", carriers, demod.Options{OutputRate: 7000}},
		{"zero output rate", carriers, demod.Options{}},
		{"cutoff above output nyquist", carriers, demod.Options{OutputRate: 10, Cutoff: 6}},
		{"no carriers", nil, demod.Options{OutputRate: 100}},
		{"carrier above nyquist", []demod.Carrier{{Name: "x", Frequency: 3500}}, demod.Options{OutputRate: 100}},
		{"duplicate names", []demod.Carrier{{Name: "x", Frequency: 210}, {Name: "x", Frequency: 330}}, demod.Options{OutputRate: 100}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := demod.Demodulate(raw, tc.carriers, tc.opts)
			require.Error(t, err)
			assert.Equal(t, fault.Structural, fault.Classify(err))
		})
	}
}

func TestModeParse(t *testing.T) {
	m, ok := demod.ParseMode("magnitude")
	require.True(t, ok)
	assert.Equal(t, demod.ModeMagnitude, m)
	assert.Equal(t, "magnitude", m.String())

	_, ok = demod.ParseMode("bogus")
	assert.False(t, ok)

	p, ok := demod.ParsePolarity("reference")
	require.True(t, ok)
	assert.Equal(t, demod.PolarityReference, p)
	assert.Equal(t, "reference", p.String())

	_, ok = demod.ParsePolarity("up")
	assert.False(t, ok)
}
