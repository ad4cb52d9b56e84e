// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package container_test

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/OpenPSG/photometry/container"
	"github.com/OpenPSG/photometry/demod"
	"github.com/OpenPSG/photometry/edf"
	"github.com/OpenPSG/photometry/fault"
	"github.com/OpenPSG/photometry/session"
	"github.com/OpenPSG/photometry/stimulus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOutput() *session.Output {
	calcium := demod.Trace{Name: "calcium_signal", Rate: 100, Values: make([]float64, 1050)}
	isosbestic := demod.Trace{Name: "isosbestic_signal", Rate: 100, Values: make([]float64, 1050)}
	for i := range calcium.Values {
		t := float64(i) / 100
		calcium.Values[i] = 1 + 0.5*math.Sin(2*math.Pi*0.5*t)
		isosbestic.Values[i] = 0.6 + 0.2*math.Sin(2*math.Pi*0.3*t)
	}

	return &session.Output{
		Subject:         "M123",
		SessionID:       "M123 day 1",
		Protocol:        "varying_durations",
		TagTableVersion: "hnasko-2025.1/varying_durations",
		Start:           time.Date(2025, 3, 2, 10, 30, 0, 0, time.UTC),
		Traces:          []demod.Trace{calcium, isosbestic},
		Intervals: []stimulus.Interval{
			{Start: 2, Stop: 3, Tag: "s1s_", Stream: "s1s_Ch1", Params: stimulus.Params{
				Kind: stimulus.KindDuration, Duration: 1, Frequency: 40, Pulses: 40, Period: 0.025,
			}},
			{Start: 6.5, Stop: 6.75, Tag: "sms_", Stream: "ssm_Ch1", Params: stimulus.Params{
				Kind: stimulus.KindDuration, Duration: 0.25, Frequency: 40, Pulses: 10, Period: 0.025,
			}},
		},
		Counts: map[string]int{"s1s_": 1, "sms_": 1},
		Videos: []stimulus.VideoAlignment{
			{File: "cam1.avi", Offset: 4.5},
		},
		Unaligned: []stimulus.VideoAsset{{File: "cam2.avi"}},
		Warnings: []stimulus.Warning{
			{Kind: stimulus.WarnCountMismatch, Tag: "s1s_", Message: `tag "s1s_" has 1 intervals, expected 5`},
		},
	}
}

func TestWriteFile(t *testing.T) {
	out := testOutput()
	path := filepath.Join(t.TempDir(), "session.edf")

	var cw container.Writer
	require.NoError(t, cw.WriteFile(context.Background(), path, out, false))

	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, f.Close())
	})

	er, err := edf.Open(f)
	require.NoError(t, err)

	hdr := er.Header()
	assert.Equal(t, edf.ReservedContinuous, hdr.Reserved)
	assert.Equal(t, 11, hdr.DataRecords)
	assert.Equal(t, time.Second, hdr.DataRecordDuration)
	assert.Equal(t, out.Start, hdr.StartTime)
	assert.Equal(t, "M123 X X X", hdr.PatientID)
	assert.Equal(t, "Startdate 02-MAR-2025 M123_day_1 X varying_durations", hdr.RecordingID)
	require.Len(t, hdr.Signals, 3)
	assert.Equal(t, "calcium_signal", hdr.Signals[0].Label)
	assert.Equal(t, "isosbestic_signal", hdr.Signals[1].Label)
	assert.Equal(t, 100, hdr.Signals[0].SamplesPerRecord)
	assert.True(t, hdr.Signals[2].IsAnnotation())

	for i, tr := range out.Traces {
		sr, err := er.Signal(i)
		require.NoError(t, err)
		values, err := sr.ReadAll()
		require.NoError(t, err)
		require.Len(t, values, 1100)

		resolution := (hdr.Signals[i].PhysicalMax - hdr.Signals[i].PhysicalMin) / 65535
		for j, want := range tr.Values {
			require.InDelta(t, want, values[j], resolution)
		}
		// The final record is padded with the digital minimum.
		assert.InDelta(t, hdr.Signals[i].PhysicalMin, values[1099], resolution)
	}

	annotations, err := er.Annotations()
	require.NoError(t, err)

	var texts []string
	for _, a := range annotations {
		texts = append(texts, a.Texts...)
	}
	assert.Equal(t, []string{
		`warning: count_mismatch: tag "s1s_" has 1 intervals, expected 5`,
		"video cam2.avi unaligned",
		"s1s_ duration duration=1s frequency=40Hz pulses=40",
		"video cam1.avi",
		"sms_ duration duration=0.25s frequency=40Hz pulses=10",
	}, texts)

	require.Len(t, annotations, 5)
	assert.Equal(t, 2.0, annotations[2].Onset)
	assert.Equal(t, 1.0, annotations[2].Duration)
	assert.Equal(t, 4.5, annotations[3].Onset)
	assert.Equal(t, 6.5, annotations[4].Onset)
	assert.Equal(t, 0.25, annotations[4].Duration)
}

func TestWriteFileOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.edf")
	require.NoError(t, os.WriteFile(path, []byte("existing"), 0o644))

	var cw container.Writer
	err := cw.WriteFile(context.Background(), path, testOutput(), false)
	require.Error(t, err)
	assert.Equal(t, fault.Config, fault.Classify(err))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "existing", string(b))

	require.NoError(t, cw.WriteFile(context.Background(), path, testOutput(), true))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(256))
}

func TestWriteFileRemovesPartialOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.edf")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var cw container.Writer
	err := cw.WriteFile(ctx, path, testOutput(), false)
	require.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteInvalid(t *testing.T) {
	var cw container.Writer

	t.Run("no traces", func(t *testing.T) {
		out := testOutput()
		out.Traces = nil
		err := cw.WriteFile(context.Background(), filepath.Join(t.TempDir(), "a.edf"), out, false)
		assert.Equal(t, fault.Config, fault.Classify(err))
	})

	t.Run("mismatched traces", func(t *testing.T) {
		out := testOutput()
		out.Traces[1].Values = out.Traces[1].Values[:10]
		err := cw.WriteFile(context.Background(), filepath.Join(t.TempDir(), "a.edf"), out, false)
		assert.Equal(t, fault.Structural, fault.Classify(err))
	})

	t.Run("fractional samples per record", func(t *testing.T) {
		cw := container.Writer{RecordDuration: 15 * time.Millisecond}
		err := cw.WriteFile(context.Background(), filepath.Join(t.TempDir(), "a.edf"), testOutput(), false)
		assert.Equal(t, fault.Config, fault.Classify(err))
	})
}

func TestAnnotationsEpochs(t *testing.T) {
	out := testOutput()
	out.Epochs = []stimulus.Epoch{
		{Tag: "5Hz", Start: 0, Stop: 4.99},
		{Tag: "10Hz", Start: 6, Stop: 10.49},
	}

	var epochs []edf.Annotation
	for _, a := range container.Annotations(out) {
		if strings.HasPrefix(a.Texts[0], "epoch ") {
			epochs = append(epochs, a)
		}
	}

	require.Len(t, epochs, 2)
	assert.Equal(t, []string{"epoch 5Hz"}, epochs[0].Texts)
	assert.InDelta(t, 4.99, epochs[0].Duration, 1e-9)
	assert.Equal(t, []string{"epoch 10Hz"}, epochs[1].Texts)
	assert.InDelta(t, 6.0, epochs[1].Onset, 1e-9)

	// Epochs survive the round trip through the annotation signal.
	path := filepath.Join(t.TempDir(), "session.edf")
	var cw container.Writer
	require.NoError(t, cw.WriteFile(context.Background(), path, out, false))

	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, f.Close())
	})
	er, err := edf.Open(f)
	require.NoError(t, err)
	annotations, err := er.Annotations()
	require.NoError(t, err)

	var texts []string
	for _, a := range annotations {
		texts = append(texts, a.Texts...)
	}
	assert.Contains(t, texts, "epoch 5Hz")
	assert.Contains(t, texts, "epoch 10Hz")
}

func TestIntervalText(t *testing.T) {
	iv := stimulus.Interval{Tag: "s1s_", Params: stimulus.Params{
		Kind: stimulus.KindShock, Duration: 1, Amplitude: 0.5, PairedCue: true,
	}}
	assert.Equal(t, "s1s_ shock duration=1s amplitude=0.5mA paired", container.IntervalText(iv))

	unknown := stimulus.Interval{Tag: "xyz_Ch1", Params: stimulus.Params{Kind: stimulus.KindUnknown}}
	assert.Equal(t, "xyz_Ch1 unknown", container.IntervalText(unknown))
}
