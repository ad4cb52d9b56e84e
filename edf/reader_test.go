// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package edf_test

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/OpenPSG/photometry/edf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderAnnotations(t *testing.T) {
	f := createFile(t)

	ew, err := edf.Create(f, edf.Header{
		StartTime:          time.Date(2025, 3, 2, 10, 30, 0, 0, time.UTC),
		DataRecordDuration: time.Second,
		Signals: []edf.Signal{
			traceSignal("calcium", 10),
			traceSignal("isosbestic", 10),
			edf.AnnotationSignalFor(200),
		},
	})
	require.NoError(t, err)

	calcium := make([]float64, 10)
	isosbestic := make([]float64, 10)
	for r := 0; r < 3; r++ {
		for i := range calcium {
			calcium[i] = float64(r*10+i) / 100
			isosbestic[i] = -float64(r*10+i) / 100
		}
		var annotations []edf.Annotation
		if r == 1 {
			annotations = []edf.Annotation{
				{Onset: 1.5, Duration: 4, Texts: []string{"s4s_ duration frequency=40Hz pulses=160"}},
				{Onset: 1.75, Texts: []string{"video\x14cam1.avi"}},
			}
		}
		require.NoError(t, ew.WriteRecord([][]float64{calcium, isosbestic}, annotations...))
	}
	require.NoError(t, ew.Close())

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)

	er, err := edf.Open(f)
	require.NoError(t, err)

	idx, ok := er.SignalIndex("isosbestic")
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = er.SignalIndex("fluorescence")
	assert.False(t, ok)

	_, err = er.Signal(2)
	require.Error(t, err)

	sr, err := er.Signal(idx)
	require.NoError(t, err)

	// Read across record boundaries in uneven chunks.
	first := make([]float64, 7)
	n, err := sr.Read(first)
	require.NoError(t, err)
	require.Equal(t, 7, n)

	rest, err := sr.ReadAll()
	require.NoError(t, err)
	require.Len(t, rest, 23)

	samples := append(first, rest...)
	for i, v := range samples {
		require.InDelta(t, -float64(i)/100, v, 1e-4)
	}

	annotations, err := er.Annotations()
	require.NoError(t, err)
	require.Len(t, annotations, 2)

	assert.Equal(t, 1.5, annotations[0].Onset)
	assert.Equal(t, 4.0, annotations[0].Duration)
	assert.Equal(t, []string{"s4s_ duration frequency=40Hz pulses=160"}, annotations[0].Texts)

	assert.Equal(t, 1.75, annotations[1].Onset)
	assert.Zero(t, annotations[1].Duration)
	// Separator bytes inside a text are replaced.
	assert.Equal(t, []string{"video cam1.avi"}, annotations[1].Texts)
}

func TestReaderPlainEDF(t *testing.T) {
	f := createFile(t)

	ew, err := edf.Create(f, edf.Header{
		StartTime:          time.Date(2024, 11, 5, 8, 0, 0, 0, time.UTC),
		DataRecordDuration: 2 * time.Second,
		Signals:            []edf.Signal{traceSignal("Fi1r", 4)},
	})
	require.NoError(t, err)
	require.NoError(t, ew.WriteRecord([][]float64{{0.1, 0.2, 0.3, 0.4}}))
	require.NoError(t, ew.Close())

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)

	er, err := edf.Open(f)
	require.NoError(t, err)

	hdr := er.Header()
	assert.Empty(t, hdr.Reserved)
	assert.Equal(t, -1, hdr.AnnotationSignal())

	annotations, err := er.Annotations()
	require.NoError(t, err)
	assert.Empty(t, annotations)
}

func TestOpenInvalid(t *testing.T) {
	_, err := edf.Open(bytes.NewReader([]byte("0       short")))
	require.Error(t, err)
}
