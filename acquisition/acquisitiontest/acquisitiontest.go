// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package acquisitiontest writes synthetic session folders for tests.
package acquisitiontest

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/OpenPSG/photometry/edf"
	"github.com/stretchr/testify/require"
)

// Start is the session start used by every synthetic session.
var Start = time.Date(2025, 3, 2, 10, 30, 0, 0, time.UTC)

// Session describes a synthetic session folder.
type Session struct {
	ID       string
	Protocol string
	Seconds  int                  // Length of the raw stream
	Rate     int                  // Raw samples per second
	Events   map[string][]float64 // Event streams by name
	// Videos maps file names to their start offset from Start. A negative
	// duration leaves the file out of the metadata table.
	Videos map[string]time.Duration
	// Segments records the raw stream as several files instead of one.
	Segments []Segment
	// Demodulated writes 100 Hz calcium and isosbestic traces instead of a
	// raw stream.
	Demodulated bool
}

// Segment is one file of a segmented raw stream.
type Segment struct {
	Tag     string        // Directory the segment is written to
	Offset  time.Duration // Start relative to Start
	Seconds int
}

// Demodulated trace labels written when Session.Demodulated is set.
const (
	CalciumLabel    = "Ca465"
	IsosbesticLabel = "Iso405"
)

// Write creates the session folder under dir and returns the manifest path.
func Write(t *testing.T, dir string, s Session) string {
	t.Helper()

	if s.Rate == 0 {
		s.Rate = 2000
	}
	if s.Protocol == "" {
		s.Protocol = "varying_durations"
	}

	dir = filepath.Join(dir, s.ID)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	var source string
	switch {
	case s.Demodulated:
		writeTraces(t, filepath.Join(dir, "traces.edf"), s.Seconds)
		source = fmt.Sprintf("demodulated:\n  path: traces.edf\n  signals:\n    calcium_signal: %s\n    isosbestic_signal: %s\n",
			CalciumLabel, IsosbesticLabel)
	case len(s.Segments) > 0:
		source = "raw:\n  signal: Fi1r\n  segments:\n"
		for _, seg := range s.Segments {
			require.NoError(t, os.MkdirAll(filepath.Join(dir, seg.Tag), 0o755))
			writeRaw(t, filepath.Join(dir, seg.Tag, "raw.edf"), Start.Add(seg.Offset), s.Rate, seg.Seconds)
			source += fmt.Sprintf("    - path: %s/raw.edf\n", seg.Tag)
		}
	default:
		writeRaw(t, filepath.Join(dir, "raw.edf"), Start, s.Rate, s.Seconds)
		source = "raw:\n  path: raw.edf\n  signal: Fi1r\n"
	}

	var events strings.Builder
	for name, ts := range s.Events {
		fmt.Fprintf(&events, "%s: [", name)
		for i, v := range ts {
			if i > 0 {
				events.WriteString(", ")
			}
			fmt.Fprintf(&events, "%g", v)
		}
		events.WriteString("]\n")
	}
	if events.Len() == 0 {
		events.WriteString("{}\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events.yaml"), []byte(events.String()), 0o644))

	var manifest strings.Builder
	fmt.Fprintf(&manifest, "subject: %s\nsession_id: %s\nprotocol: %s\nsession_start: %s\n",
		"M123", s.ID, s.Protocol, Start.Format(time.RFC3339))
	manifest.WriteString(source)
	manifest.WriteString("events: events.yaml\n")

	if len(s.Videos) > 0 {
		table := "file_name,start_time\n"
		manifest.WriteString("videos:\n  table: videos.csv\n  files:\n")
		for file, offset := range s.Videos {
			fmt.Fprintf(&manifest, "    - %s\n", file)
			if offset >= 0 {
				table += fmt.Sprintf("%s,%s\n", file, Start.Add(offset).Format(time.RFC3339Nano))
			}
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "videos.csv"), []byte(table), 0o644))
	}

	path := filepath.Join(dir, "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest.String()), 0o644))
	return path
}

// writeRaw writes a 330 Hz and 210 Hz modulated stream as signal Fi1r.
func writeRaw(t *testing.T, path string, start time.Time, rate, seconds int) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()

	ew, err := edf.Create(f, edf.Header{
		StartTime:          start,
		DataRecordDuration: time.Second,
		Signals: []edf.Signal{{
			Label:             "Fi1r",
			TransducerType:    "photodetector",
			PhysicalDimension: "V",
			PhysicalMin:       -2,
			PhysicalMax:       2,
			DigitalMin:        -32768,
			DigitalMax:        32767,
			SamplesPerRecord:  rate,
		}},
	})
	require.NoError(t, err)

	record := make([]float64, rate)
	for r := 0; r < seconds; r++ {
		for i := range record {
			ts := float64(r) + float64(i)/float64(rate)
			calcium := 1 + 0.5*math.Sin(2*math.Pi*0.5*ts)
			isosbestic := 0.6 + 0.2*math.Sin(2*math.Pi*0.3*ts)
			record[i] = calcium*math.Sin(2*math.Pi*330*ts+0.7)/2 + isosbestic*math.Sin(2*math.Pi*210*ts+1.9)/2
		}
		require.NoError(t, ew.WriteRecord([][]float64{record}))
	}
	require.NoError(t, ew.Close())
}

// writeTraces writes demodulated calcium and isosbestic traces at 100 Hz.
func writeTraces(t *testing.T, path string, seconds int) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()

	signal := func(label string) edf.Signal {
		return edf.Signal{
			Label:             label,
			TransducerType:    "photodetector",
			PhysicalDimension: "V",
			PhysicalMin:       0,
			PhysicalMax:       2,
			DigitalMin:        -32768,
			DigitalMax:        32767,
			SamplesPerRecord:  100,
		}
	}

	ew, err := edf.Create(f, edf.Header{
		StartTime:          Start,
		DataRecordDuration: time.Second,
		Signals:            []edf.Signal{signal(CalciumLabel), signal(IsosbesticLabel)},
	})
	require.NoError(t, err)

	calcium := make([]float64, 100)
	isosbestic := make([]float64, 100)
	for r := 0; r < seconds; r++ {
		for i := range calcium {
			ts := float64(r) + float64(i)/100
			calcium[i] = 1 + 0.5*math.Sin(2*math.Pi*0.5*ts)
			isosbestic[i] = 0.6 + 0.2*math.Sin(2*math.Pi*0.3*ts)
		}
		require.NoError(t, ew.WriteRecord([][]float64{calcium, isosbestic}))
	}
	require.NoError(t, ew.Close())
}
