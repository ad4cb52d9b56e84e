// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package acquisition

import (
	"math"
	"os"
	"sort"
	"time"

	"github.com/OpenPSG/photometry/demod"
	"github.com/OpenPSG/photometry/edf"
	"github.com/OpenPSG/photometry/fault"
	"github.com/OpenPSG/photometry/stimulus"
	"gopkg.in/yaml.v3"
)

// ReadRaw reads the raw modulated stream named by the manifest. A stream
// recorded in segments is concatenated and the returned epochs locate each
// segment; a single file has no epochs.
func ReadRaw(m *Manifest) (demod.Raw, []stimulus.Epoch, error) {
	if len(m.Raw.Segments) == 0 {
		b, rate, err := readBlock(m.resolve(m.Raw.Path), m.Raw.Signal)
		if err != nil {
			return demod.Raw{}, nil, err
		}
		if m.Raw.Rate != 0 {
			rate = m.Raw.Rate
		}
		return demod.Raw{Start: m.Raw.Start, Rate: rate, Samples: b.Samples}, nil, nil
	}

	var rate float64
	blocks := make([]Block, len(m.Raw.Segments))
	for i, seg := range m.Raw.Segments {
		b, r, err := readBlock(m.resolve(seg.Path), m.Raw.Signal)
		if err != nil {
			return demod.Raw{}, nil, err
		}
		if i > 0 && r != rate {
			return demod.Raw{}, nil, fault.Structuralf("segment %s is sampled at %g Hz, the first segment at %g Hz", seg.Path, r, rate)
		}
		rate = r
		b.Tag = seg.tag()
		blocks[i] = b
	}
	if m.Raw.Rate != 0 {
		rate = m.Raw.Rate
	}

	samples, epochs, err := Concatenate(blocks, rate)
	if err != nil {
		return demod.Raw{}, nil, err
	}
	return demod.Raw{Start: m.Raw.Start, Rate: rate, Samples: samples}, epochs, nil
}

// readBlock reads one signal of an EDF file and its sampling rate.
func readBlock(path, signal string) (Block, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Block{}, 0, fault.Configf("error opening raw data: %w", err)
	}
	defer f.Close()

	er, err := edf.Open(f)
	if err != nil {
		return Block{}, 0, fault.Configf("error reading raw data %s: %w", path, err)
	}

	samples, rate, err := readSignal(er, path, signal)
	if err != nil {
		return Block{}, 0, err
	}
	return Block{Start: er.Header().StartTime, Samples: samples}, rate, nil
}

// readSignal reads every sample of the signal labelled label.
func readSignal(er *edf.Reader, path, label string) ([]float64, float64, error) {
	idx, ok := er.SignalIndex(label)
	if !ok {
		return nil, 0, fault.Configf("%s has no signal %q", path, label)
	}

	sr, err := er.Signal(idx)
	if err != nil {
		return nil, 0, fault.Configf("error reading signal %q: %w", label, err)
	}
	samples, err := sr.ReadAll()
	if err != nil {
		return nil, 0, fault.Configf("error reading signal %q: %w", label, err)
	}

	hdr := er.Header()
	rate := float64(hdr.Signals[idx].SamplesPerRecord) / hdr.DataRecordDuration.Seconds()
	return samples, rate, nil
}

// Block is one contiguous recording of a concatenated session.
type Block struct {
	Tag     string
	Start   time.Time
	Samples []float64
}

// Concatenate joins blocks sampled at rate into one stream. Blocks must be
// in chronological order and the time between them is filled with NaN.
// With more than one block, the returned epochs give each block's first and
// last sample in seconds from the start of the stream.
func Concatenate(blocks []Block, rate float64) ([]float64, []stimulus.Epoch, error) {
	if len(blocks) == 0 {
		return nil, nil, fault.Configf("no blocks to concatenate")
	}
	if rate <= 0 {
		return nil, nil, fault.Configf("sampling rate must be positive, got %g", rate)
	}

	var total int
	for _, b := range blocks {
		total += len(b.Samples)
	}

	var epochs []stimulus.Epoch
	samples := make([]float64, 0, total)
	first := blocks[0].Start
	for i, b := range blocks {
		if i > 0 && b.Start.Before(blocks[i-1].Start) {
			return nil, nil, fault.Configf("segment %s starts before segment %s, segments must be in chronological order",
				b.Tag, blocks[i-1].Tag)
		}

		offset := b.Start.Sub(first).Seconds()
		gap := int(math.Floor(offset*rate+1e-9)) - len(samples)
		if gap < 0 {
			return nil, nil, fault.Structuralf("segment %s starts %.3f s before the end of segment %s",
				b.Tag, float64(-gap)/rate, blocks[i-1].Tag)
		}
		for ; gap > 0; gap-- {
			samples = append(samples, math.NaN())
		}

		lo := len(samples)
		samples = append(samples, b.Samples...)
		if len(blocks) > 1 && len(b.Samples) > 0 {
			epochs = append(epochs, stimulus.Epoch{
				Tag:   b.Tag,
				Start: float64(lo) / rate,
				Stop:  float64(len(samples)-1) / rate,
			})
		}
	}

	return samples, epochs, nil
}

// ReadTraces reads the demodulated traces named by the manifest, ordered by
// trace name.
func ReadTraces(m *Manifest) ([]demod.Trace, error) {
	path := m.resolve(m.Demodulated.Path)
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Configf("error opening demodulated data: %w", err)
	}
	defer f.Close()

	er, err := edf.Open(f)
	if err != nil {
		return nil, fault.Configf("error reading demodulated data %s: %w", path, err)
	}

	names := make([]string, 0, len(m.Demodulated.Signals))
	for name := range m.Demodulated.Signals {
		names = append(names, name)
	}
	sort.Strings(names)

	traces := make([]demod.Trace, 0, len(names))
	for _, name := range names {
		values, rate, err := readSignal(er, path, m.Demodulated.Signals[name])
		if err != nil {
			return nil, err
		}
		traces = append(traces, demod.Trace{Name: name, Start: m.Demodulated.Start, Rate: rate, Values: values})
	}
	return traces, nil
}

// ReadEvents reads the event streams named by the manifest. The file maps
// stream names to alternating onset and offset timestamps.
func ReadEvents(m *Manifest) ([]stimulus.Stream, error) {
	path := m.resolve(m.Events)
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Configf("error opening events: %w", err)
	}
	defer f.Close()

	var doc map[string][]float64
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fault.Configf("error parsing events %s: %w", path, err)
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	streams := make([]stimulus.Stream, len(names))
	for i, name := range names {
		streams[i] = stimulus.Stream{Name: name, Timestamps: doc[name]}
	}
	return streams, nil
}

// ReadVideos returns the session's video assets. Without a metadata table
// every asset has a zero start time and will fail alignment.
func ReadVideos(m *Manifest) ([]stimulus.VideoAsset, error) {
	files := m.VideoFiles()
	if m.Videos.Table == "" {
		assets := make([]stimulus.VideoAsset, len(files))
		for i, file := range files {
			assets[i] = stimulus.VideoAsset{File: file}
		}
		return assets, nil
	}

	loc := time.UTC
	if m.Videos.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(m.Videos.Timezone); err != nil {
			return nil, fault.Configf("invalid video timezone: %w", err)
		}
	}

	path := m.resolve(m.Videos.Table)
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Configf("error opening video table: %w", err)
	}
	defer f.Close()

	table, err := stimulus.LoadVideoTable(f, loc)
	if err != nil {
		return nil, err
	}

	assets := make([]stimulus.VideoAsset, len(files))
	for i, file := range files {
		assets[i] = table.Asset(file)
	}
	return assets, nil
}
