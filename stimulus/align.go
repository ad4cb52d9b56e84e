// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package stimulus

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/OpenPSG/photometry/fault"
)

// VideoAsset is an external video recording with its own clock.
type VideoAsset struct {
	File          string
	RecordedStart time.Time // Wall-clock start, zero if unknown
}

// VideoAlignment relates a video's local timeline to the session clock.
type VideoAlignment struct {
	File          string
	RecordedStart time.Time
	Offset        float64 // Seconds added to video-local time to get session time
}

// MissingAlignmentDataError is returned when a video has no recorded start
// time. No offset is ever assumed in its place.
type MissingAlignmentDataError struct {
	File string
}

func (e *MissingAlignmentDataError) Error() string {
	return fmt.Sprintf("no recorded start time for video %q", e.File)
}

// Category implements fault.Categorized.
func (e *MissingAlignmentDataError) Category() fault.Category {
	return fault.Alignment
}

// NegativeOffsetError is returned when a video started before the session.
type NegativeOffsetError struct {
	File   string
	Offset float64
}

func (e *NegativeOffsetError) Error() string {
	return fmt.Sprintf("video %q starts %gs before the session", e.File, -e.Offset)
}

// Category implements fault.Categorized.
func (e *NegativeOffsetError) Category() fault.Category {
	return fault.Alignment
}

// Align computes the offset such that video-local time plus offset equals
// session time.
func Align(asset VideoAsset, sessionStart time.Time) (VideoAlignment, error) {
	if asset.RecordedStart.IsZero() {
		return VideoAlignment{}, &MissingAlignmentDataError{File: asset.File}
	}

	offset := asset.RecordedStart.Sub(sessionStart).Seconds()
	if offset < 0 {
		return VideoAlignment{}, &NegativeOffsetError{File: asset.File, Offset: offset}
	}

	return VideoAlignment{
		File:          asset.File,
		RecordedStart: asset.RecordedStart,
		Offset:        offset,
	}, nil
}

// VideoTable maps video file names to their recorded wall-clock start.
type VideoTable map[string]time.Time

// Asset returns the video asset for path, looked up by base name. The
// recorded start is zero when the table has no entry.
func (t VideoTable) Asset(path string) VideoAsset {
	return VideoAsset{File: path, RecordedStart: t[filepath.Base(path)]}
}

var videoTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// LoadVideoTable reads a CSV table with file_name and start_time columns.
// Start times without a zone are interpreted in loc.
func LoadVideoTable(r io.Reader, loc *time.Location) (VideoTable, error) {
	if loc == nil {
		loc = time.UTC
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fault.Configf("error reading video table header: %w", err)
	}

	fileCol, startCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "file_name":
			fileCol = i
		case "start_time":
			startCol = i
		}
	}
	if fileCol < 0 || startCol < 0 {
		return nil, fault.Configf("video table must have file_name and start_time columns, got %v", header)
	}

	table := make(VideoTable)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fault.Configf("error reading video table: %w", err)
		}

		file := strings.TrimSpace(rec[fileCol])
		value := strings.TrimSpace(rec[startCol])
		if file == "" || value == "" {
			continue
		}

		start, err := parseVideoTime(value, loc)
		if err != nil {
			return nil, fault.Configf("error parsing start time on line %d: %w", line, err)
		}
		table[file] = start
	}

	return table, nil
}

func parseVideoTime(value string, loc *time.Location) (time.Time, error) {
	for _, layout := range videoTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", value)
}
