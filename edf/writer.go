// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package edf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
)

// maxRecordBytes is the data record size recommended by the EDF standard.
const maxRecordBytes = 61440

// Writer writes EDF/EDF+ files.
type Writer struct {
	w           io.WriteSeeker
	hdr         *Header
	annotations int // Index of the annotation signal, -1 for plain EDF.
	dataRecords int // Number of data records written so far.
}

// Create creates a new EDF writer that writes to the given writer. If the
// header contains an annotation signal the file is written as EDF+.
func Create(w io.WriteSeeker, hdr Header) (*Writer, error) {
	if hdr.Version == "" {
		hdr.Version = Version0
	}
	if hdr.DataRecordDuration <= 0 {
		return nil, fmt.Errorf("data record duration must be positive")
	}
	hdr.SignalCount = len(hdr.Signals)
	hdr.DataRecords = -1 // Unknown number of data records (at this time).

	ew := &Writer{w: w, hdr: &hdr, annotations: hdr.AnnotationSignal()}
	if ew.annotations >= 0 && hdr.Reserved == "" {
		hdr.Reserved = ReservedContinuous
	}

	var recordBytes int
	for _, s := range hdr.Signals {
		if s.SamplesPerRecord <= 0 {
			return nil, fmt.Errorf("signal %q has no samples per record", s.Label)
		}
		recordBytes += s.SamplesPerRecord * 2
	}
	if recordBytes > maxRecordBytes {
		return nil, fmt.Errorf("data record too large: %d bytes, max is %d bytes", recordBytes, maxRecordBytes)
	}

	// Write the initial header
	if err := ew.writeHeader(); err != nil {
		return nil, fmt.Errorf("error writing header: %w", err)
	}

	return ew, nil
}

// Close finalizes the EDF file by updating the header with the total number of data records.
func (ew *Writer) Close() error {
	ew.hdr.DataRecords = ew.dataRecords
	if err := ew.writeHeader(); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}

	return nil
}

// WriteRecord writes a single data record. Signals are given in header
// order, skipping the annotation signal, which is filled from annotations.
// NaN samples are written as the digital minimum of their signal.
func (ew *Writer) WriteRecord(signals [][]float64, annotations ...Annotation) error {
	want := ew.hdr.SignalCount
	if ew.annotations >= 0 {
		want--
	} else if len(annotations) > 0 {
		return fmt.Errorf("annotations require an %q signal", AnnotationsLabel)
	}
	if len(signals) != want {
		return fmt.Errorf("expected %d signals, got %d", want, len(signals))
	}

	if _, err := ew.w.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	writer := bufio.NewWriter(ew.w)

	next := 0
	for i, signal := range ew.hdr.Signals {
		if i == ew.annotations {
			onset := float64(ew.dataRecords) * ew.hdr.DataRecordDuration.Seconds()
			b, err := encodeRecordAnnotations(onset, annotations, signal.SamplesPerRecord*2)
			if err != nil {
				return fmt.Errorf("error encoding annotations of record %d: %w", ew.dataRecords, err)
			}
			if _, err := writer.Write(b); err != nil {
				return err
			}
			continue
		}

		samples := signals[next]
		next++
		if len(samples) != signal.SamplesPerRecord {
			return fmt.Errorf("signal %q: expected %d samples, got %d", signal.Label, signal.SamplesPerRecord, len(samples))
		}
		for _, sample := range samples {
			digitalValue := convertPhysicalToDigital(sample, signal.PhysicalMin, signal.PhysicalMax, signal.DigitalMin, signal.DigitalMax)
			if err := binary.Write(writer, binary.LittleEndian, digitalValue); err != nil {
				return err
			}
		}
	}

	if err := writer.Flush(); err != nil {
		return err
	}

	ew.dataRecords++
	return nil
}

// writeHeader rewrites the full header at the start of the file.
func (ew *Writer) writeHeader() error {
	if _, err := ew.w.Seek(0, io.SeekStart); err != nil {
		return err
	}

	hw := &headerWriter{w: bufio.NewWriter(ew.w)}
	hdr := ew.hdr

	hw.field(8, string(hdr.Version))
	hw.field(80, hdr.PatientID)
	hw.field(80, hdr.RecordingID)
	hw.field(8, hdr.StartTime.Format("02.01.06"))
	hw.field(8, hdr.StartTime.Format("15.04.05"))

	hdr.HeaderBytes = 256 + (hdr.SignalCount * 256)
	hw.field(8, strconv.Itoa(hdr.HeaderBytes))
	hw.field(44, hdr.Reserved)
	hw.field(8, strconv.Itoa(hdr.DataRecords))
	hw.field(8, formatNumber(hdr.DataRecordDuration.Seconds()))
	hw.field(4, strconv.Itoa(hdr.SignalCount))

	for _, signal := range hdr.Signals {
		hw.field(16, signal.Label)
	}
	for _, signal := range hdr.Signals {
		hw.field(80, signal.TransducerType)
	}
	for _, signal := range hdr.Signals {
		hw.field(8, signal.PhysicalDimension)
	}
	for _, signal := range hdr.Signals {
		hw.field(8, formatNumber(signal.PhysicalMin))
	}
	for _, signal := range hdr.Signals {
		hw.field(8, formatNumber(signal.PhysicalMax))
	}
	for _, signal := range hdr.Signals {
		hw.field(8, strconv.Itoa(signal.DigitalMin))
	}
	for _, signal := range hdr.Signals {
		hw.field(8, strconv.Itoa(signal.DigitalMax))
	}
	for _, signal := range hdr.Signals {
		hw.field(80, signal.Prefiltering)
	}
	for _, signal := range hdr.Signals {
		hw.field(8, strconv.Itoa(signal.SamplesPerRecord))
	}
	for _, signal := range hdr.Signals {
		hw.field(32, signal.Reserved)
	}

	if hw.err != nil {
		return hw.err
	}
	return hw.w.Flush()
}

// headerWriter writes fixed width, space padded ASCII fields and remembers
// the first error.
type headerWriter struct {
	w   *bufio.Writer
	err error
}

func (hw *headerWriter) field(width int, value string) {
	if hw.err != nil {
		return
	}
	if len(value) > width {
		value = value[:width]
	}
	_, hw.err = fmt.Fprintf(hw.w, "%-*s", width, value)
}

// convertPhysicalToDigital converts a physical value to a digital value
// using the calibration factors, clamping to the digital range.
func convertPhysicalToDigital(physical float64, pmin, pmax float64, dmin, dmax int) int16 {
	if math.IsNaN(physical) {
		return int16(dmin)
	}
	if pmax == pmin {
		return 0 // Avoid division by zero
	}
	digital := math.Round(((physical - pmin) * (float64(dmax - dmin)) / (pmax - pmin)) + float64(dmin))
	digital = math.Max(float64(dmin), math.Min(float64(dmax), digital))
	return int16(digital)
}

// formatNumber formats a value to fit an 8 character header field, using
// as many decimal places as fit.
func formatNumber(val float64) string {
	for prec := 6; prec >= 0; prec-- {
		s := strconv.FormatFloat(val, 'f', prec, 64)
		if len(s) > 8 {
			continue
		}
		if prec > 0 {
			s = trimZeros(s)
		}
		return s
	}
	return strconv.FormatFloat(val, 'f', 0, 64)
}

func trimZeros(s string) string {
	for len(s) > 1 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}
