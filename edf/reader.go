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
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Reader reads EDF/EDF+ files.
type Reader struct {
	r   io.ReadSeeker
	hdr *Header
}

// Open opens an EDF/EDF+ file for reading.
func Open(r io.ReadSeeker) (*Reader, error) {
	reader := bufio.NewReader(r)

	b := make([]byte, 256)
	if _, err := io.ReadFull(reader, b); err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}

	// Parse fields based on EDF/EDF+ specifications
	hdr := &Header{}
	hdr.Version = Version(strings.TrimSpace(string(b[0:8])))
	hdr.PatientID = strings.TrimSpace(string(b[8:88]))
	hdr.RecordingID = strings.TrimSpace(string(b[88:168]))
	dateStr := strings.TrimSpace(string(b[168:176]))
	timeStr := strings.TrimSpace(string(b[176:184]))

	// Parse start date and time
	var err error
	startDate, err := time.Parse("02.01.06", dateStr)
	if err != nil {
		return nil, fmt.Errorf("error parsing start date: %w", err)
	}
	startTime, err := time.Parse("15.04.05", timeStr)
	if err != nil {
		return nil, fmt.Errorf("error parsing start time: %w", err)
	}
	hdr.StartTime = time.Date(startDate.Year(), startDate.Month(), startDate.Day(),
		startTime.Hour(), startTime.Minute(), startTime.Second(), 0, time.UTC)

	// Continue reading header to get number of data records, duration of data records, etc.
	headerBytes, err := strconv.Atoi(strings.TrimSpace(string(b[184:192])))
	if err != nil {
		return nil, fmt.Errorf("error parsing header bytes: %w", err)
	}
	hdr.HeaderBytes = headerBytes
	hdr.Reserved = strings.TrimSpace(string(b[192:236]))

	numDataRecords, err := strconv.Atoi(strings.TrimSpace(string(b[236:244])))
	if err != nil {
		return nil, fmt.Errorf("error parsing number of data records: %w", err)
	}
	if numDataRecords < 0 {
		return nil, fmt.Errorf("file was not closed: number of data records is unknown")
	}
	hdr.DataRecords = numDataRecords

	hdr.DataRecordDuration, err = time.ParseDuration(fmt.Sprintf("%ss", strings.TrimSpace(string(b[244:252]))))
	if err != nil {
		return nil, fmt.Errorf("error parsing data record duration: %w", err)
	}

	signalCount, err := strconv.Atoi(strings.TrimSpace(string(b[252:256])))
	if err != nil {
		return nil, fmt.Errorf("error parsing signal count: %w", err)
	}
	if signalCount <= 0 {
		return nil, fmt.Errorf("invalid signal count: %d", signalCount)
	}
	hdr.SignalCount = signalCount

	hr := &headerReader{r: reader, count: signalCount}
	hdr.Signals = make([]Signal, signalCount)
	hr.each(16, func(i int, v string) { hdr.Signals[i].Label = v })
	hr.each(80, func(i int, v string) { hdr.Signals[i].TransducerType = v })
	hr.each(8, func(i int, v string) { hdr.Signals[i].PhysicalDimension = v })
	hr.each(8, func(i int, v string) { hdr.Signals[i].PhysicalMin = parseFloat(v) })
	hr.each(8, func(i int, v string) { hdr.Signals[i].PhysicalMax = parseFloat(v) })
	hr.each(8, func(i int, v string) { hdr.Signals[i].DigitalMin = parseInt(v) })
	hr.each(8, func(i int, v string) { hdr.Signals[i].DigitalMax = parseInt(v) })
	hr.each(80, func(i int, v string) { hdr.Signals[i].Prefiltering = v })
	hr.each(8, func(i int, v string) { hdr.Signals[i].SamplesPerRecord = parseInt(v) })
	hr.each(32, func(i int, v string) { hdr.Signals[i].Reserved = v })
	if hr.err != nil {
		return nil, fmt.Errorf("error reading signal headers: %w", hr.err)
	}

	for _, s := range hdr.Signals {
		if s.SamplesPerRecord <= 0 {
			return nil, fmt.Errorf("signal %q has no samples per record", s.Label)
		}
	}

	return &Reader{
		r:   r,
		hdr: hdr,
	}, nil
}

// Header returns a copy of the file header.
func (er *Reader) Header() Header {
	hdr := *er.hdr
	hdr.Signals = append([]Signal(nil), er.hdr.Signals...)
	return hdr
}

// recordSize returns the size in bytes of one data record.
func (er *Reader) recordSize() int {
	var size int
	for _, sig := range er.hdr.Signals {
		size += sig.SamplesPerRecord * 2
	}
	return size
}

// readRecord reads the raw bytes of a data record.
func (er *Reader) readRecord(index int, buf []byte) error {
	pos := int64(er.hdr.HeaderBytes) + int64(index)*int64(len(buf))
	if _, err := er.r.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("error seeking to record %d: %w", index, err)
	}
	if _, err := io.ReadFull(er.r, buf); err != nil {
		return fmt.Errorf("error reading record %d: %w", index, err)
	}
	return nil
}

// SignalReader reads continuous signal data from an EDF/EDF+ file.
type SignalReader struct {
	er               *Reader
	signal           Signal
	currentRecord    int    // Current record being processed
	currentSample    int    // Current sample in the record
	record           []byte // Bytes of the current record
	loaded           bool   // Whether record holds currentRecord
	signalOffset     int    // Byte offset of the signal in a record
	samplesPerRecord int    // Number of samples per record for the signal
}

// Signal creates a new SignalReader for a specified signal index.
func (er *Reader) Signal(signalIndex int) (*SignalReader, error) {
	if signalIndex < 0 || signalIndex >= len(er.hdr.Signals) {
		return nil, fmt.Errorf("signal index out of range")
	}

	signal := er.hdr.Signals[signalIndex]
	if signal.IsAnnotation() {
		return nil, fmt.Errorf("signal %d is an annotation signal", signalIndex)
	}

	signalOffset := 0
	for _, sig := range er.hdr.Signals[:signalIndex] {
		signalOffset += sig.SamplesPerRecord * 2
	}

	return &SignalReader{
		er:               er,
		signal:           signal,
		signalOffset:     signalOffset,
		samplesPerRecord: signal.SamplesPerRecord,
	}, nil
}

// SignalIndex returns the index of the first signal with the given label.
func (er *Reader) SignalIndex(label string) (int, bool) {
	for i, s := range er.hdr.Signals {
		if s.Label == label {
			return i, true
		}
	}
	return -1, false
}

// Read fills the provided float64 slice with the physical values from the signal.
func (sr *SignalReader) Read(data []float64) (int, error) {
	n := 0
	for n < len(data) {
		if sr.currentRecord >= sr.er.hdr.DataRecords {
			return n, io.EOF // End of data records
		}

		if !sr.loaded {
			if sr.record == nil {
				sr.record = make([]byte, sr.er.recordSize())
			}
			if err := sr.er.readRecord(sr.currentRecord, sr.record); err != nil {
				return n, err
			}
			sr.loaded = true
		}

		pos := sr.signalOffset + sr.currentSample*2
		digitalValue := int16(binary.LittleEndian.Uint16(sr.record[pos : pos+2]))
		data[n] = convertDigitalToPhysical(digitalValue, sr.signal.DigitalMin, sr.signal.DigitalMax, sr.signal.PhysicalMin, sr.signal.PhysicalMax)

		n++

		// Move to the next sample
		sr.currentSample++
		if sr.currentSample >= sr.samplesPerRecord {
			sr.currentSample = 0
			sr.currentRecord++
			sr.loaded = false
		}
	}

	return n, nil
}

// ReadAll reads every remaining sample of the signal.
func (sr *SignalReader) ReadAll() ([]float64, error) {
	remaining := (sr.er.hdr.DataRecords-sr.currentRecord)*sr.samplesPerRecord - sr.currentSample
	if remaining <= 0 {
		return nil, nil
	}
	data := make([]float64, remaining)
	n, err := sr.Read(data)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return data[:n], nil
}

// Annotations returns every annotation of an EDF+ file, excluding the
// per-record timekeeping annotations.
func (er *Reader) Annotations() ([]Annotation, error) {
	idx := er.hdr.AnnotationSignal()
	if idx < 0 {
		return nil, nil
	}

	offset := 0
	for _, sig := range er.hdr.Signals[:idx] {
		offset += sig.SamplesPerRecord * 2
	}
	size := er.hdr.Signals[idx].SamplesPerRecord * 2

	var annotations []Annotation
	record := make([]byte, er.recordSize())
	for i := 0; i < er.hdr.DataRecords; i++ {
		if err := er.readRecord(i, record); err != nil {
			return nil, err
		}
		_, tals, err := decodeTALs(record[offset : offset+size])
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		annotations = append(annotations, tals...)
	}
	return annotations, nil
}

// convertDigitalToPhysical converts a digital value from the data record to a physical value using the calibration factors.
func convertDigitalToPhysical(digital int16, dmin, dmax int, pmin, pmax float64) float64 {
	if dmax == dmin {
		return 0 // Avoid division by zero
	}
	return pmin + (float64(digital)-float64(dmin))*(pmax-pmin)/float64(dmax-dmin)
}

// headerReader reads one fixed width field per signal and remembers the
// first error.
type headerReader struct {
	r     io.Reader
	count int
	err   error
}

func (hr *headerReader) each(width int, set func(i int, v string)) {
	b := make([]byte, width)
	for i := 0; i < hr.count && hr.err == nil; i++ {
		if _, hr.err = io.ReadFull(hr.r, b); hr.err == nil {
			set(i, strings.TrimSpace(string(b)))
		}
	}
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0.0
	}
	return f
}

func parseInt(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return i
}
