// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package edf reads and writes EDF and EDF+ files, including the EDF+
// annotation signal used to store time-stamped events.
package edf

import "time"

type Version string

const (
	// Version0 represents the version of the EDF/EDF+ standard.
	Version0 Version = "0"
)

const (
	// ReservedContinuous marks an uninterrupted EDF+ recording.
	ReservedContinuous = "EDF+C"
	// AnnotationsLabel is the label of the EDF+ annotation signal.
	AnnotationsLabel = "EDF Annotations"
)

// Header represents the EDF/EDF+ file header.
type Header struct {
	Version            Version       // Version of the EDF/EDF+ standard (usually "0")
	PatientID          string        // Identification of the patient
	RecordingID        string        // Identification of the recording session
	StartTime          time.Time     // Start date of the recording
	HeaderBytes        int           // Number of bytes in the header
	Reserved           string        // EDF+C or EDF+D for EDF+ files, empty for plain EDF
	DataRecordDuration time.Duration // Duration of a single data record
	DataRecords        int           // Number of data records, -1 if unknown
	SignalCount        int           // Number of signals in each data record
	Signals            []Signal      // Details of each signal
}

// AnnotationSignal returns the index of the EDF+ annotation signal, or -1.
func (h *Header) AnnotationSignal() int {
	for i, s := range h.Signals {
		if s.IsAnnotation() {
			return i
		}
	}
	return -1
}

// Signal represents the characteristics of each signal in the EDF/EDF+ file.
type Signal struct {
	Label             string  // Label of the signal (e.g., EEG Fpz-Cz)
	TransducerType    string  // Type of transducer used
	PhysicalDimension string  // Physical dimension (e.g., uV, mV)
	PhysicalMin       float64 // Minimum physical value
	PhysicalMax       float64 // Maximum physical value
	DigitalMin        int     // Minimum digital value
	DigitalMax        int     // Maximum digital value
	Prefiltering      string  // Pre-filtering information
	SamplesPerRecord  int     // Number of samples in each data record for this signal
	Reserved          string  // Reserved for future use
}

// IsAnnotation reports whether the signal carries EDF+ annotations.
func (s Signal) IsAnnotation() bool {
	return s.Label == AnnotationsLabel
}

// AnnotationSignalFor returns an annotation signal able to hold the given
// number of bytes per data record.
func AnnotationSignalFor(bytesPerRecord int) Signal {
	return Signal{
		Label:            AnnotationsLabel,
		PhysicalMin:      -1,
		PhysicalMax:      1,
		DigitalMin:       -32768,
		DigitalMax:       32767,
		SamplesPerRecord: (bytesPerRecord + 1) / 2,
	}
}

// Annotation is a time-stamped EDF+ annotation.
type Annotation struct {
	Onset    float64  // Seconds since the start of the recording
	Duration float64  // Seconds, zero if the annotation has no duration
	Texts    []string // One or more annotation texts
}
