// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package stimulus reconstructs stimulus intervals from acquisition-system
// event streams and aligns external video recordings to the session clock.
package stimulus

import "fmt"

// Kind is the class of stimulus a tag describes.
type Kind string

const (
	KindUnknown   Kind = "unknown"
	KindDuration  Kind = "duration"  // Optogenetic trains of varying duration
	KindFrequency Kind = "frequency" // Optogenetic trains of varying pulse frequency
	KindShock     Kind = "shock"     // Foot shocks of a given amplitude
	KindAuditory  Kind = "auditory"  // Auditory cues
)

// Stream is a named event stream. Timestamps alternate onset, offset.
type Stream struct {
	Name       string
	Timestamps []float64
}

// TagEntry maps a stream-name prefix to stimulus parameters.
type TagEntry struct {
	Tag         string   // Stream-name prefix (e.g. s1s_)
	Aliases     []string // Alternative prefixes seen in older recordings
	Kind        Kind
	Duration    float64 // Nominal stimulus duration in seconds
	Frequency   float64 // Pulse frequency in Hz
	Amplitude   float64 // Shock amplitude in mA
	PairedCue   bool    // Whether the stimulus was paired with an auditory cue
	Description string
}

// TagTable is the versioned set of tags recognized for one protocol.
type TagTable struct {
	Version   string
	Entries   []TagEntry
	Frequency float64 // Default pulse frequency for entries that set none
}

// Params are the parameters derived for one interval.
type Params struct {
	Kind      Kind
	Duration  float64 // Nominal duration in seconds, zero if unknown
	Frequency float64 // Pulse frequency in Hz, zero if not applicable
	Amplitude float64 // Amplitude in mA, zero if not applicable
	PairedCue bool
	Pulses    int     // Pulses delivered in the train
	Period    float64 // Seconds between pulse onsets
}

// Interval is one stimulus presentation.
type Interval struct {
	Start  float64 // Onset in session seconds
	Stop   float64 // Offset in session seconds
	Tag    string  // Canonical tag, or the stream name when unrecognized
	Stream string  // Stream the interval was read from
	Params Params
}

// Duration returns the measured length of the interval.
func (iv Interval) Duration() float64 {
	return iv.Stop - iv.Start
}

// Epoch is a block of a concatenated recording acquired under one
// condition, such as one stimulation frequency.
type Epoch struct {
	Tag   string
	Start float64 // First sample in session seconds
	Stop  float64 // Last sample in session seconds
}

// WarningKind is the class of a data-quality anomaly.
type WarningKind string

const (
	WarnUnknownTag     WarningKind = "unknown_tag"
	WarnCountMismatch  WarningKind = "count_mismatch"
	WarnMissingStream  WarningKind = "missing_stream"
	WarnUnalignedVideo WarningKind = "unaligned_video"
)

// Warning is a non-fatal anomaly found while reconstructing a session.
type Warning struct {
	Kind    WarningKind
	Tag     string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}

// Result is the output of Reconstruct.
type Result struct {
	Intervals []Interval     // Chronological across all streams
	Counts    map[string]int // Intervals per tag
	Warnings  []Warning
}
