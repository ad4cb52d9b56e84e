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
	"fmt"
	"sort"
	"strings"

	"github.com/OpenPSG/photometry/fault"
)

// MalformedEventStreamError is returned when a stream cannot be paired into
// onset/offset intervals.
type MalformedEventStreamError struct {
	Stream string
	Index  int // Index of the offending timestamp, -1 for count errors
	Reason string
}

func (e *MalformedEventStreamError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("malformed event stream %q: %s", e.Stream, e.Reason)
	}
	return fmt.Sprintf("malformed event stream %q at timestamp %d: %s", e.Stream, e.Index, e.Reason)
}

// Category implements fault.Categorized.
func (e *MalformedEventStreamError) Category() fault.Category {
	return fault.Structural
}

// Resolve returns the table entry whose tag or alias is the longest prefix
// of name.
func (t TagTable) Resolve(name string) (TagEntry, bool) {
	var (
		best    TagEntry
		bestLen int
	)
	for _, e := range t.Entries {
		for _, prefix := range append([]string{e.Tag}, e.Aliases...) {
			if prefix != "" && strings.HasPrefix(name, prefix) && len(prefix) > bestLen {
				best, bestLen = e, len(prefix)
			}
		}
	}
	return best, bestLen > 0
}

// Reconstruct pairs each stream's timestamps into intervals. Timestamps are
// shifted so that origin becomes time zero. Unrecognized streams still yield
// intervals, with unknown parameters and a warning.
func Reconstruct(streams []Stream, table TagTable, origin float64) (*Result, error) {
	sorted := make([]Stream, len(streams))
	copy(sorted, streams)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	res := &Result{Counts: make(map[string]int)}
	for _, s := range sorted {
		if err := checkPairing(s); err != nil {
			return nil, err
		}

		entry, ok := table.Resolve(s.Name)
		tag := entry.Tag
		variant := VariantFor(entry.Kind)
		if !ok {
			tag = s.Name
			variant = VariantFor(KindUnknown)
			res.Warnings = append(res.Warnings, Warning{
				Kind:    WarnUnknownTag,
				Tag:     s.Name,
				Message: fmt.Sprintf("stream %q matches no tag in table %s", s.Name, table.Version),
			})
		}

		for i := 0; i < len(s.Timestamps); i += 2 {
			start := s.Timestamps[i] - origin
			stop := s.Timestamps[i+1] - origin
			res.Intervals = append(res.Intervals, Interval{
				Start:  start,
				Stop:   stop,
				Tag:    tag,
				Stream: s.Name,
				Params: variant.Params(entry, table, start, stop),
			})
			res.Counts[tag]++
		}
	}

	sort.SliceStable(res.Intervals, func(i, j int) bool {
		a, b := res.Intervals[i], res.Intervals[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.Tag < b.Tag
	})

	return res, nil
}

// checkPairing verifies that timestamps alternate onset, offset and are
// strictly increasing.
func checkPairing(s Stream) error {
	if len(s.Timestamps)%2 != 0 {
		return &MalformedEventStreamError{
			Stream: s.Name,
			Index:  -1,
			Reason: fmt.Sprintf("odd timestamp count %d leaves an unterminated interval", len(s.Timestamps)),
		}
	}
	for i := 1; i < len(s.Timestamps); i++ {
		if s.Timestamps[i] > s.Timestamps[i-1] {
			continue
		}
		reason := "onset does not follow the previous offset"
		if i%2 == 1 {
			reason = "offset does not follow its onset"
		}
		return &MalformedEventStreamError{Stream: s.Name, Index: i, Reason: reason}
	}
	return nil
}

// Expectation is the protocol's expected repetition count per tag.
type Expectation struct {
	Tags        []string
	Repetitions int
}

// Validate compares per-tag interval counts against the expectation. It
// never fails; mismatches are returned as warnings.
func Validate(res *Result, exp Expectation) []Warning {
	var warnings []Warning
	for _, tag := range exp.Tags {
		n := res.Counts[tag]
		switch {
		case n == 0:
			warnings = append(warnings, Warning{
				Kind:    WarnMissingStream,
				Tag:     tag,
				Message: fmt.Sprintf("no events for tag %q, expected %d", tag, exp.Repetitions),
			})
		case n != exp.Repetitions:
			warnings = append(warnings, Warning{
				Kind:    WarnCountMismatch,
				Tag:     tag,
				Message: fmt.Sprintf("tag %q has %d intervals, expected %d", tag, n, exp.Repetitions),
			})
		}
	}
	return warnings
}
