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
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Time-stamped annotation list separators.
const (
	talDuration = 0x15
	talText     = 0x14
	talEnd      = 0x00
)

// encodeTAL encodes a single time-stamped annotation list.
func encodeTAL(a Annotation) []byte {
	var b bytes.Buffer
	b.WriteString(formatOnset(a.Onset))
	if a.Duration > 0 {
		b.WriteByte(talDuration)
		b.WriteString(strconv.FormatFloat(a.Duration, 'f', -1, 64))
	}
	b.WriteByte(talText)
	for _, text := range a.Texts {
		b.WriteString(sanitizeText(text))
		b.WriteByte(talText)
	}
	b.WriteByte(talEnd)
	return b.Bytes()
}

// encodeRecordAnnotations encodes the timekeeping TAL for a data record
// followed by its annotations, zero padded to size bytes.
func encodeRecordAnnotations(recordOnset float64, annotations []Annotation, size int) ([]byte, error) {
	buf := encodeTAL(Annotation{Onset: recordOnset})
	for _, a := range annotations {
		buf = append(buf, encodeTAL(a)...)
	}
	if len(buf) > size {
		return nil, fmt.Errorf("annotations need %d bytes, record has room for %d", len(buf), size)
	}
	return append(buf, make([]byte, size-len(buf))...), nil
}

// AnnotationBytes returns the number of bytes a data record needs to hold
// the given annotations, including the timekeeping TAL.
func AnnotationBytes(recordOnset float64, annotations []Annotation) int {
	n := len(encodeTAL(Annotation{Onset: recordOnset}))
	for _, a := range annotations {
		n += len(encodeTAL(a))
	}
	return n
}

// decodeTALs parses the annotation bytes of one data record. The first TAL
// of every record is the timekeeping annotation and is returned separately.
func decodeTALs(b []byte) (recordOnset float64, annotations []Annotation, err error) {
	first := true
	for len(b) > 0 {
		end := bytes.IndexByte(b, talEnd)
		if end <= 0 {
			// Remaining bytes are padding.
			break
		}
		tal := b[:end]
		b = b[end+1:]

		fields := bytes.Split(tal, []byte{talText})
		if len(fields) < 2 {
			return 0, nil, fmt.Errorf("error parsing annotation %q: missing text separator", tal)
		}

		timing := fields[0]
		var a Annotation
		if i := bytes.IndexByte(timing, talDuration); i >= 0 {
			a.Duration, err = strconv.ParseFloat(string(timing[i+1:]), 64)
			if err != nil {
				return 0, nil, fmt.Errorf("error parsing annotation duration: %w", err)
			}
			timing = timing[:i]
		}
		a.Onset, err = strconv.ParseFloat(string(timing), 64)
		if err != nil {
			return 0, nil, fmt.Errorf("error parsing annotation onset: %w", err)
		}

		for _, text := range fields[1:] {
			if len(text) > 0 {
				a.Texts = append(a.Texts, string(text))
			}
		}

		if first {
			recordOnset = a.Onset
			first = false
			continue
		}
		annotations = append(annotations, a)
	}
	return recordOnset, annotations, nil
}

func formatOnset(onset float64) string {
	s := strconv.FormatFloat(onset, 'f', -1, 64)
	if !strings.HasPrefix(s, "-") {
		s = "+" + s
	}
	return s
}

// sanitizeText removes bytes that would terminate a TAL early.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case talDuration, talText, talEnd:
			return ' '
		}
		return r
	}, s)
}
