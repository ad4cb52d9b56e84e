// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package acquisition reads the files of one recording session: its
// manifest, the raw modulated photometry stream or its demodulated traces,
// the event streams and the video metadata.
package acquisition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OpenPSG/photometry/fault"
	"gopkg.in/yaml.v3"
)

// Manifest describes where the data of one session lives.
type Manifest struct {
	Subject      string            `yaml:"subject"`
	SessionID    string            `yaml:"session_id"`
	Protocol     string            `yaml:"protocol"`
	SessionStart time.Time         `yaml:"session_start"`
	Raw          RawSource         `yaml:"raw"`
	Demodulated  DemodulatedSource `yaml:"demodulated"`
	Events       string            `yaml:"events"`
	Videos       Videos            `yaml:"videos"`

	dir  string
	path string
}

// RawSource locates the raw modulated stream inside an EDF file, or inside
// several EDF files recorded one after another.
type RawSource struct {
	Path     string    `yaml:"path"`
	Segments []Segment `yaml:"segments"` // In chronological order, instead of Path
	Signal   string    `yaml:"signal"`
	// Rate overrides the sampling rate derived from the EDF header, for
	// acquisition systems whose true rate is not a whole number of samples
	// per record.
	Rate float64 `yaml:"sampling_rate_hz"`
	// Start is the time of the first sample on the event clock, in seconds.
	Start float64 `yaml:"start_seconds"`
}

// Segment is one EDF file of a concatenated recording. Its start time is
// taken from the EDF header.
type Segment struct {
	Path string `yaml:"path"`
	// Tag names the epoch. Defaults to the name of the segment's directory.
	Tag string `yaml:"tag"`
}

// tag returns the epoch tag of the segment.
func (s Segment) tag() string {
	if s.Tag != "" {
		return s.Tag
	}
	if dir := filepath.Base(filepath.Dir(s.Path)); dir != "." && dir != string(filepath.Separator) {
		return dir
	}
	return strings.TrimSuffix(filepath.Base(s.Path), filepath.Ext(s.Path))
}

// DemodulatedSource locates traces that were demodulated at acquisition
// time, used instead of a raw stream.
type DemodulatedSource struct {
	Path string `yaml:"path"`
	// Signals maps trace names to EDF signal labels.
	Signals map[string]string `yaml:"signals"`
	// Start is the time of the first sample on the event clock, in seconds.
	Start float64 `yaml:"start_seconds"`
}

// Videos lists the session's video files and their metadata table.
type Videos struct {
	Table    string   `yaml:"table"`
	Timezone string   `yaml:"timezone"`
	Files    []string `yaml:"files"`
}

// LoadManifest reads and validates a session manifest.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Configf("error opening manifest: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fault.Configf("error parsing manifest %s: %w", path, err)
	}
	m.path = path
	m.dir = filepath.Dir(path)

	switch {
	case strings.TrimSpace(m.Subject) == "":
		return nil, fault.Configf("manifest %s: subject is required", path)
	case strings.TrimSpace(m.SessionID) == "":
		return nil, fault.Configf("manifest %s: session_id is required", path)
	case strings.TrimSpace(m.Protocol) == "":
		return nil, fault.Configf("manifest %s: protocol is required", path)
	case m.SessionStart.IsZero():
		return nil, fault.Configf("manifest %s: session_start is required", path)
	case m.Events == "":
		return nil, fault.Configf("manifest %s: events is required", path)
	}

	if err := m.validateSource(); err != nil {
		return nil, fault.Configf("manifest %s: %w", path, err)
	}

	return &m, nil
}

func (m *Manifest) validateSource() error {
	hasRaw := m.Raw.Path != "" || len(m.Raw.Segments) > 0
	switch {
	case hasRaw && m.Predemodulated():
		return errors.New("raw and demodulated are mutually exclusive")
	case m.Predemodulated():
		if len(m.Demodulated.Signals) == 0 {
			return errors.New("demodulated signals are required")
		}
		for name, label := range m.Demodulated.Signals {
			if strings.TrimSpace(name) == "" || strings.TrimSpace(label) == "" {
				return errors.New("demodulated signals need a trace name and an EDF label")
			}
		}
		return nil
	case !hasRaw:
		return errors.New("raw or demodulated is required")
	case m.Raw.Path != "" && len(m.Raw.Segments) > 0:
		return errors.New("raw path and segments are mutually exclusive")
	case m.Raw.Signal == "":
		return errors.New("raw signal is required")
	case m.Raw.Rate < 0:
		return errors.New("sampling_rate_hz must be positive")
	}

	tags := make(map[string]struct{}, len(m.Raw.Segments))
	for i, seg := range m.Raw.Segments {
		if seg.Path == "" {
			return fmt.Errorf("raw segment %d has no path", i)
		}
		if _, ok := tags[seg.tag()]; ok {
			return fmt.Errorf("duplicate raw segment tag %q", seg.tag())
		}
		tags[seg.tag()] = struct{}{}
	}
	return nil
}

// Predemodulated reports whether the session provides demodulated traces
// instead of a raw stream.
func (m *Manifest) Predemodulated() bool { return m.Demodulated.Path != "" }

// Path returns the file the manifest was loaded from.
func (m *Manifest) Path() string { return m.path }

// resolve makes p relative to the manifest's directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.dir, p)
}

// VideoFiles returns the resolved paths of the session's video files.
func (m *Manifest) VideoFiles() []string {
	files := make([]string, len(m.Videos.Files))
	for i, f := range m.Videos.Files {
		files[i] = m.resolve(f)
	}
	return files
}
