// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package protocol loads the versioned stimulus protocol tables used to
// interpret event streams.
package protocol

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/OpenPSG/photometry/demod"
	"github.com/OpenPSG/photometry/fault"
	"github.com/OpenPSG/photometry/stimulus"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// Catalog is the set of protocols known to a lab. It is immutable once
// loaded.
type Catalog struct {
	version   string
	carriers  []demod.Carrier
	protocols map[string]*Protocol
}

// Protocol describes one experimental protocol.
type Protocol struct {
	name        string
	version     string
	kind        stimulus.Kind
	description string
	repetitions int
	isi         float64
	frequency   float64
	entries     []stimulus.TagEntry
}

type catalogDoc struct {
	Version  string                 `yaml:"version"`
	Carriers []carrierDoc           `yaml:"carriers"`
	Protocol map[string]protocolDoc `yaml:"protocols"`
}

type carrierDoc struct {
	Name      string  `yaml:"name"`
	Frequency float64 `yaml:"frequency_hz"`
}

type protocolDoc struct {
	Kind        string   `yaml:"kind"`
	Description string   `yaml:"description"`
	Repetitions int      `yaml:"repetitions"`
	ISI         float64  `yaml:"isi_seconds"`
	Frequency   float64  `yaml:"stimulus_frequency_hz"`
	Tags        []tagDoc `yaml:"tags"`
}

type tagDoc struct {
	Tag         string   `yaml:"tag"`
	Aliases     []string `yaml:"aliases"`
	Kind        string   `yaml:"kind"`
	Duration    float64  `yaml:"duration_seconds"`
	Frequency   float64  `yaml:"frequency_hz"`
	Amplitude   float64  `yaml:"amplitude_ma"`
	PairedCue   bool     `yaml:"paired_cue"`
	Description string   `yaml:"description"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Load(bytes.NewReader(defaultCatalog))
	if err != nil {
		panic(fmt.Sprintf("invalid built-in protocol catalog: %v", err))
	}
	return c
}

// LoadFile loads a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Configf("error opening protocol catalog: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// Load parses and validates a YAML catalog.
func Load(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc catalogDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fault.Configf("error parsing protocol catalog: %w", err)
	}

	if strings.TrimSpace(doc.Version) == "" {
		return nil, fault.Configf("protocol catalog has no version")
	}
	if len(doc.Protocol) == 0 {
		return nil, fault.Configf("protocol catalog %s defines no protocols", doc.Version)
	}

	c := &Catalog{
		version:   doc.Version,
		protocols: make(map[string]*Protocol, len(doc.Protocol)),
	}
	for _, cd := range doc.Carriers {
		if cd.Name == "" || cd.Frequency <= 0 {
			return nil, fault.Configf("invalid carrier %q at %g Hz", cd.Name, cd.Frequency)
		}
		c.carriers = append(c.carriers, demod.Carrier{Name: cd.Name, Frequency: cd.Frequency})
	}

	for name, pd := range doc.Protocol {
		p, err := newProtocol(name, doc.Version, pd)
		if err != nil {
			return nil, err
		}
		c.protocols[name] = p
	}

	return c, nil
}

func newProtocol(name, version string, pd protocolDoc) (*Protocol, error) {
	kind := stimulus.Kind(pd.Kind)
	switch kind {
	case stimulus.KindDuration, stimulus.KindFrequency, stimulus.KindShock:
	default:
		return nil, fault.Configf("protocol %q: unknown kind %q", name, pd.Kind)
	}
	if pd.Repetitions <= 0 {
		return nil, fault.Configf("protocol %q: repetitions must be positive", name)
	}
	if len(pd.Tags) == 0 {
		return nil, fault.Configf("protocol %q: no tags", name)
	}

	p := &Protocol{
		name:        name,
		version:     version,
		kind:        kind,
		description: strings.TrimSpace(pd.Description),
		repetitions: pd.Repetitions,
		isi:         pd.ISI,
		frequency:   pd.Frequency,
	}

	seen := make(map[string]struct{})
	for _, td := range pd.Tags {
		entryKind := kind
		if td.Kind != "" {
			entryKind = stimulus.Kind(td.Kind)
		}
		if stimulus.VariantFor(entryKind).Kind() == stimulus.KindUnknown {
			return nil, fault.Configf("protocol %q: tag %q has unknown kind %q", name, td.Tag, td.Kind)
		}

		for _, prefix := range append([]string{td.Tag}, td.Aliases...) {
			if prefix == "" {
				return nil, fault.Configf("protocol %q: empty tag", name)
			}
			if _, ok := seen[prefix]; ok {
				return nil, fault.Configf("protocol %q: duplicate tag %q", name, prefix)
			}
			seen[prefix] = struct{}{}
		}

		p.entries = append(p.entries, stimulus.TagEntry{
			Tag:         td.Tag,
			Aliases:     append([]string(nil), td.Aliases...),
			Kind:        entryKind,
			Duration:    td.Duration,
			Frequency:   td.Frequency,
			Amplitude:   td.Amplitude,
			PairedCue:   td.PairedCue,
			Description: td.Description,
		})
	}

	return p, nil
}

// Version returns the catalog version.
func (c *Catalog) Version() string { return c.version }

// Carriers returns the modulation carriers used by the rig.
func (c *Catalog) Carriers() []demod.Carrier {
	return append([]demod.Carrier(nil), c.carriers...)
}

// Names returns the protocol names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.protocols))
	for name := range c.protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Protocol looks up a protocol by name.
func (c *Catalog) Protocol(name string) (*Protocol, error) {
	p, ok := c.protocols[name]
	if !ok {
		return nil, fault.Configf("unknown protocol %q in catalog %s", name, c.version)
	}
	return p, nil
}

func (p *Protocol) Name() string { return p.name }
func (p *Protocol) Kind() stimulus.Kind { return p.kind }
func (p *Protocol) Description() string { return p.description }
func (p *Protocol) Repetitions() int { return p.repetitions }
func (p *Protocol) ISI() float64 { return p.isi }

// Tags returns the canonical tags of the protocol in declaration order.
func (p *Protocol) Tags() []string {
	tags := make([]string, len(p.entries))
	for i, e := range p.entries {
		tags[i] = e.Tag
	}
	return tags
}

// TagTable returns a copy of the protocol's tag table.
func (p *Protocol) TagTable() stimulus.TagTable {
	entries := make([]stimulus.TagEntry, len(p.entries))
	for i, e := range p.entries {
		e.Aliases = append([]string(nil), e.Aliases...)
		entries[i] = e
	}
	return stimulus.TagTable{
		Version:   p.version + "/" + p.name,
		Entries:   entries,
		Frequency: p.frequency,
	}
}

// Expectation returns the repetition count expected for every tag.
func (p *Protocol) Expectation() stimulus.Expectation {
	return stimulus.Expectation{Tags: p.Tags(), Repetitions: p.repetitions}
}
