// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package stimulus

import "math"

// Variant derives interval parameters for one protocol kind.
type Variant interface {
	Kind() Kind
	Params(entry TagEntry, table TagTable, start, stop float64) Params
}

// VariantFor returns the variant handling the given kind.
func VariantFor(kind Kind) Variant {
	switch kind {
	case KindDuration:
		return durationVariant{}
	case KindFrequency:
		return frequencyVariant{}
	case KindShock:
		return shockVariant{}
	case KindAuditory:
		return auditoryVariant{}
	default:
		return unknownVariant{}
	}
}

// Trains of fixed pulse frequency and varying duration.
type durationVariant struct{}

func (durationVariant) Kind() Kind { return KindDuration }

func (durationVariant) Params(entry TagEntry, table TagTable, start, stop float64) Params {
	freq := entry.Frequency
	if freq == 0 {
		freq = table.Frequency
	}
	return trainParams(KindDuration, entry.Duration, freq, start, stop)
}

// Trains of varying pulse frequency.
type frequencyVariant struct{}

func (frequencyVariant) Kind() Kind { return KindFrequency }

func (frequencyVariant) Params(entry TagEntry, _ TagTable, start, stop float64) Params {
	return trainParams(KindFrequency, entry.Duration, entry.Frequency, start, stop)
}

type shockVariant struct{}

func (shockVariant) Kind() Kind { return KindShock }

func (shockVariant) Params(entry TagEntry, _ TagTable, _, _ float64) Params {
	return Params{
		Kind:      KindShock,
		Duration:  entry.Duration,
		Amplitude: entry.Amplitude,
		PairedCue: entry.PairedCue,
	}
}

type auditoryVariant struct{}

func (auditoryVariant) Kind() Kind { return KindAuditory }

func (auditoryVariant) Params(entry TagEntry, _ TagTable, _, _ float64) Params {
	return Params{
		Kind:      KindAuditory,
		Duration:  entry.Duration,
		PairedCue: entry.PairedCue,
	}
}

type unknownVariant struct{}

func (unknownVariant) Kind() Kind { return KindUnknown }

func (unknownVariant) Params(TagEntry, TagTable, float64, float64) Params {
	return Params{Kind: KindUnknown}
}

func trainParams(kind Kind, duration, freq, start, stop float64) Params {
	p := Params{Kind: kind, Duration: duration, Frequency: freq}
	if freq > 0 {
		p.Period = 1 / freq
		p.Pulses = int(math.Floor((stop-start)*freq + 1e-9))
	}
	return p
}
