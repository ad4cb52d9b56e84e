// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package demod

import (
	"fmt"

	"github.com/OpenPSG/photometry/fault"
)

// InsufficientDataError is returned when the raw stream is too short to
// demodulate.
type InsufficientDataError struct {
	Samples  int // Samples available
	Required int // Samples needed
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: have %d samples, need at least %d", e.Samples, e.Required)
}

// Category implements fault.Categorized.
func (e *InsufficientDataError) Category() fault.Category {
	return fault.Structural
}

// CarrierSeparationError is returned when two carriers are too close
// together for the low-pass filter to separate them.
type CarrierSeparationError struct {
	A, B   Carrier
	Cutoff float64
}

func (e *CarrierSeparationError) Error() string {
	return fmt.Sprintf("carriers %q (%g Hz) and %q (%g Hz) are closer than the %g Hz cutoff",
		e.A.Name, e.A.Frequency, e.B.Name, e.B.Frequency, e.Cutoff)
}

// Category implements fault.Categorized.
func (e *CarrierSeparationError) Category() fault.Category {
	return fault.Structural
}
