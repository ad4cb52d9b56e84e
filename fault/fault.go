// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package fault classifies conversion failures so that a batch driver can
// decide whether to skip, retry or abort.
package fault

import (
	"errors"
	"fmt"
)

// Category is the class of a conversion failure.
type Category string

const (
	// Unknown is returned for errors that carry no category.
	Unknown Category = "unknown"
	// Config covers missing or unreadable inputs and bad configuration.
	// These are user-fixable and worth retrying once corrected.
	Config Category = "config"
	// Structural covers data that cannot be processed at all, such as
	// malformed event pairing or carriers too close to separate.
	Structural Category = "structural"
	// Quality covers anomalies that do not stop a conversion.
	Quality Category = "quality"
	// Alignment covers missing clock-alignment data for an external asset.
	Alignment Category = "alignment"
)

// Retryable reports whether the failure is worth retrying after the user
// fixes configuration or inputs.
func (c Category) Retryable() bool {
	return c == Config || c == Alignment
}

// Categorized is implemented by errors that know their own category.
type Categorized interface {
	error
	Category() Category
}

// Classify returns the category of the first categorized error in the chain.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	return Unknown
}

// Error wraps a cause with an explicit category.
type Error struct {
	Cat   Category
	Cause error
}

func (e *Error) Error() string {
	return e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Category implements Categorized.
func (e *Error) Category() Category {
	return e.Cat
}

// Configf returns a configuration/input error.
func Configf(format string, args ...any) error {
	return &Error{Cat: Config, Cause: fmt.Errorf(format, args...)}
}

// Structuralf returns a structural data error.
func Structuralf(format string, args ...any) error {
	return &Error{Cat: Structural, Cause: fmt.Errorf(format, args...)}
}
