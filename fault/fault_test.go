// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package fault_test

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/OpenPSG/photometry/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, fault.Unknown, fault.Classify(nil))
	assert.Equal(t, fault.Unknown, fault.Classify(errors.New("plain")))

	err := fault.Configf("error opening raw file: %w", os.ErrNotExist)
	assert.Equal(t, fault.Config, fault.Classify(err))
	require.ErrorIs(t, err, os.ErrNotExist)

	wrapped := fmt.Errorf("session c4550: %w", fault.Structuralf("bad pairing"))
	assert.Equal(t, fault.Structural, fault.Classify(wrapped))
}

func TestCategoryPolicy(t *testing.T) {
	assert.True(t, fault.Config.Retryable())
	assert.True(t, fault.Alignment.Retryable())
	assert.False(t, fault.Structural.Retryable())
	assert.False(t, fault.Quality.Retryable())
}
