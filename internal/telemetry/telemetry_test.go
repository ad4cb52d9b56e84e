// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/OpenPSG/photometry/internal/telemetry"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), "photometry-convert", " ")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
	require.NotNil(t, telemetry.Tracer())
}

func TestSetupWithEndpoint(t *testing.T) {
	// Non-routable address so no export happens.
	shutdown, err := telemetry.Setup(context.Background(), "photometry-convert", "http://192.0.2.1:4318")
	require.NoError(t, err)

	_, span := telemetry.Tracer().Start(context.Background(), "test")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Shutdown may fail to flush to the unreachable collector; it must return.
	_ = shutdown(ctx)
}
