// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ledger_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/OpenPSG/photometry/fault"
	"github.com/OpenPSG/photometry/internal/ledger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLedger(t *testing.T, path string) *ledger.Ledger {
	t.Helper()

	l, err := ledger.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, l.Close())
	})
	return l
}

func TestLedgerRunLifecycle(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	run, err := l.StartRun(ctx, "hnasko-2025.1")
	require.NoError(t, err)
	_, err = uuid.Parse(run.ID)
	require.NoError(t, err)

	started := time.Date(2025, 3, 2, 10, 30, 0, 0, time.UTC)
	require.NoError(t, l.RecordSession(ctx, ledger.Record{
		RunID:      run.ID,
		Manifest:   "b/session.yaml",
		Status:     ledger.StatusFailed,
		Category:   fault.Structural,
		Error:      "odd number of timestamps",
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	}))
	require.NoError(t, l.RecordSession(ctx, ledger.Record{
		RunID:       run.ID,
		Manifest:    "a/session.yaml",
		SessionID:   "S1",
		Status:      ledger.StatusConverted,
		Warnings:    2,
		Output:      "out/S1.edf",
		OutputBytes: 123456,
		Traces:      2,
		Intervals:   15,
		StartedAt:   started,
		FinishedAt:  started.Add(2 * time.Second),
	}))

	records, err := l.Sessions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "a/session.yaml", records[0].Manifest)
	assert.Equal(t, ledger.StatusConverted, records[0].Status)
	assert.Equal(t, int64(123456), records[0].OutputBytes)
	assert.Equal(t, 15, records[0].Intervals)
	assert.Equal(t, started.Add(2*time.Second), records[0].FinishedAt)

	assert.Equal(t, ledger.StatusFailed, records[1].Status)
	assert.Equal(t, fault.Structural, records[1].Category)
	assert.Equal(t, "odd number of timestamps", records[1].Error)

	require.NoError(t, l.FinishRun(ctx, run.ID))
	got, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "hnasko-2025.1", got.CatalogVersion)
	assert.False(t, got.FinishedAt.IsZero())

	last, ok, err := l.LastConverted(ctx, "a/session.yaml")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "S1", last.SessionID)

	_, ok, err = l.LastConverted(ctx, "b/session.yaml")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := ledger.Open(path)
	require.NoError(t, err)
	run, err := l.StartRun(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Migrations are not reapplied and earlier runs survive.
	reopened := openLedger(t, path)
	got, err := reopened.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.FinishedAt.IsZero())
}

func TestLedgerErrors(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	_, err := ledger.Open(" ")
	require.Error(t, err)

	require.Error(t, l.FinishRun(ctx, "missing"))

	_, err = l.GetRun(ctx, "missing")
	require.Error(t, err)

	require.Error(t, l.RecordSession(ctx, ledger.Record{Manifest: "a/session.yaml"}))

	// Sessions must belong to a known run.
	err = l.RecordSession(ctx, ledger.Record{RunID: "missing", Manifest: "a/session.yaml"})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "error recording session a/session.yaml: "), err.Error())

	_, err = ledger.Open(filepath.Join(t.TempDir(), "missing", "ledger.db"))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "error "), err.Error())
}
