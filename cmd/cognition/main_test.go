// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cognition/services/cognition/cycle"
	"github.com/AleutianAI/cognition/services/cognition/ledger"
)

func execute(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--root", root, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_CycleQueryVerify(t *testing.T) {
	root := t.TempDir()

	out, err := execute(t, root, "cycle")
	require.NoError(t, err)
	var rec cycle.Cycle
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.EqualValues(t, 1, rec.ID)
	assert.True(t, rec.Persisted)
	assert.FileExists(t, filepath.Join(root, "cognition.yaml"))

	out, err = execute(t, root, "query", "day", rec.StartedAt.UTC().Format("2006-01-02"))
	require.NoError(t, err)
	var days []int64
	require.NoError(t, json.Unmarshal([]byte(out), &days))
	assert.Equal(t, []int64{1}, days)

	out, err = execute(t, root, "query", "entry", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"cycle_id": 1`)

	out, err = execute(t, root, "verify")
	require.NoError(t, err)
	var res ledger.VerifyResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, 1, res.RecordCount)

	_, err = execute(t, root, "index", "rebuild")
	require.NoError(t, err)

	_, err = execute(t, root, "query", "entry", "9")
	assert.ErrorContains(t, err, "not indexed")
}

func TestCLI_InputValidation(t *testing.T) {
	root := t.TempDir()
	_, err := execute(t, root, "query", "day", "yesterday")
	assert.ErrorContains(t, err, "invalid day")

	_, err = execute(t, root, "query", "hour", "2026-09-14", "25")
	assert.ErrorContains(t, err, "invalid hour")

	_, err = execute(t, root, "reconstruct", "--mode", "exact")
	assert.Error(t, err)

	_, err = execute(t, root, "snapshot", "closest")
	assert.ErrorContains(t, err, "no snapshots")

	_, err = execute(t, root, "--mode", "staging", "query", "stats")
	assert.ErrorContains(t, err, "unknown mode")
}

func TestCLI_ReconstructFallback(t *testing.T) {
	root := t.TempDir()
	out, err := execute(t, root, "reconstruct", "--at", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339))
	require.NoError(t, err)
	assert.Contains(t, out, `"confidence": 0.3`)
}

func TestParseTime(t *testing.T) {
	ts, err := parseTime("2026-09-14T09:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, 9, ts.Hour())
	_, err = parseTime("09:30")
	assert.Error(t, err)
	now, err := parseTime("now")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), now, time.Minute)
}
