// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cycle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cognition/services/cognition/analysis"
	"github.com/AleutianAI/cognition/services/cognition/fault"
)

func TestInputKey(t *testing.T) {
	day := time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)

	k := InputKey(day, 3, "")
	assert.Len(t, k, 16)
	assert.Equal(t, k, InputKey(day.Add(10*time.Hour), 3, ""), "same UTC day")
	assert.NotEqual(t, k, InputKey(day.Add(24*time.Hour), 3, ""))
	assert.NotEqual(t, k, InputKey(day, 4, ""))
	assert.NotEqual(t, k, InputKey(day, 3, "abc"))

	// The day is taken in UTC regardless of the location of the input.
	loc := time.FixedZone("UTC+10", 10*3600)
	assert.Equal(t, k, InputKey(day.In(loc), 3, ""))
}

func TestWatchdogInterval(t *testing.T) {
	assert.Equal(t, 60*time.Second, WatchdogInterval(10*time.Second))
	assert.Equal(t, 60*time.Second, WatchdogInterval(30*time.Second))
	assert.Equal(t, 90*time.Second, WatchdogInterval(45*time.Second))
}

func TestBreached(t *testing.T) {
	last := time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)
	assert.False(t, Breached(last.Add(20*time.Second), last, 10*time.Second), "exactly 2x period is not a breach")
	assert.True(t, Breached(last.Add(20*time.Second+time.Millisecond), last, 10*time.Second))
	assert.False(t, Breached(last.Add(-time.Minute), last, 10*time.Second))
}

func TestWatchdog_FiresOncePerBreach(t *testing.T) {
	start := time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)
	var w watchdog
	assert.False(t, w.check(start.Add(time.Hour)), "never reset")

	w.reset(start, 10*time.Second)
	assert.False(t, w.check(start.Add(5*time.Second)))
	assert.True(t, w.check(start.Add(30*time.Second)))
	assert.False(t, w.check(start.Add(60*time.Second)), "same breach")
	assert.False(t, w.check(start.Add(90*time.Second)), "same breach")

	w.touch(start.Add(100 * time.Second))
	assert.False(t, w.check(start.Add(110*time.Second)))
	assert.True(t, w.check(start.Add(130*time.Second)), "new breach after a success")
	assert.Equal(t, start.Add(100*time.Second), w.last())
}

func TestRingBuffer(t *testing.T) {
	r := newRingBuffer[int](3)
	assert.Empty(t, r.slice())
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	assert.Equal(t, 3, r.len())
	assert.Equal(t, []int{3, 4, 5}, r.slice())

	r2 := newRingBuffer[int](0)
	assert.Len(t, r2.data, DefaultHistorySize)
}

func TestUpdateBaseline(t *testing.T) {
	now := time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)

	b := UpdateBaseline(analysis.Baseline{}, 0.6, 0.4, 0.2, now)
	assert.InDelta(t, 0.4, b.Mean, 1e-9)
	assert.InDelta(t, 0.2, b.MAE, 1e-9)
	assert.Equal(t, 1, b.Samples)
	assert.Equal(t, now, b.UpdatedAt)

	b = UpdateBaseline(b, 0.5, 0.5, 0.2, now)
	assert.InDelta(t, 0.8*0.4+0.2*0.5, b.Mean, 1e-9)
	assert.InDelta(t, 0.8*0.2, b.MAE, 1e-9)
	assert.Equal(t, 2, b.Samples)
}

func TestNormalizePatterns(t *testing.T) {
	in := []analysis.Result{
		{ID: "a", Confidence: 1.7},
		{ID: "b", Confidence: 0.01},
		{ID: "c", Confidence: 0.5},
		{ID: "d", Confidence: -2},
	}
	out, dropped := normalizePatterns(in, 0.05)
	assert.Equal(t, 2, dropped)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, 1.0, out[0].Confidence)
	assert.Equal(t, "c", out[1].ID)
	assert.Equal(t, 1.7, in[0].Confidence, "input untouched")
}

func TestArtifacts_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)

	in := artifacts{
		state: PersistedState{Version: artifactVersion, CycleCount: 7, LastCycleID: 7, LastInputHash: "0123456789abcdef", Timestamp: now},
		universals: Universals{
			Patterns:  []analysis.Result{{ID: "hot-file:a.go", Kind: analysis.KindPattern, Confidence: 0.6, Frequency: 3}},
			UpdatedAt: now,
		},
		history: []Cycle{
			{ID: 7, StartedAt: now, EndedAt: now, InputKey: "0123456789abcdef", Persisted: true,
				Failures: []*fault.Error{fault.New(fault.KindPhase, PhaseCorrelation, errors.New("boom"))}},
		},
	}
	require.Empty(t, writeArtifacts(dir, in))
	for _, name := range []string{StateFile, UniversalsFile, HistoryFile} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	out, failures := loadArtifacts(dir)
	require.Empty(t, failures)
	assert.Equal(t, in.state, out.state)
	assert.Equal(t, in.universals.Patterns, out.universals.Patterns)
	require.Len(t, out.history, 1)
	require.Len(t, out.history[0].Failures, 1)
	assert.Equal(t, fault.KindPhase, out.history[0].Failures[0].Kind)
	assert.Equal(t, PhaseCorrelation, out.history[0].Failures[0].Op)
}

func TestArtifacts_MissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	_, failures := loadArtifacts(dir)
	require.Len(t, failures, 3)
	for _, f := range failures {
		assert.Equal(t, fault.KindArtifactMissing, f.Kind)
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, StateFile), []byte("not gzip"), 0o600))
	a, failures := loadArtifacts(dir)
	assert.Len(t, failures, 3)
	assert.Equal(t, PersistedState{}, a.state)
}
