// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cognition/services/cognition/tracefeed"
)

var now = time.Date(2026, 7, 1, 15, 30, 0, 0, time.UTC)

func touch(path string, ago time.Duration) tracefeed.Touch {
	return tracefeed.Touch{Timestamp: now.Add(-ago), Path: path, Type: tracefeed.ChangeModify}
}

func commit(hash, msg string, ago time.Duration, files ...string) tracefeed.CommitEvent {
	var ev tracefeed.CommitEvent
	ev.Timestamp = now.Add(-ago)
	ev.Metadata.Commit = tracefeed.Commit{Hash: hash, Message: msg, Files: files}
	return ev
}

func TestCognitiveLoad(t *testing.T) {
	assert.Equal(t, 0.0, CognitiveLoad(nil, nil, now, time.Hour))

	touches := []tracefeed.Touch{touch("a.go", time.Minute), touch("b.go", 2*time.Hour)}
	commits := []tracefeed.CommitEvent{commit("abc", "fix", 10*time.Minute)}

	edits, n := CountActivity(touches, commits, now, time.Hour)
	assert.Equal(t, 1, edits)
	assert.Equal(t, 1, n)

	load := CognitiveLoad(touches, commits, now, time.Hour)
	assert.InDelta(t, 4.0/24.0, load, 1e-9)
	assert.Less(t, load, 1.0)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.2))
	assert.Equal(t, 1.0, Clamp01(1.7))
	assert.Equal(t, 0.4, Clamp01(0.4))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
}

func TestHotFileLearner(t *testing.T) {
	ws := WorkspaceState{Now: now}
	for i := 0; i < 5; i++ {
		ws.Touches = append(ws.Touches, touch("hot.go", time.Duration(i)*time.Minute))
	}
	for i := 0; i < 3; i++ {
		ws.Touches = append(ws.Touches, touch("warm.go", time.Duration(i)*time.Minute))
	}
	ws.Touches = append(ws.Touches, touch("cold.go", time.Minute), touch("old.go", 48*time.Hour))

	results, err := HotFileLearner{}.Analyze(context.Background(), ws)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "hot-file:hot.go", results[0].ID)
	assert.Equal(t, KindPattern, results[0].Kind)
	assert.Equal(t, 5, results[0].Frequency)
	assert.InDelta(t, 5.0/8.0, results[0].Confidence, 1e-9)
	assert.Equal(t, "hot-file:warm.go", results[1].ID)
}

func TestCoEditCorrelator(t *testing.T) {
	ws := WorkspaceState{Now: now}
	for _, ago := range []time.Duration{time.Minute, 20 * time.Minute, 40 * time.Minute} {
		ws.Touches = append(ws.Touches, touch("api.go", ago), touch("api_test.go", ago))
	}
	ws.Touches = append(ws.Touches, touch("readme.md", time.Minute))

	results, err := CoEditCorrelator{}.Analyze(context.Background(), ws)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, "co-edit:api.go|api_test.go", r.ID)
	assert.Equal(t, KindCorrelation, r.Kind)
	assert.Equal(t, 3, r.Frequency)
	assert.Equal(t, 1.0, r.Confidence)
}

func TestLoadForecaster(t *testing.T) {
	f := NewLoadForecaster()

	results, err := f.Analyze(context.Background(), WorkspaceState{Now: now, CognitiveLoad: 0.4})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ForecastID, results[0].ID)
	assert.Equal(t, 0.4, results[0].Data["load"])
	assert.Equal(t, 0.5, results[0].Confidence)
	assert.Equal(t, "2026-07-01T16:00:00Z", results[0].Data["for"])

	f.Recalibrate(Baseline{Mean: 0.2, MAE: 0.1, Samples: 4, UpdatedAt: now})
	results, err = f.Analyze(context.Background(), WorkspaceState{Now: now, CognitiveLoad: 0.4})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, results[0].Data["load"], 1e-9)
	assert.InDelta(t, 0.9, results[0].Confidence, 1e-9)
	assert.Equal(t, 4, f.Baseline().Samples)
}

func TestCommitADRSynthesizer(t *testing.T) {
	ws := WorkspaceState{
		Now: now,
		Commits: []tracefeed.CommitEvent{
			commit("0123456789abcdef", "Migrate storage to badger\n\nlong body", time.Hour, "a.go", "b.go"),
			commit("fedcba", "fix typo", time.Hour),
			commit("aaaaaa", "Refactor parser", 30*24*time.Hour),
		},
	}

	results, err := CommitADRSynthesizer{}.Analyze(context.Background(), ws)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "adr:0123456789ab", results[0].ID)
	assert.Equal(t, KindDecision, results[0].Kind)
	assert.Equal(t, 2, results[0].Frequency)
	assert.Equal(t, "Migrate storage to badger", results[0].Data["title"])
}

func TestNewFunc(t *testing.T) {
	boom := errors.New("boom")
	e := NewFunc("failing", func(ctx context.Context, ws WorkspaceState) ([]Result, error) {
		return nil, boom
	})
	assert.Equal(t, "failing", e.Name())
	_, err := e.Analyze(context.Background(), WorkspaceState{})
	assert.ErrorIs(t, err, boom)
}
