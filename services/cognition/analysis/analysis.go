// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis defines the contract between the cycle engine and the
// analysis collaborators, plus a default rule set for each phase.
//
// # Description
//
// An analysis engine is an opaque function from a WorkspaceState to a list
// of Results. The cycle engine counts and digests results but does not
// interpret them, with one exception: pattern results feed the evolution
// tracker. The default engines are simple heuristics and can be replaced
// wholesale.
package analysis

import (
	"context"
	"math"
	"time"

	"github.com/AleutianAI/cognition/services/cognition/tracefeed"
)

// Result kinds produced by the default engines.
const (
	KindPattern     = "pattern"
	KindCorrelation = "correlation"
	KindForecast    = "forecast"
	KindDecision    = "decision"
)

// Result is one item produced by an analysis engine.
type Result struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Confidence float64        `json:"confidence"`
	Frequency  int            `json:"frequency"`
	Data       map[string]any `json:"data,omitempty"`
}

// Baseline is the feedback baseline maintained by the cycle engine and
// consumed by forecasting.
type Baseline struct {
	Mean      float64   `json:"mean"`
	MAE       float64   `json:"mae"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkspaceState is the input of every engine.
type WorkspaceState struct {
	// Now is the cycle start time.
	Now time.Time

	// Touches are recent file changes, oldest first.
	Touches []tracefeed.Touch

	// Commits are recent commits, oldest first.
	Commits []tracefeed.CommitEvent

	// CognitiveLoad is the current load reading in [0,1).
	CognitiveLoad float64

	// Baseline is the persisted feedback baseline.
	Baseline Baseline

	// Prior holds the results of phases that already ran in this cycle,
	// keyed by phase name. Failed phases are absent.
	Prior map[string][]Result
}

// Engine is one analysis collaborator.
type Engine interface {
	Name() string
	Analyze(ctx context.Context, ws WorkspaceState) ([]Result, error)
}

// Recalibrator is implemented by engines that accept an updated baseline.
type Recalibrator interface {
	Recalibrate(b Baseline)
}

// AnalyzeFunc is the signature of an Engine's Analyze method.
type AnalyzeFunc func(ctx context.Context, ws WorkspaceState) ([]Result, error)

type funcEngine struct {
	name string
	fn   AnalyzeFunc
}

func (f funcEngine) Name() string { return f.name }

func (f funcEngine) Analyze(ctx context.Context, ws WorkspaceState) ([]Result, error) {
	return f.fn(ctx, ws)
}

// NewFunc wraps fn as an Engine.
func NewFunc(name string, fn AnalyzeFunc) Engine {
	return funcEngine{name: name, fn: fn}
}

// loadHalfPoint is the activity score at which CognitiveLoad reaches 0.5.
const loadHalfPoint = 20.0

// CognitiveLoad scores edit and commit intensity in (now-window, now] on a
// saturating [0,1) scale. A commit weighs as much as three edits.
func CognitiveLoad(touches []tracefeed.Touch, commits []tracefeed.CommitEvent, now time.Time, window time.Duration) float64 {
	edits, commitCount := CountActivity(touches, commits, now, window)
	score := float64(edits) + 3*float64(commitCount)
	if score <= 0 {
		return 0
	}
	return score / (score + loadHalfPoint)
}

// CountActivity counts the touches and commits in (now-window, now].
func CountActivity(touches []tracefeed.Touch, commits []tracefeed.CommitEvent, now time.Time, window time.Duration) (edits, commitCount int) {
	from := now.Add(-window)
	for _, t := range touches {
		if t.Timestamp.After(from) && !t.Timestamp.After(now) {
			edits++
		}
	}
	for _, c := range commits {
		if c.Timestamp.After(from) && !c.Timestamp.After(now) {
			commitCount++
		}
	}
	return edits, commitCount
}

// Clamp01 limits v to [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
