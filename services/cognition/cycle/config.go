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
	"log/slog"
	"time"

	"github.com/AleutianAI/cognition/services/cognition/index"
)

// Defaults.
const (
	DefaultPeriod             = 10 * time.Second
	DefaultWarmUp             = 5 * time.Second
	DefaultSnapshotEvery      = 10
	DefaultNormalizeEvery     = 100
	DefaultFeedbackEvery      = 100
	DefaultHistorySize        = 100
	DefaultActivityWindow     = 24 * time.Hour
	DefaultLoadWindow         = time.Hour
	DefaultAggregateRetention = 90 * 24 * time.Hour
	DefaultPatternFloor       = 0.05
	DefaultFeedbackAlpha      = 0.2
	DefaultActiveFilesLimit   = 20
)

// Config configures an Engine. Zero values take the defaults above.
type Config struct {
	// ArtifactDir holds the gzip state, universals and history blobs.
	// Empty disables artifact persistence.
	ArtifactDir string

	// WarmUp is waited before the first tick. Negative means none.
	WarmUp time.Duration

	// SnapshotEvery is K: snapshots and artifacts are written for every
	// cycle id divisible by it.
	SnapshotEvery int64

	// NormalizeEvery and FeedbackEvery are the sweep cadences in cycle ids.
	NormalizeEvery int64
	FeedbackEvery  int64

	// HistorySize bounds the in-memory and persisted cycle history.
	HistorySize int

	// ActivityWindow is how much trace history analysis phases see.
	ActivityWindow time.Duration

	// LoadWindow is the window of the cognitive-load reading.
	LoadWindow time.Duration

	// AssociationWindow bounds file association for the index.
	AssociationWindow time.Duration

	// FoldInputDigest folds the trace digest into the idempotence key so
	// that new trace events within the same day are processed.
	FoldInputDigest bool

	// AggregateRetention is how long hourly load buckets are kept.
	AggregateRetention time.Duration

	// PatternFloor is the confidence below which the normalization sweep
	// drops universal patterns.
	PatternFloor float64

	// FeedbackAlpha is the EWMA weight of a new feedback sample.
	FeedbackAlpha float64

	// RunID is stamped on every ledger entry.
	RunID string

	Logger *slog.Logger
}

// Validate reports invalid settings.
func (c Config) Validate() error {
	switch {
	case c.SnapshotEvery < 0, c.NormalizeEvery < 0, c.FeedbackEvery < 0:
		return errors.New("cycle: cadences must not be negative")
	case c.HistorySize < 0:
		return errors.New("cycle: history size must not be negative")
	case c.PatternFloor < 0 || c.PatternFloor >= 1:
		return errors.New("cycle: pattern floor must be in [0,1)")
	case c.FeedbackAlpha < 0 || c.FeedbackAlpha > 1:
		return errors.New("cycle: feedback alpha must be in [0,1]")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.WarmUp == 0 {
		c.WarmUp = DefaultWarmUp
	}
	if c.WarmUp < 0 {
		c.WarmUp = 0
	}
	if c.SnapshotEvery == 0 {
		c.SnapshotEvery = DefaultSnapshotEvery
	}
	if c.NormalizeEvery == 0 {
		c.NormalizeEvery = DefaultNormalizeEvery
	}
	if c.FeedbackEvery == 0 {
		c.FeedbackEvery = DefaultFeedbackEvery
	}
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.ActivityWindow == 0 {
		c.ActivityWindow = DefaultActivityWindow
	}
	if c.LoadWindow == 0 {
		c.LoadWindow = DefaultLoadWindow
	}
	if c.AssociationWindow == 0 {
		c.AssociationWindow = index.DefaultAssociationWindow
	}
	if c.ActivityWindow < c.AssociationWindow {
		c.ActivityWindow = c.AssociationWindow
	}
	if c.AggregateRetention == 0 {
		c.AggregateRetention = DefaultAggregateRetention
	}
	if c.PatternFloor == 0 {
		c.PatternFloor = DefaultPatternFloor
	}
	if c.FeedbackAlpha == 0 {
		c.FeedbackAlpha = DefaultFeedbackAlpha
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
