// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconstruct answers "what was the cognitive state at time T".
//
// # Modes
//
//   - Approximate: the snapshot closest in time to T, confidence 0.95.
//     Without any snapshot a zero state with confidence 0.30 is returned.
//   - Precise: the ledger cycle nearest to T selects a base snapshot; the
//     pattern list, last commit and cognitive load are then replaced by the
//     values known at T from the evolution log, commit trace and hourly load
//     buckets. Confidence 0.80.
package reconstruct

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/cognition/services/cognition/aggregate"
	"github.com/AleutianAI/cognition/services/cognition/analysis"
	"github.com/AleutianAI/cognition/services/cognition/evolution"
	"github.com/AleutianAI/cognition/services/cognition/ledger"
	"github.com/AleutianAI/cognition/services/cognition/snapshot"
	"github.com/AleutianAI/cognition/services/cognition/tracefeed"
)

// Mode selects the reconstruction strategy.
type Mode string

const (
	ModeApproximate Mode = "approximate"
	ModePrecise     Mode = "precise"
)

// Fixed confidences per source.
const (
	ConfidenceSnapshot     = 0.95
	ConfidenceInterpolated = 0.80
	ConfidenceFallback     = 0.30
)

// Sources of a reconstruction.
const (
	FromSnapshot      = "snapshot"
	FromInterpolation = "interpolation"
)

// Metric names accepted by MetricEvolution.
const (
	MetricCognitiveLoad     = "cognitive_load"
	MetricPatternConfidence = "pattern_confidence"
	MetricPatternCount      = "pattern_count"
)

// patternPhase is the ledger phase whose count MetricPatternCount reports.
const patternPhase = "pattern-learning"

// ParseMode parses a mode, defaulting to approximate for "".
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeApproximate:
		return ModeApproximate, nil
	case ModePrecise:
		return ModePrecise, nil
	default:
		return "", fmt.Errorf("unknown reconstruction mode %q", s)
	}
}

// State is a reconstructed cognitive state.
type State struct {
	Timestamp         time.Time      `json:"timestamp"`
	State             snapshot.State `json:"state"`
	Confidence        float64        `json:"confidence"`
	ReconstructedFrom string         `json:"reconstructed_from"`
	CycleID           int64          `json:"cycle_id,omitempty"`
	SnapshotID        int64          `json:"snapshot_id,omitempty"`
}

// Point is one sample of a metric.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Snapshots is the snapshot store as seen by the reconstructor.
type Snapshots interface {
	FindClosest(ts time.Time) (snapshot.IndexEntry, bool, error)
	Covering(cycleID int64) (snapshot.IndexEntry, bool, error)
	Load(cycleID int64) (*snapshot.Snapshot, error)
}

// Evolution is the evolution log as seen by the reconstructor.
type Evolution interface {
	Records(from, to time.Time) ([]evolution.Record, error)
}

// Loads is the hourly load store as seen by the reconstructor.
type Loads interface {
	HourLoad(ctx context.Context, ts time.Time) (aggregate.HourLoad, bool, error)
	Range(ctx context.Context, from, to time.Time) ([]aggregate.HourLoad, error)
}

// Commits is the commit trace as seen by the reconstructor.
type Commits interface {
	LastCommitAt(t time.Time) (*tracefeed.CommitEvent, error)
}

// Deps are the read-only sources. Ledger and Snapshots are required.
type Deps struct {
	Ledger    ledger.Reader
	Snapshots Snapshots
	Evolution Evolution
	Loads     Loads
	Commits   Commits
	Logger    *slog.Logger
}

// Reconstructor answers point-in-time and metric queries.
//
// # Thread Safety
//
// Safe for concurrent use. Identical concurrent ReconstructAt calls share
// one computation.
type Reconstructor struct {
	deps   Deps
	logger *slog.Logger
	flight singleflight.Group
}

// New returns a Reconstructor.
func New(deps Deps) *Reconstructor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{deps: deps, logger: logger}
}

// ReconstructAt rebuilds the state at ts in the given mode.
func (r *Reconstructor) ReconstructAt(ctx context.Context, ts time.Time, mode Mode) (State, error) {
	ts = ts.UTC()
	key := string(mode) + "|" + ts.Format(time.RFC3339Nano)
	v, err, _ := r.flight.Do(key, func() (any, error) {
		switch mode {
		case ModeApproximate, "":
			return r.approximate(ts)
		case ModePrecise:
			return r.precise(ctx, ts)
		default:
			return nil, fmt.Errorf("unknown reconstruction mode %q", mode)
		}
	})
	if err != nil {
		return State{}, err
	}
	return v.(State), nil
}

func fallback(ts time.Time, from string) State {
	return State{
		Timestamp:         ts,
		State:             snapshot.State{}.Normalized(),
		Confidence:        ConfidenceFallback,
		ReconstructedFrom: from,
	}
}

func (r *Reconstructor) approximate(ts time.Time) (State, error) {
	entry, ok, err := r.deps.Snapshots.FindClosest(ts)
	if err != nil {
		return State{}, fmt.Errorf("find snapshot: %w", err)
	}
	if !ok {
		return fallback(ts, FromSnapshot), nil
	}
	snap, err := r.deps.Snapshots.Load(entry.Cycle)
	if err != nil || snap == nil {
		r.logger.Warn("reconstruct.snapshot_unavailable", "cycle_id", entry.Cycle, "error", err)
		return fallback(ts, FromSnapshot), nil
	}
	return State{
		Timestamp:         ts,
		State:             snap.State.Normalized(),
		Confidence:        ConfidenceSnapshot,
		ReconstructedFrom: FromSnapshot,
		CycleID:           snap.SnapshotID,
		SnapshotID:        snap.SnapshotID,
	}, nil
}

func (r *Reconstructor) precise(ctx context.Context, ts time.Time) (State, error) {
	entries, err := r.deps.Ledger.Entries()
	if err != nil {
		return State{}, fmt.Errorf("list ledger: %w", err)
	}
	nearest, ok := nearestEntry(entries, ts)
	if !ok {
		return fallback(ts, FromInterpolation), nil
	}

	out := State{
		Timestamp:         ts,
		State:             snapshot.State{}.Normalized(),
		Confidence:        ConfidenceInterpolated,
		ReconstructedFrom: FromInterpolation,
		CycleID:           nearest.CycleID,
	}

	if base, ok, err := r.deps.Snapshots.Covering(nearest.CycleID); err != nil {
		r.logger.Warn("reconstruct.covering_failed", "cycle_id", nearest.CycleID, "error", err)
	} else if ok {
		snap, err := r.deps.Snapshots.Load(base.Cycle)
		if err != nil {
			r.logger.Warn("reconstruct.snapshot_unavailable", "cycle_id", base.Cycle, "error", err)
		} else if snap != nil {
			out.State = snap.State.Normalized()
			out.SnapshotID = snap.SnapshotID
		}
	}

	if r.deps.Evolution != nil {
		patterns, found, err := r.patternsAt(ts, out.State.Patterns)
		if err != nil {
			r.logger.Warn("reconstruct.patterns_failed", "error", err)
		} else if found {
			out.State.Patterns = patterns
		}
	}

	if r.deps.Commits != nil {
		c, err := r.deps.Commits.LastCommitAt(ts)
		if err != nil {
			r.logger.Warn("reconstruct.commit_failed", "error", err)
		} else if c != nil {
			out.State.LastCommit = &snapshot.CommitContext{
				Hash:      c.Metadata.Commit.Hash,
				Message:   c.Metadata.Commit.Message,
				Author:    c.Metadata.Commit.Author,
				Timestamp: c.Timestamp,
			}
		}
	}

	if r.deps.Loads != nil {
		h, ok, err := r.deps.Loads.HourLoad(ctx, ts)
		if err != nil {
			r.logger.Warn("reconstruct.load_failed", "error", err)
		} else if ok {
			out.State.CognitiveLoad = h.Load
		}
	}
	return out, nil
}

// nearestEntry returns the entry with minimum |timestamp - ts|; ties go to
// the earlier entry.
func nearestEntry(entries []ledger.Entry, ts time.Time) (ledger.Entry, bool) {
	var (
		best  ledger.Entry
		bestD time.Duration
		found bool
	)
	for _, e := range entries {
		d := e.Timestamp.Sub(ts)
		if d < 0 {
			d = -d
		}
		if !found || d < bestD {
			best, bestD, found = e, d, true
		}
	}
	return best, found
}

// patternsAt takes, for every pattern, its last evolution record at or
// before ts. Patterns whose last record is a disappearance are dropped.
// Kind and Data are carried over from base when the pattern is there.
// found is false when the log holds nothing before ts.
func (r *Reconstructor) patternsAt(ts time.Time, base []analysis.Result) ([]analysis.Result, bool, error) {
	records, err := r.deps.Evolution.Records(time.Time{}, ts)
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, nil
	}

	last := make(map[string]evolution.Record)
	for _, rec := range records {
		last[rec.PatternID] = rec
	}
	known := make(map[string]analysis.Result, len(base))
	for _, p := range base {
		known[p.ID] = p
	}

	out := make([]analysis.Result, 0, len(last))
	for id, rec := range last {
		if rec.Disappeared {
			continue
		}
		p, ok := known[id]
		if !ok {
			p = analysis.Result{ID: id, Kind: analysis.KindPattern}
		}
		p.Confidence = rec.Confidence
		p.Frequency = rec.Frequency
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out, true, nil
}

// MetricEvolution returns the time-ascending samples of a metric in
// [from, to]. Unknown metrics return an empty slice.
//
// # Metrics
//
//   - cognitive_load: hourly load buckets.
//   - pattern_confidence: mean confidence of live patterns per cycle.
//   - pattern_confidence:<id>: confidence of one pattern per record.
//   - pattern_count: pattern-learning result count per ledger entry.
func (r *Reconstructor) MetricEvolution(ctx context.Context, metric string, from, to time.Time) ([]Point, error) {
	name, arg, _ := strings.Cut(metric, ":")
	switch name {
	case MetricCognitiveLoad:
		return r.loadSeries(ctx, from, to)
	case MetricPatternConfidence:
		return r.confidenceSeries(arg, from, to)
	case MetricPatternCount:
		return r.countSeries(from, to)
	default:
		return []Point{}, nil
	}
}

func (r *Reconstructor) loadSeries(ctx context.Context, from, to time.Time) ([]Point, error) {
	if r.deps.Loads == nil {
		return []Point{}, nil
	}
	hours, err := r.deps.Loads.Range(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load range: %w", err)
	}
	out := make([]Point, 0, len(hours))
	for _, h := range hours {
		out = append(out, Point{Timestamp: h.Hour, Value: h.Load})
	}
	return out, nil
}

func (r *Reconstructor) confidenceSeries(patternID string, from, to time.Time) ([]Point, error) {
	if r.deps.Evolution == nil {
		return []Point{}, nil
	}
	records, err := r.deps.Evolution.Records(from, to)
	if err != nil {
		return nil, fmt.Errorf("evolution records: %w", err)
	}

	out := make([]Point, 0)
	if patternID != "" {
		for _, rec := range records {
			if rec.PatternID == patternID {
				out = append(out, Point{Timestamp: rec.Timestamp, Value: rec.Confidence})
			}
		}
		return out, nil
	}

	type acc struct {
		ts  time.Time
		sum float64
		n   int
	}
	byCycle := make(map[int64]*acc)
	var order []int64
	for _, rec := range records {
		if rec.Disappeared {
			continue
		}
		a, ok := byCycle[rec.CycleID]
		if !ok {
			a = &acc{ts: rec.Timestamp}
			byCycle[rec.CycleID] = a
			order = append(order, rec.CycleID)
		}
		a.sum += rec.Confidence
		a.n++
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	for _, id := range order {
		a := byCycle[id]
		out = append(out, Point{Timestamp: a.ts, Value: a.sum / float64(a.n)})
	}
	return out, nil
}

func (r *Reconstructor) countSeries(from, to time.Time) ([]Point, error) {
	entries, err := r.deps.Ledger.Entries()
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	out := make([]Point, 0)
	for _, e := range entries {
		if (!from.IsZero() && e.Timestamp.Before(from)) || (!to.IsZero() && e.Timestamp.After(to)) {
			continue
		}
		n, _ := e.PhaseCount(patternPhase)
		out = append(out, Point{Timestamp: e.Timestamp, Value: float64(n)})
	}
	return out, nil
}
