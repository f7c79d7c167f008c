// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evolution tracks how each learned pattern changes from cycle to
// cycle and keeps that history in an append-only log.
//
// # Description
//
// For every observed pattern the Tracker records the confidence and
// frequency deltas against the previous observation, a short moving average
// of confidence and a trend label. A pattern that stops being observed gets
// one final disappearance record and is forgotten; if it comes back it is
// treated as new. The Tracker's in-memory state is rebuilt from the log on
// Open, so it survives restarts.
package evolution

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/cognition/services/cognition/durable"
)

const (
	// StableThresholdPct is the |Δconfidence%| below which a pattern is stable.
	StableThresholdPct = 2.0

	// MovingAverageWindow is the number of confidence samples averaged.
	MovingAverageWindow = 3

	// DefaultFlushEvery is the number of tracked cycles between flushes.
	DefaultFlushEvery = 10
)

// Trend labels the direction of a pattern's confidence.
type Trend string

const (
	TrendRising    Trend = "rising"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// Classify maps a confidence change in percent to a trend.
func Classify(deltaPct float64) Trend {
	switch {
	case math.Abs(deltaPct) < StableThresholdPct:
		return TrendStable
	case deltaPct > 0:
		return TrendRising
	default:
		return TrendDeclining
	}
}

// Observation is one pattern reported by the pattern-learning phase.
type Observation struct {
	PatternID  string
	Confidence float64
	Frequency  int
}

// Record is one line of the evolution log.
type Record struct {
	PatternID          string    `json:"pattern_id"`
	CycleID            int64     `json:"cycle_id"`
	Timestamp          time.Time `json:"timestamp"`
	Confidence         float64   `json:"confidence"`
	Frequency          int       `json:"frequency"`
	DeltaConfidence    float64   `json:"delta_confidence"`
	DeltaConfidencePct float64   `json:"delta_confidence_pct"`
	DeltaFrequency     int       `json:"delta_frequency"`
	MovingAverage      float64   `json:"moving_average"`
	Trend              Trend     `json:"trend"`
	Disappeared        bool      `json:"disappeared,omitempty"`
}

// Config configures a Tracker.
type Config struct {
	// Path is the evolution log.
	Path string

	// FlushEvery is the number of Track calls between buffer flushes.
	// Default: DefaultFlushEvery.
	FlushEvery int

	// Logger receives tracker events. Nil uses slog.Default().
	Logger *slog.Logger
}

type patternState struct {
	confidence float64
	frequency  int
	window     []float64
}

// Tracker owns the per-pattern state and the evolution log.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	path       string
	writer     *durable.Appender
	flushEvery int
	sinceFlush int
	patterns   map[string]*patternState
	logger     *slog.Logger
}

// Open replays the log at cfg.Path and opens it for appending.
func Open(cfg Config) (*Tracker, error) {
	flushEvery := cfg.FlushEvery
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		path:       cfg.Path,
		flushEvery: flushEvery,
		patterns:   make(map[string]*patternState),
		logger:     logger,
	}

	replayed, skipped := 0, 0
	err := durable.ReadLines(cfg.Path, func(_ int64, line []byte) error {
		var r Record
		if err := json.Unmarshal(line, &r); err != nil || r.PatternID == "" {
			skipped++
			return nil
		}
		t.apply(r)
		replayed++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("evolution: replay: %w", err)
	}

	w, err := durable.OpenAppender(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("evolution: %w", err)
	}
	t.writer = w

	logger.Info("evolution.opened",
		"path", cfg.Path,
		"records", replayed,
		"skipped", skipped,
		"active_patterns", len(t.patterns),
	)
	return t, nil
}

// apply folds one logged record into the in-memory state.
func (t *Tracker) apply(r Record) {
	if r.Disappeared {
		delete(t.patterns, r.PatternID)
		return
	}
	st, ok := t.patterns[r.PatternID]
	if !ok {
		st = &patternState{}
		t.patterns[r.PatternID] = st
	}
	st.confidence = r.Confidence
	st.frequency = r.Frequency
	st.window = pushWindow(st.window, r.Confidence)
}

func pushWindow(w []float64, v float64) []float64 {
	w = append(w, v)
	if len(w) > MovingAverageWindow {
		w = w[len(w)-MovingAverageWindow:]
	}
	return w
}

func mean(w []float64) float64 {
	if len(w) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	return sum / float64(len(w))
}

// deltaPct is the relative confidence change in percent. A change from
// zero counts as +100% when it increases and 0% otherwise.
func deltaPct(prev, cur float64) float64 {
	if prev == 0 {
		if cur > 0 {
			return 100
		}
		return 0
	}
	return (cur - prev) / prev * 100
}

// Track compares observed patterns with the previous cycle and appends one
// record per observed pattern plus one disappearance record per pattern no
// longer observed. Records are returned in pattern id order, observed
// first.
//
// Duplicate pattern ids in observed are collapsed; the first wins.
func (t *Tracker) Track(cycleID int64, ts time.Time, observed []Observation) ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts = ts.UTC()
	seen := make(map[string]bool, len(observed))
	obs := make([]Observation, 0, len(observed))
	for _, o := range observed {
		if o.PatternID == "" || seen[o.PatternID] {
			continue
		}
		seen[o.PatternID] = true
		obs = append(obs, o)
	}
	sort.Slice(obs, func(i, j int) bool { return obs[i].PatternID < obs[j].PatternID })

	records := make([]Record, 0, len(obs))
	for _, o := range obs {
		r := Record{
			PatternID:  o.PatternID,
			CycleID:    cycleID,
			Timestamp:  ts,
			Confidence: o.Confidence,
			Frequency:  o.Frequency,
		}
		var window []float64
		if prev, ok := t.patterns[o.PatternID]; ok {
			r.DeltaConfidence = o.Confidence - prev.confidence
			r.DeltaConfidencePct = deltaPct(prev.confidence, o.Confidence)
			r.DeltaFrequency = o.Frequency - prev.frequency
			window = prev.window
		}
		r.MovingAverage = mean(pushWindow(append([]float64(nil), window...), o.Confidence))
		r.Trend = Classify(r.DeltaConfidencePct)
		records = append(records, r)
	}

	gone := make([]string, 0)
	for id := range t.patterns {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		prev := t.patterns[id]
		records = append(records, Record{
			PatternID:          id,
			CycleID:            cycleID,
			Timestamp:          ts,
			DeltaConfidence:    -prev.confidence,
			DeltaConfidencePct: -100,
			DeltaFrequency:     -prev.frequency,
			MovingAverage:      mean(pushWindow(append([]float64(nil), prev.window...), 0)),
			Trend:              TrendDeclining,
			Disappeared:        true,
		})
	}

	for _, r := range records {
		if err := t.writer.Append(r); err != nil {
			return nil, fmt.Errorf("evolution: append: %w", err)
		}
		t.apply(r)
	}

	t.sinceFlush++
	if t.sinceFlush >= t.flushEvery {
		t.sinceFlush = 0
		if err := t.writer.Flush(); err != nil {
			return records, fmt.Errorf("evolution: flush: %w", err)
		}
	}
	return records, nil
}

// Flush writes buffered records to the OS.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinceFlush = 0
	return t.writer.Flush()
}

// Sync flushes and fsyncs the log.
func (t *Tracker) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinceFlush = 0
	return t.writer.Sync()
}

// Active returns the ids of patterns currently tracked, sorted.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.patterns))
	for id := range t.patterns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Records flushes and returns logged records with from <= ts <= to in log
// order. Zero bounds are open.
func (t *Tracker) Records(from, to time.Time) ([]Record, error) {
	if err := t.Flush(); err != nil {
		return nil, err
	}
	out := make([]Record, 0)
	err := durable.ReadLines(t.path, func(_ int64, line []byte) error {
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil
		}
		if !from.IsZero() && r.Timestamp.Before(from) {
			return nil
		}
		if !to.IsZero() && r.Timestamp.After(to) {
			return nil
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("evolution: read: %w", err)
	}
	return out, nil
}

// Close syncs and closes the log.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writer.Close()
}
