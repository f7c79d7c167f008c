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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ===== Pattern learning =====

// HotFileLearner reports files edited repeatedly in a recent window.
type HotFileLearner struct {
	// Window is the lookback. Default: 24h.
	Window time.Duration
	// MinEdits is the minimum edit count for a pattern. Default: 3.
	MinEdits int
	// MaxPatterns caps the output, hottest first. Default: 20.
	MaxPatterns int
}

// Name implements Engine.
func (h HotFileLearner) Name() string { return "hot-file-learner" }

// Analyze implements Engine. Confidence saturates as edits/(edits+MinEdits).
func (h HotFileLearner) Analyze(ctx context.Context, ws WorkspaceState) ([]Result, error) {
	window := orDuration(h.Window, 24*time.Hour)
	minEdits := orInt(h.MinEdits, 3)
	limit := orInt(h.MaxPatterns, 20)

	counts := make(map[string]int)
	from := ws.Now.Add(-window)
	for _, t := range ws.Touches {
		if t.Timestamp.After(from) && !t.Timestamp.After(ws.Now) {
			counts[t.Path]++
		}
	}

	results := make([]Result, 0)
	for path, n := range counts {
		if n < minEdits {
			continue
		}
		results = append(results, Result{
			ID:         "hot-file:" + path,
			Kind:       KindPattern,
			Confidence: float64(n) / float64(n+minEdits),
			Frequency:  n,
			Data:       map[string]any{"path": path},
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Frequency != results[j].Frequency {
			return results[i].Frequency > results[j].Frequency
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, ctx.Err()
}

// ===== Correlation =====

// CoEditCorrelator reports pairs of files that change in the same time
// buckets.
type CoEditCorrelator struct {
	// Window is the lookback. Default: 24h.
	Window time.Duration
	// Bucket is the co-occurrence granularity. Default: 5m.
	Bucket time.Duration
	// MinSupport is the number of shared buckets required. Default: 2.
	MinSupport int
	// MaxPairs caps the output. Default: 20.
	MaxPairs int
}

// Name implements Engine.
func (c CoEditCorrelator) Name() string { return "co-edit-correlator" }

// Analyze implements Engine. Confidence is shared buckets divided by the
// bucket count of the less active file.
func (c CoEditCorrelator) Analyze(ctx context.Context, ws WorkspaceState) ([]Result, error) {
	window := orDuration(c.Window, 24*time.Hour)
	bucket := orDuration(c.Bucket, 5*time.Minute)
	minSupport := orInt(c.MinSupport, 2)
	limit := orInt(c.MaxPairs, 20)

	from := ws.Now.Add(-window)
	buckets := make(map[int64]map[string]bool)
	for _, t := range ws.Touches {
		if !t.Timestamp.After(from) || t.Timestamp.After(ws.Now) {
			continue
		}
		b := t.Timestamp.UnixNano() / int64(bucket)
		if buckets[b] == nil {
			buckets[b] = make(map[string]bool)
		}
		buckets[b][t.Path] = true
	}

	perFile := make(map[string]int)
	pairs := make(map[[2]string]int)
	for _, files := range buckets {
		names := make([]string, 0, len(files))
		for f := range files {
			names = append(names, f)
			perFile[f]++
		}
		sort.Strings(names)
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				pairs[[2]string{names[i], names[j]}]++
			}
		}
	}

	results := make([]Result, 0)
	for pair, support := range pairs {
		if support < minSupport {
			continue
		}
		denom := perFile[pair[0]]
		if perFile[pair[1]] < denom {
			denom = perFile[pair[1]]
		}
		results = append(results, Result{
			ID:         "co-edit:" + pair[0] + "|" + pair[1],
			Kind:       KindCorrelation,
			Confidence: Clamp01(float64(support) / float64(denom)),
			Frequency:  support,
			Data:       map[string]any{"a": pair[0], "b": pair[1]},
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Frequency != results[j].Frequency {
			return results[i].Frequency > results[j].Frequency
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, ctx.Err()
}

// ===== Forecasting =====

// ForecastID is the result id of the next-hour load forecast.
const ForecastID = "load:next-hour"

// LoadForecaster predicts the next hour's cognitive load by blending the
// current reading with the feedback baseline.
//
// # Thread Safety
//
// Safe for concurrent use; Recalibrate may run while Analyze does.
type LoadForecaster struct {
	mu       sync.Mutex
	baseline Baseline
	set      bool
}

// NewLoadForecaster returns a forecaster with no baseline.
func NewLoadForecaster() *LoadForecaster {
	return &LoadForecaster{}
}

// Name implements Engine.
func (f *LoadForecaster) Name() string { return "load-forecaster" }

// Recalibrate implements Recalibrator.
func (f *LoadForecaster) Recalibrate(b Baseline) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseline = b
	f.set = true
}

// Baseline returns the baseline in use.
func (f *LoadForecaster) Baseline() Baseline {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baseline
}

// Analyze implements Engine. It emits one result whose Data carries
// "load" (float64) and "for" (RFC 3339 start of the next hour).
func (f *LoadForecaster) Analyze(ctx context.Context, ws WorkspaceState) ([]Result, error) {
	f.mu.Lock()
	b := f.baseline
	if !f.set || ws.Baseline.UpdatedAt.After(b.UpdatedAt) {
		b = ws.Baseline
	}
	f.mu.Unlock()

	load := ws.CognitiveLoad
	confidence := 0.5
	if b.Samples > 0 {
		load = 0.5*ws.CognitiveLoad + 0.5*b.Mean
		confidence = Clamp01(1 - b.MAE)
	}
	next := ws.Now.UTC().Truncate(time.Hour).Add(time.Hour)

	return []Result{{
		ID:         ForecastID,
		Kind:       KindForecast,
		Confidence: confidence,
		Frequency:  b.Samples,
		Data: map[string]any{
			"load": Clamp01(load),
			"for":  next.Format(time.RFC3339),
		},
	}}, ctx.Err()
}

// ===== ADR synthesis =====

// defaultDecisionVerbs mark a commit message as an architectural decision.
var defaultDecisionVerbs = []string{
	"adopt", "architecture", "deprecate", "introduce", "migrate",
	"refactor", "replace", "switch to",
}

// CommitADRSynthesizer turns commits whose messages read like architectural
// decisions into decision records.
type CommitADRSynthesizer struct {
	// Window is the lookback. Default: 7 days.
	Window time.Duration
	// Verbs overrides the decision keywords (lower case).
	Verbs []string
}

// Name implements Engine.
func (a CommitADRSynthesizer) Name() string { return "commit-adr-synthesizer" }

// Analyze implements Engine.
func (a CommitADRSynthesizer) Analyze(ctx context.Context, ws WorkspaceState) ([]Result, error) {
	window := orDuration(a.Window, 7*24*time.Hour)
	verbs := a.Verbs
	if len(verbs) == 0 {
		verbs = defaultDecisionVerbs
	}

	from := ws.Now.Add(-window)
	results := make([]Result, 0)
	for _, ev := range ws.Commits {
		if !ev.Timestamp.After(from) || ev.Timestamp.After(ws.Now) {
			continue
		}
		c := ev.Metadata.Commit
		msg := strings.ToLower(c.Message)
		matched := 0
		for _, v := range verbs {
			if strings.Contains(msg, v) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		title, _, _ := strings.Cut(c.Message, "\n")
		short := c.Hash
		if len(short) > 12 {
			short = short[:12]
		}
		results = append(results, Result{
			ID:         fmt.Sprintf("adr:%s", short),
			Kind:       KindDecision,
			Confidence: Clamp01(0.5 + 0.15*float64(matched)),
			Frequency:  len(c.Files),
			Data: map[string]any{
				"hash":      c.Hash,
				"title":     strings.TrimSpace(title),
				"timestamp": ev.Timestamp.UTC().Format(time.RFC3339),
			},
		})
	}
	return results, ctx.Err()
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
