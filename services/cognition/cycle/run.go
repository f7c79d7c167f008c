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
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/cognition/services/cognition/aggregate"
	"github.com/AleutianAI/cognition/services/cognition/analysis"
	"github.com/AleutianAI/cognition/services/cognition/evolution"
	"github.com/AleutianAI/cognition/services/cognition/fault"
	"github.com/AleutianAI/cognition/services/cognition/index"
	"github.com/AleutianAI/cognition/services/cognition/ledger"
	"github.com/AleutianAI/cognition/services/cognition/snapshot"
	"github.com/AleutianAI/cognition/services/cognition/tracefeed"
)

// RunCycle executes one cycle and returns its record. It never returns an
// error: every failure is recorded in Cycle.Failures and the engine keeps
// going.
//
// # Description
//
// A call made while another cycle is in flight returns a reentrant skip.
// With the ledger in safe mode nothing is written and a not_ready skip is
// returned. When the idempotence key equals the previous one an unchanged
// skip is returned. Otherwise the four phases run in order, each isolated
// from the others' errors and panics, the summary is appended to the
// ledger and the fan-out steps run.
//
// # Thread Safety
//
// Safe for concurrent use; at most one call does work at a time.
func (e *Engine) RunCycle(ctx context.Context) Cycle {
	if !e.inFlight.CompareAndSwap(false, true) {
		rec := skipRecord(e.clock.Now(), "", SkipReentrant)
		rec.Failures = []*fault.Error{fault.New(fault.KindReentrant, "cycle.run", errors.New("cycle already in flight"))}
		e.finish(ctx, rec)
		return rec
	}
	defer e.inFlight.Store(false)

	ctx, span := tracer.Start(ctx, "cycle.Run")
	defer span.End()

	now := e.clock.Now()

	if st := e.deps.Ledger.Status(); st.SafeMode {
		rec := skipRecord(now, "", SkipNotReady)
		rec.Failures = []*fault.Error{fault.New(fault.KindLedgerCorrupt, "ledger.status", errors.New(st.CorruptionReason))}
		span.SetStatus(codes.Error, "ledger safe mode")
		e.dog.touch(now)
		e.finish(ctx, rec)
		return rec
	}

	var failures []*fault.Error
	digest, fs := e.inputDigest()
	failures = append(failures, fs...)

	e.mu.Lock()
	count := e.cycleCount
	lastKey := e.lastInputKey
	id := e.lastCycleID + 1
	e.mu.Unlock()

	key := InputKey(now, count, digest)
	span.SetAttributes(attribute.String("cycle.input_key", key))
	if key == lastKey {
		rec := skipRecord(now, key, SkipUnchanged)
		e.dog.touch(now)
		e.finish(ctx, rec)
		return rec
	}

	ws, fs := e.workspace(ctx, now)
	failures = append(failures, fs...)

	rec := Cycle{ID: id, StartedAt: now, InputKey: key}
	results := make(map[string][]analysis.Result, len(e.phases))
	locked := e.deps.IngestionLock != nil && e.deps.IngestionLock()
	for _, p := range e.phases {
		pr, res := e.runPhase(ctx, p, ws, locked)
		rec.Phases = append(rec.Phases, pr)
		if pr.Success {
			results[p.name] = res
			ws.Prior[p.name] = res
		} else {
			failures = append(failures, fault.New(fault.KindPhase, p.name, errors.New(pr.Error)))
		}
	}
	span.SetAttributes(attribute.Int64("cycle.id", id))

	entry, err := e.deps.Ledger.AppendCycle(ctx, ledger.Draft{
		CycleID:   id,
		Timestamp: now,
		RunID:     e.cfg.RunID,
		Phases:    digests(rec.Phases, results),
	})
	if err != nil {
		kind := fault.KindPersistence
		if errors.Is(err, ledger.ErrSafeMode) {
			kind = fault.KindLedgerCorrupt
		}
		failures = append(failures, fault.New(kind, "ledger.append", err))
		recordPersistFailure(ctx, "ledger.append")
		span.RecordError(err)
		e.logger.Error("cycle.ledger_append_failed", "cycle_id", id, "error", err)
	} else {
		rec.Persisted = true
		e.mu.Lock()
		e.lastCycleID = id
		e.cycleCount++
		e.lastInputKey = InputKey(now, e.cycleCount, digest)
		e.mu.Unlock()
		failures = append(failures, e.fanOut(ctx, entry, ws, results, locked)...)
	}

	rec.EndedAt = e.clock.Now()
	if rec.Persisted && e.cfg.ArtifactDir != "" && id%e.cfg.SnapshotEvery == 0 {
		rec.Failures = failures
		for _, f := range e.writeArtifacts(rec) {
			recordPersistFailure(ctx, f.Op)
			failures = append(failures, f)
		}
	}
	rec.Failures = failures
	rec.Success = rec.Persisted && len(failures) == 0
	if !rec.Success {
		span.SetStatus(codes.Error, "cycle completed with failures")
	}
	e.dog.touch(rec.EndedAt)
	e.finish(ctx, rec)
	return rec
}

// inputDigest returns the trace digest folded into the key, if enabled.
func (e *Engine) inputDigest() (string, []*fault.Error) {
	if !e.cfg.FoldInputDigest || e.deps.Trace == nil {
		return "", nil
	}
	d, err := e.deps.Trace.Digest()
	if err != nil {
		return "", []*fault.Error{fault.New(fault.KindArtifactMissing, "trace.digest", err)}
	}
	return d, nil
}

// workspace gathers the inputs of the analysis phases. Unreadable traces
// degrade to empty inputs.
func (e *Engine) workspace(ctx context.Context, now time.Time) (analysis.WorkspaceState, []*fault.Error) {
	ws := analysis.WorkspaceState{Now: now, Prior: make(map[string][]analysis.Result)}
	var failures []*fault.Error

	if e.deps.Trace != nil {
		from := now.Add(-e.cfg.ActivityWindow)
		touches, err := e.deps.Trace.Touches(from, now)
		if err != nil {
			failures = append(failures, fault.New(fault.KindArtifactMissing, "trace.touches", err))
		}
		commits, err := e.deps.Trace.Commits(from, now)
		if err != nil {
			failures = append(failures, fault.New(fault.KindArtifactMissing, "trace.commits", err))
		}
		ws.Touches = touches
		ws.Commits = commits
	}
	ws.CognitiveLoad = analysis.CognitiveLoad(ws.Touches, ws.Commits, now, e.cfg.LoadWindow)

	if e.deps.Aggregates != nil {
		b, err := e.deps.Aggregates.Baseline(ctx)
		if err != nil {
			failures = append(failures, fault.New(fault.KindArtifactMissing, "aggregate.baseline", err))
		}
		ws.Baseline = b
	}
	return ws, failures
}

// runPhase runs one analysis engine with panic recovery.
func (e *Engine) runPhase(ctx context.Context, p phaseSpec, ws analysis.WorkspaceState, locked bool) (pr PhaseResult, results []analysis.Result) {
	ctx, span := tracer.Start(ctx, "cycle.phase", trace.WithAttributes(attribute.String("phase", p.name)))
	started := time.Now()
	pr.Name = p.name

	defer func() {
		if r := recover(); r != nil {
			pr.Success = false
			pr.Error = fmt.Sprintf("panic: %v", r)
			pr.Metrics = map[string]any{"count": 0}
			results = nil
			e.logger.Error("cycle.phase_panic", "phase", p.name, "panic", r)
		}
		pr.Duration = time.Since(started)
		recordPhase(ctx, p.name, pr.Duration, pr.Success)
		if !pr.Success {
			span.SetStatus(codes.Error, pr.Error)
		}
		span.End()
	}()

	switch {
	case p.name == PhasePatternLearning && locked:
		pr.Success = true
		pr.Metrics = map[string]any{"count": 0, "ingestion_locked": true}
		return pr, []analysis.Result{}
	case p.engine == nil:
		pr.Success = true
		pr.Metrics = map[string]any{"count": 0, "disabled": true}
		return pr, []analysis.Result{}
	}

	res, err := p.engine.Analyze(ctx, ws)
	if err != nil {
		pr.Error = err.Error()
		pr.Metrics = map[string]any{"count": 0}
		e.logger.Warn("cycle.phase_failed", "phase", p.name, "engine", p.engine.Name(), "error", err)
		return pr, nil
	}
	if res == nil {
		res = []analysis.Result{}
	}
	pr.Success = true
	pr.Metrics = map[string]any{"count": len(res)}
	return pr, res
}

// digests builds the ledger projection: one {hash, count} per phase. A
// failed phase is committed as an empty result set.
func digests(phases []PhaseResult, results map[string][]analysis.Result) []ledger.PhaseDigest {
	out := make([]ledger.PhaseDigest, 0, len(phases))
	for _, p := range phases {
		res := results[p.Name]
		if res == nil {
			res = []analysis.Result{}
		}
		hash, err := ledger.DigestValue(res)
		if err != nil {
			hash, _ = ledger.DigestValue([]analysis.Result{})
		}
		out = append(out, ledger.PhaseDigest{Name: p.Name, Hash: hash, Count: len(res)})
	}
	return out
}

// ===== Fan-out =====

// fanOut runs the side effects of a persisted cycle. Every step is
// independent; failures are collected, never propagated.
func (e *Engine) fanOut(ctx context.Context, entry ledger.Entry, ws analysis.WorkspaceState, results map[string][]analysis.Result, locked bool) []*fault.Error {
	var failures []*fault.Error
	fail := func(op string, err error) {
		failures = append(failures, fault.New(fault.KindPersistence, op, err))
		recordPersistFailure(ctx, op)
		e.logger.Warn("cycle.fanout_failed", "cycle_id", entry.CycleID, "op", op, "error", err)
	}
	id := entry.CycleID

	if e.deps.Index != nil {
		files := index.AssociateFiles(entry.Timestamp, ws.Touches, e.cfg.AssociationWindow)
		if err := e.deps.Index.UpdateIncremental(ctx, index.SummaryOf(entry), files); err != nil {
			fail("index.update", err)
		}
	}

	patterns, learned := results[PhasePatternLearning]
	if e.deps.Evolution != nil && learned && !locked {
		if _, err := e.deps.Evolution.Track(id, entry.Timestamp, observations(patterns)); err != nil {
			fail("evolution.track", err)
		}
	}

	edits, commits := analysis.CountActivity(ws.Touches, ws.Commits, ws.Now, e.cfg.LoadWindow)
	if e.deps.Aggregates != nil {
		if err := e.deps.Aggregates.RecordLoad(ctx, entry.Timestamp, aggregate.LoadSample{
			Edits: edits, Commits: commits, Load: ws.CognitiveLoad,
		}); err != nil {
			fail("aggregate.record_load", err)
		}
		// Feedback compares the previous forecast with the hour just
		// recorded, so it runs before this cycle's forecast replaces it.
		if id%e.cfg.FeedbackEvery == 0 {
			failures = append(failures, e.recalibrate(ctx, entry.Timestamp)...)
		}
		if f, ok := forecastOf(results[PhaseForecasting], entry.Timestamp); ok {
			if err := e.deps.Aggregates.PutForecast(ctx, f); err != nil {
				fail("aggregate.put_forecast", err)
			}
		}
	}

	e.mu.Lock()
	e.updateUniversalsLocked(results, ws, locked)
	universals := e.universals.clone()
	e.mu.Unlock()

	if id%e.cfg.SnapshotEvery == 0 && e.deps.Snapshots != nil {
		state := snapshot.State{
			Patterns:      universals.Patterns,
			Forecasts:     universals.Forecasts,
			Correlations:  universals.Correlations,
			CognitiveLoad: ws.CognitiveLoad,
			LastCommit:    lastCommit(ws.Commits),
			ActiveFiles:   activeFiles(ws.Touches, ws.Now, e.cfg.LoadWindow),
		}
		if _, _, err := e.deps.Snapshots.Save(id, state); err != nil {
			fail("snapshot.save", err)
		} else {
			recordSnapshotSave(ctx)
		}
	}

	if id%e.cfg.NormalizeEvery == 0 {
		failures = append(failures, e.normalize(ctx, entry.Timestamp)...)
	}
	return failures
}

func observations(patterns []analysis.Result) []evolution.Observation {
	out := make([]evolution.Observation, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, evolution.Observation{PatternID: p.ID, Confidence: p.Confidence, Frequency: p.Frequency})
	}
	return out
}

// forecastOf extracts the next-hour load forecast, if one was produced.
func forecastOf(results []analysis.Result, madeAt time.Time) (aggregate.Forecast, bool) {
	for _, r := range results {
		if r.ID != analysis.ForecastID {
			continue
		}
		load, ok := r.Data["load"].(float64)
		if !ok {
			return aggregate.Forecast{}, false
		}
		s, _ := r.Data["for"].(string)
		at, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return aggregate.Forecast{}, false
		}
		return aggregate.Forecast{For: at, Load: load, MadeAt: madeAt.UTC()}, true
	}
	return aggregate.Forecast{}, false
}

// updateUniversalsLocked replaces the results of every phase that
// succeeded. Failed phases keep their previous results.
func (e *Engine) updateUniversalsLocked(results map[string][]analysis.Result, ws analysis.WorkspaceState, locked bool) {
	// An ingestion-locked run carries no information about patterns.
	if r, ok := results[PhasePatternLearning]; ok && !locked {
		e.universals.Patterns = cloneResults(r)
	}
	if r, ok := results[PhaseCorrelation]; ok {
		e.universals.Correlations = cloneResults(r)
	}
	if r, ok := results[PhaseForecasting]; ok {
		e.universals.Forecasts = cloneResults(r)
	}
	if r, ok := results[PhaseADRSynthesis]; ok {
		e.universals.Decisions = cloneResults(r)
	}
	e.universals.CognitiveLoad = ws.CognitiveLoad
	e.universals.UpdatedAt = ws.Now.UTC()
}

func lastCommit(commits []tracefeed.CommitEvent) *snapshot.CommitContext {
	if len(commits) == 0 {
		return nil
	}
	c := commits[len(commits)-1]
	return &snapshot.CommitContext{
		Hash:      c.Metadata.Commit.Hash,
		Message:   c.Metadata.Commit.Message,
		Author:    c.Metadata.Commit.Author,
		Timestamp: c.Timestamp,
	}
}

// activeFiles returns the distinct paths touched in the window before now,
// most recent first.
func activeFiles(touches []tracefeed.Touch, now time.Time, window time.Duration) []string {
	latest := make(map[string]time.Time)
	from := now.Add(-window)
	for _, t := range touches {
		if t.Timestamp.After(from) && !t.Timestamp.After(now) && t.Type != tracefeed.ChangeDelete {
			if t.Timestamp.After(latest[t.Path]) {
				latest[t.Path] = t.Timestamp
			}
		}
	}
	out := make([]string, 0, len(latest))
	for p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !latest[out[i]].Equal(latest[out[j]]) {
			return latest[out[i]].After(latest[out[j]])
		}
		return out[i] < out[j]
	})
	if len(out) > DefaultActiveFilesLimit {
		out = out[:DefaultActiveFilesLimit]
	}
	return out
}

// writeArtifacts checkpoints the engine. current is included in the
// persisted history since it is recorded only after this returns.
func (e *Engine) writeArtifacts(current Cycle) []*fault.Error {
	e.mu.Lock()
	history := append(e.history.slice(), current)
	if len(history) > e.cfg.HistorySize {
		history = history[len(history)-e.cfg.HistorySize:]
	}
	a := artifacts{
		state: PersistedState{
			Version:       artifactVersion,
			CycleCount:    e.cycleCount,
			LastCycleID:   e.lastCycleID,
			LastInputHash: e.lastInputKey,
			Timestamp:     current.StartedAt.UTC(),
		},
		universals: e.universals.clone(),
		history:    history,
	}
	e.mu.Unlock()
	return writeArtifacts(e.cfg.ArtifactDir, a)
}

// normalize clamps and floors universal patterns, forces the evolution log
// to disk and prunes expired load buckets.
func (e *Engine) normalize(ctx context.Context, now time.Time) []*fault.Error {
	var failures []*fault.Error

	e.mu.Lock()
	kept, dropped := normalizePatterns(e.universals.Patterns, e.cfg.PatternFloor)
	e.universals.Patterns = kept
	e.mu.Unlock()

	if e.deps.Evolution != nil {
		if err := e.deps.Evolution.Sync(); err != nil {
			failures = append(failures, fault.New(fault.KindPersistence, "evolution.sync", err))
		}
	}
	pruned := 0
	if e.deps.Aggregates != nil {
		n, err := e.deps.Aggregates.Prune(ctx, now.Add(-e.cfg.AggregateRetention))
		if err != nil {
			failures = append(failures, fault.New(fault.KindPersistence, "aggregate.prune", err))
		}
		pruned = n
	}
	e.logger.Info("cycle.normalized", "dropped_patterns", dropped, "pruned_buckets", pruned)
	return failures
}

// recalibrate compares the last forecast whose hour has been observed with
// the recorded load, updates the baseline and hands it to the forecaster.
func (e *Engine) recalibrate(ctx context.Context, now time.Time) []*fault.Error {
	if e.deps.Aggregates == nil {
		return nil
	}
	fail := func(op string, err error) []*fault.Error {
		return []*fault.Error{fault.New(fault.KindPersistence, op, err)}
	}

	f, ok, err := e.deps.Aggregates.LastForecast(ctx)
	if err != nil {
		return fail("aggregate.last_forecast", err)
	}
	if !ok || f.For.After(now) {
		return nil
	}
	observed, ok, err := e.deps.Aggregates.HourLoad(ctx, f.For)
	if err != nil {
		return fail("aggregate.hour_load", err)
	}
	if !ok {
		return nil
	}
	b, err := e.deps.Aggregates.Baseline(ctx)
	if err != nil {
		return fail("aggregate.baseline", err)
	}
	nb := UpdateBaseline(b, f.Load, observed.Load, e.cfg.FeedbackAlpha, now)
	if err := e.deps.Aggregates.PutBaseline(ctx, nb); err != nil {
		return fail("aggregate.put_baseline", err)
	}
	if rc, ok := e.deps.Forecaster.(analysis.Recalibrator); ok {
		rc.Recalibrate(nb)
	}
	e.logger.Info("cycle.recalibrated",
		"forecast", f.Load,
		"observed", observed.Load,
		"mean", nb.Mean,
		"mae", nb.MAE,
		"samples", nb.Samples,
	)
	return nil
}

// ===== Bookkeeping =====

// finish records rec in history and stats and notifies observers.
func (e *Engine) finish(ctx context.Context, rec Cycle) {
	e.mu.Lock()
	e.history.push(rec)
	if rec.Skipped {
		e.stats.Skipped++
	} else {
		e.stats.Processed++
		for _, p := range rec.Phases {
			if !p.Success {
				e.stats.PhaseFailures++
			}
		}
		for _, f := range rec.Failures {
			if f.Kind == fault.KindPersistence || f.Kind == fault.KindLedgerCorrupt {
				e.stats.PersistFailures++
			}
		}
	}
	observers := make([]func(Cycle), len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()

	if rec.Skipped {
		recordSkipped(ctx, rec.SkipReason)
		e.logger.Debug("cycle.skipped", "reason", rec.SkipReason, "input_key", rec.InputKey)
	} else {
		recordProcessed(ctx, rec.EndedAt.Sub(rec.StartedAt), rec.Success)
		e.logger.Info("cycle.completed",
			"cycle_id", rec.ID,
			"persisted", rec.Persisted,
			"success", rec.Success,
			"failures", len(rec.Failures),
			"input_key", rec.InputKey,
		)
	}
	for _, fn := range observers {
		fn(rec)
	}
}
