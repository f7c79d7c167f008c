// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cycle is the Cognitive Cycle Engine: the periodic orchestrator
// that runs the analysis phases once per distinct input and fans the
// results out to the ledger, cache index, snapshot store, evolution log and
// aggregate store.
//
// # Concurrency
//
// One goroutine runs the main ticker and executes cycles; a second runs the
// watchdog. A cycle attempted while another is in flight is recorded as a
// reentrant skip and dropped; ticks are never queued. Stop signals both
// loops but never aborts a running cycle.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/cognition/services/cognition/aggregate"
	"github.com/AleutianAI/cognition/services/cognition/analysis"
	"github.com/AleutianAI/cognition/services/cognition/evolution"
	"github.com/AleutianAI/cognition/services/cognition/fault"
	"github.com/AleutianAI/cognition/services/cognition/index"
	"github.com/AleutianAI/cognition/services/cognition/ledger"
	"github.com/AleutianAI/cognition/services/cognition/snapshot"
	"github.com/AleutianAI/cognition/services/cognition/tracefeed"
)

// ErrNoLedger is returned by New when Deps.Ledger is nil.
var ErrNoLedger = errors.New("cycle: ledger is required")

// ===== Collaborators =====

// Ledger is the hash-chained cycle log.
type Ledger interface {
	AppendCycle(ctx context.Context, draft ledger.Draft) (ledger.Entry, error)
	Flush() error
	Status() ledger.Status
	Last() (ledger.Entry, bool)
}

// Index is the derived cache index.
type Index interface {
	EnsureFresh(ctx context.Context) (bool, error)
	UpdateIncremental(ctx context.Context, sum index.Summary, files []string) error
}

// Snapshots is the snapshot store.
type Snapshots interface {
	Save(cycleID int64, state snapshot.State) (snapshot.Snapshot, snapshot.IndexEntry, error)
}

// Evolution is the pattern evolution tracker.
type Evolution interface {
	Track(cycleID int64, ts time.Time, observed []evolution.Observation) ([]evolution.Record, error)
	Sync() error
}

// Aggregates is the hourly load and feedback store.
type Aggregates interface {
	RecordLoad(ctx context.Context, ts time.Time, sample aggregate.LoadSample) error
	HourLoad(ctx context.Context, ts time.Time) (aggregate.HourLoad, bool, error)
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Baseline(ctx context.Context) (analysis.Baseline, error)
	PutBaseline(ctx context.Context, b analysis.Baseline) error
	LastForecast(ctx context.Context) (aggregate.Forecast, bool, error)
	PutForecast(ctx context.Context, f aggregate.Forecast) error
}

// Trace is the raw trace input.
type Trace interface {
	Touches(from, to time.Time) ([]tracefeed.Touch, error)
	Commits(from, to time.Time) ([]tracefeed.CommitEvent, error)
	Digest() (string, error)
}

// Deps are the engine's collaborators. Only Ledger is required; a nil
// collaborator disables the matching fan-out step, and a nil analysis
// engine turns its phase into an empty success.
type Deps struct {
	Ledger     Ledger
	Index      Index
	Snapshots  Snapshots
	Evolution  Evolution
	Aggregates Aggregates
	Trace      Trace

	PatternLearner analysis.Engine
	Correlator     analysis.Engine
	Forecaster     analysis.Engine
	ADRSynthesizer analysis.Engine

	// IngestionLock, when it returns true, suppresses pattern learning.
	IngestionLock func() bool

	// Clock defaults to RealClock.
	Clock Clock
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Running         bool          `json:"running"`
	Period          time.Duration `json:"period"`
	CycleCount      int64         `json:"cycle_count"`
	LastCycleID     int64         `json:"last_cycle_id"`
	LastInputKey    string        `json:"last_input_key"`
	LastSuccess     time.Time     `json:"last_success"`
	Processed       int64         `json:"processed"`
	Skipped         int64         `json:"skipped"`
	PhaseFailures   int64         `json:"phase_failures"`
	PersistFailures int64         `json:"persist_failures"`
	Restarts        int64         `json:"restarts"`
}

// Engine is the Cognitive Cycle Engine.
//
// # Thread Safety
//
// Safe for concurrent use. RunCycle may be called directly while the
// ticker loop is running; the two never execute concurrently.
type Engine struct {
	cfg    Config
	deps   Deps
	clock  Clock
	logger *slog.Logger
	phases []phaseSpec

	inFlight atomic.Bool
	dog      watchdog
	restarts atomic.Int64

	// lifecycle
	lifeMu   sync.Mutex
	running  bool
	startCtx context.Context
	period   time.Duration
	stopCh   chan struct{}
	loops    sync.WaitGroup

	// cycle state
	mu           sync.Mutex
	cycleCount   int64
	lastCycleID  int64
	lastInputKey string
	universals   Universals
	history      *ringBuffer[Cycle]
	bootFailures []*fault.Error
	stats        Stats
	observers    []func(Cycle)
}

type phaseSpec struct {
	name   string
	engine analysis.Engine
}

// New returns a stopped Engine.
//
// # Inputs
//
//   - cfg: Engine settings. Zero values take defaults.
//   - deps: Collaborators. Deps.Ledger is required.
//
// # Outputs
//
//   - *Engine: Ready to Start or to RunCycle directly.
//   - error: ErrNoLedger or a validation error.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Ledger == nil {
		return nil, ErrNoLedger
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	clock := deps.Clock
	if clock == nil {
		clock = RealClock{}
	}
	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		clock:   clock,
		logger:  cfg.Logger.With("component", "cycle"),
		history: newRingBuffer[Cycle](cfg.HistorySize),
		phases: []phaseSpec{
			{PhasePatternLearning, deps.PatternLearner},
			{PhaseCorrelation, deps.Correlator},
			{PhaseForecasting, deps.Forecaster},
			{PhaseADRSynthesis, deps.ADRSynthesizer},
		},
	}
	e.syncFromLedger()
	return e, nil
}

// ===== Lifecycle =====

// Start begins periodic cycles.
//
// # Description
//
// Calling Start on a running engine stops it first. Start waits the
// warm-up delay, restores persisted artifacts (absence is a first boot),
// makes the cache index consistent with the ledger and hands the persisted
// feedback baseline to the forecaster. It then launches the main ticker at
// period and the watchdog at max(60s, 2*period) and returns.
//
// # Inputs
//
//   - ctx: Bounds the warm-up and the lifetime of both loops. Cycles run
//     with a context that is not canceled by ctx.
//   - period: Tick interval. Must be positive.
//
// # Outputs
//
//   - error: Non-nil if period is invalid or ctx ended during warm-up.
func (e *Engine) Start(ctx context.Context, period time.Duration) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.startLocked(ctx, period)
}

func (e *Engine) startLocked(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("cycle: period must be positive, got %s", period)
	}
	if e.running {
		e.stopLocked()
	}

	if e.cfg.WarmUp > 0 {
		select {
		case <-e.clock.After(e.cfg.WarmUp):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.restore(ctx)

	e.startCtx = ctx
	e.period = period
	e.stopCh = make(chan struct{})
	e.running = true
	e.dog.reset(e.clock.Now(), period)

	e.mu.Lock()
	e.stats.Running = true
	e.stats.Period = period
	e.mu.Unlock()

	e.loops.Add(2)
	go e.mainLoop(ctx, e.stopCh, period)
	go e.watchdogLoop(ctx, e.stopCh, period)

	e.logger.Info("cycle.started",
		"period", period,
		"watchdog_interval", WatchdogInterval(period),
		"last_cycle_id", e.Stats().LastCycleID,
	)
	return nil
}

// restore loads artifacts, reconciles counters with the ledger, repairs the
// index and seeds the forecaster. Every failure is non-fatal.
func (e *Engine) restore(ctx context.Context) {
	var failures []*fault.Error

	if e.cfg.ArtifactDir != "" {
		a, fs := loadArtifacts(e.cfg.ArtifactDir)
		failures = append(failures, fs...)
		e.mu.Lock()
		// A checkpoint only ever moves the engine forward. On a restart the
		// in-memory state may be newer than the last written checkpoint.
		if a.state.Version > 0 && a.state.LastCycleID >= e.lastCycleID {
			e.cycleCount = a.state.CycleCount
			e.lastCycleID = a.state.LastCycleID
			e.lastInputKey = a.state.LastInputHash
		}
		if a.universals.UpdatedAt.After(e.universals.UpdatedAt) {
			e.universals = a.universals
		}
		if e.history.len() == 0 {
			for _, c := range a.history {
				e.history.push(c)
			}
		}
		e.mu.Unlock()
		if len(fs) > 0 {
			e.logger.Info("cycle.first_boot", "missing", len(fs))
		}
	}
	e.syncFromLedger()

	if e.deps.Index != nil {
		rebuilt, err := e.deps.Index.EnsureFresh(ctx)
		if err != nil {
			failures = append(failures, fault.New(fault.KindPersistence, "index.ensure_fresh", err))
			e.logger.Warn("cycle.index_repair_failed", "error", err)
		} else if rebuilt {
			e.logger.Info("cycle.index_rebuilt")
		}
	}

	if e.deps.Aggregates != nil {
		if rc, ok := e.deps.Forecaster.(analysis.Recalibrator); ok {
			b, err := e.deps.Aggregates.Baseline(ctx)
			if err != nil {
				failures = append(failures, fault.New(fault.KindArtifactMissing, "aggregate.baseline", err))
			} else if b.Samples > 0 {
				rc.Recalibrate(b)
			}
		}
	}

	e.mu.Lock()
	e.bootFailures = failures
	e.mu.Unlock()
}

// syncFromLedger makes the counters at least as far as the ledger head, so
// a stale or missing checkpoint never reuses a cycle id.
func (e *Engine) syncFromLedger() {
	last, ok := e.deps.Ledger.Last()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if last.CycleID > e.lastCycleID {
		e.lastCycleID = last.CycleID
	}
	if e.lastCycleID > e.cycleCount {
		e.cycleCount = e.lastCycleID
	}
}

// Resync resets the cycle counters to the ledger head, moving them back if
// an operator repair truncated the ledger.
func (e *Engine) Resync() {
	last, _ := e.deps.Ledger.Last()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastCycleID = last.CycleID
	e.cycleCount = last.CycleID
	e.lastInputKey = ""
}

// Stop halts both loops. It is idempotent and does not wait for a cycle in
// flight; use Wait for that.
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if !e.running {
		return
	}
	close(e.stopCh)
	e.running = false
	e.mu.Lock()
	e.stats.Running = false
	e.mu.Unlock()
	e.logger.Info("cycle.stopped")
}

// Wait blocks until both loops have exited and any cycle they were running
// has completed, or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart stops and starts the engine with the last period. It is a no-op
// on an engine that was never started.
func (e *Engine) Restart() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.startCtx == nil {
		return nil
	}
	if err := e.startCtx.Err(); err != nil {
		return err
	}
	e.restarts.Add(1)
	e.mu.Lock()
	e.stats.Restarts = e.restarts.Load()
	e.mu.Unlock()
	return e.startLocked(e.startCtx, e.period)
}

func (e *Engine) mainLoop(ctx context.Context, stop <-chan struct{}, period time.Duration) {
	defer e.loops.Done()
	ticker := e.clock.NewTicker(period)
	defer ticker.Stop()
	cycleCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.RunCycle(cycleCtx)
		}
	}
}

func (e *Engine) watchdogLoop(ctx context.Context, stop <-chan struct{}, period time.Duration) {
	defer e.loops.Done()
	ticker := e.clock.NewTicker(WatchdogInterval(period))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			now := e.clock.Now()
			if !e.dog.check(now) {
				continue
			}
			e.logger.Warn("cycle.watchdog_breach",
				"last_success", e.dog.last(),
				"elapsed", now.Sub(e.dog.last()),
				"period", period,
			)
			recordWatchdogRestart(ctx)
			// Restart stops this loop; it must not run on it.
			go func() {
				if err := e.Restart(); err != nil {
					e.logger.Error("cycle.restart_failed", "error", err)
				}
			}()
		}
	}
}

// ===== Observation =====

// OnCycle registers fn to be called after every recorded cycle, skips
// included. fn runs on the cycle goroutine and must not block.
func (e *Engine) OnCycle(fn func(Cycle)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// Ready reports whether the engine can make progress, with a reason when
// it cannot.
func (e *Engine) Ready() (bool, string) {
	if st := e.deps.Ledger.Status(); st.SafeMode {
		return false, "ledger safe mode: " + st.CorruptionReason
	}
	e.mu.Lock()
	running := e.stats.Running
	e.mu.Unlock()
	if !running {
		return false, "engine not running"
	}
	return true, ""
}

// Stats returns counters and the current position.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.CycleCount = e.cycleCount
	s.LastCycleID = e.lastCycleID
	s.LastInputKey = e.lastInputKey
	s.LastSuccess = e.dog.last()
	return s
}

// History returns the most recent cycles, oldest first.
func (e *Engine) History() []Cycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.slice()
}

// Universals returns a copy of the latest derived state.
func (e *Engine) Universals() Universals {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.universals.clone()
}

// BootFailures returns the non-fatal failures of the last Start.
func (e *Engine) BootFailures() []*fault.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*fault.Error, len(e.bootFailures))
	copy(out, e.bootFailures)
	return out
}
