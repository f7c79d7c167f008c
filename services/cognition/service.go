// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cognition wires the cognitive cycle components into one service
// rooted at a storage directory and exposes the query surface used by the
// CLI and the HTTP API.
//
// # Storage Layout
//
//	<root>/.lock                              single-writer flock
//	<root>/cognition.yaml                     configuration
//	<root>/ledger/cycles.jsonl                hash-chained ledger
//	<root>/index/cache-index.json             derived cache index
//	<root>/snapshots/                         cognitive snapshots + index
//	<root>/evolution/pattern-evolution.jsonl  evolution log
//	<root>/state/                             engine checkpoints
//	<root>/aggregates/                        badger hourly load store
//	<root>/traces/                            raw trace input
//
// The index, snapshots and checkpoints are rebuildable caches. The ledger
// and the raw traces are the sources of truth.
package cognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/cognition/services/cognition/aggregate"
	"github.com/AleutianAI/cognition/services/cognition/analysis"
	"github.com/AleutianAI/cognition/services/cognition/config"
	"github.com/AleutianAI/cognition/services/cognition/cycle"
	"github.com/AleutianAI/cognition/services/cognition/evolution"
	"github.com/AleutianAI/cognition/services/cognition/index"
	"github.com/AleutianAI/cognition/services/cognition/ledger"
	"github.com/AleutianAI/cognition/services/cognition/reconstruct"
	"github.com/AleutianAI/cognition/services/cognition/snapshot"
	cbadger "github.com/AleutianAI/cognition/services/cognition/storage/badger"
	"github.com/AleutianAI/cognition/services/cognition/tracefeed"
)

// ErrClosed is returned by operations on a closed Service.
var ErrClosed = errors.New("cognition: service closed")

// Engines overrides the analysis collaborators. Nil fields use the
// default rule sets.
type Engines struct {
	PatternLearner analysis.Engine
	Correlator     analysis.Engine
	Forecaster     analysis.Engine
	ADRSynthesizer analysis.Engine
}

// Options are process-level settings that do not belong in the file.
type Options struct {
	Logger *slog.Logger

	// Clock drives the engine. Nil uses the wall clock.
	Clock cycle.Clock

	Engines Engines

	// IngestionLock suppresses pattern learning while it returns true.
	IngestionLock func() bool

	// InMemoryAggregates keeps the hourly load store in memory.
	InMemoryAggregates bool
}

// Stats combines the engine, ledger and index views.
type Stats struct {
	Engine        cycle.Stats   `json:"engine"`
	Ledger        ledger.Status `json:"ledger"`
	LedgerRecords int           `json:"ledger_records"`
	Index         index.Stats   `json:"index"`
	Ready         bool          `json:"ready"`
	NotReady      string        `json:"not_ready,omitempty"`
}

// Service owns every component under one root.
//
// # Thread Safety
//
// Safe for concurrent use. Only one Service may hold a root at a time,
// across processes.
type Service struct {
	cfg    config.Config
	logger *slog.Logger
	lock   *rootLock

	ledger    *ledger.FileLedger
	feed      *tracefeed.Feed
	index     *index.Store
	snapshots *snapshot.Store
	tracker   *evolution.Tracker
	db        *cbadger.DB
	loads     *aggregate.Store
	recon     *reconstruct.Reconstructor
	engine    *cycle.Engine
	recorder  *tracefeed.Recorder
	runID     string

	mu           sync.Mutex
	closed       bool
	stopRecorder context.CancelFunc
	recorderDone chan struct{}
}

// Open takes the root lock and opens every component.
//
// # Description
//
// A missing or corrupt index is rebuilt lazily by Start or RebuildIndex;
// Open only loads what is there. A corrupt ledger opens in safe mode and
// the engine reports not ready until Repair.
//
// # Outputs
//
//   - *Service: Open service. Call Close to release the root.
//   - error: ErrLocked, validation or open failures.
func Open(cfg config.Config, opts Options) (s *Service, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = cycle.RealClock{}
	}
	paths := cfg.Paths()

	lock, err := acquireLock(paths.Lock)
	if err != nil {
		return nil, err
	}

	s = &Service{cfg: cfg, logger: logger, lock: lock, runID: uuid.NewString()}
	defer func() {
		if err != nil {
			s.closeComponents()
		}
	}()

	if s.ledger, err = ledger.Open(ledger.Config{
		Path:       paths.Ledger,
		FlushEvery: cfg.Ledger.FlushEvery,
		Logger:     logger,
	}); err != nil {
		return nil, fmt.Errorf("cognition: open ledger: %w", err)
	}

	s.feed = tracefeed.NewFeed(paths.Traces)
	s.index = index.NewStore(index.Config{
		Path:   paths.Index,
		Window: cfg.Engine.AssociationWindow,
		Now:    clock.Now,
		Logger: logger,
	}, s.ledger, s.feed)
	if err := s.index.Load(); err != nil {
		logger.Info("cognition.index_unavailable", "error", err)
	}

	s.snapshots = snapshot.NewStore(snapshot.Config{
		Dir:                  paths.Snapshots,
		CompressionThreshold: cfg.Snapshot.CompressionThreshold,
		Retention:            cfg.Snapshot.Retention,
		Now:                  clock.Now,
		Logger:               logger,
	})

	if s.tracker, err = evolution.Open(evolution.Config{
		Path:       paths.Evolution,
		FlushEvery: cfg.Evolution.FlushEvery,
		Logger:     logger,
	}); err != nil {
		return nil, fmt.Errorf("cognition: open evolution log: %w", err)
	}

	dbCfg := cbadger.DefaultConfig(paths.Aggregate)
	if opts.InMemoryAggregates {
		dbCfg = cbadger.InMemoryConfig()
	}
	dbCfg.Logger = logger
	if s.db, err = cbadger.Open(dbCfg); err != nil {
		return nil, fmt.Errorf("cognition: open aggregates: %w", err)
	}
	s.loads = aggregate.New(s.db, logger)

	s.recon = reconstruct.New(reconstruct.Deps{
		Ledger:    s.ledger,
		Snapshots: s.snapshots,
		Evolution: s.tracker,
		Loads:     s.loads,
		Commits:   s.feed,
		Logger:    logger,
	})

	eng := opts.Engines
	if eng.PatternLearner == nil {
		eng.PatternLearner = analysis.HotFileLearner{}
	}
	if eng.Correlator == nil {
		eng.Correlator = analysis.CoEditCorrelator{}
	}
	if eng.Forecaster == nil {
		eng.Forecaster = analysis.NewLoadForecaster()
	}
	if eng.ADRSynthesizer == nil {
		eng.ADRSynthesizer = analysis.CommitADRSynthesizer{}
	}

	ec := cfg.Engine
	if s.engine, err = cycle.New(cycle.Config{
		ArtifactDir:        paths.Artifacts,
		WarmUp:             warmUp(ec.WarmUp),
		SnapshotEvery:      ec.SnapshotEvery,
		NormalizeEvery:     ec.NormalizeEvery,
		FeedbackEvery:      ec.FeedbackEvery,
		HistorySize:        ec.HistorySize,
		AssociationWindow:  ec.AssociationWindow,
		FoldInputDigest:    ec.FoldInputDigest,
		AggregateRetention: ec.AggregateRetention,
		RunID:              s.runID,
		Logger:             logger,
	}, cycle.Deps{
		Ledger:         s.ledger,
		Index:          s.index,
		Snapshots:      s.snapshots,
		Evolution:      s.tracker,
		Aggregates:     s.loads,
		Trace:          s.feed,
		PatternLearner: eng.PatternLearner,
		Correlator:     eng.Correlator,
		Forecaster:     eng.Forecaster,
		ADRSynthesizer: eng.ADRSynthesizer,
		IngestionLock:  opts.IngestionLock,
		Clock:          clock,
	}); err != nil {
		return nil, err
	}

	if cfg.Trace.Watch != "" {
		if s.recorder, err = tracefeed.NewRecorder(tracefeed.RecorderConfig{
			Root:      cfg.Trace.Watch,
			TracePath: s.feed.FileChangesPath(),
			Ignore:    cfg.Trace.Ignore,
			Logger:    logger,
		}); err != nil {
			return nil, fmt.Errorf("cognition: %w", err)
		}
	}

	logger.Info("cognition.opened",
		"root", cfg.Root,
		"mode", cfg.Mode,
		"run_id", s.runID,
		"safe_mode", s.ledger.Status().SafeMode,
	)
	return s, nil
}

// warmUp maps the file value, where 0 means none, onto cycle.Config,
// where 0 means the default.
func warmUp(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// ===== Lifecycle =====

// Start starts the recorder, when configured, and the engine at the
// configured period. It blocks for the warm-up.
func (s *Service) Start(ctx context.Context) error {
	return s.StartWithPeriod(ctx, s.cfg.Engine.Period)
}

// StartWithPeriod is Start with an explicit period.
func (s *Service) StartWithPeriod(ctx context.Context, period time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.recorder != nil && s.stopRecorder == nil {
		rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.stopRecorder = cancel
		s.recorderDone = make(chan struct{})
		go func(done chan struct{}) {
			defer close(done)
			if err := s.recorder.Start(rctx); err != nil {
				s.logger.Warn("cognition.recorder_failed", "error", err)
			}
		}(s.recorderDone)
	}
	s.mu.Unlock()
	return s.engine.Start(ctx, period)
}

// Stop halts the engine loops. A cycle in flight completes.
func (s *Service) Stop() {
	s.engine.Stop()
}

// Close stops everything, flushes the logs and releases the root.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.stopRecorder, s.recorderDone
	s.mu.Unlock()

	s.engine.Stop()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	if err := s.engine.Wait(waitCtx); err != nil {
		s.logger.Warn("cognition.close_wait_timeout", "error", err)
	}
	if cancel != nil {
		cancel()
		<-done
	}
	err := s.closeComponents()
	s.logger.Info("cognition.closed", "root", s.cfg.Root)
	return err
}

func (s *Service) closeComponents() error {
	var errs []error
	if s.recorder != nil {
		errs = append(errs, s.recorder.Stop())
	}
	if s.tracker != nil {
		errs = append(errs, s.tracker.Close())
	}
	if s.ledger != nil {
		errs = append(errs, s.ledger.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	errs = append(errs, s.lock.release())
	return errors.Join(errs...)
}

// ===== Engine operations =====

// RunCycle runs one cycle now.
func (s *Service) RunCycle(ctx context.Context) cycle.Cycle {
	return s.engine.RunCycle(ctx)
}

// OnCycle registers fn for every completed cycle, skips included.
func (s *Service) OnCycle(fn func(cycle.Cycle)) {
	s.engine.OnCycle(fn)
}

// Ready reports whether the engine is running and the ledger writable.
func (s *Service) Ready() (bool, string) {
	return s.engine.Ready()
}

// History returns the most recent cycles, oldest first.
func (s *Service) History() []cycle.Cycle {
	return s.engine.History()
}

// Universals returns the latest derived state.
func (s *Service) Universals() cycle.Universals {
	return s.engine.Universals()
}

// Verify checks the whole ledger chain.
func (s *Service) Verify() (ledger.VerifyResult, error) {
	return s.ledger.Verify()
}

// Repair truncates the ledger after its first broken entry, realigns the
// engine counters and rebuilds the index.
//
// # Outputs
//
//   - int: Entries removed.
//   - error: Repair or rebuild failure.
func (s *Service) Repair(ctx context.Context) (int, error) {
	removed, err := s.ledger.Repair()
	if err != nil {
		return 0, err
	}
	s.engine.Resync()
	if err := s.index.Rebuild(ctx); err != nil {
		return removed, fmt.Errorf("cognition: rebuild index after repair: %w", err)
	}
	return removed, nil
}

// RebuildIndex discards and regenerates the cache index.
func (s *Service) RebuildIndex(ctx context.Context) error {
	return s.index.Rebuild(ctx)
}

// ===== Queries =====

// CyclesForDay lists cycle ids for a YYYY-MM-DD day, ascending.
func (s *Service) CyclesForDay(day string) []int64 { return s.index.CyclesForDay(day) }

// CyclesForHour lists cycle ids for an hour of a day, ascending.
func (s *Service) CyclesForHour(day string, hour int) []int64 {
	return s.index.CyclesForHour(day, hour)
}

// CyclesForFile lists cycle ids associated with a file path or basename.
func (s *Service) CyclesForFile(name string) []int64 { return s.index.CyclesForFile(name) }

// Entry returns the index entry of a cycle.
func (s *Service) Entry(cycleID int64) (index.Entry, bool) { return s.index.Entry(cycleID) }

// Stats combines engine, ledger and index counters.
func (s *Service) Stats() Stats {
	ready, reason := s.engine.Ready()
	return Stats{
		Engine:        s.engine.Stats(),
		Ledger:        s.ledger.Status(),
		LedgerRecords: s.ledger.Len(),
		Index:         s.index.Stats(),
		Ready:         ready,
		NotReady:      reason,
	}
}

// ReconstructAt rebuilds the cognitive state at ts.
func (s *Service) ReconstructAt(ctx context.Context, ts time.Time, mode reconstruct.Mode) (reconstruct.State, error) {
	return s.recon.ReconstructAt(ctx, ts, mode)
}

// MetricEvolution returns a metric's series over [from, to].
func (s *Service) MetricEvolution(ctx context.Context, metric string, from, to time.Time) ([]reconstruct.Point, error) {
	return s.recon.MetricEvolution(ctx, metric, from, to)
}

// FindClosestSnapshot returns the snapshot nearest to ts.
func (s *Service) FindClosestSnapshot(ts time.Time) (snapshot.IndexEntry, bool, error) {
	return s.snapshots.FindClosest(ts)
}

// Snapshots lists the snapshot index.
func (s *Service) Snapshots() ([]snapshot.IndexEntry, error) { return s.snapshots.List() }

// Feed is the raw trace input, for hosts that append events directly.
func (s *Service) Feed() *tracefeed.Feed { return s.feed }

// Root returns the storage root.
func (s *Service) Root() string { return s.cfg.Root }

// RunID identifies this process in ledger entries.
func (s *Service) RunID() string { return s.runID }

// Config returns the configuration the service was opened with.
func (s *Service) Config() config.Config { return s.cfg }
