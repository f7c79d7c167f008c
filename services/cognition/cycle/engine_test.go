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
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cognition/services/cognition/aggregate"
	"github.com/AleutianAI/cognition/services/cognition/analysis"
	"github.com/AleutianAI/cognition/services/cognition/evolution"
	"github.com/AleutianAI/cognition/services/cognition/fault"
	"github.com/AleutianAI/cognition/services/cognition/index"
	"github.com/AleutianAI/cognition/services/cognition/ledger"
	"github.com/AleutianAI/cognition/services/cognition/snapshot"
	cbadger "github.com/AleutianAI/cognition/services/cognition/storage/badger"
	"github.com/AleutianAI/cognition/services/cognition/tracefeed"
)

var base = time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)

// ===== Manual clock =====

type fakeTicker struct {
	d       time.Duration
	c       chan time.Time
	stopped atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{d: d, c: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// After fires immediately.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// tick delivers one tick to the newest live ticker of period d.
func (c *fakeClock) tick(d time.Duration) bool {
	c.mu.Lock()
	var target *fakeTicker
	for i := len(c.tickers) - 1; i >= 0; i-- {
		if t := c.tickers[i]; t.d == d && !t.stopped.Load() {
			target = t
			break
		}
	}
	now := c.now
	c.mu.Unlock()
	if target == nil {
		return false
	}
	target.c <- now
	return true
}

func (c *fakeClock) created(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if t.d == d {
			n++
		}
	}
	return n
}

func (c *fakeClock) live(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if t.d == d && !t.stopped.Load() {
			n++
		}
	}
	return n
}

// ===== Fixture =====

// flakyLedger fails the next failNext appends and can fake safe mode.
type flakyLedger struct {
	*ledger.FileLedger
	failNext atomic.Int32
	safe     atomic.Bool
}

func (f *flakyLedger) AppendCycle(ctx context.Context, d ledger.Draft) (ledger.Entry, error) {
	if f.failNext.Add(-1) >= 0 {
		return ledger.Entry{}, errors.New("disk full")
	}
	f.failNext.Store(0)
	return f.FileLedger.AppendCycle(ctx, d)
}

func (f *flakyLedger) Status() ledger.Status {
	if f.safe.Load() {
		return ledger.Status{SafeMode: true, CorruptionReason: "chain digest mismatch at entry 3"}
	}
	return f.FileLedger.Status()
}

type fixture struct {
	dir       string
	clock     *fakeClock
	ledger    *flakyLedger
	index     *index.Store
	snapshots *snapshot.Store
	tracker   *evolution.Tracker
	loads     *aggregate.Store
	feed      *tracefeed.Feed
	deps      Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	clock := newFakeClock(base)

	l, err := ledger.Open(ledger.Config{Path: filepath.Join(dir, "ledger.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	fl := &flakyLedger{FileLedger: l}

	tracker, err := evolution.Open(evolution.Config{Path: filepath.Join(dir, "evolution.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })

	db, err := cbadger.Open(cbadger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	feed := tracefeed.NewFeed(filepath.Join(dir, "traces"))
	f := &fixture{
		dir:       dir,
		clock:     clock,
		ledger:    fl,
		index:     index.NewStore(index.Config{Path: filepath.Join(dir, "index.json"), Now: clock.Now}, l, feed),
		snapshots: snapshot.NewStore(snapshot.Config{Dir: filepath.Join(dir, "snapshots"), Now: clock.Now}),
		tracker:   tracker,
		loads:     aggregate.New(db, nil),
		feed:      feed,
	}
	f.deps = Deps{
		Ledger:         fl,
		Index:          f.index,
		Snapshots:      f.snapshots,
		Evolution:      tracker,
		Aggregates:     f.loads,
		Trace:          feed,
		PatternLearner: analysis.HotFileLearner{MinEdits: 1},
		Correlator:     analysis.CoEditCorrelator{},
		Forecaster:     analysis.NewLoadForecaster(),
		ADRSynthesizer: analysis.CommitADRSynthesizer{},
		Clock:          clock,
	}
	return f
}

func (f *fixture) engine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.WarmUp == 0 {
		cfg.WarmUp = -1
	}
	e, err := New(cfg, f.deps)
	require.NoError(t, err)
	return e
}

// touch appends a file change at the current clock time.
func (f *fixture) touch(t *testing.T, path string) {
	t.Helper()
	var ev tracefeed.FileChangeEvent
	ev.Timestamp = f.clock.Now()
	ev.Metadata.Changes = []tracefeed.Change{{Path: path, Type: tracefeed.ChangeModify}}
	require.NoError(t, tracefeed.AppendFileChange(f.feed.FileChangesPath(), ev))
}

func (f *fixture) commit(t *testing.T, hash, msg string) {
	t.Helper()
	var ev tracefeed.CommitEvent
	ev.Timestamp = f.clock.Now()
	ev.Metadata.Commit = tracefeed.Commit{Hash: hash, Message: msg, Author: "dev"}
	require.NoError(t, tracefeed.AppendCommit(f.feed.CommitsPath(), ev))
}

// ===== RunCycle =====

func TestNew_RequiresLedger(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.ErrorIs(t, err, ErrNoLedger)

	f := newFixture(t)
	_, err = New(Config{PatternFloor: 2}, f.deps)
	assert.Error(t, err)
}

func TestRunCycle_IdempotentSkip(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{})
	f.touch(t, "a.go")
	ctx := context.Background()

	first := e.RunCycle(ctx)
	require.True(t, first.Persisted)
	assert.Equal(t, int64(1), first.ID)
	assert.False(t, first.Skipped)
	assert.True(t, first.Success, "failures: %v", first.Failures)
	require.Len(t, first.Phases, 4)
	for i, p := range first.Phases {
		assert.Equal(t, PhaseOrder[i], p.Name)
		assert.True(t, p.Success)
	}

	f.clock.Advance(10 * time.Second)
	second := e.RunCycle(ctx)
	assert.True(t, second.Skipped)
	assert.Equal(t, SkipUnchanged, second.SkipReason)
	assert.Equal(t, int64(0), second.ID)
	assert.True(t, second.Success)
	for _, p := range second.Phases {
		assert.Zero(t, p.Duration)
	}

	assert.Equal(t, 1, f.ledger.Len())
	entry, ok := f.ledger.Last()
	require.True(t, ok)
	n, ok := entry.PhaseCount(PhasePatternLearning)
	require.True(t, ok)
	assert.Equal(t, 1, n)

	hist := e.History()
	require.Len(t, hist, 2)
	assert.Equal(t, int64(1), hist[0].ID)
	assert.True(t, hist[1].Skipped)

	st := e.Stats()
	assert.Equal(t, int64(1), st.Processed)
	assert.Equal(t, int64(1), st.Skipped)
	assert.Equal(t, int64(1), st.LastCycleID)

	// A new day is new input.
	f.clock.Advance(24 * time.Hour)
	third := e.RunCycle(ctx)
	assert.Equal(t, int64(2), third.ID)
	assert.True(t, third.Persisted)
}

func TestRunCycle_FoldInputDigest(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{FoldInputDigest: true})
	ctx := context.Background()

	f.touch(t, "a.go")
	assert.True(t, e.RunCycle(ctx).Persisted)

	f.clock.Advance(time.Second)
	assert.Equal(t, SkipUnchanged, e.RunCycle(ctx).SkipReason)

	f.touch(t, "b.go")
	rec := e.RunCycle(ctx)
	assert.True(t, rec.Persisted)
	assert.Equal(t, int64(2), rec.ID)
}

func TestRunCycle_PhaseIsolation(t *testing.T) {
	f := newFixture(t)
	var adrSaw map[string][]analysis.Result
	f.deps.Correlator = analysis.NewFunc("broken", func(context.Context, analysis.WorkspaceState) ([]analysis.Result, error) {
		return nil, errors.New("correlator offline")
	})
	f.deps.Forecaster = analysis.NewFunc("panicky", func(context.Context, analysis.WorkspaceState) ([]analysis.Result, error) {
		panic("index out of range")
	})
	f.deps.ADRSynthesizer = analysis.NewFunc("spy", func(_ context.Context, ws analysis.WorkspaceState) ([]analysis.Result, error) {
		adrSaw = ws.Prior
		return []analysis.Result{{ID: "adr:1", Kind: analysis.KindDecision}}, nil
	})
	e := f.engine(t, Config{})
	f.touch(t, "a.go")

	rec := e.RunCycle(context.Background())
	require.True(t, rec.Persisted)
	assert.False(t, rec.Success)

	corr, _ := rec.Phase(PhaseCorrelation)
	assert.False(t, corr.Success)
	assert.Equal(t, "correlator offline", corr.Error)
	fc, _ := rec.Phase(PhaseForecasting)
	assert.False(t, fc.Success)
	assert.Contains(t, fc.Error, "panic: index out of range")
	adr, _ := rec.Phase(PhaseADRSynthesis)
	assert.True(t, adr.Success)
	assert.Equal(t, 1, adr.Metrics["count"])

	assert.Contains(t, adrSaw, PhasePatternLearning)
	assert.NotContains(t, adrSaw, PhaseCorrelation, "failed phases are absent from Prior")

	phaseFailures := 0
	for _, fl := range rec.Failures {
		if fl.Kind == fault.KindPhase {
			phaseFailures++
		}
	}
	assert.Equal(t, 2, phaseFailures)

	entry, _ := f.ledger.Last()
	n, _ := entry.PhaseCount(PhaseForecasting)
	assert.Equal(t, 0, n)
	n, _ = entry.PhaseCount(PhaseADRSynthesis)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(2), e.Stats().PhaseFailures)
}

func TestRunCycle_NilEngineIsDisabledPhase(t *testing.T) {
	f := newFixture(t)
	f.deps.ADRSynthesizer = nil
	e := f.engine(t, Config{})

	rec := e.RunCycle(context.Background())
	adr, ok := rec.Phase(PhaseADRSynthesis)
	require.True(t, ok)
	assert.True(t, adr.Success)
	assert.Equal(t, true, adr.Metrics["disabled"])
}

func TestRunCycle_Reentrant(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.deps.PatternLearner = analysis.NewFunc("slow", func(context.Context, analysis.WorkspaceState) ([]analysis.Result, error) {
		once.Do(func() { close(entered) })
		<-release
		return nil, nil
	})
	e := f.engine(t, Config{})

	done := make(chan Cycle)
	go func() { done <- e.RunCycle(context.Background()) }()
	<-entered

	skip := e.RunCycle(context.Background())
	assert.True(t, skip.Skipped)
	assert.Equal(t, SkipReentrant, skip.SkipReason)
	assert.False(t, skip.Success)
	assert.True(t, skip.Failed(fault.KindReentrant))

	close(release)
	first := <-done
	assert.True(t, first.Persisted)
	assert.Equal(t, 1, f.ledger.Len())

	// The guard is released after the in-flight cycle.
	f.clock.Advance(24 * time.Hour)
	assert.True(t, e.RunCycle(context.Background()).Persisted)
}

func TestRunCycle_PanicReleasesGuard(t *testing.T) {
	f := newFixture(t)
	f.deps.PatternLearner = analysis.NewFunc("boom", func(context.Context, analysis.WorkspaceState) ([]analysis.Result, error) {
		panic(errors.New("boom"))
	})
	e := f.engine(t, Config{})

	rec := e.RunCycle(context.Background())
	assert.True(t, rec.Persisted)
	assert.True(t, rec.Failed(fault.KindPhase))

	f.clock.Advance(24 * time.Hour)
	next := e.RunCycle(context.Background())
	assert.False(t, next.Skipped)
	assert.Equal(t, int64(2), next.ID)
}

func TestRunCycle_SafeModeIsNotReady(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{})
	f.ledger.safe.Store(true)

	rec := e.RunCycle(context.Background())
	assert.True(t, rec.Skipped)
	assert.Equal(t, SkipNotReady, rec.SkipReason)
	assert.True(t, rec.Failed(fault.KindLedgerCorrupt))
	assert.Equal(t, 0, f.ledger.Len())

	ready, reason := e.Ready()
	assert.False(t, ready)
	assert.Contains(t, reason, "chain digest mismatch")
}

func TestRunCycle_LedgerFailureRetriesSameID(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{SnapshotEvery: 1})
	f.ledger.failNext.Store(1)

	failed := e.RunCycle(context.Background())
	assert.False(t, failed.Persisted)
	assert.False(t, failed.Success)
	assert.Equal(t, int64(1), failed.ID)
	assert.True(t, failed.Failed(fault.KindPersistence))
	assert.Equal(t, 0, f.ledger.Len())
	assert.Empty(t, f.index.Entries(), "no fan-out without a ledger entry")
	assert.Equal(t, int64(1), e.Stats().PersistFailures)

	f.clock.Advance(10 * time.Second)
	retry := e.RunCycle(context.Background())
	assert.True(t, retry.Persisted, "failures: %v", retry.Failures)
	assert.Equal(t, int64(1), retry.ID)
	assert.Equal(t, 1, f.ledger.Len())
	_, ok := f.index.Entry(1)
	assert.True(t, ok)
}

func TestRunCycle_IngestionLock(t *testing.T) {
	f := newFixture(t)
	var locked atomic.Bool
	locked.Store(true)
	f.deps.IngestionLock = locked.Load
	e := f.engine(t, Config{})
	f.touch(t, "a.go")

	rec := e.RunCycle(context.Background())
	require.True(t, rec.Persisted)
	pl, _ := rec.Phase(PhasePatternLearning)
	assert.True(t, pl.Success)
	assert.Equal(t, true, pl.Metrics["ingestion_locked"])
	assert.Equal(t, 0, pl.Metrics["count"])
	assert.Empty(t, f.tracker.Active(), "no evolution tracking while locked")

	locked.Store(false)
	f.clock.Advance(24 * time.Hour)
	f.touch(t, "a.go")
	rec = e.RunCycle(context.Background())
	pl, _ = rec.Phase(PhasePatternLearning)
	assert.Nil(t, pl.Metrics["ingestion_locked"])
	assert.Equal(t, []string{"hot-file:a.go"}, f.tracker.Active())
}

func TestRunCycle_FanOut(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{SnapshotEvery: 2, ArtifactDir: filepath.Join(f.dir, "artifacts")})
	ctx := context.Background()

	f.touch(t, "svc/a.go")
	f.clock.Advance(5 * time.Second)
	f.commit(t, "abc123", "Adopt badger for aggregates")
	f.clock.Advance(5 * time.Second)
	require.True(t, e.RunCycle(ctx).Persisted)

	entry, ok := f.index.Entry(1)
	require.True(t, ok)
	assert.Equal(t, []string{"svc/a.go"}, entry.Files)
	assert.Equal(t, []int64{1}, f.index.CyclesForFile("a.go"))

	h, ok, err := f.loads.HourLoad(ctx, f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, h.Edits)
	assert.Equal(t, 1, h.Commits)
	assert.Greater(t, h.Load, 0.0)

	fc, ok, err := f.loads.LastForecast(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Hour), fc.For)

	snap, err := f.snapshots.Load(1)
	require.NoError(t, err)
	assert.Nil(t, snap, "not a snapshot cycle")

	f.clock.Advance(24 * time.Hour)
	f.touch(t, "svc/b.go")
	require.True(t, e.RunCycle(ctx).Persisted)

	snap, err = f.snapshots.Load(2)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, [2]int64{1, 2}, snap.Range)
	assert.Equal(t, []string{"svc/b.go"}, snap.State.ActiveFiles)
	require.Len(t, snap.State.Patterns, 1)
	assert.Equal(t, "hot-file:svc/b.go", snap.State.Patterns[0].ID)
	assert.FileExists(t, filepath.Join(f.dir, "artifacts", StateFile))

	u := e.Universals()
	require.Len(t, u.Decisions, 0, "the commit is outside the window now")
	require.Len(t, u.Forecasts, 1)
}

func TestRunCycle_NormalizeAndFeedback(t *testing.T) {
	f := newFixture(t)
	f.deps.PatternLearner = analysis.NewFunc("fixed", func(context.Context, analysis.WorkspaceState) ([]analysis.Result, error) {
		return []analysis.Result{
			{ID: "p:strong", Kind: analysis.KindPattern, Confidence: 1.4},
			{ID: "p:weak", Kind: analysis.KindPattern, Confidence: 0.01},
		}, nil
	})
	forecaster := analysis.NewLoadForecaster()
	f.deps.Forecaster = forecaster
	e := f.engine(t, Config{NormalizeEvery: 2, FeedbackEvery: 2})
	ctx := context.Background()

	old := base.Add(-100 * 24 * time.Hour)
	require.NoError(t, f.loads.RecordLoad(ctx, old, aggregate.LoadSample{Load: 0.9}))

	// Cycle 1 at 23:10 forecasts 00:00 of the next day.
	f.clock.Set(time.Date(2026, 9, 14, 23, 10, 0, 0, time.UTC))
	f.touch(t, "a.go")
	require.True(t, e.RunCycle(ctx).Persisted)
	assert.Len(t, e.Universals().Patterns, 2)

	// Cycle 2 at 00:20 observes that hour and runs both sweeps.
	f.clock.Set(time.Date(2026, 9, 15, 0, 20, 0, 0, time.UTC))
	f.touch(t, "a.go")
	f.touch(t, "b.go")
	rec := e.RunCycle(ctx)
	require.True(t, rec.Persisted)
	assert.Empty(t, rec.Failures)

	u := e.Universals()
	require.Len(t, u.Patterns, 1)
	assert.Equal(t, "p:strong", u.Patterns[0].ID)
	assert.Equal(t, 1.0, u.Patterns[0].Confidence)

	_, ok, err := f.loads.HourLoad(ctx, old)
	require.NoError(t, err)
	assert.False(t, ok, "expired bucket pruned")

	b, err := f.loads.Baseline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Samples)
	h, _, err := f.loads.HourLoad(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.InDelta(t, h.Load, b.Mean, 1e-9)
	assert.Equal(t, b, forecaster.Baseline())
}

func TestScenario_TwentyFiveTicks(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{SnapshotEvery: 10, FoldInputDigest: true})
	ctx := context.Background()

	for i := 1; i <= 25; i++ {
		f.touch(t, fmt.Sprintf("pkg/file%02d.go", i%4))
		rec := e.RunCycle(ctx)
		require.True(t, rec.Persisted, "tick %d: %v", i, rec.Failures)
		require.Equal(t, int64(i), rec.ID)
		f.clock.Advance(10 * time.Second)
	}

	assert.Equal(t, 25, f.ledger.Len())
	for id, want := range map[int64]bool{10: true, 20: true, 25: false} {
		snap, err := f.snapshots.Load(id)
		require.NoError(t, err)
		assert.Equal(t, want, snap != nil, "snapshot %d", id)
	}

	ids := f.index.CyclesForDay("2026-09-14")
	require.Len(t, ids, 25)
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id)
	}

	res, err := f.ledger.Verify()
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

// ===== Lifecycle =====

func TestStart_RejectsBadPeriod(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{})
	assert.Error(t, e.Start(context.Background(), 0))
}

func TestStart_WarmUpCanceled(t *testing.T) {
	f := newFixture(t)
	f.deps.Clock = blockingAfter{f.clock}
	e := f.engine(t, Config{WarmUp: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Start(ctx, time.Second), context.Canceled)
	ready, _ := e.Ready()
	assert.False(t, ready)
}

// blockingAfter never fires After.
type blockingAfter struct{ *fakeClock }

func (blockingAfter) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

func TestStart_TicksRunCycles(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{WarmUp: 5 * time.Second, FoldInputDigest: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen atomic.Int32
	e.OnCycle(func(Cycle) { seen.Add(1) })

	require.NoError(t, e.Start(ctx, 10*time.Second))
	ready, reason := e.Ready()
	assert.True(t, ready, reason)
	assert.Len(t, e.BootFailures(), 0, "no artifact dir configured")
	require.Eventually(t, func() bool {
		return f.clock.live(10*time.Second) == 1 && f.clock.live(WatchdogInterval(10*time.Second)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.touch(t, "a.go")
	require.True(t, f.clock.tick(10*time.Second))
	require.Eventually(t, func() bool { return f.ledger.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return seen.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Starting again replaces the loops.
	require.NoError(t, e.Start(ctx, 10*time.Second))
	require.Eventually(t, func() bool {
		return f.clock.created(10*time.Second) == 2 && f.clock.live(10*time.Second) == 1
	}, 2*time.Second, 5*time.Millisecond)

	e.Stop()
	e.Stop()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, e.Wait(waitCtx))
	assert.False(t, e.Stats().Running)
	assert.Equal(t, 0, f.clock.live(10*time.Second))
}

func TestStart_RestoresArtifacts(t *testing.T) {
	f := newFixture(t)
	cfg := Config{SnapshotEvery: 1, ArtifactDir: filepath.Join(f.dir, "artifacts")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := f.engine(t, cfg)
	require.NoError(t, first.Start(ctx, time.Second))
	assert.Len(t, first.BootFailures(), 3)
	for _, bf := range first.BootFailures() {
		assert.Equal(t, fault.KindArtifactMissing, bf.Kind)
	}
	f.touch(t, "a.go")
	require.True(t, first.RunCycle(ctx).Persisted)
	first.Stop()

	second := f.engine(t, cfg)
	require.NoError(t, second.Start(ctx, time.Second))
	defer second.Stop()
	assert.Empty(t, second.BootFailures())
	assert.Equal(t, int64(1), second.Stats().LastCycleID)
	assert.Len(t, second.History(), 1)
	assert.Len(t, second.Universals().Patterns, 1)

	f.clock.Advance(time.Second)
	assert.Equal(t, SkipUnchanged, second.RunCycle(ctx).SkipReason, "key survives a restart")
}

func TestRestart_KeepsNewerStateThanCheckpoint(t *testing.T) {
	f := newFixture(t)
	cfg := Config{SnapshotEvery: 10, ArtifactDir: filepath.Join(f.dir, "artifacts")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := f.engine(t, cfg)
	require.NoError(t, e.Start(ctx, time.Second))
	defer e.Stop()

	for i := 0; i < 11; i++ {
		f.touch(t, fmt.Sprintf("f%d.go", i))
		require.True(t, e.RunCycle(ctx).Persisted)
		f.clock.Advance(24 * time.Hour)
	}
	f.clock.Advance(-23 * time.Hour)
	require.Equal(t, SkipUnchanged, e.RunCycle(ctx).SkipReason)
	before := e.Universals()

	require.NoError(t, e.Restart())

	assert.Equal(t, int64(11), e.Stats().LastCycleID)
	assert.Equal(t, before.UpdatedAt, e.Universals().UpdatedAt, "checkpoint of cycle 10 must not replace cycle 11")
	rec := e.RunCycle(ctx)
	assert.Equal(t, SkipUnchanged, rec.SkipReason)
	assert.Equal(t, 11, f.ledger.Len())
}

// warmUpClock holds the warm-up open until release is closed.
type warmUpClock struct {
	*fakeClock
	entered chan struct{}
	release chan time.Time
}

func (c *warmUpClock) After(time.Duration) <-chan time.Time {
	close(c.entered)
	return c.release
}

func TestReady_DoesNotBlockDuringWarmUp(t *testing.T) {
	f := newFixture(t)
	clock := &warmUpClock{fakeClock: f.clock, entered: make(chan struct{}), release: make(chan time.Time)}
	f.deps.Clock = clock
	e := f.engine(t, Config{WarmUp: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- e.Start(ctx, time.Second) }()
	<-clock.entered

	answered := make(chan string, 1)
	go func() {
		_, reason := e.Ready()
		answered <- reason
	}()
	select {
	case reason := <-answered:
		assert.Equal(t, "engine not running", reason)
	case <-time.After(time.Second):
		t.Fatal("Ready blocked on warm-up")
	}

	close(clock.release)
	require.NoError(t, <-started)
	defer e.Stop()
	ok, _ := e.Ready()
	assert.True(t, ok)
}

func TestStart_RebuildsIndex(t *testing.T) {
	f := newFixture(t)
	noIndex := f.deps
	noIndex.Index = nil
	e, err := New(Config{WarmUp: -1}, noIndex)
	require.NoError(t, err)
	f.touch(t, "a.go")
	require.True(t, e.RunCycle(context.Background()).Persisted)
	assert.Empty(t, f.index.Entries())

	e2 := f.engine(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e2.Start(ctx, time.Second))
	defer e2.Stop()
	_, ok := f.index.Entry(1)
	assert.True(t, ok)
	assert.Equal(t, int64(1), e2.Stats().LastCycleID, "counters follow the ledger")
}

func TestWatchdog_RestartsOncePerBreach(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	period := time.Second
	interval := WatchdogInterval(period)
	require.NoError(t, e.Start(ctx, period))
	defer e.Stop()
	require.Eventually(t, func() bool { return f.clock.live(interval) == 1 }, 2*time.Second, 5*time.Millisecond)

	// No cycle completes for 3 periods.
	f.clock.Advance(3 * period)
	require.True(t, f.clock.tick(interval))
	require.Eventually(t, func() bool { return e.Stats().Restarts == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.clock.created(interval) == 2 && f.clock.live(interval) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The restart reset liveness; the same instant is not a new breach.
	require.True(t, f.clock.tick(interval))
	assert.Never(t, func() bool { return e.Stats().Restarts > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	ready, _ := e.Ready()
	assert.True(t, ready)
}

// TestRunCycle_IndexMatchesRebuild checks that what a cycle indexes equals
// what a rebuild derives later, even with changes recorded right after a
// cycle, and that a lost index file is rebuilt on the next cycle.
func TestRunCycle_IndexMatchesRebuild(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.touch(t, fmt.Sprintf("pkg/file%d.go", i))
		require.True(t, e.RunCycle(ctx).Persisted)
		f.clock.Advance(5 * time.Second)
		f.touch(t, "late.go")
		f.clock.Advance(24 * time.Hour)
	}

	incremental := f.index.Entries()
	require.Len(t, incremental, 3)
	assert.Equal(t, []string{"pkg/file0.go"}, incremental[0].Files)

	require.NoError(t, f.index.Rebuild(ctx))
	assert.Equal(t, incremental, f.index.Entries())
	assert.Equal(t, []int64{}, f.index.CyclesForFile("late.go"))

	path := filepath.Join(f.dir, "index.json")
	require.NoError(t, os.Remove(path))
	fresh := index.NewStore(index.Config{Path: path, Now: f.clock.Now}, f.ledger, f.feed)
	f.deps.Index = fresh
	e2 := f.engine(t, Config{})

	f.touch(t, "pkg/file3.go")
	rec := e2.RunCycle(ctx)
	require.True(t, rec.Persisted)
	assert.Equal(t, int64(4), rec.ID)
	assert.Equal(t, f.ledger.Len(), fresh.Stats().Entries, "index covers the whole ledger")
	assert.Equal(t, append(incremental, mustEntry(t, fresh, 4)), fresh.Entries())
}

func mustEntry(t *testing.T, s *index.Store, id int64) index.Entry {
	t.Helper()
	e, ok := s.Entry(id)
	require.True(t, ok)
	return e
}
