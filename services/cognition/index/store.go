// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/cognition/services/cognition/durable"
	"github.com/AleutianAI/cognition/services/cognition/ledger"
	"github.com/AleutianAI/cognition/services/cognition/tracefeed"
)

var (
	// ErrNotFound means no index file exists yet.
	ErrNotFound = errors.New("index not found")

	// ErrChecksum means the index file does not match its checksum.
	ErrChecksum = errors.New("index checksum mismatch")
)

// LedgerSource lists ledger entries.
type LedgerSource interface {
	Entries() ([]ledger.Entry, error)
}

// TouchSource lists file changes. Results are sorted by timestamp.
type TouchSource interface {
	Touches(from, to time.Time) ([]tracefeed.Touch, error)
}

// Config configures a Store.
type Config struct {
	// Path is the index file.
	Path string

	// Window is the file association window. Default: 60s.
	Window time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// Logger receives index events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Store owns the in-memory index and its file.
//
// # Thread Safety
//
// Safe for concurrent use. Queries take a read lock; updates and rebuilds
// take the write lock.
type Store struct {
	mu      sync.RWMutex
	path    string
	window  time.Duration
	now     func() time.Time
	logger  *slog.Logger
	ledger  LedgerSource
	touches TouchSource

	idx  *Index
	byID map[int64]int
}

// NewStore returns a Store. Nothing is read until Load or EnsureFresh.
func NewStore(cfg Config, ledgerSrc LedgerSource, touchSrc TouchSource) *Store {
	window := cfg.Window
	if window <= 0 {
		window = DefaultAssociationWindow
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:    cfg.Path,
		window:  window,
		now:     now,
		logger:  logger,
		ledger:  ledgerSrc,
		touches: touchSrc,
	}
}

// Load reads the index file.
//
// # Outputs
//
//   - error: ErrNotFound when no file exists, ErrChecksum when the file is
//     damaged, or a decode error. The in-memory index is unchanged on error.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}

	var ix Index
	if err := json.Unmarshal(data, &ix); err != nil {
		return fmt.Errorf("%w: %v", ErrChecksum, err)
	}
	if ix.Version != FormatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrChecksum, ix.Version)
	}
	sum, err := computeChecksum(ix.Entries)
	if err != nil || sum != ix.Checksum {
		return ErrChecksum
	}

	// The maps are derived; regenerate them from the verified entries.
	fresh := newIndex()
	fresh.BuiltAt = ix.BuiltAt
	byID := make(map[int64]int, len(ix.Entries))
	for _, e := range ix.Entries {
		fresh.add(e, byID)
	}
	fresh.Checksum = ix.Checksum
	s.idx, s.byID = fresh, byID
	return nil
}

// EnsureFresh loads the index and rebuilds it when it is missing, damaged
// or out of step with the ledger.
//
// # Outputs
//
//   - bool: True if a rebuild happened.
//   - error: Non-nil if a required rebuild failed.
func (s *Store) EnsureFresh(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.idx == nil {
		if err := s.loadLocked(); err != nil {
			s.logger.Info("index.load_failed", "path", s.path, "reason", err)
			return true, s.rebuildLocked(ctx)
		}
	}

	entries, err := s.ledger.Entries()
	if err != nil {
		return false, fmt.Errorf("list ledger: %w", err)
	}
	if !s.consistentLocked(entries) {
		s.logger.Info("index.stale", "index_entries", len(s.idx.Entries), "ledger_entries", len(entries))
		return true, s.rebuildLocked(ctx)
	}
	return false, nil
}

func (s *Store) consistentLocked(entries []ledger.Entry) bool {
	if len(entries) != len(s.idx.Entries) {
		return false
	}
	if len(entries) == 0 {
		return true
	}
	return entries[0].CycleID == s.idx.Entries[0].CycleID &&
		entries[len(entries)-1].CycleID == s.idx.Entries[len(s.idx.Entries)-1].CycleID
}

// Rebuild discards the index and regenerates it from the ledger and the
// file-change trace, then persists it.
func (s *Store) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildLocked(ctx)
}

func (s *Store) rebuildLocked(ctx context.Context) error {
	start := time.Now()

	entries, err := s.ledger.Entries()
	if err != nil {
		return fmt.Errorf("list ledger: %w", err)
	}
	touches, err := s.touches.Touches(time.Time{}, time.Time{})
	if err != nil {
		s.logger.Warn("index.rebuild.trace_unavailable", "error", err)
		touches = nil
	}

	ix := newIndex()
	byID := make(map[int64]int, len(entries))
	for i, le := range entries {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		files := AssociateFiles(le.Timestamp, near(touches, le.Timestamp, s.window), s.window)
		ix.add(NewEntry(SummaryOf(le), files), byID)
	}
	ix.BuiltAt = s.now().UTC()

	if err := s.persist(ix); err != nil {
		return err
	}
	s.idx, s.byID = ix, byID

	s.logger.Info("index.rebuilt",
		"entries", len(ix.Entries),
		"files", len(ix.ByFile),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// SummaryOf projects a ledger entry into an index summary.
func SummaryOf(e ledger.Entry) Summary {
	phases := make(map[string]int, len(e.Phases))
	for _, p := range e.Phases {
		phases[p.Name] = p.Count
	}
	return Summary{CycleID: e.CycleID, Timestamp: e.Timestamp, Phases: phases}
}

// near returns the touches in [at-window, at]. touches must be sorted.
func near(touches []tracefeed.Touch, at time.Time, window time.Duration) []tracefeed.Touch {
	lo := sort.Search(len(touches), func(i int) bool { return !touches[i].Timestamp.Before(at.Add(-window)) })
	hi := sort.Search(len(touches), func(i int) bool { return touches[i].Timestamp.After(at) })
	if lo >= hi {
		return nil
	}
	return touches[lo:hi]
}

// UpdateIncremental adds one cycle and persists the index. Applying a
// cycle id that is already indexed changes nothing.
//
// When no usable index file exists yet the index is rebuilt from the
// ledger first, so an index started mid-history still covers every cycle.
func (s *Store) UpdateIncremental(ctx context.Context, sum Summary, files []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.idx == nil {
		if err := s.loadLocked(); err != nil {
			s.logger.Info("index.load_failed", "path", s.path, "reason", err)
			if err := s.rebuildLocked(ctx); err != nil {
				return fmt.Errorf("rebuild missing index: %w", err)
			}
		}
	}

	if len(files) > MaxFilesPerEntry {
		files = files[:MaxFilesPerEntry]
	}
	if !s.idx.add(NewEntry(sum, files), s.byID) {
		return nil
	}
	s.idx.BuiltAt = s.now().UTC()
	return s.persist(s.idx)
}

// persist writes ix atomically with a fresh checksum.
func (s *Store) persist(ix *Index) error {
	sum, err := computeChecksum(ix.Entries)
	if err != nil {
		return fmt.Errorf("checksum index: %w", err)
	}
	ix.Checksum = sum
	data, err := json.Marshal(ix)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := durable.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// ===== Queries =====

// CyclesForDay returns the cycle ids of a UTC day ("YYYY-MM-DD").
func (s *Store) CyclesForDay(day string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.idx == nil {
		return []int64{}
	}
	return idsFor(s.idx.ByDay, day)
}

// CyclesForHour returns the cycle ids of one UTC hour of a day.
func (s *Store) CyclesForHour(day string, hour int) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.idx == nil {
		return []int64{}
	}
	return idsFor(s.idx.ByHour, HourKey(day, hour))
}

// CyclesForFile returns the cycle ids associated with a path. When no path
// matches exactly, name is matched against base names.
func (s *Store) CyclesForFile(name string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.idx == nil {
		return []int64{}
	}
	if _, ok := s.idx.ByFile[name]; ok {
		return idsFor(s.idx.ByFile, name)
	}
	return basenameMatches(s.idx.ByFile, name)
}

// Entry returns the indexed entry of a cycle.
func (s *Store) Entry(cycleID int64) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.idx == nil {
		return Entry{}, false
	}
	i, ok := s.byID[cycleID]
	if !ok {
		return Entry{}, false
	}
	return s.idx.Entries[i], true
}

// Entries returns a copy of every entry in cycle order.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.idx == nil {
		return []Entry{}
	}
	out := make([]Entry, len(s.idx.Entries))
	copy(out, s.idx.Entries)
	return out
}

// Stats summarizes the index.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.idx == nil {
		return Stats{}
	}
	st := Stats{
		Entries: len(s.idx.Entries),
		Days:    len(s.idx.ByDay),
		Hours:   len(s.idx.ByHour),
		Files:   len(s.idx.ByFile),
		BuiltAt: s.idx.BuiltAt,
	}
	if n := len(s.idx.Entries); n > 0 {
		st.FirstCycle = s.idx.Entries[0].CycleID
		st.LastCycle = s.idx.Entries[n-1].CycleID
	}
	return st
}
