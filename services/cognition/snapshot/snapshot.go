// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot stores periodic full copies of the derived cognitive
// state and finds the one nearest to a point in time.
//
// # File Layout
//
//	<dir>/snapshot-0000000010.json      state below the compression threshold
//	<dir>/snapshot-0000000020.json.gz   state above it
//	<dir>/snapshots.index.json          lookup index rebuilt by UpdateIndex
//
// A snapshot is written once and never changed. Retention keeps the newest
// snapshots by cycle id and deletes the rest.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/cognition/services/cognition/analysis"
	"github.com/AleutianAI/cognition/services/cognition/durable"
)

const (
	// DefaultCompressionThreshold is the serialized size above which a
	// snapshot is gzip-compressed.
	DefaultCompressionThreshold = 500 * 1024

	// DefaultRetention is the number of snapshots kept.
	DefaultRetention = 30

	// RangeSpan is the number of cycles a snapshot claims to cover.
	RangeSpan = 100

	indexName = "snapshots.index.json"
)

var fileRE = regexp.MustCompile(`^snapshot-(\d+)\.json(\.gz)?$`)

// CommitContext is the last known commit at capture time.
type CommitContext struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the derived cognitive state captured by a snapshot.
type State struct {
	Patterns      []analysis.Result `json:"patterns"`
	Forecasts     []analysis.Result `json:"forecasts"`
	Correlations  []analysis.Result `json:"correlations"`
	CognitiveLoad float64           `json:"cognitive_load"`
	LastCommit    *CommitContext    `json:"last_commit,omitempty"`
	ActiveFiles   []string          `json:"active_files"`
}

// Normalized returns s with nil slices replaced by empty ones.
func (s State) Normalized() State {
	if s.Patterns == nil {
		s.Patterns = []analysis.Result{}
	}
	if s.Forecasts == nil {
		s.Forecasts = []analysis.Result{}
	}
	if s.Correlations == nil {
		s.Correlations = []analysis.Result{}
	}
	if s.ActiveFiles == nil {
		s.ActiveFiles = []string{}
	}
	return s
}

// Snapshot is one stored state. Range is [max(1, id-99), id].
type Snapshot struct {
	SnapshotID int64     `json:"snapshot_id"`
	Timestamp  time.Time `json:"timestamp"`
	Range      [2]int64  `json:"range"`
	State      State     `json:"state"`
}

// IndexEntry describes one snapshot file.
type IndexEntry struct {
	Cycle      int64     `json:"cycle"`
	Timestamp  time.Time `json:"timestamp"`
	File       string    `json:"file"`
	Compressed bool      `json:"compressed"`
	Size       int64     `json:"size"`
}

// CoveredRange returns the cycle range a snapshot with this id covers.
func CoveredRange(cycleID int64) [2]int64 {
	start := cycleID - (RangeSpan - 1)
	if start < 1 {
		start = 1
	}
	return [2]int64{start, cycleID}
}

// Config configures a Store.
type Config struct {
	// Dir holds the snapshot files.
	Dir string

	// CompressionThreshold overrides DefaultCompressionThreshold.
	CompressionThreshold int

	// Retention overrides DefaultRetention.
	Retention int

	// Now returns the capture time. Default: time.Now.
	Now func() time.Time

	// Logger receives snapshot events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Store is the snapshot directory.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	dir       string
	threshold int
	retention int
	now       func() time.Time
	logger    *slog.Logger
	index     []IndexEntry
	loaded    bool
}

// NewStore returns a Store over cfg.Dir.
func NewStore(cfg Config) *Store {
	s := &Store{
		dir:       cfg.Dir,
		threshold: cfg.CompressionThreshold,
		retention: cfg.Retention,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
	if s.threshold <= 0 {
		s.threshold = DefaultCompressionThreshold
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Dir returns the snapshot directory.
func (s *Store) Dir() string { return s.dir }

func fileName(cycleID int64, compressed bool) string {
	name := fmt.Sprintf("snapshot-%010d.json", cycleID)
	if compressed {
		name += ".gz"
	}
	return name
}

// Save writes the snapshot of cycleID, applies retention and refreshes the
// lookup index.
//
// # Outputs
//
//   - Snapshot: The stored snapshot.
//   - IndexEntry: Its file description.
//   - error: Non-nil if the snapshot could not be written. Retention and
//     index failures are logged, not returned.
func (s *Store) Save(cycleID int64, state State) (Snapshot, IndexEntry, error) {
	if cycleID < 1 {
		return Snapshot{}, IndexEntry{}, fmt.Errorf("snapshot: invalid cycle id %d", cycleID)
	}
	snap := Snapshot{
		SnapshotID: cycleID,
		Timestamp:  s.now().UTC(),
		Range:      CoveredRange(cycleID),
		State:      state.Normalized(),
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, IndexEntry{}, fmt.Errorf("snapshot: marshal: %w", err)
	}
	compressed := len(data) > s.threshold
	if compressed {
		if data, err = gzipBytes(data); err != nil {
			return Snapshot{}, IndexEntry{}, fmt.Errorf("snapshot: compress: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := fileName(cycleID, compressed)
	if err := durable.WriteFile(filepath.Join(s.dir, name), data, 0o600); err != nil {
		return Snapshot{}, IndexEntry{}, fmt.Errorf("snapshot: write: %w", err)
	}
	// A snapshot of the same cycle in the other encoding is stale now.
	stale := filepath.Join(s.dir, fileName(cycleID, !compressed))
	if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("snapshot.remove_stale_failed", "file", stale, "error", err)
	}

	entry := IndexEntry{
		Cycle:      cycleID,
		Timestamp:  snap.Timestamp,
		File:       name,
		Compressed: compressed,
		Size:       int64(len(data)),
	}

	if err := s.applyRetentionLocked(); err != nil {
		s.logger.Warn("snapshot.retention_failed", "error", err)
	}
	if err := s.updateIndexLocked(); err != nil {
		s.logger.Warn("snapshot.index_failed", "error", err)
	}

	s.logger.Info("snapshot.saved",
		"cycle_id", cycleID,
		"compressed", compressed,
		"bytes", entry.Size,
	)
	return snap, entry, nil
}

// Load reads the snapshot of cycleID, trying the compressed file first.
// A missing or unreadable snapshot returns nil and no error; a damaged
// file falls through to the other encoding.
func (s *Store) Load(cycleID int64) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, compressed := range []bool{true, false} {
		name := fileName(cycleID, compressed)
		snap, err := readSnapshot(filepath.Join(s.dir, name), compressed)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			s.logger.Warn("snapshot.unreadable", "file", name, "error", err)
			continue
		}
		return snap, nil
	}
	return nil, nil
}

// UpdateIndex rescans the directory and rewrites the lookup index.
func (s *Store) UpdateIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateIndexLocked()
}

func (s *Store) updateIndexLocked() error {
	files, err := s.scanLocked()
	if err != nil {
		return err
	}

	entries := make([]IndexEntry, 0, len(files))
	for _, f := range files {
		e := IndexEntry{Cycle: f.cycle, File: f.name, Compressed: f.compressed, Size: f.size}
		snap, err := readSnapshot(filepath.Join(s.dir, f.name), f.compressed)
		if err != nil {
			s.logger.Debug("snapshot.unreadable", "file", f.name, "error", err)
			e.Timestamp = f.modTime.UTC()
		} else {
			e.Timestamp = snap.Timestamp
		}
		entries = append(entries, e)
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("snapshot: marshal index: %w", err)
	}
	if err := durable.WriteFile(filepath.Join(s.dir, indexName), data, 0o600); err != nil {
		return fmt.Errorf("snapshot: write index: %w", err)
	}
	s.index = entries
	s.loaded = true
	return nil
}

// List returns the lookup index, oldest cycle first.
func (s *Store) List() ([]IndexEntry, error) {
	if err := s.ensureIndex(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IndexEntry, len(s.index))
	copy(out, s.index)
	return out, nil
}

// FindClosest returns the snapshot with the smallest time distance to ts,
// however far away it is. Ties go to the lower cycle id.
func (s *Store) FindClosest(ts time.Time) (IndexEntry, bool, error) {
	entries, err := s.List()
	if err != nil {
		return IndexEntry{}, false, err
	}
	var (
		best  IndexEntry
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
	return best, found, nil
}

// Covering returns the snapshot that should serve as the base for cycleID:
// the earliest snapshot whose range contains it, otherwise the newest
// snapshot taken before it.
func (s *Store) Covering(cycleID int64) (IndexEntry, bool, error) {
	entries, err := s.List()
	if err != nil {
		return IndexEntry{}, false, err
	}
	for _, e := range entries {
		r := CoveredRange(e.Cycle)
		if cycleID >= r[0] && cycleID <= r[1] {
			return e, true, nil
		}
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Cycle < cycleID {
			return entries[i], true, nil
		}
	}
	return IndexEntry{}, false, nil
}

// ensureIndex loads the lookup index on first use, rescanning when the
// index file is missing or unreadable.
func (s *Store) ensureIndex() error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(s.dir, indexName))
	if err == nil {
		var entries []IndexEntry
		if json.Unmarshal(data, &entries) == nil {
			s.index = entries
			s.loaded = true
			return nil
		}
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("snapshot: create dir: %w", err)
	}
	return s.updateIndexLocked()
}

// applyRetentionLocked deletes the oldest snapshots beyond the retention cap.
func (s *Store) applyRetentionLocked() error {
	files, err := s.scanLocked()
	if err != nil {
		return err
	}
	cycles := distinctCycles(files)
	if len(cycles) <= s.retention {
		return nil
	}
	cutoff := cycles[len(cycles)-s.retention]

	var errs []error
	removed := 0
	for _, f := range files {
		if f.cycle >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("snapshot.retention", "removed", removed, "kept", s.retention)
	}
	return errors.Join(errs...)
}

type snapFile struct {
	name       string
	cycle      int64
	compressed bool
	size       int64
	modTime    time.Time
}

// scanLocked lists snapshot files sorted by cycle. When both encodings of
// a cycle exist, only the compressed one is kept, matching Load.
func (s *Store) scanLocked() ([]snapFile, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read dir: %w", err)
	}

	byCycle := make(map[int64]snapFile)
	for _, de := range dirEntries {
		m := fileRE.FindStringSubmatch(de.Name())
		if m == nil || de.IsDir() {
			continue
		}
		cycle, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		f := snapFile{
			name:       de.Name(),
			cycle:      cycle,
			compressed: m[2] != "",
			size:       info.Size(),
			modTime:    info.ModTime(),
		}
		if prev, ok := byCycle[cycle]; ok && prev.compressed {
			continue
		}
		byCycle[cycle] = f
	}

	files := make([]snapFile, 0, len(byCycle))
	for _, f := range byCycle {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].cycle < files[j].cycle })
	return files, nil
}

func distinctCycles(files []snapFile) []int64 {
	out := make([]int64, 0, len(files))
	for _, f := range files {
		if len(out) == 0 || out[len(out)-1] != f.cycle {
			out = append(out, f.cycle)
		}
	}
	return out
}

func readSnapshot(path string, compressed bool) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("snapshot: open gzip %s: %w", filepath.Base(path), err)
		}
		defer gz.Close()
		r = gz
	}

	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", filepath.Base(path), err)
	}
	return &snap, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
