// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/AleutianAI/cognition/services/cognition/durable"
)

// Config configures a FileLedger.
type Config struct {
	// Path is the NDJSON ledger file.
	Path string

	// FlushEvery is the number of appends buffered before an fsync.
	// Values below 1 mean every append is synced.
	FlushEvery int

	// Logger receives ledger events. Nil uses slog.Default().
	Logger *slog.Logger
}

// FileLedger is a Ledger stored as one JSON entry per line.
//
// # Description
//
// The whole chain is verified on Open. Verified entries are mirrored in
// memory for queries; appends are buffered and fsynced every FlushEvery
// entries or on Flush. A verification failure puts the ledger into safe
// mode: reads keep working on the valid prefix, appends are refused.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type FileLedger struct {
	mu         sync.RWMutex
	path       string
	flushEvery int
	writer     *durable.Appender
	entries    []Entry
	validBytes int64
	status     Status
	closed     bool
	logger     *slog.Logger
}

// Open opens or creates the ledger at cfg.Path and verifies it.
//
// # Outputs
//
//   - *FileLedger: Ready ledger. It may already be in safe mode; check Status.
//   - error: Non-nil only if the file cannot be read or opened for append.
func Open(cfg Config) (*FileLedger, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	flushEvery := cfg.FlushEvery
	if flushEvery < 1 {
		flushEvery = 1
	}

	l := &FileLedger{
		path:       cfg.Path,
		flushEvery: flushEvery,
		logger:     logger,
	}

	scan, err := scanFile(cfg.Path)
	if err != nil {
		return nil, err
	}
	l.entries = scan.entries
	l.validBytes = scan.validBytes
	if !scan.result.Valid {
		l.enterSafeMode(scan.result.Reason)
	} else if err := dropPartialTail(cfg.Path, scan.validBytes); err != nil {
		return nil, err
	}

	w, err := durable.OpenAppender(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l.writer = w

	logger.Info("ledger.opened",
		"path", cfg.Path,
		"entries", len(l.entries),
		"safe_mode", l.status.SafeMode,
	)
	return l, nil
}

// AppendCycle seals draft into an Entry linked to the last entry and
// buffers it.
//
// # Outputs
//
//   - Entry: The recorded entry.
//   - error: ErrSafeMode, ErrCycleOrder, ErrClosed, a context error, or a
//     write failure. Nothing is recorded on error.
func (l *FileLedger) AppendCycle(ctx context.Context, draft Draft) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Entry{}, ErrClosed
	}
	if l.status.SafeMode {
		return Entry{}, ErrSafeMode
	}

	prevHash, prevID := GenesisHash, int64(0)
	if n := len(l.entries); n > 0 {
		prevHash, prevID = l.entries[n-1].ChainHash, l.entries[n-1].CycleID
	}
	if draft.CycleID < 1 || (prevID != 0 && draft.CycleID != prevID+1) {
		return Entry{}, fmt.Errorf("%w: got %d after %d", ErrCycleOrder, draft.CycleID, prevID)
	}

	entry, err := seal(prevHash, draft)
	if err != nil {
		return Entry{}, err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry: %w", err)
	}
	if err := l.writer.AppendLine(line); err != nil {
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}
	l.entries = append(l.entries, entry)
	l.validBytes += int64(len(line)) + 1

	if l.writer.Pending() >= l.flushEvery {
		if err := l.writer.Sync(); err != nil {
			l.logger.Warn("ledger.sync_failed", "cycle_id", entry.CycleID, "error", err)
		}
	}
	return entry, nil
}

// Flush writes buffered entries and fsyncs the file.
func (l *FileLedger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.writer.Sync()
}

// Status returns the current safe-mode state.
func (l *FileLedger) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Verify flushes pending entries and re-verifies the file from disk.
// A failure puts the ledger into safe mode.
func (l *FileLedger) Verify() (VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return VerifyResult{}, ErrClosed
	}
	if err := l.writer.Sync(); err != nil {
		return VerifyResult{}, fmt.Errorf("flush before verify: %w", err)
	}
	scan, err := scanFile(l.path)
	if err != nil {
		return VerifyResult{}, err
	}
	if !scan.result.Valid {
		l.entries = scan.entries
		l.validBytes = scan.validBytes
		l.enterSafeMode(scan.result.Reason)
	}
	return scan.result, nil
}

// Repair truncates the file after the last valid entry and clears safe mode.
//
// # Description
//
// Repair is an explicit operator action. Entries after the first broken one
// are discarded; the chain then continues from the last valid entry.
//
// # Outputs
//
//   - int: Number of entries removed.
//   - error: Non-nil if the file could not be truncated or reopened.
func (l *FileLedger) Repair() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if err := l.writer.Close(); err != nil {
		l.logger.Warn("ledger.repair.close_failed", "error", err)
	}

	scan, err := scanFile(l.path)
	if err != nil {
		return 0, err
	}
	removed := scan.totalRecords - len(scan.entries)
	if err := os.Truncate(l.path, scan.validBytes); err != nil {
		return 0, fmt.Errorf("truncate ledger: %w", err)
	}
	w, err := durable.OpenAppender(l.path)
	if err != nil {
		return 0, fmt.Errorf("reopen ledger: %w", err)
	}
	l.writer = w
	l.entries = scan.entries
	l.validBytes = scan.validBytes
	l.status = Status{}

	l.logger.Warn("ledger.repaired",
		"path", l.path,
		"kept", len(scan.entries),
		"removed", removed,
	)
	return removed, nil
}

// Entries returns a copy of the verified entries.
func (l *FileLedger) Entries() ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

// Last returns the most recent verified entry.
func (l *FileLedger) Last() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Len returns the number of verified entries.
func (l *FileLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Close syncs and closes the ledger file.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.writer.Close()
}

func (l *FileLedger) enterSafeMode(reason string) {
	if !l.status.SafeMode {
		l.logger.Error("ledger.safe_mode",
			"path", l.path,
			"reason", reason,
		)
	}
	l.status = Status{SafeMode: true, CorruptionReason: reason}
}

// dropPartialTail truncates an incomplete final line left by a crash so
// the next append starts on a line boundary.
func dropPartialTail(path string, validBytes int64) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}
	if info.Size() <= validBytes {
		return nil
	}
	if err := os.Truncate(path, validBytes); err != nil {
		return fmt.Errorf("truncate partial ledger tail: %w", err)
	}
	slog.Warn("ledger.partial_tail_dropped", "path", path, "bytes", info.Size()-validBytes)
	return nil
}

// scanResult is the outcome of reading a ledger file.
type scanResult struct {
	entries      []Entry
	validBytes   int64
	totalRecords int
	result       VerifyResult
}

// scanFile reads and verifies every line of path. Entries up to the first
// broken one are returned; validBytes is the file offset right after them.
func scanFile(path string) (scanResult, error) {
	var (
		s        scanResult
		prevHash = GenesisHash
		prevID   int64
		broken   bool
	)
	s.result.FirstBrokenIndex = -1

	err := durable.ReadLines(path, func(offset int64, line []byte) error {
		idx := s.totalRecords
		s.totalRecords++
		if broken {
			return nil
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			broken = true
			s.result.FirstBrokenIndex = idx
			s.result.Reason = fmt.Sprintf("entry %d: unparseable: %v", idx, err)
			return nil
		}
		reason := check(e, prevHash, prevID)
		if reason == "" && !canonical(line, e) {
			reason = fmt.Sprintf("cycle %d: entry is not in canonical form", e.CycleID)
		}
		if reason != "" {
			broken = true
			s.result.FirstBrokenIndex = idx
			s.result.Reason = fmt.Sprintf("entry %d: %s", idx, reason)
			return nil
		}
		s.entries = append(s.entries, e)
		s.validBytes = offset + int64(len(line)) + 1
		prevHash, prevID = e.ChainHash, e.CycleID
		return nil
	})
	if err != nil {
		return scanResult{}, fmt.Errorf("read ledger: %w", err)
	}

	s.result.Valid = !broken
	s.result.RecordCount = s.totalRecords
	return s, nil
}
