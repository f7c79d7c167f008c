// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracefeed reads the raw activity traces the cognition core
// consumes: file-change events and git-commit events, each stored as
// newline-delimited JSON.
package tracefeed

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/cognition/services/cognition/durable"
)

// Trace file names inside a trace directory.
const (
	FileChangesName = "file-changes.jsonl"
	CommitsName     = "git-commits.jsonl"
)

// Change types written by Recorder.
const (
	ChangeCreate = "create"
	ChangeModify = "modify"
	ChangeDelete = "delete"
	ChangeRename = "rename"
)

// Change is one path inside a file-change event.
type Change struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// FileChangeEvent is one line of the file-change trace.
type FileChangeEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Metadata  struct {
		Changes []Change `json:"changes"`
	} `json:"metadata"`
}

// Commit is the commit payload of a git-commit event. Extra fields in the
// trace are ignored.
type Commit struct {
	Hash    string   `json:"hash"`
	Message string   `json:"message"`
	Author  string   `json:"author,omitempty"`
	Files   []string `json:"files,omitempty"`
}

// CommitEvent is one line of the git-commit trace.
type CommitEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Metadata  struct {
		Commit Commit `json:"commit"`
	} `json:"metadata"`
}

// Touch is a single file change flattened out of a FileChangeEvent.
type Touch struct {
	Timestamp time.Time
	Path      string
	Type      string
}

// rawEvent accepts both RFC 3339 strings and epoch milliseconds as the
// timestamp.
type rawEvent struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata"`
}

// parseTimestamp decodes an RFC 3339 string or a number of epoch
// milliseconds. The result is in UTC.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return time.Time{}, errors.New("missing timestamp")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

// ParseFileChange decodes one file-change trace line.
func ParseFileChange(line []byte) (FileChangeEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return FileChangeEvent{}, err
	}
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return FileChangeEvent{}, err
	}
	ev := FileChangeEvent{Timestamp: ts}
	if len(raw.Metadata) > 0 {
		if err := json.Unmarshal(raw.Metadata, &ev.Metadata); err != nil {
			return FileChangeEvent{}, fmt.Errorf("metadata: %w", err)
		}
	}
	return ev, nil
}

// ParseCommit decodes one git-commit trace line.
func ParseCommit(line []byte) (CommitEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return CommitEvent{}, err
	}
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return CommitEvent{}, err
	}
	ev := CommitEvent{Timestamp: ts}
	if len(raw.Metadata) > 0 {
		if err := json.Unmarshal(raw.Metadata, &ev.Metadata); err != nil {
			return CommitEvent{}, fmt.Errorf("metadata: %w", err)
		}
	}
	return ev, nil
}

// Feed reads the trace files of one directory.
//
// # Description
//
// Parsed traces are cached and re-read only when a file's size or
// modification time changes. Malformed lines are skipped and counted.
// Zero-valued time bounds are open.
//
// # Thread Safety
//
// Safe for concurrent use.
type Feed struct {
	changesPath string
	commitsPath string

	mu          sync.Mutex
	touches     []Touch
	touchesKey  fileKey
	commits     []CommitEvent
	commitsKey  fileKey
	skipped     int
}

type fileKey struct {
	size    int64
	modTime time.Time
	exists  bool
}

// NewFeed returns a Feed over dir/file-changes.jsonl and dir/git-commits.jsonl.
func NewFeed(dir string) *Feed {
	return &Feed{
		changesPath: filepath.Join(dir, FileChangesName),
		commitsPath: filepath.Join(dir, CommitsName),
	}
}

// FileChangesPath returns the file-change trace path.
func (f *Feed) FileChangesPath() string { return f.changesPath }

// CommitsPath returns the git-commit trace path.
func (f *Feed) CommitsPath() string { return f.commitsPath }

// Touches returns every file change with from <= timestamp <= to, sorted by
// timestamp then path.
func (f *Feed) Touches(from, to time.Time) ([]Touch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.refreshTouchesLocked(); err != nil {
		return nil, err
	}
	out := make([]Touch, 0)
	for _, t := range f.touches {
		if inRange(t.Timestamp, from, to) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Commits returns every commit with from <= timestamp <= to, oldest first.
func (f *Feed) Commits(from, to time.Time) ([]CommitEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.refreshCommitsLocked(); err != nil {
		return nil, err
	}
	out := make([]CommitEvent, 0)
	for _, c := range f.commits {
		if inRange(c.Timestamp, from, to) {
			out = append(out, c)
		}
	}
	return out, nil
}

// LastCommitAt returns the newest commit at or before t, or nil.
func (f *Feed) LastCommitAt(t time.Time) (*CommitEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.refreshCommitsLocked(); err != nil {
		return nil, err
	}
	for i := len(f.commits) - 1; i >= 0; i-- {
		if !f.commits[i].Timestamp.After(t) {
			c := f.commits[i]
			return &c, nil
		}
	}
	return nil, nil
}

// Latest returns the newest file-change and commit timestamps seen.
func (f *Feed) Latest() (lastChange, lastCommit time.Time, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.refreshTouchesLocked(); err != nil {
		return time.Time{}, time.Time{}, err
	}
	if err := f.refreshCommitsLocked(); err != nil {
		return time.Time{}, time.Time{}, err
	}
	if n := len(f.touches); n > 0 {
		lastChange = f.touches[n-1].Timestamp
	}
	if n := len(f.commits); n > 0 {
		lastCommit = f.commits[n-1].Timestamp
	}
	return lastChange, lastCommit, nil
}

// Digest returns a short digest of the newest trace timestamps and the
// number of events in each trace.
func (f *Feed) Digest() (string, error) {
	lastChange, lastCommit, err := f.Latest()
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	s := fmt.Sprintf("%d|%d|%d|%d",
		lastChange.UnixNano(), len(f.touches),
		lastCommit.UnixNano(), len(f.commits))
	f.mu.Unlock()
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8]), nil
}

// Skipped returns the number of malformed lines ignored so far.
func (f *Feed) Skipped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skipped
}

func (f *Feed) refreshTouchesLocked() error {
	key, err := statKey(f.changesPath)
	if err != nil {
		return err
	}
	if key == f.touchesKey && f.touches != nil {
		return nil
	}

	touches := make([]Touch, 0)
	err = durable.ReadLines(f.changesPath, func(_ int64, line []byte) error {
		ev, err := ParseFileChange(line)
		if err != nil {
			f.skipped++
			return nil
		}
		for _, c := range ev.Metadata.Changes {
			if c.Path == "" {
				continue
			}
			touches = append(touches, Touch{Timestamp: ev.Timestamp, Path: c.Path, Type: c.Type})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read file-change trace: %w", err)
	}
	sort.SliceStable(touches, func(i, j int) bool {
		if !touches[i].Timestamp.Equal(touches[j].Timestamp) {
			return touches[i].Timestamp.Before(touches[j].Timestamp)
		}
		return touches[i].Path < touches[j].Path
	})
	f.touches = touches
	f.touchesKey = key
	return nil
}

func (f *Feed) refreshCommitsLocked() error {
	key, err := statKey(f.commitsPath)
	if err != nil {
		return err
	}
	if key == f.commitsKey && f.commits != nil {
		return nil
	}

	commits := make([]CommitEvent, 0)
	err = durable.ReadLines(f.commitsPath, func(_ int64, line []byte) error {
		ev, err := ParseCommit(line)
		if err != nil {
			f.skipped++
			return nil
		}
		commits = append(commits, ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("read git-commit trace: %w", err)
	}
	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].Timestamp.Before(commits[j].Timestamp)
	})
	f.commits = commits
	f.commitsKey = key
	return nil
}

func statKey(path string) (fileKey, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fileKey{}, nil
	}
	if err != nil {
		return fileKey{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return fileKey{size: info.Size(), modTime: info.ModTime(), exists: true}, nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}
