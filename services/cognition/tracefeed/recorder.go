// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracefeed

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/cognition/services/cognition/durable"
)

// defaultIgnore lists directory names never watched.
var defaultIgnore = []string{".git", "node_modules", "vendor", ".cognition"}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// Root is the workspace directory to watch recursively.
	Root string

	// TracePath is the file-change trace file to append to.
	TracePath string

	// Ignore adds directory names to skip on top of the defaults.
	Ignore []string

	// FlushInterval batches changes into one event per interval.
	// Default: 1s.
	FlushInterval time.Duration

	// Logger receives watcher events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Recorder watches a workspace and appends file-change events to a trace.
//
// # Description
//
// Changes observed within one FlushInterval are coalesced into a single
// FileChangeEvent (the last change type per path wins). Directories
// created while watching are added to the watch set.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type Recorder struct {
	root     string
	interval time.Duration
	ignore   map[string]bool
	watcher  *fsnotify.Watcher
	out      *durable.Appender
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]string
}

// NewRecorder creates a watcher for cfg.Root. Call Start to begin.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Root == "" || cfg.TracePath == "" {
		return nil, fmt.Errorf("recorder: root and trace path are required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("recorder: resolve root: %w", err)
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ignore := make(map[string]bool, len(defaultIgnore)+len(cfg.Ignore))
	for _, name := range append(append([]string{}, defaultIgnore...), cfg.Ignore...) {
		ignore[name] = true
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("recorder: create watcher: %w", err)
	}
	out, err := durable.OpenAppender(cfg.TracePath)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("recorder: %w", err)
	}

	return &Recorder{
		root:     root,
		interval: interval,
		ignore:   ignore,
		watcher:  watcher,
		out:      out,
		logger:   logger,
		now:      time.Now,
		pending:  make(map[string]string),
	}, nil
}

// Start watches until ctx is cancelled or Stop is called. It blocks, so
// run it in a goroutine.
func (r *Recorder) Start(ctx context.Context) error {
	if err := r.addTree(r.root); err != nil {
		return err
	}
	r.logger.Info("tracefeed.recorder.started", "root", r.root)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				r.flush()
				return nil
			}
			r.handleEvent(event)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				r.flush()
				return nil
			}
			r.logger.Warn("tracefeed.recorder.watch_error", "error", err)

		case <-ticker.C:
			r.flush()

		case <-ctx.Done():
			r.flush()
			r.logger.Info("tracefeed.recorder.stopped", "root", r.root)
			return nil
		}
	}
}

// Stop releases the watcher and closes the trace file.
func (r *Recorder) Stop() error {
	werr := r.watcher.Close()
	r.flush()
	oerr := r.out.Close()
	if werr != nil {
		return werr
	}
	return oerr
}

func (r *Recorder) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			r.logger.Debug("tracefeed.recorder.walk_error", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != r.root && r.ignore[d.Name()] {
			return filepath.SkipDir
		}
		if err := r.watcher.Add(path); err != nil {
			r.logger.Warn("tracefeed.recorder.add_failed", "path", path, "error", err)
		}
		return nil
	})
}

// handleEvent records one fsnotify event.
func (r *Recorder) handleEvent(event fsnotify.Event) {
	rel, ok := r.relative(event.Name)
	if !ok {
		return
	}

	var kind string
	switch {
	case event.Op&fsnotify.Create != 0:
		kind = ChangeCreate
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := r.addTree(event.Name); err != nil {
				r.logger.Debug("tracefeed.recorder.add_failed", "path", event.Name, "error", err)
			}
			return
		}
	case event.Op&fsnotify.Write != 0:
		kind = ChangeModify
	case event.Op&fsnotify.Remove != 0:
		kind = ChangeDelete
	case event.Op&fsnotify.Rename != 0:
		kind = ChangeRename
	default:
		return
	}

	r.mu.Lock()
	r.pending[rel] = kind
	r.mu.Unlock()
}

// relative maps an absolute event path to a slash-separated workspace
// path, rejecting ignored directories.
func (r *Recorder) relative(name string) (string, bool) {
	rel, err := filepath.Rel(r.root, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if r.ignore[part] {
			return "", false
		}
	}
	return filepath.ToSlash(rel), true
}

// flush writes pending changes as one event.
func (r *Recorder) flush() {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	changes := make([]Change, 0, len(r.pending))
	for path, kind := range r.pending {
		changes = append(changes, Change{Path: path, Type: kind})
	}
	r.pending = make(map[string]string)
	r.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })

	var ev FileChangeEvent
	ev.Timestamp = r.now().UTC()
	ev.Metadata.Changes = changes
	if err := r.out.Append(ev); err != nil {
		r.logger.Warn("tracefeed.recorder.append_failed", "error", err)
		return
	}
	if err := r.out.Flush(); err != nil {
		r.logger.Warn("tracefeed.recorder.flush_failed", "error", err)
	}
}

// AppendFileChange appends one file-change event to the trace at path.
func AppendFileChange(path string, ev FileChangeEvent) error {
	return appendOne(path, ev)
}

// AppendCommit appends one git-commit event to the trace at path.
func AppendCommit(path string, ev CommitEvent) error {
	return appendOne(path, ev)
}

func appendOne(path string, v any) error {
	a, err := durable.OpenAppender(path)
	if err != nil {
		return err
	}
	if err := a.Append(v); err != nil {
		a.Close()
		return err
	}
	return a.Close()
}
