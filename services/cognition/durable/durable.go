// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package durable holds the file primitives shared by the cognition stores:
// a buffered append-only NDJSON writer, a tolerant line reader and an atomic
// whole-file replace.
package durable

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by an Appender after Close.
var ErrClosed = errors.New("appender closed")

// defaultBufferSize is the write buffer of an Appender.
const defaultBufferSize = 64 * 1024

// maxLineSize bounds a single line accepted by ReadLines.
const maxLineSize = 16 * 1024 * 1024

// Appender writes newline-delimited records to the end of a file.
//
// # Description
//
// Records are buffered in memory until Flush (written to the OS) or Sync
// (written and fsynced). A record is never split across a flush boundary,
// so a crash leaves at most one partial trailing line, which ReadLines
// skips.
//
// # Thread Safety
//
// Safe for concurrent use.
type Appender struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	buf     *bufio.Writer
	pending int
	closed  bool
}

// OpenAppender opens path for appending, creating it and its parent
// directory when needed.
func OpenAppender(path string) (*Appender, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Appender{
		path: path,
		file: f,
		buf:  bufio.NewWriterSize(f, defaultBufferSize),
	}, nil
}

// Path returns the file being appended to.
func (a *Appender) Path() string {
	return a.path
}

// Append marshals v as JSON and buffers it as one line.
func (a *Appender) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return a.AppendLine(line)
}

// AppendLine buffers line followed by a newline. line must not contain one.
func (a *Appender) AppendLine(line []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if _, err := a.buf.Write(line); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := a.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	a.pending++
	return nil
}

// Pending returns the number of records buffered since the last flush.
func (a *Appender) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Flush writes buffered records to the OS without fsync.
func (a *Appender) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

// Sync flushes buffered records and fsyncs the file.
func (a *Appender) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.flushLocked(); err != nil {
		return err
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", a.path, err)
	}
	return nil
}

func (a *Appender) flushLocked() error {
	if a.closed {
		return ErrClosed
	}
	if err := a.buf.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", a.path, err)
	}
	a.pending = 0
	return nil
}

// Close syncs and closes the file. Calling Close twice is a no-op.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	flushErr := a.buf.Flush()
	syncErr := a.file.Sync()
	closeErr := a.file.Close()
	a.closed = true
	return errors.Join(flushErr, syncErr, closeErr)
}

// ReadLines calls fn for every newline-terminated line of path, passing the
// byte offset of the line start. A trailing line without a newline is an
// incomplete write and is not passed to fn. A missing file is not an error.
//
// line is only valid until fn returns. Returning an error from fn stops the
// scan and returns that error.
func ReadLines(path string, fn func(offset int64, line []byte) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, defaultBufferSize)
	var offset int64
	for {
		line, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			line, err = readLongLine(r, line)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		n := int64(len(line))
		if err := fn(offset, line[:len(line)-1]); err != nil {
			return err
		}
		offset += n
	}
}

// readLongLine finishes a line that did not fit into the reader buffer.
func readLongLine(r *bufio.Reader, head []byte) ([]byte, error) {
	line := append([]byte(nil), head...)
	for {
		more, err := r.ReadSlice('\n')
		line = append(line, more...)
		if len(line) > maxLineSize {
			return nil, fmt.Errorf("line exceeds %d bytes", maxLineSize)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}

// WriteFile atomically replaces path with data: the bytes go to a temporary
// file in the same directory, which is fsynced, renamed over path, and the
// directory is fsynced.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	committed = true

	return SyncDir(dir)
}

// SyncDir fsyncs a directory so a preceding rename or create is durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
