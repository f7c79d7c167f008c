// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fault defines the typed failure records that cognition components
// attach to their results instead of discarding errors.
//
// # Description
//
// The cycle engine treats almost every failure as non-fatal: a phase that
// panics, a snapshot that cannot be written, or a ledger append that fails
// must not stop the next cycle. Those failures are still reported, as
// *Error values carrying a Kind, so callers and tests can observe them.
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindPhase is a failure (error or panic) inside one analysis phase.
	KindPhase Kind = "phase"

	// KindPersistence is a failed write of a ledger entry, index, snapshot,
	// evolution record, aggregate bucket or artifact.
	KindPersistence Kind = "persistence"

	// KindLedgerCorrupt marks a cycle refused because the ledger is in safe mode.
	KindLedgerCorrupt Kind = "ledger_corrupt"

	// KindArtifactMissing marks a persisted artifact that was absent or
	// unreadable and replaced by an empty default.
	KindArtifactMissing Kind = "artifact_missing"

	// KindReentrant marks a cycle dropped because another one was in flight.
	KindReentrant Kind = "reentrant"
)

// Error is a failure attributed to one operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns an *Error. A nil err yields a generic message for the kind.
func New(kind Kind, op string, err error) *Error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error implements error.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON renders the failure with its message, since error values do
// not serialize on their own.
func (e *Error) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Kind    Kind   `json:"kind"`
		Op      string `json:"op"`
		Message string `json:"message"`
	}{e.Kind, e.Op, msg})
}

// UnmarshalJSON restores a failure written by MarshalJSON. The wrapped error
// comes back as a plain message.
func (e *Error) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind    Kind   `json:"kind"`
		Op      string `json:"op"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Kind = raw.Kind
	e.Op = raw.Op
	e.Err = errors.New(raw.Message)
	return nil
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
