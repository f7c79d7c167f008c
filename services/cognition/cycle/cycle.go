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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/AleutianAI/cognition/services/cognition/fault"
)

// Phase names, in execution order.
const (
	PhasePatternLearning = "pattern-learning"
	PhaseCorrelation     = "correlation"
	PhaseForecasting     = "forecasting"
	PhaseADRSynthesis    = "adr-synthesis"
)

// PhaseOrder lists the phases in the order every cycle runs them.
var PhaseOrder = []string{PhasePatternLearning, PhaseCorrelation, PhaseForecasting, PhaseADRSynthesis}

// SkipReason explains a skipped cycle.
type SkipReason string

const (
	// SkipUnchanged means the idempotence key matched the previous cycle.
	SkipUnchanged SkipReason = "unchanged"
	// SkipReentrant means another cycle was still running.
	SkipReentrant SkipReason = "reentrant"
	// SkipNotReady means the ledger is in safe mode.
	SkipNotReady SkipReason = "not_ready"
)

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	Name     string         `json:"name"`
	Duration time.Duration  `json:"duration"`
	Success  bool           `json:"success"`
	Metrics  map[string]any `json:"metrics,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Cycle is one execution of the pipeline, or a skip record.
//
// Skip records carry ID 0 and zero-duration phases. A processed cycle keeps
// the id it was assigned even when its ledger append failed; in that case
// Persisted is false and the id is retried by the next cycle.
type Cycle struct {
	ID         int64          `json:"id"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	Phases     []PhaseResult  `json:"phases"`
	InputKey   string         `json:"input_key"`
	Success    bool           `json:"success"`
	Persisted  bool           `json:"persisted"`
	Skipped    bool           `json:"skipped"`
	SkipReason SkipReason     `json:"skip_reason,omitempty"`
	Failures   []*fault.Error `json:"failures,omitempty"`
}

// Phase returns the result of the named phase.
func (c Cycle) Phase(name string) (PhaseResult, bool) {
	for _, p := range c.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseResult{}, false
}

// Failed reports whether a failure of the given kind was recorded.
func (c Cycle) Failed(kind fault.Kind) bool {
	for _, f := range c.Failures {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// InputKey returns the idempotence key: the first 16 hex characters of
// sha256("YYYY-MM-DD|cycleCount"), with "|digest" appended when digest is
// non-empty. The day is taken in UTC.
func InputKey(now time.Time, cycleCount int64, digest string) string {
	s := fmt.Sprintf("%s|%d", now.UTC().Format("2006-01-02"), cycleCount)
	if digest != "" {
		s += "|" + digest
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

func skipRecord(now time.Time, key string, reason SkipReason) Cycle {
	phases := make([]PhaseResult, len(PhaseOrder))
	for i, name := range PhaseOrder {
		phases[i] = PhaseResult{Name: name, Success: true}
	}
	return Cycle{
		StartedAt:  now,
		EndedAt:    now,
		Phases:     phases,
		InputKey:   key,
		Success:    reason == SkipUnchanged,
		Skipped:    true,
		SkipReason: reason,
	}
}
