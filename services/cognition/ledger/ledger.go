// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger is the hash-chained, append-only record of processed
// cognitive cycles.
//
// # Description
//
// Every processed cycle contributes one Entry that stores a digest of each
// phase result. Entries are chained: an entry's ChainHash covers the previous
// entry's ChainHash and its own phase digests, so modifying, removing or
// reordering any historical entry breaks the chain from that point on. A
// ledger that fails verification enters safe mode and refuses appends until
// it is repaired.
package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"time"
)

// GenesisHash is the PrevHash of the first entry in a ledger.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	// ErrSafeMode is returned by AppendCycle while the ledger is in safe mode.
	ErrSafeMode = errors.New("ledger is in safe mode")

	// ErrCycleOrder is returned when an appended cycle id does not directly
	// follow the last recorded one.
	ErrCycleOrder = errors.New("cycle id out of order")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger closed")
)

// PhaseDigest summarizes one phase result inside an Entry.
type PhaseDigest struct {
	Name  string `json:"name"`
	Hash  string `json:"hash"`
	Count int    `json:"count"`
}

// Entry is one ledger record.
//
// # Fields
//
//   - ChainHash: sha256(PrevHash || canonical JSON of Phases), hex-encoded.
//   - Checksum: CRC32 (hex) of the JSON form of the entry with Checksum
//     empty. It detects damage to fields the chain does not cover, such as
//     the timestamp.
//
// A stored line must also be byte-identical to the canonical encoding of
// the entry it decodes to; see canonical.
type Entry struct {
	CycleID   int64         `json:"cycle_id"`
	Timestamp time.Time     `json:"timestamp"`
	RunID     string        `json:"run_id,omitempty"`
	Phases    []PhaseDigest `json:"phases"`
	PrevHash  string        `json:"prev_hash"`
	ChainHash string        `json:"chain_hash"`
	Checksum  string        `json:"checksum"`
}

// PhaseCount returns the result count recorded for the named phase.
func (e Entry) PhaseCount(name string) (int, bool) {
	for _, p := range e.Phases {
		if p.Name == name {
			return p.Count, true
		}
	}
	return 0, false
}

// Draft is the caller-supplied part of an Entry.
type Draft struct {
	CycleID   int64
	Timestamp time.Time
	RunID     string
	Phases    []PhaseDigest
}

// Status is the ledger health.
type Status struct {
	SafeMode         bool   `json:"safe_mode"`
	CorruptionReason string `json:"corruption_reason,omitempty"`
}

// VerifyResult is the outcome of a full chain verification.
//
// FirstBrokenIndex is the zero-based index of the first bad entry, or -1
// when the chain is valid.
type VerifyResult struct {
	Valid            bool   `json:"valid"`
	RecordCount      int    `json:"record_count"`
	FirstBrokenIndex int    `json:"first_broken_index"`
	Reason           string `json:"reason,omitempty"`
}

// Ledger is the write side used by the cycle engine.
type Ledger interface {
	AppendCycle(ctx context.Context, draft Draft) (Entry, error)
	Flush() error
	Status() Status
}

// Reader is the read side used by the index and the reconstructor.
type Reader interface {
	Entries() ([]Entry, error)
	Last() (Entry, bool)
	Len() int
}

// ChainDigest computes sha256(prevHash || canonical JSON of phases).
//
// Canonical JSON is the encoding/json form of the slice: struct fields are
// emitted in declaration order and phases in slice order, so equal inputs
// always hash equally.
func ChainDigest(prevHash string, phases []PhaseDigest) (string, error) {
	if phases == nil {
		phases = []PhaseDigest{}
	}
	data, err := json.Marshal(phases)
	if err != nil {
		return "", fmt.Errorf("marshal phases: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestValue returns the hex sha256 of the JSON encoding of v. The cycle
// engine uses it to fill PhaseDigest.Hash.
func DigestValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// entryChecksum computes the CRC32 of e with its Checksum cleared.
func entryChecksum(e Entry) (string, error) {
	e.Checksum = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(data)), nil
}

// canonical reports whether line is exactly the encoding AppendCycle writes
// for e. Decoding alone accepts lines that differ in key case or escaping.
func canonical(line []byte, e Entry) bool {
	data, err := json.Marshal(e)
	if err != nil {
		return false
	}
	return bytes.Equal(line, data)
}

// seal fills PrevHash, ChainHash and Checksum for a draft.
func seal(prevHash string, d Draft) (Entry, error) {
	e := Entry{
		CycleID:   d.CycleID,
		Timestamp: d.Timestamp.UTC(),
		RunID:     d.RunID,
		Phases:    d.Phases,
		PrevHash:  prevHash,
	}
	if e.Phases == nil {
		e.Phases = []PhaseDigest{}
	}
	chain, err := ChainDigest(prevHash, e.Phases)
	if err != nil {
		return Entry{}, err
	}
	e.ChainHash = chain
	sum, err := entryChecksum(e)
	if err != nil {
		return Entry{}, fmt.Errorf("checksum entry: %w", err)
	}
	e.Checksum = sum
	return e, nil
}

// check validates e as the successor of an entry with hash prevHash and
// cycle id prevID (0 for the first entry). It returns a reason on failure.
func check(e Entry, prevHash string, prevID int64) string {
	if e.PrevHash != prevHash {
		return fmt.Sprintf("cycle %d: prev_hash does not match previous chain_hash", e.CycleID)
	}
	chain, err := ChainDigest(e.PrevHash, e.Phases)
	if err != nil || chain != e.ChainHash {
		return fmt.Sprintf("cycle %d: chain_hash mismatch", e.CycleID)
	}
	sum, err := entryChecksum(e)
	if err != nil || sum != e.Checksum {
		return fmt.Sprintf("cycle %d: checksum mismatch", e.CycleID)
	}
	if e.CycleID < 1 {
		return fmt.Sprintf("invalid cycle id %d", e.CycleID)
	}
	if prevID != 0 && e.CycleID != prevID+1 {
		return fmt.Sprintf("cycle %d follows cycle %d", e.CycleID, prevID)
	}
	return ""
}
