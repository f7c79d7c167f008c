// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index maintains the Cache Index, a derived and fully rebuildable
// lookup structure over the ledger.
//
// # Description
//
// The index maps UTC days, UTC hours and file paths to cycle ids and keeps
// one Entry per ledger entry. It is a pure function of the ledger and the
// file-change trace: Rebuild regenerates it from scratch, and a sequence of
// UpdateIncremental calls over the same inputs converges to the same
// content. The file on disk is replaced atomically and carries a checksum
// so a damaged index is detected and rebuilt.
package index

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/AleutianAI/cognition/services/cognition/tracefeed"
)

const (
	// FormatVersion is the on-disk index format.
	FormatVersion = 1

	// DefaultAssociationWindow bounds file association around a cycle.
	DefaultAssociationWindow = 60 * time.Second

	// MaxFilesPerEntry caps associated paths per entry.
	MaxFilesPerEntry = 3

	dayLayout = "2006-01-02"
)

// Entry is one indexed cycle.
type Entry struct {
	CycleID   int64          `json:"cycle_id"`
	Timestamp time.Time      `json:"timestamp"`
	Day       string         `json:"day"`
	Hour      int            `json:"hour"`
	Phases    map[string]int `json:"phases"`
	Files     []string       `json:"files"`
}

// Summary is what the cycle engine hands to UpdateIncremental.
type Summary struct {
	CycleID   int64
	Timestamp time.Time
	Phases    map[string]int
}

// Index is the persisted form.
type Index struct {
	Version  int                `json:"version"`
	ByDay    map[string][]int64 `json:"by_day"`
	ByHour   map[string][]int64 `json:"by_hour"`
	ByFile   map[string][]int64 `json:"by_file"`
	Entries  []Entry            `json:"entries"`
	Checksum string             `json:"checksum"`
	BuiltAt  time.Time          `json:"built_at"`
}

// Stats summarizes the index.
type Stats struct {
	Entries    int       `json:"entries"`
	Days       int       `json:"days"`
	Hours      int       `json:"hours"`
	Files      int       `json:"files"`
	FirstCycle int64     `json:"first_cycle"`
	LastCycle  int64     `json:"last_cycle"`
	BuiltAt    time.Time `json:"built_at"`
}

func newIndex() *Index {
	return &Index{
		Version: FormatVersion,
		ByDay:   make(map[string][]int64),
		ByHour:  make(map[string][]int64),
		ByFile:  make(map[string][]int64),
		Entries: make([]Entry, 0),
	}
}

// HourKey returns the by_hour key ("YYYY-MM-DD:HH") for a UTC day and hour.
func HourKey(day string, hour int) string {
	return fmt.Sprintf("%s:%02d", day, hour)
}

// NewEntry derives the day and hour buckets of a summary in UTC.
func NewEntry(s Summary, files []string) Entry {
	ts := s.Timestamp.UTC()
	phases := make(map[string]int, len(s.Phases))
	for k, v := range s.Phases {
		phases[k] = v
	}
	if files == nil {
		files = []string{}
	}
	return Entry{
		CycleID:   s.CycleID,
		Timestamp: ts,
		Day:       ts.Format(dayLayout),
		Hour:      ts.Hour(),
		Phases:    phases,
		Files:     files,
	}
}

// AssociateFiles picks up to MaxFilesPerEntry distinct paths from touches
// in [at-window, at]. Only changes the cycle could have seen count, so the
// result does not depend on when it is computed. Nearer touches win; equal
// distances are ordered by path.
func AssociateFiles(at time.Time, touches []tracefeed.Touch, window time.Duration) []string {
	if window <= 0 {
		window = DefaultAssociationWindow
	}
	type candidate struct {
		path  string
		delta time.Duration
	}
	var cands []candidate
	for _, t := range touches {
		d := at.Sub(t.Timestamp)
		if d < 0 || d > window || t.Path == "" {
			continue
		}
		cands = append(cands, candidate{path: t.Path, delta: d})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].delta != cands[j].delta {
			return cands[i].delta < cands[j].delta
		}
		return cands[i].path < cands[j].path
	})

	files := make([]string, 0, MaxFilesPerEntry)
	seen := make(map[string]bool)
	for _, c := range cands {
		if seen[c.path] {
			continue
		}
		seen[c.path] = true
		files = append(files, c.path)
		if len(files) == MaxFilesPerEntry {
			break
		}
	}
	return files
}

// add inserts e unless its cycle id is already present. It reports whether
// the index changed.
func (ix *Index) add(e Entry, byID map[int64]int) bool {
	if _, ok := byID[e.CycleID]; ok {
		return false
	}

	pos := sort.Search(len(ix.Entries), func(i int) bool { return ix.Entries[i].CycleID > e.CycleID })
	ix.Entries = append(ix.Entries, Entry{})
	copy(ix.Entries[pos+1:], ix.Entries[pos:])
	ix.Entries[pos] = e
	if pos == len(ix.Entries)-1 {
		byID[e.CycleID] = pos
	} else {
		for i := pos; i < len(ix.Entries); i++ {
			byID[ix.Entries[i].CycleID] = i
		}
	}

	ix.ByDay[e.Day] = insertID(ix.ByDay[e.Day], e.CycleID)
	hk := HourKey(e.Day, e.Hour)
	ix.ByHour[hk] = insertID(ix.ByHour[hk], e.CycleID)
	for _, f := range e.Files {
		ix.ByFile[f] = insertID(ix.ByFile[f], e.CycleID)
	}
	return true
}

// insertID keeps ids sorted and unique. Appending in id order is O(1).
func insertID(ids []int64, id int64) []int64 {
	n := len(ids)
	if n == 0 || ids[n-1] < id {
		return append(ids, id)
	}
	pos := sort.Search(n, func(i int) bool { return ids[i] >= id })
	if pos < n && ids[pos] == id {
		return ids
	}
	ids = append(ids, 0)
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = id
	return ids
}

// computeChecksum hashes the entry list, which determines every map.
func computeChecksum(entries []Entry) (string, error) {
	data, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// idsFor returns a copy of m[key], never nil.
func idsFor(m map[string][]int64, key string) []int64 {
	out := make([]int64, len(m[key]))
	copy(out, m[key])
	return out
}

// basenameMatches unions the ids of every path whose base name is name.
func basenameMatches(m map[string][]int64, name string) []int64 {
	var out []int64
	for p, ids := range m {
		if path.Base(p) == name {
			for _, id := range ids {
				out = insertID(out, id)
			}
		}
	}
	if out == nil {
		out = []int64{}
	}
	return out
}
