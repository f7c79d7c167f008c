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
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/cognition/services/cognition/analysis"
	"github.com/AleutianAI/cognition/services/cognition/durable"
	"github.com/AleutianAI/cognition/services/cognition/fault"
)

// Artifact file names under Config.ArtifactDir.
const (
	StateFile       = "state.json.gz"
	UniversalsFile  = "universals.json.gz"
	HistoryFile     = "history.json.gz"
	artifactVersion = 1
)

// PersistedState is the checkpoint of the engine counters.
type PersistedState struct {
	Version       int       `json:"version"`
	CycleCount    int64     `json:"cycleCount"`
	LastCycleID   int64     `json:"lastCycleId"`
	LastInputHash string    `json:"lastInputHash"`
	Timestamp     time.Time `json:"timestamp"`
}

// Universals is the latest derived state: the results of the most recent
// successful run of each phase.
type Universals struct {
	Patterns      []analysis.Result `json:"patterns"`
	Correlations  []analysis.Result `json:"correlations"`
	Forecasts     []analysis.Result `json:"forecasts"`
	Decisions     []analysis.Result `json:"decisions"`
	CognitiveLoad float64           `json:"cognitive_load"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (u Universals) clone() Universals {
	u.Patterns = cloneResults(u.Patterns)
	u.Correlations = cloneResults(u.Correlations)
	u.Forecasts = cloneResults(u.Forecasts)
	u.Decisions = cloneResults(u.Decisions)
	return u
}

func cloneResults(in []analysis.Result) []analysis.Result {
	out := make([]analysis.Result, len(in))
	copy(out, in)
	return out
}

// artifacts is what loadArtifacts restores.
type artifacts struct {
	state      PersistedState
	universals Universals
	history    []Cycle
}

// writeArtifacts replaces the three artifacts. Each is written atomically;
// a failure of one does not prevent the others.
func writeArtifacts(dir string, a artifacts) []*fault.Error {
	var failures []*fault.Error
	blobs := []struct {
		name string
		v    any
	}{
		{StateFile, a.state},
		{UniversalsFile, a.universals},
		{HistoryFile, a.history},
	}
	for _, b := range blobs {
		if err := writeGzipJSON(filepath.Join(dir, b.name), b.v); err != nil {
			failures = append(failures, fault.New(fault.KindPersistence, "artifact.write "+b.name, err))
		}
	}
	return failures
}

// loadArtifacts reads whatever artifacts exist. Missing or unreadable files
// are reported as artifact_missing and leave the zero value in place.
func loadArtifacts(dir string) (artifacts, []*fault.Error) {
	var (
		a        artifacts
		failures []*fault.Error
	)
	targets := []struct {
		name string
		v    any
	}{
		{StateFile, &a.state},
		{UniversalsFile, &a.universals},
		{HistoryFile, &a.history},
	}
	for _, t := range targets {
		if err := readGzipJSON(filepath.Join(dir, t.name), t.v); err != nil {
			failures = append(failures, fault.New(fault.KindArtifactMissing, "artifact.load "+t.name, err))
		}
	}
	if a.state.Version > artifactVersion {
		failures = append(failures, fault.New(fault.KindArtifactMissing, "artifact.load "+StateFile,
			fmt.Errorf("unsupported version %d", a.state.Version)))
		a.state = PersistedState{}
	}
	return a, failures
}

func writeGzipJSON(path string, v any) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return durable.WriteFile(path, buf.Bytes(), 0o600)
}

func readGzipJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("empty artifact")
	}
	return json.Unmarshal(data, v)
}
