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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func draft(id int64, count int) Draft {
	return Draft{
		CycleID:   id,
		Timestamp: baseTime.Add(time.Duration(id) * time.Minute),
		RunID:     "7d1f2c7e-9b4a-4c55-8f1e-0a2b3c4d5e6f",
		Phases: []PhaseDigest{
			{Name: "pattern-learning", Hash: "ab12", Count: count},
			{Name: "correlation", Hash: "cd34", Count: 0},
		},
	}
}

func openTemp(t *testing.T, flushEvery int) (*FileLedger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(Config{Path: path, FlushEvery: flushEvery})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func appendN(t *testing.T, l *FileLedger, n int) []Entry {
	t.Helper()
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		e, err := l.AppendCycle(context.Background(), draft(int64(i), i))
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestChainDigest_Deterministic(t *testing.T) {
	phases := draft(1, 2).Phases

	a, err := ChainDigest(GenesisHash, phases)
	require.NoError(t, err)
	b, err := ChainDigest(GenesisHash, phases)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := ChainDigest(a, phases)
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "prev hash must change the digest")
}

func TestAppendCycle_LinksEntries(t *testing.T) {
	l, _ := openTemp(t, 1)
	entries := appendN(t, l, 3)

	assert.Equal(t, GenesisHash, entries[0].PrevHash)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].ChainHash, entries[i].PrevHash)
	}
	assert.Equal(t, 3, l.Len())

	last, ok := l.Last()
	require.True(t, ok)
	assert.Equal(t, int64(3), last.CycleID)

	count, ok := last.PhaseCount("pattern-learning")
	require.True(t, ok)
	assert.Equal(t, 3, count)
}

func TestAppendCycle_RejectsOutOfOrder(t *testing.T) {
	l, _ := openTemp(t, 1)
	appendN(t, l, 2)

	_, err := l.AppendCycle(context.Background(), draft(2, 0))
	assert.ErrorIs(t, err, ErrCycleOrder)

	_, err = l.AppendCycle(context.Background(), draft(4, 0))
	assert.ErrorIs(t, err, ErrCycleOrder)

	assert.Equal(t, 2, l.Len())
}

func TestAppendCycle_CanceledContext(t *testing.T) {
	l, _ := openTemp(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.AppendCycle(ctx, draft(1, 0))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, l.Len())
}

func TestOpen_ReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	l, err := Open(Config{Path: path, FlushEvery: 10})
	require.NoError(t, err)
	first := appendN(t, l, 2)
	require.NoError(t, l.Close())

	l, err = Open(Config{Path: path})
	require.NoError(t, err)
	defer l.Close()

	assert.False(t, l.Status().SafeMode)
	require.Equal(t, 2, l.Len())

	e, err := l.AppendCycle(context.Background(), draft(3, 1))
	require.NoError(t, err)
	assert.Equal(t, first[1].ChainHash, e.PrevHash)

	res, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.RecordCount)
	assert.Equal(t, -1, res.FirstBrokenIndex)
}

func TestFlush_PersistsBufferedEntries(t *testing.T) {
	l, path := openTemp(t, 100)
	appendN(t, l, 3)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data, "entries stay buffered below the flush threshold")

	require.NoError(t, l.Flush())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, bytes.Count(data, []byte("\n")))
}

// TestOpen_AnyByteCorruptionEntersSafeMode flips every byte of the middle
// entry in turn and checks that the ledger refuses to accept the result.
// The 0x20 mask flips letter case, which JSON key matching ignores.
func TestOpen_AnyByteCorruptionEntersSafeMode(t *testing.T) {
	l, path := openTemp(t, 1)
	appendN(t, l, 3)
	require.NoError(t, l.Close())

	original, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.SplitAfter(original, []byte("\n"))
	start := len(lines[0])
	end := start + len(lines[1]) - 1

	for _, mask := range []byte{0x01, 0x20} {
		for pos := start; pos < end; pos++ {
			corrupted := append([]byte(nil), original...)
			corrupted[pos] ^= mask
			require.NoError(t, os.WriteFile(path, corrupted, 0o600))
			assertRejected(t, path, fmt.Sprintf("mask %#x byte %d (%q)", mask, pos-start, original[pos]))
		}
	}
}

func TestOpen_KeyCaseChangeEntersSafeMode(t *testing.T) {
	l, path := openTemp(t, 1)
	appendN(t, l, 3)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.SplitAfter(data, []byte("\n"))
	lines[1] = bytes.Replace(lines[1], []byte(`"cycle_id"`), []byte(`"Cycle_id"`), 1)
	require.NoError(t, os.WriteFile(path, bytes.Join(lines, nil), 0o600))

	assertRejected(t, path, "key case change")
}

// assertRejected opens the damaged ledger at path and checks that only the
// first entry is trusted and appends are refused.
func assertRejected(t *testing.T, path, what string) {
	t.Helper()
	cl, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer cl.Close()

	st := cl.Status()
	if !assert.True(t, st.SafeMode, "%s not detected", what) {
		return
	}
	assert.NotEmpty(t, st.CorruptionReason)
	assert.Equal(t, 1, cl.Len(), "only the entry before the damage is trusted")

	_, err = cl.AppendCycle(context.Background(), draft(2, 0))
	assert.ErrorIs(t, err, ErrSafeMode)
}

func TestVerify_DetectsTamperingAfterOpen(t *testing.T) {
	l, path := openTemp(t, 1)
	appendN(t, l, 2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"count":2`), []byte(`"count":9`), 1)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	res, err := l.Verify()
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.FirstBrokenIndex)
	assert.True(t, l.Status().SafeMode)

	_, err = l.AppendCycle(context.Background(), draft(3, 0))
	assert.ErrorIs(t, err, ErrSafeMode)
}

func TestRepair_TruncatesAndResumes(t *testing.T) {
	l, path := openTemp(t, 1)
	appendN(t, l, 3)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte(`"count":2`), []byte(`"count":7`), 1)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	l, err = Open(Config{Path: path})
	require.NoError(t, err)
	defer l.Close()
	require.True(t, l.Status().SafeMode)

	removed, err := l.Repair()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.False(t, l.Status().SafeMode)
	assert.Equal(t, 1, l.Len())

	_, err = l.AppendCycle(context.Background(), draft(2, 5))
	require.NoError(t, err)

	res, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.RecordCount)
}

func TestOpen_DropsPartialTail(t *testing.T) {
	l, path := openTemp(t, 1)
	appendN(t, l, 2)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"cycle_id":3,"times`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err = Open(Config{Path: path})
	require.NoError(t, err)
	defer l.Close()

	assert.False(t, l.Status().SafeMode)
	_, err = l.AppendCycle(context.Background(), draft(3, 0))
	require.NoError(t, err)

	res, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.RecordCount)
}

func TestClosed(t *testing.T) {
	l, _ := openTemp(t, 1)
	require.NoError(t, l.Close())

	_, err := l.AppendCycle(context.Background(), draft(1, 0))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Flush(), ErrClosed)
}
