// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_MessageAndUnwrap(t *testing.T) {
	err := New(KindPersistence, "snapshot.save", fs.ErrPermission)

	assert.Equal(t, "persistence snapshot.save: permission denied", err.Error())
	assert.ErrorIs(t, err, fs.ErrPermission)
}

func TestNew_NilErr(t *testing.T) {
	err := New(KindReentrant, "", nil)
	assert.Equal(t, "reentrant: reentrant", err.Error())
}

func TestIs(t *testing.T) {
	wrapped := fmt.Errorf("cycle: %w", New(KindLedgerCorrupt, "ledger.append", errors.New("chain break")))

	assert.True(t, Is(wrapped, KindLedgerCorrupt))
	assert.False(t, Is(wrapped, KindPhase))
	assert.False(t, Is(errors.New("plain"), KindPhase))
}

func TestError_JSON(t *testing.T) {
	in := New(KindPhase, "forecasting", errors.New("boom"))

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"phase","op":"forecasting","message":"boom"}`, string(data))

	var out Error
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, KindPhase, out.Kind)
	assert.Equal(t, "forecasting", out.Op)
	assert.EqualError(t, out.Err, "boom")
}
