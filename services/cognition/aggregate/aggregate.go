// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregate keeps time-bucketed cognitive-load readings and the
// feedback state in BadgerDB.
//
// # Key Layout
//
//	load/YYYY-MM-DD/HH  -> HourLoad   (UTC hour buckets, one value per hour)
//	baseline            -> analysis.Baseline
//	forecast/last       -> Forecast
//
// Hour keys sort lexicographically in time order, so range queries are
// prefix iterations with a seek.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/cognition/services/cognition/analysis"
	cbadger "github.com/AleutianAI/cognition/services/cognition/storage/badger"
)

const (
	loadPrefix   = "load/"
	baselineKey  = "baseline"
	forecastKey  = "forecast/last"
	dayLayout    = "2006-01-02"
	hourLayout   = "2006-01-02/15"
)

// LoadSample is one cognitive-load observation.
type LoadSample struct {
	Edits   int     `json:"edits"`
	Commits int     `json:"commits"`
	Load    float64 `json:"load"`
}

// HourLoad is the reading stored for one UTC hour. Later samples in the
// same hour replace earlier ones; Samples counts how many were recorded.
type HourLoad struct {
	Hour      time.Time `json:"hour"`
	Edits     int       `json:"edits"`
	Commits   int       `json:"commits"`
	Load      float64   `json:"load"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Forecast is the last load forecast, kept for feedback comparison.
type Forecast struct {
	For    time.Time `json:"for"`
	Load   float64   `json:"load"`
	MadeAt time.Time `json:"made_at"`
}

// Store is the aggregate store.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db     *cbadger.DB
	logger *slog.Logger
}

// New returns a Store over an open database. The caller owns db.
func New(db *cbadger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// HourKey returns the bucket key for ts.
func HourKey(ts time.Time) string {
	return loadPrefix + ts.UTC().Format(hourLayout)
}

// RecordLoad stores s in the bucket of ts.
func (s *Store) RecordLoad(ctx context.Context, ts time.Time, sample LoadSample) error {
	key := []byte(HourKey(ts))
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		var h HourLoad
		found, err := getJSON(txn, key, &h)
		if err != nil {
			return err
		}
		if !found {
			h = HourLoad{Hour: ts.UTC().Truncate(time.Hour)}
		}
		h.Edits = sample.Edits
		h.Commits = sample.Commits
		h.Load = sample.Load
		h.Samples++
		h.UpdatedAt = ts.UTC()
		return setJSON(txn, key, h)
	})
}

// HourLoad returns the bucket containing ts.
func (s *Store) HourLoad(ctx context.Context, ts time.Time) (HourLoad, bool, error) {
	var h HourLoad
	var found bool
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, []byte(HourKey(ts)), &h)
		return err
	})
	return h, found, err
}

// DayLoads returns the buckets of one UTC day ("YYYY-MM-DD"), hour order.
func (s *Store) DayLoads(ctx context.Context, day string) ([]HourLoad, error) {
	d, err := time.Parse(dayLayout, day)
	if err != nil {
		return nil, fmt.Errorf("aggregate: invalid day %q: %w", day, err)
	}
	return s.Range(ctx, d, d.Add(24*time.Hour-time.Nanosecond))
}

// Range returns the buckets whose hour lies in [from, to], oldest first.
// Zero bounds are open.
func (s *Store) Range(ctx context.Context, from, to time.Time) ([]HourLoad, error) {
	start := []byte(loadPrefix)
	if !from.IsZero() {
		start = []byte(HourKey(from))
	}
	var end []byte
	if !to.IsZero() {
		end = []byte(HourKey(to))
	}

	out := make([]HourLoad, 0)
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(loadPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			if end != nil && string(item.Key()) > string(end) {
				break
			}
			var h HourLoad
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &h) }); err != nil {
				s.logger.Warn("aggregate.decode_failed", "key", string(item.Key()), "error", err)
				continue
			}
			out = append(out, h)
		}
		return nil
	})
	return out, err
}

// Prune deletes load buckets for hours before cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	limit := HourKey(cutoff)
	var keys [][]byte
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(loadPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			if string(k) >= limit {
				break
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	err = s.db.Update(ctx, func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("aggregate: prune: %w", err)
	}
	return len(keys), nil
}

// Baseline returns the stored feedback baseline, or a zero value.
func (s *Store) Baseline(ctx context.Context) (analysis.Baseline, error) {
	var b analysis.Baseline
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		_, err := getJSON(txn, []byte(baselineKey), &b)
		return err
	})
	return b, err
}

// PutBaseline replaces the feedback baseline.
func (s *Store) PutBaseline(ctx context.Context, b analysis.Baseline) error {
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, []byte(baselineKey), b)
	})
}

// LastForecast returns the most recent load forecast.
func (s *Store) LastForecast(ctx context.Context) (Forecast, bool, error) {
	var f Forecast
	var found bool
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, []byte(forecastKey), &f)
		return err
	})
	return f, found, err
}

// PutForecast replaces the last load forecast.
func (s *Store) PutForecast(ctx context.Context, f Forecast) error {
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, []byte(forecastKey), f)
	})
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, v) }); err != nil {
		return false, fmt.Errorf("aggregate: decode %s: %w", key, err)
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("aggregate: encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}
