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
	"sync/atomic"
	"time"
)

// minWatchdogInterval is the floor of the watchdog check interval.
const minWatchdogInterval = 60 * time.Second

// WatchdogInterval returns how often the watchdog checks liveness:
// max(60s, 2*period).
func WatchdogInterval(period time.Duration) time.Duration {
	if 2*period > minWatchdogInterval {
		return 2 * period
	}
	return minWatchdogInterval
}

// Breached reports whether more than 2*period has elapsed since the last
// successful tick.
func Breached(now, lastSuccess time.Time, period time.Duration) bool {
	return now.Sub(lastSuccess) > 2*period
}

// watchdog tracks the last successful tick and decides when to restart.
// It fires at most once per lastSuccess value, so a single breach yields a
// single restart however many checks observe it.
//
// # Thread Safety
//
// Safe for concurrent use.
type watchdog struct {
	period      atomic.Int64 // time.Duration
	lastSuccess atomic.Int64 // unix nanos
	fired       atomic.Int64 // lastSuccess value that already triggered
}

func (w *watchdog) reset(now time.Time, period time.Duration) {
	w.period.Store(int64(period))
	w.lastSuccess.Store(now.UnixNano())
	w.fired.Store(0)
}

func (w *watchdog) touch(now time.Time) {
	w.lastSuccess.Store(now.UnixNano())
}

func (w *watchdog) last() time.Time {
	n := w.lastSuccess.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// check returns true exactly once for a breach of the current lastSuccess.
func (w *watchdog) check(now time.Time) bool {
	last := w.lastSuccess.Load()
	if last == 0 || !Breached(now, time.Unix(0, last), time.Duration(w.period.Load())) {
		return false
	}
	return w.fired.Swap(last) != last
}
