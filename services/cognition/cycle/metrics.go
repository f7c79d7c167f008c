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
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for cycle operations.
var (
	tracer = otel.Tracer("cognition.cycle")
	meter  = otel.Meter("cognition.cycle")
)

// Metrics for cycle operations.
var (
	cyclesProcessed   metric.Int64Counter
	cyclesSkipped     metric.Int64Counter
	phaseFailures     metric.Int64Counter
	phaseDuration     metric.Float64Histogram
	persistFailures   metric.Int64Counter
	snapshotSaves     metric.Int64Counter
	watchdogRestarts  metric.Int64Counter
	cycleDurationHist metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		if cyclesProcessed, err = meter.Int64Counter(
			"cognition_cycles_processed_total",
			metric.WithDescription("Cycles that ran the analysis phases"),
		); err != nil {
			metricsErr = err
			return
		}
		if cyclesSkipped, err = meter.Int64Counter(
			"cognition_cycles_skipped_total",
			metric.WithDescription("Cycles recorded as skips, by reason"),
		); err != nil {
			metricsErr = err
			return
		}
		if phaseFailures, err = meter.Int64Counter(
			"cognition_phase_failures_total",
			metric.WithDescription("Failed analysis phases, by phase"),
		); err != nil {
			metricsErr = err
			return
		}
		if phaseDuration, err = meter.Float64Histogram(
			"cognition_phase_duration_seconds",
			metric.WithDescription("Duration of analysis phases"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
		if persistFailures, err = meter.Int64Counter(
			"cognition_persistence_failures_total",
			metric.WithDescription("Failed ledger, index, snapshot or log writes, by operation"),
		); err != nil {
			metricsErr = err
			return
		}
		if snapshotSaves, err = meter.Int64Counter(
			"cognition_snapshot_saves_total",
			metric.WithDescription("Snapshots written"),
		); err != nil {
			metricsErr = err
			return
		}
		if watchdogRestarts, err = meter.Int64Counter(
			"cognition_watchdog_restarts_total",
			metric.WithDescription("Engine restarts triggered by the watchdog"),
		); err != nil {
			metricsErr = err
			return
		}
		cycleDurationHist, err = meter.Float64Histogram(
			"cognition_cycle_duration_seconds",
			metric.WithDescription("Duration of processed cycles"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordProcessed(ctx context.Context, d time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	cyclesProcessed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	cycleDurationHist.Record(ctx, d.Seconds())
}

func recordSkipped(ctx context.Context, reason SkipReason) {
	if err := initMetrics(); err != nil {
		return
	}
	cyclesSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
}

func recordPhase(ctx context.Context, name string, d time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("phase", name))
	phaseDuration.Record(ctx, d.Seconds(), attrs)
	if !success {
		phaseFailures.Add(ctx, 1, attrs)
	}
}

func recordPersistFailure(ctx context.Context, op string) {
	if err := initMetrics(); err != nil {
		return
	}
	persistFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func recordSnapshotSave(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	snapshotSaves.Add(ctx, 1)
}

func recordWatchdogRestart(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	watchdogRestarts.Add(ctx, 1)
}
