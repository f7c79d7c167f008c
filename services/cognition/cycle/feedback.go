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
	"math"
	"time"

	"github.com/AleutianAI/cognition/services/cognition/analysis"
)

// UpdateBaseline folds one (forecast, observed) pair into b with an
// exponentially weighted moving average. The first sample initializes the
// baseline directly.
func UpdateBaseline(b analysis.Baseline, forecast, observed, alpha float64, now time.Time) analysis.Baseline {
	errAbs := math.Abs(forecast - observed)
	if b.Samples == 0 {
		return analysis.Baseline{Mean: observed, MAE: errAbs, Samples: 1, UpdatedAt: now.UTC()}
	}
	return analysis.Baseline{
		Mean:      (1-alpha)*b.Mean + alpha*observed,
		MAE:       (1-alpha)*b.MAE + alpha*errAbs,
		Samples:   b.Samples + 1,
		UpdatedAt: now.UTC(),
	}
}

// normalizePatterns clamps confidences to [0,1] and drops results below
// floor. It returns the kept results and how many were dropped.
func normalizePatterns(in []analysis.Result, floor float64) ([]analysis.Result, int) {
	out := make([]analysis.Result, 0, len(in))
	for _, r := range in {
		r.Confidence = analysis.Clamp01(r.Confidence)
		if r.Confidence < floor {
			continue
		}
		out = append(out, r)
	}
	return out, len(in) - len(out)
}
