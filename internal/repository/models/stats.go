// Package models contains aggregate views computed from stored results.
package models

import "github.com/nadmax/nexarena/internal/domain"

type ModelStats struct {
	ModelID         string  `json:"model_id"`
	Results         int     `json:"results"`
	Failures        int     `json:"failures"`
	AvgTTFTMs       float64 `json:"avg_ttft_ms"`
	AvgOutputRate   float64 `json:"avg_output_rate"`
	TotalDurationMs int64   `json:"total_duration_ms"`
	TotalUnits      int64   `json:"total_units"`
	AvgRating       float64 `json:"avg_rating"`
	Rated           int     `json:"rated"`
}

// Aggregate computes stats over one model's results. Averages and totals only cover successful
// results that carry metrics.
func Aggregate(modelID string, results []domain.Result) ModelStats {
	stats := ModelStats{ModelID: modelID, Results: len(results)}

	var measured int
	var ttft, rate float64
	var ratingSum int
	for _, r := range results {
		if r.Rating != nil {
			stats.Rated++
			ratingSum += *r.Rating
		}
		if r.Failed() {
			stats.Failures++
			continue
		}
		if r.Metrics == nil {
			continue
		}

		measured++
		ttft += float64(r.Metrics.TTFTMs)
		rate += r.Metrics.OutputRate
		stats.TotalDurationMs += r.Metrics.TotalDurationMs
		stats.TotalUnits += int64(r.Metrics.OutputUnits)
	}

	if measured > 0 {
		stats.AvgTTFTMs = ttft / float64(measured)
		stats.AvgOutputRate = rate / float64(measured)
	}
	if stats.Rated > 0 {
		stats.AvgRating = float64(ratingSum) / float64(stats.Rated)
	}

	return stats
}
