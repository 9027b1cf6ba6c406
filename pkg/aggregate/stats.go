package aggregate

import (
	"math"
	"sort"
	"time"

	"mqttscope/pkg/telemetry"
)

// Percentile computes the p-th percentile (0..1) of values using linear
// interpolation between ranks. Returns 0 for an empty slice.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	index := p * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return sorted[lower]
	}

	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Median is the 50th percentile
func Median(values []float64) float64 {
	return Percentile(values, 0.5)
}

// Mean returns the arithmetic average. Returns 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// DurationSummary describes session durations for the overview panel
type DurationSummary struct {
	Count         int     `json:"count"`
	ActiveCount   int     `json:"active_count"`
	AvgSeconds    float64 `json:"avg_seconds"`
	MedianSeconds float64 `json:"median_seconds"`
	P95Seconds    float64 `json:"p95_seconds"`
}

// SummarizeDurations computes avg/median/p95 session duration over completed
// sessions. Open sessions are counted but excluded from the statistics, so a
// long-lived connection does not drag the percentiles while it is still
// running.
func SummarizeDurations(sessions []telemetry.Session, now time.Time) DurationSummary {
	summary := DurationSummary{Count: len(sessions)}

	var durations []float64
	for _, s := range sessions {
		if s.Active() {
			summary.ActiveCount++
			continue
		}
		durations = append(durations, s.Duration(now).Seconds())
	}

	summary.AvgSeconds = Mean(durations)
	summary.MedianSeconds = Median(durations)
	summary.P95Seconds = Percentile(durations, 0.95)

	return summary
}
