package aggregate

import (
	"sort"
	"time"

	"mqttscope/pkg/telemetry"
)

// Interval is one Gantt row: a session's connected span clipped to the
// requested window
type Interval struct {
	ClientID        string `json:"client_id"`
	SessionID       int64  `json:"session_id"`
	Start           int64  `json:"start"` // Unix milliseconds, clipped
	End             int64  `json:"end"`   // Unix milliseconds, clipped
	Open            bool   `json:"open"`  // still connected at window end
	DurationSeconds int64  `json:"duration_seconds"`
}

// Timeline converts sessions into chart intervals for a [start, end] window.
// Sessions entirely outside the window are dropped; overlapping ones are
// clipped to the window edges. Open sessions extend to the window end.
// Rows are ordered by client then start time so the chart groups per client.
func Timeline(sessions []telemetry.Session, start, end time.Time) []Interval {
	var intervals []Interval

	for _, s := range sessions {
		sessEnd := end
		open := true
		if s.DisconnectedAt != nil {
			sessEnd = *s.DisconnectedAt
			open = false
		}

		// Entirely outside the window
		if sessEnd.Before(start) || s.ConnectedAt.After(end) {
			continue
		}

		clippedStart := s.ConnectedAt
		if clippedStart.Before(start) {
			clippedStart = start
		}
		clippedEnd := sessEnd
		if clippedEnd.After(end) {
			clippedEnd = end
			if s.DisconnectedAt == nil {
				open = true
			}
		}

		intervals = append(intervals, Interval{
			ClientID:        s.ClientID,
			SessionID:       s.ID,
			Start:           clippedStart.UnixMilli(),
			End:             clippedEnd.UnixMilli(),
			Open:            open,
			DurationSeconds: int64(clippedEnd.Sub(clippedStart).Seconds()),
		})
	}

	sort.Slice(intervals, func(i, j int) bool {
		if intervals[i].ClientID != intervals[j].ClientID {
			return intervals[i].ClientID < intervals[j].ClientID
		}
		return intervals[i].Start < intervals[j].Start
	})

	return intervals
}
