package api

import (
	"fmt"
	"net/http"
	"time"

	"mqttscope/pkg/aggregate"
	"mqttscope/pkg/config"
	"mqttscope/pkg/httpx"
	"mqttscope/pkg/storage"
)

// OverviewResponse is the dashboard's headline panel
type OverviewResponse struct {
	ActiveSessions    int                       `json:"active_sessions"`
	TotalSessions     int                       `json:"total_sessions"`
	Subscriptions     int                       `json:"subscriptions"`
	Topics            int                       `json:"topics"`
	ArchivedTopics    int                       `json:"archived_topics"`
	EventsLastHour    int64                     `json:"events_last_hour"`
	SessionDurations  aggregate.DurationSummary `json:"session_durations"`
	TopTopics         []aggregate.Count         `json:"top_topics"`
	TopClients        []aggregate.Count         `json:"top_clients"`
	SnapshotUpdatedAt time.Time                 `json:"snapshot_updated_at"`
}

// HandleOverview handles GET /v1/overview
func (h *Handler) HandleOverview(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, config.OverviewTimeout)
	defer cancel()

	now := time.Now()
	snap := h.snap.Snapshot()

	resp := OverviewResponse{
		TotalSessions:     len(snap.Sessions),
		Subscriptions:     len(snap.Subscriptions),
		SessionDurations:  aggregate.SummarizeDurations(snap.Sessions, now),
		SnapshotUpdatedAt: snap.UpdatedAt,
	}
	resp.ActiveSessions = resp.SessionDurations.ActiveCount

	for _, t := range snap.Topics {
		if t.Archived {
			resp.ArchivedTopics++
		} else {
			resp.Topics++
		}
	}

	// Event volume over the last hour, rollups included
	events, err := h.store.Query(ctx, storage.QueryRequest{
		Start: now.Add(-1 * time.Hour),
		End:   now,
	})
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query failed: %w", err))
		return
	}
	for _, e := range events {
		resp.EventsLastHour += storage.RowCount(e)
	}

	if h.counter != nil {
		resp.TopTopics = h.counter.TopTopics(config.TopBreakdownSize)
		resp.TopClients = h.counter.TopClients(config.TopBreakdownSize)
	}

	httpx.RespondJSON(w, http.StatusOK, resp)
}
