// Package api serves the JSON endpoints the dashboard page polls: the
// overview panel, chart series, table views, topic admin actions and cache
// stats.
package api

import (
	"context"
	"net/http"
	"time"

	"mqttscope/pkg/aggregate"
	"mqttscope/pkg/config"
	"mqttscope/pkg/httpx"
	"mqttscope/pkg/pgrest"
	"mqttscope/pkg/poller"
	"mqttscope/pkg/storage"
)

// ActionClient is the slice of the upstream client the topic actions need
type ActionClient interface {
	ExecuteTopicAction(ctx context.Context, action pgrest.TopicAction, topic string, dryRun bool) (*pgrest.TopicActionResult, error)
}

// SnapshotProvider supplies the latest non-event table snapshot
type SnapshotProvider interface {
	Snapshot() poller.Snapshot
}

// Handler holds the dashboard API's dependencies
type Handler struct {
	store    storage.Storage
	upstream ActionClient
	snap     SnapshotProvider
	counter  *aggregate.TopicCounter
	audit    *AuditLog
}

// NewHandler creates the dashboard API handler
func NewHandler(store storage.Storage, upstream ActionClient, snap SnapshotProvider, counter *aggregate.TopicCounter) *Handler {
	return &Handler{
		store:    store,
		upstream: upstream,
		snap:     snap,
		counter:  counter,
		audit:    NewAuditLog(),
	}
}

// HandleStats handles GET /v1/stats: local cache statistics
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.StatsTimeout)
	defer cancel()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

// parseTimeParam parses an RFC3339 timestamp, falling back to a default
func parseTimeParam(value string, fallback time.Time) time.Time {
	if value == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return fallback
}

// parseWindow parses a duration query param bounded by the chart maximum
func parseWindow(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, errInvalidDuration(value)
	}
	if d > config.MaxChartWindow {
		return 0, errWindowTooLarge
	}
	return d, nil
}
