package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"mqttscope/pkg/aggregate"
	"mqttscope/pkg/config"
	"mqttscope/pkg/httpx"
	"mqttscope/pkg/storage"
	"mqttscope/pkg/telemetry"
)

// Per-chart defaults. These match the widths the dashboard's panels render
// at: a fine sparkline for TCP connections, medium buckets for churn, coarse
// buckets for multi-day event volume.
const (
	churnDefaultWindow       = 24 * time.Hour
	churnDefaultBucket       = aggregate.BucketMedium
	connectionsDefaultWindow = 1 * time.Hour
	connectionsDefaultBucket = aggregate.BucketFine
	eventsDefaultWindow      = 72 * time.Hour
	eventsDefaultBucket      = aggregate.BucketCoarse
	timelineDefaultWindow    = 6 * time.Hour
)

var errWindowTooLarge = fmt.Errorf("window too large, maximum is %v", config.MaxChartWindow)

func errInvalidDuration(value string) error {
	return fmt.Errorf("invalid duration %q", value)
}

// chartRange resolves the window and bucket params of a chart request
func chartRange(r *http.Request, defaultWindow, defaultBucket time.Duration) (start, end time.Time, bucket time.Duration, err error) {
	query := r.URL.Query()

	window, err := parseWindow(query.Get("window"), defaultWindow)
	if err != nil {
		return time.Time{}, time.Time{}, 0, err
	}

	bucket, err = parseWindow(query.Get("bucket"), defaultBucket)
	if err != nil {
		return time.Time{}, time.Time{}, 0, err
	}
	if bucket > window {
		return time.Time{}, time.Time{}, 0, errors.New("bucket must not exceed window")
	}

	end = time.Now()
	return end.Add(-window), end, bucket, nil
}

// queryWindow fetches events of the given types across the window, rollup
// rows included so charts stay complete past raw retention
func (h *Handler) queryWindow(r *http.Request, start, end time.Time, types ...telemetry.EventType) ([]telemetry.Event, error) {
	ctx, cancel := contextWithTimeout(r, config.ChartTimeout)
	defer cancel()

	return h.store.Query(ctx, storage.QueryRequest{
		Start: start,
		End:   end,
		Types: types,
	})
}

// ChurnResponse is the connect/disconnect chart payload
type ChurnResponse struct {
	Bucket string                 `json:"bucket"`
	Points []aggregate.ChurnPoint `json:"points"`
}

// HandleChurnChart handles GET /v1/charts/churn
func (h *Handler) HandleChurnChart(w http.ResponseWriter, r *http.Request) {
	start, end, bucket, err := chartRange(r, churnDefaultWindow, churnDefaultBucket)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	events, err := h.queryWindow(r, start, end, telemetry.EventConnect, telemetry.EventDisconnect)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query failed: %w", err))
		return
	}

	buckets := aggregate.Bucketize(events, bucket, start, end)
	httpx.RespondJSON(w, http.StatusOK, ChurnResponse{
		Bucket: bucket.String(),
		Points: aggregate.Churn(buckets),
	})
}

// SeriesResponse is a generic chart payload of one or more series
type SeriesResponse struct {
	Bucket string             `json:"bucket"`
	Series []aggregate.Series `json:"series"`
}

// HandleConnectionsChart handles GET /v1/charts/connections: TCP connection
// events over fine buckets
func (h *Handler) HandleConnectionsChart(w http.ResponseWriter, r *http.Request) {
	start, end, bucket, err := chartRange(r, connectionsDefaultWindow, connectionsDefaultBucket)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	events, err := h.queryWindow(r, start, end, telemetry.EventTCPConnection)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query failed: %w", err))
		return
	}

	buckets := aggregate.Bucketize(events, bucket, start, end)
	httpx.RespondJSON(w, http.StatusOK, SeriesResponse{
		Bucket: bucket.String(),
		Series: []aggregate.Series{aggregate.SeriesFor(buckets, telemetry.EventTCPConnection)},
	})
}

// HandleEventsChart handles GET /v1/charts/events: per-type event volume
// over coarse buckets
func (h *Handler) HandleEventsChart(w http.ResponseWriter, r *http.Request) {
	start, end, bucket, err := chartRange(r, eventsDefaultWindow, eventsDefaultBucket)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	events, err := h.queryWindow(r, start, end)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query failed: %w", err))
		return
	}

	buckets := aggregate.Bucketize(events, bucket, start, end)

	series := make([]aggregate.Series, 0, len(telemetry.AllEventTypes)+1)
	series = append(series, aggregate.TotalSeries(buckets, "total"))
	for _, t := range telemetry.AllEventTypes {
		series = append(series, aggregate.SeriesFor(buckets, t))
	}

	httpx.RespondJSON(w, http.StatusOK, SeriesResponse{
		Bucket: bucket.String(),
		Series: series,
	})
}

// TimelineResponse is the session Gantt payload
type TimelineResponse struct {
	Start     int64                `json:"start"`
	End       int64                `json:"end"`
	Intervals []aggregate.Interval `json:"intervals"`
}

// HandleTimelineChart handles GET /v1/charts/timeline: session intervals
// clipped to the window
func (h *Handler) HandleTimelineChart(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r.URL.Query().Get("window"), timelineDefaultWindow)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	end := time.Now()
	start := end.Add(-window)

	snap := h.snap.Snapshot()
	intervals := aggregate.Timeline(snap.Sessions, start, end)

	httpx.RespondJSON(w, http.StatusOK, TimelineResponse{
		Start:     start.UnixMilli(),
		End:       end.UnixMilli(),
		Intervals: intervals,
	})
}
