package api

import (
	"fmt"
	"net/http"
	"time"

	"mqttscope/pkg/config"
	"mqttscope/pkg/httpx"
	"mqttscope/pkg/storage"
	"mqttscope/pkg/table"
	"mqttscope/pkg/telemetry"
)

// Column sets per view, guarding sort/filter params
var (
	sessionColumns = map[string]bool{
		"client_id": true, "connected_at": true, "disconnected_at": true,
		"duration_seconds": true, "clean_session": true,
		"protocol_version": true, "disconnect_reason": true, "active": true,
	}
	eventColumns = map[string]bool{
		"ts": true, "type": true, "client_id": true, "topic": true,
	}
	subscriptionColumns = map[string]bool{
		"client_id": true, "topic": true, "qos": true, "created_at": true,
	}
	topicColumns = map[string]bool{
		"topic": true, "message_count": true, "last_published": true, "archived": true,
	}
)

// sessionRow flattens a session for the table view, precomputing the
// derived columns the dashboard sorts on
type sessionRow struct {
	telemetry.Session
	DurationSeconds int64 `json:"duration_seconds"`
	IsActive        bool  `json:"active"`
}

// HandleSessions handles GET /v1/sessions
func (h *Handler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	params, err := table.ParseParams(r.URL.Query(), sessionColumns)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	now := time.Now()
	snap := h.snap.Snapshot()
	rows := make([]sessionRow, 0, len(snap.Sessions))
	for _, s := range snap.Sessions {
		rows = append(rows, sessionRow{
			Session:         s,
			DurationSeconds: int64(s.Duration(now).Seconds()),
			IsActive:        s.Active(),
		})
	}

	page := table.Apply(rows, params, func(row sessionRow, column string) (interface{}, bool) {
		switch column {
		case "client_id":
			return row.ClientID, true
		case "connected_at":
			return row.ConnectedAt, true
		case "disconnected_at":
			if row.DisconnectedAt == nil {
				return time.Time{}, true
			}
			return *row.DisconnectedAt, true
		case "duration_seconds":
			return row.DurationSeconds, true
		case "clean_session":
			return row.CleanSession, true
		case "protocol_version":
			return int64(row.ProtocolVersion), true
		case "disconnect_reason":
			return row.DisconnectReason, true
		case "active":
			return row.IsActive, true
		}
		return nil, false
	})

	httpx.RespondJSON(w, http.StatusOK, page)
}

// HandleEvents handles GET /v1/events. Raw events come out of the local
// cache; the window param (default 24h) bounds the scan.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	params, err := table.ParseParams(r.URL.Query(), eventColumns)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	window, err := parseWindow(r.URL.Query().Get("window"), config.DefaultChartWindow)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := contextWithTimeout(r, config.TableTimeout)
	defer cancel()

	raw := storage.ResolutionRaw
	events, err := h.store.Query(ctx, storage.QueryRequest{
		Start:      time.Now().Add(-window),
		End:        time.Now(),
		Resolution: &raw,
		Limit:      config.TableScanLimit,
	})
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query failed: %w", err))
		return
	}

	page := table.Apply(events, params, func(e telemetry.Event, column string) (interface{}, bool) {
		switch column {
		case "ts":
			return e.Timestamp, true
		case "type":
			return string(e.Type), true
		case "client_id":
			return e.ClientID, true
		case "topic":
			return e.Topic, true
		}
		return nil, false
	})

	httpx.RespondJSON(w, http.StatusOK, page)
}

// HandleSubscriptions handles GET /v1/subscriptions
func (h *Handler) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	params, err := table.ParseParams(r.URL.Query(), subscriptionColumns)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	snap := h.snap.Snapshot()
	page := table.Apply(snap.Subscriptions, params, func(s telemetry.Subscription, column string) (interface{}, bool) {
		switch column {
		case "client_id":
			return s.ClientID, true
		case "topic":
			return s.Topic, true
		case "qos":
			return int64(s.QoS), true
		case "created_at":
			return s.Created, true
		}
		return nil, false
	})

	httpx.RespondJSON(w, http.StatusOK, page)
}

// HandleTopics handles GET /v1/topics
func (h *Handler) HandleTopics(w http.ResponseWriter, r *http.Request) {
	params, err := table.ParseParams(r.URL.Query(), topicColumns)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	snap := h.snap.Snapshot()
	page := table.Apply(snap.Topics, params, func(t telemetry.TopicActivity, column string) (interface{}, bool) {
		switch column {
		case "topic":
			return t.Topic, true
		case "message_count":
			return t.MessageCount, true
		case "last_published":
			return t.LastPublished, true
		case "archived":
			return t.Archived, true
		}
		return nil, false
	})

	httpx.RespondJSON(w, http.StatusOK, page)
}
