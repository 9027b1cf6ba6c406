package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"mqttscope/pkg/config"
	"mqttscope/pkg/httpx"
	"mqttscope/pkg/obs"
	"mqttscope/pkg/pgrest"
)

// Local audit log keeps the last N actions for the dashboard's activity
// panel. The authoritative audit trail lives server-side with the RPCs.
const auditLogSize = 1000

// AuditEntry records one topic action invocation
type AuditEntry struct {
	ID       string    `json:"id"`
	Action   string    `json:"action"`
	Topic    string    `json:"topic"`
	DryRun   bool      `json:"dry_run"`
	Affected int64     `json:"affected"`
	At       time.Time `json:"at"`
}

// AuditLog is a bounded in-memory record of recent topic actions
type AuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

// NewAuditLog creates an empty audit log
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

// Append records an entry, evicting the oldest past the size bound
func (a *AuditLog) Append(entry AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = append(a.entries, entry)
	if len(a.entries) > auditLogSize {
		a.entries = a.entries[len(a.entries)-auditLogSize:]
	}
}

// Entries returns a copy of the log, newest first
func (a *AuditLog) Entries() []AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]AuditEntry, len(a.entries))
	for i, entry := range a.entries {
		out[len(a.entries)-1-i] = entry
	}
	return out
}

// topicActionRequest is the POST body for topic actions
type topicActionRequest struct {
	Topic  string `json:"topic"`
	DryRun bool   `json:"dry_run"`
}

// topicActionResponse echoes the upstream result plus the local audit id
type topicActionResponse struct {
	AuditID  string `json:"audit_id"`
	Action   string `json:"action"`
	Topic    string `json:"topic"`
	DryRun   bool   `json:"dry_run"`
	Affected int64  `json:"affected"`
}

// HandleTopicAction handles POST /v1/topics/{action} for archive, unarchive
// and delete. The dry_run flag asks the server to validate and audit without
// changing anything.
func (h *Handler) HandleTopicAction(w http.ResponseWriter, r *http.Request) {
	action := pgrest.TopicAction(mux.Vars(r)["action"])

	var req topicActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.Topic == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "topic required")
		return
	}

	ctx, cancel := contextWithTimeout(r, config.ActionTimeout)
	defer cancel()

	result, err := h.upstream.ExecuteTopicAction(ctx, action, req.Topic, req.DryRun)
	if err != nil {
		switch {
		case errors.Is(err, pgrest.ErrUnknownAction):
			httpx.RespondError(w, http.StatusNotFound, err)
		case errors.Is(err, pgrest.ErrNotFound):
			httpx.RespondErrorString(w, http.StatusNotFound, "topic procedure not available upstream")
		default:
			httpx.RespondError(w, http.StatusBadGateway, fmt.Errorf("upstream action failed: %w", err))
		}
		return
	}

	entry := AuditEntry{
		ID:       uuid.NewString(),
		Action:   string(action),
		Topic:    req.Topic,
		DryRun:   req.DryRun,
		Affected: result.Affected,
		At:       time.Now(),
	}
	h.audit.Append(entry)
	obs.TopicActions.WithLabelValues(string(action), strconv.FormatBool(req.DryRun)).Inc()

	log.Printf("🗄️  Topic %s on %q (dry_run=%v): %d rows affected", action, req.Topic, req.DryRun, result.Affected)

	httpx.RespondJSON(w, http.StatusOK, topicActionResponse{
		AuditID:  entry.ID,
		Action:   string(action),
		Topic:    req.Topic,
		DryRun:   result.DryRun,
		Affected: result.Affected,
	})
}

// HandleTopicAudit handles GET /v1/topics/audit: recent actions, newest first
func (h *Handler) HandleTopicAudit(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": h.audit.Entries(),
	})
}
