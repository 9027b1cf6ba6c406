package export

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"mqttscope/pkg/config"
	"mqttscope/pkg/httpx"
)

// Handler serves the export HTTP endpoint
type Handler struct {
	exporter *Exporter
}

// NewHandler creates an export handler
func NewHandler(exporter *Exporter) *Handler {
	return &Handler{exporter: exporter}
}

// HandleExport handles GET /v1/export
// Query params:
//   - table: "events" or "sessions" (default: events)
//   - format: "json" or "csv" (default: json)
//   - start: RFC3339 timestamp (default: 24h ago)
//   - end: RFC3339 timestamp (default: now)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	tableName := query.Get("table")
	if tableName == "" {
		tableName = "events"
	}
	if tableName != "events" && tableName != "sessions" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "table must be 'events' or 'sessions'")
		return
	}

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "format must be 'json' or 'csv'")
		return
	}

	end := parseTimeParam(query.Get("end"), time.Now())
	start := parseTimeParam(query.Get("start"), end.Add(-config.DefaultExportWindow))

	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > config.MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("time range too large, maximum is %v", config.MaxExportWindow))
		return
	}

	opts := Options{
		Table:  tableName,
		Start:  start,
		End:    end,
		Format: format,
	}

	filename := fmt.Sprintf("mqttscope_%s_%s.%s", tableName, time.Now().Format("20060102_150405"), format)
	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	result, err := h.exporter.Export(r.Context(), w, opts)
	if err != nil {
		// Headers are already written; all we can do is log
		log.Printf("❌ Export failed: %v", err)
		return
	}

	log.Printf("📦 Exported %d %s rows as %s", result.RowsExported, result.Table, result.Format)
}

// parseTimeParam parses an RFC3339 timestamp, falling back to a default
func parseTimeParam(value string, fallback time.Time) time.Time {
	if value == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return fallback
	}
	return t
}
