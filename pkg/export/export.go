// Package export streams cached telemetry out of the dashboard as JSON or
// CSV, for spreadsheets and offline analysis.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"mqttscope/pkg/storage"
	"mqttscope/pkg/telemetry"
)

// Exporter reads events out of the cache and sessions out of the poller
// snapshot
type Exporter struct {
	storage  storage.Storage
	sessions func() []telemetry.Session
}

// NewExporter creates an exporter. sessions supplies the current session
// snapshot (nil = session export disabled).
func NewExporter(store storage.Storage, sessions func() []telemetry.Session) *Exporter {
	return &Exporter{storage: store, sessions: sessions}
}

// Options configures one export
type Options struct {
	// Table: "events" or "sessions"
	Table string

	// Time range (events: by timestamp; sessions: by connect time)
	Start time.Time
	End   time.Time

	// Format: "json" or "csv"
	Format string
}

// Result contains stats about the export
type Result struct {
	RowsExported int       `json:"rows_exported"`
	Table        string    `json:"table"`
	TimeRange    string    `json:"time_range"`
	Format       string    `json:"format"`
	ExportedAt   time.Time `json:"exported_at"`
}

// Export writes the requested table to w in the requested format
func (e *Exporter) Export(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	switch opts.Table {
	case "events":
		return e.exportEvents(ctx, w, opts)
	case "sessions":
		return e.exportSessions(w, opts)
	}
	return nil, fmt.Errorf("unknown export table %q", opts.Table)
}

func (e *Exporter) exportEvents(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	raw := storage.ResolutionRaw
	events, err := e.storage.Query(ctx, storage.QueryRequest{
		Start:      opts.Start,
		End:        opts.End,
		Resolution: &raw,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	if opts.Format == "csv" {
		if err := writeEventsCSV(w, events); err != nil {
			return nil, err
		}
		return e.result(opts, len(events)), nil
	}

	payload := struct {
		Metadata exportMetadata    `json:"metadata"`
		Events   []telemetry.Event `json:"events"`
	}{
		Metadata: newMetadata(opts, len(events)),
		Events:   events,
	}
	if err := encodeJSON(w, payload); err != nil {
		return nil, err
	}
	return e.result(opts, len(events)), nil
}

func (e *Exporter) exportSessions(w io.Writer, opts Options) (*Result, error) {
	if e.sessions == nil {
		return nil, fmt.Errorf("session export not available")
	}

	var rows []telemetry.Session
	for _, s := range e.sessions() {
		if s.ConnectedAt.Before(opts.Start) || s.ConnectedAt.After(opts.End) {
			continue
		}
		rows = append(rows, s)
	}

	if opts.Format == "csv" {
		if err := writeSessionsCSV(w, rows); err != nil {
			return nil, err
		}
		return e.result(opts, len(rows)), nil
	}

	payload := struct {
		Metadata exportMetadata      `json:"metadata"`
		Sessions []telemetry.Session `json:"sessions"`
	}{
		Metadata: newMetadata(opts, len(rows)),
		Sessions: rows,
	}
	if err := encodeJSON(w, payload); err != nil {
		return nil, err
	}
	return e.result(opts, len(rows)), nil
}

type exportMetadata struct {
	ExportedAt time.Time `json:"exported_at"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	RowCount   int       `json:"row_count"`
	Table      string    `json:"table"`
	Version    string    `json:"version"`
}

func newMetadata(opts Options, count int) exportMetadata {
	return exportMetadata{
		ExportedAt: time.Now(),
		StartTime:  opts.Start,
		EndTime:    opts.End,
		RowCount:   count,
		Table:      opts.Table,
		Version:    "1.0",
	}
}

func encodeJSON(w io.Writer, payload interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(payload); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func writeEventsCSV(w io.Writer, events []telemetry.Event) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{"timestamp", "type", "client_id", "topic"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range events {
		row := []string{
			e.Timestamp.Format(time.RFC3339),
			string(e.Type),
			e.ClientID,
			e.Topic,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	return writer.Error()
}

func writeSessionsCSV(w io.Writer, sessions []telemetry.Session) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{"client_id", "connected_at", "disconnected_at", "duration_seconds", "clean_session", "disconnect_reason"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	now := time.Now()
	for _, s := range sessions {
		disconnected := ""
		if s.DisconnectedAt != nil {
			disconnected = s.DisconnectedAt.Format(time.RFC3339)
		}
		row := []string{
			s.ClientID,
			s.ConnectedAt.Format(time.RFC3339),
			disconnected,
			strconv.FormatInt(int64(s.Duration(now).Seconds()), 10),
			strconv.FormatBool(s.CleanSession),
			s.DisconnectReason,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	return writer.Error()
}

func (e *Exporter) result(opts Options, count int) *Result {
	return &Result{
		RowsExported: count,
		Table:        opts.Table,
		TimeRange:    fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339)),
		Format:       opts.Format,
		ExportedAt:   time.Now(),
	}
}
