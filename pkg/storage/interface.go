package storage

import (
	"context"
	"time"

	"mqttscope/pkg/telemetry"
)

// Resolution identifies how coarse a stored row is. Raw events come straight
// from the upstream poller or the MQTT bridge; 5m and 1h rows are count
// rollups produced by the rollup job.
type Resolution string

const (
	ResolutionRaw Resolution = "raw"
	Resolution5m  Resolution = "5m"
	Resolution1h  Resolution = "1h"
)

// ResolutionKey is the details key marking a rollup row. Raw events never
// carry it.
const ResolutionKey = "__resolution__"

// CountKey is the details key holding the event count a rollup row stands for
const CountKey = "__count__"

// Storage defines the interface for the local telemetry cache.
// Implementations: memory (testing), badger (production)
type Storage interface {
	// Write stores events
	Write(ctx context.Context, events []telemetry.Event) error

	// Query retrieves events within a time range
	Query(ctx context.Context, req QueryRequest) ([]telemetry.Event, error)

	// Delete removes events matching the options
	Delete(ctx context.Context, opts DeleteOptions) error

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns cache statistics
	Stats(ctx context.Context) (*Stats, error)
}

// QueryRequest specifies what events to retrieve
type QueryRequest struct {
	// Time range
	Start time.Time
	End   time.Time

	// Filter by event type (optional)
	Types []telemetry.EventType

	// Filter by client (optional)
	ClientID string

	// Filter by topic (optional, exact match)
	Topic string

	// Filter by resolution (nil = any)
	Resolution *Resolution

	// Limit number of results (0 = no limit)
	Limit int
}

// DeleteOptions specifies what events to remove
type DeleteOptions struct {
	// Remove events with timestamps before this cutoff
	Before time.Time

	// Only remove rows of this resolution (nil = any)
	Resolution *Resolution
}

// Stats provides cache health and usage info
type Stats struct {
	// Total events cached
	TotalEvents uint64

	// Unique series (client + type + topic combinations)
	TotalSeries uint64

	// Cache size in bytes
	SizeBytes uint64

	// Oldest event timestamp
	OldestEvent time.Time

	// Newest event timestamp
	NewestEvent time.Time
}

// RowResolution returns the resolution recorded on an event row
func RowResolution(e telemetry.Event) Resolution {
	if e.Details != nil {
		if r, ok := e.Details[ResolutionKey]; ok {
			return Resolution(r)
		}
	}
	return ResolutionRaw
}

// RowCount returns how many underlying events a row stands for: 1 for raw
// events, the stored count for rollup rows.
func RowCount(e telemetry.Event) int64 {
	if e.Details != nil {
		if c, ok := e.Details[CountKey]; ok {
			var n int64
			for _, ch := range c {
				if ch < '0' || ch > '9' {
					return 1
				}
				n = n*10 + int64(ch-'0')
			}
			if n > 0 {
				return n
			}
		}
	}
	return 1
}

// Matches checks if an event matches the query filters
func (req QueryRequest) Matches(e telemetry.Event) bool {
	// Time range
	if e.Timestamp.Before(req.Start) || e.Timestamp.After(req.End) {
		return false
	}

	// Event type filter
	if len(req.Types) > 0 {
		found := false
		for _, t := range req.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	// Client filter
	if req.ClientID != "" && e.ClientID != req.ClientID {
		return false
	}

	// Topic filter
	if req.Topic != "" && e.Topic != req.Topic {
		return false
	}

	// Resolution filter
	if req.Resolution != nil && RowResolution(e) != *req.Resolution {
		return false
	}

	return true
}
