package memory

import (
	"context"
	"sync"

	"mqttscope/pkg/storage"
	"mqttscope/pkg/telemetry"
)

// Storage keeps events in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	events []telemetry.Event
	mu     sync.RWMutex
}

// New creates an in-memory cache backend
func New() *Storage {
	return &Storage{
		events: make([]telemetry.Event, 0, 10000),
	}
}

// Write stores events in memory
func (s *Storage) Write(ctx context.Context, events []telemetry.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, events...)
	return nil
}

// Query retrieves events matching the request
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]telemetry.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []telemetry.Event

	for _, e := range s.events {
		if !req.Matches(e) {
			continue
		}

		results = append(results, e)

		// Limit check
		if req.Limit > 0 && len(results) >= req.Limit {
			break
		}
	}

	return results, nil
}

// Delete removes events matching the deletion criteria
func (s *Storage) Delete(ctx context.Context, opts storage.DeleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := make([]telemetry.Event, 0, len(s.events))
	for _, e := range s.events {
		if e.Timestamp.Before(opts.Before) {
			if opts.Resolution == nil || storage.RowResolution(e) == *opts.Resolution {
				continue
			}
		}
		filtered = append(filtered, e)
	}

	s.events = filtered
	return nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns cache statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalEvents: uint64(len(s.events)),
	}

	if len(s.events) == 0 {
		return stats, nil
	}

	// Count unique series and find min/max timestamps in single pass
	seriesMap := make(map[string]bool)
	oldest := s.events[0].Timestamp
	newest := s.events[0].Timestamp

	for _, e := range s.events {
		seriesMap[seriesKey(e)] = true

		if e.Timestamp.Before(oldest) {
			oldest = e.Timestamp
		}
		if e.Timestamp.After(newest) {
			newest = e.Timestamp
		}
	}

	stats.TotalSeries = uint64(len(seriesMap))
	stats.OldestEvent = oldest
	stats.NewestEvent = newest

	// Rough size estimate (each event ~120 bytes)
	stats.SizeBytes = uint64(len(s.events)) * 120

	return stats, nil
}

// seriesKey creates a unique key for a series (client + type + topic)
func seriesKey(e telemetry.Event) string {
	return e.ClientID + "," + string(e.Type) + "," + e.Topic
}
