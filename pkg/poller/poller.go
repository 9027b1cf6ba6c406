// Package poller keeps the local cache in step with the remote telemetry
// store by re-fetching on an interval timer: new events by timestamp cursor,
// plus fresh snapshots of the sessions, subscriptions and topic_activity
// tables for the table views.
package poller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"mqttscope/pkg/aggregate"
	"mqttscope/pkg/obs"
	"mqttscope/pkg/storage"
	"mqttscope/pkg/telemetry"
	"mqttscope/pkg/ws"
)

// How many rows one snapshot fetch may pull per table
const snapshotLimit = 10000

// Upstream is the slice of the PostgREST client the poller needs.
// pgrest.Client satisfies it; tests substitute a fake.
type Upstream interface {
	EventsSince(ctx context.Context, since time.Time, skip, limit int) ([]telemetry.Event, error)
	RecentSessions(ctx context.Context, window time.Duration, limit int) ([]telemetry.Session, error)
	Subscriptions(ctx context.Context, limit int) ([]telemetry.Subscription, error)
	TopicActivity(ctx context.Context, includeArchived bool, limit int) ([]telemetry.TopicActivity, error)
	BreakerState() string
}

// Snapshot is the most recent full read of the non-event tables
type Snapshot struct {
	Sessions      []telemetry.Session
	Subscriptions []telemetry.Subscription
	Topics        []telemetry.TopicActivity
	UpdatedAt     time.Time
}

// Config tunes the polling loop
type Config struct {
	// Interval between poll cycles
	Interval time.Duration

	// BatchSize is the page size for event fetches
	BatchSize int

	// Backfill is how far back the first cycle reaches on a cold cache
	Backfill time.Duration
}

// Poller drives the upstream fetch cycle
type Poller struct {
	upstream Upstream
	store    storage.Storage
	hub      *ws.Hub
	counter  *aggregate.TopicCounter
	cfg      Config

	// cursor is the timestamp of the newest event already cached; cursorIDs
	// holds the row ids cached at exactly that timestamp so fetches resume
	// past them instead of refetching or skipping ties
	cursor    time.Time
	cursorIDs map[int64]struct{}

	mu   sync.RWMutex
	snap Snapshot
}

// New creates a poller. counter and hub may be nil when live breakdowns or
// streaming are not wanted (tests).
func New(upstream Upstream, store storage.Storage, hub *ws.Hub, counter *aggregate.TopicCounter, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Backfill <= 0 {
		cfg.Backfill = 24 * time.Hour
	}

	return &Poller{
		upstream:  upstream,
		store:     store,
		hub:       hub,
		counter:   counter,
		cfg:       cfg,
		cursor:    time.Now().Add(-cfg.Backfill),
		cursorIDs: make(map[int64]struct{}),
	}
}

// Snapshot returns the latest table snapshot
func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Run polls until the context is cancelled. A failed cycle is logged and
// counted; the next tick simply tries again, so a flapping upstream costs
// nothing but staleness.
func (p *Poller) Run(ctx context.Context) {
	// First cycle immediately so the dashboard isn't empty for an interval
	if err := p.PollOnce(ctx); err != nil {
		log.Printf("❌ Initial poll failed: %v", err)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 Stopping upstream poller")
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				obs.PollErrors.Inc()
				log.Printf("❌ Poll cycle failed: %v", err)
			}
		}
	}
}

// PollOnce runs one full fetch cycle
func (p *Poller) PollOnce(ctx context.Context) error {
	defer p.updateBreakerGauge()

	fetched, err := p.fetchEvents(ctx)
	if err != nil {
		return fmt.Errorf("event fetch failed: %w", err)
	}

	if err := p.refreshSnapshot(ctx); err != nil {
		return fmt.Errorf("snapshot refresh failed: %w", err)
	}

	obs.PollCycles.Inc()

	// Push fresh events to connected dashboards
	if p.hub != nil && len(fetched) > 0 && p.hub.HasClients() {
		update := map[string]interface{}{
			"type":      "events_update",
			"timestamp": time.Now().Unix(),
			"events":    fetched,
			"count":     len(fetched),
		}
		if err := p.hub.Broadcast(update); err != nil {
			log.Printf("❌ Failed to broadcast events: %v", err)
		}
	}

	return nil
}

// fetchEvents pages forward from the cursor until a short page signals the
// head of the table. Paging is keyset-style on (timestamp, id): the fetch
// asks for ts >= cursor offset past the rows already held at exactly the
// cursor timestamp, so a batch boundary inside a group of events sharing
// one timestamp resumes with the rest of the group.
func (p *Poller) fetchEvents(ctx context.Context) ([]telemetry.Event, error) {
	var fetched []telemetry.Event

	for {
		events, err := p.upstream.EventsSince(ctx, p.cursor, len(p.cursorIDs), p.cfg.BatchSize)
		if err != nil {
			return fetched, err
		}
		if len(events) == 0 {
			break
		}

		fresh := make([]telemetry.Event, 0, len(events))
		for _, e := range events {
			if e.Timestamp.Before(p.cursor) {
				continue
			}
			if e.Timestamp.Equal(p.cursor) {
				if _, seen := p.cursorIDs[e.ID]; seen {
					continue
				}
			}
			fresh = append(fresh, e)
		}
		if len(fresh) == 0 {
			// Upstream re-sent only rows we already hold; nothing to gain
			// from another page with the same cursor, retry next cycle
			break
		}

		if err := p.store.Write(ctx, fresh); err != nil {
			return fetched, fmt.Errorf("cache write failed: %w", err)
		}

		for _, e := range fresh {
			if p.counter != nil {
				p.counter.Record(e)
			}
			if e.Timestamp.After(p.cursor) {
				p.cursor = e.Timestamp
				p.cursorIDs = make(map[int64]struct{})
			}
			p.cursorIDs[e.ID] = struct{}{}
		}

		obs.RowsFetched.WithLabelValues("events").Add(float64(len(fresh)))
		fetched = append(fetched, fresh...)

		if len(events) < p.cfg.BatchSize {
			break
		}
	}

	return fetched, nil
}

// refreshSnapshot re-reads the non-event tables wholesale. They are small
// (bounded by connected clients and live topics) so a full refresh is
// cheaper than diffing.
func (p *Poller) refreshSnapshot(ctx context.Context) error {
	sessions, err := p.upstream.RecentSessions(ctx, p.cfg.Backfill, snapshotLimit)
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	obs.RowsFetched.WithLabelValues("sessions").Add(float64(len(sessions)))

	subs, err := p.upstream.Subscriptions(ctx, snapshotLimit)
	if err != nil {
		return fmt.Errorf("subscriptions: %w", err)
	}
	obs.RowsFetched.WithLabelValues("subscriptions").Add(float64(len(subs)))

	topics, err := p.upstream.TopicActivity(ctx, true, snapshotLimit)
	if err != nil {
		return fmt.Errorf("topic_activity: %w", err)
	}
	obs.RowsFetched.WithLabelValues("topic_activity").Add(float64(len(topics)))

	p.mu.Lock()
	p.snap = Snapshot{
		Sessions:      sessions,
		Subscriptions: subs,
		Topics:        topics,
		UpdatedAt:     time.Now(),
	}
	p.mu.Unlock()

	return nil
}

func (p *Poller) updateBreakerGauge() {
	if p.upstream.BreakerState() == "open" {
		obs.BreakerOpen.Set(1)
	} else {
		obs.BreakerOpen.Set(0)
	}
}
