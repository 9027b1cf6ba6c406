package pgrest

import (
	"context"
	"time"

	"mqttscope/pkg/telemetry"
)

// Table names on the remote telemetry store
const (
	TableSessions      = "sessions"
	TableEvents        = "events"
	TableSubscriptions = "subscriptions"
	TableTopicActivity = "topic_activity"
)

// EventsSince fetches events at or after the cursor timestamp, ordered by
// timestamp then id. skip is how many rows at exactly the cursor timestamp
// the caller already holds; with (ts, id) ordering those sort first, so an
// offset steps over them and a page boundary inside a group of identical
// timestamps resumes with the rest of the group instead of losing it.
func (c *Client) EventsSince(ctx context.Context, since time.Time, skip, limit int) ([]telemetry.Event, error) {
	var events []telemetry.Event
	_, err := c.Select(ctx, SelectRequest{
		Table:   TableEvents,
		Filters: []Filter{Gte("ts", since.UTC().Format(time.RFC3339Nano))},
		Order:   "ts.asc,id.asc",
		Limit:   limit,
		Offset:  skip,
	}, &events)
	return events, err
}

// SessionsSince fetches sessions that connected or disconnected after the
// cursor. The remote store updates a session row in place on disconnect, so
// filtering on connected_at alone would miss closures.
func (c *Client) SessionsSince(ctx context.Context, since time.Time, limit int) ([]telemetry.Session, error) {
	var sessions []telemetry.Session
	_, err := c.Select(ctx, SelectRequest{
		Table:   TableSessions,
		Filters: []Filter{Gte("updated_at", since.UTC().Format(time.RFC3339Nano))},
		Order:   "connected_at.asc",
		Limit:   limit,
	}, &sessions)
	return sessions, err
}

// RecentSessions fetches sessions overlapping the window, newest first
func (c *Client) RecentSessions(ctx context.Context, window time.Duration, limit int) ([]telemetry.Session, error) {
	cutoff := time.Now().Add(-window)
	var sessions []telemetry.Session
	_, err := c.Select(ctx, SelectRequest{
		Table:   TableSessions,
		Filters: []Filter{Gte("connected_at", cutoff.UTC().Format(time.RFC3339Nano))},
		Order:   "connected_at.desc",
		Limit:   limit,
	}, &sessions)
	return sessions, err
}

// ActiveSessions fetches currently open sessions (no disconnect recorded)
func (c *Client) ActiveSessions(ctx context.Context, limit int) ([]telemetry.Session, int64, error) {
	var sessions []telemetry.Session
	total, err := c.Select(ctx, SelectRequest{
		Table:   TableSessions,
		Filters: []Filter{{Column: "disconnected_at", Op: "is", Value: "null"}},
		Order:   "connected_at.desc",
		Limit:   limit,
		Count:   true,
	}, &sessions)
	return sessions, total, err
}

// Subscriptions fetches the full subscriptions table
func (c *Client) Subscriptions(ctx context.Context, limit int) ([]telemetry.Subscription, error) {
	var subs []telemetry.Subscription
	_, err := c.Select(ctx, SelectRequest{
		Table: TableSubscriptions,
		Order: "created_at.desc",
		Limit: limit,
	}, &subs)
	return subs, err
}

// TopicActivity fetches per-topic counters, busiest topics first
func (c *Client) TopicActivity(ctx context.Context, includeArchived bool, limit int) ([]telemetry.TopicActivity, error) {
	req := SelectRequest{
		Table: TableTopicActivity,
		Order: "message_count.desc",
		Limit: limit,
	}
	if !includeArchived {
		req.Filters = append(req.Filters, Eq("archived", "false"))
	}

	var topics []telemetry.TopicActivity
	_, err := c.Select(ctx, req, &topics)
	return topics, err
}
