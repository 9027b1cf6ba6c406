// Package telemetry defines the broker telemetry model shared by the
// upstream client, the local cache and the dashboard API: events, sessions,
// subscriptions and per-topic activity counters. Field tags mirror the
// remote store's column names so rows decode directly.
package telemetry

import "time"

// EventType names one kind of broker lifecycle event
type EventType string

const (
	EventConnect       EventType = "connect"
	EventDisconnect    EventType = "disconnect"
	EventSubscribe     EventType = "subscribe"
	EventUnsubscribe   EventType = "unsubscribe"
	EventCheckpoint    EventType = "checkpoint"
	EventTCPConnection EventType = "tcp_connection"
)

// AllEventTypes lists every known event type, in chart display order
var AllEventTypes = []EventType{
	EventConnect,
	EventDisconnect,
	EventSubscribe,
	EventUnsubscribe,
	EventCheckpoint,
	EventTCPConnection,
}

// ValidEventType reports whether t is one of the known event types
func ValidEventType(t EventType) bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is one broker lifecycle event. Topic is empty for events without a
// topic context (connect, disconnect, tcp_connection).
type Event struct {
	ID        int64             `json:"id"`
	ClientID  string            `json:"client_id"`
	Type      EventType         `json:"type"`
	Topic     string            `json:"topic,omitempty"`
	Timestamp time.Time         `json:"ts"`
	Details   map[string]string `json:"details,omitempty"`
}

// Session is one client connection span. DisconnectedAt is nil while the
// client is still connected.
type Session struct {
	ID               int64      `json:"id"`
	ClientID         string     `json:"client_id"`
	ConnectedAt      time.Time  `json:"connected_at"`
	DisconnectedAt   *time.Time `json:"disconnected_at,omitempty"`
	CleanSession     bool       `json:"clean_session"`
	ProtocolVersion  int        `json:"protocol_version"`
	DisconnectReason string     `json:"disconnect_reason,omitempty"`
}

// Active reports whether the session is still connected
func (s Session) Active() bool {
	return s.DisconnectedAt == nil
}

// Duration returns the session length; open sessions measure up to now
func (s Session) Duration(now time.Time) time.Duration {
	end := now
	if s.DisconnectedAt != nil {
		end = *s.DisconnectedAt
	}
	if end.Before(s.ConnectedAt) {
		return 0
	}
	return end.Sub(s.ConnectedAt)
}

// Subscription is one client's subscription to a topic filter
type Subscription struct {
	ID       int64     `json:"id"`
	ClientID string    `json:"client_id"`
	Topic    string    `json:"topic"`
	QoS      int       `json:"qos"`
	Created  time.Time `json:"created_at"`
}

// TopicActivity is the per-topic publish counter the broker maintains.
// Archived topics stop counting and are hidden from the default views.
type TopicActivity struct {
	Topic         string    `json:"topic"`
	MessageCount  int64     `json:"message_count"`
	LastPublished time.Time `json:"last_published"`
	Archived      bool      `json:"archived"`
}
