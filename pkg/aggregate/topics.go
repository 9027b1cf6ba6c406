package aggregate

import (
	"sort"
	"sync"
	"time"

	"mqttscope/pkg/storage"
	"mqttscope/pkg/telemetry"
)

// Memory safety for the live counter
const (
	// Drop entries not seen in the last 24 hours
	entryRetentionPeriod = 24 * time.Hour

	// Run cleanup every hour
	cleanupInterval = 1 * time.Hour
)

// Count is one row of a top-N breakdown
type Count struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// TopicCounter tracks per-topic and per-client event counts as events flow
// through the poller and bridge, serving live top-N breakdowns without a
// storage scan.
// SAFETY: Periodically drops stale entries to prevent unbounded memory growth
type TopicCounter struct {
	mu sync.RWMutex

	topics  map[string]int64
	clients map[string]int64

	// lastSeen drives retention cleanup
	topicSeen  map[string]time.Time
	clientSeen map[string]time.Time

	lastCleanup time.Time
}

// NewTopicCounter creates a live breakdown counter
func NewTopicCounter() *TopicCounter {
	return &TopicCounter{
		topics:      make(map[string]int64),
		clients:     make(map[string]int64),
		topicSeen:   make(map[string]time.Time),
		clientSeen:  make(map[string]time.Time),
		lastCleanup: time.Now(),
	}
}

// Record counts an event against its topic and client
func (c *TopicCounter) Record(e telemetry.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupLocked()

	now := time.Now()
	n := storage.RowCount(e)

	if e.Topic != "" {
		c.topics[e.Topic] += n
		c.topicSeen[e.Topic] = now
	}
	if e.ClientID != "" {
		c.clients[e.ClientID] += n
		c.clientSeen[e.ClientID] = now
	}
}

// TopTopics returns the n most active topics, highest count first
func (c *TopicCounter) TopTopics(n int) []Count {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return topN(c.topics, n)
}

// TopClients returns the n most active clients, highest count first
func (c *TopicCounter) TopClients(n int) []Count {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return topN(c.clients, n)
}

// cleanupLocked drops entries not seen within the retention period.
// MUST be called with the write lock held.
func (c *TopicCounter) cleanupLocked() {
	now := time.Now()
	if now.Sub(c.lastCleanup) < cleanupInterval {
		return
	}
	c.lastCleanup = now
	cutoff := now.Add(-entryRetentionPeriod)

	for topic, seen := range c.topicSeen {
		if seen.Before(cutoff) {
			delete(c.topicSeen, topic)
			delete(c.topics, topic)
		}
	}
	for client, seen := range c.clientSeen {
		if seen.Before(cutoff) {
			delete(c.clientSeen, client)
			delete(c.clients, client)
		}
	}
}

// TopTopics computes a top-N topic breakdown from an event slice
func TopTopics(events []telemetry.Event, n int) []Count {
	counts := make(map[string]int64)
	for _, e := range events {
		if e.Topic == "" {
			continue
		}
		counts[e.Topic] += storage.RowCount(e)
	}
	return topN(counts, n)
}

// TopClients computes a top-N client breakdown from an event slice
func TopClients(events []telemetry.Event, n int) []Count {
	counts := make(map[string]int64)
	for _, e := range events {
		if e.ClientID == "" {
			continue
		}
		counts[e.ClientID] += storage.RowCount(e)
	}
	return topN(counts, n)
}

// topN sorts a count map descending and keeps the first n entries.
// Ties break on key so output is deterministic.
func topN(counts map[string]int64, n int) []Count {
	all := make([]Count, 0, len(counts))
	for k, v := range counts {
		all = append(all, Count{Key: k, Count: v})
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Key < all[j].Key
	})

	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}
