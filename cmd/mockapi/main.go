// Command mockapi serves a synthetic broker telemetry API with PostgREST
// semantics: tables under /, procedures under /rpc. It simulates a small
// fleet of MQTT clients connecting, subscribing and publishing so the
// dashboard server has something to poll during local development.
package main

import (
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"mqttscope/pkg/telemetry"
)

const (
	listenAddr     = ":3000"
	tickInterval   = 2 * time.Second
	fleetSize      = 12
	maxEventsKept  = 100000
	serverRowLimit = 1000 // default page size when no limit is given
)

var sampleTopics = []string{
	"sensors/temperature",
	"sensors/humidity",
	"devices/+/status",
	"alerts/critical",
	"fleet/location",
	"home/lights",
}

var disconnectReasons = []string{
	"normal disconnection",
	"keepalive timeout",
	"protocol error",
	"session taken over",
}

// session is a telemetry session plus the updated_at column the poller
// filters on
type session struct {
	telemetry.Session
	UpdatedAt time.Time `json:"updated_at"`
}

// world holds the simulated broker state
type world struct {
	mu            sync.Mutex
	rng           *rand.Rand
	nextEventID   int64
	nextSessionID int64
	nextSubID     int64

	events        []telemetry.Event
	sessions      []session
	subscriptions []telemetry.Subscription
	topics        map[string]*telemetry.TopicActivity
}

func newWorld(seed int64) *world {
	return &world{
		rng:    rand.New(rand.NewSource(seed)),
		topics: make(map[string]*telemetry.TopicActivity),
	}
}

func (w *world) addEvent(clientID string, typ telemetry.EventType, topic string, now time.Time) {
	w.nextEventID++
	w.events = append(w.events, telemetry.Event{
		ID:        w.nextEventID,
		ClientID:  clientID,
		Type:      typ,
		Topic:     topic,
		Timestamp: now,
	})
	if len(w.events) > maxEventsKept {
		w.events = w.events[len(w.events)-maxEventsKept:]
	}
}

// tick advances the simulation one step: some clients connect, some
// disconnect, open clients subscribe and publish
func (w *world) tick(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	clientID := fmt.Sprintf("client-%02d", w.rng.Intn(fleetSize))

	// Find this client's open session, if any
	var open *session
	for i := range w.sessions {
		if w.sessions[i].ClientID == clientID && w.sessions[i].Active() {
			open = &w.sessions[i]
			break
		}
	}

	switch {
	case open == nil:
		// Connect: TCP handshake event, then the MQTT connect
		w.nextSessionID++
		w.sessions = append(w.sessions, session{
			Session: telemetry.Session{
				ID:              w.nextSessionID,
				ClientID:        clientID,
				ConnectedAt:     now,
				CleanSession:    w.rng.Intn(2) == 0,
				ProtocolVersion: []int{4, 5}[w.rng.Intn(2)],
			},
			UpdatedAt: now,
		})
		w.addEvent(clientID, telemetry.EventTCPConnection, "", now)
		w.addEvent(clientID, telemetry.EventConnect, "", now)

	case w.rng.Float64() < 0.15:
		// Disconnect the open session
		disconnectedAt := now
		open.DisconnectedAt = &disconnectedAt
		open.DisconnectReason = disconnectReasons[w.rng.Intn(len(disconnectReasons))]
		open.UpdatedAt = now
		w.addEvent(clientID, telemetry.EventDisconnect, "", now)

		// Clean sessions drop their subscriptions on disconnect
		if open.CleanSession {
			kept := w.subscriptions[:0]
			for _, sub := range w.subscriptions {
				if sub.ClientID != clientID {
					kept = append(kept, sub)
				}
			}
			w.subscriptions = kept
		}

	case w.rng.Float64() < 0.3:
		// Subscribe to a topic not yet held
		topic := sampleTopics[w.rng.Intn(len(sampleTopics))]
		held := false
		for _, sub := range w.subscriptions {
			if sub.ClientID == clientID && sub.Topic == topic {
				held = true
				break
			}
		}
		if !held {
			w.nextSubID++
			w.subscriptions = append(w.subscriptions, telemetry.Subscription{
				ID:       w.nextSubID,
				ClientID: clientID,
				Topic:    topic,
				QoS:      w.rng.Intn(3),
				Created:  now,
			})
			w.addEvent(clientID, telemetry.EventSubscribe, topic, now)
		}

	default:
		// Publish a handful of messages
		topic := sampleTopics[w.rng.Intn(len(sampleTopics))]
		activity, ok := w.topics[topic]
		if !ok {
			activity = &telemetry.TopicActivity{Topic: topic}
			w.topics[topic] = activity
		}
		if !activity.Archived {
			activity.MessageCount += int64(1 + w.rng.Intn(20))
			activity.LastPublished = now
		}
		w.addEvent(clientID, telemetry.EventCheckpoint, topic, now)
	}
}

// rows serializes a table into generic rows for filtering and sorting
func (w *world) rows(table string) ([]map[string]interface{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var src interface{}
	switch table {
	case "events":
		src = w.events
	case "sessions":
		src = w.sessions
	case "subscriptions":
		src = w.subscriptions
	case "topic_activity":
		topics := make([]telemetry.TopicActivity, 0, len(w.topics))
		for _, t := range w.topics {
			topics = append(topics, *t)
		}
		src = topics
	default:
		return nil, false
	}

	data, err := json.Marshal(src)
	if err != nil {
		return nil, false
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, false
	}
	return rows, true
}

// topicAction implements the archive/unarchive/delete procedures
func (w *world) topicAction(proc, topic string, dryRun bool) (affected int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	activity, ok := w.topics[topic]

	switch proc {
	case "archive_topic":
		if ok && !activity.Archived {
			affected = 1
			if !dryRun {
				activity.Archived = true
			}
		}
	case "unarchive_topic":
		if ok && activity.Archived {
			affected = 1
			if !dryRun {
				activity.Archived = false
			}
		}
	case "delete_topic":
		if ok {
			affected = 1 + activity.MessageCount
			if !dryRun {
				delete(w.topics, topic)
			}
		}
		// Count the events that reference the topic as affected rows
		for _, e := range w.events {
			if e.Topic == topic {
				affected++
			}
		}
		if !dryRun {
			kept := w.events[:0]
			for _, e := range w.events {
				if e.Topic != topic {
					kept = append(kept, e)
				}
			}
			w.events = kept
		}
	default:
		return 0, fmt.Errorf("unknown procedure %q", proc)
	}
	return affected, nil
}

// matchFilter applies one column=op.value condition to a row
func matchFilter(row map[string]interface{}, column, expr string) bool {
	op, value, found := strings.Cut(expr, ".")
	if !found {
		return true
	}

	cell, ok := row[column]
	if op == "is" {
		switch value {
		case "null":
			return !ok || cell == nil
		case "true":
			b, _ := cell.(bool)
			return b
		case "false":
			b, _ := cell.(bool)
			return !b
		}
		return false
	}
	if !ok || cell == nil {
		return false
	}

	cmp, comparable := compareCell(cell, value)
	switch op {
	case "eq":
		return comparable && cmp == 0
	case "neq":
		return comparable && cmp != 0
	case "gt":
		return comparable && cmp > 0
	case "gte":
		return comparable && cmp >= 0
	case "lt":
		return comparable && cmp < 0
	case "lte":
		return comparable && cmp <= 0
	case "like":
		s, _ := cell.(string)
		return likeMatch(s, value)
	case "in":
		inner := strings.TrimSuffix(strings.TrimPrefix(value, "("), ")")
		for _, candidate := range strings.Split(inner, ",") {
			if c, comparable := compareCell(cell, candidate); comparable && c == 0 {
				return true
			}
		}
		return false
	}
	return false
}

// compareCell compares a JSON cell against a filter literal. Timestamps
// compare as times, numbers as floats, everything else as strings.
func compareCell(cell interface{}, literal string) (int, bool) {
	switch v := cell.(type) {
	case string:
		if ct, err := time.Parse(time.RFC3339Nano, v); err == nil {
			if lt, err := time.Parse(time.RFC3339Nano, literal); err == nil {
				return ct.Compare(lt), true
			}
		}
		return strings.Compare(v, literal), true
	case float64:
		lf, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return 0, false
		}
		switch {
		case v < lf:
			return -1, true
		case v > lf:
			return 1, true
		}
		return 0, true
	case bool:
		lb, err := strconv.ParseBool(literal)
		if err != nil {
			return 0, false
		}
		if v == lb {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}

// likeMatch implements the SQL LIKE subset with % wildcards
func likeMatch(s, pattern string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// handleTable serves GET /{table} with PostgREST filter, order, limit and
// offset params plus Content-Range totals under Prefer: count=exact
func handleTable(w *world) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		table := mux.Vars(r)["table"]
		rows, ok := w.rows(table)
		if !ok {
			http.Error(rw, fmt.Sprintf(`{"message":"relation %q does not exist"}`, table), http.StatusNotFound)
			return
		}

		query := r.URL.Query()

		// Filters: everything that isn't a reserved keyword
		filtered := rows[:0:0]
		for _, row := range rows {
			keep := true
			for column, exprs := range query {
				switch column {
				case "order", "limit", "offset", "select":
					continue
				}
				for _, expr := range exprs {
					if !matchFilter(row, column, expr) {
						keep = false
					}
				}
			}
			if keep {
				filtered = append(filtered, row)
			}
		}

		// Ordering: order=column.asc|desc, comma-separated for tie-breaks
		// (the dashboard pages events on ts.asc,id.asc)
		if order := query.Get("order"); order != "" {
			terms := strings.Split(order, ",")
			sort.SliceStable(filtered, func(i, j int) bool {
				for _, term := range terms {
					column, dir, _ := strings.Cut(term, ".")
					a := fmt.Sprint(filtered[i][column])
					cmp, _ := compareCell(filtered[j][column], a)
					if cmp == 0 {
						continue
					}
					if dir == "desc" {
						return cmp < 0
					}
					return cmp > 0
				}
				return false
			})
		}

		total := len(filtered)

		offset := 0
		if v := query.Get("offset"); v != "" {
			offset, _ = strconv.Atoi(v)
		}
		limit := serverRowLimit
		if v := query.Get("limit"); v != "" {
			limit, _ = strconv.Atoi(v)
		}
		if offset > len(filtered) {
			offset = len(filtered)
		}
		end := offset + limit
		if end > len(filtered) {
			end = len(filtered)
		}
		page := filtered[offset:end]

		if strings.Contains(r.Header.Get("Prefer"), "count=exact") {
			rw.Header().Set("Content-Range", fmt.Sprintf("%d-%d/%d", offset, end, total))
		}
		rw.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(rw).Encode(page); err != nil {
			log.Printf("❌ Failed to encode %s rows: %v", table, err)
		}
	}
}

// handleRPC serves POST /rpc/{proc} for the topic admin procedures
func handleRPC(w *world) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		proc := mux.Vars(r)["proc"]

		var args struct {
			Topic  string `json:"topic"`
			DryRun bool   `json:"dry_run"`
		}
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			http.Error(rw, `{"message":"invalid JSON body"}`, http.StatusBadRequest)
			return
		}

		affected, err := w.topicAction(proc, args.Topic, args.DryRun)
		if err != nil {
			http.Error(rw, fmt.Sprintf(`{"message":%q}`, err.Error()), http.StatusNotFound)
			return
		}

		log.Printf("🗄️  RPC %s topic=%q dry_run=%v affected=%d", proc, args.Topic, args.DryRun, affected)

		rw.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(rw).Encode(map[string]interface{}{
			"topic":    args.Topic,
			"affected": affected,
			"dry_run":  args.DryRun,
		}); err != nil {
			log.Printf("❌ Failed to encode %s result: %v", proc, err)
		}
	}
}

func main() {
	log.Println("🎭 Starting mock telemetry API...")

	w := newWorld(time.Now().UnixNano())

	// Seed an hour of history so charts have data immediately
	backfillStart := time.Now().Add(-1 * time.Hour)
	for t := backfillStart; t.Before(time.Now()); t = t.Add(tickInterval) {
		w.tick(t)
	}
	log.Printf("🌱 Seeded %d events across %d sessions", len(w.events), len(w.sessions))

	// Keep simulating in the background
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for range ticker.C {
			w.tick(time.Now())
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/rpc/{proc}", handleRPC(w)).Methods("POST")
	router.HandleFunc("/{table}", handleTable(w)).Methods("GET")

	server := &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("🌐 Mock API listening on http://localhost%s", listenAddr)
		log.Println("   GET  /events?ts=gte.<RFC3339>&order=ts.asc,id.asc&limit=1000")
		log.Println("   GET  /sessions, /subscriptions, /topic_activity")
		log.Println("   POST /rpc/archive_topic {\"topic\":..., \"dry_run\":...}")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Mock API failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("👋 Mock API exiting")
}
