package pgrest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mqttscope/pkg/telemetry"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{BaseURL: server.URL, RateLimit: 1000, Burst: 1000})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client, server
}

func TestSelect_BuildsPostgRESTQuery(t *testing.T) {
	var gotQuery string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if r.URL.Path != "/events" {
			t.Errorf("Unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[]`)
	}))

	var events []telemetry.Event
	_, err := client.Select(context.Background(), SelectRequest{
		Table:   "events",
		Filters: []Filter{Gt("ts", "2024-01-01T00:00:00Z"), Eq("type", "connect")},
		Order:   "ts.asc",
		Limit:   100,
		Offset:  50,
	}, &events)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	for _, want := range []string{
		"ts=gt.2024-01-01T00%3A00%3A00Z",
		"type=eq.connect",
		"order=ts.asc",
		"limit=100",
		"offset=50",
	} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("Query %q missing %q", gotQuery, want)
		}
	}
}

func TestSelect_DecodesRowsAndContentRange(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Prefer") != "count=exact" {
			t.Errorf("Expected Prefer: count=exact, got %q", r.Header.Get("Prefer"))
		}
		w.Header().Set("Content-Range", "0-1/3573")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[
			{"id": 1, "client_id": "a", "type": "connect", "ts": "2024-01-01T10:00:00Z"},
			{"id": 2, "client_id": "b", "type": "subscribe", "topic": "x", "ts": "2024-01-01T10:01:00Z"}
		]`)
	}))

	var events []telemetry.Event
	total, err := client.Select(context.Background(), SelectRequest{Table: "events", Count: true}, &events)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if total != 3573 {
		t.Errorf("Expected total 3573, got %d", total)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[1].Topic != "x" || events[1].Type != telemetry.EventSubscribe {
		t.Errorf("Decoded event wrong: %+v", events[1])
	}
}

func TestSelect_NoCountMeansNoTotal(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))

	var events []telemetry.Event
	total, err := client.Select(context.Background(), SelectRequest{Table: "events"}, &events)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if total != -1 {
		t.Errorf("Expected -1 without count, got %d", total)
	}
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `[]`)
	}))

	var events []telemetry.Event
	_, err := client.Select(context.Background(), SelectRequest{Table: "events"}, &events)
	if err != nil {
		t.Fatalf("Expected retries to recover, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestDo_404IsPermanent(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))

	var events []telemetry.Event
	_, err := client.Select(context.Background(), SelectRequest{Table: "missing"}, &events)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("404 must not be retried, got %d attempts", calls)
	}
}

func TestDo_BearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `[]`)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	var events []telemetry.Event
	if _, err := client.Select(context.Background(), SelectRequest{Table: "events"}, &events); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Expected bearer token header, got %q", gotAuth)
	}
}

func TestRPC_PostsArgs(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/rpc/archive_topic" {
			t.Errorf("Unexpected path %q", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected JSON content type, got %q", ct)
		}
		fmt.Fprint(w, `{"topic": "sensors/temp", "affected": 12, "dry_run": true}`)
	}))

	result, err := client.ExecuteTopicAction(context.Background(), ActionArchive, "sensors/temp", true)
	if err != nil {
		t.Fatalf("ExecuteTopicAction failed: %v", err)
	}
	if result.Affected != 12 || !result.DryRun || result.Topic != "sensors/temp" {
		t.Errorf("Unexpected result: %+v", result)
	}
}

func TestExecuteTopicAction_Validation(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("No request expected for invalid input")
	}))

	if _, err := client.ExecuteTopicAction(context.Background(), "detonate", "x", false); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("Expected ErrUnknownAction, got %v", err)
	}
	if _, err := client.ExecuteTopicAction(context.Background(), ActionDelete, "", false); err == nil {
		t.Error("Expected error for empty topic")
	}
}

func TestEventsSince_CursorFilter(t *testing.T) {
	var gotQuery string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `[]`)
	}))

	since := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if _, err := client.EventsSince(context.Background(), since, 2, 500); err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	for _, want := range []string{
		"ts=gte.",
		"order=ts.asc%2Cid.asc",
		"limit=500",
		"offset=2",
	} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("Query %q missing %q", gotQuery, want)
		}
	}
}

func TestParseContentRangeTotal(t *testing.T) {
	tests := []struct {
		header string
		want   int64
		ok     bool
	}{
		{"0-24/3573", 3573, true},
		{"*/0", 0, true},
		{"0-24/*", 0, false},
		{"", 0, false},
		{"garbage", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseContentRangeTotal(tt.header)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseContentRangeTotal(%q) = %d, %v; want %d, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error for missing base URL")
	}
}
