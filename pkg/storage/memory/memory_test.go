package memory

import (
	"context"
	"testing"
	"time"

	"mqttscope/pkg/storage"
	"mqttscope/pkg/telemetry"
)

func seedEvents(t *testing.T, store *Storage, events []telemetry.Event) {
	t.Helper()
	if err := store.Write(context.Background(), events); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func TestQuery_TimeRange(t *testing.T) {
	store := New()
	defer store.Close()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	seedEvents(t, store, []telemetry.Event{
		{ID: 1, ClientID: "a", Type: telemetry.EventConnect, Timestamp: base},
		{ID: 2, ClientID: "a", Type: telemetry.EventDisconnect, Timestamp: base.Add(10 * time.Minute)},
		{ID: 3, ClientID: "b", Type: telemetry.EventConnect, Timestamp: base.Add(1 * time.Hour)},
	})

	results, err := store.Query(context.Background(), storage.QueryRequest{
		Start: base,
		End:   base.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected 2 events in range, got %d", len(results))
	}
}

func TestQuery_Filters(t *testing.T) {
	store := New()
	defer store.Close()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	seedEvents(t, store, []telemetry.Event{
		{ID: 1, ClientID: "a", Type: telemetry.EventConnect, Timestamp: base},
		{ID: 2, ClientID: "a", Type: telemetry.EventSubscribe, Topic: "x", Timestamp: base},
		{ID: 3, ClientID: "b", Type: telemetry.EventSubscribe, Topic: "y", Timestamp: base},
	})

	req := storage.QueryRequest{
		Start: base.Add(-time.Minute),
		End:   base.Add(time.Minute),
		Types: []telemetry.EventType{telemetry.EventSubscribe},
	}
	results, err := store.Query(context.Background(), req)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected 2 subscribe events, got %d", len(results))
	}

	req.ClientID = "b"
	results, _ = store.Query(context.Background(), req)
	if len(results) != 1 || results[0].ID != 3 {
		t.Errorf("Expected only client b's subscribe, got %+v", results)
	}

	req.ClientID = ""
	req.Topic = "x"
	results, _ = store.Query(context.Background(), req)
	if len(results) != 1 || results[0].ID != 2 {
		t.Errorf("Expected only topic x, got %+v", results)
	}
}

func TestQuery_ResolutionFilter(t *testing.T) {
	store := New()
	defer store.Close()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	seedEvents(t, store, []telemetry.Event{
		{ID: 1, Type: telemetry.EventConnect, Timestamp: base},
		{ID: 2, Type: telemetry.EventConnect, Timestamp: base, Details: map[string]string{
			storage.ResolutionKey: string(storage.Resolution5m),
			storage.CountKey:      "9",
		}},
	})

	raw := storage.ResolutionRaw
	results, err := store.Query(context.Background(), storage.QueryRequest{
		Start:      base.Add(-time.Minute),
		End:        base.Add(time.Minute),
		Resolution: &raw,
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != 1 {
		t.Errorf("Expected only the raw row, got %+v", results)
	}

	rolled := storage.Resolution5m
	results, _ = store.Query(context.Background(), storage.QueryRequest{
		Start:      base.Add(-time.Minute),
		End:        base.Add(time.Minute),
		Resolution: &rolled,
	})
	if len(results) != 1 || results[0].ID != 2 {
		t.Errorf("Expected only the 5m row, got %+v", results)
	}
}

func TestQuery_Limit(t *testing.T) {
	store := New()
	defer store.Close()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var events []telemetry.Event
	for i := 0; i < 10; i++ {
		events = append(events, telemetry.Event{
			ID: int64(i), Type: telemetry.EventConnect, Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	seedEvents(t, store, events)

	results, _ := store.Query(context.Background(), storage.QueryRequest{
		Start: base,
		End:   base.Add(time.Minute),
		Limit: 3,
	})
	if len(results) != 3 {
		t.Errorf("Expected limit 3, got %d", len(results))
	}
}

func TestDelete_BeforeCutoffWithResolution(t *testing.T) {
	store := New()
	defer store.Close()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	seedEvents(t, store, []telemetry.Event{
		{ID: 1, Type: telemetry.EventConnect, Timestamp: base},
		{ID: 2, Type: telemetry.EventConnect, Timestamp: base, Details: map[string]string{
			storage.ResolutionKey: string(storage.Resolution5m),
		}},
		{ID: 3, Type: telemetry.EventConnect, Timestamp: base.Add(time.Hour)},
	})

	// Delete only raw rows before the cutoff
	raw := storage.ResolutionRaw
	err := store.Delete(context.Background(), storage.DeleteOptions{
		Before:     base.Add(time.Minute),
		Resolution: &raw,
	})
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	results, _ := store.Query(context.Background(), storage.QueryRequest{
		Start: base.Add(-time.Minute),
		End:   base.Add(2 * time.Hour),
	})
	if len(results) != 2 {
		t.Fatalf("Expected 2 surviving events, got %d", len(results))
	}
	for _, e := range results {
		if e.ID == 1 {
			t.Error("Raw row before cutoff should have been deleted")
		}
	}
}

func TestStats(t *testing.T) {
	store := New()
	defer store.Close()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	seedEvents(t, store, []telemetry.Event{
		{ID: 1, ClientID: "a", Type: telemetry.EventConnect, Timestamp: base},
		{ID: 2, ClientID: "a", Type: telemetry.EventConnect, Timestamp: base.Add(time.Hour)},
		{ID: 3, ClientID: "b", Type: telemetry.EventSubscribe, Topic: "x", Timestamp: base.Add(2 * time.Hour)},
	})

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalEvents != 3 {
		t.Errorf("Expected 3 events, got %d", stats.TotalEvents)
	}
	if stats.TotalSeries != 2 {
		t.Errorf("Expected 2 series, got %d", stats.TotalSeries)
	}
	if !stats.OldestEvent.Equal(base) {
		t.Errorf("Unexpected oldest event %v", stats.OldestEvent)
	}
	if !stats.NewestEvent.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("Unexpected newest event %v", stats.NewestEvent)
	}
}
