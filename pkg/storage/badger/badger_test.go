package badger

import (
	"context"
	"testing"
	"time"

	"mqttscope/pkg/storage"
	"mqttscope/pkg/telemetry"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create in-memory badger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew_OpensWithTuningOptions(t *testing.T) {
	// Every tuning override must stay within badger's accepted ranges
	// (badger.Open validates them and refuses the whole DB otherwise).
	// Exercise both the default and the memory-capped paths on disk.
	for _, maxMB := range []int64{0, 64} {
		store, err := New(Config{Path: t.TempDir(), MaxMemoryMB: maxMB})
		if err != nil {
			t.Fatalf("New(MaxMemoryMB=%d) failed: %v", maxMB, err)
		}
		if err := store.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}
}

func TestWriteAndQuery_RoundTrip(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	events := []telemetry.Event{
		{ID: 1, ClientID: "a", Type: telemetry.EventConnect, Timestamp: base},
		{ID: 2, ClientID: "a", Type: telemetry.EventSubscribe, Topic: "sensors/temp", Timestamp: base.Add(time.Minute)},
		{ID: 3, ClientID: "b", Type: telemetry.EventConnect, Timestamp: base.Add(2 * time.Minute)},
	}

	if err := store.Write(ctx, events); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	results, err := store.Query(ctx, storage.QueryRequest{
		Start: base.Add(-time.Minute),
		End:   base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 events back, got %d", len(results))
	}

	// Details and topic must survive the round trip
	found := false
	for _, e := range results {
		if e.ID == 2 {
			found = true
			if e.Topic != "sensors/temp" || e.Type != telemetry.EventSubscribe {
				t.Errorf("Event fields corrupted: %+v", e)
			}
		}
	}
	if !found {
		t.Error("Event 2 missing from results")
	}
}

func TestWrite_SameSeriesSameTimestamp(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	// Two distinct events on the same series at the same instant must not
	// overwrite each other; the row id tail in the key keeps them apart.
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	events := []telemetry.Event{
		{ID: 10, ClientID: "a", Type: telemetry.EventConnect, Timestamp: base},
		{ID: 11, ClientID: "a", Type: telemetry.EventConnect, Timestamp: base},
	}

	if err := store.Write(ctx, events); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	results, err := store.Query(ctx, storage.QueryRequest{
		Start: base.Add(-time.Second),
		End:   base.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected 2 events, got %d", len(results))
	}
}

func TestQuery_TypeAndClientFilters(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.Write(ctx, []telemetry.Event{
		{ID: 1, ClientID: "a", Type: telemetry.EventConnect, Timestamp: base},
		{ID: 2, ClientID: "a", Type: telemetry.EventDisconnect, Timestamp: base},
		{ID: 3, ClientID: "b", Type: telemetry.EventConnect, Timestamp: base},
	})

	results, err := store.Query(ctx, storage.QueryRequest{
		Start:    base.Add(-time.Minute),
		End:      base.Add(time.Minute),
		Types:    []telemetry.EventType{telemetry.EventConnect},
		ClientID: "a",
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != 1 {
		t.Errorf("Expected only event 1, got %+v", results)
	}
}

func TestQuery_ContextCancellation(t *testing.T) {
	store := newTestStorage(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Query(ctx, storage.QueryRequest{
		Start: time.Now().Add(-time.Hour),
		End:   time.Now(),
	}); err == nil {
		t.Error("Expected error from cancelled context")
	}
}

func TestDelete_ByResolution(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.Write(ctx, []telemetry.Event{
		{ID: 1, ClientID: "a", Type: telemetry.EventConnect, Timestamp: base},
		{ID: 2, ClientID: "a", Type: telemetry.EventConnect, Timestamp: base, Details: map[string]string{
			storage.ResolutionKey: string(storage.Resolution5m),
			storage.CountKey:      "4",
		}},
	})

	raw := storage.ResolutionRaw
	if err := store.Delete(ctx, storage.DeleteOptions{
		Before:     base.Add(time.Minute),
		Resolution: &raw,
	}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	results, err := store.Query(ctx, storage.QueryRequest{
		Start: base.Add(-time.Minute),
		End:   base.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 surviving row, got %d", len(results))
	}
	if storage.RowResolution(results[0]) != storage.Resolution5m {
		t.Errorf("Wrong row survived: %+v", results[0])
	}
}

func TestStats_SeriesAndBounds(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.Write(ctx, []telemetry.Event{
		{ID: 1, ClientID: "a", Type: telemetry.EventConnect, Timestamp: base},
		{ID: 2, ClientID: "a", Type: telemetry.EventConnect, Timestamp: base.Add(time.Hour)},
		{ID: 3, ClientID: "b", Type: telemetry.EventSubscribe, Topic: "x", Timestamp: base.Add(30 * time.Minute)},
	})

	stats, err := store.Stats(ctx)
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
		t.Errorf("Unexpected oldest %v", stats.OldestEvent)
	}
	if !stats.NewestEvent.Equal(base.Add(time.Hour)) {
		t.Errorf("Unexpected newest %v", stats.NewestEvent)
	}
}

func TestKeyLayout(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	e := telemetry.Event{ID: 7, ClientID: "a", Type: telemetry.EventConnect, Timestamp: base}

	key := makeKey(e)
	if len(key) != 24 {
		t.Fatalf("Expected 24-byte key, got %d", len(key))
	}
	if !keyTimestamp(key).Equal(base) {
		t.Errorf("Timestamp not recoverable from key: %v", keyTimestamp(key))
	}

	// Same series, different event: hash prefix must match
	e2 := telemetry.Event{ID: 8, ClientID: "a", Type: telemetry.EventConnect, Timestamp: base.Add(time.Minute)}
	if keySeriesHash(makeKey(e)) != keySeriesHash(makeKey(e2)) {
		t.Error("Same series hashed differently")
	}

	// Different series must (practically) differ
	e3 := telemetry.Event{ID: 9, ClientID: "b", Type: telemetry.EventConnect, Timestamp: base}
	if keySeriesHash(makeKey(e)) == keySeriesHash(makeKey(e3)) {
		t.Error("Different series collided")
	}
}
