package aggregate

import (
	"testing"
	"time"

	"mqttscope/pkg/storage"
	"mqttscope/pkg/telemetry"
)

func TestBucketize_BasicCounts(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	events := []telemetry.Event{
		{Type: telemetry.EventConnect, Timestamp: base},
		{Type: telemetry.EventConnect, Timestamp: base.Add(1 * time.Minute)},
		{Type: telemetry.EventDisconnect, Timestamp: base.Add(2 * time.Minute)},
		{Type: telemetry.EventConnect, Timestamp: base.Add(6 * time.Minute)},
	}

	buckets := Bucketize(events, BucketFine, base, base.Add(10*time.Minute))
	if len(buckets) != 2 {
		t.Fatalf("Expected 2 buckets, got %d", len(buckets))
	}

	first := buckets[0]
	if first.Counts[telemetry.EventConnect] != 2 {
		t.Errorf("Expected 2 connects in first bucket, got %d", first.Counts[telemetry.EventConnect])
	}
	if first.Counts[telemetry.EventDisconnect] != 1 {
		t.Errorf("Expected 1 disconnect in first bucket, got %d", first.Counts[telemetry.EventDisconnect])
	}
	if first.Total != 3 {
		t.Errorf("Expected first bucket total 3, got %d", first.Total)
	}

	second := buckets[1]
	if second.Total != 1 {
		t.Errorf("Expected second bucket total 1, got %d", second.Total)
	}
}

func TestBucketize_MaterializesEmptyBuckets(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	events := []telemetry.Event{
		{Type: telemetry.EventConnect, Timestamp: base},
		// Nothing for 25 minutes, then one more
		{Type: telemetry.EventConnect, Timestamp: base.Add(26 * time.Minute)},
	}

	buckets := Bucketize(events, BucketFine, base, base.Add(30*time.Minute))
	if len(buckets) != 6 {
		t.Fatalf("Expected 6 contiguous buckets, got %d", len(buckets))
	}

	for i := 1; i < 5; i++ {
		if buckets[i].Total != 0 {
			t.Errorf("Expected bucket %d empty, got total %d", i, buckets[i].Total)
		}
	}
	if buckets[5].Total != 1 {
		t.Errorf("Expected last bucket total 1, got %d", buckets[5].Total)
	}

	// Buckets must be contiguous and ascending
	for i := 1; i < len(buckets); i++ {
		if got := buckets[i].Start.Sub(buckets[i-1].Start); got != BucketFine {
			t.Errorf("Bucket %d not contiguous: gap %v", i, got)
		}
	}
}

func TestBucketize_DropsEventsOutsideWindow(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	events := []telemetry.Event{
		{Type: telemetry.EventConnect, Timestamp: base.Add(-1 * time.Second)}, // before
		{Type: telemetry.EventConnect, Timestamp: base},                       // inclusive start
		{Type: telemetry.EventConnect, Timestamp: base.Add(10 * time.Minute)}, // exclusive end
	}

	buckets := Bucketize(events, BucketFine, base, base.Add(10*time.Minute))

	var total int64
	for _, b := range buckets {
		total += b.Total
	}
	if total != 1 {
		t.Errorf("Expected exactly 1 event inside [start, end), got %d", total)
	}
}

func TestBucketize_RollupRowsContributeStoredCount(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	events := []telemetry.Event{
		{Type: telemetry.EventConnect, Timestamp: base},
		{
			Type:      telemetry.EventConnect,
			Timestamp: base.Add(1 * time.Minute),
			Details: map[string]string{
				storage.ResolutionKey: string(storage.Resolution5m),
				storage.CountKey:      "42",
			},
		},
	}

	buckets := Bucketize(events, BucketFine, base, base.Add(5*time.Minute))
	if len(buckets) != 1 {
		t.Fatalf("Expected 1 bucket, got %d", len(buckets))
	}
	if buckets[0].Total != 43 {
		t.Errorf("Expected total 43 (1 raw + 42 rolled up), got %d", buckets[0].Total)
	}
}

func TestBucketize_InvalidInput(t *testing.T) {
	base := time.Now()

	if got := Bucketize(nil, 0, base, base.Add(time.Hour)); got != nil {
		t.Errorf("Expected nil for zero width, got %v", got)
	}
	if got := Bucketize(nil, BucketFine, base, base); got != nil {
		t.Errorf("Expected nil for empty window, got %v", got)
	}
}

func TestChurn_NetBalance(t *testing.T) {
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	events := []telemetry.Event{
		{Type: telemetry.EventConnect, Timestamp: base},
		{Type: telemetry.EventConnect, Timestamp: base.Add(time.Minute)},
		{Type: telemetry.EventDisconnect, Timestamp: base.Add(2 * time.Minute)},
		{Type: telemetry.EventDisconnect, Timestamp: base.Add(31 * time.Minute)},
	}

	buckets := Bucketize(events, BucketMedium, base, base.Add(time.Hour))
	points := Churn(buckets)
	if len(points) != 2 {
		t.Fatalf("Expected 2 churn points, got %d", len(points))
	}

	if points[0].Connects != 2 || points[0].Disconnects != 1 || points[0].Net != 1 {
		t.Errorf("Unexpected first churn point: %+v", points[0])
	}
	if points[1].Connects != 0 || points[1].Disconnects != 1 || points[1].Net != -1 {
		t.Errorf("Unexpected second churn point: %+v", points[1])
	}
}

func TestSeriesFor_AlignsWithBuckets(t *testing.T) {
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	events := []telemetry.Event{
		{Type: telemetry.EventSubscribe, Timestamp: base.Add(6 * time.Minute)},
	}

	buckets := Bucketize(events, BucketFine, base, base.Add(15*time.Minute))
	series := SeriesFor(buckets, telemetry.EventSubscribe)

	if series.Name != string(telemetry.EventSubscribe) {
		t.Errorf("Unexpected series name %q", series.Name)
	}
	if len(series.Points) != 3 {
		t.Fatalf("Expected 3 points, got %d", len(series.Points))
	}
	if series.Points[0].Value != 0 || series.Points[1].Value != 1 || series.Points[2].Value != 0 {
		t.Errorf("Unexpected point values: %+v", series.Points)
	}
	if series.Points[1].Timestamp != base.Add(5*time.Minute).UnixMilli() {
		t.Errorf("Point timestamp not aligned to bucket start")
	}
}
