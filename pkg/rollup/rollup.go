package rollup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"mqttscope/pkg/aggregate"
	"mqttscope/pkg/storage"
	"mqttscope/pkg/telemetry"
)

// Staging windows. Raw events are kept long enough for every chart width the
// dashboard offers, then folded into counts.
const (
	// Raw events older than this only feed the coarse charts, which the
	// 5m rollups can answer.
	rawRetention = 6 * time.Hour

	// 5m rollups older than this are folded into 1h rollups
	fineRetention = 7 * 24 * time.Hour
)

// Rollup folds old raw events into fixed-width count rows and deletes the
// originals, bounding local disk usage the same way the remote store's
// GROUP BY date_trunc views do.
type Rollup struct {
	storage storage.Storage
}

// New creates a rollup job over the given cache
func New(store storage.Storage) *Rollup {
	return &Rollup{storage: store}
}

// Roll5m aggregates raw events in [start, end) into 5-minute count rows.
//
// A connected broker emits an event per client action, so raw rows dominate
// the cache; one 5m row per (type, topic) replaces every raw event in its
// window while still answering every chart the dashboard draws at 5m or
// wider.
func (r *Rollup) Roll5m(ctx context.Context, start, end time.Time) error {
	return r.roll(ctx, start, end, storage.ResolutionRaw, storage.Resolution5m, 5*time.Minute)
}

// Roll1h aggregates 5-minute rows in [start, end) into 1-hour count rows
func (r *Rollup) Roll1h(ctx context.Context, start, end time.Time) error {
	return r.roll(ctx, start, end, storage.Resolution5m, storage.Resolution1h, time.Hour)
}

func (r *Rollup) roll(ctx context.Context, start, end time.Time, from, to storage.Resolution, width time.Duration) error {
	rows, err := r.storage.Query(ctx, storage.QueryRequest{
		Start:      start,
		End:        end,
		Resolution: &from,
	})
	if err != nil {
		return fmt.Errorf("failed to query %s rows: %w", from, err)
	}

	// Group by (type, topic, bucket) and sum counts. Client identity is
	// dropped: per-client detail lives in the sessions table, not in old
	// chart data.
	type seriesBucket struct {
		eventType telemetry.EventType
		topic     string
		bucket    int64
	}
	counts := make(map[seriesBucket]int64)
	bucketStarts := make(map[seriesBucket]time.Time)

	for _, e := range rows {
		bucketTime := aggregate.Truncate(e.Timestamp, width)
		key := seriesBucket{eventType: e.Type, topic: e.Topic, bucket: bucketTime.UnixNano()}
		counts[key] += storage.RowCount(e)
		bucketStarts[key] = bucketTime
	}

	if len(counts) == 0 {
		return nil
	}

	rollups := make([]telemetry.Event, 0, len(counts))
	for key, n := range counts {
		rollups = append(rollups, telemetry.Event{
			Type:      key.eventType,
			Topic:     key.topic,
			Timestamp: bucketStarts[key],
			Details: map[string]string{
				storage.ResolutionKey: string(to),
				storage.CountKey:      strconv.FormatInt(n, 10),
			},
		})
	}

	if err := r.storage.Write(ctx, rollups); err != nil {
		return fmt.Errorf("failed to write %s rollups: %w", to, err)
	}

	return nil
}

// RunCycle performs one full rollup pass: fold aged raw events into 5m rows,
// delete the raw originals, fold aged 5m rows into 1h rows, delete those.
// This is the periodic job cmd/server schedules.
func (r *Rollup) RunCycle(ctx context.Context) error {
	now := time.Now()

	// Each roll covers everything older than its cutoff, however old. The
	// poller backfill and downtime both leave raw events far in the past;
	// anything the delete in the next step would reach must be folded first.
	// A zero start is an unbounded range for the cache.
	var beginning time.Time

	// Step 1: roll aged raw events into 5m rows
	if err := r.Roll5m(ctx, beginning, now.Add(-rawRetention)); err != nil {
		return fmt.Errorf("5m rollup failed: %w", err)
	}

	// Step 2: delete the raw events the 5m rows now cover
	raw := storage.ResolutionRaw
	if err := r.storage.Delete(ctx, storage.DeleteOptions{
		Before:     now.Add(-rawRetention),
		Resolution: &raw,
	}); err != nil {
		return fmt.Errorf("failed to delete rolled-up raw events: %w", err)
	}

	// Step 3: roll aged 5m rows into 1h rows
	if err := r.Roll1h(ctx, beginning, now.Add(-fineRetention)); err != nil {
		return fmt.Errorf("1h rollup failed: %w", err)
	}

	// Step 4: delete the 5m rows the 1h rows now cover
	fine := storage.Resolution5m
	if err := r.storage.Delete(ctx, storage.DeleteOptions{
		Before:     now.Add(-fineRetention),
		Resolution: &fine,
	}); err != nil {
		return fmt.Errorf("failed to delete rolled-up 5m rows: %w", err)
	}

	return nil
}
