package aggregate

import (
	"sort"
	"time"

	"mqttscope/pkg/storage"
	"mqttscope/pkg/telemetry"
)

// Standard chart bucket widths. The dashboard's charts use fine buckets for
// the TCP connections sparkline, medium for the churn chart and coarse for
// multi-day event volume.
const (
	BucketFine   = 5 * time.Minute
	BucketMedium = 30 * time.Minute
	BucketCoarse = 3 * time.Hour
)

// Bucket is one fixed-width time window with event counts per type
type Bucket struct {
	Start  time.Time                     `json:"start"`
	Counts map[telemetry.EventType]int64 `json:"counts"`
	Total  int64                         `json:"total"`
}

// Truncate floors a timestamp to its bucket boundary.
// time.Truncate operates on absolute durations since the zero time, which
// keeps boundaries stable across restarts for the widths we use.
func Truncate(t time.Time, width time.Duration) time.Time {
	return t.Truncate(width)
}

// Bucketize groups timestamped events into fixed-width windows and sums
// counts per event type per window. Buckets with no events are materialized
// so charts get a contiguous axis. Events outside [start, end) are dropped.
// Rollup rows contribute their stored count instead of 1.
func Bucketize(events []telemetry.Event, width time.Duration, start, end time.Time) []Bucket {
	if width <= 0 || !end.After(start) {
		return nil
	}

	start = Truncate(start, width)
	byStart := make(map[int64]*Bucket)

	for _, e := range events {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}

		bucketStart := Truncate(e.Timestamp, width)
		key := bucketStart.UnixNano()

		b, exists := byStart[key]
		if !exists {
			b = &Bucket{
				Start:  bucketStart,
				Counts: make(map[telemetry.EventType]int64),
			}
			byStart[key] = b
		}

		n := storage.RowCount(e)
		b.Counts[e.Type] += n
		b.Total += n
	}

	// Materialize the full window, empty buckets included
	var buckets []Bucket
	for t := start; t.Before(end); t = t.Add(width) {
		if b, ok := byStart[t.UnixNano()]; ok {
			buckets = append(buckets, *b)
		} else {
			buckets = append(buckets, Bucket{
				Start:  t,
				Counts: map[telemetry.EventType]int64{},
			})
		}
	}

	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Start.Before(buckets[j].Start)
	})

	return buckets
}

// Point is a single chart data point
type Point struct {
	Timestamp int64 `json:"t"` // Unix timestamp in milliseconds
	Value     int64 `json:"v"`
}

// Series is a named sequence of points ready for charting
type Series struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

// SeriesFor extracts one event type's counts from a bucket list
func SeriesFor(buckets []Bucket, t telemetry.EventType) Series {
	s := Series{Name: string(t), Points: make([]Point, 0, len(buckets))}
	for _, b := range buckets {
		s.Points = append(s.Points, Point{
			Timestamp: b.Start.UnixMilli(),
			Value:     b.Counts[t],
		})
	}
	return s
}

// TotalSeries extracts the all-types total from a bucket list
func TotalSeries(buckets []Bucket, name string) Series {
	s := Series{Name: name, Points: make([]Point, 0, len(buckets))}
	for _, b := range buckets {
		s.Points = append(s.Points, Point{
			Timestamp: b.Start.UnixMilli(),
			Value:     b.Total,
		})
	}
	return s
}

// ChurnPoint pairs connect and disconnect counts for one window
type ChurnPoint struct {
	Timestamp   int64 `json:"t"`
	Connects    int64 `json:"connects"`
	Disconnects int64 `json:"disconnects"`
	Net         int64 `json:"net"`
}

// Churn computes the connect/disconnect churn chart from bucketized events
func Churn(buckets []Bucket) []ChurnPoint {
	points := make([]ChurnPoint, 0, len(buckets))
	for _, b := range buckets {
		c := b.Counts[telemetry.EventConnect]
		d := b.Counts[telemetry.EventDisconnect]
		points = append(points, ChurnPoint{
			Timestamp:   b.Start.UnixMilli(),
			Connects:    c,
			Disconnects: d,
			Net:         c - d,
		})
	}
	return points
}
