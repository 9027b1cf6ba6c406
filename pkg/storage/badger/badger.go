package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"

	"mqttscope/pkg/storage"
	"mqttscope/pkg/telemetry"
)

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly defaults)
	MaxMemoryMB int64
}

// New creates a BadgerDB cache backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// SAFETY: Conservative memory limits. BadgerDB defaults assume server
	// hardware; a telemetry cache for one broker does not need them.
	var memTableSize int64
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	} else {
		// 16 MB memtable is the minimum for decent performance.
		// Below 16 MB causes excessive disk flushes.
		memTableSize = 16 * 1024 * 1024
	}

	blockCacheSize := memTableSize / 2 // Block cache: 50% of memtable
	indexCacheSize := memTableSize / 4 // Index cache: 25% of memtable

	// Optimize for append-mostly time-ordered writes with strict memory bounds
	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3). // active + 2 flushing
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2). // badger rejects fewer than 2
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // 64 MB value log files instead of default 2GB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// Write stores events in BadgerDB.
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Write(ctx context.Context, events []telemetry.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			for i, e := range events {
				// Check context periodically (every 100 events)
				if i%100 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				key := makeKey(e)
				value, err := encodeEvent(e)
				if err != nil {
					return fmt.Errorf("failed to encode event: %w", err)
				}

				if err := txn.Set(key, value); err != nil {
					return fmt.Errorf("failed to write event: %w", err)
				}
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation cancelled: %w", ctx.Err())
	}
}

// Query retrieves events matching the request.
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]telemetry.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type queryResult struct {
		results []telemetry.Event
		err     error
	}
	done := make(chan queryResult, 1)

	go func() {
		var results []telemetry.Event
		startTime := time.Now()
		var iterCount int

		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++

				// Check for context cancellation every 1000 iterations so
				// long scans cannot block shutdown or exceed timeouts.
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				item := it.Item()

				err := item.Value(func(val []byte) error {
					e, err := decodeEvent(val)
					if err != nil {
						return err
					}

					if !req.Matches(e) {
						return nil
					}

					results = append(results, e)
					return nil
				})
				if err != nil {
					return err
				}

				// Early exit if limit reached
				if req.Limit > 0 && len(results) >= req.Limit {
					break
				}
			}

			// Log slow queries for performance monitoring
			if elapsed := time.Since(startTime); elapsed > 5*time.Second {
				fmt.Printf("⚠️  Slow cache scan completed in %v (%d iterations, %d results)\n", elapsed, iterCount, len(results))
			}

			return nil
		})
		done <- queryResult{results: results, err: err}
	}()

	select {
	case res := <-done:
		return res.results, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("query operation cancelled: %w", ctx.Err())
	}
}

// Delete removes events matching the deletion criteria.
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Delete(ctx context.Context, opts storage.DeleteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			// Need values only when filtering by resolution
			iterOpts.PrefetchValues = opts.Resolution != nil

			it := txn.NewIterator(iterOpts)
			defer it.Close()

			var keysToDelete [][]byte
			var iterCount int

			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++

				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				item := it.Item()

				// Timestamp lives in the key, no value read needed
				ts := keyTimestamp(item.Key())
				if !ts.Before(opts.Before) {
					continue
				}

				if opts.Resolution != nil {
					var e telemetry.Event
					if err := item.Value(func(val []byte) error {
						return json.Unmarshal(val, &e)
					}); err != nil {
						return fmt.Errorf("failed to unmarshal event: %w", err)
					}

					if storage.RowResolution(e) != *opts.Resolution {
						continue
					}
				}

				keysToDelete = append(keysToDelete, item.KeyCopy(nil))
			}

			for _, key := range keysToDelete {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}

			return nil
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("delete operation cancelled: %w", ctx.Err())
	}
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection to reclaim disk space
// from deleted rows. discardRatio 0.5 = rewrite files that are half garbage.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns cache statistics.
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type statsResult struct {
		stats *storage.Stats
		err   error
	}
	done := make(chan statsResult, 1)

	go func() {
		stats := &storage.Stats{}

		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			seriesMap := make(map[uint64]bool)
			var oldestTS, newestTS time.Time
			var iterCount int

			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++

				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				item := it.Item()
				stats.TotalEvents++

				hash := keySeriesHash(item.Key())
				ts := keyTimestamp(item.Key())
				seriesMap[hash] = true

				if oldestTS.IsZero() || ts.Before(oldestTS) {
					oldestTS = ts
				}
				if newestTS.IsZero() || ts.After(newestTS) {
					newestTS = ts
				}
			}

			stats.TotalSeries = uint64(len(seriesMap))
			stats.OldestEvent = oldestTS
			stats.NewestEvent = newestTS

			return nil
		})

		if err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}

		done <- statsResult{stats: stats, err: err}
	}()

	select {
	case res := <-done:
		return res.stats, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("stats operation cancelled: %w", ctx.Err())
	}
}

// makeKey creates a sortable key for an event.
// Format: [series_hash (8 bytes)][timestamp (8 bytes)][row id (8 bytes)]
// The row id tail keeps distinct events with identical series and timestamp
// from overwriting each other.
func makeKey(e telemetry.Event) []byte {
	hash := xxhash.Sum64String(e.ClientID + "," + string(e.Type) + "," + e.Topic)

	key := make([]byte, 24)
	binary.BigEndian.PutUint64(key[0:8], hash)
	binary.BigEndian.PutUint64(key[8:16], uint64(e.Timestamp.UnixNano()))
	binary.BigEndian.PutUint64(key[16:24], uint64(e.ID))

	return key
}

// keySeriesHash extracts the series hash from a storage key
func keySeriesHash(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[0:8])
}

// keyTimestamp extracts the timestamp from a storage key
func keyTimestamp(key []byte) time.Time {
	tsNano := binary.BigEndian.Uint64(key[8:16])
	return time.Unix(0, int64(tsNano))
}

// encodeEvent serializes an event to bytes
func encodeEvent(e telemetry.Event) ([]byte, error) {
	return json.Marshal(e)
}

// decodeEvent deserializes bytes to an event
func decodeEvent(data []byte) (telemetry.Event, error) {
	var e telemetry.Event
	err := json.Unmarshal(data, &e)
	return e, err
}
