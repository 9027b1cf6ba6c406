package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"mqttscope/pkg/aggregate"
	"mqttscope/pkg/api"
	"mqttscope/pkg/bridge"
	"mqttscope/pkg/config"
	"mqttscope/pkg/export"
	"mqttscope/pkg/httpx"
	"mqttscope/pkg/obs"
	"mqttscope/pkg/pgrest"
	"mqttscope/pkg/poller"
	"mqttscope/pkg/rollup"
	"mqttscope/pkg/storage/badger"
	"mqttscope/pkg/telemetry"
	"mqttscope/pkg/ws"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
	shutdownTimeout    = 30 * time.Second
)

var startTime = time.Now()

// StorageUsage represents current cache disk usage
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// StorageMonitor tracks cache disk usage with caching to avoid expensive
// filesystem walks on every request
type StorageMonitor struct {
	dataDir       string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.RWMutex
}

// NewStorageMonitor creates a storage monitor
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: 10 * time.Second,
	}
}

// GetUsage returns current disk usage in bytes (cached)
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.RLock()
	if time.Since(sm.lastCheck) < sm.cacheDuration {
		usage := sm.cachedUsage
		sm.mu.RUnlock()
		return usage, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Double-check another goroutine didn't just update it
	if time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := calculateDirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// calculateDirSize recursively calculates directory size in bytes.
// Uses actual disk usage (not logical size) to handle sparse files correctly.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			actualSize, err := getActualFileSize(filePath, info)
			if err != nil {
				size += info.Size()
			} else {
				size += actualSize
			}
		}
		return nil
	})
	return size, err
}

// getActualFileSize is implemented in platform-specific files:
// - filesize_unix.go (Linux/Mac): Uses syscall.Stat_t.Blocks
// - filesize_windows.go (Windows): Uses GetCompressedFileSizeW API

// handleHealth returns service health status
func handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": "1.0.0",
		"uptime":  time.Since(startTime).String(),
	})
}

// handleStorageUsage returns current cache disk usage
func handleStorageUsage(monitor *StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usedBytes, err := monitor.GetUsage()
		if err != nil {
			log.Printf("❌ Failed to calculate storage usage: %v", err)
			httpx.RespondErrorString(w, http.StatusInternalServerError, "failed to calculate storage")
			return
		}

		httpx.RespondJSON(w, http.StatusOK, StorageUsage{
			UsedBytes: usedBytes,
			MaxBytes:  monitor.GetLimit(),
		})
	}
}

func main() {
	log.Println("🚀 Starting mqttscope server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}
	log.Printf("⚙️  Configuration: upstream=%s poll=%v storage limit=%d GB memory limit=%d MB",
		cfg.Upstream.BaseURL, cfg.Poller.Interval, cfg.Server.MaxStorageGB, cfg.Storage.MaxMemoryMB)

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Storage.Path, 0755); err != nil {
		log.Fatalf("❌ Failed to create data directory: %v", err)
	}
	log.Printf("📁 Data directory: %s", cfg.Storage.Path)

	// Initialize the local event cache with memory limits
	log.Println("💾 Initializing BadgerDB cache with Snappy compression...")
	store, err := badger.New(badger.Config{
		Path:        cfg.Storage.Path,
		MaxMemoryMB: cfg.Storage.MaxMemoryMB,
	})
	if err != nil {
		log.Fatalf("❌ Failed to initialize storage: %v", err)
	}
	defer store.Close()
	log.Println("✅ BadgerDB cache initialized successfully")

	maxStorageBytes := cfg.Server.MaxStorageGB * 1024 * 1024 * 1024
	storageMonitor := NewStorageMonitor(cfg.Storage.Path, maxStorageBytes)

	// Upstream telemetry API client
	upstream, err := pgrest.New(pgrest.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		Token:     cfg.Upstream.Token,
		Timeout:   cfg.Upstream.Timeout,
		RateLimit: cfg.Upstream.RateLimit,
		Burst:     cfg.Upstream.Burst,
	})
	if err != nil {
		log.Fatalf("❌ Failed to create upstream client: %v", err)
	}
	log.Printf("🔌 Upstream client ready: %s", cfg.Upstream.BaseURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// WebSocket hub for live dashboard updates
	hub := ws.NewHub()
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	log.Println("📡 WebSocket hub started for live dashboard updates")

	// Topic/client activity counter feeding the overview breakdowns
	counter := aggregate.NewTopicCounter()

	// Upstream poller
	p := poller.New(upstream, store, hub, counter, poller.Config{
		Interval:  cfg.Poller.Interval,
		BatchSize: cfg.Poller.BatchSize,
		Backfill:  cfg.Poller.Backfill,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx)
	}()
	log.Printf("🔄 Upstream poller started (every %v, backfill %v)", cfg.Poller.Interval, cfg.Poller.Backfill)

	// Rollup scheduler: raw → 5m → 1h with retention cleanup
	roller := rollup.New(store)
	stopRollup := make(chan bool)
	wg.Add(1)
	go runRollup(roller, cfg.Rollup.Interval, stopRollup, &wg)

	// BadgerDB garbage collection (reclaims disk space)
	stopGC := make(chan bool)
	wg.Add(1)
	go runBadgerGC(store, stopGC, &wg)

	// Optional live MQTT bridge
	var br *bridge.Bridge
	if cfg.Bridge.Enabled {
		br, err = bridge.New(bridge.Config{
			BrokerURL: cfg.Bridge.BrokerURL,
			ClientID:  cfg.Bridge.ClientID,
			Username:  cfg.Bridge.Username,
			Password:  cfg.Bridge.Password,
			Topics:    cfg.Bridge.Topics,
		}, store, hub, counter)
		if err != nil {
			log.Fatalf("❌ Failed to create MQTT bridge: %v", err)
		}
		if err := br.Connect(); err != nil {
			log.Fatalf("❌ Failed to connect MQTT bridge: %v", err)
		}
		defer br.Close()
		log.Printf("🌉 MQTT bridge connected to %s", cfg.Bridge.BrokerURL)
	}

	// Dashboard API handlers
	handler := api.NewHandler(store, upstream, p, counter)
	exportHandler := export.NewHandler(export.NewExporter(store, func() []telemetry.Session {
		return p.Snapshot().Sessions
	}))

	router := mux.NewRouter()

	// CORS middleware for API access
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	router.Use(obs.Middleware)

	// API routes
	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/overview", handler.HandleOverview).Methods("GET")
	v1.HandleFunc("/charts/churn", handler.HandleChurnChart).Methods("GET")
	v1.HandleFunc("/charts/connections", handler.HandleConnectionsChart).Methods("GET")
	v1.HandleFunc("/charts/events", handler.HandleEventsChart).Methods("GET")
	v1.HandleFunc("/charts/timeline", handler.HandleTimelineChart).Methods("GET")
	v1.HandleFunc("/sessions", handler.HandleSessions).Methods("GET")
	v1.HandleFunc("/events", handler.HandleEvents).Methods("GET")
	v1.HandleFunc("/subscriptions", handler.HandleSubscriptions).Methods("GET")
	v1.HandleFunc("/topics", handler.HandleTopics).Methods("GET")
	v1.HandleFunc("/topics/audit", handler.HandleTopicAudit).Methods("GET")
	v1.HandleFunc("/topics/{action:archive|unarchive|delete}", handler.HandleTopicAction).Methods("POST")
	v1.HandleFunc("/export", exportHandler.HandleExport).Methods("GET")
	v1.HandleFunc("/stats", handler.HandleStats).Methods("GET")
	v1.HandleFunc("/storage", handleStorageUsage(storageMonitor)).Methods("GET")
	v1.HandleFunc("/health", handleHealth).Methods("GET")
	v1.HandleFunc("/ws", hub.Handler()).Methods("GET")

	// Prometheus metrics endpoint (standard /metrics path)
	router.Handle("/metrics", obs.Handler()).Methods("GET")

	// Serve static files (strip prefix to prevent path traversal)
	fileServer := http.FileServer(http.Dir(cfg.Server.StaticDir))
	router.PathPrefix("/").Handler(http.StripPrefix("/", fileServer))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		log.Printf("🌐 Server starting on http://localhost%s", cfg.Server.Addr)
		log.Println("📡 API endpoints:")
		log.Println("   GET  /v1/overview        - Dashboard headline stats")
		log.Println("   GET  /v1/charts/*        - Chart series")
		log.Println("   GET  /v1/sessions        - Session table")
		log.Println("   POST /v1/topics/{action} - Topic admin actions")
		log.Println("   GET  /v1/export          - CSV/JSON export")
		log.Println("   GET  /metrics            - Prometheus endpoint")
		log.Println("✅ Server ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutdown signal received...")

	// CRITICAL: Cancel context FIRST to stop goroutines
	// Must be called before wg.Wait() or we get deadlock!
	log.Println("⏸️  Stopping background tasks...")
	cancel()
	close(stopRollup)
	close(stopGC)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	log.Println("🔄 Gracefully shutting down server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown warning: %v", err)
	}

	log.Println("⏳ Waiting for background tasks to complete...")
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("✅ All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("⚠️  Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("👋 mqttscope server exited cleanly")
}

// runRollup runs the rollup cycle periodically
func runRollup(roller *rollup.Rollup, interval time.Duration, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run once on startup (non-blocking, tracked by parent WaitGroup)
	go func() {
		log.Println("🔧 Running initial rollup (raw → 5m → 1h)...")
		start := time.Now()
		if err := roller.RunCycle(context.Background()); err != nil {
			log.Printf("❌ Initial rollup failed: %v", err)
		} else {
			log.Printf("✅ Initial rollup completed in %v", time.Since(start).Round(time.Millisecond))
		}
	}()

	for {
		select {
		case <-ticker.C:
			log.Println("⏰ Scheduled rollup started...")
			start := time.Now()
			if err := roller.RunCycle(context.Background()); err != nil {
				log.Printf("❌ Rollup failed: %v", err)
			} else {
				log.Printf("✅ Rollup completed in %v (fold + retention cleanup)", time.Since(start).Round(time.Millisecond))
			}
		case <-stop:
			log.Println("🛑 Stopping rollup scheduler")
			return
		}
	}
}

// runBadgerGC runs BadgerDB value log garbage collection periodically.
// SAFETY: BadgerDB uses LSM trees which accumulate deleted data in the value
// log; GC is essential to prevent unbounded disk growth after rollups delete
// raw rows.
func runBadgerGC(store *badger.Storage, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	log.Printf("🗑️  BadgerDB GC scheduler started (runs every %v)", config.BadgerGCInterval)

	for {
		select {
		case <-ticker.C:
			log.Println("🗑️  Running BadgerDB garbage collection...")
			start := time.Now()

			// RunGC stops after one value log file rewrite per tick to
			// avoid blocking
			if err := store.RunGC(0.5); err != nil {
				// Not an error if no GC was needed
				log.Printf("🗑️  GC completed in %v (no rewrite needed)", time.Since(start).Round(time.Millisecond))
			} else {
				log.Printf("✅ GC completed in %v (disk space reclaimed)", time.Since(start).Round(time.Millisecond))
			}
		case <-stop:
			log.Println("🛑 Stopping BadgerDB GC scheduler")
			return
		}
	}
}
