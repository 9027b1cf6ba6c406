package config

import "time"

// Background job intervals
const (
	BadgerGCInterval = 10 * time.Minute
)

// API timeouts and limits
const (
	ChartTimeout       = 10 * time.Second
	TableTimeout       = 10 * time.Second
	OverviewTimeout    = 10 * time.Second
	StatsTimeout       = 5 * time.Second
	ActionTimeout      = 15 * time.Second
	DefaultChartWindow = 24 * time.Hour
	MaxChartWindow     = 90 * 24 * time.Hour
	TableScanLimit     = 50000
	TopBreakdownSize   = 10
)

// Export defaults and limits
const (
	DefaultExportWindow = 24 * time.Hour
	MaxExportWindow     = 30 * 24 * time.Hour
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
