package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting bridge statistics
type Collector interface {
	// Session tracking
	StartSession(ctx context.Context, clientIP, method, targetHost string, targetPort int) (int64, error)
	EndSession(ctx context.Context, sessionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Route decision for a session. upstream is empty for DIRECT routes.
	RecordDecision(ctx context.Context, sessionID int64, route, upstream, tier string, degraded bool) error

	// Error tracking
	RecordError(ctx context.Context, sessionID int64, errorType, errorMessage string) error

	// Bandwidth tracking
	RecordDataTransfer(ctx context.Context, sessionID int64, bytesSent, bytesReceived int64) error

	// Dashboard queries
	GetOverviewStats(ctx context.Context) (*OverviewStats, error)
	GetRecentSessions(ctx context.Context, limit int) ([]SessionInfo, error)
	GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error)
	GetRouteStats(ctx context.Context, limit int) ([]RouteStats, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// SessionInfo holds information about one bridged session
type SessionInfo struct {
	ID            int64      `json:"id"`
	ClientIP      string     `json:"client_ip"`
	Method        string     `json:"method"`
	TargetHost    string     `json:"target_host"`
	TargetPort    int        `json:"target_port"`
	Route         string     `json:"route"`
	Upstream      string     `json:"upstream,omitempty"`
	Tier          string     `json:"tier,omitempty"`
	Degraded      bool       `json:"degraded"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	BytesSent     int64      `json:"bytes_sent"`
	BytesReceived int64      `json:"bytes_received"`
	DurationMs    int64      `json:"duration_ms"`
	CloseReason   string     `json:"close_reason,omitempty"`
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalSessions    int64  `json:"total_sessions"`
	ActiveSessions   int64  `json:"active_sessions"`
	DirectSessions   int64  `json:"direct_sessions"`
	ProxiedSessions  int64  `json:"proxied_sessions"`
	DegradedSessions int64  `json:"degraded_sessions"`
	TotalErrors      int64  `json:"total_errors"`
	TotalBytesIn     int64  `json:"total_bytes_in"`
	TotalBytesOut    int64  `json:"total_bytes_out"`
	Uptime           string `json:"uptime"`
}

// ErrorSummary represents error statistics
type ErrorSummary struct {
	ErrorType    string    `json:"error_type"`
	Count        int64     `json:"count"`
	LastMessage  string    `json:"last_message"`
	LastOccurred time.Time `json:"last_occurred"`
}

// RouteStats aggregates sessions per route and upstream proxy.
type RouteStats struct {
	Route        string    `json:"route"`
	Upstream     string    `json:"upstream,omitempty"`
	SessionCount int64     `json:"session_count"`
	TotalBytes   int64     `json:"total_bytes"`
	LastUsed     time.Time `json:"last_used"`
}
