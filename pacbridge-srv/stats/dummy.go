package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector
// It does nothing and is used when statistics collection is disabled
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

func (d *DummyCollector) StartSession(ctx context.Context, clientIP, method, targetHost string, targetPort int) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) EndSession(ctx context.Context, sessionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return nil
}

func (d *DummyCollector) RecordDecision(ctx context.Context, sessionID int64, route, upstream, tier string, degraded bool) error {
	return nil
}

func (d *DummyCollector) RecordError(ctx context.Context, sessionID int64, errorType, errorMessage string) error {
	return nil
}

func (d *DummyCollector) RecordDataTransfer(ctx context.Context, sessionID, bytesSent, bytesReceived int64) error {
	return nil
}

// GetOverviewStats returns empty stats for dummy collector
func (d *DummyCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return &OverviewStats{}, nil
}

func (d *DummyCollector) GetRecentSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	return []SessionInfo{}, nil
}

func (d *DummyCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	return []ErrorSummary{}, nil
}

func (d *DummyCollector) GetRouteStats(ctx context.Context, limit int) ([]RouteStats, error) {
	return []RouteStats{}, nil
}

// HealthCheck always returns healthy for dummy collector
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

func (d *DummyCollector) Close() error {
	return nil
}
