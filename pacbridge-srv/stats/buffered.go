package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
)

// BufferedCollector batches writes to an underlying collector. Session IDs
// still come from the underlying collector synchronously; everything else is
// written on the flush interval, with data transfers coalesced per session.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration

	mu        sync.Mutex
	decisions []decisionData
	transfers map[int64]*transferData
	errors    []errorData
	ended     []endData

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type decisionData struct {
	sessionID int64
	route     string
	upstream  string
	tier      string
	degraded  bool
}

type transferData struct {
	bytesSent     int64
	bytesReceived int64
}

type errorData struct {
	sessionID    int64
	errorType    string
	errorMessage string
}

type endData struct {
	sessionID     int64
	bytesSent     int64
	bytesReceived int64
	duration      time.Duration
	closeReason   string
}

// NewBufferedCollectorWithInterval creates a buffered collector with custom interval
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		transfers:  make(map[int64]*transferData),
		stopChan:   make(chan struct{}),
	}

	bc.wg.Add(1)
	go bc.flusher()

	return bc
}

// flusher runs in the background and flushes data every interval
func (b *BufferedCollector) flusher() {
	defer b.wg.Done()

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

// StartSession is written through to obtain the session ID.
func (b *BufferedCollector) StartSession(ctx context.Context, clientIP, method, targetHost string, targetPort int) (int64, error) {
	return b.underlying.StartSession(ctx, clientIP, method, targetHost, targetPort)
}

func (b *BufferedCollector) EndSession(ctx context.Context, sessionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ended = append(b.ended, endData{
		sessionID:     sessionID,
		bytesSent:     bytesSent,
		bytesReceived: bytesReceived,
		duration:      duration,
		closeReason:   closeReason,
	})
	return nil
}

func (b *BufferedCollector) RecordDecision(ctx context.Context, sessionID int64, route, upstream, tier string, degraded bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decisions = append(b.decisions, decisionData{
		sessionID: sessionID,
		route:     route,
		upstream:  upstream,
		tier:      tier,
		degraded:  degraded,
	})
	return nil
}

func (b *BufferedCollector) RecordError(ctx context.Context, sessionID int64, errorType, errorMessage string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors = append(b.errors, errorData{
		sessionID:    sessionID,
		errorType:    errorType,
		errorMessage: errorMessage,
	})
	return nil
}

func (b *BufferedCollector) RecordDataTransfer(ctx context.Context, sessionID, bytesSent, bytesReceived int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.transfers[sessionID]
	if !ok {
		t = &transferData{}
		b.transfers[sessionID] = t
	}
	t.bytesSent += bytesSent
	t.bytesReceived += bytesReceived
	return nil
}

// HealthCheck checks if the underlying collector is healthy
func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// flush writes all buffered data to the underlying collector. Decisions go
// first and session ends last so that final byte totals win.
func (b *BufferedCollector) flush() {
	b.mu.Lock()
	decisions, transfers, errs, ended := b.decisions, b.transfers, b.errors, b.ended
	b.decisions, b.errors, b.ended = nil, nil, nil
	b.transfers = make(map[int64]*transferData)
	b.mu.Unlock()

	total := len(decisions) + len(transfers) + len(errs) + len(ended)
	if total == 0 {
		return
	}
	logger.Debug("Flushing stats data %d", total)

	ctx := context.Background()
	var failed int
	for _, d := range decisions {
		if err := b.underlying.RecordDecision(ctx, d.sessionID, d.route, d.upstream, d.tier, d.degraded); err != nil {
			failed++
		}
	}
	for id, t := range transfers {
		if err := b.underlying.RecordDataTransfer(ctx, id, t.bytesSent, t.bytesReceived); err != nil {
			failed++
		}
	}
	for _, e := range errs {
		if err := b.underlying.RecordError(ctx, e.sessionID, e.errorType, e.errorMessage); err != nil {
			failed++
		}
	}
	for _, e := range ended {
		if err := b.underlying.EndSession(ctx, e.sessionID, e.bytesSent, e.bytesReceived, e.duration, e.closeReason); err != nil {
			failed++
		}
	}
	if failed > 0 {
		logger.Warn("Failed to write %d of %d stats records", failed, total)
	}
}

// ForceFlush immediately flushes all buffered data
func (b *BufferedCollector) ForceFlush() {
	b.flush()
}

// Close stops the flusher and writes any remaining data
func (b *BufferedCollector) Close() error {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
	return b.underlying.Close()
}

// GetOverviewStats delegates to underlying collector
func (b *BufferedCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return b.underlying.GetOverviewStats(ctx)
}

func (b *BufferedCollector) GetRecentSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	return b.underlying.GetRecentSessions(ctx, limit)
}

func (b *BufferedCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	return b.underlying.GetRecentErrors(ctx, limit)
}

func (b *BufferedCollector) GetRouteStats(ctx context.Context, limit int) ([]RouteStats, error) {
	return b.underlying.GetRouteStats(ctx, limit)
}
