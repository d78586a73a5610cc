package stats

import (
	"context"
	"sync"
	"time"
)

// recordingCollector remembers every write in call order.
type recordingCollector struct {
	DummyCollector

	mu        sync.Mutex
	nextID    int64
	calls     []string
	transfers map[int64][2]int64
	ends      map[int64][2]int64
	closed    bool
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{
		transfers: make(map[int64][2]int64),
		ends:      make(map[int64][2]int64),
	}
}

func (r *recordingCollector) record(call string) {
	r.calls = append(r.calls, call)
}

func (r *recordingCollector) StartSession(ctx context.Context, clientIP, method, targetHost string, targetPort int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.record("start")
	return r.nextID, nil
}

func (r *recordingCollector) EndSession(ctx context.Context, sessionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("end")
	r.ends[sessionID] = [2]int64{bytesSent, bytesReceived}
	return nil
}

func (r *recordingCollector) RecordDecision(ctx context.Context, sessionID int64, route, upstream, tier string, degraded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("decision")
	return nil
}

func (r *recordingCollector) RecordError(ctx context.Context, sessionID int64, errorType, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("error")
	return nil
}

func (r *recordingCollector) RecordDataTransfer(ctx context.Context, sessionID, bytesSent, bytesReceived int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("transfer")
	prev := r.transfers[sessionID]
	r.transfers[sessionID] = [2]int64{prev[0] + bytesSent, prev[1] + bytesReceived}
	return nil
}

func (r *recordingCollector) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingCollector) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}
