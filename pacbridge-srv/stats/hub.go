package stats

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventDecision       EventType = "decision"
	EventError          EventType = "error"
	EventSessionEnded   EventType = "session_ended"
)

// Event is one live session update published by a Hub.
type Event struct {
	Type          EventType `json:"type"`
	SessionID     int64     `json:"session_id"`
	Time          time.Time `json:"time"`
	ClientIP      string    `json:"client_ip,omitempty"`
	Method        string    `json:"method,omitempty"`
	Target        string    `json:"target,omitempty"`
	Route         string    `json:"route,omitempty"`
	Upstream      string    `json:"upstream,omitempty"`
	Tier          string    `json:"tier,omitempty"`
	Degraded      bool      `json:"degraded,omitempty"`
	ErrorType     string    `json:"error_type,omitempty"`
	Message       string    `json:"message,omitempty"`
	BytesSent     int64     `json:"bytes_sent,omitempty"`
	BytesReceived int64     `json:"bytes_received,omitempty"`
	DurationMs    int64     `json:"duration_ms,omitempty"`
	CloseReason   string    `json:"close_reason,omitempty"`
}

// Hub wraps a Collector and publishes session events to subscribers.
// Slow subscribers lose events instead of slowing down sessions.
type Hub struct {
	Collector

	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	closed bool
	now    func() time.Time
}

// NewHub wraps collector.
func NewHub(collector Collector) *Hub {
	return &Hub{
		Collector: collector,
		subs:      make(map[chan Event]struct{}),
		now:       time.Now,
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) publish(e Event) {
	e.Time = h.now()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *Hub) StartSession(ctx context.Context, clientIP, method, targetHost string, targetPort int) (int64, error) {
	id, err := h.Collector.StartSession(ctx, clientIP, method, targetHost, targetPort)
	if err != nil {
		return id, err
	}
	h.publish(Event{
		Type:      EventSessionStarted,
		SessionID: id,
		ClientIP:  clientIP,
		Method:    method,
		Target:    net.JoinHostPort(targetHost, strconv.Itoa(targetPort)),
	})
	return id, nil
}

func (h *Hub) RecordDecision(ctx context.Context, sessionID int64, route, upstream, tier string, degraded bool) error {
	h.publish(Event{
		Type:      EventDecision,
		SessionID: sessionID,
		Route:     route,
		Upstream:  upstream,
		Tier:      tier,
		Degraded:  degraded,
	})
	return h.Collector.RecordDecision(ctx, sessionID, route, upstream, tier, degraded)
}

func (h *Hub) RecordError(ctx context.Context, sessionID int64, errorType, errorMessage string) error {
	h.publish(Event{
		Type:      EventError,
		SessionID: sessionID,
		ErrorType: errorType,
		Message:   errorMessage,
	})
	return h.Collector.RecordError(ctx, sessionID, errorType, errorMessage)
}

func (h *Hub) EndSession(ctx context.Context, sessionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	h.publish(Event{
		Type:          EventSessionEnded,
		SessionID:     sessionID,
		BytesSent:     bytesSent,
		BytesReceived: bytesReceived,
		DurationMs:    duration.Milliseconds(),
		CloseReason:   closeReason,
	})
	return h.Collector.EndSession(ctx, sessionID, bytesSent, bytesReceived, duration, closeReason)
}

// Close ends all subscriptions and closes the wrapped collector.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
	return h.Collector.Close()
}
