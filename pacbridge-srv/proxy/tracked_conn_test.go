package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/codefionn/pacbridge/pacbridge-srv/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transferRecorder struct {
	stats.DummyCollector

	mu       sync.Mutex
	sent     int64
	received int64
	calls    int
}

func (r *transferRecorder) RecordDataTransfer(_ context.Context, _ int64, sent, received int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent += sent
	r.received += received
	r.calls++
	return nil
}

func (r *transferRecorder) totals() (int64, int64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent, r.received, r.calls
}

func TestTrackedConnReportsTransfers(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	recorder := &transferRecorder{}
	conn := newTrackedConn(context.Background(), local, recorder, 42)

	payload := strings.Repeat("x", 25*1024)
	go func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(remote, int64(len(payload))))
		_, _ = io.WriteString(remote, "pong")
	}()

	_, err := io.WriteString(conn, payload)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	sent, received, calls := recorder.totals()
	assert.GreaterOrEqual(t, sent, int64(flushEvery))
	assert.Equal(t, int64(0), received)
	assert.GreaterOrEqual(t, calls, 1)

	require.NoError(t, conn.Close())
	_ = conn.Close()

	sent, received, _ = recorder.totals()
	assert.Equal(t, int64(len(payload)), sent)
	assert.Equal(t, int64(4), received)

	totalSent, totalReceived := conn.Totals()
	assert.Equal(t, int64(len(payload)), totalSent)
	assert.Equal(t, int64(4), totalReceived)
}

func TestWithBufferedServesBufferedBytesFirst(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	go func() {
		_, _ = io.WriteString(remote, "HTTP/1.1 200 OK\r\n\r\ntunnel-data")
	}()

	r := bufio.NewReader(local)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", line)

	assert.Same(t, local, withBuffered(local, nil))

	conn := withBuffered(local, r)
	buf := make([]byte, len("\r\ntunnel-data"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "\r\ntunnel-data", string(buf))
}
