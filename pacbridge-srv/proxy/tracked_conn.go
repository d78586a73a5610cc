package proxy

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/codefionn/pacbridge/pacbridge-srv/stats"
)

// flushEvery is how many bytes may accumulate before a long-lived tunnel
// reports a data transfer delta.
const flushEvery = 10 * 1024

// trackedConn wraps the upstream leg of a session and reports the bytes it
// carries to the stats collector.
type trackedConn struct {
	net.Conn
	collector stats.Collector
	sessionID int64
	ctx       context.Context

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	// totals already reported through RecordDataTransfer
	flushedSent     atomic.Int64
	flushedReceived atomic.Int64

	flushMu   sync.Mutex
	closeOnce sync.Once
}

func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector, sessionID int64) *trackedConn {
	return &trackedConn{
		Conn:      conn,
		collector: collector,
		sessionID: sessionID,
		ctx:       context.WithoutCancel(ctx),
	}
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		received := c.bytesReceived.Add(int64(n))
		if received-c.flushedReceived.Load() >= flushEvery {
			c.flush()
		}
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		sent := c.bytesSent.Add(int64(n))
		if sent-c.flushedSent.Load() >= flushEvery {
			c.flush()
		}
	}
	return n, err
}

// flush reports the deltas since the previous flush.
func (c *trackedConn) flush() {
	c.flushMu.Lock()
	sent, received := c.bytesSent.Load(), c.bytesReceived.Load()
	deltaSent := sent - c.flushedSent.Swap(sent)
	deltaReceived := received - c.flushedReceived.Swap(received)
	c.flushMu.Unlock()

	if deltaSent > 0 || deltaReceived > 0 {
		_ = c.collector.RecordDataTransfer(c.ctx, c.sessionID, deltaSent, deltaReceived)
	}
}

// Totals returns the bytes written to and read from the upstream so far.
func (c *trackedConn) Totals() (sent, received int64) {
	return c.bytesSent.Load(), c.bytesReceived.Load()
}

// Close closes the connection and reports whatever was not flushed yet.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(c.flush)
	return err
}

// bufferedConn serves bytes that a bufio.Reader already pulled off the
// connection before reading from the connection itself.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(b []byte) (int, error) {
	if bc.reader.Buffered() > 0 {
		return bc.reader.Read(b)
	}
	return bc.Conn.Read(b)
}

// withBuffered returns conn itself when r holds nothing extra.
func withBuffered(conn net.Conn, r *bufio.Reader) net.Conn {
	if r == nil || r.Buffered() == 0 {
		return conn
	}
	return &bufferedConn{Conn: conn, reader: r}
}
