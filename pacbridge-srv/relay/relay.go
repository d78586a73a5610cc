// Package relay copies bytes between an accepted client and its upstream
// until either side is done.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
)

// ErrIdleTimeout is reported when neither side sent anything for the idle
// timeout.
var ErrIdleTimeout = errors.New("relay idle timeout")

// Reason says why a relay ended.
type Reason string

const (
	ReasonClientClosed   Reason = "client closed"
	ReasonUpstreamClosed Reason = "upstream closed"
	ReasonClientError    Reason = "client error"
	ReasonUpstreamError  Reason = "upstream error"
	ReasonIdle           Reason = "idle timeout"
	ReasonCancelled      Reason = "cancelled"
)

// Options tune one relay.
type Options struct {
	// IdleTimeout ends the relay when no bytes moved in either direction.
	// Zero disables it.
	IdleTimeout time.Duration
	// ClientReader replaces client as the byte source, e.g. a bufio.Reader
	// that already holds bytes read past the request head.
	ClientReader io.Reader
}

// Result summarizes a finished relay.
type Result struct {
	ClientToUpstream int64
	UpstreamToClient int64
	Reason           Reason
	Err              error
	Duration         time.Duration
}

type copyResult struct {
	fromClient bool
	n          int64
	err        error
}

// Relay copies client to upstream and back. The first EOF or error on either
// side, the idle timeout, or ctx ending terminates it. Relay owns both
// connections and closes them on every path.
func Relay(ctx context.Context, client, upstream net.Conn, opts Options) Result {
	start := time.Now()
	defer client.Close()
	defer upstream.Close()

	src := opts.ClientReader
	if src == nil {
		src = client
	}

	var lastActivity atomic.Int64
	lastActivity.Store(start.UnixNano())

	results := make(chan copyResult, 2)
	go pipe(upstream, src, true, &lastActivity, results)
	go pipe(client, upstream, false, &lastActivity, results)

	var idleC <-chan time.Time
	if opts.IdleTimeout > 0 {
		interval := opts.IdleTimeout / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		idleC = ticker.C
	}

	var res Result
	record := func(r copyResult) {
		if r.fromClient {
			res.ClientToUpstream = r.n
		} else {
			res.UpstreamToClient = r.n
		}
	}

	pending := 2
wait:
	for {
		select {
		case r := <-results:
			pending--
			record(r)
			res.Reason, res.Err = classify(r)
			break wait
		case <-idleC:
			idle := time.Since(time.Unix(0, lastActivity.Load()))
			if idle >= opts.IdleTimeout {
				res.Reason, res.Err = ReasonIdle, ErrIdleTimeout
				break wait
			}
		case <-ctx.Done():
			res.Reason, res.Err = ReasonCancelled, ctx.Err()
			break wait
		}
	}

	// unblock the remaining copier
	client.Close()
	upstream.Close()
	for ; pending > 0; pending-- {
		record(<-results)
	}

	res.Duration = time.Since(start)
	return res
}

func classify(r copyResult) (Reason, error) {
	switch {
	case r.err == nil && r.fromClient:
		return ReasonClientClosed, nil
	case r.err == nil:
		return ReasonUpstreamClosed, nil
	case r.fromClient:
		return ReasonClientError, r.err
	default:
		return ReasonUpstreamError, r.err
	}
}

// pipe copies src to dst with a pooled buffer. A clean EOF yields a nil
// error.
func pipe(dst io.Writer, src io.Reader, fromClient bool, lastActivity *atomic.Int64, results chan<- copyResult) {
	buf := getBuffer()
	defer putBuffer(buf)

	var written int64
	var err error
	for {
		nr, rerr := src.Read(*buf)
		if nr > 0 {
			lastActivity.Store(time.Now().UnixNano())
			nw, werr := dst.Write((*buf)[:nr])
			written += int64(nw)
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				err = werr
				break
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				err = rerr
			}
			break
		}
	}

	if err != nil && !IsClosedConnError(err) {
		logger.Trace("Relay copy (from client: %t) stopped: %v", fromClient, err)
	}
	results <- copyResult{fromClient: fromClient, n: written, err: err}
}

// IsClosedConnError reports errors caused by a connection closed locally.
func IsClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
