package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/auth"
	"github.com/codefionn/pacbridge/pacbridge-srv/config"
	"github.com/codefionn/pacbridge/pacbridge-srv/resolver"
	"github.com/codefionn/pacbridge/pacbridge-srv/stats"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.Timeouts.HeaderReadSeconds = 5
	cfg.Timeouts.ConnectSeconds = 2
	cfg.Timeouts.RelayIdleSeconds = 5
	cfg.Timeouts.DrainSeconds = 1
	return cfg
}

// startBridge runs a server on a loopback port and returns its address.
func startBridge(t *testing.T, cfg *config.Config, deps Dependencies) (*Server, string) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(cfg, deps)
	done := make(chan error, 1)
	go func() { done <- srv.StartWithListener(listener) }()

	t.Cleanup(func() {
		_ = srv.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, listener.Addr().String()
}

func fixedResolver(d resolver.Decision, err error) resolver.Resolver {
	return resolver.Func(func(context.Context, string) (resolver.Decision, error) {
		return d, err
	})
}

func directResolver() resolver.Resolver {
	return resolver.Func(func(_ context.Context, target string) (resolver.Decision, error) {
		return resolver.DirectDecision(resolver.NormalizeTarget(target))
	})
}

func proxyDecision(t *testing.T, addr string, scheme resolver.Scheme) resolver.Decision {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return resolver.Decision{Route: resolver.ViaProxy, Host: host, Port: port, Scheme: scheme}
}

// dialBridge connects to the bridge and sends raw as the request.
func dialBridge(t *testing.T, addr, raw string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	if raw != "" {
		_, err = io.WriteString(conn, raw)
		require.NoError(t, err)
	}
	return conn, bufio.NewReader(conn)
}

func readResponse(t *testing.T, r *bufio.Reader, method string) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(r, &http.Request{Method: method})
	require.NoError(t, err)
	if method == http.MethodConnect && resp.StatusCode == http.StatusOK {
		return resp, ""
	}
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, string(body)
}

// startEcho runs a TCP server that echoes every byte back.
func startEcho(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return listener.Addr().String()
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

// fakeProxy is an upstream HTTP proxy whose answer to each request is
// scripted by handle. It records every request it reads.
type fakeProxy struct {
	addr     string
	mu       sync.Mutex
	requests []*http.Request
	handle   func(round int, req *http.Request, conn net.Conn, r *bufio.Reader) bool
}

func startFakeProxy(t *testing.T, handle func(round int, req *http.Request, conn net.Conn, r *bufio.Reader) bool) *fakeProxy {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	fp := &fakeProxy{addr: listener.Addr().String(), handle: handle}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go fp.serve(conn)
		}
	}()
	return fp
}

func (fp *fakeProxy) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for round := 0; ; round++ {
		req, err := http.ReadRequest(r)
		if err != nil {
			return
		}
		fp.mu.Lock()
		fp.requests = append(fp.requests, req)
		fp.mu.Unlock()
		if !fp.handle(round, req, conn, r) {
			return
		}
	}
}

func (fp *fakeProxy) recorded() []*http.Request {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]*http.Request(nil), fp.requests...)
}

// tunnelTo answers a CONNECT with 200 and then echoes.
func tunnelTo(conn net.Conn, r *bufio.Reader) {
	_, _ = io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")
	_, _ = io.Copy(conn, r)
}

// countingProvider records how often a token was requested.
type countingProvider struct {
	inner auth.Provider
	calls atomic.Int32
	hosts []string
	mu    sync.Mutex
}

func (c *countingProvider) GetToken(ctx context.Context, host string) (*auth.Negotiation, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.hosts = append(c.hosts, host)
	c.mu.Unlock()
	return c.inner.GetToken(ctx, host)
}

func (c *countingProvider) seenHosts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.hosts...)
}

// twoRoundMechanism needs one server challenge before it is established.
type twoRoundMechanism struct {
	challenges [][]byte
	mu         sync.Mutex
}

func (m *twoRoundMechanism) Name() string { return "test" }

func (m *twoRoundMechanism) InitContext(context.Context, string) (auth.SecurityContext, []byte, bool, error) {
	return &twoRoundContext{m: m}, []byte("round-one"), true, nil
}

type twoRoundContext struct {
	m *twoRoundMechanism
}

func (c *twoRoundContext) Update(challenge []byte) (bool, []byte, error) {
	c.m.mu.Lock()
	c.m.challenges = append(c.m.challenges, challenge)
	c.m.mu.Unlock()
	if string(challenge) != "server-challenge" {
		return false, nil, errors.New("unexpected challenge")
	}
	return true, []byte("round-two"), nil
}

func (c *twoRoundContext) Release() {}

// sessionRecorder collects session ends and errors.
type sessionRecorder struct {
	stats.DummyCollector

	mu        sync.Mutex
	nextID    int64
	decisions []string
	errors    []string
	reasons   []string
}

func (s *sessionRecorder) StartSession(context.Context, string, string, string, int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *sessionRecorder) RecordDecision(_ context.Context, _ int64, route, upstream, tier string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, route+" "+upstream+" "+tier)
	return nil
}

func (s *sessionRecorder) RecordError(_ context.Context, _ int64, errorType, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, errorType)
	return nil
}

func (s *sessionRecorder) EndSession(_ context.Context, _ int64, _, _ int64, _ time.Duration, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
	return nil
}

func (s *sessionRecorder) snapshot() (decisions, errs, reasons []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.decisions...), append([]string(nil), s.errors...), append([]string(nil), s.reasons...)
}
