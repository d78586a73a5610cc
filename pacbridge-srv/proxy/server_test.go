package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/armon/go-socks5"
	"github.com/codefionn/pacbridge/pacbridge-srv/auth"
	"github.com/codefionn/pacbridge/pacbridge-srv/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertEcho(t *testing.T, conn net.Conn, r *bufio.Reader, payload string) {
	t.Helper()
	_, err := io.WriteString(conn, payload)
	require.NoError(t, err)
	buf := make([]byte, len(payload))
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf))
}

func TestConnectDirectSkipsAuth(t *testing.T) {
	echo := startEcho(t)
	provider := &countingProvider{inner: auth.StaticProvider{Token: auth.Token("secret")}}
	recorder := &sessionRecorder{}
	_, addr := startBridge(t, testConfig(), Dependencies{
		Resolver:  directResolver(),
		Auth:      provider,
		Collector: recorder,
	})

	conn, r := dialBridge(t, addr, "CONNECT "+echo+" HTTP/1.1\r\nHost: "+echo+"\r\n\r\n")
	resp, _ := readResponse(t, r, http.MethodConnect)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assertEcho(t, conn, r, "hello through the tunnel")
	assert.Equal(t, int32(0), provider.calls.Load())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		_, _, reasons := recorder.snapshot()
		return len(reasons) == 1
	}, 5*time.Second, 10*time.Millisecond)
	decisions, errs, _ := recorder.snapshot()
	assert.Equal(t, []string{"DIRECT  "}, decisions)
	assert.Empty(t, errs)
}

func TestConnectViaProxySendsOneNegotiateHeader(t *testing.T) {
	echo := startEcho(t)
	fp := startFakeProxy(t, func(_ int, req *http.Request, conn net.Conn, r *bufio.Reader) bool {
		upstream, err := net.Dial("tcp", echo)
		if err != nil {
			return false
		}
		defer upstream.Close()
		_, _ = io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")
		go func() { _, _ = io.Copy(upstream, r) }()
		_, _ = io.Copy(conn, upstream)
		return false
	})

	provider := &countingProvider{inner: auth.StaticProvider{Token: auth.Token("ticket")}}
	_, addr := startBridge(t, testConfig(), Dependencies{
		Resolver: fixedResolver(proxyDecision(t, fp.addr, resolver.SchemeHTTP), nil),
		Auth:     provider,
	})

	conn, r := dialBridge(t, addr,
		"CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\nUser-Agent: test-client\r\nProxy-Authorization: Basic Zm9vOmJhcg==\r\n\r\n")
	resp, _ := readResponse(t, r, http.MethodConnect)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assertEcho(t, conn, r, "tunnel payload")

	requests := fp.recorded()
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, http.MethodConnect, req.Method)
	assert.Equal(t, "example.com:443", req.Host)
	assert.Equal(t, "test-client", req.UserAgent())
	assert.Equal(t, []string{"Negotiate " + base64.StdEncoding.EncodeToString([]byte("ticket"))},
		req.Header.Values("Proxy-Authorization"))

	assert.Equal(t, int32(1), provider.calls.Load())
	host, _, _ := net.SplitHostPort(fp.addr)
	assert.Equal(t, []string{host}, provider.seenHosts())
}

func TestConnectViaProxyWithoutCredentials(t *testing.T) {
	fp := startFakeProxy(t, func(_ int, _ *http.Request, conn net.Conn, r *bufio.Reader) bool {
		tunnelTo(conn, r)
		return false
	})
	_, addr := startBridge(t, testConfig(), Dependencies{
		Resolver: fixedResolver(proxyDecision(t, fp.addr, resolver.SchemeHTTP), nil),
		Auth:     auth.NoneProvider{},
	})

	conn, r := dialBridge(t, addr, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	resp, _ := readResponse(t, r, http.MethodConnect)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assertEcho(t, conn, r, "echoed by the proxy")

	requests := fp.recorded()
	require.Len(t, requests, 1)
	assert.Empty(t, requests[0].Header.Values("Proxy-Authorization"))
	assert.Equal(t, "pacbridge/1.0", requests[0].UserAgent())
}

func TestConnectViaProxy407IsGatewayError(t *testing.T) {
	fp := startFakeProxy(t, func(_ int, _ *http.Request, conn net.Conn, _ *bufio.Reader) bool {
		_, _ = io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\n"+
			"Proxy-Authenticate: Negotiate\r\nContent-Length: 0\r\n\r\n")
		return true
	})
	recorder := &sessionRecorder{}
	_, addr := startBridge(t, testConfig(), Dependencies{
		Resolver:  fixedResolver(proxyDecision(t, fp.addr, resolver.SchemeHTTP), nil),
		Auth:      auth.StaticProvider{Token: auth.Token("rejected")},
		Collector: recorder,
	})

	_, r := dialBridge(t, addr, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	resp, body := readResponse(t, r, http.MethodConnect)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ErrCodeProxyAuthFailed, resp.Header.Get("X-Proxy-Error"))
	assert.Equal(t, "407", resp.Header.Get("X-Upstream-Status"))
	assert.Contains(t, body, ErrCodeProxyAuthFailed)

	// no retry
	require.Len(t, fp.recorded(), 1)

	assert.Eventually(t, func() bool {
		_, errs, _ := recorder.snapshot()
		return len(errs) == 1 && errs[0] == ErrCodeProxyAuthFailed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConnectViaProxy407WithoutCredentials(t *testing.T) {
	fp := startFakeProxy(t, func(_ int, _ *http.Request, conn net.Conn, _ *bufio.Reader) bool {
		_, _ = io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\n"+
			"Proxy-Authenticate: Negotiate dGVzdA==\r\nContent-Length: 0\r\n\r\n")
		return true
	})
	_, addr := startBridge(t, testConfig(), Dependencies{
		Resolver: fixedResolver(proxyDecision(t, fp.addr, resolver.SchemeHTTP), nil),
		Auth:     auth.NoneProvider{},
	})

	_, r := dialBridge(t, addr, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	resp, _ := readResponse(t, r, http.MethodConnect)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "407", resp.Header.Get("X-Upstream-Status"))
	require.Len(t, fp.recorded(), 1)
}

func TestConnectViaProxyNegotiateContinuation(t *testing.T) {
	challenge := base64.StdEncoding.EncodeToString([]byte("server-challenge"))
	fp := startFakeProxy(t, func(round int, _ *http.Request, conn net.Conn, r *bufio.Reader) bool {
		if round == 0 {
			_, _ = io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\n"+
				"Proxy-Authenticate: Negotiate "+challenge+"\r\nContent-Length: 4\r\n\r\nauth")
			return true
		}
		tunnelTo(conn, r)
		return false
	})

	mech := &twoRoundMechanism{}
	_, addr := startBridge(t, testConfig(), Dependencies{
		Resolver: fixedResolver(proxyDecision(t, fp.addr, resolver.SchemeHTTP), nil),
		Auth:     auth.NewNegotiateProvider(mech, 3, false, nil),
	})

	conn, r := dialBridge(t, addr, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	resp, _ := readResponse(t, r, http.MethodConnect)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assertEcho(t, conn, r, "after two rounds")

	requests := fp.recorded()
	require.Len(t, requests, 2)
	assert.Equal(t, []string{"Negotiate " + base64.StdEncoding.EncodeToString([]byte("round-one"))},
		requests[0].Header.Values("Proxy-Authorization"))
	assert.Equal(t, []string{"Negotiate " + base64.StdEncoding.EncodeToString([]byte("round-two"))},
		requests[1].Header.Values("Proxy-Authorization"))
	mech.mu.Lock()
	defer mech.mu.Unlock()
	assert.Equal(t, [][]byte{[]byte("server-challenge")}, mech.challenges)
}

func TestConnectViaProxyPropagatesDenial(t *testing.T) {
	fp := startFakeProxy(t, func(_ int, _ *http.Request, conn net.Conn, _ *bufio.Reader) bool {
		_, _ = io.WriteString(conn, "HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain\r\n"+
			"X-Policy: blocked\r\nContent-Length: 14\r\n\r\nblocked by acl")
		return false
	})
	_, addr := startBridge(t, testConfig(), Dependencies{
		Resolver: fixedResolver(proxyDecision(t, fp.addr, resolver.SchemeHTTP), nil),
	})

	_, r := dialBridge(t, addr, "CONNECT blocked.example:443 HTTP/1.1\r\nHost: blocked.example:443\r\n\r\n")
	resp, body := readResponse(t, r, http.MethodConnect)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "blocked", resp.Header.Get("X-Policy"))
	assert.Equal(t, "blocked by acl", body)
}

func TestPlainRequestViaProxyUsesAbsoluteURI(t *testing.T) {
	fp := startFakeProxy(t, func(_ int, _ *http.Request, conn net.Conn, _ *bufio.Reader) bool {
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
		return false
	})
	_, addr := startBridge(t, testConfig(), Dependencies{
		Resolver: fixedResolver(proxyDecision(t, fp.addr, resolver.SchemeHTTP), nil),
		Auth:     auth.StaticProvider{Token: auth.Token("plain")},
	})

	_, r := dialBridge(t, addr, "GET http://example.com/path?q=1 HTTP/1.1\r\n"+
		"Host: example.com\r\nProxy-Connection: keep-alive\r\nProxy-Authorization: Basic Zm9vOmJhcg==\r\n"+
		"Accept: text/plain\r\n\r\n")
	resp, body := readResponse(t, r, http.MethodGet)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)

	requests := fp.recorded()
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, "http://example.com/path?q=1", req.RequestURI)
	assert.Equal(t, "example.com", req.Host)
	assert.Empty(t, req.Header.Get("Proxy-Connection"))
	assert.Equal(t, []string{"Negotiate " + base64.StdEncoding.EncodeToString([]byte("plain"))},
		req.Header.Values("Proxy-Authorization"))
	assert.Equal(t, "text/plain", req.Header.Get("Accept"))
	assert.True(t, req.Close)
}

// startRawUpstream accepts one connection, records the bytes up to the end
// of the request head and answers with a fixed response.
func startRawUpstream(t *testing.T) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	heads := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		var head []byte
		buf := make([]byte, 1)
		for !strings.HasSuffix(string(head), "\r\n\r\n") {
			if _, err := conn.Read(buf); err != nil {
				break
			}
			head = append(head, buf[0])
		}
		heads <- string(head)
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
	}()
	return ln.Addr().String(), heads
}

func TestPlainRequestKeepsHeaderSpellingAndOrder(t *testing.T) {
	upstream, heads := startRawUpstream(t)
	_, addr := startBridge(t, testConfig(), Dependencies{
		Resolver: fixedResolver(proxyDecision(t, upstream, resolver.SchemeHTTP), nil),
		Auth:     auth.StaticProvider{Token: auth.Token("secret")},
	})

	_, r := dialBridge(t, addr, "GET http://example.com/path HTTP/1.1\r\n"+
		"Host: example.com\r\n"+
		"x-amz-security-token: abc\r\n"+
		"Proxy-Authorization: Basic Zm9v\r\n"+
		"Accept: */*\r\n"+
		"Proxy-Connection: keep-alive\r\n"+
		"Connection: keep-alive, x-trace\r\n"+
		"x-trace: 1\r\n"+
		"X-Custom-ID: 7\r\n\r\n")
	resp, body := readResponse(t, r, http.MethodGet)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)

	select {
	case head := <-heads:
		assert.Equal(t, "GET http://example.com/path HTTP/1.1\r\n"+
			"Host: example.com\r\n"+
			"x-amz-security-token: abc\r\n"+
			"Accept: */*\r\n"+
			"X-Custom-ID: 7\r\n"+
			"Connection: close\r\n"+
			"Proxy-Authorization: "+auth.Token("secret").Header()+"\r\n\r\n", head)
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never received a request")
	}
}

func TestOversizedRequestHeadIsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHeaderBytes = 4096
	provider := &countingProvider{inner: auth.StaticProvider{Token: auth.Token("x")}}
	var resolved atomic.Int32
	_, addr := startBridge(t, cfg, Dependencies{
		Resolver: resolver.Func(func(_ context.Context, target string) (resolver.Decision, error) {
			resolved.Add(1)
			return resolver.DirectDecision(resolver.NormalizeTarget(target))
		}),
		Auth: provider,
	})

	conn, r := dialBridge(t, addr, "")
	go func() {
		_, _ = io.WriteString(conn, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n"+
			"X-Big: "+strings.Repeat("a", 64<<10)+"\r\n\r\n")
	}()

	resp, _ := readResponse(t, r, http.MethodConnect)
	assert.Equal(t, http.StatusRequestHeaderFieldsTooLarge, resp.StatusCode)
	assert.Equal(t, ErrCodeRequestHeaderTooLarge, resp.Header.Get("X-Proxy-Error"))
	assert.Zero(t, resolved.Load())
	assert.Zero(t, provider.calls.Load())
}

func TestPlainRequestDirectUsesOriginForm(t *testing.T) {
	seen := make(chan *http.Request, 1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		seen <- r
		w.Header().Set("X-Body", string(body))
		_, _ = io.WriteString(w, "from origin")
	}))
	defer origin.Close()
	host := strings.TrimPrefix(origin.URL, "http://")

	_, addr := startBridge(t, testConfig(), Dependencies{Resolver: directResolver()})

	_, r := dialBridge(t, addr, "POST http://"+host+"/submit HTTP/1.1\r\nHost: "+host+"\r\n"+
		"Proxy-Connection: keep-alive\r\nProxy-Authorization: Basic Zm9vOmJhcg==\r\n"+
		"Content-Length: 5\r\n\r\nhello")
	resp, body := readResponse(t, r, http.MethodPost)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "from origin", body)
	assert.Equal(t, "hello", resp.Header.Get("X-Body"))

	select {
	case req := <-seen:
		assert.Equal(t, "/submit", req.RequestURI)
		assert.Empty(t, req.Header.Get("Proxy-Connection"))
		assert.Empty(t, req.Header.Get("Proxy-Authorization"))
	case <-time.After(5 * time.Second):
		t.Fatal("origin saw no request")
	}
}

func TestMalformedRequests(t *testing.T) {
	_, addr := startBridge(t, testConfig(), Dependencies{Resolver: directResolver()})

	tests := []struct {
		name string
		raw  string
	}{
		{"garbage request line", "this is not http\r\n\r\n"},
		{"origin-form without CONNECT", "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"},
		{"unsupported scheme", "GET ftp://example.com/file HTTP/1.1\r\nHost: example.com\r\n\r\n"},
		{"connect bad port", "CONNECT example.com:99999 HTTP/1.1\r\nHost: example.com\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, r := dialBridge(t, addr, tt.raw)
			resp, _ := readResponse(t, r, http.MethodGet)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.True(t, strings.HasPrefix(resp.Header.Get("X-Proxy-Error"), "E4"))
		})
	}
}

func TestConnectFailureIsBadGateway(t *testing.T) {
	target := closedAddr(t)
	_, addr := startBridge(t, testConfig(), Dependencies{Resolver: directResolver()})

	_, r := dialBridge(t, addr, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	resp, _ := readResponse(t, r, http.MethodConnect)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ErrCodeDialFailed, resp.Header.Get("X-Proxy-Error"))
}

func TestProxyUnreachableIsBadGateway(t *testing.T) {
	proxyAddr := closedAddr(t)
	provider := &countingProvider{inner: auth.StaticProvider{Token: auth.Token("unused")}}
	_, addr := startBridge(t, testConfig(), Dependencies{
		Resolver: fixedResolver(proxyDecision(t, proxyAddr, resolver.SchemeHTTP), nil),
		Auth:     provider,
	})

	_, r := dialBridge(t, addr, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	resp, _ := readResponse(t, r, http.MethodConnect)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ErrCodeUpstreamConnectFailed, resp.Header.Get("X-Proxy-Error"))
	assert.Equal(t, int32(0), provider.calls.Load())
}

func TestResolutionFailureIsBadGateway(t *testing.T) {
	_, addr := startBridge(t, testConfig(), Dependencies{
		Resolver: fixedResolver(resolver.Decision{}, fmt.Errorf("%w: pac timeout", resolver.ErrResolutionFailed)),
	})

	_, r := dialBridge(t, addr, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	resp, _ := readResponse(t, r, http.MethodConnect)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ErrCodeResolutionFailed, resp.Header.Get("X-Proxy-Error"))
}

func TestAuthErrorsAreGatewayErrors(t *testing.T) {
	fp := startFakeProxy(t, func(int, *http.Request, net.Conn, *bufio.Reader) bool { return false })

	tests := []struct {
		name string
		err  error
		code string
	}{
		{"unavailable", auth.ErrProviderUnavailable, ErrCodeAuthUnavailable},
		{"handshake", errors.New("kdc unreachable"), ErrCodeAuthHandshakeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, addr := startBridge(t, testConfig(), Dependencies{
				Resolver: fixedResolver(proxyDecision(t, fp.addr, resolver.SchemeHTTP), nil),
				Auth:     auth.StaticProvider{Err: tt.err},
			})
			_, r := dialBridge(t, addr, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
			resp, _ := readResponse(t, r, http.MethodConnect)
			assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
			assert.Equal(t, tt.code, resp.Header.Get("X-Proxy-Error"))
		})
	}
}

func TestConnectViaSOCKS5(t *testing.T) {
	echo := startEcho(t)

	socksServer, err := socks5.New(&socks5.Config{})
	require.NoError(t, err)
	socksListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer socksListener.Close()
	go func() { _ = socksServer.Serve(socksListener) }()

	provider := &countingProvider{inner: auth.StaticProvider{Token: auth.Token("never")}}
	_, addr := startBridge(t, testConfig(), Dependencies{
		Resolver: fixedResolver(proxyDecision(t, socksListener.Addr().String(), resolver.SchemeSOCKS5), nil),
		Auth:     provider,
	})

	conn, r := dialBridge(t, addr, "CONNECT "+echo+" HTTP/1.1\r\nHost: "+echo+"\r\n\r\n")
	resp, _ := readResponse(t, r, http.MethodConnect)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assertEcho(t, conn, r, "through socks")
	assert.Equal(t, int32(0), provider.calls.Load())
}

func TestConcurrencyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentConnections = 1
	srv, addr := startBridge(t, cfg, Dependencies{Resolver: directResolver()})

	// holds the only slot without sending a request
	dialBridge(t, addr, "")
	require.Eventually(t, func() bool { return srv.ActiveSessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, r := dialBridge(t, addr, "")
	resp, _ := readResponse(t, r, http.MethodGet)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, ErrCodeConcurrencyLimitReached, resp.Header.Get("X-Proxy-Error"))
	assert.Equal(t, uint64(1), srv.RejectedSessions())
}

func TestHeaderReadTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeouts.HeaderReadSeconds = 1
	_, addr := startBridge(t, cfg, Dependencies{Resolver: directResolver()})

	_, r := dialBridge(t, addr, "CONNECT example.com:443 HTTP/1.1\r\n")
	resp, _ := readResponse(t, r, http.MethodConnect)
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	assert.Equal(t, ErrCodeRequestHeaderTimeout, resp.Header.Get("X-Proxy-Error"))
}

func TestStopClosesIdleAndDrainsTunnels(t *testing.T) {
	echo := startEcho(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(testConfig(), Dependencies{Resolver: directResolver()})
	served := make(chan error, 1)
	go func() { served <- srv.StartWithListener(listener) }()
	addr := listener.Addr().String()

	idle, _ := dialBridge(t, addr, "")
	tunnel, r := dialBridge(t, addr, "CONNECT "+echo+" HTTP/1.1\r\nHost: "+echo+"\r\n\r\n")
	resp, _ := readResponse(t, r, http.MethodConnect)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assertEcho(t, tunnel, r, "before stop")
	require.Eventually(t, func() bool { return srv.ActiveSessions() == 2 }, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, srv.Stop())
	// the tunnel stays open until the one second drain period ends
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, int64(0), srv.ActiveSessions())

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not return")
	}

	_ = idle.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = idle.Read(make([]byte, 1))
	assert.Error(t, err)

	_ = tunnel.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = r.ReadByte()
	assert.Error(t, err)

	_, err = net.DialTimeout("tcp", addr, 500*time.Millisecond)
	assert.Error(t, err)

	assert.ErrorIs(t, srv.StartWithListener(listener), ErrServerClosed)
}

func TestStopWithoutSessionsReturnsQuickly(t *testing.T) {
	srv, _ := startBridge(t, testConfig(), Dependencies{})
	start := time.Now()
	require.NoError(t, srv.Stop())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.NoError(t, srv.Stop())
}

func TestServerStartOnConfiguredAddress(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg, Dependencies{})
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, srv.Stop())
	assert.NoError(t, <-done)

	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	cfg.ListenAddress = blocker.Addr().String()
	err = NewServer(cfg, Dependencies{}).Start()
	assert.Equal(t, ErrCodeListenerCreateFailed, ErrorCode(err))
}

func TestResolverSeesNormalizedTargets(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	res := resolver.Func(func(_ context.Context, target string) (resolver.Decision, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, target)
		return resolver.Decision{}, resolver.ErrResolutionFailed
	})
	_, addr := startBridge(t, testConfig(), Dependencies{Resolver: res})

	_, r := dialBridge(t, addr, "CONNECT example.com HTTP/1.1\r\nHost: example.com\r\n\r\n")
	readResponse(t, r, http.MethodConnect)
	_, r = dialBridge(t, addr, "GET http://example.org/a HTTP/1.1\r\nHost: example.org\r\n\r\n")
	readResponse(t, r, http.MethodGet)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"example.com:443", "http://example.org/a"}, seen)
}
