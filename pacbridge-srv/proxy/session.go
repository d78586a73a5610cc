package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/auth"
	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/codefionn/pacbridge/pacbridge-srv/relay"
	"github.com/codefionn/pacbridge/pacbridge-srv/resolver"
)

// maxPropagatedBody bounds the upstream error body copied to the client.
const maxPropagatedBody = 64 * 1024

// errClientGone ends a session whose client disconnected before sending a
// request. Nothing is answered.
var errClientGone = errors.New("client closed before sending a request")

type sessionState int32

const (
	stateAwaitRequest sessionState = iota
	stateResolve
	stateConnect
	stateAuthenticate
	stateEstablish
	stateRelay
)

var stateNames = [...]string{"AwaitRequest", "Resolve", "Connect", "Authenticate", "Establish", "Relay"}

func (s sessionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// session is one accepted client connection and its single upstream
// connection. It walks AwaitRequest, Resolve, Connect, Authenticate,
// Establish and Relay exactly once.
type session struct {
	id       string
	srv      *Server
	client   net.Conn
	reader   *bufio.Reader
	clientIP string
	start    time.Time
	state    atomic.Int32

	req    *http.Request
	fields []headerField // client header lines as sent
	target string        // destination host:port

	decision resolver.Decision
	upstream net.Conn
	tracked  *trackedConn
	upReader *bufio.Reader
	neg      *auth.Negotiation

	statsID        int64
	statsStarted   bool
	responded      bool
	upstreamStatus int
	reason         string
}

func newSession(srv *Server, conn net.Conn, id uint64) *session {
	clientIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return &session{
		id:       "s-" + strconv.FormatUint(id, 10),
		srv:      srv,
		client:   conn,
		reader:   bufio.NewReaderSize(conn, relay.BufferSize),
		clientIP: clientIP,
		start:    time.Now(),
	}
}

func (s *session) getState() sessionState {
	return sessionState(s.state.Load())
}

func (s *session) setState(state sessionState) {
	s.state.Store(int32(state))
}

func (s *session) logf(level logger.LogLevel, format string, v ...any) {
	if !logger.IsLevelEnabled(level) {
		return
	}
	msg := logger.WithSession(s.id, format, v...)
	switch level {
	case logger.TRACE:
		logger.Trace("%s", msg)
	case logger.DEBUG:
		logger.Debug("%s", msg)
	case logger.INFO:
		logger.Info("%s", msg)
	case logger.WARN:
		logger.Warn("%s", msg)
	default:
		logger.Error("%s", msg)
	}
}

// run drives the session to completion. Both connections are closed when it
// returns.
func (s *session) run(ctx context.Context) {
	defer s.finish()
	defer func() {
		if r := recover(); r != nil {
			err := NewProxyError(ErrCodePanicRecovered, fmt.Errorf("%v", r))
			s.logf(logger.ERROR, "%v in state %s\n%s", err, s.getState(), debug.Stack())
			s.fail(err)
		}
	}()

	steps := []struct {
		state sessionState
		fn    func(context.Context) error
	}{
		{stateAwaitRequest, s.awaitRequest},
		{stateResolve, s.resolve},
		{stateConnect, s.connect},
		{stateAuthenticate, s.authenticate},
		{stateEstablish, s.establish},
	}
	for _, step := range steps {
		s.setState(step.state)
		if err := step.fn(ctx); err != nil {
			s.fail(err)
			return
		}
	}
	s.setState(stateRelay)
	s.relay(ctx)
}

func (s *session) awaitRequest(_ context.Context) error {
	if d := s.srv.timeouts.GetHeaderReadDuration(); d > 0 {
		_ = s.client.SetReadDeadline(time.Now().Add(d))
	}
	head, err := readRequestHead(s.reader, s.srv.maxHeaderBytes)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return errClientGone
		case errors.Is(err, errHeadTooLarge):
			return NewProxyError(ErrCodeRequestHeaderTooLarge,
				fmt.Errorf("%w (limit %d bytes)", err, s.srv.maxHeaderBytes))
		case isTimeout(err):
			return NewProxyError(ErrCodeRequestHeaderTimeout, err)
		default:
			return NewProxyError(ErrCodeMalformedRequest, err)
		}
	}
	_ = s.client.SetReadDeadline(time.Time{})

	req, fields, err := parseRequestHead(head)
	if err != nil {
		return NewProxyError(ErrCodeMalformedRequest, err)
	}
	s.req, s.fields = req, fields

	target, err := requestTarget(req)
	if err != nil {
		return NewProxyError(ErrCodeMalformedRequest, err)
	}
	s.target = target
	s.logf(logger.DEBUG, "%s %s from %s", req.Method, target, s.clientIP)

	host, portStr, _ := net.SplitHostPort(target)
	port, _ := strconv.Atoi(portStr)
	id, err := s.srv.collector.StartSession(context.Background(), s.clientIP, req.Method, host, port)
	if err != nil {
		s.logf(logger.DEBUG, "Failed to record session start: %v", err)
	} else {
		s.statsID, s.statsStarted = id, true
	}
	return nil
}

// requestTarget validates the request line and returns the destination
// host:port. CONNECT carries an authority, everything else must use the
// absolute-URI form a proxy receives.
func requestTarget(req *http.Request) (string, error) {
	if req.Method == http.MethodConnect {
		authority := req.URL.Host
		if authority == "" {
			authority = req.RequestURI
		}
		if authority == "" || strings.Contains(authority, "/") {
			return "", fmt.Errorf("invalid CONNECT target %q", req.RequestURI)
		}
		if _, _, err := net.SplitHostPort(authority); err != nil {
			authority = net.JoinHostPort(strings.Trim(authority, "[]"), "443")
		}
		return validHostPort(authority)
	}

	if !req.URL.IsAbs() || req.URL.Host == "" {
		return "", fmt.Errorf("request target %q is not an absolute URI", req.RequestURI)
	}
	if !strings.EqualFold(req.URL.Scheme, "http") {
		return "", fmt.Errorf("unsupported scheme %q for a plain request", req.URL.Scheme)
	}
	hostport := req.URL.Host
	if req.URL.Port() == "" {
		hostport = net.JoinHostPort(req.URL.Hostname(), "80")
	}
	return validHostPort(hostport)
}

func validHostPort(hostport string) (string, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", fmt.Errorf("invalid target %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid port in %q", hostport)
	}
	if host == "" || strings.ContainsAny(host, " \t/@") {
		return "", fmt.Errorf("invalid host in %q", hostport)
	}
	return hostport, nil
}

// resolveTarget is what the resolver sees: the URL for plain requests and
// the bare authority for CONNECT.
func (s *session) resolveTarget() string {
	if s.req.Method == http.MethodConnect {
		return s.target
	}
	return s.req.URL.String()
}

func (s *session) resolve(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.srv.timeouts.GetResolveDuration())
	defer cancel()

	var (
		exp resolver.Explanation
		err error
	)
	if er, ok := s.srv.resolver.(resolver.ExplainingResolver); ok {
		exp, err = er.ResolveExplained(ctx, s.resolveTarget())
	} else {
		exp.Decision, err = s.srv.resolver.Resolve(ctx, s.resolveTarget())
	}
	if err != nil {
		return NewProxyError(ErrCodeResolutionFailed, err)
	}
	s.decision = exp.Decision
	s.logf(logger.DEBUG, "Route %s", s.decision)

	if s.statsStarted {
		upstream := ""
		if s.decision.Route == resolver.ViaProxy {
			upstream = string(s.decision.Scheme) + "://" + s.decision.Address()
		}
		_ = s.srv.collector.RecordDecision(context.Background(), s.statsID, s.decision.Route.String(), upstream, string(exp.Tier), exp.Degraded)
	}
	return nil
}

func (s *session) connect(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.srv.timeouts.GetConnectDuration())
	defer cancel()

	conn, err := s.srv.dialer.Dial(ctx, s.decision, s.target)
	if err != nil {
		return err
	}
	s.tracked = newTrackedConn(ctx, conn, s.srv.collector, s.statsID)
	s.upstream = s.tracked
	return nil
}

func (s *session) authenticate(ctx context.Context) error {
	if !s.decision.SupportsAuth() || s.srv.auth == nil {
		return nil
	}
	ctx, cancel := withTimeout(ctx, s.srv.timeouts.GetAuthDuration())
	defer cancel()

	neg, err := s.srv.auth.GetToken(ctx, s.decision.Host)
	if err != nil {
		return authError(err)
	}
	if neg == nil {
		s.logf(logger.DEBUG, "No credentials for %s, continuing without Proxy-Authorization", s.decision.Host)
		return nil
	}
	s.neg = neg
	return nil
}

func authError(err error) *Error {
	switch {
	case errors.Is(err, auth.ErrInvalidSPN):
		return NewProxyError(ErrCodeAuthInvalidPrincipal, err)
	case errors.Is(err, auth.ErrProviderUnavailable):
		return NewProxyError(ErrCodeAuthUnavailable, err)
	case errors.Is(err, auth.ErrTooManyRounds):
		return NewProxyError(ErrCodeAuthRoundsExceeded, err)
	default:
		return NewProxyError(ErrCodeAuthHandshakeFailed, err)
	}
}

// tunnelled reports whether the upstream connection already reaches the
// destination, so no proxy protocol is spoken on it.
func (s *session) tunnelled() bool {
	return s.decision.Route == resolver.Direct || s.decision.Scheme == resolver.SchemeSOCKS5
}

func (s *session) establish(ctx context.Context) error {
	if s.req.Method != http.MethodConnect {
		return s.forwardRequest()
	}
	if s.tunnelled() {
		return s.replyEstablished()
	}
	return s.connectViaProxy(ctx)
}

func (s *session) replyEstablished() error {
	s.responded = true
	if _, err := io.WriteString(s.client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return NewProxyError(ErrCodeHTTPResponseWriteFailed, err)
	}
	return nil
}

// connectViaProxy opens the tunnel through an HTTP(S) proxy. A 407 carrying
// a Negotiate challenge continues the handshake on the same connection while
// the security context is incomplete; any other failure is terminal.
func (s *session) connectViaProxy(ctx context.Context) error {
	s.upReader = bufio.NewReader(s.upstream)

	header := make(http.Header)
	if ua := s.req.UserAgent(); ua != "" {
		header.Set("User-Agent", ua)
	} else {
		header.Set("User-Agent", "pacbridge/1.0")
	}
	if s.neg != nil {
		header.Set("Proxy-Authorization", s.neg.Token().Header())
	}

	for {
		resp, err := s.sendConnect(header)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			s.logf(logger.DEBUG, "Tunnel to %s established via %s", s.target, s.decision.Address())
			return s.replyEstablished()

		case resp.StatusCode == http.StatusProxyAuthRequired:
			token, err := s.continueNegotiation(ctx, resp)
			if err != nil {
				return err
			}
			if token == nil {
				s.upstreamStatus = resp.StatusCode
				return NewProxyError(ErrCodeProxyAuthFailed,
					fmt.Errorf("proxy %s answered %s to CONNECT %s", s.decision.Address(), resp.Status, s.target))
			}
			header.Set("Proxy-Authorization", token.Header())

		default:
			return s.propagate(resp)
		}
	}
}

func (s *session) sendConnect(header http.Header) (*http.Response, error) {
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: s.target},
		Host:   s.target,
		Header: header.Clone(),
	}

	s.setUpstreamDeadline()
	defer func() { _ = s.upstream.SetDeadline(time.Time{}) }()

	if err := connectReq.Write(s.upstream); err != nil {
		return nil, NewProxyError(ErrCodeCONNECTRequestFailed, fmt.Errorf("sending to proxy %s: %w", s.decision.Address(), err))
	}
	resp, err := http.ReadResponse(s.upReader, connectReq)
	if err != nil {
		return nil, NewProxyError(ErrCodeCONNECTResponseFailed, fmt.Errorf("reading from proxy %s: %w", s.decision.Address(), err))
	}
	return resp, nil
}

// continueNegotiation returns the next token for a 407 response, or nil when
// the 407 is final.
func (s *session) continueNegotiation(ctx context.Context, resp *http.Response) (auth.Token, error) {
	if s.neg == nil || s.neg.Complete() || resp.Close {
		return nil, nil
	}
	challenge, ok := negotiateChallenge(resp.Header)
	if !ok || len(challenge) == 0 {
		return nil, nil
	}

	s.setUpstreamDeadline()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPropagatedBody))
	_ = resp.Body.Close()
	_ = s.upstream.SetDeadline(time.Time{})

	ctx, cancel := withTimeout(ctx, s.srv.timeouts.GetAuthDuration())
	defer cancel()
	token, err := s.neg.Continue(ctx, challenge)
	if err != nil {
		return nil, authError(err)
	}
	if token != nil {
		s.logf(logger.DEBUG, "Negotiate round %d with %s", s.neg.Rounds(), s.decision.Host)
	}
	return token, nil
}

func negotiateChallenge(h http.Header) ([]byte, bool) {
	for _, v := range h.Values("Proxy-Authenticate") {
		challenge, ok, err := auth.ParseChallenge(v)
		if ok && err == nil {
			return challenge, true
		}
	}
	return nil, false
}

// propagate relays a failed CONNECT response to the client with its status
// and a bounded body.
func (s *session) propagate(resp *http.Response) error {
	s.setUpstreamDeadline()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxPropagatedBody))
	_ = resp.Body.Close()

	header := resp.Header.Clone()
	header.Del("Transfer-Encoding")
	header.Del("Content-Length")
	header.Set("Connection", "close")

	out := &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}
	s.responded = true
	s.writeResponse(out)
	return NewProxyError(ErrCodeProxyDenied,
		fmt.Errorf("proxy %s answered %s to CONNECT %s", s.decision.Address(), resp.Status, s.target))
}

// forwardRequest sends the request head upstream: origin-form on a tunnelled
// connection, absolute-URI form to an HTTP proxy. Client header lines keep
// their spelling and order; hop-by-hop headers are dropped and the bridge's
// own Connection and Proxy-Authorization lines are appended. The body, if
// any, follows through the relay.
func (s *session) forwardRequest() error {
	var buf bytes.Buffer

	uri := s.req.URL.String()
	if s.tunnelled() {
		uri = s.req.URL.RequestURI()
	}
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", s.req.Method, uri)
	fmt.Fprintf(&buf, "Host: %s\r\n", s.req.URL.Host)

	drop := hopHeaderNames(s.req.Header)
	chunked := len(s.req.TransferEncoding) > 0
	for _, f := range s.fields {
		name := strings.ToLower(f.name)
		if _, hop := drop[name]; hop {
			continue
		}
		// Transfer-Encoding wins over Content-Length
		if chunked && name == "content-length" {
			continue
		}
		buf.WriteString(f.line)
		buf.WriteString("\r\n")
	}

	if s.req.Header.Get("Upgrade") != "" {
		buf.WriteString("Connection: Upgrade\r\n")
	} else {
		buf.WriteString("Connection: close\r\n")
	}
	if !s.tunnelled() && s.neg != nil {
		fmt.Fprintf(&buf, "Proxy-Authorization: %s\r\n", s.neg.Token().Header())
	}
	buf.WriteString("\r\n")

	s.setUpstreamDeadline()
	defer func() { _ = s.upstream.SetDeadline(time.Time{}) }()
	if _, err := s.upstream.Write(buf.Bytes()); err != nil {
		return NewProxyError(ErrCodeUpstreamWriteFailed, fmt.Errorf("%s: %w", s.decision.Address(), err))
	}
	return nil
}

func (s *session) relay(ctx context.Context) {
	upstream := withBuffered(s.upstream, s.upReader)
	res := relay.Relay(ctx, s.client, upstream, relay.Options{
		IdleTimeout:  s.srv.timeouts.GetRelayIdleDuration(),
		ClientReader: s.reader,
	})
	s.reason = string(res.Reason)
	s.logf(logger.DEBUG, "Relay finished (%s): %d bytes up, %d bytes down in %s",
		res.Reason, res.ClientToUpstream, res.UpstreamToClient, res.Duration.Round(time.Millisecond))

	if res.Err != nil && s.statsStarted {
		err := NewProxyError(ErrCodeRelayFailed, res.Err)
		_ = s.srv.collector.RecordError(context.Background(), s.statsID, err.Code, err.Error())
	}
}

// fail ends a session before the tunnel exists. The client gets a
// synthesized error response unless something was already sent.
func (s *session) fail(err error) {
	if errors.Is(err, errClientGone) {
		s.reason = "client closed"
		return
	}

	code := ErrorCode(err)
	if code == "" {
		code = ErrCodeInternalError
	}
	s.reason = "error " + code

	if IsRequestError(err) {
		s.logf(logger.DEBUG, "Rejected request from %s: %v", s.clientIP, err)
	} else {
		s.logf(logger.WARN, "%s failed in state %s: %v", s.target, s.getState(), err)
	}
	if s.statsStarted {
		_ = s.srv.collector.RecordError(context.Background(), s.statsID, code, err.Error())
	}

	if s.responded || s.getState() == stateRelay {
		return
	}
	resp := ResponseForError(err)
	if s.upstreamStatus != 0 {
		resp.Header.Set("X-Upstream-Status", strconv.Itoa(s.upstreamStatus))
	}
	s.responded = true
	s.writeResponse(resp)
	if code == ErrCodeRequestHeaderTooLarge {
		s.drainClient()
	}
}

// drainClient half-closes the client connection and discards a bounded
// amount of unread input, so the kernel does not answer the pending bytes
// with a reset that would destroy the response.
func (s *session) drainClient() {
	if cw, ok := s.client.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = s.client.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, _ = io.Copy(io.Discard, io.LimitReader(s.reader, 256<<10))
}

func (s *session) writeResponse(resp *http.Response) {
	_ = s.client.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := resp.Write(s.client); err != nil && !relay.IsClosedConnError(err) {
		s.logf(logger.DEBUG, "Failed to write %d response: %v", resp.StatusCode, err)
	}
	_ = s.client.SetWriteDeadline(time.Time{})
}

func (s *session) setUpstreamDeadline() {
	if d := s.srv.timeouts.GetConnectDuration(); d > 0 {
		_ = s.upstream.SetDeadline(time.Now().Add(d))
	}
}

// finish releases everything the session owns and records its end.
func (s *session) finish() {
	if s.upstream != nil {
		_ = s.upstream.Close()
	}
	_ = s.client.Close()
	s.neg.Close()

	if s.statsStarted {
		var sent, received int64
		if s.tracked != nil {
			sent, received = s.tracked.Totals()
		}
		_ = s.srv.collector.EndSession(context.Background(), s.statsID, sent, received, time.Since(s.start), s.reason)
	}
	s.logf(logger.TRACE, "Closed after %s (%s)", time.Since(s.start).Round(time.Millisecond), s.reason)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
