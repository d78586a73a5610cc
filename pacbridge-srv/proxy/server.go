package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/auth"
	"github.com/codefionn/pacbridge/pacbridge-srv/config"
	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/codefionn/pacbridge/pacbridge-srv/resolver"
	"github.com/codefionn/pacbridge/pacbridge-srv/stats"
)

// ErrServerClosed is returned when starting a server that was stopped.
var ErrServerClosed = errors.New("bridge server closed")

// Dependencies are the collaborators a Server hands to its sessions.
type Dependencies struct {
	Resolver    resolver.Resolver
	Auth        auth.Provider
	Collector   stats.Collector
	NetResolver *net.Resolver
}

// Server accepts client connections and runs one session per connection.
type Server struct {
	listenAddress  string
	maxSessions    int
	maxHeaderBytes int
	timeouts       config.TimeoutConfig

	resolver  resolver.Resolver
	auth      auth.Provider
	collector stats.Collector
	dialer    *upstreamDialer

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	closing  bool

	wg       sync.WaitGroup
	active   atomic.Int64
	total    atomic.Uint64
	rejected atomic.Uint64

	// ctx is cancelled when the drain period is over
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server for cfg. A nil resolver routes everything
// DIRECT; a nil provider never authenticates.
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	if deps.Resolver == nil {
		deps.Resolver = resolver.Func(func(_ context.Context, target string) (resolver.Decision, error) {
			return resolver.DirectDecision(resolver.NormalizeTarget(target))
		})
	}
	if deps.Auth == nil {
		deps.Auth = auth.NoneProvider{}
	}
	if deps.Collector == nil {
		deps.Collector = stats.NewDummyCollector()
	}

	maxHeaderBytes := cfg.MaxHeaderBytes
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = config.DefaultMaxHeaderBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		listenAddress:  cfg.ListenAddress,
		maxSessions:    cfg.MaxConcurrentConnections,
		maxHeaderBytes: maxHeaderBytes,
		timeouts:       cfg.Timeouts,
		resolver:       deps.Resolver,
		auth:           deps.Auth,
		collector:      deps.Collector,
		dialer:         newUpstreamDialer(deps.NetResolver, cfg.Timeouts.GetConnectDuration()),
		sessions:       make(map[*session]struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return NewProxyError(ErrCodeListenerCreateFailed, err)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves connections from listener until Stop. It returns
// nil after a clean stop.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()

	logger.Info("Starting bridge on %s", listener.Addr())

	var tempDelay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			logger.Warn("Accept error: %v; retrying in %v", err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		s.dispatch(conn)
	}
}

// dispatch hands conn to a new session goroutine, or rejects it when the
// session limit is reached. It never blocks on the connection.
func (s *Server) dispatch(conn net.Conn) {
	if s.maxSessions > 0 && s.active.Load() >= int64(s.maxSessions) {
		s.rejected.Add(1)
		logger.Warn("Session limit %d reached, rejecting %s", s.maxSessions, conn.RemoteAddr())
		go s.reject(conn)
		return
	}

	sess := newSession(s, conn, s.total.Add(1))
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	s.active.Add(1)

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
			s.active.Add(-1)
			s.wg.Done()
		}()
		sess.run(s.ctx)
	}()
}

func (s *Server) reject(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	resp := NewServiceUnavailableResponse(ErrCodeConcurrencyLimitReached)
	if err := resp.Write(conn); err != nil {
		logger.Debug("Failed to write 503 to %s: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Addr returns the listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveSessions returns the number of sessions in progress.
func (s *Server) ActiveSessions() int64 {
	return s.active.Load()
}

// TotalSessions returns the number of sessions accepted so far.
func (s *Server) TotalSessions() uint64 {
	return s.total.Load()
}

// RejectedSessions returns the number of connections refused by the session limit.
func (s *Server) RejectedSessions() uint64 {
	return s.rejected.Load()
}

// Stop closes the listener and lets in-flight sessions finish for up to the
// drain period. Sessions still waiting for their request are closed at once;
// whatever remains after the drain period is closed forcibly.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	listener := s.listener
	var idle []*session
	for sess := range s.sessions {
		if sess.getState() == stateAwaitRequest {
			idle = append(idle, sess)
		}
	}
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, sess := range idle {
		_ = sess.client.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	drain := s.timeouts.GetDrainDuration()
	if n := s.active.Load(); n > 0 {
		logger.Info("Draining %d session(s) for up to %s", n, drain)
	}
	select {
	case <-done:
	case <-time.After(drain):
		logger.Warn("Drain period over, closing %d remaining session(s)", s.active.Load())
		s.cancel()
		s.closeSessions()
		<-done
	}
	s.cancel()
	logger.Info("Bridge on %s stopped", s.listenAddress)
	return err
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		_ = sess.client.Close()
	}
}
