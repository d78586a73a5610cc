package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/auth"
	"github.com/codefionn/pacbridge/pacbridge-srv/config"
	"github.com/codefionn/pacbridge/pacbridge-srv/dns"
	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/codefionn/pacbridge/pacbridge-srv/portal"
	"github.com/codefionn/pacbridge/pacbridge-srv/resolver"
	"github.com/codefionn/pacbridge/pacbridge-srv/stats"
)

// Version is reported by the portal; main sets it from the build.
var Version = "dev"

// Proxy wires the bridge together: resolver, auth provider, statistics,
// the session server and the admin portal.
type Proxy struct {
	config    *config.Config
	resolver  *resolver.SystemResolver
	auth      auth.Provider
	Collector stats.Collector
	hub       *stats.Hub
	server    *Server
	portal    *portal.Portal
	startTime time.Time

	portalMu     sync.Mutex
	portalServer *http.Server
	portalAddr   net.Addr
}

// NewProxy builds a bridge for cfg. It fails when the configured
// authentication mechanism is unavailable; a broken statistics backend only
// disables statistics.
func NewProxy(cfg *config.Config) (*Proxy, error) {
	p := &Proxy{
		config:    cfg,
		startTime: time.Now(),
	}

	var collector stats.Collector
	if cfg.Statistics.Enabled {
		var err error
		factory := stats.NewCollectorFactory()
		collector, err = factory.CreateCollector(cfg.Statistics)
		if err != nil {
			logger.Error("Failed to initialize statistics collector: %v", err)
			collector = stats.NewDummyCollector()
		}
	} else {
		collector = stats.NewDummyCollector()
	}
	p.hub = stats.NewHub(collector)
	p.Collector = p.hub

	netResolver := dns.New(cfg.DNS)
	p.resolver = resolver.New(cfg, netResolver)

	provider, err := auth.New(cfg.Auth, netResolver)
	if err != nil {
		_ = p.hub.Close()
		return nil, NewProxyError(ErrCodeInvalidServerConfig, fmt.Errorf("authentication provider: %w", err))
	}
	p.auth = provider

	p.server = NewServer(cfg, Dependencies{
		Resolver:    p.resolver,
		Auth:        p.auth,
		Collector:   p.Collector,
		NetResolver: netResolver,
	})

	if cfg.Portal.Enabled {
		p.portal = portal.NewPortal(cfg, p.Collector, p, p.hub)
	}
	return p, nil
}

// Start runs the portal (when enabled) and serves the bridge until Stop.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.config.ListenAddress)
	if err != nil {
		return NewProxyError(ErrCodeListenerCreateFailed, err)
	}
	return p.StartWithListener(listener)
}

// StartWithListener is Start with a caller-provided bridge listener.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	if p.portal != nil {
		if err := p.startPortal(); err != nil {
			_ = listener.Close()
			return err
		}
	}
	return p.server.StartWithListener(listener)
}

func (p *Proxy) startPortal() error {
	addr := p.config.Portal.ListenAddress
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return NewProxyError(ErrCodeListenerCreateFailed, fmt.Errorf("portal: %w", err))
	}

	srv := &http.Server{
		Handler:           p.portal,
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.portalMu.Lock()
	p.portalServer = srv
	p.portalAddr = listener.Addr()
	p.portalMu.Unlock()

	logger.Info("Starting portal on %s", listener.Addr())
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Portal stopped: %v", err)
		}
	}()
	return nil
}

// Stop drains the bridge, shuts down the portal and flushes statistics.
func (p *Proxy) Stop() error {
	err := p.server.Stop()

	p.portalMu.Lock()
	srv := p.portalServer
	p.portalServer, p.portalAddr = nil, nil
	p.portalMu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		// websocket subscribers are hijacked and not tracked by Shutdown;
		// closing the hub ends their streams
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			logger.Warn("Portal shutdown: %v", shutdownErr)
		}
		cancel()
	}

	if closeErr := p.Collector.Close(); closeErr != nil {
		logger.Error("Failed to close statistics collector: %v", closeErr)
	}
	return err
}

// Invalidate drops cached proxy settings, PAC scripts and WPAD results so
// the next session sees the current system configuration.
func (p *Proxy) Invalidate() {
	logger.Info("Invalidating cached proxy configuration")
	p.resolver.Invalidate()
}

// Addr returns the bridge listener address once started.
func (p *Proxy) Addr() net.Addr {
	return p.server.Addr()
}

// PortalAddr returns the portal listener address, or nil when the portal
// is not running.
func (p *Proxy) PortalAddr() net.Addr {
	p.portalMu.Lock()
	defer p.portalMu.Unlock()
	return p.portalAddr
}

// GetConfig implements portal.BridgeInterface.
func (p *Proxy) GetConfig() *config.Config {
	return p.config
}

// Explain implements portal.BridgeInterface.
func (p *Proxy) Explain(ctx context.Context, target string) resolver.Explanation {
	return p.resolver.Explain(ctx, target)
}

// Status implements portal.BridgeInterface.
func (p *Proxy) Status() portal.Status {
	mechanism := string(p.config.Auth.Mechanism)
	if !p.config.Auth.Enabled {
		mechanism = string(config.AuthMechanismNone)
	}
	backend := "disabled"
	if p.config.Statistics.Enabled {
		backend = p.config.Statistics.Backend
	}

	listen := p.config.ListenAddress
	if addr := p.server.Addr(); addr != nil {
		listen = addr.String()
	}

	return portal.Status{
		Version:          Version,
		ListenAddress:    listen,
		StartedAt:        p.startTime.Format(time.RFC3339),
		Uptime:           time.Since(p.startTime).Round(time.Second).String(),
		ActiveSessions:   p.server.ActiveSessions(),
		TotalSessions:    p.server.TotalSessions(),
		RejectedSessions: p.server.RejectedSessions(),
		FailurePolicy:    string(p.config.Resolver.FailurePolicy),
		AuthMechanism:    mechanism,
		StatsBackend:     backend,
	}
}
