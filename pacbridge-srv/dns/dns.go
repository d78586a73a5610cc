package dns

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/config"
	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
)

// Resolver dials the configured DNS servers in round-robin order over UDP,
// TCP or TLS.
type Resolver struct {
	dnsConfig  config.DNSConfig
	currentIdx int
	mutex      sync.Mutex
	tlsConfig  *tls.Config
}

// NewResolver creates a new Resolver with the given DNS configuration.
func NewResolver(cfg config.DNSConfig) *Resolver {
	return &Resolver{
		dnsConfig: cfg,
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"dot"},
		},
	}
}

// New returns the net.Resolver to use for upstream dials and WPAD probes.
// Without custom servers it is the system resolver.
func New(cfg config.DNSConfig) *net.Resolver {
	if !cfg.Enabled || len(cfg.Servers) == 0 {
		return &net.Resolver{PreferGo: true}
	}

	logger.Info("Custom DNS resolver initialized with %d server(s)", len(cfg.Servers))
	for i, server := range cfg.Servers {
		logger.Debug("  DNS Server %d: %s (%s)", i, server.Address, server.Type)
	}
	return &net.Resolver{
		PreferGo: true,
		Dial:     NewResolver(cfg).Dial,
	}
}

// NewDialer returns a dialer that resolves names through resolver.
func NewDialer(resolver *net.Resolver, timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Resolver:  resolver,
	}
}

// Dial is the custom dial function for DNS resolution.
func (r *Resolver) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	r.mutex.Lock()
	serverIdx := r.currentIdx
	r.currentIdx = (r.currentIdx + 1) % len(r.dnsConfig.Servers)
	r.mutex.Unlock()

	dnsServer := r.dnsConfig.Servers[serverIdx]
	logger.Trace("Using DNS server %d: %s (%s) for %s", serverIdx, dnsServer.Address, dnsServer.Type, address)

	dialer := &net.Dialer{
		Timeout: dnsServer.GetTimeoutDuration(),
	}

	switch dnsServer.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP:
		return dialer.DialContext(ctx, string(dnsServer.Type), dnsServer.Address)

	case config.DNSTypeDoT:
		tcpConn, err := dialer.DialContext(ctx, "tcp", dnsServer.Address)
		if err != nil {
			return nil, fmt.Errorf("DoT TCP connection failed: %w", err)
		}

		tlsConfig := r.tlsConfig.Clone()
		if dnsServer.TLSHost != "" {
			tlsConfig.ServerName = dnsServer.TLSHost
		} else if host, _, err := net.SplitHostPort(dnsServer.Address); err == nil {
			tlsConfig.ServerName = host
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		handshakeCtx, cancel := context.WithTimeout(ctx, dnsServer.GetTimeoutDuration())
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("DoT TLS handshake failed: %w", err)
		}
		return tlsConn, nil

	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", dnsServer.Type)
	}
}
