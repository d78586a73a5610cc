package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/dns"
	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/codefionn/pacbridge/pacbridge-srv/resolver"
	"golang.org/x/net/proxy"
)

// upstreamDialer opens the upstream leg of a session: the destination for
// DIRECT decisions, otherwise the chosen proxy.
type upstreamDialer struct {
	dialer    *net.Dialer
	tlsConfig *tls.Config
}

func newUpstreamDialer(netResolver *net.Resolver, timeout time.Duration) *upstreamDialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &upstreamDialer{
		dialer:    dns.NewDialer(netResolver, timeout),
		tlsConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// Dial connects according to d. target is the destination host:port; it is
// dialed directly for DIRECT decisions and through the proxy for SOCKS5.
// For HTTP(S) proxies the returned connection reaches the proxy itself.
func (u *upstreamDialer) Dial(ctx context.Context, d resolver.Decision, target string) (net.Conn, error) {
	switch {
	case d.Route == resolver.Direct:
		return u.dialDirect(ctx, target)
	case d.Scheme == resolver.SchemeSOCKS5:
		return u.dialSOCKS5(ctx, d.Address(), target)
	default:
		return u.dialProxy(ctx, d)
	}
}

func (u *upstreamDialer) dialDirect(ctx context.Context, target string) (net.Conn, error) {
	if _, _, err := net.SplitHostPort(target); err != nil {
		return nil, NewProxyError(ErrCodeInvalidAddress, fmt.Errorf("%s: %w", target, err))
	}
	conn, err := u.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, dialError(ErrCodeDialFailed, target, err)
	}
	logger.Trace("Dialed %s directly", target)
	return conn, nil
}

func (u *upstreamDialer) dialProxy(ctx context.Context, d resolver.Decision) (net.Conn, error) {
	addr := d.Address()
	conn, err := u.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, dialError(ErrCodeUpstreamConnectFailed, addr, err)
	}
	if d.Scheme != resolver.SchemeHTTPS {
		return conn, nil
	}

	cfg := u.tlsConfig.Clone()
	cfg.ServerName = d.Host
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, NewProxyError(ErrCodeTLSUpstreamFailed, fmt.Errorf("proxy %s: %w", addr, err))
	}
	return tlsConn, nil
}

func (u *upstreamDialer) dialSOCKS5(ctx context.Context, proxyAddr, target string) (net.Conn, error) {
	socksDialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, u.dialer)
	if err != nil {
		return nil, NewProxyError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", proxyAddr, err))
	}

	var conn net.Conn
	if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
		conn, err = ctxDialer.DialContext(ctx, "tcp", target)
	} else {
		conn, err = socksDialer.Dial("tcp", target)
	}
	if err != nil {
		return nil, NewProxyError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", target, proxyAddr, err))
	}
	return conn, nil
}

func dialError(code, addr string, err error) *Error {
	if isTimeout(err) {
		code = ErrCodeConnectionTimeout
	}
	return NewProxyError(code, fmt.Errorf("%s: %w", addr, err))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
