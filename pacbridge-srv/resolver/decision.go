// Package resolver decides, per target, whether the bridge connects directly
// or through an upstream proxy.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrResolutionFailed is returned by Resolve only when the failure policy is
// "error". With the default policy failures degrade to DIRECT.
var ErrResolutionFailed = errors.New("proxy resolution failed")

// Route says where the bridge opens its upstream socket.
type Route int

const (
	Direct Route = iota
	ViaProxy
)

func (r Route) String() string {
	if r == ViaProxy {
		return "VIA_PROXY"
	}
	return "DIRECT"
}

// MarshalText renders the route by name in JSON.
func (r Route) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Route) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "DIRECT":
		*r = Direct
	case "VIA_PROXY":
		*r = ViaProxy
	default:
		return fmt.Errorf("unknown route %q", text)
	}
	return nil
}

// Scheme is the protocol spoken to an upstream proxy.
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeSOCKS5 Scheme = "socks5"
)

// Decision is the immutable result of one resolution. For DIRECT, Host and
// Port name the final destination; for VIA_PROXY they name the proxy.
type Decision struct {
	Route  Route  `json:"route"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Scheme Scheme `json:"scheme,omitempty"`
}

// Address returns host:port.
func (d Decision) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// SupportsAuth reports whether Negotiate credentials can be sent to the
// proxy. SOCKS proxies never get them.
func (d Decision) SupportsAuth() bool {
	return d.Route == ViaProxy && (d.Scheme == SchemeHTTP || d.Scheme == SchemeHTTPS)
}

func (d Decision) String() string {
	if d.Route == Direct {
		return "DIRECT " + d.Address()
	}
	return fmt.Sprintf("VIA_PROXY %s://%s", d.Scheme, d.Address())
}

// Resolver maps a target (an absolute URL, or host:port for CONNECT) to a
// Decision.
type Resolver interface {
	Resolve(ctx context.Context, target string) (Decision, error)
}

// ExplainingResolver also reports which tier produced a decision and whether
// it was degraded.
type ExplainingResolver interface {
	Resolver
	ResolveExplained(ctx context.Context, target string) (Explanation, error)
}

// Func adapts a function to the Resolver interface.
type Func func(ctx context.Context, target string) (Decision, error)

func (f Func) Resolve(ctx context.Context, target string) (Decision, error) {
	return f(ctx, target)
}

// NormalizeTarget prefixes targets without a scheme with https://, which
// turns a CONNECT authority such as "host:443" into a URL a PAC script can
// evaluate.
func NormalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "://") {
		return target
	}
	return "https://" + target
}

// DirectDecision returns the DIRECT decision for a normalized target URL.
func DirectDecision(targetURL string) (Decision, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return Decision{}, fmt.Errorf("invalid target %q: %w", targetURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return Decision{}, fmt.Errorf("invalid target %q: missing host", targetURL)
	}

	port := defaultPortForScheme(u.Scheme)
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Decision{}, fmt.Errorf("invalid target %q: bad port", targetURL)
		}
	}
	return Decision{Route: Direct, Host: host, Port: port}, nil
}

func defaultPortForScheme(scheme string) int {
	switch strings.ToLower(scheme) {
	case "http", "ws":
		return 80
	case "ftp":
		return 21
	default:
		return 443
	}
}
