package resolver

import (
	"fmt"
	"strings"

	"github.com/codefionn/pacbridge/pacbridge-srv/pac"
)

const defaultProxyPort = 8080

// ParseStaticProxy turns a static proxy setting into a decision. Accepted
// forms are "host:port", "http://host:port", "socks5://host:port" and the
// Windows per-protocol list "http=a:80;https=b:8080;socks=c:1080", where the
// https entry is preferred, then http, then the first entry.
func ParseStaticProxy(value string) (Decision, error) {
	entries := strings.FieldsFunc(value, func(r rune) bool {
		return r == ';' || r == ' ' || r == '\t'
	})
	if len(entries) == 0 {
		return Decision{}, fmt.Errorf("empty static proxy")
	}

	chosen := entries[0]
	if strings.Contains(chosen, "=") {
		byProto := make(map[string]string)
		for _, e := range entries {
			proto, addr, ok := strings.Cut(e, "=")
			if !ok {
				continue
			}
			proto = strings.ToLower(strings.TrimSpace(proto))
			if _, dup := byProto[proto]; !dup {
				byProto[proto] = addr
			}
		}
		switch {
		case byProto["https"] != "":
			chosen = byProto["https"]
		case byProto["http"] != "":
			chosen = byProto["http"]
		case byProto["socks"] != "":
			chosen = "socks5://" + byProto["socks"]
		default:
			_, chosen, _ = strings.Cut(entries[0], "=")
		}
	}

	return proxyDecision(chosen)
}

// proxyDecision parses "[scheme://]host[:port]".
func proxyDecision(addr string) (Decision, error) {
	scheme := SchemeHTTP
	defaultPort := defaultProxyPort
	if s, _, ok := strings.Cut(addr, "://"); ok {
		switch strings.ToLower(s) {
		case "http":
		case "https":
			scheme = SchemeHTTPS
			defaultPort = 443
		case "socks", "socks5", "socks5h":
			scheme = SchemeSOCKS5
			defaultPort = 1080
		default:
			return Decision{}, fmt.Errorf("unsupported proxy scheme %q", s)
		}
	}

	host, port, err := pac.SplitProxyAddress(addr, defaultPort)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Route: ViaProxy, Host: host, Port: port, Scheme: scheme}, nil
}

// candidateDecision maps a PAC candidate to a decision. SOCKS4 is not
// supported and reported as such.
func candidateDecision(c pac.Candidate) (Decision, bool) {
	switch c.Kind {
	case pac.Proxy:
		return Decision{Route: ViaProxy, Host: c.Host, Port: c.Port, Scheme: SchemeHTTP}, true
	case pac.HTTPS:
		return Decision{Route: ViaProxy, Host: c.Host, Port: c.Port, Scheme: SchemeHTTPS}, true
	case pac.SOCKS, pac.SOCKS5:
		return Decision{Route: ViaProxy, Host: c.Host, Port: c.Port, Scheme: SchemeSOCKS5}, true
	default:
		return Decision{}, false
	}
}
