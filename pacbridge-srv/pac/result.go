package pac

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// CandidateKind is the keyword of one entry in a FindProxyForURL result.
type CandidateKind int

const (
	Direct CandidateKind = iota
	Proxy
	HTTPS
	SOCKS
	SOCKS4
	SOCKS5
)

func (k CandidateKind) String() string {
	switch k {
	case Direct:
		return "DIRECT"
	case Proxy:
		return "PROXY"
	case HTTPS:
		return "HTTPS"
	case SOCKS:
		return "SOCKS"
	case SOCKS4:
		return "SOCKS4"
	case SOCKS5:
		return "SOCKS5"
	default:
		return "UNKNOWN"
	}
}

// ErrMalformedResult is returned when a PAC result contains no usable entry.
var ErrMalformedResult = errors.New("malformed PAC result")

// Candidate is one parsed entry of a PAC result, in the order the script
// listed it.
type Candidate struct {
	Kind CandidateKind
	Host string
	Port int
}

// Address returns host:port, or "" for DIRECT.
func (c Candidate) Address() string {
	if c.Kind == Direct {
		return ""
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Candidate) String() string {
	if c.Kind == Direct {
		return "DIRECT"
	}
	return c.Kind.String() + " " + c.Address()
}

// defaultPort is used when an entry omits the port.
func (k CandidateKind) defaultPort() int {
	switch k {
	case HTTPS:
		return 443
	case SOCKS, SOCKS4, SOCKS5:
		return 1080
	default:
		return 8080
	}
}

// ParseResult parses the semicolon separated result grammar, e.g.
// "PROXY a.corp:8080; SOCKS b.corp:1080; DIRECT". Unknown keywords and
// entries with an invalid address are skipped. A result without a single
// usable entry is malformed.
func ParseResult(result string) ([]Candidate, error) {
	if strings.TrimSpace(result) == "" {
		return nil, fmt.Errorf("%w: empty result", ErrMalformedResult)
	}

	var candidates []Candidate
	for _, entry := range strings.Split(result, ";") {
		fields := strings.Fields(entry)
		if len(fields) == 0 {
			continue
		}

		var kind CandidateKind
		switch strings.ToUpper(fields[0]) {
		case "DIRECT":
			candidates = append(candidates, Candidate{Kind: Direct})
			continue
		case "PROXY", "HTTP":
			kind = Proxy
		case "HTTPS":
			kind = HTTPS
		case "SOCKS":
			kind = SOCKS
		case "SOCKS4":
			kind = SOCKS4
		case "SOCKS5":
			kind = SOCKS5
		default:
			continue
		}
		if len(fields) < 2 {
			continue
		}

		host, port, err := SplitProxyAddress(fields[1], kind.defaultPort())
		if err != nil {
			continue
		}
		candidates = append(candidates, Candidate{Kind: kind, Host: host, Port: port})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedResult, result)
	}
	return candidates, nil
}

// SplitProxyAddress splits "host:port" (optionally prefixed with a scheme
// such as http://) and validates the port. defaultPort is used when the port
// is missing.
func SplitProxyAddress(addr string, defaultPort int) (string, int, error) {
	addr = strings.TrimSpace(addr)
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	addr = strings.TrimSuffix(addr, "/")
	if addr == "" {
		return "", 0, errors.New("empty proxy address")
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port present
		host = strings.Trim(addr, "[]")
		portStr = strconv.Itoa(defaultPort)
	}
	if host == "" || strings.ContainsAny(host, "/ \t") {
		return "", 0, fmt.Errorf("invalid proxy host in %q", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid proxy port in %q", addr)
	}
	return host, port, nil
}
