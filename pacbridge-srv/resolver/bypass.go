package resolver

import (
	"net"
	"net/netip"
	"path"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// Bypass decides which hosts skip the proxy. It understands the Windows
// ProxyOverride list ("<local>", wildcards), NO_PROXY style domains and
// CIDR prefixes, plus a large domain list matched with Aho-Corasick.
type Bypass struct {
	local    bool
	all      bool
	hosts    []string // exact host or any subdomain
	patterns []string // shell wildcards
	prefixes []netip.Prefix

	trie       *ahocorasick.Trie
	domainList []string
}

// NewBypass compiles entries (as found in the system settings) and domains
// (the bypass domains file). Both may be empty.
func NewBypass(entries, domains []string) *Bypass {
	b := &Bypass{}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		switch {
		case e == "<local>":
			b.local = true
		case e == "*":
			b.all = true
		case strings.Contains(e, "/"):
			if p, err := netip.ParsePrefix(e); err == nil {
				b.prefixes = append(b.prefixes, p)
			}
		case strings.ContainsAny(e, "*?"):
			b.patterns = append(b.patterns, stripEntryPort(e))
		default:
			b.hosts = append(b.hosts, strings.TrimPrefix(stripEntryPort(e), "."))
		}
	}

	if len(domains) > 0 {
		b.domainList = domains
		b.trie = ahocorasick.NewTrieBuilder().AddStrings(domains).Build()
	}
	return b
}

// stripEntryPort removes ":port" from entries like "intranet:8080".
func stripEntryPort(e string) string {
	if host, _, err := net.SplitHostPort(e); err == nil {
		return host
	}
	return e
}

// Empty reports whether nothing is ever bypassed.
func (b *Bypass) Empty() bool {
	return b == nil || (!b.local && !b.all && len(b.hosts) == 0 && len(b.patterns) == 0 &&
		len(b.prefixes) == 0 && b.trie == nil)
}

// Match reports whether host (without port) must be reached directly.
func (b *Bypass) Match(host string) bool {
	if b == nil {
		return false
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "" {
		return false
	}
	if b.all {
		return true
	}
	if b.local && !strings.Contains(host, ".") && !strings.Contains(host, ":") {
		return true
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		for _, p := range b.prefixes {
			if p.Contains(addr.Unmap()) {
				return true
			}
		}
	}

	for _, h := range b.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	for _, p := range b.patterns {
		if ok, _ := path.Match(p, host); ok {
			return true
		}
		// "*.corp.com" also covers "corp.com"
		if strings.HasPrefix(p, "*.") && host == p[2:] {
			return true
		}
	}

	return b.matchDomains(host)
}

func (b *Bypass) matchDomains(host string) bool {
	if b.trie == nil {
		return false
	}
	for _, match := range b.trie.MatchString(host) {
		domain := b.domainList[match.Pattern()]
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
