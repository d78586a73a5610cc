package pac

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	mdns "github.com/miekg/dns"
)

// ErrNotFound is returned by a Locator that found no PAC URL.
var ErrNotFound = errors.New("no WPAD URL found")

// Locator discovers a PAC URL on the local network.
type Locator interface {
	Locate(ctx context.Context) (string, error)
}

// DHCPLocator reads the WPAD option (252) from DHCP client lease files.
type DHCPLocator struct {
	Globs []string
}

// wpadLeasePattern matches dhclient "option wpad ...", the numeric
// "option-252" form and NetworkManager/systemd "WPAD=" lines.
var wpadLeasePattern = regexp.MustCompile(`(?i)^\s*(?:option\s+(?:wpad|option-252|code-252)\s+|wpad=)"?([^";\s]+)"?`)

func (l DHCPLocator) Locate(ctx context.Context) (string, error) {
	for _, glob := range l.Globs {
		matches, err := filepath.Glob(glob)
		if err != nil {
			logger.Debug("Invalid lease file glob %q: %v", glob, err)
			continue
		}
		// newest lease wins
		sort.Slice(matches, func(i, j int) bool {
			return modTime(matches[i]) > modTime(matches[j])
		})
		for _, path := range matches {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if u := scanLeaseFile(path); u != "" {
				logger.Debug("WPAD URL %s found in lease file %s", u, path)
				return u, nil
			}
		}
	}
	return "", ErrNotFound
}

func modTime(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}

// scanLeaseFile returns the last WPAD URL in a lease file, since dhclient
// appends renewed leases at the end.
func scanLeaseFile(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	var found string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if m := wpadLeasePattern.FindStringSubmatch(scanner.Text()); m != nil {
			found = decodeLeaseValue(m[1])
		}
	}
	return found
}

// decodeLeaseValue handles dhclient writing unknown options as colon
// separated hex bytes.
func decodeLeaseValue(v string) string {
	if !strings.Contains(v, ":") || strings.Contains(v, "://") {
		return v
	}
	var b strings.Builder
	for _, part := range strings.Split(v, ":") {
		var c byte
		if _, err := fmt.Sscanf(part, "%02x", &c); err != nil {
			return v
		}
		if c != 0 {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// DNSLocator probes wpad.<domain> for each search domain, walking up to
// the second-level domain.
type DNSLocator struct {
	Resolver   *net.Resolver
	ResolvConf string
	Hostname   func() (string, error)
}

// NewDNSLocator uses /etc/resolv.conf and os.Hostname.
func NewDNSLocator(resolver *net.Resolver) *DNSLocator {
	return &DNSLocator{Resolver: resolver, ResolvConf: "/etc/resolv.conf", Hostname: os.Hostname}
}

func (l *DNSLocator) Locate(ctx context.Context) (string, error) {
	resolver := l.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	for _, host := range l.Candidates() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		addrs, err := resolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			logger.Trace("WPAD candidate %s not resolvable: %v", host, err)
			continue
		}
		return "http://" + host + "/wpad.dat", nil
	}
	return "", ErrNotFound
}

// Candidates lists the wpad host names in probe order without duplicates.
func (l *DNSLocator) Candidates() []string {
	var domains []string
	if l.ResolvConf != "" {
		if cc, err := mdns.ClientConfigFromFile(l.ResolvConf); err == nil {
			domains = append(domains, cc.Search...)
		}
	}
	if l.Hostname != nil {
		if name, err := l.Hostname(); err == nil {
			if i := strings.IndexByte(name, '.'); i > 0 {
				domains = append(domains, name[i+1:])
			}
		}
	}

	seen := make(map[string]bool)
	var hosts []string
	for _, d := range domains {
		d = strings.ToLower(strings.Trim(d, "."))
		for strings.Count(d, ".") >= 1 {
			host := "wpad." + d
			if !seen[host] {
				seen[host] = true
				hosts = append(hosts, host)
			}
			d = d[strings.IndexByte(d, '.')+1:]
		}
	}
	return hosts
}

// ChainLocator returns the first URL any of its locators finds.
type ChainLocator []Locator

func (c ChainLocator) Locate(ctx context.Context) (string, error) {
	for _, l := range c {
		u, err := l.Locate(ctx)
		if err == nil && u != "" {
			return u, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
	}
	return "", ErrNotFound
}
