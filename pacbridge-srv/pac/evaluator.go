// Package pac loads Proxy Auto-Configuration scripts, evaluates them and
// discovers them through WPAD.
package pac

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
)

// Script is a fetched PAC script. The same *Script is returned by the
// Fetcher while it is cached, so its compiled form is reused.
type Script struct {
	Location  string
	Source    string
	FetchedAt time.Time

	compileOnce sync.Once
	program     *otto.Script
	compileErr  error
}

// NewScript wraps PAC source text.
func NewScript(location, source string) *Script {
	return &Script{Location: location, Source: source, FetchedAt: time.Now()}
}

// Evaluator runs FindProxyForURL for a target.
type Evaluator interface {
	FindProxyForURL(ctx context.Context, script *Script, targetURL, host string) (string, error)
}

// HostFromURL returns the host part FindProxyForURL expects as its second
// argument: no port, no brackets, lower case.
func HostFromURL(targetURL string) string {
	u, err := url.Parse(targetURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
