package pac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"golang.org/x/sync/singleflight"
)

// ErrScriptTooLarge is returned when a PAC script exceeds the size limit.
var ErrScriptTooLarge = errors.New("PAC script exceeds size limit")

type cachedScript struct {
	script  *Script
	expires time.Time
}

// Fetcher loads PAC scripts and caches them by location. Concurrent loads of
// the same location share one request.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	ttl      time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedScript
	group singleflight.Group
}

// NewFetcher creates a fetcher. PAC scripts are always downloaded without a
// proxy; resolver names the dialer's resolver, nil for the system one.
func NewFetcher(resolver *net.Resolver, maxBytes int64, ttl time.Duration) *Fetcher {
	dialer := &net.Dialer{Timeout: 5 * time.Second, Resolver: resolver}
	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        4,
		IdleConnTimeout:     30 * time.Second,
	}
	return newFetcher(&http.Client{Transport: transport}, maxBytes, ttl)
}

func newFetcher(client *http.Client, maxBytes int64, ttl time.Duration) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Fetcher{
		client:   client,
		maxBytes: maxBytes,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]cachedScript),
	}
}

// Fetch returns the script at location, from cache when still fresh.
func (f *Fetcher) Fetch(ctx context.Context, location string) (*Script, error) {
	f.mu.RLock()
	entry, ok := f.cache[location]
	f.mu.RUnlock()
	if ok && f.now().Before(entry.expires) {
		return entry.script, nil
	}

	ch := f.group.DoChan(location, func() (any, error) {
		// detached so that one caller's cancellation does not fail the others
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		source, err := f.load(loadCtx, location)
		if err != nil {
			return nil, err
		}
		script := NewScript(location, source)
		f.mu.Lock()
		f.cache[location] = cachedScript{script: script, expires: f.now().Add(f.ttl)}
		f.mu.Unlock()
		logger.Debug("Loaded PAC script from %s (%d bytes)", location, len(source))
		return script, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Script), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops every cached script.
func (f *Fetcher) Invalidate() {
	f.mu.Lock()
	f.cache = make(map[string]cachedScript)
	f.mu.Unlock()
}

func (f *Fetcher) load(ctx context.Context, location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid PAC location %q: %w", location, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.loadHTTP(ctx, location)
	case "file":
		path := u.Path
		if u.Opaque != "" {
			path = u.Opaque
		}
		return f.loadFile(path)
	case "":
		return f.loadFile(location)
	default:
		// Windows drive letters parse as a scheme
		if len(u.Scheme) == 1 {
			return f.loadFile(location)
		}
		return "", fmt.Errorf("unsupported PAC location scheme %q", u.Scheme)
	}
}

func (f *Fetcher) loadHTTP(ctx context.Context, location string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create PAC request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ns-proxy-autoconfig, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch PAC script %s: %w", location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch PAC script %s: status %d", location, resp.StatusCode)
	}
	return f.readLimited(resp.Body)
}

func (f *Fetcher) loadFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open PAC file: %w", err)
	}
	defer file.Close()
	return f.readLimited(file)
}

func (f *Fetcher) readLimited(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read PAC script: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return "", ErrScriptTooLarge
	}
	return string(data), nil
}
