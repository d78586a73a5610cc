package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/codefionn/pacbridge/pacbridge-srv/sysproxy"
	"golang.org/x/sync/singleflight"
)

// snapshot is one loaded copy of the system proxy settings.
type snapshot struct {
	settings sysproxy.Settings
	bypass   *Bypass
	loadedAt time.Time
}

// settingsCache serves the last loaded settings and refreshes them in the
// background once they are older than maxAge (stale-while-revalidate). Only
// the very first load blocks callers.
type settingsCache struct {
	source sysproxy.Source
	maxAge time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	snap  *snapshot
	stale bool
	group singleflight.Group
}

func newSettingsCache(source sysproxy.Source, maxAge time.Duration) *settingsCache {
	return &settingsCache{source: source, maxAge: maxAge, now: time.Now}
}

// Get returns the current snapshot.
func (c *settingsCache) Get(ctx context.Context) (*snapshot, error) {
	c.mu.RLock()
	snap, stale := c.snap, c.stale
	c.mu.RUnlock()

	if snap == nil {
		ch := c.group.DoChan("settings", c.load)
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(*snapshot), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if stale || (c.maxAge > 0 && c.now().Sub(snap.loadedAt) > c.maxAge) {
		c.group.DoChan("settings", c.load)
	}
	return snap, nil
}

// Invalidate marks the snapshot stale; the next Get triggers a refresh while
// still serving the old values.
func (c *settingsCache) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

func (c *settingsCache) load() (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	settings, err := c.source.Load(ctx)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.snap == nil {
			return nil, err
		}
		logger.Warn("Refreshing proxy settings from %s failed, keeping previous: %v", c.source.Name(), err)
		// retry after another maxAge rather than on every request
		c.snap = &snapshot{settings: c.snap.settings, bypass: c.snap.bypass, loadedAt: c.now()}
		c.stale = false
		return c.snap, nil
	}

	snap := &snapshot{
		settings: settings,
		bypass:   NewBypass(settings.Bypass, nil),
		loadedAt: c.now(),
	}
	c.mu.Lock()
	changed := c.snap == nil || c.snap.settings.String() != settings.String()
	c.snap = snap
	c.stale = false
	c.mu.Unlock()

	if changed {
		logger.Info("Proxy settings from %s: %s", c.source.Name(), settings)
	}
	return snap, nil
}
