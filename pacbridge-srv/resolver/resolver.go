package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/config"
	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/codefionn/pacbridge/pacbridge-srv/pac"
	"github.com/codefionn/pacbridge/pacbridge-srv/sysproxy"
)

// Tier names the configuration step that produced a decision.
type Tier string

const (
	TierBypass Tier = "bypass"
	TierPAC    Tier = "pac"
	TierWPAD   Tier = "wpad"
	TierStatic Tier = "static"
	TierNone   Tier = "none"
)

// Explanation is a decision together with how it was reached.
type Explanation struct {
	Target    string   `json:"target"`
	URL       string   `json:"url"`
	Decision  Decision `json:"decision"`
	Tier      Tier     `json:"tier"`
	PACURL    string   `json:"pac_url,omitempty"`
	PACResult string   `json:"pac_result,omitempty"`
	Degraded  bool     `json:"degraded"`
	Error     string   `json:"error,omitempty"`
	Duration  string   `json:"duration"`

	err error
}

// ScriptFetcher loads PAC scripts; *pac.Fetcher implements it.
type ScriptFetcher interface {
	Fetch(ctx context.Context, location string) (*pac.Script, error)
	Invalidate()
}

// Options wires a SystemResolver. Zero values fall back to defaults.
type Options struct {
	Source        sysproxy.Source
	Fetcher       ScriptFetcher
	Evaluator     pac.Evaluator
	Locator       pac.Locator
	Timeout       time.Duration
	RefreshAfter  time.Duration
	FailurePolicy config.FailurePolicy
	BypassDomains []string
	// SelfAddress is the bridge's own listen address. A proxy pointing back
	// at it would loop and is treated as a failure.
	SelfAddress   string
}

// SystemResolver resolves targets in tier order: explicit PAC URL, WPAD,
// static proxy, DIRECT. Any failure falls back to DIRECT unless the failure
// policy is "error".
type SystemResolver struct {
	settings  *settingsCache
	fetcher   ScriptFetcher
	evaluator pac.Evaluator
	locator   pac.Locator
	timeout   time.Duration
	policy    config.FailurePolicy
	domains   *Bypass
	self      string

	wpadMu  sync.Mutex
	wpadURL string
	wpadErr error
	wpadAt  time.Time
	wpadTTL time.Duration
	now     func() time.Time
}

// New builds the resolver described by cfg. netResolver is used for WPAD
// probes, PAC downloads and PAC DNS helpers.
func New(cfg *config.Config, netResolver *net.Resolver) *SystemResolver {
	rc := cfg.Resolver
	return NewWithOptions(Options{
		Source:    sysproxy.FromConfig(rc),
		Fetcher:   pac.NewFetcher(netResolver, rc.MaxPACBytes, rc.GetPACCacheDuration()),
		Evaluator: pac.NewOttoEvaluator(netResolver),
		Locator: pac.ChainLocator{
			pac.DHCPLocator{Globs: rc.WPADLeaseFiles},
			pac.NewDNSLocator(netResolver),
		},
		Timeout:       cfg.Timeouts.GetResolveDuration(),
		RefreshAfter:  rc.GetRefreshDuration(),
		FailurePolicy: rc.FailurePolicy,
		BypassDomains: rc.BypassDomains,
		SelfAddress:   cfg.ListenAddress,
	})
}

// NewWithOptions builds a resolver from explicit collaborators.
func NewWithOptions(opts Options) *SystemResolver {
	if opts.Source == nil {
		opts.Source = &sysproxy.Layered{}
	}
	if opts.Fetcher == nil {
		opts.Fetcher = pac.NewFetcher(nil, 0, 10*time.Minute)
	}
	if opts.Evaluator == nil {
		opts.Evaluator = pac.NewOttoEvaluator(nil)
	}
	if opts.Timeout <= 0 || opts.Timeout > config.MaxResolveSeconds*time.Second {
		opts.Timeout = config.MaxResolveSeconds * time.Second
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = config.FailurePolicyDirect
	}

	var domains *Bypass
	if len(opts.BypassDomains) > 0 {
		domains = NewBypass(nil, opts.BypassDomains)
	}

	return &SystemResolver{
		settings:  newSettingsCache(opts.Source, opts.RefreshAfter),
		fetcher:   opts.Fetcher,
		evaluator: opts.Evaluator,
		locator:   opts.Locator,
		timeout:   opts.Timeout,
		policy:    opts.FailurePolicy,
		domains:   domains,
		self:      opts.SelfAddress,
		wpadTTL:   opts.RefreshAfter,
		now:       time.Now,
	}
}

// Resolve implements Resolver.
func (r *SystemResolver) Resolve(ctx context.Context, target string) (Decision, error) {
	exp, err := r.ResolveExplained(ctx, target)
	if err != nil {
		return Decision{}, err
	}
	return exp.Decision, nil
}

// ResolveExplained implements ExplainingResolver.
func (r *SystemResolver) ResolveExplained(ctx context.Context, target string) (Explanation, error) {
	exp := r.Explain(ctx, target)
	if exp.err != nil && r.policy == config.FailurePolicyError {
		return exp, fmt.Errorf("%w: %v", ErrResolutionFailed, exp.err)
	}
	return exp, nil
}

// Invalidate drops cached settings, PAC scripts and WPAD results.
func (r *SystemResolver) Invalidate() {
	r.settings.Invalidate()
	r.fetcher.Invalidate()
	r.wpadMu.Lock()
	r.wpadAt = time.Time{}
	r.wpadMu.Unlock()
}

// Explain resolves target and reports every step. It never fails; errors
// are recorded in the explanation and the decision falls back to DIRECT.
func (r *SystemResolver) Explain(ctx context.Context, target string) (exp Explanation) {
	start := time.Now()
	exp = Explanation{Target: target, URL: NormalizeTarget(target), Tier: TierNone}
	defer func() { exp.Duration = time.Since(start).String() }()

	direct, err := DirectDecision(exp.URL)
	if err != nil {
		r.degrade(&exp, direct, err)
		return exp
	}
	exp.Decision = direct

	if r.domains.Match(direct.Host) {
		exp.Tier = TierBypass
		return exp
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snap, err := r.settings.Get(ctx)
	if err != nil {
		r.degrade(&exp, direct, fmt.Errorf("failed to load proxy settings: %w", err))
		return exp
	}
	settings := snap.settings

	switch {
	case settings.AutoConfigURL != "":
		exp.Tier = TierPAC
		exp.PACURL = settings.AutoConfigURL
		r.evaluate(ctx, &exp, direct)

	case settings.AutoDetectEnabled():
		exp.Tier = TierWPAD
		pacURL, err := r.discover(ctx)
		if err != nil {
			r.degrade(&exp, direct, fmt.Errorf("WPAD discovery failed: %w", err))
			return exp
		}
		exp.PACURL = pacURL
		r.evaluate(ctx, &exp, direct)

	case settings.StaticProxy != "":
		exp.Tier = TierStatic
		if snap.bypass.Match(direct.Host) {
			exp.Tier = TierBypass
			return exp
		}
		d, err := ParseStaticProxy(settings.StaticProxy)
		if err != nil {
			r.degrade(&exp, direct, fmt.Errorf("invalid static proxy %q: %w", settings.StaticProxy, err))
			return exp
		}
		r.accept(&exp, direct, d)
	}

	if !exp.Degraded {
		logger.Debug("Resolved %s via %s: %s", target, exp.Tier, exp.Decision)
	}
	return exp
}

// evaluate runs the PAC script at exp.PACURL and takes its first usable
// candidate.
func (r *SystemResolver) evaluate(ctx context.Context, exp *Explanation, direct Decision) {
	script, err := r.fetcher.Fetch(ctx, exp.PACURL)
	if err != nil {
		r.degrade(exp, direct, err)
		return
	}

	host := pac.HostFromURL(exp.URL)
	result, err := r.evaluator.FindProxyForURL(ctx, script, exp.URL, host)
	if err != nil {
		r.degrade(exp, direct, err)
		return
	}
	exp.PACResult = result

	candidates, err := pac.ParseResult(result)
	if err != nil {
		r.degrade(exp, direct, err)
		return
	}

	for _, c := range candidates {
		if c.Kind == pac.Direct {
			// an explicit "no proxy", not a failure
			exp.Decision = direct
			return
		}
		if d, ok := candidateDecision(c); ok {
			r.accept(exp, direct, d)
			return
		}
		logger.Debug("Skipping unsupported PAC candidate %s", c)
	}
	r.degrade(exp, direct, fmt.Errorf("%w: no supported candidate in %q", pac.ErrMalformedResult, result))
}

func (r *SystemResolver) accept(exp *Explanation, direct, d Decision) {
	if r.isSelf(d) {
		r.degrade(exp, direct, fmt.Errorf("proxy %s points at this bridge", d.Address()))
		return
	}
	exp.Decision = d
}

// degrade records a failure and falls back to DIRECT.
func (r *SystemResolver) degrade(exp *Explanation, direct Decision, err error) {
	exp.Decision = direct
	exp.Degraded = true
	exp.Error = err.Error()
	exp.err = err
	logger.Warn("Proxy resolution for %s degraded to DIRECT (%s): %v", exp.Target, exp.Tier, err)
	if !errors.Is(err, context.Canceled) {
		r.settings.Invalidate()
	}
}

func (r *SystemResolver) discover(ctx context.Context) (string, error) {
	if r.locator == nil {
		return "", pac.ErrNotFound
	}

	r.wpadMu.Lock()
	defer r.wpadMu.Unlock()
	if !r.wpadAt.IsZero() && (r.wpadTTL <= 0 || r.now().Sub(r.wpadAt) < r.wpadTTL) {
		return r.wpadURL, r.wpadErr
	}

	u, err := r.locator.Locate(ctx)
	if err != nil && ctx.Err() != nil {
		// a timeout says nothing about the network, do not cache it
		return "", err
	}
	r.wpadURL, r.wpadErr, r.wpadAt = u, err, r.now()
	if err == nil {
		logger.Info("WPAD discovered PAC script at %s", u)
	}
	return u, err
}

func (r *SystemResolver) isSelf(d Decision) bool {
	if r.self == "" || d.Route != ViaProxy {
		return false
	}
	host, portStr, err := net.SplitHostPort(r.self)
	if err != nil {
		return false
	}
	port, _ := strconv.Atoi(portStr)
	if port != d.Port {
		return false
	}
	if d.Host == host {
		return true
	}
	ip := net.ParseIP(d.Host)
	return d.Host == "localhost" || (ip != nil && ip.IsLoopback())
}
