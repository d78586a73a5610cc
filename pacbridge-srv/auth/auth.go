// Package auth produces Negotiate tokens for upstream proxies from the
// ambient credentials of the current user. No passwords are ever collected.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/codefionn/pacbridge/pacbridge-srv/config"
	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
)

// Scheme is the HTTP authentication scheme used for every token.
const Scheme = "Negotiate"

var (
	// ErrNoCredentials means there is no ambient identity for the target.
	// Providers translate it into an absent token.
	ErrNoCredentials = errors.New("no ambient credentials")
	// ErrInvalidSPN is returned for upstream hosts that cannot form HTTP/<host>.
	ErrInvalidSPN = errors.New("invalid service principal name")
	// ErrProviderUnavailable is returned when the security provider cannot
	// be used on this system.
	ErrProviderUnavailable = errors.New("authentication provider unavailable")
	// ErrTooManyRounds is returned when the handshake does not finish
	// within the configured number of rounds.
	ErrTooManyRounds = errors.New("negotiate handshake exceeded round limit")
)

// Token is one opaque Negotiate token.
type Token []byte

// Header returns the Proxy-Authorization value for the token.
func (t Token) Header() string {
	return Scheme + " " + base64.StdEncoding.EncodeToString(t)
}

// ParseChallenge extracts the token from a Proxy-Authenticate header value
// such as "Negotiate YIIC...". ok is false for other schemes; a bare
// "Negotiate" yields ok with an empty challenge.
func ParseChallenge(header string) (challenge []byte, ok bool, err error) {
	scheme, data, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, Scheme) {
		return nil, false, nil
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, true, nil
	}
	challenge, err = base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, true, fmt.Errorf("invalid Negotiate challenge: %w", err)
	}
	return challenge, true, nil
}

// SecurityContext is one client handshake with a platform mechanism.
type SecurityContext interface {
	// Update consumes a challenge from the server and returns the next token,
	// if any, and whether the context is established.
	Update(challenge []byte) (done bool, token []byte, err error)
	Release()
}

// Mechanism creates security contexts from the process-wide credential
// handle.
type Mechanism interface {
	Name() string
	// InitContext returns the first token for spn. continueNeeded tells
	// whether the mechanism expects a server challenge before completing.
	InitContext(ctx context.Context, spn string) (sc SecurityContext, token []byte, continueNeeded bool, err error)
}

// Negotiation is the state of one handshake with one upstream connection.
// Tokens are never reused across connections.
type Negotiation struct {
	sc        SecurityContext
	token     Token
	rounds    int
	maxRounds int
	complete  bool
	spn       string
}

// Token returns the most recent token to send.
func (n *Negotiation) Token() Token { return n.token }

// SPN returns the service principal the handshake is for.
func (n *Negotiation) SPN() string { return n.spn }

// Complete reports whether the security context is established and no
// further round is possible.
func (n *Negotiation) Complete() bool { return n.complete }

// Rounds returns the number of tokens produced so far.
func (n *Negotiation) Rounds() int { return n.rounds }

// Continue feeds a server challenge back into the context and returns the
// next token. A nil token with a nil error means the handshake finished
// without anything left to send.
func (n *Negotiation) Continue(ctx context.Context, challenge []byte) (Token, error) {
	if n.complete {
		return nil, fmt.Errorf("%w: context already established", ErrTooManyRounds)
	}
	if n.rounds >= n.maxRounds {
		return nil, ErrTooManyRounds
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done, token, err := n.sc.Update(challenge)
	if err != nil {
		return nil, fmt.Errorf("negotiate round %d for %s failed: %w", n.rounds+1, n.spn, err)
	}
	n.complete = done
	if len(token) == 0 {
		return nil, nil
	}
	n.rounds++
	n.token = token
	return n.token, nil
}

// Close releases the security context.
func (n *Negotiation) Close() {
	if n != nil && n.sc != nil {
		n.sc.Release()
		n.sc = nil
	}
}

// Provider hands out Negotiate handshakes for upstream proxies.
type Provider interface {
	// GetToken returns nil, nil when no credential is available, in which
	// case the request is sent without proxy credentials.
	GetToken(ctx context.Context, upstreamHost string) (*Negotiation, error)
}

// BuildSPN returns HTTP/<host> after validating host.
func BuildSPN(host string) (string, error) {
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidSPN)
	}
	if net.ParseIP(host) != nil {
		return "HTTP/" + host, nil
	}
	if len(host) > 253 || strings.ContainsAny(host, "/:@ \t\r\n\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSPN, host)
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return "", fmt.Errorf("%w: %q", ErrInvalidSPN, host)
		}
	}
	return "HTTP/" + strings.ToLower(host), nil
}

// NegotiateProvider builds SPNs and runs a Mechanism.
type NegotiateProvider struct {
	mech         Mechanism
	maxRounds    int
	canonicalize bool
	resolver     *net.Resolver

	warnOnce sync.Once
}

// NewNegotiateProvider wraps mech. resolver is only used when canonicalize
// is set.
func NewNegotiateProvider(mech Mechanism, maxRounds int, canonicalize bool, resolver *net.Resolver) *NegotiateProvider {
	if maxRounds <= 0 {
		maxRounds = 3
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &NegotiateProvider{mech: mech, maxRounds: maxRounds, canonicalize: canonicalize, resolver: resolver}
}

func (p *NegotiateProvider) GetToken(ctx context.Context, upstreamHost string) (*Negotiation, error) {
	host := upstreamHost
	if p.canonicalize && net.ParseIP(host) == nil {
		if cname, err := p.resolver.LookupCNAME(ctx, host); err == nil && cname != "" {
			host = cname
		}
	}

	spn, err := BuildSPN(host)
	if err != nil {
		return nil, err
	}

	sc, token, continueNeeded, err := p.mech.InitContext(ctx, spn)
	switch {
	case errors.Is(err, ErrNoCredentials):
		p.warnOnce.Do(func() {
			logger.Warn("No %s credentials available, proxies are contacted without authentication: %v", p.mech.Name(), err)
		})
		logger.Debug("No credentials for %s: %v", spn, err)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to initialize %s context for %s: %w", p.mech.Name(), spn, err)
	case len(token) == 0:
		if sc != nil {
			sc.Release()
		}
		return nil, nil
	}

	logger.Trace("Generated %s token for %s (%d bytes)", p.mech.Name(), spn, len(token))
	return &Negotiation{
		sc:        sc,
		token:     token,
		rounds:    1,
		maxRounds: p.maxRounds,
		complete:  !continueNeeded,
		spn:       spn,
	}, nil
}

// NoneProvider never has credentials.
type NoneProvider struct{}

func (NoneProvider) GetToken(context.Context, string) (*Negotiation, error) {
	return nil, nil
}

// StaticProvider returns the same single-round token for every host. It
// serves fixed service tokens and tests.
type StaticProvider struct {
	Token Token
	Err   error
}

func (s StaticProvider) GetToken(_ context.Context, upstreamHost string) (*Negotiation, error) {
	spn, err := BuildSPN(upstreamHost)
	if err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.Token) == 0 {
		return nil, nil
	}
	return &Negotiation{token: s.Token, rounds: 1, maxRounds: 1, complete: true, spn: spn}, nil
}

// New returns the provider selected by cfg.
func New(cfg config.AuthConfig, resolver *net.Resolver) (Provider, error) {
	if !cfg.Enabled {
		return NoneProvider{}, nil
	}

	var mech Mechanism
	switch cfg.Mechanism {
	case config.AuthMechanismNone:
		return NoneProvider{}, nil
	case config.AuthMechanismKerberos:
		mech = NewKerberos(cfg.Krb5Conf, cfg.CCache)
	case config.AuthMechanismSSPI:
		m, err := NewSSPI()
		if err != nil {
			return nil, err
		}
		mech = m
	case config.AuthMechanismAuto, "":
		m, err := defaultMechanism(cfg)
		if err != nil {
			return nil, err
		}
		mech = m
	default:
		return nil, fmt.Errorf("unknown auth mechanism %q", cfg.Mechanism)
	}

	logger.Info("Proxy authentication: %s, up to %d round(s)", mech.Name(), cfg.MaxRounds)
	return NewNegotiateProvider(mech, cfg.MaxRounds, cfg.SPNCanonicalize, resolver), nil
}
