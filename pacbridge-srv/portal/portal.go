// Package portal serves the bridge's admin API on a separate loopback
// listener: status, route explanations, session statistics, a PAC file
// pointing clients at the bridge and a websocket stream of session events.
package portal

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/config"
	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
	"github.com/codefionn/pacbridge/pacbridge-srv/resolver"
	"github.com/codefionn/pacbridge/pacbridge-srv/stats"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Portal provides the admin API for a running bridge
type Portal struct {
	config    *config.Config
	collector stats.Collector
	bridge    BridgeInterface
	events    EventSource
	jwtSecret []byte
	startTime time.Time
}

// BridgeInterface defines what the portal needs from the bridge
type BridgeInterface interface {
	GetConfig() *config.Config
	Status() Status
	Explain(ctx context.Context, target string) resolver.Explanation
}

// EventSource publishes live session events; *stats.Hub implements it.
type EventSource interface {
	Subscribe(buffer int) (<-chan stats.Event, func())
}

// Status is the bridge state reported by /api/status
type Status struct {
	Version          string `json:"version"`
	ListenAddress    string `json:"listen_address"`
	StartedAt        string `json:"started_at"`
	Uptime           string `json:"uptime"`
	ActiveSessions   int64  `json:"active_sessions"`
	TotalSessions    uint64 `json:"total_sessions"`
	RejectedSessions uint64 `json:"rejected_sessions"`
	FailurePolicy    string `json:"failure_policy"`
	AuthMechanism    string `json:"auth_mechanism"`
	StatsBackend     string `json:"stats_backend"`
}

// NewPortal creates a new portal instance. events may be nil, in which case
// /api/events is not available.
func NewPortal(cfg *config.Config, collector stats.Collector, bridge BridgeInterface, events EventSource) *Portal {
	secret := []byte(cfg.Portal.JWTSecret)
	if len(secret) == 0 {
		// Generate a random JWT secret on the fly
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			secret = fmt.Appendf(nil, "pacbridge-portal-%d", time.Now().UnixNano())
		}
	}
	if collector == nil {
		collector = stats.NewDummyCollector()
	}

	p := &Portal{
		config:    cfg,
		collector: collector,
		bridge:    bridge,
		events:    events,
		jwtSecret: secret,
		startTime: time.Now(),
	}

	logger.Info("Portal initialized with statistics: %t, authentication: %t",
		cfg.Statistics.Enabled, p.requiresAuthentication())
	return p
}

// ServeHTTP handles HTTP requests for the portal
func (p *Portal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.Debug("Portal request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

	switch r.URL.Path {
	case "/proxy.pac", "/wpad.dat":
		p.servePAC(w, r)
		return
	case "/api/login":
		p.serveLogin(w, r)
		return
	}

	if p.requiresAuthentication() && !p.isAuthenticated(r) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	switch r.URL.Path {
	case "/api/status":
		p.serveStatus(w, r)
	case "/api/resolve":
		p.serveResolve(w, r)
	case "/api/sessions":
		p.serveSessions(w, r)
	case "/api/errors":
		p.serveErrors(w, r)
	case "/api/routes":
		p.serveRoutes(w, r)
	case "/api/overview":
		p.serveOverview(w, r)
	case "/api/events":
		p.serveEvents(w, r)
	case "/api/logout":
		p.serveLogout(w, r)
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// limitParam reads ?limit=, falling back to defaultLimit and capping at maxLimit.
func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	return min(limit, maxLimit)
}

func (p *Portal) serveStatus(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, p.bridge.Status())
}

// serveResolve explains how the bridge would route ?url=
func (p *Portal) serveResolve(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}
	writeJSON(w, p.bridge.Explain(r.Context(), target))
}

func (p *Portal) serveSessions(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	sessions, err := p.collector.GetRecentSessions(r.Context(), limitParam(r))
	if err != nil {
		logger.Error("Failed to get session data: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load data")
		return
	}
	writeJSON(w, sessions)
}

func (p *Portal) serveErrors(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	errs, err := p.collector.GetRecentErrors(r.Context(), limitParam(r))
	if err != nil {
		logger.Error("Failed to get error data: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load data")
		return
	}
	writeJSON(w, errs)
}

func (p *Portal) serveRoutes(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	routes, err := p.collector.GetRouteStats(r.Context(), limitParam(r))
	if err != nil {
		logger.Error("Failed to get route data: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load data")
		return
	}
	writeJSON(w, routes)
}

func (p *Portal) serveOverview(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	overview, err := p.collector.GetOverviewStats(r.Context())
	if err != nil {
		logger.Error("Failed to load overview stats: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load data")
		return
	}
	writeJSON(w, overview)
}

const pacTemplate = `function FindProxyForURL(url, host) {
  if (isPlainHostName(host) || host == "localhost" || shExpMatch(host, "127.*") || host == "[::1]") {
    return "DIRECT";
  }
  return "PROXY %s; DIRECT";
}
`

// servePAC serves a PAC file that sends every non-local request through the
// bridge. Browsers fetch it without credentials, so it is never protected.
func (p *Portal) servePAC(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := fmt.Fprintf(w, pacTemplate, p.bridgeAddress(r)); err != nil {
		logger.Debug("Failed to write PAC file: %v", err)
	}
}

// bridgeAddress returns the address clients should use to reach the bridge.
// An unspecified listen host is replaced with the host the portal request
// was addressed to.
func (p *Portal) bridgeAddress(r *http.Request) string {
	listen := p.bridge.Status().ListenAddress
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || net.ParseIP(host).IsUnspecified() {
		host = r.Host
		if h, _, err := net.SplitHostPort(r.Host); err == nil {
			host = h
		}
		host = strings.Trim(host, "[]")
	}
	return net.JoinHostPort(host, port)
}
