package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
)

// MaxResolveSeconds bounds proxy resolution. WPAD probing on an unreachable
// network can otherwise hang far longer than any client is willing to wait.
const MaxResolveSeconds = 5

// FailurePolicy decides what the resolver does when PAC/WPAD evaluation fails.
type FailurePolicy string

const (
	// FailurePolicyDirect falls back to a direct connection (the default).
	FailurePolicyDirect FailurePolicy = "direct"
	// FailurePolicyError fails the request with a gateway error.
	FailurePolicyError FailurePolicy = "error"
)

// AuthMechanism selects the Negotiate backend.
type AuthMechanism string

const (
	AuthMechanismAuto     AuthMechanism = "auto"     // platform default
	AuthMechanismKerberos AuthMechanism = "kerberos" // gokrb5 with a credential cache
	AuthMechanismSSPI     AuthMechanism = "sspi"     // Windows SSPI
	AuthMechanismNone     AuthMechanism = "none"     // never send Proxy-Authorization
)

// Config sources understood by resolver.sources.
const (
	SourceEnv    = "env"
	SourceSystem = "system"
	SourceConfig = "config"
)

// TimeoutConfig holds the per-stage bounds of a session.
type TimeoutConfig struct {
	HeaderReadSeconds int `json:"header-read-seconds" hcl:"header-read-seconds,optional"`
	ResolveSeconds    int `json:"resolve-seconds" hcl:"resolve-seconds,optional"`
	ConnectSeconds    int `json:"connect-seconds" hcl:"connect-seconds,optional"`
	AuthSeconds       int `json:"auth-seconds" hcl:"auth-seconds,optional"`
	RelayIdleSeconds  int `json:"relay-idle-seconds" hcl:"relay-idle-seconds,optional"`
	DrainSeconds      int `json:"drain-seconds" hcl:"drain-seconds,optional"`
}

// DefaultTimeoutConfig returns the default stage timeouts.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		HeaderReadSeconds: 30,
		ResolveSeconds:    MaxResolveSeconds,
		ConnectSeconds:    10,
		AuthSeconds:       5,
		RelayIdleSeconds:  15,
		DrainSeconds:      10,
	}
}

func (t TimeoutConfig) GetHeaderReadDuration() time.Duration {
	return time.Duration(t.HeaderReadSeconds) * time.Second
}

// GetResolveDuration returns the resolver bound, never more than MaxResolveSeconds.
func (t TimeoutConfig) GetResolveDuration() time.Duration {
	seconds := t.ResolveSeconds
	if seconds <= 0 || seconds > MaxResolveSeconds {
		seconds = MaxResolveSeconds
	}
	return time.Duration(seconds) * time.Second
}

func (t TimeoutConfig) GetConnectDuration() time.Duration {
	return time.Duration(t.ConnectSeconds) * time.Second
}

func (t TimeoutConfig) GetAuthDuration() time.Duration {
	return time.Duration(t.AuthSeconds) * time.Second
}

func (t TimeoutConfig) GetRelayIdleDuration() time.Duration {
	return time.Duration(t.RelayIdleSeconds) * time.Second
}

func (t TimeoutConfig) GetDrainDuration() time.Duration {
	return time.Duration(t.DrainSeconds) * time.Second
}

// ResolverConfig configures how upstream routes are chosen.
type ResolverConfig struct {
	PACURL            string        `json:"pac-url" hcl:"pac-url,optional"`                         // Overrides the system PAC URL
	AutoDetect        *bool         `json:"auto-detect" hcl:"auto-detect,optional"`                 // nil means "ask the system"
	StaticProxy       string        `json:"static-proxy" hcl:"static-proxy,optional"`               // host:port or per-protocol list
	Bypass            []string      `json:"bypass" hcl:"bypass,optional"`                           // Hosts that always go DIRECT
	BypassDomainsFile string        `json:"bypass-domains-file" hcl:"bypass-domains-file,optional"` // One domain per line
	Sources           []string      `json:"sources" hcl:"sources,optional"`                         // Ordered by precedence; default config, system, env
	RefreshSeconds    int           `json:"refresh-seconds" hcl:"refresh-seconds,optional"`
	PACCacheSeconds   int           `json:"pac-cache-seconds" hcl:"pac-cache-seconds,optional"`
	FailurePolicy     FailurePolicy `json:"failure-policy" hcl:"failure-policy,optional"`
	MaxPACBytes       int64         `json:"max-pac-bytes" hcl:"max-pac-bytes,optional"`
	WPADLeaseFiles    []string      `json:"wpad-dhcp-lease-files" hcl:"wpad-dhcp-lease-files,optional"`

	// BypassDomains is the content of BypassDomainsFile, read at load time so
	// that a reload notices edits to the file.
	BypassDomains []string `json:"-" hcl:"-"`
}

// DefaultResolverConfig returns the default resolver configuration.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		Sources:         []string{SourceConfig, SourceSystem, SourceEnv},
		RefreshSeconds:  300,
		PACCacheSeconds: 600,
		FailurePolicy:   FailurePolicyDirect,
		MaxPACBytes:     1 << 20,
		WPADLeaseFiles: []string{
			"/var/lib/dhcp/dhclient*.leases",
			"/var/lib/dhclient/*.lease*",
			"/var/lib/NetworkManager/*.lease",
			"/run/systemd/netif/leases/*",
		},
	}
}

func (r ResolverConfig) GetRefreshDuration() time.Duration {
	return time.Duration(r.RefreshSeconds) * time.Second
}

func (r ResolverConfig) GetPACCacheDuration() time.Duration {
	return time.Duration(r.PACCacheSeconds) * time.Second
}

// AuthConfig configures the Negotiate authentication provider.
type AuthConfig struct {
	Enabled         bool          `json:"enabled" hcl:"enabled,optional"`
	Mechanism       AuthMechanism `json:"mechanism" hcl:"mechanism,optional"`
	MaxRounds       int           `json:"max-rounds" hcl:"max-rounds,optional"`
	Krb5Conf        string        `json:"krb5-conf" hcl:"krb5-conf,optional"`
	CCache          string        `json:"ccache" hcl:"ccache,optional"`
	SPNCanonicalize bool          `json:"spn-canonicalize" hcl:"spn-canonicalize,optional"` // Resolve CNAMEs before building the SPN
}

// DefaultAuthConfig returns the default authentication configuration.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:   true,
		Mechanism: AuthMechanismAuto,
		MaxRounds: 3,
	}
}

// StatisticsConfig configures session statistics.
type StatisticsConfig struct {
	Enabled       bool   `json:"enabled" hcl:"enabled,optional"`
	Backend       string `json:"backend" hcl:"backend,optional"` // sqlite, postgres, dummy
	SQLitePath    string `json:"sqlite-path" hcl:"sqlite-path,optional"`
	PostgresDSN   string `json:"postgres-dsn" hcl:"postgres-dsn,optional"`
	FlushInterval int    `json:"flush-interval" hcl:"flush-interval,optional"` // seconds
}

// PortalConfig configures the admin API.
type PortalConfig struct {
	Enabled       bool   `json:"enabled" hcl:"enabled,optional"`
	ListenAddress string `json:"listen-address" hcl:"listen-address,optional"`
	JWTSecret     string `json:"jwt-secret" hcl:"jwt-secret,optional"`
	Username      string `json:"username" hcl:"username,optional"`
	Password      string `json:"password" hcl:"password,optional"`
}

// DefaultMaxHeaderBytes bounds a client request head, as net/http does.
const DefaultMaxHeaderBytes = 1 << 20

// Config represents the main configuration structure for the bridge.
type Config struct {
	ListenAddress            string
	LogLevel                 string
	MaxConcurrentConnections int // 0 means unlimited
	MaxHeaderBytes           int // Request line plus headers; 0 means DefaultMaxHeaderBytes
	Timeouts                 TimeoutConfig
	Resolver                 ResolverConfig
	Auth                     AuthConfig
	DNS                      DNSConfig
	Statistics               StatisticsConfig
	Portal                   PortalConfig
}

// DefaultConfig returns the configuration used when nothing else is set.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:  "127.0.0.1:3128",
		LogLevel:       "INFO",
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		Timeouts:       DefaultTimeoutConfig(),
		Resolver:       DefaultResolverConfig(),
		Auth:           DefaultAuthConfig(),
		DNS:            DefaultDNSConfig(),
		Statistics: StatisticsConfig{
			Backend:       "sqlite",
			SQLitePath:    "pacbridge_stats.db",
			FlushInterval: 5,
		},
		Portal: PortalConfig{
			ListenAddress: "127.0.0.1:3129",
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// Defaults are applied first, then environment variables, then the file.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if cfg.Resolver.BypassDomainsFile != "" {
		domains, err := LoadDomainsFile(cfg.Resolver.BypassDomainsFile)
		if err != nil {
			return nil, err
		}
		cfg.Resolver.BypassDomains = domains
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDomainsFile reads one domain per line. Blank lines and lines starting
// with '#' are skipped, and a leading "*." or "." is dropped since every entry
// matches its subdomains anyway.
func LoadDomainsFile(path string) ([]string, error) {
	cleanPath, err := absPath(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read domains file: %w", err)
	}

	var domains []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "*")
		line = strings.TrimPrefix(line, ".")
		domains = append(domains, strings.ToLower(line))
	}
	return domains, nil
}

// Validate checks invariants that the loaders cannot express.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen-address %q: %w", c.ListenAddress, err)
	}

	if c.MaxHeaderBytes < 0 {
		return fmt.Errorf("invalid max-header-bytes %d", c.MaxHeaderBytes)
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = DefaultMaxHeaderBytes
	}

	switch c.Resolver.FailurePolicy {
	case FailurePolicyDirect, FailurePolicyError:
	case "":
		c.Resolver.FailurePolicy = FailurePolicyDirect
	default:
		return fmt.Errorf("invalid resolver failure-policy: %s", c.Resolver.FailurePolicy)
	}

	for _, src := range c.Resolver.Sources {
		switch src {
		case SourceEnv, SourceSystem, SourceConfig:
		default:
			return fmt.Errorf("invalid resolver source: %s", src)
		}
	}

	switch c.Auth.Mechanism {
	case AuthMechanismAuto, AuthMechanismKerberos, AuthMechanismSSPI, AuthMechanismNone:
	case "":
		c.Auth.Mechanism = AuthMechanismAuto
	default:
		return fmt.Errorf("invalid auth mechanism: %s", c.Auth.Mechanism)
	}

	if c.Auth.MaxRounds < 1 || c.Auth.MaxRounds > 10 {
		return fmt.Errorf("auth max-rounds must be between 1 and 10, got %d", c.Auth.MaxRounds)
	}

	if c.Timeouts.ResolveSeconds > MaxResolveSeconds {
		logger.Warn("resolve-seconds %d exceeds the maximum, using %d", c.Timeouts.ResolveSeconds, MaxResolveSeconds)
		c.Timeouts.ResolveSeconds = MaxResolveSeconds
	}

	for name, v := range map[string]int{
		"header-read-seconds": c.Timeouts.HeaderReadSeconds,
		"resolve-seconds":     c.Timeouts.ResolveSeconds,
		"connect-seconds":     c.Timeouts.ConnectSeconds,
		"auth-seconds":        c.Timeouts.AuthSeconds,
		"relay-idle-seconds":  c.Timeouts.RelayIdleSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("timeouts %s must be positive, got %d", name, v)
		}
	}

	if c.Portal.Enabled {
		if _, _, err := net.SplitHostPort(c.Portal.ListenAddress); err != nil {
			return fmt.Errorf("invalid portal listen-address %q: %w", c.Portal.ListenAddress, err)
		}
	}

	return nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath, err := absPath(configPath)
	if err != nil {
		return err
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// First, decode into a map to handle the hyphenated keys
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	return applyConfigMap(data, cfg)
}

func absPath(configPath string) (string, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		abs, err := filepath.Abs(cleanPath)
		if err != nil {
			return "", fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = abs
	}
	return cleanPath, nil
}

// applyConfigMap maps the decoded file contents onto cfg. JSON and HCL both
// end up here, so the two formats accept exactly the same keys.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if err := setValue(data, "listen-address", &cfg.ListenAddress); err != nil {
		return err
	}
	if err := setValue(data, "log-level", &cfg.LogLevel); err != nil {
		return err
	}
	if err := setValue(data, "max-concurrent-connections", &cfg.MaxConcurrentConnections); err != nil {
		return err
	}
	if err := setValue(data, "max-header-bytes", &cfg.MaxHeaderBytes); err != nil {
		return err
	}

	if section, err := sectionMap(data, "timeouts"); err != nil {
		return err
	} else if section != nil {
		t := &cfg.Timeouts
		for key, dst := range map[string]*int{
			"header-read-seconds": &t.HeaderReadSeconds,
			"resolve-seconds":     &t.ResolveSeconds,
			"connect-seconds":     &t.ConnectSeconds,
			"auth-seconds":        &t.AuthSeconds,
			"relay-idle-seconds":  &t.RelayIdleSeconds,
			"drain-seconds":       &t.DrainSeconds,
		} {
			if err := setValue(section, key, dst); err != nil {
				return fmt.Errorf("timeouts: %w", err)
			}
		}
	}

	if section, err := sectionMap(data, "resolver"); err != nil {
		return err
	} else if section != nil {
		if err := applyResolverMap(section, &cfg.Resolver); err != nil {
			return fmt.Errorf("resolver: %w", err)
		}
	}

	if section, err := sectionMap(data, "auth"); err != nil {
		return err
	} else if section != nil {
		a := &cfg.Auth
		if err := setValue(section, "enabled", &a.Enabled); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		var mechanism string
		if err := setValue(section, "mechanism", &mechanism); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if mechanism != "" {
			a.Mechanism = AuthMechanism(strings.ToLower(mechanism))
		}
		if err := setValue(section, "max-rounds", &a.MaxRounds); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if err := setValue(section, "krb5-conf", &a.Krb5Conf); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if err := setValue(section, "ccache", &a.CCache); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if err := setValue(section, "spn-canonicalize", &a.SPNCanonicalize); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if section, err := sectionMap(data, "dns"); err != nil {
		return err
	} else if section != nil {
		if err := applyDNSMap(section, &cfg.DNS); err != nil {
			return fmt.Errorf("dns: %w", err)
		}
	}

	if section, err := sectionMap(data, "statistics"); err != nil {
		return err
	} else if section != nil {
		s := &cfg.Statistics
		if err := setValue(section, "enabled", &s.Enabled); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setValue(section, "backend", &s.Backend); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setValue(section, "sqlite-path", &s.SQLitePath); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setValue(section, "postgres-dsn", &s.PostgresDSN); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if err := setValue(section, "flush-interval", &s.FlushInterval); err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
	}

	if section, err := sectionMap(data, "portal"); err != nil {
		return err
	} else if section != nil {
		p := &cfg.Portal
		if err := setValue(section, "enabled", &p.Enabled); err != nil {
			return fmt.Errorf("portal: %w", err)
		}
		if err := setValue(section, "listen-address", &p.ListenAddress); err != nil {
			return fmt.Errorf("portal: %w", err)
		}
		if err := setValue(section, "jwt-secret", &p.JWTSecret); err != nil {
			return fmt.Errorf("portal: %w", err)
		}
		if err := setValue(section, "username", &p.Username); err != nil {
			return fmt.Errorf("portal: %w", err)
		}
		if err := setValue(section, "password", &p.Password); err != nil {
			return fmt.Errorf("portal: %w", err)
		}
	}

	return nil
}

func applyResolverMap(section map[string]any, r *ResolverConfig) error {
	if err := setValue(section, "pac-url", &r.PACURL); err != nil {
		return err
	}
	if val, exists := section["auto-detect"]; exists && val != nil {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("auto-detect must be a boolean: %w", err)
		}
		r.AutoDetect = ptr
	}
	if err := setValue(section, "static-proxy", &r.StaticProxy); err != nil {
		return err
	}
	if err := setStringList(section, "bypass", &r.Bypass); err != nil {
		return err
	}
	if err := setValue(section, "bypass-domains-file", &r.BypassDomainsFile); err != nil {
		return err
	}
	if err := setStringList(section, "sources", &r.Sources); err != nil {
		return err
	}
	if err := setValue(section, "refresh-seconds", &r.RefreshSeconds); err != nil {
		return err
	}
	if err := setValue(section, "pac-cache-seconds", &r.PACCacheSeconds); err != nil {
		return err
	}
	var policy string
	if err := setValue(section, "failure-policy", &policy); err != nil {
		return err
	}
	if policy != "" {
		r.FailurePolicy = FailurePolicy(strings.ToLower(policy))
	}
	if err := setValue(section, "max-pac-bytes", &r.MaxPACBytes); err != nil {
		return err
	}
	return setStringList(section, "wpad-dhcp-lease-files", &r.WPADLeaseFiles)
}

func applyDNSMap(section map[string]any, d *DNSConfig) error {
	if err := setValue(section, "enabled", &d.Enabled); err != nil {
		return err
	}
	val, exists := section["servers"]
	if !exists {
		return nil
	}
	serverList, ok := val.([]any)
	if !ok {
		return fmt.Errorf("servers must be an array")
	}

	d.Servers = nil
	for i, serverData := range serverList {
		serverMap, ok := serverData.(map[string]any)
		if !ok {
			return fmt.Errorf("server configuration at index %d must be an object", i)
		}
		server := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 10}
		if err := setValue(serverMap, "address", &server.Address); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
		var dnsType string
		if err := setValue(serverMap, "type", &dnsType); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
		if dnsType != "" {
			server.Type = DNSType(strings.ToLower(dnsType))
		}
		switch server.Type {
		case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
		default:
			return fmt.Errorf("server %d: unsupported DNS type %s", i, server.Type)
		}
		if err := setValue(serverMap, "timeout-seconds", &server.TimeoutSeconds); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
		if err := setValue(serverMap, "tls-host", &server.TLSHost); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
		if server.Address == "" {
			return fmt.Errorf("server %d: address is required", i)
		}
		d.Servers = append(d.Servers, server)
	}
	return nil
}

// sectionMap returns the nested object stored under key, or nil if absent.
func sectionMap(data map[string]any, key string) (map[string]any, error) {
	val, exists := data[key]
	if !exists || val == nil {
		return nil, nil
	}
	section, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", key)
	}
	return section, nil
}

// setValue parses data[key] into dst if the key is present.
func setValue[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists || val == nil {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		if strings.Contains(err.Error(), "secret") {
			return err
		}
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

// setStringList accepts either an array of strings or a comma separated string.
func setStringList(data map[string]any, key string, dst *[]string) error {
	val, exists := data[key]
	if !exists || val == nil {
		return nil
	}
	switch v := val.(type) {
	case string:
		*dst = splitList(v)
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			ptr, err := parseValue[string](item)
			if err != nil {
				return fmt.Errorf("%s[%d]: %w", key, i, err)
			}
			out = append(out, *ptr)
		}
		*dst = out
	default:
		return fmt.Errorf("%s must be a list of strings", key)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseValue converts a decoded JSON/HCL value to T. A value of the form
// {"_secret": "ENV_NAME"} is replaced by the environment variable first.
func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}
