package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// loadConfigFromEnv applies PACBRIDGE_* environment variables on top of the
// defaults. Values in the config file still win.
func loadConfigFromEnv(cfg *Config) {
	if addr := os.Getenv("PACBRIDGE_LISTENADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}
	if level := os.Getenv("PACBRIDGE_LOGLEVEL"); level != "" {
		cfg.LogLevel = level
	}
	envInt("PACBRIDGE_MAXCONNECTIONS", &cfg.MaxConcurrentConnections)
	envInt("PACBRIDGE_MAXHEADERBYTES", &cfg.MaxHeaderBytes)

	// Timeouts
	envInt("PACBRIDGE_RESOLVESECONDS", &cfg.Timeouts.ResolveSeconds)
	envInt("PACBRIDGE_CONNECTSECONDS", &cfg.Timeouts.ConnectSeconds)
	envInt("PACBRIDGE_AUTHSECONDS", &cfg.Timeouts.AuthSeconds)
	envInt("PACBRIDGE_RELAYIDLESECONDS", &cfg.Timeouts.RelayIdleSeconds)
	envInt("PACBRIDGE_DRAINSECONDS", &cfg.Timeouts.DrainSeconds)

	// Resolver
	if pacURL := os.Getenv("PACBRIDGE_PACURL"); pacURL != "" {
		cfg.Resolver.PACURL = pacURL
	}
	if autoDetect := os.Getenv("PACBRIDGE_AUTODETECT"); autoDetect != "" {
		if b, err := strconv.ParseBool(autoDetect); err == nil {
			cfg.Resolver.AutoDetect = &b
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for PACBRIDGE_AUTODETECT: %s\n", autoDetect)
		}
	}
	if static := os.Getenv("PACBRIDGE_STATICPROXY"); static != "" {
		cfg.Resolver.StaticProxy = static
	}
	if bypass := os.Getenv("PACBRIDGE_BYPASS"); bypass != "" {
		cfg.Resolver.Bypass = splitList(bypass)
	}
	if sources := os.Getenv("PACBRIDGE_SOURCES"); sources != "" {
		cfg.Resolver.Sources = splitList(sources)
	}
	if policy := os.Getenv("PACBRIDGE_FAILUREPOLICY"); policy != "" {
		cfg.Resolver.FailurePolicy = FailurePolicy(strings.ToLower(policy))
	}

	// Auth
	envBool("PACBRIDGE_AUTH_ENABLED", &cfg.Auth.Enabled)
	if mechanism := os.Getenv("PACBRIDGE_AUTH_MECHANISM"); mechanism != "" {
		cfg.Auth.Mechanism = AuthMechanism(strings.ToLower(mechanism))
	}
	envInt("PACBRIDGE_AUTH_MAXROUNDS", &cfg.Auth.MaxRounds)

	// Statistics
	envBool("PACBRIDGE_STATS_ENABLED", &cfg.Statistics.Enabled)
	if backend := os.Getenv("PACBRIDGE_STATS_BACKEND"); backend != "" {
		cfg.Statistics.Backend = backend
	}
	if path := os.Getenv("PACBRIDGE_STATS_SQLITEPATH"); path != "" {
		cfg.Statistics.SQLitePath = path
	}
	if dsn := os.Getenv("PACBRIDGE_STATS_POSTGRESDSN"); dsn != "" {
		cfg.Statistics.PostgresDSN = dsn
	}

	// Portal
	envBool("PACBRIDGE_PORTAL_ENABLED", &cfg.Portal.Enabled)
	if addr := os.Getenv("PACBRIDGE_PORTAL_LISTENADDRESS"); addr != "" {
		cfg.Portal.ListenAddress = addr
	}
	if secret := os.Getenv("PACBRIDGE_PORTAL_JWTSECRET"); secret != "" {
		cfg.Portal.JWTSecret = secret
	}
	if user := os.Getenv("PACBRIDGE_PORTAL_USERNAME"); user != "" {
		cfg.Portal.Username = user
	}
	if pass := os.Getenv("PACBRIDGE_PORTAL_PASSWORD"); pass != "" {
		cfg.Portal.Password = pass
	}
}

func envInt(name string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, raw)
		return
	}
	*dst = v
}

func envBool(name string, dst *bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	*dst = strings.EqualFold(raw, "true") || raw == "1"
}
