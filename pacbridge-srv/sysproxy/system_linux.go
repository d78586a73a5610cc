//go:build linux

package sysproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
)

// GSettingsSource reads org.gnome.system.proxy through the gsettings CLI.
// On machines without GNOME the command is missing and the source reports
// empty settings.
type GSettingsSource struct {
	run func(ctx context.Context, args ...string) (string, error)
}

// NewSystemSource returns the desktop proxy settings source for this platform.
func NewSystemSource() Source {
	return &GSettingsSource{run: runGSettings}
}

func runGSettings(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "gsettings", args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GSettingsSource) Name() string { return "system" }

func (g *GSettingsSource) Load(ctx context.Context) (Settings, error) {
	mode, err := g.get(ctx, "org.gnome.system.proxy", "mode")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("gsettings mode: %w", err)
	}

	var s Settings
	switch mode {
	case "auto":
		url, err := g.get(ctx, "org.gnome.system.proxy", "autoconfig-url")
		if err != nil {
			return Settings{}, fmt.Errorf("gsettings autoconfig-url: %w", err)
		}
		if url != "" {
			s.AutoConfigURL = url
		} else {
			// GNOME uses "auto" without a URL for WPAD
			enabled := true
			s.AutoDetect = &enabled
		}
	case "manual":
		host, err := g.get(ctx, "org.gnome.system.proxy.https", "host")
		if err != nil {
			return Settings{}, fmt.Errorf("gsettings https host: %w", err)
		}
		schema := "org.gnome.system.proxy.https"
		if host == "" {
			schema = "org.gnome.system.proxy.http"
			if host, err = g.get(ctx, schema, "host"); err != nil {
				return Settings{}, fmt.Errorf("gsettings http host: %w", err)
			}
		}
		if host != "" {
			port, err := g.get(ctx, schema, "port")
			if err != nil {
				return Settings{}, fmt.Errorf("gsettings port: %w", err)
			}
			if p, convErr := strconv.Atoi(port); convErr == nil && p > 0 {
				s.StaticProxy = net.JoinHostPort(host, port)
			} else {
				s.StaticProxy = host
			}
		}
	default:
		return Settings{}, nil
	}

	ignore, err := g.get(ctx, "org.gnome.system.proxy", "ignore-hosts")
	if err == nil {
		s.Bypass = parseGVariantList(ignore)
	}
	return s, nil
}

func (g *GSettingsSource) get(ctx context.Context, schema, key string) (string, error) {
	out, err := g.run(ctx, "get", schema, key)
	if err != nil {
		return "", err
	}
	return unquoteGVariant(out), nil
}

// unquoteGVariant strips the single quotes gsettings prints around strings.
// Integers and lists are returned unchanged.
func unquoteGVariant(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}

// parseGVariantList parses "['localhost', '127.0.0.0/8']" or "@as []".
func parseGVariantList(s string) []string {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "@as"))
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = unquoteGVariant(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
