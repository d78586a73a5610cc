// Package sysproxy reads the current user's proxy configuration from the
// places a desktop keeps it: the Windows Internet Settings registry key,
// GNOME gsettings, the *_PROXY environment variables and the bridge's own
// config file.
package sysproxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/pacbridge/pacbridge-srv/config"
	"github.com/codefionn/pacbridge/pacbridge-srv/logger"
)

// Settings is the proxy configuration of the current user. Empty fields mean
// "not configured by this source".
type Settings struct {
	AutoConfigURL string   `json:"auto_config_url,omitempty"`
	AutoDetect    *bool    `json:"auto_detect,omitempty"`
	StaticProxy   string   `json:"static_proxy,omitempty"`
	Bypass        []string `json:"bypass,omitempty"`
}

// AutoDetectEnabled reports whether WPAD discovery was requested.
func (s Settings) AutoDetectEnabled() bool {
	return s.AutoDetect != nil && *s.AutoDetect
}

// IsEmpty reports whether no proxy setting at all is present.
func (s Settings) IsEmpty() bool {
	return s.AutoConfigURL == "" && !s.AutoDetectEnabled() && s.StaticProxy == ""
}

func (s Settings) String() string {
	return fmt.Sprintf("pac=%q autodetect=%t static=%q bypass=%d",
		s.AutoConfigURL, s.AutoDetectEnabled(), s.StaticProxy, len(s.Bypass))
}

// Source is a read-only query interface for proxy settings.
type Source interface {
	Name() string
	Load(ctx context.Context) (Settings, error)
}

// Layered merges several sources. For every field the first source that sets
// it wins, so sources must be given in priority order.
type Layered struct {
	Sources []Source
}

func (l *Layered) Name() string {
	names := make([]string, 0, len(l.Sources))
	for _, s := range l.Sources {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

// Load queries every source. A failing source is skipped; an error is only
// returned when all of them fail.
func (l *Layered) Load(ctx context.Context) (Settings, error) {
	var merged Settings
	var failures []string

	for _, src := range l.Sources {
		s, err := src.Load(ctx)
		if err != nil {
			logger.Warn("Proxy settings source %s failed: %v", src.Name(), err)
			failures = append(failures, fmt.Sprintf("%s: %v", src.Name(), err))
			continue
		}
		logger.Trace("Proxy settings from %s: %s", src.Name(), s)
		if merged.AutoConfigURL == "" {
			merged.AutoConfigURL = s.AutoConfigURL
		}
		if merged.AutoDetect == nil {
			merged.AutoDetect = s.AutoDetect
		}
		if merged.StaticProxy == "" {
			merged.StaticProxy = s.StaticProxy
		}
		if merged.Bypass == nil {
			merged.Bypass = s.Bypass
		}
	}

	if len(failures) > 0 && len(failures) == len(l.Sources) {
		return Settings{}, fmt.Errorf("all proxy settings sources failed: %s", strings.Join(failures, "; "))
	}
	return merged, nil
}

// StaticSource serves the values from the bridge configuration file.
type StaticSource struct {
	cfg config.ResolverConfig
}

func NewStaticSource(cfg config.ResolverConfig) *StaticSource {
	return &StaticSource{cfg: cfg}
}

func (s *StaticSource) Name() string { return config.SourceConfig }

func (s *StaticSource) Load(context.Context) (Settings, error) {
	return Settings{
		AutoConfigURL: s.cfg.PACURL,
		AutoDetect:    s.cfg.AutoDetect,
		StaticProxy:   s.cfg.StaticProxy,
		Bypass:        s.cfg.Bypass,
	}, nil
}

// FromConfig builds the layered source described by resolver.sources.
func FromConfig(cfg config.ResolverConfig) Source {
	layered := &Layered{}
	for _, name := range cfg.Sources {
		switch name {
		case config.SourceConfig:
			layered.Sources = append(layered.Sources, NewStaticSource(cfg))
		case config.SourceSystem:
			layered.Sources = append(layered.Sources, NewSystemSource())
		case config.SourceEnv:
			layered.Sources = append(layered.Sources, NewEnvSource())
		}
	}
	return layered
}

// SplitList splits a bypass or proxy list on ';', ',' and whitespace.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	}) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
