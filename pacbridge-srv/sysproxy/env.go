package sysproxy

import (
	"context"

	"golang.org/x/net/http/httpproxy"
)

// EnvSource reads HTTPS_PROXY, HTTP_PROXY and NO_PROXY (and their lowercase
// forms). The HTTPS proxy is preferred because most traffic through the
// bridge is CONNECT.
type EnvSource struct {
	lookup func() *httpproxy.Config
}

func NewEnvSource() *EnvSource {
	return &EnvSource{lookup: httpproxy.FromEnvironment}
}

func (e *EnvSource) Name() string { return "env" }

func (e *EnvSource) Load(context.Context) (Settings, error) {
	cfg := e.lookup()

	var s Settings
	switch {
	case cfg.HTTPSProxy != "":
		s.StaticProxy = cfg.HTTPSProxy
	case cfg.HTTPProxy != "":
		s.StaticProxy = cfg.HTTPProxy
	}
	if cfg.NoProxy != "" {
		s.Bypass = SplitList(cfg.NoProxy)
	}
	return s, nil
}
