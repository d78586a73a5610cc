//go:build !windows

package auth

import (
	"fmt"

	"github.com/codefionn/pacbridge/pacbridge-srv/config"
)

// NewSSPI fails outside Windows.
func NewSSPI() (Mechanism, error) {
	return nil, fmt.Errorf("%w: SSPI requires Windows", ErrProviderUnavailable)
}

func defaultMechanism(cfg config.AuthConfig) (Mechanism, error) {
	return NewKerberos(cfg.Krb5Conf, cfg.CCache), nil
}
