//go:build !linux && !windows

package sysproxy

import "context"

type noSystemSource struct{}

// NewSystemSource returns the desktop proxy settings source for this platform.
// There is none here, so only the environment and config file apply.
func NewSystemSource() Source {
	return noSystemSource{}
}

func (noSystemSource) Name() string { return "system" }

func (noSystemSource) Load(context.Context) (Settings, error) {
	return Settings{}, nil
}
