//go:build windows

package sysproxy

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const (
	internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`
	connectionsKey      = internetSettingsKey + `\Connections`

	// Flags byte at offset 8 of DefaultConnectionSettings.
	flagAutoDetect = 0x08
)

// RegistrySource reads the current user's WinINet settings, the same values
// the Internet Options dialog edits.
type RegistrySource struct{}

// NewSystemSource returns the desktop proxy settings source for this platform.
func NewSystemSource() Source {
	return &RegistrySource{}
}

func (r *RegistrySource) Name() string { return "system" }

func (r *RegistrySource) Load(context.Context) (Settings, error) {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.QUERY_VALUE)
	if err != nil {
		return Settings{}, fmt.Errorf("open internet settings: %w", err)
	}
	defer k.Close()

	var s Settings

	if url, _, err := k.GetStringValue("AutoConfigURL"); err == nil {
		s.AutoConfigURL = url
	} else if !errors.Is(err, registry.ErrNotExist) {
		return Settings{}, fmt.Errorf("read AutoConfigURL: %w", err)
	}

	enabled, _, err := k.GetIntegerValue("ProxyEnable")
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return Settings{}, fmt.Errorf("read ProxyEnable: %w", err)
	}
	if enabled == 1 {
		if server, _, err := k.GetStringValue("ProxyServer"); err == nil {
			s.StaticProxy = server
		}
	}

	if override, _, err := k.GetStringValue("ProxyOverride"); err == nil {
		s.Bypass = SplitList(override)
	}

	autoDetect, err := readAutoDetect()
	if err != nil {
		return Settings{}, err
	}
	s.AutoDetect = &autoDetect

	return s, nil
}

func readAutoDetect() (bool, error) {
	k, err := registry.OpenKey(registry.CURRENT_USER, connectionsKey, registry.QUERY_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("open connections key: %w", err)
	}
	defer k.Close()

	blob, _, err := k.GetBinaryValue("DefaultConnectionSettings")
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read DefaultConnectionSettings: %w", err)
	}
	if len(blob) < 9 {
		return false, nil
	}
	return blob[8]&flagAutoDetect != 0, nil
}
