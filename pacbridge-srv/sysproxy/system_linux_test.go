//go:build linux

package sysproxy

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeGSettings(values map[string]string) func(ctx context.Context, args ...string) (string, error) {
	return func(_ context.Context, args ...string) (string, error) {
		key := fmt.Sprintf("%s %s", args[1], args[2])
		v, ok := values[key]
		if !ok {
			return "", fmt.Errorf("no such key %s", key)
		}
		return v, nil
	}
}

func TestGSettingsSource(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
		want   Settings
	}{
		{
			name:   "mode none",
			values: map[string]string{"org.gnome.system.proxy mode": "'none'"},
			want:   Settings{},
		},
		{
			name: "auto with url",
			values: map[string]string{
				"org.gnome.system.proxy mode":           "'auto'",
				"org.gnome.system.proxy autoconfig-url": "'http://pac.corp/proxy.pac'",
				"org.gnome.system.proxy ignore-hosts":   "['localhost', '127.0.0.0/8']",
			},
			want: Settings{AutoConfigURL: "http://pac.corp/proxy.pac", Bypass: []string{"localhost", "127.0.0.0/8"}},
		},
		{
			name: "auto without url is wpad",
			values: map[string]string{
				"org.gnome.system.proxy mode":           "'auto'",
				"org.gnome.system.proxy autoconfig-url": "''",
				"org.gnome.system.proxy ignore-hosts":   "@as []",
			},
			want: Settings{AutoDetect: boolPtr(true)},
		},
		{
			name: "manual falls back to http schema",
			values: map[string]string{
				"org.gnome.system.proxy mode":        "'manual'",
				"org.gnome.system.proxy.https host":  "''",
				"org.gnome.system.proxy.http host":   "'proxy.corp'",
				"org.gnome.system.proxy.http port":   "8080",
				"org.gnome.system.proxy ignore-hosts": "['*.corp']",
			},
			want: Settings{StaticProxy: "proxy.corp:8080", Bypass: []string{"*.corp"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &GSettingsSource{run: fakeGSettings(tt.values)}
			got, err := src.Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGSettingsMissingBinary(t *testing.T) {
	src := &GSettingsSource{run: func(context.Context, ...string) (string, error) {
		return "", &exec.Error{Name: "gsettings", Err: exec.ErrNotFound}
	}}
	s, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, s.IsEmpty())
}

func TestGSettingsFailure(t *testing.T) {
	src := &GSettingsSource{run: func(context.Context, ...string) (string, error) {
		return "", errors.New("dbus not running")
	}}
	_, err := src.Load(context.Background())
	require.Error(t, err)
}
