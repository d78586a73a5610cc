package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPAC = `function FindProxyForURL(url, host) {
	if (dnsDomainIs(host, ".corp.example")) {
		return "DIRECT";
	}
	if (shExpMatch(url, "http:*")) {
		return "PROXY web.corp.example:8080; DIRECT";
	}
	return "PROXY secure.corp.example; SOCKS5 socks.corp.example:1080";
}`

func writePAC(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxy.pac")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o600))
	return path
}

func TestRunJSON(t *testing.T) {
	path := writePAC(t, testPAC)

	var out bytes.Buffer
	err := run([]string{"-pac", path, "-json", "-url", "http://www.example.com/", "example.com", "intranet.corp.example"}, &out)
	require.NoError(t, err)

	var results []Evaluation
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 3)

	assert.Equal(t, "www.example.com", results[0].Host)
	assert.Equal(t, []string{"PROXY web.corp.example:8080", "DIRECT"}, results[0].Candidates)

	assert.Equal(t, "https://example.com", results[1].URL)
	assert.Equal(t, []string{"PROXY secure.corp.example:8080", "SOCKS5 socks.corp.example:1080"}, results[1].Candidates)

	assert.Equal(t, "DIRECT", results[2].Result)
	assert.Empty(t, results[2].Error)
}

func TestRunText(t *testing.T) {
	path := writePAC(t, testPAC)

	var out bytes.Buffer
	require.NoError(t, run([]string{"-pac", path, "http://www.example.com/"}, &out))
	assert.Contains(t, out.String(), "result: PROXY web.corp.example:8080; DIRECT")
	assert.Contains(t, out.String(), "1. PROXY web.corp.example:8080")
	assert.Contains(t, out.String(), "2. DIRECT")
}

func TestRunReportsScriptErrors(t *testing.T) {
	path := writePAC(t, `function FindProxyForURL(url, host) { return ""; }`)

	var out bytes.Buffer
	require.NoError(t, run([]string{"-pac", path, "-json", "example.com"}, &out))

	var results []Evaluation
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0].Error)
	assert.Empty(t, results[0].Candidates)
}

func TestRunArgumentErrors(t *testing.T) {
	var out bytes.Buffer
	assert.EqualError(t, run([]string{"example.com"}, &out), "-pac is required")
	assert.EqualError(t, run([]string{"-pac", "proxy.pac"}, &out), "no URL given")

	err := run([]string{"-pac", filepath.Join(t.TempDir(), "missing.pac"), "example.com"}, &out)
	assert.Error(t, err)
}
