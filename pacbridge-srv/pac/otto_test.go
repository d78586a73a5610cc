package pac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const corpPAC = `
function FindProxyForURL(url, host) {
	if (isPlainHostName(host) || dnsDomainIs(host, ".s3.amazonaws.com")) {
		return "DIRECT";
	}
	if (/^\d+\.\d+\.\d+\.\d+$/.test(host) && isInNet(host, "10.0.0.0", "255.0.0.0")) {
		return "DIRECT";
	}
	if (shExpMatch(url, "https://internal.corp/*")) {
		return "PROXY proxy.corp.com:8080; DIRECT";
	}
	if (weekdayRange("SAT", "SUN")) {
		return "PROXY weekend.corp.com:3128";
	}
	return "PROXY proxy.corp.com:8080";
}
`

func newTestEvaluator(now time.Time) *OttoEvaluator {
	e := NewOttoEvaluator(nil)
	e.now = func() time.Time { return now }
	e.myIP = func() string { return "192.0.2.10" }
	return e
}

func TestOttoEvaluatorFindProxyForURL(t *testing.T) {
	// Wednesday
	e := newTestEvaluator(time.Date(2024, time.May, 15, 12, 0, 0, 0, time.UTC))
	script := NewScript("corp.pac", corpPAC)

	tests := []struct {
		name     string
		url      string
		host     string
		expected string
	}{
		{"plain host", "https://intranet/", "intranet", "DIRECT"},
		{"domain bypass", "https://bucket.s3.amazonaws.com/", "bucket.s3.amazonaws.com", "DIRECT"},
		{"private network", "https://10.1.2.3/", "10.1.2.3", "DIRECT"},
		{"url pattern", "https://internal.corp/app", "internal.corp", "PROXY proxy.corp.com:8080; DIRECT"},
		{"default", "https://203.0.113.9/", "203.0.113.9", "PROXY proxy.corp.com:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.FindProxyForURL(context.Background(), script, tt.url, tt.host)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestOttoEvaluatorUsesClock(t *testing.T) {
	// Saturday
	e := newTestEvaluator(time.Date(2024, time.May, 18, 12, 0, 0, 0, time.UTC))
	got, err := e.FindProxyForURL(context.Background(), NewScript("corp.pac", corpPAC), "https://203.0.113.9/", "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "PROXY weekend.corp.com:3128", got)
}

func TestOttoEvaluatorHelpers(t *testing.T) {
	e := newTestEvaluator(time.Now())
	script := NewScript("helpers.pac", `
function FindProxyForURL(url, host) {
	return [
		dnsResolve("192.0.2.1"),
		myIpAddress(),
		dnsDomainLevels(host),
		isInNetEx("fd00::1", "fd00::/8"),
		sortIpAddressList("10.0.0.2;10.0.0.1"),
		localHostOrDomainIs("www", "www.corp.com"),
		getClientVersion()
	].join("|");
}`)

	got, err := e.FindProxyForURL(context.Background(), script, "http://a.b.c/", "a.b.c")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1|192.0.2.10|2|true|10.0.0.1;10.0.0.2|true|1.0", got)
}

func TestOttoEvaluatorErrors(t *testing.T) {
	e := newTestEvaluator(time.Now())
	ctx := context.Background()

	t.Run("syntax error", func(t *testing.T) {
		_, err := e.FindProxyForURL(ctx, NewScript("bad.pac", "function FindProxyForURL(url, host {"), "http://x/", "x")
		assert.Error(t, err)
	})

	t.Run("missing function", func(t *testing.T) {
		_, err := e.FindProxyForURL(ctx, NewScript("empty.pac", "var x = 1;"), "http://x/", "x")
		assert.Error(t, err)
	})

	t.Run("runtime exception", func(t *testing.T) {
		_, err := e.FindProxyForURL(ctx, NewScript("throw.pac", `function FindProxyForURL(u, h) { throw "boom"; }`), "http://x/", "x")
		assert.Error(t, err)
	})

	t.Run("undefined result", func(t *testing.T) {
		_, err := e.FindProxyForURL(ctx, NewScript("undef.pac", `function FindProxyForURL(u, h) { }`), "http://x/", "x")
		assert.ErrorIs(t, err, ErrMalformedResult)
	})

	t.Run("nil script", func(t *testing.T) {
		_, err := e.FindProxyForURL(ctx, nil, "http://x/", "x")
		assert.Error(t, err)
	})
}

func TestOttoEvaluatorInterruptedOnDeadline(t *testing.T) {
	e := newTestEvaluator(time.Now())
	script := NewScript("loop.pac", `function FindProxyForURL(u, h) { while (true) {} }`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.FindProxyForURL(ctx, script, "http://x/", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestScriptCompiledOnce(t *testing.T) {
	e := newTestEvaluator(time.Now())
	script := NewScript("direct.pac", `function FindProxyForURL(u, h) { return "DIRECT"; }`)

	for i := 0; i < 3; i++ {
		got, err := e.FindProxyForURL(context.Background(), script, "http://x/", "x")
		require.NoError(t, err)
		assert.Equal(t, "DIRECT", got)
	}
	assert.NotNil(t, script.program)
}

func TestHostFromURL(t *testing.T) {
	assert.Equal(t, "example.com", HostFromURL("https://Example.com:443/path"))
	assert.Equal(t, "::1", HostFromURL("http://[::1]:8080/"))
	assert.Equal(t, "", HostFromURL("not a url"))
}
