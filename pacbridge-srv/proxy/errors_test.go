package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyErrorFormatting(t *testing.T) {
	err := NewProxyError(ErrCodeDialFailed, errors.New("connection refused"))
	assert.Equal(t, "[E2009] Failed to dial target address: connection refused", err.Error())
	assert.Equal(t, "[E9903] Recovered from panic condition", NewProxyError(ErrCodePanicRecovered, nil).Error())
	assert.Equal(t, "Unknown error code", GetErrorDescription("E0000"))
}

func TestErrorCodeUnwrapsChains(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("session s-1: %w", NewProxyError(ErrCodeProxyDenied, cause))

	assert.Equal(t, ErrCodeProxyDenied, ErrorCode(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Empty(t, ErrorCode(cause))
}

func TestErrorCategories(t *testing.T) {
	tests := []struct {
		code  string
		check func(error) bool
	}{
		{ErrCodeDialFailed, IsConnectionError},
		{ErrCodeMalformedRequest, IsRequestError},
		{ErrCodeProxyAuthFailed, IsProxyChainError},
		{ErrCodeAuthUnavailable, IsAuthError},
		{ErrCodeConcurrencyLimitReached, IsResourceError},
		{ErrCodeInternalError, IsInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.True(t, tt.check(NewProxyError(tt.code, nil)))
		})
	}
	assert.False(t, IsRequestError(NewProxyError(ErrCodeUpstreamWriteFailed, nil)))
	assert.False(t, IsResourceError(NewProxyError(ErrCodePanicRecovered, nil)))
	assert.False(t, IsConnectionError(errors.New("plain")))
}

func TestErrorDescriptionsComplete(t *testing.T) {
	for code, desc := range ErrorDescriptions {
		assert.NotEmpty(t, desc, code)
		assert.Len(t, code, 5, code)
	}
}

func TestResponseForError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"malformed", NewProxyError(ErrCodeMalformedRequest, nil), http.StatusBadRequest, ErrCodeMalformedRequest},
		{"header timeout", NewProxyError(ErrCodeRequestHeaderTimeout, nil), http.StatusRequestTimeout, ErrCodeRequestHeaderTimeout},
		{"header too large", NewProxyError(ErrCodeRequestHeaderTooLarge, nil), http.StatusRequestHeaderFieldsTooLarge, ErrCodeRequestHeaderTooLarge},
		{"limit", NewProxyError(ErrCodeConcurrencyLimitReached, nil), http.StatusServiceUnavailable, ErrCodeConcurrencyLimitReached},
		{"dial", NewProxyError(ErrCodeDialFailed, nil), http.StatusBadGateway, ErrCodeDialFailed},
		{"connect timeout", NewProxyError(ErrCodeConnectionTimeout, nil), http.StatusBadGateway, ErrCodeConnectionTimeout},
		{"407", NewProxyError(ErrCodeProxyAuthFailed, nil), http.StatusBadGateway, ErrCodeProxyAuthFailed},
		{"upstream write", NewProxyError(ErrCodeUpstreamWriteFailed, nil), http.StatusBadGateway, ErrCodeUpstreamWriteFailed},
		{"uncoded", errors.New("unexpected"), http.StatusBadGateway, ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ResponseForError(tt.err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, resp.Header.Get("X-Proxy-Error"))
			assert.Equal(t, "close", resp.Header.Get("Connection"))
			assert.True(t, resp.Close)

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, resp.ContentLength, int64(len(body)))
			assert.Contains(t, string(body), tt.code)
		})
	}
}

func TestErrorPageEscapesDescription(t *testing.T) {
	resp := newErrorResponse(http.StatusBadGateway, ErrCodeDialFailed, "<script>alert(1)</script>")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "<script>")
	assert.Contains(t, string(body), "&lt;script&gt;")
}
