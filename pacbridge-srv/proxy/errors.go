package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
)

// Error represents a bridge error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and its registered
// description.
func NewProxyError(code string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: GetErrorDescription(code),
		Cause:       cause,
	}
}

// Bridge Error Codes
const (
	// Configuration and Listener Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1008"
	ErrCodeInvalidServerConfig  = "E1010"

	// Upstream Connect Errors (E2000-E2999)
	ErrCodeConnectionTimeout     = "E2002"
	ErrCodeInvalidAddress        = "E2006"
	ErrCodeDialFailed            = "E2009"
	ErrCodeUpstreamConnectFailed = "E2010"

	// TLS Errors (E3000-E3999)
	ErrCodeTLSUpstreamFailed = "E3007"

	// Client Request Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed   = "E4001"
	ErrCodeHTTPResponseWriteFailed = "E4004"
	ErrCodeMalformedRequest        = "E4012"
	ErrCodeRequestHeaderTimeout    = "E4013"
	ErrCodeRequestHeaderTooLarge   = "E4014"

	// Upstream Protocol Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed    = "E6001"
	ErrCodeSOCKS5ConnectFailed   = "E6002"
	ErrCodeCONNECTRequestFailed  = "E6005"
	ErrCodeCONNECTResponseFailed = "E6006"
	ErrCodeProxyAuthFailed       = "E6007"
	ErrCodeProxyDenied           = "E6008"
	ErrCodeResolutionFailed      = "E6010"
	ErrCodeUpstreamWriteFailed   = "E6011"

	// Authentication Errors (E7000-E7999)
	ErrCodeAuthHandshakeFailed  = "E7001"
	ErrCodeAuthRoundsExceeded   = "E7002"
	ErrCodeAuthUnavailable      = "E7003"
	ErrCodeAuthInvalidPrincipal = "E7004"

	// Resource and Limit Errors (E9000-E9899)
	ErrCodeTimeoutExceeded         = "E9003"
	ErrCodeConcurrencyLimitReached = "E9006"
	ErrCodeRelayFailed             = "E9007"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError  = "E9901"
	ErrCodePanicRecovered = "E9903"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",

	ErrCodeConnectionTimeout:     "Connection attempt timed out",
	ErrCodeInvalidAddress:        "Invalid network address format",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream proxy",

	ErrCodeTLSUpstreamFailed: "TLS handshake with upstream proxy failed",

	ErrCodeHTTPRequestReadFailed:   "Failed to read HTTP request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeMalformedRequest:        "Malformed proxy request",
	ErrCodeRequestHeaderTimeout:    "Timed out waiting for request headers",
	ErrCodeRequestHeaderTooLarge:   "Request header exceeds the size limit",

	ErrCodeSOCKS5DialerFailed:    "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:   "SOCKS5 connection failed",
	ErrCodeCONNECTRequestFailed:  "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed: "Failed to read CONNECT response",
	ErrCodeProxyAuthFailed:       "Upstream proxy rejected the credentials",
	ErrCodeProxyDenied:           "Upstream proxy denied the request",
	ErrCodeResolutionFailed:      "Proxy auto-configuration failed",
	ErrCodeUpstreamWriteFailed:   "Failed to forward request upstream",

	ErrCodeAuthHandshakeFailed:  "Negotiate handshake failed",
	ErrCodeAuthRoundsExceeded:   "Negotiate handshake did not complete",
	ErrCodeAuthUnavailable:      "Authentication provider unavailable",
	ErrCodeAuthInvalidPrincipal: "Invalid service principal for upstream proxy",

	ErrCodeTimeoutExceeded:         "Operation timeout exceeded",
	ErrCodeConcurrencyLimitReached: "Concurrency limit reached",
	ErrCodeRelayFailed:             "Relay terminated with an I/O error",

	ErrCodeInternalError:  "Internal bridge error",
	ErrCodePanicRecovered: "Recovered from panic condition",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// ErrorCode returns the code of the first *Error in err's chain, or "".
func ErrorCode(err error) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	return ""
}

func codeInRange(err error, from, to string) bool {
	code := ErrorCode(err)
	return code != "" && code >= from && code < to
}

// IsConnectionError checks if the error is an upstream connect failure
func IsConnectionError(err error) bool { return codeInRange(err, "E2000", "E3000") }

// IsRequestError checks if the error was caused by the client's request
func IsRequestError(err error) bool { return codeInRange(err, "E4000", "E5000") }

// IsProxyChainError checks if the error is an upstream protocol failure
func IsProxyChainError(err error) bool { return codeInRange(err, "E6000", "E7000") }

// IsAuthError checks if the error is an authentication handshake failure
func IsAuthError(err error) bool { return codeInRange(err, "E7000", "E8000") }

// IsResourceError checks if the error is resource-related
func IsResourceError(err error) bool { return codeInRange(err, "E9000", "E9900") }

// IsInternalError checks if the error is internal/system-related
func IsInternalError(err error) bool { return codeInRange(err, "E9900", "F") }

// newErrorResponse builds a synthesized HTML error page carrying the code in
// X-Proxy-Error.
func newErrorResponse(status int, errorCode, explanation string) *http.Response {
	description := GetErrorDescription(errorCode)
	title := fmt.Sprintf("%d %s", status, http.StatusText(status))
	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>%s</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; background-color: #f4f4f4; color: #333; }
        .container { background-color: #fff; padding: 20px; border-radius: 5px; box-shadow: 0 0 10px rgba(0,0,0,0.1); }
        h1 { color: #d9534f; }
        p { font-size: 1.1em; }
        .error-code { font-weight: bold; color: #c9302c; }
    </style>
</head>
<body>
    <div class="container">
        <h1>%s</h1>
        <p>%s</p>
        <p><span class="error-code">Error Code:</span> %s</p>
        <p><span class="error-code">Description:</span> %s</p>
    </div>
</body>
</html>`, title, title, html.EscapeString(explanation), errorCode, html.EscapeString(description))

	bodyBytes := []byte(htmlBody)

	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(bodyBytes)))
	header.Set("X-Proxy-Error", errorCode)
	header.Set("Connection", "close")

	return &http.Response{
		Status:        title,
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bodyBytes)),
		ContentLength: int64(len(bodyBytes)),
		Close:         true,
	}
}

// NewBadGatewayResponse creates an HTTP 502 Bad Gateway response from an error code.
// It populates the response body with the error code and its description in HTML format.
func NewBadGatewayResponse(errorCode string) *http.Response {
	return newErrorResponse(http.StatusBadGateway, errorCode,
		"The bridge, while acting as a gateway, could not obtain a valid response from the upstream proxy or destination.")
}

// NewClientErrorResponse creates a 4xx response for requests the bridge
// cannot parse or serve.
func NewClientErrorResponse(status int, errorCode string) *http.Response {
	return newErrorResponse(status, errorCode, "The bridge could not understand the request.")
}

// NewServiceUnavailableResponse creates a 503 response, used when the
// session limit is reached.
func NewServiceUnavailableResponse(errorCode string) *http.Response {
	return newErrorResponse(http.StatusServiceUnavailable, errorCode,
		"The bridge is handling too many connections. Try again later.")
}

// ResponseForError picks the synthesized response for a pre-tunnel failure.
func ResponseForError(err error) *http.Response {
	code := ErrorCode(err)
	if code == "" {
		code = ErrCodeInternalError
	}
	switch {
	case code == ErrCodeConcurrencyLimitReached:
		return NewServiceUnavailableResponse(code)
	case code == ErrCodeRequestHeaderTimeout:
		return NewClientErrorResponse(http.StatusRequestTimeout, code)
	case code == ErrCodeRequestHeaderTooLarge:
		return NewClientErrorResponse(http.StatusRequestHeaderFieldsTooLarge, code)
	case IsRequestError(err):
		return NewClientErrorResponse(http.StatusBadRequest, code)
	default:
		return NewBadGatewayResponse(code)
	}
}
