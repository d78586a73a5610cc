package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
)

// errHeadTooLarge is returned when a request head exceeds the size limit.
var errHeadTooLarge = errors.New("request head exceeds size limit")

// headerField is one client header line as sent, without the line ending.
type headerField struct {
	name string
	line string
}

// readRequestHead reads the request line and header lines through the
// terminating blank line. Body bytes stay in r. No more than limit bytes of
// head are buffered.
func readRequestHead(r *bufio.Reader, limit int) ([]byte, error) {
	var head []byte
	lineStart := true
	for {
		chunk, err := r.ReadSlice('\n')
		if len(head)+len(chunk) > limit {
			return nil, errHeadTooLarge
		}
		head = append(head, chunk...)

		switch {
		case err == nil:
			if lineStart && isBlankLine(chunk) {
				return head, nil
			}
			lineStart = true
		case errors.Is(err, bufio.ErrBufferFull):
			lineStart = false
		case errors.Is(err, io.EOF):
			if len(head) == 0 {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func isBlankLine(line []byte) bool {
	return len(line) == 1 || (len(line) == 2 && line[0] == '\r')
}

// parseRequestHead validates head with net/http and keeps its header lines
// verbatim, in order. Folded continuation lines are joined with a space.
func parseRequestHead(head []byte) (*http.Request, []headerField, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, nil, err
	}

	lines := strings.Split(string(head), "\n")
	var fields []headerField
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if n := len(fields); n > 0 {
				fields[n-1].line += " " + strings.TrimSpace(line)
			}
			continue
		}
		name, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields = append(fields, headerField{name: strings.TrimSpace(name), line: line})
	}
	return req, fields, nil
}

// hopHeaderNames lists, lower-cased, the client headers that are never
// forwarded: proxy credentials, connection management and every header
// named in Connection. Upgrade survives so protocol switches still work.
func hopHeaderNames(h http.Header) map[string]struct{} {
	names := map[string]struct{}{
		"host":                {},
		"proxy-authorization": {},
		"proxy-connection":    {},
		"connection":          {},
		"keep-alive":          {},
	}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			if name != "" && name != "upgrade" {
				names[name] = struct{}{}
			}
		}
	}
	return names
}
