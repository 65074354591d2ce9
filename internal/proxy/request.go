package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ErrMalformedRequest is returned when the local client sends something
// that is not an HTTP/1.x request.
var ErrMalformedRequest = errors.New("malformed request")

const (
	maxHeaderLines = 100
	maxHeaderBytes = 1 << 20
	maxBodySize    = 8 << 20
	maxRequestSize = maxHeaderBytes + maxBodySize
)

// Methods a media client may send. Anything else is rejected before the
// headers are read.
var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodPatch:   true,
}

// request is one request read off the local client socket.
type request struct {
	Method string
	Target string
	Proto  string
	Header http.Header
	Body   []byte
}

// readRequest parses the request line, the headers up to the blank line and
// the body, if any.
func readRequest(br *bufio.Reader) (*request, error) {
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(line)
	if len(parts) != 3 || !knownMethods[parts[0]] || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, line)
	}
	req := &request{
		Method: parts[0],
		Target: parts[1],
		Proto:  parts[2],
		Header: make(http.Header),
	}

	for n := 0; ; n++ {
		line, err := tp.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: headers not terminated", ErrMalformedRequest)
			}
			return nil, err
		}
		if line == "" {
			break
		}
		if n >= maxHeaderLines {
			return nil, fmt.Errorf("%w: too many headers", ErrMalformedRequest)
		}
		name, value, ok := strings.Cut(line, ":")
		value = strings.TrimSpace(value)
		if !ok || !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedRequest, line)
		}
		req.Header.Add(name, value)
	}

	body, err := readBody(br, req.Header)
	if err != nil {
		return nil, err
	}
	req.Body = body
	return req, nil
}

// readBody reads a declared Content-Length in full. Without one, only the
// bytes the client has already delivered are taken, never blocking.
func readBody(br *bufio.Reader, header http.Header) ([]byte, error) {
	if cl := header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 || n > maxBodySize {
			return nil, fmt.Errorf("%w: content length %q", ErrMalformedRequest, cl)
		}
		if n == 0 {
			return nil, nil
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, err
		}
		return body, nil
	}

	n := br.Buffered()
	if n == 0 {
		return nil, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, err
	}
	return body, nil
}
