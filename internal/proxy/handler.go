package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"videorelay/internal/upstream"
)

// serveConn relays one request from a local client. Failures stay on this
// connection; resets, timeouts and malformed requests are not logged.
func (s *Session) serveConn(conn net.Conn) {
	defer conn.Close()

	if err := s.relay(context.Background(), conn); err != nil {
		if upstream.IsExpected(err) || errors.Is(err, ErrMalformedRequest) {
			return
		}
		s.logf("Relay for %s failed: %v", conn.RemoteAddr(), err)
	}
}

func (s *Session) relay(ctx context.Context, conn net.Conn) error {
	if s.VideoSize() <= 0 {
		s.probeVideoSize(ctx)
	}

	if err := conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
		return err
	}
	req, err := readRequest(bufio.NewReader(io.LimitReader(conn, maxRequestSize)))
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	header := upstreamHeader(req.Header, s.VideoSize())
	resp, err := s.sender.Send(ctx, s.resolvedURL(), func(r *http.Request) {
		r.Method = req.Method
		r.Header = header.Clone()
		if len(req.Body) > 0 {
			r.Body = io.NopCloser(bytes.NewReader(req.Body))
			r.ContentLength = int64(len(req.Body))
		}
	})
	if err != nil {
		return fmt.Errorf("forward %s: %w", req.Method, err)
	}
	defer resp.Close()

	s.cacheRedirect(resp)

	return writeResponse(conn, resp.Response, make([]byte, s.opts.ChunkSize))
}

// probeVideoSize asks the upstream for the content length with a HEAD
// request. Failure leaves the size unknown.
func (s *Session) probeVideoSize(ctx context.Context) {
	resp, err := s.sender.Send(ctx, s.resolvedURL(), func(r *http.Request) {
		r.Method = http.MethodHead
		r.Header.Set("Accept-Encoding", "identity")
	})
	if err != nil {
		if !upstream.IsExpected(err) {
			s.logf("Size probe for %s failed: %v", s.original.Redacted(), err)
		}
		return
	}
	defer resp.Close()

	s.cacheRedirect(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}
	size := resp.ContentLength
	if size <= 0 {
		size, _ = strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	}
	if size > 0 {
		s.setVideoSize(size)
	}
}

// cacheRedirect remembers where the upstream redirected to, unless the
// sender gave up while still being redirected.
func (s *Session) cacheRedirect(resp *upstream.Response) {
	if !resp.Redirected || (resp.StatusCode >= 300 && resp.StatusCode < 400) {
		return
	}
	s.setResolvedURL(resp.URL)
}
