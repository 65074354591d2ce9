// Package proxy runs a loopback HTTP proxy for one video playback session.
// The local media client talks to the proxy, which rewrites open-ended range
// requests and relays them to the real video server.
package proxy

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"videorelay/internal/upstream"
)

const (
	// DefaultListenAddr binds an ephemeral loopback port.
	DefaultListenAddr = "127.0.0.1:0"
	// DefaultChunkSize is the size of each body write to the local client.
	DefaultChunkSize = 2048
	// DefaultReadTimeout bounds the wait for a local client's request.
	DefaultReadTimeout = 10 * time.Second
)

// ErrSessionClosed is reported by Start when the session was closed before
// its listener was bound.
var ErrSessionClosed = errors.New("proxy session closed")

// Options configures a Session.
type Options struct {
	ListenAddr  string
	Sender      *upstream.Sender
	ChunkSize   int
	ReadTimeout time.Duration
}

// Result is the outcome of Start: either the local proxy URI or the reason
// the proxy cannot start.
type Result struct {
	URI string
	Err error
}

// Session is one proxy instance bound to one original video URI.
type Session struct {
	id       string
	original *url.URL
	opts     Options
	sender   *upstream.Sender
	results  chan Result

	mu        sync.Mutex
	resolved  *url.URL
	videoSize int64
	listener  net.Listener
	localURI  string
	closed    bool

	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a session for rawURI. Nothing is bound until Start.
func New(rawURI string, opts Options) (*Session, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("parse video uri: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid video uri %q", rawURI)
	}

	if opts.ListenAddr == "" {
		opts.ListenAddr = DefaultListenAddr
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	sender := opts.Sender
	if sender == nil {
		sender, err = upstream.New(upstream.Options{})
		if err != nil {
			return nil, err
		}
	}

	resolved := *u
	return &Session{
		id:       uuid.NewString(),
		original: u,
		opts:     opts,
		sender:   sender,
		results:  make(chan Result, 1),
		resolved: &resolved,
	}, nil
}

// Start binds the listener on its own goroutine and then serves connections
// until Close. The returned channel yields exactly one Result and is then
// closed. Calling Start again returns the same channel.
func (s *Session) Start() <-chan Result {
	s.startOnce.Do(func() {
		go s.run()
	})
	return s.results
}

func (s *Session) run() {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		s.logf("Proxy cannot start on %s: %v", s.opts.ListenAddr, err)
		s.Close()
		s.finish(Result{Err: fmt.Errorf("listen on %s: %w", s.opts.ListenAddr, err)})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		s.finish(Result{Err: ErrSessionClosed})
		return
	}
	s.listener = ln
	s.localURI = localURI(ln.Addr(), s.original)
	uri := s.localURI
	s.mu.Unlock()

	s.logf("Proxy for %s listening at %s", s.original.Redacted(), uri)
	s.finish(Result{URI: uri})
	s.acceptLoop(ln)
}

func (s *Session) finish(r Result) {
	s.results <- r
	close(s.results)
}

// acceptLoop accepts local clients and relays each on its own goroutine.
func (s *Session) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Closing the listener is the normal way out.
			if s.Closed() || errors.Is(err, net.ErrClosed) {
				s.logf("Proxy stopped")
				return
			}
			s.logf("Failed to accept connection: %v", err)
			s.Close()
			return
		}
		go s.serveConn(conn)
	}
}

// Close stops the proxy. It is safe to call more than once and from several
// goroutines, and never fails.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ln := s.listener
		s.listener = nil
		s.localURI = ""
		s.mu.Unlock()

		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logf("Error closing proxy listener: %v", err)
			}
		}
	})
	return nil
}

// ID returns the session's log correlation id.
func (s *Session) ID() string { return s.id }

// OriginalURI returns the URI the session was created for.
func (s *Session) OriginalURI() string { return s.original.String() }

// Closed reports whether Close has been called or the proxy failed to start.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LocalURI returns the loopback URI the media client should load, or "" if
// the proxy is not listening.
func (s *Session) LocalURI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localURI
}

// ResolvedURL returns the current upstream URL, after any cached redirect.
func (s *Session) ResolvedURL() string {
	return s.resolvedURL().String()
}

// VideoSize returns the discovered content length, or 0 while unknown.
func (s *Session) VideoSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoSize
}

func (s *Session) resolvedURL() *url.URL {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := *s.resolved
	return &u
}

func (s *Session) setResolvedURL(u *url.URL) {
	c := *u
	s.mu.Lock()
	changed := s.resolved.String() != c.String()
	s.resolved = &c
	s.mu.Unlock()
	if changed {
		s.logf("Upstream redirected, now using %s", c.Redacted())
	}
}

func (s *Session) setVideoSize(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoSize = n
}

// localURI is http://<ip>:<port> followed by the path of the original URI.
func localURI(addr net.Addr, original *url.URL) string {
	host := "127.0.0.1"
	port := ""
	if tcp, ok := addr.(*net.TCPAddr); ok {
		if tcp.IP != nil && !tcp.IP.IsUnspecified() {
			host = tcp.IP.String()
		}
		port = strconv.Itoa(tcp.Port)
	} else if h, p, err := net.SplitHostPort(addr.String()); err == nil {
		if h != "" {
			host = h
		}
		port = p
	}
	return "http://" + net.JoinHostPort(host, port) + original.EscapedPath()
}

func (s *Session) logf(format string, args ...any) {
	log.Output(2, fmt.Sprintf("[session %s] ", s.id)+fmt.Sprintf(format, args...))
}
