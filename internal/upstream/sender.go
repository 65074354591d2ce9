// Package upstream sends requests to the remote video server, following
// redirects by hand and retrying once on timeout.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultMaxRedirects bounds the number of redirect hops followed for one request.
const DefaultMaxRedirects = 10

// ErrNoLocation is returned when a redirect response carries no usable Location header.
var ErrNoLocation = errors.New("redirect without location")

// Timeouts holds the connect and read timeouts used by a Sender.
type Timeouts struct {
	Connect      time.Duration // first attempt, short so unreachable addresses fail fast
	RetryConnect time.Duration // single retry after a timeout
	Read         time.Duration // per read, for every attempt
}

// DefaultTimeouts returns 2s connect, 10s retry connect and 10s read timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:      2 * time.Second,
		RetryConnect: 10 * time.Second,
		Read:         10 * time.Second,
	}
}

// Options configures a Sender.
type Options struct {
	Timeouts     Timeouts
	MaxRedirects int
	// ProxyURL optionally routes every upstream connection through a
	// socks5:// proxy.
	ProxyURL string
}

// Sender performs one logical HTTP request per Send call.
type Sender struct {
	fast         *http.Client
	slow         *http.Client
	maxRedirects int
}

// Response is an upstream response together with the URL that produced it.
type Response struct {
	*http.Response
	URL        *url.URL
	Redirected bool
}

// Close releases the response body.
func (r *Response) Close() error {
	if r == nil || r.Response == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// New creates a Sender. Zero values in opts fall back to the defaults.
func New(opts Options) (*Sender, error) {
	def := DefaultTimeouts()
	if opts.Timeouts.Connect <= 0 {
		opts.Timeouts.Connect = def.Connect
	}
	if opts.Timeouts.RetryConnect <= 0 {
		opts.Timeouts.RetryConnect = def.RetryConnect
	}
	if opts.Timeouts.Read <= 0 {
		opts.Timeouts.Read = def.Read
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}

	var forward *url.URL
	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream proxy url: %w", err)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("invalid upstream proxy url %q", opts.ProxyURL)
		}
		forward = u
	}

	fast, err := newClient(opts.Timeouts.Connect, opts.Timeouts.Read, forward)
	if err != nil {
		return nil, err
	}
	slow, err := newClient(opts.Timeouts.RetryConnect, opts.Timeouts.Read, forward)
	if err != nil {
		return nil, err
	}

	return &Sender{
		fast:         fast,
		slow:         slow,
		maxRedirects: opts.MaxRedirects,
	}, nil
}

func newClient(connectTimeout, readTimeout time.Duration, forward *url.URL) (*http.Client, error) {
	dial, err := newDialFunc(connectTimeout, readTimeout, forward)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:              nil,
			DialContext:        dial,
			DisableCompression: true,
			DisableKeepAlives:  true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// newDialFunc returns a dialer honouring the connect timeout, optionally
// through a proxy, whose connections enforce the read timeout.
func newDialFunc(connectTimeout, readTimeout time.Duration, forward *url.URL) (dialFunc, error) {
	direct := &net.Dialer{Timeout: connectTimeout}

	var d proxy.ContextDialer = direct
	if forward != nil {
		pd, err := proxy.FromURL(forward, direct)
		if err != nil {
			return nil, fmt.Errorf("upstream proxy %s: %w", forward.Redacted(), err)
		}
		cd, ok := pd.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("upstream proxy %s does not support dialing with context", forward.Redacted())
		}
		d = cd
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &deadlineConn{Conn: conn, timeout: readTimeout}, nil
	}, nil
}

// deadlineConn refreshes the read deadline before every Read.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

// Send issues a request to target. configure is called on every freshly
// built request (each hop and each retry) to set the method, headers and body.
//
// Redirects 301, 302, 303 and 307 are followed manually, carrying the
// hop's Set-Cookie values forward as a Cookie header. Once the redirect
// bound is exceeded the last redirect response is returned unresolved.
// On error no response is left open. Errors are returned, not logged.
func (s *Sender) Send(ctx context.Context, target *url.URL, configure func(*http.Request)) (*Response, error) {
	current := target
	cookie := ""

	for hop := 0; ; hop++ {
		resp, err := s.sendHop(ctx, current, cookie, configure)
		if err != nil {
			return nil, err
		}

		if !isRedirect(resp.StatusCode) || hop >= s.maxRedirects {
			if isRedirect(resp.StatusCode) {
				log.Printf("Giving up on %s after %d redirects", target.Redacted(), hop)
			}
			return &Response{
				Response:   resp,
				URL:        current,
				Redirected: current.String() != target.String(),
			}, nil
		}

		next, err := resp.Location()
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: from %s: %v", ErrNoLocation, current.Redacted(), err)
		}
		cookie = cookieHeader(resp)
		resp.Body.Close()
		current = next
	}
}

// sendHop performs one hop, retrying once with the longer connect timeout
// if the first attempt times out.
func (s *Sender) sendHop(ctx context.Context, u *url.URL, cookie string, configure func(*http.Request)) (*http.Response, error) {
	resp, err := s.attempt(ctx, s.fast, u, cookie, configure)
	if err != nil && isTimeout(err) && ctx.Err() == nil {
		resp, err = s.attempt(ctx, s.slow, u, cookie, configure)
	}
	return resp, err
}

func (s *Sender) attempt(ctx context.Context, client *http.Client, u *url.URL, cookie string, configure func(*http.Request)) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if configure != nil {
		configure(req)
	}
	req.Host = HostHeader(u)
	if cookie != "" {
		if prev := req.Header.Get("Cookie"); prev != "" {
			cookie = prev + "; " + cookie
		}
		req.Header.Set("Cookie", cookie)
	}
	return client.Do(req)
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		return true
	}
	return false
}

// cookieHeader turns the Set-Cookie values of resp into a Cookie header value.
func cookieHeader(resp *http.Response) string {
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// HostHeader returns the Host header value for u: the host, plus the port
// when it is not the scheme's default.
func HostHeader(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	switch {
	case port == "":
		return host
	case port == "80" && u.Scheme == "http":
		return host
	case port == "443" && u.Scheme == "https":
		return host
	}
	return host + ":" + port
}
