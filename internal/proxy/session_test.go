package proxy

import (
	"errors"
	"net"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const startTimeout = 5 * time.Second

// awaitStart reads the single start result and checks that the channel is
// closed afterwards.
func awaitStart(t *testing.T, s *Session) Result {
	t.Helper()
	results := s.Start()

	var res Result
	select {
	case r, ok := <-results:
		require.True(t, ok, "start must deliver a result")
		res = r
	case <-time.After(startTimeout):
		t.Fatal("timed out waiting for start result")
	}

	select {
	case r, ok := <-results:
		assert.False(t, ok, "start delivered a second result: %+v", r)
	case <-time.After(startTimeout):
		t.Fatal("result channel was not closed")
	}
	return res
}

func TestNewValidatesURI(t *testing.T) {
	testCases := []struct {
		raw       string
		expectErr bool
	}{
		{"http://server/video.mp4", false},
		{"https://server:8443/v/video.mp4?token=1", false},
		{"ftp://server/video.mp4", true},
		{"http:///video.mp4", true},
		{"://bad", true},
	}

	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			s, err := New(tc.raw, Options{})
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.raw, s.OriginalURI())
			assert.Equal(t, tc.raw, s.ResolvedURL())
			assert.Zero(t, s.VideoSize())
			assert.Empty(t, s.LocalURI())
			assert.NotEmpty(t, s.ID())
		})
	}
}

func TestStartReportsLocalURI(t *testing.T) {
	s, err := New("http://server/media/video.mp4?sig=abc", Options{})
	require.NoError(t, err)
	defer s.Close()

	res := awaitStart(t, s)
	require.NoError(t, res.Err)

	u, err := url.Parse(res.URI)
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "127.0.0.1", u.Hostname())
	assert.NotEqual(t, "0", u.Port())
	assert.Equal(t, "/media/video.mp4", u.Path)
	assert.Empty(t, u.RawQuery)
	assert.Equal(t, res.URI, s.LocalURI())

	conn, err := net.Dial("tcp", u.Host)
	require.NoError(t, err)
	conn.Close()
}

func TestStartReportsCannotStart(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	s, err := New("http://server/video.mp4", Options{ListenAddr: busy.Addr().String()})
	require.NoError(t, err)

	res := awaitStart(t, s)
	assert.Error(t, res.Err)
	assert.Empty(t, res.URI)
	assert.True(t, s.Closed())
	assert.Empty(t, s.LocalURI())
}

func TestStartAfterClose(t *testing.T) {
	s, err := New("http://server/video.mp4", Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	res := awaitStart(t, s)
	assert.True(t, errors.Is(res.Err, ErrSessionClosed))
	assert.Empty(t, s.LocalURI())
}

func TestStartTwiceReturnsSameChannel(t *testing.T) {
	s, err := New("http://server/video.mp4", Options{})
	require.NoError(t, err)
	defer s.Close()

	first := s.Start()
	second := s.Start()
	assert.Equal(t, first, second)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := New("http://server/video.mp4", Options{})
	require.NoError(t, err)

	res := awaitStart(t, s)
	require.NoError(t, res.Err)
	addr := strings.TrimPrefix(res.URI, "http://")
	addr = addr[:strings.Index(addr, "/")]

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotPanics(t, func() { assert.NoError(t, s.Close()) })
		}()
	}
	wg.Wait()
	assert.NoError(t, s.Close())

	assert.True(t, s.Closed())
	assert.Empty(t, s.LocalURI())

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener must be closed")
}

func TestReopenAfterClose(t *testing.T) {
	const video = "http://server/video.mp4"

	first, err := New(video, Options{})
	require.NoError(t, err)
	res1 := awaitStart(t, first)
	require.NoError(t, res1.Err)
	require.NoError(t, first.Close())

	second, err := New(video, Options{})
	require.NoError(t, err)
	defer second.Close()
	res2 := awaitStart(t, second)
	require.NoError(t, res2.Err)

	assert.Equal(t, res2.URI, second.LocalURI())
	assert.True(t, strings.HasSuffix(res2.URI, "/video.mp4"))
	assert.NotEqual(t, first.ID(), second.ID())

	u, err := url.Parse(res2.URI)
	require.NoError(t, err)
	conn, err := net.Dial("tcp", u.Host)
	require.NoError(t, err)
	conn.Close()
}

func TestLocalURI(t *testing.T) {
	original, err := url.Parse("http://server/a%20b/video.mp4?x=1")
	require.NoError(t, err)

	testCases := []struct {
		name     string
		addr     net.Addr
		expected string
	}{
		{"loopback", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}, "http://127.0.0.1:4000/a%20b/video.mp4"},
		{"unspecified", &net.TCPAddr{IP: net.IPv4zero, Port: 4001}, "http://127.0.0.1:4001/a%20b/video.mp4"},
		{"ipv6 loopback", &net.TCPAddr{IP: net.IPv6loopback, Port: 4002}, "http://[::1]:4002/a%20b/video.mp4"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, localURI(tc.addr, original))
		})
	}
}
