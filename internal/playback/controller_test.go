package playback

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"videorelay/internal/proxy"
)

const video = "http://server/media/video.mp4"

// watch subscribes a buffered channel to c.
func watch(c *Controller) <-chan Event {
	events := make(chan Event, 32)
	c.Subscribe(func(e Event) { events <- e })
	return events
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectState(t *testing.T, events <-chan Event, state State) Event {
	t.Helper()
	e := next(t, events)
	require.Equal(t, state, e.State, "event %+v", e)
	return e
}

func TestLoadWhileAttachedStartsProxy(t *testing.T) {
	c := NewController(proxy.Options{})
	events := watch(c)
	c.Attach()
	defer c.Stop()

	require.NoError(t, c.Load(video))
	expectState(t, events, Preparing)
	ready := expectState(t, events, Ready)

	assert.True(t, ready.Proxied)
	assert.True(t, strings.HasPrefix(ready.Source, "http://127.0.0.1:"), ready.Source)
	assert.True(t, strings.HasSuffix(ready.Source, "/media/video.mp4"), ready.Source)
	assert.Equal(t, ready.Source, c.Source())
	require.NotNil(t, c.Session())
	assert.Equal(t, ready.Source, c.Session().LocalURI())
}

func TestLoadWaitsForAttach(t *testing.T) {
	c := NewController(proxy.Options{})
	events := watch(c)
	defer c.Stop()

	require.NoError(t, c.Load(video))
	expectState(t, events, Preparing)
	assert.Nil(t, c.Session())

	c.Attach()
	ready := expectState(t, events, Ready)
	assert.True(t, ready.Proxied)
}

func TestLoadRejectsEmptyURI(t *testing.T) {
	c := NewController(proxy.Options{})
	assert.True(t, errors.Is(c.Load(""), ErrNoSource))
	assert.Equal(t, Idle, c.State())
}

func TestFallsBackToDirectSource(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	c := NewController(proxy.Options{ListenAddr: busy.Addr().String()})
	events := watch(c)
	c.Attach()
	defer c.Stop()

	require.NoError(t, c.Load(video))
	expectState(t, events, Preparing)
	ready := expectState(t, events, Ready)

	assert.False(t, ready.Proxied)
	assert.Equal(t, video, ready.Source)
	assert.Nil(t, c.Session())
}

func TestUnproxiableURIPlaysDirectly(t *testing.T) {
	c := NewController(proxy.Options{})
	events := watch(c)
	c.Attach()
	defer c.Stop()

	require.NoError(t, c.Load("rtsp://camera/stream"))
	expectState(t, events, Preparing)
	ready := expectState(t, events, Ready)
	assert.False(t, ready.Proxied)
	assert.Equal(t, "rtsp://camera/stream", ready.Source)
}

func TestReattachOpensNewSession(t *testing.T) {
	c := NewController(proxy.Options{})
	events := watch(c)
	c.Attach()
	defer c.Stop()

	require.NoError(t, c.Load(video))
	expectState(t, events, Preparing)
	expectState(t, events, Ready)
	first := c.Session()
	require.NotNil(t, first)

	c.Detach()
	expectState(t, events, Preparing)
	assert.True(t, first.Closed())
	assert.Nil(t, c.Session())

	c.Attach()
	ready := expectState(t, events, Ready)

	second := c.Session()
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, video, second.OriginalURI())
	assert.Equal(t, second.LocalURI(), ready.Source)
}

func TestDetachWithdrawsSource(t *testing.T) {
	c := NewController(proxy.Options{})
	events := watch(c)
	c.Attach()
	defer c.Stop()

	require.NoError(t, c.Load(video))
	expectState(t, events, Preparing)
	expectState(t, events, Ready)

	c.Detach()
	detached := expectState(t, events, Preparing)
	assert.Empty(t, detached.Source)
	assert.False(t, detached.Proxied)
	assert.Empty(t, c.Source())
	assert.True(t, errors.Is(c.Play(), ErrNotReady))
	assert.Equal(t, Preparing, c.State())

	c.Attach()
	ready := expectState(t, events, Ready)
	assert.NotEmpty(t, ready.Source)
	require.NoError(t, c.Play())
	expectState(t, events, Playing)
}

func TestLoadClosesPreviousSession(t *testing.T) {
	c := NewController(proxy.Options{})
	events := watch(c)
	c.Attach()
	defer c.Stop()

	require.NoError(t, c.Load(video))
	expectState(t, events, Preparing)
	expectState(t, events, Ready)
	first := c.Session()

	require.NoError(t, c.Load("http://server/other.mp4"))
	expectState(t, events, Preparing)
	ready := expectState(t, events, Ready)

	assert.True(t, first.Closed())
	assert.True(t, strings.HasSuffix(ready.Source, "/other.mp4"))
}

func TestPlaybackTransitions(t *testing.T) {
	c := NewController(proxy.Options{})
	events := watch(c)
	c.Attach()
	defer c.Stop()

	assert.True(t, errors.Is(c.Play(), ErrNotReady))

	require.NoError(t, c.Load(video))
	expectState(t, events, Preparing)
	expectState(t, events, Ready)

	require.NoError(t, c.Play())
	expectState(t, events, Playing)

	c.Complete()
	expectState(t, events, Ended)

	require.NoError(t, c.Play())
	expectState(t, events, Playing)

	boom := errors.New("decoder error")
	c.Fail(boom)
	failed := expectState(t, events, Failed)
	assert.Equal(t, boom, failed.Err)
	assert.Equal(t, Failed, c.State())
}

func TestStopClosesSession(t *testing.T) {
	c := NewController(proxy.Options{})
	events := watch(c)
	c.Attach()

	require.NoError(t, c.Load(video))
	expectState(t, events, Preparing)
	expectState(t, events, Ready)
	s := c.Session()

	c.Stop()
	expectState(t, events, Idle)
	assert.True(t, s.Closed())
	assert.Empty(t, c.Source())

	c.Attach()
	assert.Nil(t, c.Session(), "nothing to reopen after stop")
}

func TestObserverMayCallBack(t *testing.T) {
	c := NewController(proxy.Options{})
	events := watch(c)
	c.Subscribe(func(e Event) {
		if e.State == Ready {
			c.Play()
		}
	})
	c.Attach()
	defer c.Stop()

	require.NoError(t, c.Load(video))
	expectState(t, events, Preparing)
	expectState(t, events, Ready)
	expectState(t, events, Playing)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "preparing", Preparing.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "playing", Playing.String())
	assert.Equal(t, "ended", Ended.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", State(42).String())
}
