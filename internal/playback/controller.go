package playback

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"videorelay/internal/proxy"
)

var (
	// ErrNoSource is returned by Load for an empty uri.
	ErrNoSource = errors.New("no video uri loaded")
	// ErrNotReady is returned by Play when there is no playable source.
	ErrNotReady = errors.New("video not ready")
)

// Controller drives the proxy session for one video element. The element
// is attached while it has a rendering surface; sessions only run while
// attached.
type Controller struct {
	opts proxy.Options

	mu        sync.Mutex
	state     State
	uri       string
	source    string
	proxied   bool
	attached  bool
	session   *proxy.Session
	gen       uint64
	observers []Observer

	pending     []Event
	dispatching bool
}

// NewController returns an idle, detached controller. opts is used for
// every session it creates.
func NewController(opts proxy.Options) *Controller {
	return &Controller{opts: opts}
}

// Subscribe adds an observer. Observers may call back into the controller.
func (c *Controller) Subscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Load replaces the current video with uri. Any running session is closed.
func (c *Controller) Load(uri string) error {
	if uri == "" {
		return ErrNoSource
	}
	c.mu.Lock()
	c.closeSessionLocked()
	c.uri = uri
	c.source = ""
	c.proxied = false
	c.setLocked(Preparing, nil)
	if c.attached {
		c.openLocked()
	}
	c.unlockAndDispatch()
	return nil
}

// Attach marks the element as having a surface. If a video is loaded and no
// session is live, a new one is started for the remembered uri.
func (c *Controller) Attach() {
	c.mu.Lock()
	c.attached = true
	if c.uri != "" && (c.session == nil || c.session.Closed()) {
		c.closeSessionLocked()
		c.source = ""
		c.proxied = false
		if c.state != Preparing {
			c.setLocked(Preparing, nil)
		}
		c.openLocked()
	}
	c.unlockAndDispatch()
}

// Detach closes the session but remembers the uri for a later Attach. The
// source is withdrawn until the next Attach makes the video ready again.
func (c *Controller) Detach() {
	c.mu.Lock()
	c.attached = false
	c.closeSessionLocked()
	if c.uri != "" {
		c.source = ""
		c.proxied = false
		if c.state != Preparing {
			c.setLocked(Preparing, nil)
		}
	}
	c.unlockAndDispatch()
}

// Play starts playback of a ready or ended video.
func (c *Controller) Play() error {
	c.mu.Lock()
	if (c.state != Ready && c.state != Ended) || c.source == "" {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotReady, state)
	}
	c.setLocked(Playing, nil)
	c.unlockAndDispatch()
	return nil
}

// Complete reports that the media client reached the end of the video.
func (c *Controller) Complete() {
	c.mu.Lock()
	if c.state == Playing {
		c.setLocked(Ended, nil)
	}
	c.unlockAndDispatch()
}

// Fail reports a media client error for the current video.
func (c *Controller) Fail(err error) {
	c.mu.Lock()
	if c.state != Idle {
		c.setLocked(Failed, err)
	}
	c.unlockAndDispatch()
}

// Stop closes the session and forgets the video.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.closeSessionLocked()
	c.uri = ""
	c.source = ""
	c.proxied = false
	if c.state != Idle {
		c.setLocked(Idle, nil)
	}
	c.unlockAndDispatch()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Source returns the URI the media client should load, or "" before Ready.
func (c *Controller) Source() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// Session returns the live proxy session, if any.
func (c *Controller) Session() *proxy.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) openLocked() {
	s, err := proxy.New(c.uri, c.opts)
	if err != nil {
		log.Printf("Cannot proxy %s, loading directly: %v", c.uri, err)
		c.readyLocked(c.uri, false)
		return
	}
	c.gen++
	c.session = s
	go c.awaitStart(c.gen, s, s.Start())
}

// awaitStart hands the session's start result over to the controller.
// Results of superseded sessions are dropped.
func (c *Controller) awaitStart(gen uint64, s *proxy.Session, results <-chan proxy.Result) {
	res := <-results

	c.mu.Lock()
	if gen != c.gen || c.session != s {
		c.mu.Unlock()
		return
	}
	if res.Err != nil {
		log.Printf("Proxy cannot start for %s, loading directly: %v", c.uri, res.Err)
		c.session = nil
		c.readyLocked(c.uri, false)
	} else {
		c.readyLocked(res.URI, true)
	}
	c.unlockAndDispatch()
}

func (c *Controller) readyLocked(source string, proxied bool) {
	c.source = source
	c.proxied = proxied
	c.setLocked(Ready, nil)
}

func (c *Controller) closeSessionLocked() {
	c.gen++
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}

func (c *Controller) setLocked(state State, err error) {
	c.state = state
	c.pending = append(c.pending, Event{
		State:   state,
		Source:  c.source,
		Proxied: c.proxied,
		Err:     err,
	})
}

// unlockAndDispatch releases c.mu and delivers pending events in order.
// Only one goroutine delivers at a time; events queued by observers or other
// goroutines meanwhile are picked up by the loop.
func (c *Controller) unlockAndDispatch() {
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	for len(c.pending) > 0 {
		e := c.pending[0]
		c.pending = c.pending[1:]
		observers := append([]Observer(nil), c.observers...)
		c.mu.Unlock()
		for _, o := range observers {
			o(e)
		}
		c.mu.Lock()
	}
	c.dispatching = false
	c.mu.Unlock()
}
