// Package playback owns the proxy session of a video element and reports
// its progress as a single stream of state events.
package playback

// State is the playback state of the controlled video.
type State int

const (
	Idle State = iota
	Preparing
	Ready
	Playing
	Ended
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Ready:
		return "ready"
	case Playing:
		return "playing"
	case Ended:
		return "ended"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Event is delivered to every observer on each state change.
type Event struct {
	State State
	// Source is the URI the media client should load: the local proxy URI,
	// or the original URI when the proxy could not start.
	Source  string
	Proxied bool
	Err     error
}

// Observer receives controller events in order.
type Observer func(Event)
