package telephony

// Package telephony defines the contract between the bridge core and the
// underlying telephony engine (SIP registration, transport, codecs and
// mixing all live behind it). Every mutating engine operation must be
// invoked from the single reactor goroutine that drains the CommandQueue;
// the engine in turn delivers listener callbacks on that same goroutine.

// CallState mirrors the engine's view of a call's signaling lifecycle.
type CallState int

const (
	// CallStateIncoming is reported when a new inbound call arrives
	CallStateIncoming CallState = iota
	// CallStateConfirmed is reported once the call is answered end to end
	CallStateConfirmed
	// CallStateDisconnected is reported when either side hangs up
	CallStateDisconnected
)

// String returns a human-readable call state
func (s CallState) String() string {
	switch s {
	case CallStateIncoming:
		return "INCOMING"
	case CallStateConfirmed:
		return "CONFIRMED"
	case CallStateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// CallHandle is the engine's handle for one call. Valid reports whether
// the underlying engine object still exists; teardown races make it normal
// for in-flight commands to find a handle already gone, and callers must
// check before use rather than treat that as an error.
type CallHandle interface {
	ID() string
	RemoteURI() string
	Answer(statusCode int) error
	Hangup(statusCode int) error
	Valid() bool
}

// MediaPort is the bidirectional audio endpoint of an answered call,
// handed out once media is active.
type MediaPort interface {
	// StartRecording begins writing the caller-side mix to path as a
	// growing PCM WAV file.
	StartRecording(path string) error
	StopRecording() error

	// OpenPlayback opens path for playback without making it audible.
	// onEOF fires on the reactor goroutine when the file finishes playing
	// naturally. The returned Playback is silent until Activate.
	OpenPlayback(path string, onEOF func()) (Playback, error)

	Valid() bool
}

// Playback is one file playback operation bound to a MediaPort.
type Playback interface {
	// Activate connects the playback to the call so it becomes audible.
	Activate() error
	// Stop makes the playback inaudible and releases it. Safe to call more
	// than once.
	Stop() error
}

// CallEventListener receives engine lifecycle callbacks. Implementations
// run on the reactor goroutine and must not block it.
type CallEventListener interface {
	OnIncoming(call CallHandle)
	OnStateChange(call CallHandle, state CallState)
	OnMediaReady(call CallHandle, port MediaPort)
}

// Engine is the telephony stack boundary.
type Engine interface {
	// SetListener installs the listener for call events. Must be called
	// before the engine starts delivering calls.
	SetListener(listener CallEventListener)
	// Close shuts the engine down and releases all calls.
	Close() error
}
