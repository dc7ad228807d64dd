package telephony

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/audio"
)

// MockEngine is an in-process telephony engine used by tests and local
// runs without a SIP deployment. It honors the threading contract of the
// real engine: every listener callback is marshaled through the command
// queue so it executes on the reactor goroutine.
type MockEngine struct {
	logger   *logrus.Logger
	queue    *CommandQueue
	mutex    sync.Mutex
	listener CallEventListener
	calls    map[string]*MockCall
	nextID   int
	closed   bool
}

// NewMockEngine creates a new mock engine
func NewMockEngine(logger *logrus.Logger, queue *CommandQueue) *MockEngine {
	return &MockEngine{
		logger: logger,
		queue:  queue,
		calls:  make(map[string]*MockCall),
	}
}

// SetListener installs the call event listener
func (e *MockEngine) SetListener(listener CallEventListener) {
	e.mutex.Lock()
	e.listener = listener
	e.mutex.Unlock()
}

// Close releases all simulated calls
func (e *MockEngine) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for _, call := range e.calls {
		call.invalidate()
	}
	e.calls = make(map[string]*MockCall)
	return nil
}

// SimulateIncoming injects a new inbound call from remoteURI and returns
// its handle. The OnIncoming callback is delivered on the next drain.
func (e *MockEngine) SimulateIncoming(remoteURI string) *MockCall {
	e.mutex.Lock()
	e.nextID++
	call := &MockCall{
		engine:    e,
		id:        fmt.Sprintf("mock-call-%d", e.nextID),
		remoteURI: remoteURI,
		valid:     true,
		port:      NewMockMediaPort(),
	}
	e.calls[call.id] = call
	listener := e.listener
	e.mutex.Unlock()

	e.dispatch(func() {
		if listener != nil {
			listener.OnIncoming(call)
		}
	})
	return call
}

// SimulateRemoteHangup reports the far end dropping the call
func (e *MockEngine) SimulateRemoteHangup(call *MockCall) {
	e.reportState(call, CallStateDisconnected)
}

func (e *MockEngine) dispatch(fn func()) {
	e.queue.Enqueue(fn)
}

func (e *MockEngine) reportState(call *MockCall, state CallState) {
	e.mutex.Lock()
	listener := e.listener
	e.mutex.Unlock()
	e.dispatch(func() {
		if listener != nil {
			listener.OnStateChange(call, state)
		}
	})
}

// MockCall implements CallHandle
type MockCall struct {
	engine    *MockEngine
	id        string
	remoteURI string
	port      *MockMediaPort

	mutex      sync.Mutex
	valid      bool
	answered   bool
	hangupCode int
}

// ID returns the call identifier
func (c *MockCall) ID() string { return c.id }

// RemoteURI returns the caller identity URI
func (c *MockCall) RemoteURI() string { return c.remoteURI }

// Valid reports whether the engine object still exists
func (c *MockCall) Valid() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.valid
}

// Answer accepts the call. A 2xx answer makes media active: the engine
// reports CONFIRMED and hands out the media port.
func (c *MockCall) Answer(statusCode int) error {
	c.mutex.Lock()
	if !c.valid {
		c.mutex.Unlock()
		return fmt.Errorf("call %s is no longer valid", c.id)
	}
	c.answered = statusCode >= 200 && statusCode < 300
	answered := c.answered
	c.mutex.Unlock()

	if !answered {
		return nil
	}
	c.engine.reportState(c, CallStateConfirmed)
	c.engine.mutex.Lock()
	listener := c.engine.listener
	c.engine.mutex.Unlock()
	c.engine.dispatch(func() {
		if listener != nil {
			listener.OnMediaReady(c, c.port)
		}
	})
	return nil
}

// Hangup ends or rejects the call with the given status code
func (c *MockCall) Hangup(statusCode int) error {
	c.mutex.Lock()
	if !c.valid {
		c.mutex.Unlock()
		return fmt.Errorf("call %s is no longer valid", c.id)
	}
	c.hangupCode = statusCode
	c.mutex.Unlock()
	c.engine.reportState(c, CallStateDisconnected)
	return nil
}

// Answered reports whether the call was accepted
func (c *MockCall) Answered() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.answered
}

// HangupCode returns the status code the call was ended with, 0 if none
func (c *MockCall) HangupCode() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.hangupCode
}

// Port returns the call's media port
func (c *MockCall) Port() *MockMediaPort { return c.port }

func (c *MockCall) invalidate() {
	c.mutex.Lock()
	c.valid = false
	c.mutex.Unlock()
	c.port.invalidate()
}

// MockMediaPort implements MediaPort and records every operation so tests
// can assert against playback sequencing.
type MockMediaPort struct {
	mutex         sync.Mutex
	valid         bool
	recordingPath string
	recording     bool
	playbacks     []*MockPlayback
}

// NewMockMediaPort creates a standalone valid media port
func NewMockMediaPort() *MockMediaPort {
	return &MockMediaPort{valid: true}
}

// StartRecording creates the destination file with a PCM WAV header, the
// way a real engine recorder does before any audio arrives
func (p *MockMediaPort) StartRecording(path string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if !p.valid {
		return fmt.Errorf("media port is no longer valid")
	}
	if err := os.WriteFile(path, audio.PCMHeader(1, 8000, 16, 0), 0644); err != nil {
		return fmt.Errorf("failed to create recording file: %w", err)
	}
	p.recordingPath = path
	p.recording = true
	return nil
}

// StopRecording stops the simulated recorder
func (p *MockMediaPort) StopRecording() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.recording = false
	return nil
}

// OpenPlayback opens a silent playback for path
func (p *MockMediaPort) OpenPlayback(path string, onEOF func()) (Playback, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if !p.valid {
		return nil, fmt.Errorf("media port is no longer valid")
	}
	pb := &MockPlayback{path: path, onEOF: onEOF}
	// Snapshot the file contents: the scheduler deletes segment files once
	// they retire, and tests assert against what was actually opened
	if data, err := os.ReadFile(path); err == nil {
		pb.data = data
	}
	p.playbacks = append(p.playbacks, pb)
	return pb, nil
}

// Valid reports whether the port still exists
func (p *MockMediaPort) Valid() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.valid
}

// RecordingPath returns the active recording destination
func (p *MockMediaPort) RecordingPath() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.recordingPath
}

// Recording reports whether recording is running
func (p *MockMediaPort) Recording() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.recording
}

// Playbacks returns every playback opened so far, in open order
func (p *MockMediaPort) Playbacks() []*MockPlayback {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	out := make([]*MockPlayback, len(p.playbacks))
	copy(out, p.playbacks)
	return out
}

func (p *MockMediaPort) invalidate() {
	p.mutex.Lock()
	p.valid = false
	p.mutex.Unlock()
}

// MockPlayback implements Playback
type MockPlayback struct {
	mutex     sync.Mutex
	path      string
	data      []byte
	activated bool
	stopped   bool
	onEOF     func()
}

// Path returns the file this playback was opened for
func (pb *MockPlayback) Path() string { return pb.path }

// Data returns the file contents captured when the playback was opened
func (pb *MockPlayback) Data() []byte { return pb.data }

// Activate makes the playback audible
func (pb *MockPlayback) Activate() error {
	pb.mutex.Lock()
	defer pb.mutex.Unlock()
	if pb.stopped {
		return fmt.Errorf("playback for %s already stopped", pb.path)
	}
	pb.activated = true
	return nil
}

// Stop makes the playback inaudible; safe to call repeatedly
func (pb *MockPlayback) Stop() error {
	pb.mutex.Lock()
	defer pb.mutex.Unlock()
	pb.stopped = true
	return nil
}

// Activated reports whether Activate was called
func (pb *MockPlayback) Activated() bool {
	pb.mutex.Lock()
	defer pb.mutex.Unlock()
	return pb.activated
}

// Stopped reports whether Stop was called
func (pb *MockPlayback) Stopped() bool {
	pb.mutex.Lock()
	defer pb.mutex.Unlock()
	return pb.stopped
}

// FireEOF simulates the file reaching its natural end
func (pb *MockPlayback) FireEOF() {
	pb.mutex.Lock()
	fn := pb.onEOF
	active := pb.activated && !pb.stopped
	pb.mutex.Unlock()
	if active && fn != nil {
		fn()
	}
}
