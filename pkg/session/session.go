package session

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/audio"
	"voicebridge-server/pkg/messaging"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/playback"
	"voicebridge-server/pkg/realtime"
	"voicebridge-server/pkg/telephony"
)

// State is the session lifecycle state
type State int

const (
	// StateIncoming is the initial state when the engine reports a call
	StateIncoming State = iota
	// StateAnswering means the accept command is queued for the reactor
	StateAnswering
	// StateMediaActive means the bidirectional audio endpoint is up
	StateMediaActive
	// StateStreaming means the tail, bridge and scheduler are running
	StateStreaming
	// StateDisconnecting means teardown is in progress
	StateDisconnecting
	// StateFinalized is terminal: the engine handle is released
	StateFinalized
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateIncoming:
		return "INCOMING"
	case StateAnswering:
		return "ANSWERING"
	case StateMediaActive:
		return "MEDIA_ACTIVE"
	case StateStreaming:
		return "STREAMING"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateFinalized:
		return "FINALIZED"
	default:
		return "UNKNOWN"
	}
}

// Session is the per-call state machine. It owns the call's tail reader,
// AI bridge and playback scheduler, and reacts to engine lifecycle events
// delivered on the reactor goroutine.
type Session struct {
	logger   *logrus.Entry
	registry *Registry
	queue    *telephony.CommandQueue

	id            string
	caller        string
	call          telephony.CallHandle
	recordingPath string
	startedAt     time.Time

	mutex     sync.Mutex
	state     State
	port      telephony.MediaPort
	tail      *audio.TailReader
	bridge    AIBridge
	scheduler *playback.Scheduler
	finalized bool

	stop     chan struct{}
	stopOnce sync.Once
}

func newSession(registry *Registry, call telephony.CallHandle, caller string) *Session {
	return &Session{
		logger: registry.logger.WithFields(logrus.Fields{
			"call_id": call.ID(),
			"caller":  caller,
		}),
		registry:  registry,
		queue:     registry.queue,
		id:        call.ID(),
		caller:    caller,
		call:      call,
		startedAt: time.Now(),
		state:     StateIncoming,
		stop:      make(chan struct{}),
	}
}

// ID returns the call identifier
func (s *Session) ID() string { return s.id }

// Caller returns the normalized caller identity
func (s *Session) Caller() string { return s.caller }

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// RecordingPath returns the recording destination fixed before accept
func (s *Session) RecordingPath() string { return s.recordingPath }

// Scheduler returns the call's playback scheduler, nil before STREAMING
func (s *Session) Scheduler() *playback.Scheduler {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.scheduler
}

// begin fixes the recording destination and queues the accept command
func (s *Session) begin() {
	s.recordingPath = filepath.Join(
		s.registry.config.Recording.Directory,
		fmt.Sprintf("call_%d_%s.wav", time.Now().Unix(), uuid.NewString()[:8]),
	)

	s.setState(StateAnswering)
	call := s.call
	s.queue.Enqueue(func() {
		if !call.Valid() {
			return
		}
		if err := call.Answer(200); err != nil {
			s.logger.WithError(err).Error("Failed to answer call")
			s.handleDisconnect()
			return
		}
		s.logger.Info("Call answered")
	})
}

// handleMediaReady starts recording and brings up the streaming pipeline.
// Runs on the reactor goroutine.
func (s *Session) handleMediaReady(port telephony.MediaPort) {
	s.mutex.Lock()
	if s.state != StateAnswering {
		s.mutex.Unlock()
		s.logger.WithField("state", s.state.String()).Debug("Ignoring media-ready in unexpected state")
		return
	}
	s.port = port
	s.state = StateMediaActive
	s.mutex.Unlock()

	if err := port.StartRecording(s.recordingPath); err != nil {
		s.logger.WithError(err).Error("Failed to start recording")
		s.handleDisconnect()
		return
	}
	s.logger.WithField("recording", s.recordingPath).Info("Recording started")

	scheduler := playback.NewScheduler(s.registry.logger, s.id, playback.Config{
		SegmentDuration: s.registry.config.Playback.SegmentDuration,
		JitterThreshold: s.registry.config.Playback.JitterThreshold,
		OverlapLead:     s.registry.config.Playback.OverlapLead,
		SegmentDir:      s.registry.config.Playback.SegmentDir,
	}, s.queue, port)

	s.mutex.Lock()
	s.scheduler = scheduler
	s.state = StateStreaming
	s.mutex.Unlock()
	s.logger.Info("Session streaming")

	// Connecting and header-waiting both block; they must not hold up the
	// reactor
	go s.runStreaming(scheduler)
}

// runStreaming tails the recording into the AI bridge until the call ends
func (s *Session) runStreaming(scheduler *playback.Scheduler) {
	select {
	case <-s.stop:
		return
	default:
	}

	tail, err := audio.NewTailReader(s.registry.logger, s.recordingPath, audio.TailReaderConfig{
		FrameDuration: s.registry.config.Ingress.FrameDuration,
		HeaderTimeout: s.registry.config.Ingress.HeaderTimeout,
		PollInterval:  s.registry.config.Ingress.PollInterval,
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to open recording tail")
		s.terminate()
		return
	}

	s.mutex.Lock()
	s.tail = tail
	s.mutex.Unlock()

	bridge, err := s.registry.dial(s.id, tail.Format().SampleRate, realtime.Callbacks{
		OnAudioDelta: func(itemID string, payload []byte, sampleRate int) {
			scheduler.PushAudio(itemID, payload, sampleRate)
		},
		OnTurnComplete: func(itemID string) {
			scheduler.EndOfTurn(itemID)
			s.publishTranscript(messaging.TranscriptEvent{
				CallID:    s.id,
				ItemID:    itemID,
				EventType: messaging.EventTurnComplete,
			})
		},
		OnSpeechStarted: func() {
			s.handleBargeIn()
		},
		OnTextDelta: func(itemID, text string) {
			s.logger.WithField("item_id", itemID).Debug("Reply text delta")
			s.publishTranscript(messaging.TranscriptEvent{
				CallID:    s.id,
				ItemID:    itemID,
				EventType: messaging.EventTextDelta,
				Text:      text,
			})
		},
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to connect to AI endpoint")
		tail.Close()
		s.terminate()
		return
	}

	s.mutex.Lock()
	s.bridge = bridge
	s.mutex.Unlock()

	err = tail.Stream(s.stop, func(frame audio.Frame) error {
		if err := bridge.SendAudio(frame.Data); err != nil {
			return err
		}
		metrics.IncFramesSent(len(frame.Data))
		return nil
	})
	if err != nil {
		// Transient send faults end the pump but not the process; the
		// call itself keeps running until the engine reports disconnect
		metrics.IncIngressErrors()
		s.logger.WithError(err).Warn("Ingress pump stopped")
	}
}

// handleBargeIn interrupts playback and reports the heard milliseconds
// upstream. Invoked from the bridge's receive goroutine.
func (s *Session) handleBargeIn() {
	s.mutex.Lock()
	scheduler := s.scheduler
	bridge := s.bridge
	s.mutex.Unlock()

	if scheduler == nil {
		return
	}
	itemID, playedMs, ok := scheduler.Interrupt()
	if !ok {
		return
	}
	if bridge != nil && itemID != "" {
		if err := bridge.Truncate(itemID, playedMs); err != nil {
			s.logger.WithError(err).Warn("Failed to send truncate")
		}
	}
	s.publishTranscript(messaging.TranscriptEvent{
		CallID:    s.id,
		ItemID:    itemID,
		EventType: messaging.EventBargeIn,
		PlayedMs:  playedMs,
	})
}

// handleDisconnect stops every owned component and queues finalize.
// Safe to call from any goroutine and more than once.
func (s *Session) handleDisconnect() {
	s.mutex.Lock()
	if s.state == StateDisconnecting || s.state == StateFinalized {
		s.mutex.Unlock()
		return
	}
	s.state = StateDisconnecting
	tail := s.tail
	bridge := s.bridge
	scheduler := s.scheduler
	port := s.port
	s.mutex.Unlock()

	s.logger.Info("Call disconnecting")
	s.stopOnce.Do(func() { close(s.stop) })

	if scheduler != nil {
		scheduler.Close()
	}
	if bridge != nil {
		bridge.Close()
	}
	if tail != nil {
		tail.Close()
	}

	s.queue.Enqueue(func() {
		if port != nil && port.Valid() {
			if err := port.StopRecording(); err != nil {
				s.logger.WithError(err).Debug("Stop recording on torn-down media")
			}
		}
		s.finalize()
	})
}

// terminate asks the engine to end the call; the resulting disconnect
// event drives the normal teardown path
func (s *Session) terminate() {
	call := s.call
	s.queue.Enqueue(func() {
		if !call.Valid() {
			return
		}
		if err := call.Hangup(500); err != nil {
			s.logger.WithError(err).Debug("Hangup failed on torn-down call")
		}
	})
}

// finalize releases the engine handle and removes the session from the
// registry. Runs on the reactor; idempotent.
func (s *Session) finalize() {
	s.mutex.Lock()
	if s.finalized {
		s.mutex.Unlock()
		return
	}
	s.finalized = true
	s.state = StateFinalized
	s.mutex.Unlock()

	if s.call.Valid() {
		if err := s.call.Hangup(200); err != nil {
			s.logger.WithError(err).Debug("Hangup failed during finalize")
		}
	}

	s.registry.remove(s)
	metrics.ObserveCallDuration(time.Since(s.startedAt))
	s.logger.WithField("duration", time.Since(s.startedAt).Round(time.Millisecond)).Info("Call finalized")
}

func (s *Session) publishTranscript(event messaging.TranscriptEvent) {
	if s.registry.publisher == nil {
		return
	}
	if err := s.registry.publisher.Publish(event); err != nil {
		s.logger.WithError(err).Warn("Failed to publish transcript event")
	}
}

func (s *Session) setState(state State) {
	s.mutex.Lock()
	prev := s.state
	s.state = state
	s.mutex.Unlock()
	s.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   state.String(),
	}).Debug("Session state change")
}
