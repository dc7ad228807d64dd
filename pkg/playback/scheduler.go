package playback

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/audio"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/telephony"
)

// Config holds the scheduler tunables, fixed at construction time
type Config struct {
	SegmentDuration time.Duration
	JitterThreshold time.Duration
	OverlapLead     time.Duration
	SegmentDir      string
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		SegmentDuration: 200 * time.Millisecond,
		JitterThreshold: 100 * time.Millisecond,
		OverlapLead:     10 * time.Millisecond,
		SegmentDir:      os.TempDir(),
	}
}

// SegmentState tracks one segment through its lifecycle. The overlap
// timer and the engine's end-of-file notification race to advance the
// active segment; whichever fires first wins and the loser finds the
// state already moved on.
type SegmentState int

const (
	// SegmentQueued is a written segment waiting its turn
	SegmentQueued SegmentState = iota
	// SegmentPreloaded has its file pre-opened on the engine, not audible
	SegmentPreloaded
	// SegmentActive is currently audible
	SegmentActive
	// SegmentRetired finished or was discarded; its file is gone
	SegmentRetired
)

// Segment is one fixed-duration unit of outbound audio, owned by the
// scheduler from creation until its file is deleted
type Segment struct {
	Path     string
	Duration time.Duration
	Seq      int

	state    SegmentState
	playback telephony.Playback
}

// Scheduler converts the irregular inbound audio stream of one AI reply
// into gap-free, interruptible playback on the telephony engine. One
// mutex guards all state; only the engine-touching steps (open, activate,
// stop) are marshaled through the command queue onto the reactor.
type Scheduler struct {
	logger *logrus.Entry
	config Config
	queue  *telephony.CommandQueue
	port   telephony.MediaPort
	callID string

	// now is the scheduler's clock; replaced in tests
	now func() time.Time

	mutex      sync.Mutex
	closed     bool
	generation uint64

	// Current response epoch
	epochOpen   bool
	itemID      string
	sampleRate  int
	receivedMs  float64
	queuedMs    float64
	pending     []byte
	turnDone    bool
	interrupted bool

	segments    []*Segment
	active      *Segment
	activeStart time.Time
	launching   bool
	gateOpen    bool
	seq         int
	timer       *time.Timer
}

// NewScheduler creates a scheduler for one call, bound to the call's
// media port
func NewScheduler(logger *logrus.Logger, callID string, config Config, queue *telephony.CommandQueue, port telephony.MediaPort) *Scheduler {
	if config.SegmentDuration <= 0 {
		config.SegmentDuration = 200 * time.Millisecond
	}
	return &Scheduler{
		logger: logger.WithField("call_id", callID),
		config: config,
		queue:  queue,
		port:   port,
		callID: callID,
		now:    time.Now,
	}
}

// PushAudio appends one inbound audio delta for the reply identified by
// itemID. A change of item id opens a new epoch: counters reset and any
// unplayed audio of the previous reply is abandoned. Safe from the
// bridge's receive goroutine.
func (s *Scheduler) PushAudio(itemID string, payload []byte, sampleRate int) {
	if len(payload) == 0 {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return
	}
	if !s.epochOpen || itemID != s.itemID {
		s.beginEpochLocked(itemID, sampleRate)
	} else if s.interrupted {
		// The caller already cut this reply off; late deltas are noise
		return
	}

	s.pending = append(s.pending, payload...)
	s.receivedMs += s.durationMs(len(payload))
	s.cutSegmentsLocked(false)
	s.maybeStartLocked()
}

// EndOfTurn signals that no more audio will arrive for the reply. An
// empty itemID refers to the current epoch; a stale id is ignored.
func (s *Scheduler) EndOfTurn(itemID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed || !s.epochOpen || s.interrupted {
		return
	}
	if itemID != "" && itemID != s.itemID {
		return
	}

	s.turnDone = true
	s.cutSegmentsLocked(true)
	s.maybeStartLocked()
}

// Interrupt handles barge-in: it stops and discards all playback for the
// current epoch and reports how many milliseconds of the reply the caller
// actually heard, as received − queued − remaining-in-active. When no
// segment is audible it is a no-op and ok is false. The elapsed-time part
// is wall-clock based and therefore best-effort telemetry.
func (s *Scheduler) Interrupt() (itemID string, playedMs int, ok bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed || s.active == nil {
		return "", 0, false
	}

	elapsed := s.now().Sub(s.activeStart)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := s.active.Duration - elapsed
	if remaining < 0 {
		remaining = 0
	}

	played := s.receivedMs - s.queuedMs - float64(remaining)/float64(time.Millisecond)
	if played < 0 {
		played = 0
	}
	if played > s.receivedMs {
		played = s.receivedMs
	}

	itemID = s.itemID
	playedMs = int(math.Round(played))
	s.interrupted = true

	s.logger.WithFields(logrus.Fields{
		"item_id":     itemID,
		"played_ms":   playedMs,
		"received_ms": int(math.Round(s.receivedMs)),
	}).Info("Barge-in, discarding reply audio")

	s.discardPlaybackLocked()
	metrics.IncBargeIns()
	return itemID, playedMs, true
}

// Close stops all playback and deletes every segment file. Idempotent and
// safe from any goroutine.
func (s *Scheduler) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.discardPlaybackLocked()
}

// QueuedDuration returns the total duration of written, unplayed segments
func (s *Scheduler) QueuedDuration() time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return time.Duration(s.queuedMs * float64(time.Millisecond))
}

// Playing reports whether a segment is currently audible
func (s *Scheduler) Playing() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.active != nil
}

// ItemID returns the current epoch's reply identifier
func (s *Scheduler) ItemID() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.itemID
}

func (s *Scheduler) beginEpochLocked(itemID string, sampleRate int) {
	if s.epochOpen {
		// The previous reply was never finished; treat it as abandoned
		s.logger.WithFields(logrus.Fields{
			"item_id":      itemID,
			"prev_item_id": s.itemID,
		}).Debug("New response epoch, abandoning previous")
		s.discardPlaybackLocked()
	}

	if sampleRate <= 0 {
		sampleRate = 8000
	}
	s.epochOpen = true
	s.itemID = itemID
	s.sampleRate = sampleRate
	s.receivedMs = 0
	s.queuedMs = 0
	s.pending = nil
	s.turnDone = false
	s.interrupted = false
	s.gateOpen = false
}

// cutSegmentsLocked slices the rolling buffer into full segments; with
// flush it also emits the remainder as a final short segment
func (s *Scheduler) cutSegmentsLocked(flush bool) {
	segmentBytes := s.segmentBytes()
	for len(s.pending) >= segmentBytes {
		s.emitSegmentLocked(s.pending[:segmentBytes])
		s.pending = s.pending[segmentBytes:]
	}
	if flush && len(s.pending) > 0 {
		s.emitSegmentLocked(s.pending)
		s.pending = nil
	}
}

func (s *Scheduler) emitSegmentLocked(data []byte) {
	s.seq++
	path := filepath.Join(s.config.SegmentDir, fmt.Sprintf("%s_seg_%06d.wav", s.callID, s.seq))

	if err := audio.WriteMuLawWAV(path, data, s.sampleRate); err != nil {
		// Transient I/O fault: this slice of the reply is skipped
		s.logger.WithError(err).Error("Failed to write playback segment")
		return
	}

	segment := &Segment{
		Path:     path,
		Duration: audio.MuLawDuration(len(data), s.sampleRate),
		Seq:      s.seq,
		state:    SegmentQueued,
	}
	s.segments = append(s.segments, segment)
	s.queuedMs += s.durationMs(len(data))
}

// maybeStartLocked opens the jitter gate: playback starts once enough
// audio is queued to absorb delivery irregularity, or as soon as the turn
// ended with anything at all queued
func (s *Scheduler) maybeStartLocked() {
	if s.active != nil || s.launching || len(s.segments) == 0 {
		return
	}
	jitterMs := float64(s.config.JitterThreshold) / float64(time.Millisecond)
	if !s.gateOpen && !s.turnDone && s.queuedMs < jitterMs {
		return
	}
	s.startNextLocked()
}

// startNextLocked schedules activation of the head segment on the
// reactor. The segment stays in the queue until the reactor actually
// starts it, so a purge in between still owns it.
func (s *Scheduler) startNextLocked() {
	if s.launching || len(s.segments) == 0 {
		return
	}
	s.launching = true
	s.gateOpen = true
	generation := s.generation
	s.queue.Enqueue(func() {
		s.activateHead(generation)
	})
}

// activateHead runs on the reactor: it opens the head segment if preload
// has not already, makes it audible, arms the overlap timer and preloads
// the following segment.
func (s *Scheduler) activateHead(generation uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.launching = false
	if s.closed || s.interrupted || generation != s.generation || len(s.segments) == 0 || s.active != nil {
		return
	}
	if !s.port.Valid() {
		// Torn-down media between scheduling and execution; expected race
		s.logger.Debug("Media port gone, skipping segment activation")
		return
	}

	segment := s.segments[0]
	if segment.playback == nil {
		playback, err := s.port.OpenPlayback(segment.Path, s.eofFunc(generation, segment))
		if err != nil {
			s.logger.WithError(err).WithField("segment", segment.Seq).Error("Failed to open playback")
			s.segments = s.segments[1:]
			s.queuedMs -= float64(segment.Duration) / float64(time.Millisecond)
			s.removeSegmentFile(segment)
			s.startNextLocked()
			return
		}
		segment.playback = playback
	}

	if err := segment.playback.Activate(); err != nil {
		s.logger.WithError(err).WithField("segment", segment.Seq).Error("Failed to activate playback")
		s.segments = s.segments[1:]
		s.queuedMs -= float64(segment.Duration) / float64(time.Millisecond)
		s.removeSegmentFile(segment)
		s.startNextLocked()
		return
	}

	s.segments = s.segments[1:]
	segment.state = SegmentActive
	s.active = segment
	s.activeStart = s.now()
	s.queuedMs -= float64(segment.Duration) / float64(time.Millisecond)
	metrics.IncSegmentsPlayed()

	s.armOverlapTimerLocked(generation, segment)
	s.preloadHeadLocked(generation)
}

// armOverlapTimerLocked schedules the early-activation trigger slightly
// before the active segment's expected end
func (s *Scheduler) armOverlapTimerLocked(generation uint64, segment *Segment) {
	lead := segment.Duration - s.config.OverlapLead
	if lead < 0 {
		lead = 0
	}
	s.cancelTimerLocked()
	s.timer = time.AfterFunc(lead, func() {
		s.advance(generation, segment)
	})
}

// preloadHeadLocked pre-opens the next queued segment on the engine so
// activation later is free of file-open latency
func (s *Scheduler) preloadHeadLocked(generation uint64) {
	if len(s.segments) == 0 {
		return
	}
	segment := s.segments[0]
	if segment.playback != nil || segment.state != SegmentQueued {
		return
	}
	segment.state = SegmentPreloaded
	s.queue.Enqueue(func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		if s.closed || generation != s.generation || segment.state != SegmentPreloaded || segment.playback != nil {
			return
		}
		if !s.port.Valid() {
			return
		}
		playback, err := s.port.OpenPlayback(segment.Path, s.eofFunc(generation, segment))
		if err != nil {
			s.logger.WithError(err).WithField("segment", segment.Seq).Warn("Failed to preload segment")
			segment.state = SegmentQueued
			return
		}
		segment.playback = playback
	})
}

func (s *Scheduler) eofFunc(generation uint64, segment *Segment) func() {
	return func() {
		s.advance(generation, segment)
	}
}

// advance retires segment and starts whatever is next. It is invoked by
// both the overlap timer and the engine's end-of-file notification; the
// state check makes the second arrival a no-op.
func (s *Scheduler) advance(generation uint64, segment *Segment) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed || generation != s.generation {
		return
	}
	if s.active != segment || segment.state != SegmentActive {
		return
	}

	segment.state = SegmentRetired
	s.active = nil
	s.cancelTimerLocked()

	// Activation of the next segment is queued before the stop of the
	// finished one so the drain order keeps the transition gap-free
	if len(s.segments) > 0 {
		s.startNextLocked()
	}

	playback := segment.playback
	s.queue.Enqueue(func() {
		if playback != nil {
			_ = playback.Stop()
		}
	})
	s.removeSegmentFile(segment)
}

// discardPlaybackLocked stops the active and preloaded playback, clears
// the queue and deletes every owned file
func (s *Scheduler) discardPlaybackLocked() {
	s.cancelTimerLocked()
	s.generation++

	dropped := 0
	stops := make([]telephony.Playback, 0, len(s.segments)+1)
	if s.active != nil {
		s.active.state = SegmentRetired
		if s.active.playback != nil {
			stops = append(stops, s.active.playback)
		}
		s.removeSegmentFile(s.active)
		s.active = nil
	}
	for _, segment := range s.segments {
		segment.state = SegmentRetired
		if segment.playback != nil {
			stops = append(stops, segment.playback)
		}
		s.removeSegmentFile(segment)
		dropped++
	}
	s.segments = nil
	s.queuedMs = 0
	s.pending = nil
	s.launching = false

	if len(stops) > 0 {
		s.queue.Enqueue(func() {
			for _, playback := range stops {
				_ = playback.Stop()
			}
		})
	}
	metrics.AddSegmentsDropped(dropped)
}

func (s *Scheduler) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) removeSegmentFile(segment *Segment) {
	if err := os.Remove(segment.Path); err != nil && !os.IsNotExist(err) {
		s.logger.WithError(err).WithField("path", segment.Path).Warn("Failed to remove segment file")
	}
}

func (s *Scheduler) segmentBytes() int {
	n := int(float64(s.sampleRate) * s.config.SegmentDuration.Seconds())
	if n < 1 {
		n = 1
	}
	return n
}

func (s *Scheduler) durationMs(bytes int) float64 {
	if s.sampleRate <= 0 {
		return 0
	}
	return float64(bytes) * 1000.0 / float64(s.sampleRate)
}
