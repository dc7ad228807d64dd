package session

import (
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/messaging"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/realtime"
	"voicebridge-server/pkg/telephony"
)

// Rejection status codes
const (
	statusForbidden = 403
	statusBusyHere  = 486
)

var (
	phonePattern  = regexp.MustCompile(`sip:([^@>]+)@`)
	nonDigitsOnly = regexp.MustCompile(`\D`)
)

// AIBridge is the slice of the realtime bridge a session drives. Tests
// substitute it through the registry's BridgeFactory.
type AIBridge interface {
	SendAudio(pcm []byte) error
	Truncate(itemID string, playedMs int) error
	Close()
}

// BridgeFactory opens the duplex AI session for one call
type BridgeFactory func(callID string, inputSampleRate int, callbacks realtime.Callbacks) (AIBridge, error)

// Registry owns every live session, keyed by call id, with a secondary
// index by caller identity for the busy guard. Sessions hold the registry
// only to remove themselves on finalize; there is no back-pointer cycle
// to break at teardown.
type Registry struct {
	logger    *logrus.Logger
	config    *config.Config
	queue     *telephony.CommandQueue
	publisher *messaging.Publisher
	dial      BridgeFactory

	mutex    sync.Mutex
	byCallID map[string]*Session
	byCaller map[string]string
}

// NewRegistry creates the active-call registry. It implements
// telephony.CallEventListener and is installed on the engine by the app.
// dial may be nil, in which case the configured realtime endpoint is used.
func NewRegistry(logger *logrus.Logger, cfg *config.Config, queue *telephony.CommandQueue, publisher *messaging.Publisher, dial BridgeFactory) *Registry {
	r := &Registry{
		logger:    logger,
		config:    cfg,
		queue:     queue,
		publisher: publisher,
		dial:      dial,
		byCallID:  make(map[string]*Session),
		byCaller:  make(map[string]string),
	}
	if r.dial == nil {
		r.dial = r.dialRealtime
	}
	return r
}

// OnIncoming applies the admission policy and either opens a session or
// rejects the call without ever starting media
func (r *Registry) OnIncoming(call telephony.CallHandle) {
	defer r.recoverEvent(call, "incoming")

	remote := call.RemoteURI()
	log := r.logger.WithFields(logrus.Fields{
		"call_id": call.ID(),
		"remote":  remote,
	})
	log.Info("Incoming call")

	for _, blocked := range r.config.Policy.BlockedSubstrings {
		if blocked != "" && strings.Contains(strings.ToLower(remote), strings.ToLower(blocked)) {
			log.WithField("matched", blocked).Warn("Rejecting blocked caller")
			r.reject(call, statusForbidden, "rejected_blocked")
			return
		}
	}

	match := phonePattern.FindStringSubmatch(remote)
	if match == nil {
		log.Warn("Rejecting call with unparseable caller identity")
		r.reject(call, statusForbidden, "rejected_malformed")
		return
	}
	digits := nonDigitsOnly.ReplaceAllString(match[1], "")
	if len(digits) != r.config.Policy.CallerDigits {
		log.WithField("digits", digits).Warn("Rejecting out-of-region caller")
		r.reject(call, statusForbidden, "rejected_region")
		return
	}

	r.mutex.Lock()
	if holder, busy := r.byCaller[digits]; busy {
		r.mutex.Unlock()
		log.WithField("holder_call_id", holder).Warn("Caller already mid-processing, rejecting as busy")
		r.reject(call, statusBusyHere, "rejected_busy")
		return
	}

	session := newSession(r, call, digits)
	r.byCallID[call.ID()] = session
	r.byCaller[digits] = call.ID()
	active := len(r.byCallID)
	r.mutex.Unlock()

	metrics.IncCallsTotal("accepted")
	metrics.SetActiveCalls(active)
	session.begin()
}

// OnStateChange routes engine lifecycle transitions to the owning session
func (r *Registry) OnStateChange(call telephony.CallHandle, state telephony.CallState) {
	defer r.recoverEvent(call, "state_change")

	session := r.lookup(call.ID())
	if session == nil {
		return
	}
	if state == telephony.CallStateDisconnected {
		session.handleDisconnect()
	}
}

// OnMediaReady routes the media-active notification to the owning session
func (r *Registry) OnMediaReady(call telephony.CallHandle, port telephony.MediaPort) {
	defer r.recoverEvent(call, "media_ready")

	session := r.lookup(call.ID())
	if session == nil {
		return
	}
	session.handleMediaReady(port)
}

// Lookup returns the session for callID, or nil
func (r *Registry) Lookup(callID string) *Session {
	return r.lookup(callID)
}

// ActiveCount returns the number of live sessions
func (r *Registry) ActiveCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.byCallID)
}

// CloseAll tears down every live session, used at shutdown
func (r *Registry) CloseAll() {
	r.mutex.Lock()
	sessions := make([]*Session, 0, len(r.byCallID))
	for _, session := range r.byCallID {
		sessions = append(sessions, session)
	}
	r.mutex.Unlock()

	for _, session := range sessions {
		session.handleDisconnect()
	}
}

func (r *Registry) lookup(callID string) *Session {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.byCallID[callID]
}

// remove drops the session from both indexes; called once from finalize
func (r *Registry) remove(session *Session) {
	r.mutex.Lock()
	delete(r.byCallID, session.id)
	if holder, exists := r.byCaller[session.caller]; exists && holder == session.id {
		delete(r.byCaller, session.caller)
	}
	active := len(r.byCallID)
	r.mutex.Unlock()
	metrics.SetActiveCalls(active)
}

func (r *Registry) reject(call telephony.CallHandle, statusCode int, outcome string) {
	metrics.IncCallsTotal(outcome)
	r.queue.Enqueue(func() {
		if !call.Valid() {
			return
		}
		if err := call.Hangup(statusCode); err != nil {
			r.logger.WithError(err).WithField("call_id", call.ID()).Debug("Reject failed on torn-down call")
		}
	})
}

func (r *Registry) dialRealtime(callID string, inputSampleRate int, callbacks realtime.Callbacks) (AIBridge, error) {
	return realtime.Dial(r.logger, callID, realtime.Config{
		URL:             r.config.Realtime.URL,
		Model:           r.config.Realtime.Model,
		APIKey:          r.config.Realtime.APIKey,
		Voice:           r.config.Realtime.Voice,
		Eagerness:       r.config.Realtime.Eagerness,
		Instructions:    r.config.Realtime.Instructions,
		InputSampleRate: inputSampleRate,
		ConnectTimeout:  r.config.Realtime.ConnectTimeout,
	}, callbacks)
}

// recoverEvent keeps a fault in one call's event handling from taking the
// process down; the session is pushed toward teardown instead
func (r *Registry) recoverEvent(call telephony.CallHandle, event string) {
	if rec := recover(); rec != nil {
		r.logger.WithFields(logrus.Fields{
			"call_id": call.ID(),
			"event":   event,
			"panic":   rec,
		}).Error("Recovered from panic while servicing call event")
		if session := r.lookup(call.ID()); session != nil {
			session.handleDisconnect()
		}
	}
}
