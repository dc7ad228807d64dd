package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/metrics"
)

// defaultOutputRate is the µ-law output rate unless the endpoint declares
// another one on a delta
const defaultOutputRate = 8000

// Config holds the realtime endpoint settings for one bridge
type Config struct {
	URL             string
	Model           string
	APIKey          string
	Voice           string
	Eagerness       string
	Instructions    string
	InputSampleRate int
	ConnectTimeout  time.Duration
}

// Callbacks receive inbound endpoint events. All of them are invoked from
// the bridge's receive goroutine and must not block on engine calls; nil
// callbacks are skipped.
type Callbacks struct {
	// OnAudioDelta delivers one decoded µ-law audio delta for the reply
	// identified by itemID, forwarded as soon as it arrives.
	OnAudioDelta func(itemID string, payload []byte, sampleRate int)
	// OnTurnComplete signals that no more audio will arrive for the reply.
	// itemID may be empty when the endpoint omits it on the closing event.
	OnTurnComplete func(itemID string)
	// OnSpeechStarted signals the caller began talking (barge-in).
	OnSpeechStarted func()
	// OnTextDelta delivers transcript text deltas; not audio-critical.
	OnTextDelta func(itemID, text string)
}

// Bridge maintains one duplex websocket session to the AI voice endpoint
// for one call. Writes are serialized by a mutex; a single receive
// goroutine parses inbound events and fans them out to the callbacks.
type Bridge struct {
	logger    *logrus.Entry
	config    Config
	callbacks Callbacks
	conn      *websocket.Conn

	writeMutex sync.Mutex
	closeOnce  sync.Once
	done       chan struct{}
}

// Dial connects to the endpoint, configures the session and starts the
// receive loop. The connect is bounded by config.ConnectTimeout so a
// stalled endpoint cannot hang the call.
func Dial(logger *logrus.Logger, callID string, config Config, callbacks Callbacks) (*Bridge, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("realtime API key is not set")
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	wsURL, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	query := wsURL.Query()
	query.Set("model", config.Model)
	wsURL.RawQuery = query.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+config.APIKey)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), headers)
	if err != nil {
		metrics.IncRealtimeConnectErrors()
		return nil, fmt.Errorf("failed to dial realtime endpoint: %w", err)
	}

	b := &Bridge{
		logger:    logger.WithField("call_id", callID),
		config:    config,
		callbacks: callbacks,
		conn:      conn,
		done:      make(chan struct{}),
	}

	if err := b.sendSessionUpdate(); err != nil {
		conn.Close()
		return nil, err
	}

	go b.readLoop()

	b.logger.WithField("model", config.Model).Info("Realtime session established")
	return b, nil
}

// SendAudio forwards one ingress PCM frame as a base64 append event
func (b *Bridge) SendAudio(pcm []byte) error {
	return b.writeJSON(audioAppendEvent{
		Type:  eventAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Truncate tells the endpoint how many milliseconds of the reply item the
// caller actually heard before interrupting, so the conversation record
// matches reality.
func (b *Bridge) Truncate(itemID string, playedMs int) error {
	if itemID == "" {
		return fmt.Errorf("truncate requires an item id")
	}
	b.logger.WithFields(logrus.Fields{
		"item_id":   itemID,
		"played_ms": playedMs,
	}).Debug("Truncating reply")
	return b.writeJSON(truncateEvent{
		Type:       eventItemTruncate,
		ItemID:     itemID,
		AudioEndMs: playedMs,
	})
}

// Close shuts the session down. Idempotent, safe from any goroutine, and
// never waits on the receive loop.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.writeMutex.Lock()
		_ = b.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		b.writeMutex.Unlock()
		_ = b.conn.Close()
	})
}

func (b *Bridge) sendSessionUpdate() error {
	event := sessionUpdateEvent{
		Type: eventSessionUpdate,
		Session: sessionPayload{
			Type:             "realtime",
			Model:            b.config.Model,
			OutputModalities: []string{"audio"},
			Audio: audioPayload{
				Input: audioInput{
					Format: audioFormat{Type: "audio/pcm", Rate: b.config.InputSampleRate},
					TurnDetection: &turnDetection{
						Type:              "semantic_vad",
						Eagerness:         b.config.Eagerness,
						CreateResponse:    true,
						InterruptResponse: true,
					},
				},
				Output: audioOutput{
					Format: audioFormat{Type: "audio/pcmu"},
					Voice:  b.config.Voice,
					Speed:  1,
				},
			},
			Instructions: b.config.Instructions,
		},
	}
	return b.writeJSON(event)
}

func (b *Bridge) writeJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	b.writeMutex.Lock()
	defer b.writeMutex.Unlock()

	select {
	case <-b.done:
		return fmt.Errorf("bridge is closed")
	default:
	}
	return b.conn.WriteMessage(websocket.TextMessage, payload)
}

func (b *Bridge) readLoop() {
	for {
		_, message, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case <-b.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					b.logger.WithError(err).Error("Realtime read error")
				}
			}
			return
		}

		var event serverEvent
		if err := json.Unmarshal(message, &event); err != nil {
			b.logger.WithError(err).Warn("Ignoring malformed realtime event")
			continue
		}
		b.handleEvent(&event)
	}
}

func (b *Bridge) handleEvent(event *serverEvent) {
	switch event.Type {
	case eventAudioDelta, eventAudioDeltaLegacy:
		encoded := event.Delta
		if encoded == "" {
			encoded = event.Audio
		}
		if encoded == "" {
			return
		}
		payload, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			b.logger.WithError(err).Warn("Ignoring undecodable audio delta")
			return
		}
		rate := event.Rate
		if rate == 0 {
			rate = event.SampleRate
		}
		if rate == 0 {
			rate = defaultOutputRate
		}
		metrics.AddRealtimeAudioBytes(len(payload))
		if b.callbacks.OnAudioDelta != nil {
			b.callbacks.OnAudioDelta(event.ItemID, payload, rate)
		}

	case eventAudioDone, eventResponseDone, eventResponseComplete:
		if b.callbacks.OnTurnComplete != nil {
			b.callbacks.OnTurnComplete(event.ItemID)
		}

	case eventTextDelta, eventTextDeltaLegacy, eventTranscriptDelta:
		if event.Delta != "" && b.callbacks.OnTextDelta != nil {
			b.callbacks.OnTextDelta(event.ItemID, event.Delta)
		}

	case eventSpeechStarted:
		b.logger.Debug("Caller speech started")
		if b.callbacks.OnSpeechStarted != nil {
			b.callbacks.OnSpeechStarted()
		}

	case eventError:
		b.logger.WithFields(logrus.Fields{
			"code":    event.Error.Code,
			"message": event.Error.Message,
		}).Error("Realtime endpoint error")

	default:
		b.logger.WithField("type", event.Type).Debug("Unhandled realtime event")
	}
}
