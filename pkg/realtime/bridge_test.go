package realtime

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsFixture is a fake realtime endpoint: it records the client's messages
// and lets tests push server events down the socket
type wsFixture struct {
	server  *httptest.Server
	inbound chan map[string]interface{}

	mutex sync.Mutex
	auth  string
	model string
	conn  *websocket.Conn
	ready chan struct{}
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	f := &wsFixture{
		inbound: make(chan map[string]interface{}, 32),
		ready:   make(chan struct{}),
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mutex.Lock()
		f.auth = r.Header.Get("Authorization")
		f.model = r.URL.Query().Get("model")
		f.mutex.Unlock()

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mutex.Lock()
		f.conn = conn
		f.mutex.Unlock()
		close(f.ready)

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var decoded map[string]interface{}
			if json.Unmarshal(message, &decoded) == nil {
				f.inbound <- decoded
			}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *wsFixture) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

// send pushes one raw server event to the connected client
func (f *wsFixture) send(t *testing.T, raw string) {
	t.Helper()
	select {
	case <-f.ready:
	case <-time.After(time.Second):
		t.Fatal("no client connected")
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	require.NoError(t, f.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (f *wsFixture) next(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case event := <-f.inbound:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
		return nil
	}
}

func testBridgeConfig(url string) Config {
	return Config{
		URL:             url,
		Model:           "gpt-realtime",
		APIKey:          "test-key",
		Voice:           "cedar",
		Eagerness:       "high",
		Instructions:    "Keep it short.",
		InputSampleRate: 8000,
		ConnectTimeout:  2 * time.Second,
	}
}

func dialTestBridge(t *testing.T, fixture *wsFixture, callbacks Callbacks) *Bridge {
	t.Helper()
	bridge, err := Dial(logrus.New(), "call-1", testBridgeConfig(fixture.url()), callbacks)
	require.NoError(t, err)
	t.Cleanup(bridge.Close)
	return bridge
}

func TestDialRequiresAPIKey(t *testing.T) {
	config := testBridgeConfig("ws://127.0.0.1:1")
	config.APIKey = ""
	_, err := Dial(logrus.New(), "call-1", config, Callbacks{})
	assert.Error(t, err)
}

func TestDialConfiguresSession(t *testing.T) {
	fixture := newWSFixture(t)
	dialTestBridge(t, fixture, Callbacks{})

	event := fixture.next(t)
	require.Equal(t, "session.update", event["type"])

	fixture.mutex.Lock()
	assert.Equal(t, "Bearer test-key", fixture.auth)
	assert.Equal(t, "gpt-realtime", fixture.model)
	fixture.mutex.Unlock()

	session := event["session"].(map[string]interface{})
	assert.Equal(t, "realtime", session["type"])
	assert.Equal(t, "Keep it short.", session["instructions"])

	audio := session["audio"].(map[string]interface{})
	input := audio["input"].(map[string]interface{})
	inputFormat := input["format"].(map[string]interface{})
	assert.Equal(t, "audio/pcm", inputFormat["type"], "Input format must match the recording")
	assert.Equal(t, float64(8000), inputFormat["rate"])

	vad := input["turn_detection"].(map[string]interface{})
	assert.Equal(t, "semantic_vad", vad["type"])
	assert.Equal(t, "high", vad["eagerness"])
	assert.Equal(t, true, vad["create_response"])
	assert.Equal(t, true, vad["interrupt_response"])

	output := audio["output"].(map[string]interface{})
	outputFormat := output["format"].(map[string]interface{})
	assert.Equal(t, "audio/pcmu", outputFormat["type"], "Replies must come back telephone-ready")
	assert.Equal(t, "cedar", output["voice"])
}

func TestSendAudioEncodesFrame(t *testing.T) {
	fixture := newWSFixture(t)
	bridge := dialTestBridge(t, fixture, Callbacks{})
	fixture.next(t) // session.update

	frame := []byte{0x01, 0x02, 0x03, 0xFF}
	require.NoError(t, bridge.SendAudio(frame))

	event := fixture.next(t)
	assert.Equal(t, "input_audio_buffer.append", event["type"])
	decoded, err := base64.StdEncoding.DecodeString(event["audio"].(string))
	require.NoError(t, err)
	assert.Equal(t, frame, decoded)
}

func TestTruncateSendsHeardMilliseconds(t *testing.T) {
	fixture := newWSFixture(t)
	bridge := dialTestBridge(t, fixture, Callbacks{})
	fixture.next(t) // session.update

	require.NoError(t, bridge.Truncate("item-42", 730))

	event := fixture.next(t)
	assert.Equal(t, "conversation.item.truncate", event["type"])
	assert.Equal(t, "item-42", event["item_id"])
	assert.Equal(t, float64(730), event["audio_end_ms"])

	assert.Error(t, bridge.Truncate("", 10), "Truncate without an item id is invalid")
}

func TestInboundEventsFanOut(t *testing.T) {
	fixture := newWSFixture(t)

	type delta struct {
		itemID string
		data   []byte
		rate   int
	}
	deltas := make(chan delta, 4)
	turns := make(chan string, 4)
	speech := make(chan struct{}, 4)
	texts := make(chan string, 4)

	dialTestBridge(t, fixture, Callbacks{
		OnAudioDelta:    func(itemID string, payload []byte, rate int) { deltas <- delta{itemID, payload, rate} },
		OnTurnComplete:  func(itemID string) { turns <- itemID },
		OnSpeechStarted: func() { speech <- struct{}{} },
		OnTextDelta:     func(_, text string) { texts <- text },
	})
	fixture.next(t) // session.update

	payload := []byte{0x7F, 0x00, 0x55}
	encoded := base64.StdEncoding.EncodeToString(payload)

	fixture.send(t, `{"type":"response.output_audio.delta","item_id":"item-1","delta":"`+encoded+`"}`)
	select {
	case d := <-deltas:
		assert.Equal(t, "item-1", d.itemID)
		assert.Equal(t, payload, d.data)
		assert.Equal(t, 8000, d.rate, "Missing rate falls back to telephone rate")
	case <-time.After(2 * time.Second):
		t.Fatal("audio delta never arrived")
	}

	// The older event spelling is accepted too
	fixture.send(t, `{"type":"response.audio.delta","item_id":"item-1","audio":"`+encoded+`"}`)
	select {
	case d := <-deltas:
		assert.Equal(t, payload, d.data)
	case <-time.After(2 * time.Second):
		t.Fatal("legacy audio delta never arrived")
	}

	fixture.send(t, `{"type":"input_audio_buffer.speech_started"}`)
	select {
	case <-speech:
	case <-time.After(2 * time.Second):
		t.Fatal("speech-started never arrived")
	}

	fixture.send(t, `{"type":"response.output_audio.done","item_id":"item-1"}`)
	select {
	case itemID := <-turns:
		assert.Equal(t, "item-1", itemID)
	case <-time.After(2 * time.Second):
		t.Fatal("turn completion never arrived")
	}

	fixture.send(t, `{"type":"response.output_text.delta","item_id":"item-1","delta":"hello"}`)
	select {
	case text := <-texts:
		assert.Equal(t, "hello", text)
	case <-time.After(2 * time.Second):
		t.Fatal("text delta never arrived")
	}
}

func TestMalformedEventIsSkipped(t *testing.T) {
	fixture := newWSFixture(t)
	deltas := make(chan []byte, 4)
	dialTestBridge(t, fixture, Callbacks{
		OnAudioDelta: func(_ string, payload []byte, _ int) { deltas <- payload },
	})
	fixture.next(t) // session.update

	fixture.send(t, `this is not json`)
	fixture.send(t, `{"type":"response.output_audio.delta","item_id":"i","delta":"%%%not-base64%%%"}`)
	fixture.send(t, `{"type":"response.output_audio.delta","item_id":"i","delta":"`+
		base64.StdEncoding.EncodeToString([]byte{0xAA})+`"}`)

	select {
	case payload := <-deltas:
		// Neither the garbage line nor the undecodable delta kills the loop
		assert.Equal(t, []byte{0xAA}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop died on malformed input")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fixture := newWSFixture(t)
	bridge := dialTestBridge(t, fixture, Callbacks{})
	fixture.next(t) // session.update

	bridge.Close()
	bridge.Close()

	assert.Error(t, bridge.SendAudio([]byte{0x01}), "Writes after close must fail fast")
}
