package realtime

// Client → endpoint event types
const (
	eventSessionUpdate = "session.update"
	eventAudioAppend   = "input_audio_buffer.append"
	eventItemTruncate  = "conversation.item.truncate"
)

// Endpoint → client event types. The endpoint has shipped both the
// "output_audio" and the older "audio" spellings; both are accepted.
const (
	eventAudioDelta       = "response.output_audio.delta"
	eventAudioDeltaLegacy = "response.audio.delta"
	eventAudioDone        = "response.output_audio.done"
	eventResponseDone     = "response.done"
	eventResponseComplete = "response.completed"
	eventTextDelta        = "response.output_text.delta"
	eventTextDeltaLegacy  = "response.text.delta"
	eventTranscriptDelta  = "response.output_audio_transcript.delta"
	eventSpeechStarted    = "input_audio_buffer.speech_started"
	eventError            = "error"
)

// sessionUpdateEvent declares the audio formats, turn detection and
// behavioral instructions for the realtime session
type sessionUpdateEvent struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Type             string       `json:"type"`
	Model            string       `json:"model"`
	OutputModalities []string     `json:"output_modalities"`
	Audio            audioPayload `json:"audio"`
	Instructions     string       `json:"instructions,omitempty"`
}

type audioPayload struct {
	Input  audioInput  `json:"input"`
	Output audioOutput `json:"output"`
}

type audioInput struct {
	Format        audioFormat    `json:"format"`
	TurnDetection *turnDetection `json:"turn_detection,omitempty"`
}

type audioOutput struct {
	Format audioFormat `json:"format"`
	Voice  string      `json:"voice,omitempty"`
	Speed  float64     `json:"speed,omitempty"`
}

type audioFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate,omitempty"`
}

type turnDetection struct {
	Type              string `json:"type"`
	Eagerness         string `json:"eagerness,omitempty"`
	CreateResponse    bool   `json:"create_response"`
	InterruptResponse bool   `json:"interrupt_response"`
}

// audioAppendEvent carries one base64-encoded ingress frame
type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// truncateEvent tells the endpoint how much of a reply was actually heard
type truncateEvent struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

// serverEvent is the superset of inbound event fields the bridge cares
// about; unknown fields are ignored
type serverEvent struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
	Audio      string `json:"audio"`
	Rate       int    `json:"rate"`
	SampleRate int    `json:"sample_rate"`
	Error      struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
