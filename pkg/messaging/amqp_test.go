package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherDisabledWithoutConfig(t *testing.T) {
	publisher := NewPublisher(logrus.New(), "", "")

	require.NoError(t, publisher.Connect(), "Missing configuration disables publishing, it is not an error")
	assert.False(t, publisher.Enabled())

	// Publishing while disabled is a silent no-op
	assert.NoError(t, publisher.Publish(TranscriptEvent{
		CallID:    "call-1",
		EventType: EventTurnComplete,
	}))

	publisher.Close()
	publisher.Close()
}

func TestPublisherDisabledWithPartialConfig(t *testing.T) {
	publisher := NewPublisher(logrus.New(), "amqp://localhost:5672", "")
	require.NoError(t, publisher.Connect())
	assert.False(t, publisher.Enabled())
}

func TestTranscriptEventSerialization(t *testing.T) {
	event := TranscriptEvent{
		CallID:    "call-1",
		ItemID:    "item-9",
		EventType: EventBargeIn,
		PlayedMs:  340,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	body, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "call-1", decoded["call_id"])
	assert.Equal(t, "item-9", decoded["item_id"])
	assert.Equal(t, "barge_in", decoded["event_type"])
	assert.Equal(t, float64(340), decoded["played_ms"])
	assert.NotContains(t, decoded, "text", "Empty optional fields stay off the wire")
}
