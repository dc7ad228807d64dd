package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"voicebridge-server/pkg/metrics"
)

// Transcript event types
const (
	EventTextDelta    = "text_delta"
	EventTurnComplete = "turn_complete"
	EventBargeIn      = "barge_in"
)

// TranscriptEvent is one realtime transcript notification for downstream
// consumers
type TranscriptEvent struct {
	CallID    string    `json:"call_id"`
	ItemID    string    `json:"item_id,omitempty"`
	EventType string    `json:"event_type"`
	Text      string    `json:"text,omitempty"`
	PlayedMs  int       `json:"played_ms,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes realtime transcript events to an AMQP queue. When
// no URL is configured it stays disabled and every publish is a cheap
// no-op, so callers never need to special-case it.
type Publisher struct {
	logger    *logrus.Logger
	url       string
	queueName string

	connMutex sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
}

// NewPublisher creates a new AMQP transcript publisher
func NewPublisher(logger *logrus.Logger, url, queueName string) *Publisher {
	return &Publisher{
		logger:    logger,
		url:       url,
		queueName: queueName,
	}
}

// Connect establishes the AMQP connection and declares the queue. With an
// empty URL or queue name the publisher stays disabled.
func (p *Publisher) Connect() error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.connected {
		return nil
	}
	if p.url == "" || p.queueName == "" {
		p.logger.Warn("AMQP_URL or AMQP_QUEUE_NAME not set, transcript publishing disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	dialChan := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.Dial(p.url)
		select {
		case dialChan <- dialResult{conn, err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()

	var conn *amqp.Connection
	select {
	case result := <-dialChan:
		if result.err != nil {
			return fmt.Errorf("failed to connect to AMQP: %w", result.err)
		}
		conn = result.conn
	case <-ctx.Done():
		return fmt.Errorf("AMQP connection timed out")
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if _, err := channel.QueueDeclare(
		p.queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare AMQP queue: %w", err)
	}

	p.conn = conn
	p.channel = channel
	p.connected = true
	p.logger.WithField("queue", p.queueName).Info("AMQP transcript publisher connected")
	return nil
}

// Enabled reports whether events will actually be published
func (p *Publisher) Enabled() bool {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	return p.connected
}

// Publish sends one transcript event. Failures are logged and returned
// but are never fatal to the call that produced the event.
func (p *Publisher) Publish(event TranscriptEvent) error {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()

	if !p.connected {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript event: %w", err)
	}

	if err := p.channel.Publish(
		"",          // default exchange
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
			Body:         body,
		},
	); err != nil {
		return fmt.Errorf("failed to publish transcript event: %w", err)
	}

	metrics.IncTranscriptsPublished()
	return nil
}

// Close shuts the publisher down. Idempotent.
func (p *Publisher) Close() {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if !p.connected {
		return
	}
	p.connected = false
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.logger.Info("AMQP transcript publisher closed")
}
