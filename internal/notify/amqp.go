package notify

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/pkg/debug"
	"github.com/streadway/amqp"
)

// AMQPSink publishes triggers to a fanout exchange. Publishing is
// fire-and-forget; a broken channel is re-dialed on the next trigger.
type AMQPSink struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPSink creates an AMQP sink; the connection is established
// lazily on first publish.
func NewAMQPSink(url, exchange string) *AMQPSink {
	return &AMQPSink{url: url, exchange: exchange}
}

// Notify implements Notifier.
func (s *AMQPSink) Notify(trigger models.Trigger) {
	body, err := json.Marshal(trigger)
	if err != nil {
		debug.Error("Failed to encode AMQP trigger: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureChannel(); err != nil {
		debug.Warning("AMQP publish skipped, no channel: %v", err)
		return
	}

	err = s.channel.Publish(
		s.exchange,
		trigger.Kind, // routing key, ignored by fanout but useful for topic exchanges
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		debug.Warning("AMQP publish failed: %v", err)
		s.teardown()
	}
}

// Close shuts down the connection.
func (s *AMQPSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown()
}

func (s *AMQPSink) ensureChannel() error {
	if s.channel != nil {
		return nil
	}

	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		s.exchange,
		"fanout",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	s.conn = conn
	s.channel = channel
	debug.Info("AMQP event sink connected to %s (exchange=%s)", s.url, s.exchange)
	return nil
}

func (s *AMQPSink) teardown() {
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
