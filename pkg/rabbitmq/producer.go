/**
 * @description
 * This package provides a simple producer for publishing messages to RabbitMQ.
 * It encapsulates the logic for connecting to RabbitMQ and publishing a message
 * to a specific exchange and routing key.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - github.com/sirupsen/logrus: Structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishRaw(ctx context.Context, exchange, routingKey string, body []byte) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	log     *logrus.Entry
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct {
	Log logrus.FieldLogger
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return p.PublishRaw(ctx, exchange, routingKey, nil)
}

func (p *EventProducerFallback) PublishRaw(ctx context.Context, exchange, routingKey string, body []byte) error {
	logger := p.Log
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"component":   "rabbitmq_producer",
		"mode":        "fallback",
		"exchange":    exchange,
		"routing_key": routingKey,
	}).Warn("publish skipped")
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string, logger logrus.FieldLogger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, log: logger.WithField("component", "rabbitmq_producer")}, nil
}

// Publish marshals body as JSON and sends it to exchange with routingKey.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		p.log.WithFields(logrus.Fields{"exchange": exchange, "routing_key": routingKey}).WithError(err).Error("json marshal failed")
		return err
	}
	return p.PublishRaw(ctx, exchange, routingKey, jsonBody)
}

// PublishRaw sends an already-encoded JSON body. The channel is reopened once on failure.
func (p *EventProducer) PublishRaw(ctx context.Context, exchange, routingKey string, body []byte) error {
	fields := logrus.Fields{"exchange": exchange, "routing_key": routingKey}

	if err := p.declareExchange(exchange); err != nil {
		p.log.WithFields(fields).WithError(err).Warn("exchange declare failed; reopening channel")
		if reopenErr := p.reopen(exchange); reopenErr != nil {
			return reopenErr
		}
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	err := p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}

	p.log.WithFields(fields).WithError(err).Warn("publish failed; reopening channel")
	if reopenErr := p.reopen(exchange); reopenErr != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

func (p *EventProducer) declareExchange(exchange string) error {
	return p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	)
}

func (p *EventProducer) reopen(exchange string) error {
	if p.conn == nil {
		return errors.New("rabbitmq connection unavailable")
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	return p.declareExchange(exchange)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// Dialer returns a function that opens a fresh EventProducer on each call.
func Dialer(amqpURL string, logger logrus.FieldLogger) func() (Publisher, error) {
	return func() (Publisher, error) {
		p, err := NewEventProducer(amqpURL, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
