package app

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/pkg/rabbitmq"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// OutboxStore is the repository slice the dispatcher needs.
type OutboxStore interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// OutboxDispatcher relays committed outbox rows to RabbitMQ. The broker connection
// is opened lazily and dropped after any publish failure.
type OutboxDispatcher struct {
	repo                OutboxStore
	connect             func() (rabbitmq.Publisher, error)
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	producer            rabbitmq.Publisher
	metrics             *Metrics
	log                 *logrus.Entry
}

func NewOutboxDispatcher(repo OutboxStore, connect func() (rabbitmq.Publisher, error), logger logrus.FieldLogger) *OutboxDispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &OutboxDispatcher{
		repo:                repo,
		connect:             connect,
		batchSize:           defaultBatchSize,
		pollInterval:        defaultPollInterval,
		staleProcessingTime: defaultStaleProcessing,
		log:                 logger.WithField("component", "outbox_dispatcher"),
	}
}

// Configure overrides batch size and poll interval; non-positive values keep defaults.
func (d *OutboxDispatcher) Configure(batchSize int, pollInterval time.Duration, metrics *Metrics) {
	if batchSize > 0 {
		d.batchSize = batchSize
	}
	if pollInterval > 0 {
		d.pollInterval = pollInterval
	}
	d.metrics = metrics
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closeProducer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.flushOnce(ctx); err != nil {
				d.log.WithError(err).Warn("outbox flush failed")
			}
		}
	}
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context) error {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return err
	}

	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			d.metrics.recordOutbox("failed")
			d.log.WithFields(logrus.Fields{
				"outbox_id":   message.ID,
				"routing_key": message.RoutingKey,
				"attempts":    message.Attempts,
				"retry_after": retryAfter,
			}).WithError(err).Warn("publish failed; scheduling retry")
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				d.log.WithField("outbox_id", message.ID).WithError(markErr).Error("failed to mark outbox message as failed")
			}
			continue
		}
		d.metrics.recordOutbox("published")
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			d.log.WithField("outbox_id", message.ID).WithError(err).Error("failed to mark outbox message as published")
		}
	}
	return nil
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message domain.OutboxMessage) error {
	if d.producer == nil {
		producer, err := d.connect()
		if err != nil {
			return err
		}
		d.producer = producer
	}

	if err := d.producer.PublishRaw(ctx, message.Exchange, message.RoutingKey, message.Payload); err != nil {
		d.closeProducer()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
