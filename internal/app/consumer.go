package app

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/pkg/rabbitmq"
)

// transferStatusRoutingKeys are the rail webhook topics relayed onto the events exchange.
var transferStatusRoutingKeys = []string{
	"transfer.status.success",
	"transfer.status.failed",
	"transfer.status.reversed",
	"transfer.status.pending",
}

// TransferStatusApplier settles withdrawals from rail status events.
type TransferStatusApplier interface {
	ApplyTransferStatus(ctx context.Context, event domain.TransferStatusEvent) error
}

type TransferStatusConsumer struct {
	applier TransferStatusApplier
	log     *logrus.Entry
}

func NewTransferStatusConsumer(applier TransferStatusApplier, logger logrus.FieldLogger) *TransferStatusConsumer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TransferStatusConsumer{applier: applier, log: logger.WithField("component", "transfer_consumer")}
}

// TransferStatusConsumer returns a consumer bound to this service.
func (s *Service) TransferStatusConsumer() *TransferStatusConsumer {
	return NewTransferStatusConsumer(s, s.log.Logger)
}

// Bindings maps every transfer status routing key to HandleMessage.
func (c *TransferStatusConsumer) Bindings() map[string]rabbitmq.Handler {
	bindings := make(map[string]rabbitmq.Handler, len(transferStatusRoutingKeys))
	for _, key := range transferStatusRoutingKeys {
		bindings[key] = c.HandleMessage
	}
	return bindings
}

// HandleMessage returns false only for failures worth redelivering.
func (c *TransferStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.TransferStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.log.WithError(err).Warn("failed to unmarshal payload; dropping")
		return true
	}

	if strings.TrimSpace(event.TransferCode) == "" && strings.TrimSpace(event.Reference) == "" {
		c.log.WithField("event_id", event.EventID).Warn("event carries neither transfer code nor reference; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.applier.ApplyTransferStatus(ctx, event); err != nil {
		c.log.WithFields(logrus.Fields{
			"event_id":      event.EventID,
			"transfer_code": event.TransferCode,
			"reference":     event.Reference,
		}).WithError(err).Error("processing error; re-queuing")
		return false
	}

	return true
}
