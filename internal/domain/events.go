package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for events written to the outbox.
const (
	TopicEscrowCreated     = "escrow.created"
	TopicEscrowAccepted    = "escrow.accepted"
	TopicEscrowDeclined    = "escrow.declined"
	TopicEscrowDelivered   = "escrow.delivered"
	TopicEscrowReleased    = "escrow.released"
	TopicEscrowDeleted     = "escrow.deleted"
	TopicWithdrawalUpdated = "withdrawal.status.updated"
)

// EscrowEvent is the notification payload for a lifecycle transition.
type EscrowEvent struct {
	EscrowID    uuid.UUID    `json:"escrow_id"`
	ActorID     uuid.UUID    `json:"actor_id"`
	SenderID    uuid.UUID    `json:"sender_id"`
	ReceiverID  *uuid.UUID   `json:"receiver_id,omitempty"`
	Status      EscrowStatus `json:"status"`
	Amount      int64        `json:"amount"`
	Currency    string       `json:"currency"`
	ProductName string       `json:"product_name"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// NewEscrowEvent snapshots an escrow for publication.
func NewEscrowEvent(e *Escrow, actor uuid.UUID, at time.Time) EscrowEvent {
	return EscrowEvent{
		EscrowID:    e.ID,
		ActorID:     actor,
		SenderID:    e.SenderID,
		ReceiverID:  e.ReceiverID,
		Status:      e.Status,
		Amount:      e.Amount,
		Currency:    e.Currency,
		ProductName: e.ProductName,
		OccurredAt:  at,
	}
}

// WithdrawalEvent is published whenever a withdrawal changes state.
type WithdrawalEvent struct {
	WithdrawalID uuid.UUID        `json:"withdrawal_id"`
	UserID       uuid.UUID        `json:"user_id"`
	Status       WithdrawalStatus `json:"status"`
	Amount       int64            `json:"amount"`
	Reason       string           `json:"reason,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// OutboxMessage is a pending event awaiting publication.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}
