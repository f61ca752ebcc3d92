package domain

import (
	"time"

	"github.com/google/uuid"
)

// WithdrawalStatus tracks a payout through the payment rail.
type WithdrawalStatus string

const (
	WithdrawalPendingApproval WithdrawalStatus = "PENDING_APPROVAL"
	WithdrawalRequiresOTP     WithdrawalStatus = "REQUIRES_OTP"
	WithdrawalProcessing      WithdrawalStatus = "PROCESSING"
	WithdrawalSuccess         WithdrawalStatus = "SUCCESS"
	WithdrawalFailed          WithdrawalStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalSuccess || s == WithdrawalFailed
}

// Withdrawal is the transaction record for moving balance out to a bank account.
// It maps to the `withdrawals` table and never shares a transaction with escrow writes.
type Withdrawal struct {
	ID            uuid.UUID        `json:"id"`
	UserID        uuid.UUID        `json:"user_id"`
	Amount        int64            `json:"amount"` // in kobo
	Currency      string           `json:"currency"`
	Status        WithdrawalStatus `json:"status"`
	BankCode      string           `json:"bank_code"`
	AccountNumber string           `json:"account_number"`
	AccountName   string           `json:"account_name"`
	RecipientCode *string          `json:"recipient_code,omitempty"`
	TransferCode  *string          `json:"transfer_code,omitempty"`
	Reference     string           `json:"reference"`
	FailureReason *string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// InitiateWithdrawalParams carries validated input for a payout.
type InitiateWithdrawalParams struct {
	Amount        int64 // in kobo
	Currency      string
	BankCode      string
	AccountNumber string
	AccountName   string
}

// TransferStatusEvent is the payment-rail webhook relayed over the event bus.
type TransferStatusEvent struct {
	EventID      string    `json:"event_id"`
	Status       string    `json:"status"`
	TransferCode string    `json:"transfer_code"`
	Reference    string    `json:"reference"`
	Amount       int64     `json:"amount"`
	Reason       string    `json:"reason"`
	OccurredAt   time.Time `json:"occurred_at"`
}
