/**
 * @description
 * This file defines the data-access contracts for the escrow-service. Repository
 * exposes pool-level reads and opens units of work; Tx is the only handle through
 * which balances, escrows and locked funds are mutated, so every write an
 * operation performs commits or rolls back together.
 *
 * @dependencies
 * - context: For managing request-scoped deadlines and cancellation.
 * - github.com/google/uuid: For UUID types.
 * - internal/domain: Contains the domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
)

// Repository is the pool-level data access contract.
type Repository interface {
	// WithinTx runs fn inside one read-committed transaction. Any error returned by
	// fn rolls the transaction back and is returned unchanged.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	FindUserByClerkUserID(ctx context.Context, clerkUserID string) (*domain.User, error)
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	IsUserBlocked(ctx context.Context, blockerID, blockedID uuid.UUID) (bool, error)

	GetEscrowDetails(ctx context.Context, escrowID uuid.UUID) (*domain.EscrowDetails, error)
	ListEscrowsForUser(ctx context.Context, userID uuid.UUID, email string, filter domain.ListEscrowsFilter) ([]domain.Escrow, error)

	FindWithdrawalByID(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error)
	FindWithdrawalByTransferRef(ctx context.Context, transferCode, reference string) (*domain.Withdrawal, error)

	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error

	AuditLedger(ctx context.Context) (*LedgerAudit, error)
}

// Tx is a unit of work. Implementations must only be used inside WithinTx.
type Tx interface {
	// Debit subtracts amount from balance and ledger_balance in a single guarded
	// UPDATE. It returns domain.ErrInsufficientFunds when balance < amount.
	Debit(ctx context.Context, userID uuid.UUID, amount int64) error
	// Credit adds amount to balance and ledger_balance.
	Credit(ctx context.Context, userID uuid.UUID, amount int64) error

	InsertEscrow(ctx context.Context, escrow *domain.Escrow) error
	// LockEscrow reads the escrow row FOR UPDATE.
	LockEscrow(ctx context.Context, escrowID uuid.UUID) (*domain.Escrow, error)
	// ClaimEscrowReceiver binds receiverID to an unclaimed invitation. It reports
	// false when another caller already holds the claim.
	ClaimEscrowReceiver(ctx context.Context, escrowID, receiverID uuid.UUID, receiverEmail string) (bool, error)
	DeclineEscrow(ctx context.Context, escrowID, receiverID uuid.UUID, receiverEmail string) (bool, error)
	MarkEscrowDelivered(ctx context.Context, escrowID uuid.UUID) (bool, error)
	TransitionEscrowStatus(ctx context.Context, escrowID uuid.UUID, from, to domain.EscrowStatus) (bool, error)
	DeleteEscrow(ctx context.Context, escrowID uuid.UUID) error

	InsertLockedFund(ctx context.Context, fund *domain.LockedFund) error
	// LockLockedFund reads the lock row FOR UPDATE. It returns domain.ErrLockNotFound
	// when the escrow has no lock.
	LockLockedFund(ctx context.Context, escrowID uuid.UUID) (*domain.LockedFund, error)
	MarkLockedFundReleased(ctx context.Context, escrowID uuid.UUID, releasedAt time.Time) (bool, error)
	DeleteLockedFund(ctx context.Context, escrowID uuid.UUID) error

	InsertActivity(ctx context.Context, activity *domain.EscrowActivity) error
	DeleteActivities(ctx context.Context, escrowID uuid.UUID) error

	// SetConversationMembers creates the escrow's conversation if needed and
	// replaces its membership with members.
	SetConversationMembers(ctx context.Context, escrowID uuid.UUID, members []uuid.UUID) error
	DeleteConversations(ctx context.Context, escrowID uuid.UUID) error

	EnqueueOutbox(ctx context.Context, exchange, routingKey string, payload interface{}) error

	InsertWithdrawal(ctx context.Context, withdrawal *domain.Withdrawal) error
	// TransitionWithdrawal moves a withdrawal from one of from to update.Status.
	// It reports false when the row was no longer in an allowed source state.
	TransitionWithdrawal(ctx context.Context, withdrawalID uuid.UUID, from []domain.WithdrawalStatus, update WithdrawalUpdate) (bool, error)
	// RecordWithdrawalRefs stores rail codes that are still unset, leaving the
	// status alone.
	RecordWithdrawalRefs(ctx context.Context, withdrawalID uuid.UUID, recipientCode, transferCode *string) error
}

// WithdrawalUpdate carries the fields written on a withdrawal transition.
type WithdrawalUpdate struct {
	Status        domain.WithdrawalStatus
	RecipientCode *string
	TransferCode  *string
	FailureReason *string
}

// LedgerAudit counts rows that break escrow/lock invariants.
type LedgerAudit struct {
	ReleasedWithoutLock     int64
	ReleasedWithOpenLock    int64
	LockReleasedNotReleased int64
	OrphanedLocks           int64
}

// Total is the sum of all anomaly counters.
func (a LedgerAudit) Total() int64 {
	return a.ReleasedWithoutLock + a.ReleasedWithOpenLock + a.LockReleasedNotReleased + a.OrphanedLocks
}
