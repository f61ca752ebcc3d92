package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/transfa/escrow-service/internal/domain"
)

const uniqueViolation = "23505"

// ErrDuplicateLockedFund is returned when an escrow already holds a lock row.
var ErrDuplicateLockedFund = errors.New("escrow already has locked funds")

// postgresTx implements Tx on top of a pgx transaction.
type postgresTx struct {
	tx pgx.Tx
}

// Debit performs a guarded decrement on the user's balances.
func (t *postgresTx) Debit(ctx context.Context, userID uuid.UUID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("debit amount must be non-negative, got %d", amount)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE users
		SET balance = balance - $1,
			ledger_balance = ledger_balance - $1,
			updated_at = NOW()
		WHERE id = $2 AND balance >= $1
	`, amount, userID)
	if err != nil {
		return fmt.Errorf("debit user %s: %w", userID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("check user %s: %w", userID, err)
	}
	if !exists {
		return domain.ErrUserNotFound
	}
	return domain.ErrInsufficientFunds
}

// Credit performs an atomic increment on the user's balances.
func (t *postgresTx) Credit(ctx context.Context, userID uuid.UUID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must be non-negative, got %d", amount)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE users
		SET balance = balance + $1,
			ledger_balance = ledger_balance + $1,
			updated_at = NOW()
		WHERE id = $2
	`, amount, userID)
	if err != nil {
		return fmt.Errorf("credit user %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (t *postgresTx) InsertEscrow(ctx context.Context, e *domain.Escrow) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO escrows (
			id, creator_id, sender_id, receiver_id, invited_receiver_id, role, invited_role,
			product_name, description, amount, currency, status, invitation_status,
			delivery_status, sender_email, receiver_email
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at
	`,
		e.ID, e.CreatorID, e.SenderID, e.ReceiverID, e.InvitedReceiverID, e.Role, e.InvitedRole,
		e.ProductName, e.Description, e.Amount, e.Currency, e.Status, e.InvitationStatus,
		e.DeliveryStatus, e.SenderEmail, e.ReceiverEmail,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (t *postgresTx) LockEscrow(ctx context.Context, escrowID uuid.UUID) (*domain.Escrow, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows e WHERE e.id = $1 FOR UPDATE`, escrowID)
	e, err := scanEscrow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEscrowNotFound
		}
		return nil, fmt.Errorf("lock escrow: %w", err)
	}
	return e, nil
}

// ClaimEscrowReceiver is the accept race guard: the predicate and the write are
// evaluated together, so only one caller can move receiver_id off NULL.
func (t *postgresTx) ClaimEscrowReceiver(ctx context.Context, escrowID, receiverID uuid.UUID, receiverEmail string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE escrows
		SET receiver_id = $2,
			receiver_email = CASE WHEN btrim(receiver_email) = '' THEN $3 ELSE receiver_email END,
			invitation_status = 'ACCEPTED',
			status = 'IN_PROGRESS',
			updated_at = NOW()
		WHERE id = $1
		  AND receiver_id IS NULL
		  AND invitation_status = 'PENDING'
		  AND status = 'PENDING'
		  AND sender_id <> $2
		  AND (invited_receiver_id IS NULL OR invited_receiver_id = $2)
	`, escrowID, receiverID, receiverEmail)
	if err != nil {
		return false, fmt.Errorf("claim escrow receiver: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) DeclineEscrow(ctx context.Context, escrowID, receiverID uuid.UUID, receiverEmail string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE escrows
		SET receiver_id = $2,
			receiver_email = CASE WHEN btrim(receiver_email) = '' THEN $3 ELSE receiver_email END,
			invitation_status = 'DECLINED',
			updated_at = NOW()
		WHERE id = $1
		  AND receiver_id IS NULL
		  AND invitation_status = 'PENDING'
		  AND sender_id <> $2
		  AND (invited_receiver_id IS NULL OR invited_receiver_id = $2)
	`, escrowID, receiverID, receiverEmail)
	if err != nil {
		return false, fmt.Errorf("decline escrow: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) MarkEscrowDelivered(ctx context.Context, escrowID uuid.UUID) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE escrows
		SET delivery_status = 'DELIVERED', updated_at = NOW()
		WHERE id = $1 AND status = 'IN_PROGRESS' AND delivery_status = 'PENDING'
	`, escrowID)
	if err != nil {
		return false, fmt.Errorf("mark escrow delivered: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) TransitionEscrowStatus(ctx context.Context, escrowID uuid.UUID, from, to domain.EscrowStatus) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE escrows SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, escrowID, from, to)
	if err != nil {
		return false, fmt.Errorf("transition escrow status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) DeleteEscrow(ctx context.Context, escrowID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM escrows WHERE id = $1`, escrowID); err != nil {
		return fmt.Errorf("delete escrow: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertLockedFund(ctx context.Context, fund *domain.LockedFund) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO locked_funds (id, escrow_id, buyer_id, amount, released)
		VALUES ($1, $2, $3, $4, FALSE)
		RETURNING created_at
	`, fund.ID, fund.EscrowID, fund.BuyerID, fund.Amount).Scan(&fund.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateLockedFund
		}
		return fmt.Errorf("insert locked fund: %w", err)
	}
	return nil
}

func (t *postgresTx) LockLockedFund(ctx context.Context, escrowID uuid.UUID) (*domain.LockedFund, error) {
	var fund domain.LockedFund
	err := t.tx.QueryRow(ctx, `
		SELECT id, escrow_id, buyer_id, amount, released, created_at, released_at
		FROM locked_funds
		WHERE escrow_id = $1
		FOR UPDATE
	`, escrowID).Scan(&fund.ID, &fund.EscrowID, &fund.BuyerID, &fund.Amount, &fund.Released, &fund.CreatedAt, &fund.ReleasedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLockNotFound
		}
		return nil, fmt.Errorf("lock locked fund: %w", err)
	}
	return &fund, nil
}

func (t *postgresTx) MarkLockedFundReleased(ctx context.Context, escrowID uuid.UUID, releasedAt time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE locked_funds SET released = TRUE, released_at = $2
		WHERE escrow_id = $1 AND released = FALSE
	`, escrowID, releasedAt)
	if err != nil {
		return false, fmt.Errorf("release locked fund: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) DeleteLockedFund(ctx context.Context, escrowID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM locked_funds WHERE escrow_id = $1`, escrowID); err != nil {
		return fmt.Errorf("delete locked fund: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertActivity(ctx context.Context, a *domain.EscrowActivity) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO escrow_activities (id, escrow_id, user_id, action)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, a.ID, a.EscrowID, a.UserID, a.Action).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert escrow activity: %w", err)
	}
	return nil
}

func (t *postgresTx) DeleteActivities(ctx context.Context, escrowID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM escrow_activities WHERE escrow_id = $1`, escrowID); err != nil {
		return fmt.Errorf("delete escrow activities: %w", err)
	}
	return nil
}

func (t *postgresTx) SetConversationMembers(ctx context.Context, escrowID uuid.UUID, members []uuid.UUID) error {
	var conversationID uuid.UUID
	err := t.tx.QueryRow(ctx, `
		INSERT INTO conversations (escrow_id) VALUES ($1)
		ON CONFLICT (escrow_id) DO UPDATE SET escrow_id = EXCLUDED.escrow_id
		RETURNING id
	`, escrowID).Scan(&conversationID)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if _, err := t.tx.Exec(ctx, `DELETE FROM conversation_members WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("reset conversation members: %w", err)
	}
	for _, member := range members {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, conversationID, member); err != nil {
			return fmt.Errorf("add conversation member: %w", err)
		}
	}
	return nil
}

func (t *postgresTx) DeleteConversations(ctx context.Context, escrowID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM conversations WHERE escrow_id = $1`, escrowID); err != nil {
		return fmt.Errorf("delete conversations: %w", err)
	}
	return nil
}

func (t *postgresTx) EnqueueOutbox(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO withdrawals (
			id, user_id, amount, currency, status, bank_code, account_number, account_name, reference
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, w.ID, w.UserID, w.Amount, w.Currency, w.Status, w.BankCode, w.AccountNumber, w.AccountName, w.Reference,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (t *postgresTx) TransitionWithdrawal(ctx context.Context, withdrawalID uuid.UUID, from []domain.WithdrawalStatus, update WithdrawalUpdate) (bool, error) {
	fromStatuses := make([]string, 0, len(from))
	for _, s := range from {
		fromStatuses = append(fromStatuses, string(s))
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE withdrawals
		SET status = $2,
			recipient_code = COALESCE($3, recipient_code),
			transfer_code = COALESCE($4, transfer_code),
			failure_reason = COALESCE($5, failure_reason),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($6)
	`, withdrawalID, update.Status, update.RecipientCode, update.TransferCode, update.FailureReason, fromStatuses)
	if err != nil {
		return false, fmt.Errorf("transition withdrawal: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *postgresTx) RecordWithdrawalRefs(ctx context.Context, withdrawalID uuid.UUID, recipientCode, transferCode *string) error {
	if recipientCode == nil && transferCode == nil {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE withdrawals
		SET recipient_code = COALESCE(recipient_code, $2),
			transfer_code = COALESCE(transfer_code, $3),
			updated_at = NOW()
		WHERE id = $1
	`, withdrawalID, recipientCode, transferCode)
	if err != nil {
		return fmt.Errorf("record withdrawal refs: %w", err)
	}
	return nil
}
