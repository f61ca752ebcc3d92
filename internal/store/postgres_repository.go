/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface:
 * transaction management, user resolution, the escrow read projections, the
 * withdrawal lookups, the event outbox and the ledger audit queries.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/escrow-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const maxListLimit = 200

const escrowColumns = `
	e.id, e.creator_id, e.sender_id, e.receiver_id, e.invited_receiver_id,
	e.role, e.invited_role, e.product_name, e.description, e.amount, e.currency,
	e.status, e.invitation_status, e.delivery_status, e.sender_email, e.receiver_email,
	e.created_at, e.updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn inside a single read-committed transaction.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// FindUserByClerkUserID resolves the internal user from a Clerk user id.
func (r *PostgresRepository) FindUserByClerkUserID(ctx context.Context, clerkUserID string) (*domain.User, error) {
	return r.findUser(ctx, "clerk_user_id = $1", clerkUserID)
}

// FindUserByID loads a user with its current balances.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return r.findUser(ctx, "id = $1", userID)
}

func (r *PostgresRepository) findUser(ctx context.Context, predicate string, arg interface{}) (*domain.User, error) {
	query := `
		SELECT id, COALESCE(clerk_user_id, ''), COALESCE(btrim(username), ''), COALESCE(email, ''), balance, ledger_balance
		FROM users
		WHERE ` + predicate
	var user domain.User
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&user.ID,
		&user.ClerkUserID,
		&user.Username,
		&user.Email,
		&user.Balance,
		&user.LedgerBalance,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// IsUserBlocked reports whether blockerID has blocked blockedID.
func (r *PostgresRepository) IsUserBlocked(ctx context.Context, blockerID, blockedID uuid.UUID) (bool, error) {
	var blocked bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_blocks WHERE blocker_id = $1 AND blocked_id = $2)`,
		blockerID, blockedID,
	).Scan(&blocked)
	return blocked, err
}

// GetEscrowDetails loads an escrow with its parties, activity history and lock.
func (r *PostgresRepository) GetEscrowDetails(ctx context.Context, escrowID uuid.UUID) (*domain.EscrowDetails, error) {
	query := `
		SELECT ` + escrowColumns + `,
			su.id, COALESCE(btrim(su.username), ''), su.full_name, COALESCE(su.email, ''),
			ru.id, COALESCE(btrim(ru.username), ''), ru.full_name, COALESCE(ru.email, '')
		FROM escrows e
		JOIN users su ON su.id = e.sender_id
		LEFT JOIN users ru ON ru.id = e.receiver_id
		WHERE e.id = $1
	`

	var (
		details       domain.EscrowDetails
		sender        domain.Party
		receiverID    *uuid.UUID
		receiverName  *string
		receiverFull  *string
		receiverEmail *string
	)
	dest := append(escrowScanTargets(&details.Escrow),
		&sender.ID, &sender.Username, &sender.FullName, &sender.Email,
		&receiverID, &receiverName, &receiverFull, &receiverEmail,
	)
	if err := r.db.QueryRow(ctx, query, escrowID).Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEscrowNotFound
		}
		return nil, err
	}
	details.Sender = &sender
	if receiverID != nil {
		details.Receiver = &domain.Party{
			ID:       *receiverID,
			Username: derefString(receiverName),
			FullName: receiverFull,
			Email:    derefString(receiverEmail),
		}
	}

	activities, err := r.listActivities(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	details.Activities = activities

	fund, err := r.findLockedFund(ctx, escrowID)
	if err != nil && !errors.Is(err, domain.ErrLockNotFound) {
		return nil, err
	}
	details.LockedFund = fund

	return &details, nil
}

func (r *PostgresRepository) listActivities(ctx context.Context, escrowID uuid.UUID) ([]domain.EscrowActivity, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, escrow_id, user_id, action, created_at
		FROM escrow_activities
		WHERE escrow_id = $1
		ORDER BY created_at ASC, id ASC
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activities := make([]domain.EscrowActivity, 0)
	for rows.Next() {
		var a domain.EscrowActivity
		if err := rows.Scan(&a.ID, &a.EscrowID, &a.UserID, &a.Action, &a.CreatedAt); err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

func (r *PostgresRepository) findLockedFund(ctx context.Context, escrowID uuid.UUID) (*domain.LockedFund, error) {
	var fund domain.LockedFund
	err := r.db.QueryRow(ctx, `
		SELECT id, escrow_id, buyer_id, amount, released, created_at, released_at
		FROM locked_funds
		WHERE escrow_id = $1
	`, escrowID).Scan(&fund.ID, &fund.EscrowID, &fund.BuyerID, &fund.Amount, &fund.Released, &fund.CreatedAt, &fund.ReleasedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLockNotFound
		}
		return nil, err
	}
	return &fund, nil
}

// ListEscrowsForUser returns escrows the user takes part in, plus open invitations
// addressed to them, newest first.
func (r *PostgresRepository) ListEscrowsForUser(ctx context.Context, userID uuid.UUID, email string, filter domain.ListEscrowsFilter) ([]domain.Escrow, error) {
	// LIMIT NULL is LIMIT ALL.
	var limit *int
	if filter.Limit > 0 {
		n := filter.Limit
		if n > maxListLimit {
			n = maxListLimit
		}
		limit = &n
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	query := `
		SELECT ` + escrowColumns + `
		FROM escrows e
		WHERE (
			e.sender_id = $1
			OR e.receiver_id = $1
			OR (e.receiver_id IS NULL AND e.invited_receiver_id = $1)
			OR (e.receiver_id IS NULL AND e.invited_receiver_id IS NULL AND $2 <> '' AND lower(e.receiver_email) = lower($2))
		)
		AND ($3::text IS NULL OR e.status = $3)
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT $4 OFFSET $5
	`
	rows, err := r.db.Query(ctx, query, userID, strings.TrimSpace(email), status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	escrows := make([]domain.Escrow, 0)
	for rows.Next() {
		var e domain.Escrow
		if err := rows.Scan(escrowScanTargets(&e)...); err != nil {
			return nil, err
		}
		escrows = append(escrows, e)
	}
	return escrows, rows.Err()
}

// AuditLedger counts escrow/lock rows that disagree with each other.
func (r *PostgresRepository) AuditLedger(ctx context.Context) (*LedgerAudit, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM escrows e
				LEFT JOIN locked_funds lf ON lf.escrow_id = e.id
				WHERE e.status = 'RELEASED' AND lf.id IS NULL),
			(SELECT COUNT(*) FROM escrows e
				JOIN locked_funds lf ON lf.escrow_id = e.id
				WHERE e.status = 'RELEASED' AND lf.released = FALSE),
			(SELECT COUNT(*) FROM escrows e
				JOIN locked_funds lf ON lf.escrow_id = e.id
				WHERE lf.released = TRUE AND e.status NOT IN ('RELEASED', 'COMPLETED')),
			(SELECT COUNT(*) FROM locked_funds lf
				LEFT JOIN escrows e ON e.id = lf.escrow_id
				WHERE e.id IS NULL)
	`
	var audit LedgerAudit
	if err := r.db.QueryRow(ctx, query).Scan(
		&audit.ReleasedWithoutLock,
		&audit.ReleasedWithOpenLock,
		&audit.LockReleasedNotReleased,
		&audit.OrphanedLocks,
	); err != nil {
		return nil, err
	}
	return &audit, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func escrowScanTargets(e *domain.Escrow) []interface{} {
	return []interface{}{
		&e.ID,
		&e.CreatorID,
		&e.SenderID,
		&e.ReceiverID,
		&e.InvitedReceiverID,
		&e.Role,
		&e.InvitedRole,
		&e.ProductName,
		&e.Description,
		&e.Amount,
		&e.Currency,
		&e.Status,
		&e.InvitationStatus,
		&e.DeliveryStatus,
		&e.SenderEmail,
		&e.ReceiverEmail,
		&e.CreatedAt,
		&e.UpdatedAt,
	}
}

func scanEscrow(row rowScanner) (*domain.Escrow, error) {
	var e domain.Escrow
	if err := row.Scan(escrowScanTargets(&e)...); err != nil {
		return nil, err
	}
	return &e, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
