package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/escrow-service/internal/domain"
)

const withdrawalColumns = `
	id, user_id, amount, currency, status, bank_code, account_number, account_name,
	recipient_code, transfer_code, reference, failure_reason, created_at, updated_at`

// FindWithdrawalByID loads one withdrawal record.
func (r *PostgresRepository) FindWithdrawalByID(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	row := r.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, withdrawalID)
	return scanWithdrawal(row)
}

// FindWithdrawalByTransferRef matches a rail callback by transfer code, falling back
// to the reference this service generated.
func (r *PostgresRepository) FindWithdrawalByTransferRef(ctx context.Context, transferCode, reference string) (*domain.Withdrawal, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawals
		WHERE ($1 <> '' AND transfer_code = $1) OR ($2 <> '' AND reference = $2)
		ORDER BY created_at DESC
		LIMIT 1
	`, transferCode, reference)
	return scanWithdrawal(row)
}

func scanWithdrawal(row rowScanner) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	err := row.Scan(
		&w.ID,
		&w.UserID,
		&w.Amount,
		&w.Currency,
		&w.Status,
		&w.BankCode,
		&w.AccountNumber,
		&w.AccountName,
		&w.RecipientCode,
		&w.TransferCode,
		&w.Reference,
		&w.FailureReason,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWithdrawalNotFound
		}
		return nil, err
	}
	return &w, nil
}
