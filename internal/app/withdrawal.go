/**
 * @description
 * Withdrawals move custodial balance out to a bank account through the payment
 * rail. They run in their own transactions and never share one with an escrow
 * transition.
 *
 * Flow:
 * - Debit + PENDING_APPROVAL record commit before the rail is called.
 * - Rail outcomes map to SUCCESS, PROCESSING, REQUIRES_OTP or FAILED.
 * - FAILED always refunds, and the refund is tied to the conditional status UPDATE
 *   so it happens at most once however many callbacks arrive.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/payrail"
)

var openWithdrawalStatuses = []domain.WithdrawalStatus{
	domain.WithdrawalPendingApproval,
	domain.WithdrawalRequiresOTP,
	domain.WithdrawalProcessing,
}

// InitiateWithdrawal debits the caller and asks the payment rail to pay out.
func (s *Service) InitiateWithdrawal(ctx context.Context, caller domain.Caller, params domain.InitiateWithdrawalParams) (w *domain.Withdrawal, err error) {
	defer func() { s.observe("withdrawal_initiate", logrus.Fields{"user_id": caller.UserID}, err) }()

	if s.rail == nil {
		return nil, ErrRailUnavailable
	}
	if params.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if params.Amount < s.settings.MinimumWithdrawalKobo {
		return nil, domain.ErrBelowMinimumWithdrawal
	}
	params.BankCode = strings.TrimSpace(params.BankCode)
	params.AccountNumber = strings.TrimSpace(params.AccountNumber)
	params.AccountName = strings.TrimSpace(params.AccountName)
	if params.BankCode == "" || params.AccountNumber == "" || params.AccountName == "" {
		return nil, domain.ErrInvalidInput
	}

	now := s.clock()
	id := uuid.New()
	withdrawal := &domain.Withdrawal{
		ID:            id,
		UserID:        caller.UserID,
		Amount:        params.Amount,
		Currency:      domain.NormalizeCurrency(params.Currency, s.settings.DefaultCurrency),
		Status:        domain.WithdrawalPendingApproval,
		BankCode:      params.BankCode,
		AccountNumber: params.AccountNumber,
		AccountName:   params.AccountName,
		Reference:     withdrawalReference(id),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.Debit(ctx, caller.UserID, withdrawal.Amount); err != nil {
			return err
		}
		if err := tx.InsertWithdrawal(ctx, withdrawal); err != nil {
			return err
		}
		return s.enqueueWithdrawalEvent(ctx, tx, withdrawal, "")
	})
	if err != nil {
		return nil, err
	}

	// The debit is committed; rail calls and their follow-up writes must finish
	// even if the client goes away.
	railCtx := context.WithoutCancel(ctx)
	entry := s.log.WithFields(logrus.Fields{"withdrawal_id": withdrawal.ID, "user_id": caller.UserID})
	pending := []domain.WithdrawalStatus{domain.WithdrawalPendingApproval}

	recipient, err := s.rail.CreateRecipient(railCtx, payrail.CreateRecipientRequest{
		Name:          withdrawal.AccountName,
		AccountNumber: withdrawal.AccountNumber,
		BankCode:      withdrawal.BankCode,
		Currency:      withdrawal.Currency,
	})
	if err != nil {
		entry.WithError(err).Warn("recipient creation failed; refunding")
		return s.applyRailStatus(railCtx, withdrawal, pending, payrail.TransferStatusFailed, store.WithdrawalUpdate{
			FailureReason: optionalString("recipient creation failed: " + err.Error()),
		})
	}
	recipientCode := recipient.Data.RecipientCode

	transfer, err := s.rail.InitiateTransfer(railCtx, payrail.TransferRequest{
		Amount:    withdrawal.Amount,
		Recipient: recipientCode,
		Reason:    "Escrow balance withdrawal",
		Reference: withdrawal.Reference,
	})
	if err != nil {
		var apiErr *payrail.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.Permanent() {
			entry.WithError(err).Warn("transfer rejected by rail; refunding")
			return s.applyRailStatus(railCtx, withdrawal, pending, payrail.TransferStatusFailed, store.WithdrawalUpdate{
				RecipientCode: &recipientCode,
				FailureReason: optionalString(apiErr.Message),
			})
		}
		// The rail may have accepted the transfer; wait for its status event.
		entry.WithError(err).Warn("transfer outcome unknown; awaiting status event")
		return s.applyRailStatus(railCtx, withdrawal, pending, payrail.TransferStatusPending, store.WithdrawalUpdate{
			RecipientCode: &recipientCode,
		})
	}

	// An OTP challenge lands even on a withdrawal already marked PROCESSING.
	from := pending
	if payrail.NormalizeStatus(transfer.Data.Status) == payrail.TransferStatusOTP {
		from = []domain.WithdrawalStatus{domain.WithdrawalPendingApproval, domain.WithdrawalProcessing}
	}
	return s.applyRailStatus(railCtx, withdrawal, from, transfer.Data.Status, store.WithdrawalUpdate{
		RecipientCode: &recipientCode,
		TransferCode:  optionalString(transfer.Data.TransferCode),
		FailureReason: optionalString(transfer.Data.Reason),
	})
}

// FinalizeWithdrawal submits the OTP for a withdrawal in REQUIRES_OTP.
func (s *Service) FinalizeWithdrawal(ctx context.Context, caller domain.Caller, withdrawalID uuid.UUID, otp string) (w *domain.Withdrawal, err error) {
	defer func() {
		s.observe("withdrawal_finalize", logrus.Fields{"user_id": caller.UserID, "withdrawal_id": withdrawalID}, err)
	}()

	if s.rail == nil {
		return nil, ErrRailUnavailable
	}
	otp = strings.TrimSpace(otp)
	if otp == "" {
		return nil, domain.ErrInvalidInput
	}

	withdrawal, err := s.GetWithdrawal(ctx, caller, withdrawalID)
	if err != nil {
		return nil, err
	}
	if withdrawal.Status != domain.WithdrawalRequiresOTP || withdrawal.TransferCode == nil {
		return nil, domain.ErrWithdrawalNotPending
	}

	transfer, err := s.rail.FinalizeTransfer(ctx, payrail.FinalizeTransferRequest{
		TransferCode: *withdrawal.TransferCode,
		OTP:          otp,
	})
	if err != nil {
		var apiErr *payrail.ErrorResponse
		if errors.As(err, &apiErr) && apiErr.Permanent() {
			return nil, domain.ErrOTPRejected
		}
		return nil, fmt.Errorf("finalize transfer: %w", err)
	}

	return s.applyRailStatus(context.WithoutCancel(ctx), withdrawal, []domain.WithdrawalStatus{domain.WithdrawalRequiresOTP}, transfer.Data.Status, store.WithdrawalUpdate{
		TransferCode:  optionalString(transfer.Data.TransferCode),
		FailureReason: optionalString(transfer.Data.Reason),
	})
}

// GetWithdrawal returns one of the caller's withdrawals.
func (s *Service) GetWithdrawal(ctx context.Context, caller domain.Caller, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	withdrawal, err := s.repo.FindWithdrawalByID(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if withdrawal.UserID != caller.UserID {
		return nil, domain.ErrWithdrawalNotFound
	}
	return withdrawal, nil
}

// ApplyTransferStatus settles a withdrawal from a rail status event. Unknown
// transfers and events for settled withdrawals are ignored.
func (s *Service) ApplyTransferStatus(ctx context.Context, event domain.TransferStatusEvent) error {
	withdrawal, err := s.repo.FindWithdrawalByTransferRef(ctx, strings.TrimSpace(event.TransferCode), strings.TrimSpace(event.Reference))
	if err != nil {
		if errors.Is(err, domain.ErrWithdrawalNotFound) {
			s.log.WithFields(logrus.Fields{"transfer_code": event.TransferCode, "reference": event.Reference}).Info("no withdrawal for transfer status event; acknowledging")
			return nil
		}
		return fmt.Errorf("lookup withdrawal: %w", err)
	}
	if withdrawal.Status.Terminal() {
		return nil
	}

	status := payrail.NormalizeStatus(event.Status)
	from := openWithdrawalStatuses
	switch status {
	case payrail.TransferStatusOTP, payrail.TransferStatusPending:
		// Only the initiate and finalize replies move a withdrawal into
		// REQUIRES_OTP or PROCESSING.
		return nil
	}

	_, err = s.applyRailStatus(ctx, withdrawal, from, status, store.WithdrawalUpdate{
		TransferCode:  optionalString(event.TransferCode),
		FailureReason: optionalString(event.Reason),
	})
	return err
}

// applyRailStatus moves the withdrawal to the state matching a rail status and
// returns the stored record.
func (s *Service) applyRailStatus(ctx context.Context, w *domain.Withdrawal, from []domain.WithdrawalStatus, railStatus string, update store.WithdrawalUpdate) (*domain.Withdrawal, error) {
	switch payrail.NormalizeStatus(railStatus) {
	case payrail.TransferStatusSuccess:
		update.Status = domain.WithdrawalSuccess
	case payrail.TransferStatusOTP:
		update.Status = domain.WithdrawalRequiresOTP
	case payrail.TransferStatusFailed:
		update.Status = domain.WithdrawalFailed
		if update.FailureReason == nil {
			update.FailureReason = optionalString("transfer failed")
		}
	default:
		update.Status = domain.WithdrawalProcessing
	}

	moved := false
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		ok, err := tx.TransitionWithdrawal(ctx, w.ID, from, update)
		if err != nil {
			return err
		}
		if !ok {
			return tx.RecordWithdrawalRefs(ctx, w.ID, update.RecipientCode, update.TransferCode)
		}
		moved = true
		if update.Status == domain.WithdrawalFailed {
			if err := tx.Credit(ctx, w.UserID, w.Amount); err != nil {
				return err
			}
		}
		next := *w
		next.Status = update.Status
		return s.enqueueWithdrawalEvent(ctx, tx, &next, derefOr(update.FailureReason))
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{"withdrawal_id": w.ID, "target_status": update.Status}).WithError(err).Error("withdrawal transition failed")
		return nil, err
	}
	if moved {
		s.log.WithFields(logrus.Fields{"withdrawal_id": w.ID, "status": update.Status}).Info("withdrawal transitioned")
	}

	current, err := s.repo.FindWithdrawalByID(ctx, w.ID)
	if err != nil {
		s.log.WithField("withdrawal_id", w.ID).WithError(err).Warn("withdrawal reload failed")
		if moved {
			w.Status = update.Status
		}
		return w, nil
	}
	return current, nil
}

func (s *Service) enqueueWithdrawalEvent(ctx context.Context, tx store.Tx, w *domain.Withdrawal, reason string) error {
	return tx.EnqueueOutbox(ctx, s.settings.EventsExchange, domain.TopicWithdrawalUpdated, domain.WithdrawalEvent{
		WithdrawalID: w.ID,
		UserID:       w.UserID,
		Status:       w.Status,
		Amount:       w.Amount,
		Reason:       reason,
		OccurredAt:   s.clock(),
	})
}

func withdrawalReference(id uuid.UUID) string {
	return "wd_" + strings.ReplaceAll(id.String(), "-", "")
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func derefOr(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
