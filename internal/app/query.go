package app

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/transfa/escrow-service/internal/domain"
)

// GetEscrowByID returns the escrow with its parties, activities and lock. Callers
// that may not view it get ErrEscrowNotFound so existence is not leaked.
func (s *Service) GetEscrowByID(ctx context.Context, caller domain.Caller, escrowID uuid.UUID) (*domain.EscrowDetails, error) {
	details, err := s.repo.GetEscrowDetails(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !details.CanView(caller) {
		return nil, domain.ErrEscrowNotFound
	}
	details.BlockedByCounterparty = s.blockedByCounterparty(ctx, &details.Escrow, caller.UserID)
	return details, nil
}

// blockedByCounterparty is a display hint only; lookup failures read as not blocked.
func (s *Service) blockedByCounterparty(ctx context.Context, e *domain.Escrow, callerID uuid.UUID) bool {
	counterparty, ok := e.Counterparty(callerID)
	if !ok {
		return false
	}
	blocked, err := s.repo.IsUserBlocked(ctx, counterparty, callerID)
	if err != nil {
		s.log.WithFields(logrus.Fields{"escrow_id": e.ID, "user_id": callerID}).WithError(err).Warn("block lookup failed; assuming not blocked")
		return false
	}
	return blocked
}

// ListEscrows returns escrows the caller participates in or is invited to, newest first.
func (s *Service) ListEscrows(ctx context.Context, caller domain.Caller, filter domain.ListEscrowsFilter) ([]domain.Escrow, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, domain.ErrInvalidInput
	}
	filter = normalizeListFilter(filter)

	escrows, err := s.repo.ListEscrowsForUser(ctx, caller.UserID, caller.Email, filter)
	if err != nil {
		return nil, err
	}
	if escrows == nil {
		escrows = []domain.Escrow{}
	}
	return escrows, nil
}

// normalizeListFilter keeps Limit 0 as "every row"; an explicit page size is
// capped at maxListLimit.
func normalizeListFilter(filter domain.ListEscrowsFilter) domain.ListEscrowsFilter {
	if filter.Limit < 0 {
		filter.Limit = 0
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return filter
}

// GetBalance returns the caller's available and ledger balance.
func (s *Service) GetBalance(ctx context.Context, caller domain.Caller) (*domain.User, error) {
	user, err := s.repo.FindUserByID(ctx, caller.UserID)
	if err != nil {
		if !errors.Is(err, domain.ErrUserNotFound) {
			s.log.WithField("user_id", caller.UserID).WithError(err).Error("balance lookup failed")
		}
		return nil, err
	}
	return user, nil
}
