package app

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

// CreateEscrow opens a new escrow on behalf of caller. A BUYER creator has the
// amount debited and locked in the same transaction.
func (s *Service) CreateEscrow(ctx context.Context, caller domain.Caller, params domain.CreateEscrowParams) (details *domain.EscrowDetails, err error) {
	defer func() { s.observe("create", logrus.Fields{"user_id": caller.UserID}, err) }()

	if params.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if !params.Role.Valid() {
		return nil, domain.ErrInvalidRole
	}
	productName := strings.TrimSpace(params.ProductName)
	if productName == "" {
		return nil, domain.ErrInvalidInput
	}
	if params.ReceiverID != nil && *params.ReceiverID == caller.UserID {
		return nil, domain.ErrSenderReceiverSame
	}

	now := s.clock()
	escrow := &domain.Escrow{
		ID:                uuid.New(),
		CreatorID:         caller.UserID,
		SenderID:          caller.UserID,
		InvitedReceiverID: params.ReceiverID,
		Role:              params.Role,
		InvitedRole:       params.Role.Complement(),
		ProductName:       productName,
		Description:       strings.TrimSpace(params.Description),
		Amount:            params.Amount,
		Currency:          domain.NormalizeCurrency(params.Currency, s.settings.DefaultCurrency),
		Status:            domain.EscrowStatusPending,
		InvitationStatus:  domain.InvitationPending,
		DeliveryStatus:    domain.DeliveryPending,
		SenderEmail:       strings.TrimSpace(caller.Email),
		ReceiverEmail:     strings.TrimSpace(params.ReceiverEmail),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertEscrow(ctx, escrow); err != nil {
			return err
		}
		if escrow.Role == domain.RoleBuyer {
			if err := s.lockBuyerFunds(ctx, tx, escrow, caller.UserID); err != nil {
				return err
			}
		}
		if err := s.recordActivity(ctx, tx, escrow.ID, caller.UserID, domain.ActivityCreated); err != nil {
			return err
		}
		members := []uuid.UUID{caller.UserID}
		if escrow.InvitedReceiverID != nil {
			members = append(members, *escrow.InvitedReceiverID)
		}
		if err := tx.SetConversationMembers(ctx, escrow.ID, members); err != nil {
			return err
		}
		return s.enqueueEscrowEvent(ctx, tx, domain.TopicEscrowCreated, escrow, caller.UserID)
	})
	if err != nil {
		return nil, err
	}
	return s.detailsAfterWrite(ctx, escrow), nil
}

// AcceptEscrow binds caller as the receiver. The accepter takes the complement of
// the creator's role and is debited when that role is BUYER. Accepting again as the
// bound receiver succeeds without touching any balance.
func (s *Service) AcceptEscrow(ctx context.Context, caller domain.Caller, escrowID uuid.UUID) (details *domain.EscrowDetails, err error) {
	defer func() { s.observe("accept", logrus.Fields{"user_id": caller.UserID, "escrow_id": escrowID}, err) }()

	var escrow *domain.Escrow
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		e, err := tx.LockEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		escrow = e

		if e.SenderID == caller.UserID {
			return domain.ErrSenderCannotAccept
		}
		if e.ReceiverID != nil {
			return acceptedByExisting(e, caller.UserID)
		}
		if e.InvitedReceiverID != nil && *e.InvitedReceiverID != caller.UserID {
			return domain.ErrEscrowNotFound
		}
		if e.Status != domain.EscrowStatusPending {
			return domain.ErrInvalidState
		}

		claimed, err := tx.ClaimEscrowReceiver(ctx, e.ID, caller.UserID, caller.Email)
		if err != nil {
			return err
		}
		if !claimed {
			current, err := tx.LockEscrow(ctx, e.ID)
			if err != nil {
				return err
			}
			escrow = current
			if current.ReceiverID != nil {
				return acceptedByExisting(current, caller.UserID)
			}
			return domain.ErrAlreadyAccepted
		}

		receiverID := caller.UserID
		e.ReceiverID = &receiverID
		e.InvitationStatus = domain.InvitationAccepted
		e.Status = domain.EscrowStatusInProgress
		if strings.TrimSpace(e.ReceiverEmail) == "" {
			e.ReceiverEmail = caller.Email
		}
		e.UpdatedAt = s.clock()

		if e.InvitedRole == domain.RoleBuyer {
			if err := s.lockBuyerFunds(ctx, tx, e, caller.UserID); err != nil {
				return err
			}
		}
		if err := s.recordActivity(ctx, tx, e.ID, caller.UserID, domain.ActivityAccepted); err != nil {
			return err
		}
		if err := tx.SetConversationMembers(ctx, e.ID, []uuid.UUID{e.SenderID, caller.UserID}); err != nil {
			return err
		}
		return s.enqueueEscrowEvent(ctx, tx, domain.TopicEscrowAccepted, e, caller.UserID)
	})
	if errors.Is(err, errAlreadyAcceptedByCaller) {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return s.detailsAfterWrite(ctx, escrow), nil
}

// errAlreadyAcceptedByCaller ends the transaction without writes for a repeated accept.
var errAlreadyAcceptedByCaller = errors.New("escrow already accepted by caller")

func acceptedByExisting(e *domain.Escrow, callerID uuid.UUID) error {
	if *e.ReceiverID != callerID {
		return domain.ErrAlreadyAccepted
	}
	switch e.InvitationStatus {
	case domain.InvitationAccepted:
		return errAlreadyAcceptedByCaller
	case domain.InvitationDeclined:
		return domain.ErrInvitationDeclined
	}
	return domain.ErrInvalidState
}

// DeclineEscrow records the invitee's refusal. Funds a BUYER creator locked stay
// locked until the creator deletes the escrow.
func (s *Service) DeclineEscrow(ctx context.Context, caller domain.Caller, escrowID uuid.UUID) (details *domain.EscrowDetails, err error) {
	defer func() { s.observe("decline", logrus.Fields{"user_id": caller.UserID, "escrow_id": escrowID}, err) }()

	var escrow *domain.Escrow
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		e, err := tx.LockEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		escrow = e

		if e.SenderID == caller.UserID {
			return domain.ErrSenderCannotDecline
		}
		if e.ReceiverID != nil {
			if *e.ReceiverID != caller.UserID {
				return domain.ErrAlreadyAccepted
			}
			if e.InvitationStatus == domain.InvitationDeclined {
				return errAlreadyDeclinedByCaller
			}
			return domain.ErrInvalidState
		}
		if e.InvitedReceiverID != nil && *e.InvitedReceiverID != caller.UserID {
			return domain.ErrEscrowNotFound
		}
		if e.Status != domain.EscrowStatusPending {
			return domain.ErrInvalidState
		}

		declined, err := tx.DeclineEscrow(ctx, e.ID, caller.UserID, caller.Email)
		if err != nil {
			return err
		}
		if !declined {
			return domain.ErrAlreadyAccepted
		}

		receiverID := caller.UserID
		e.ReceiverID = &receiverID
		e.InvitationStatus = domain.InvitationDeclined
		if strings.TrimSpace(e.ReceiverEmail) == "" {
			e.ReceiverEmail = caller.Email
		}
		e.UpdatedAt = s.clock()

		if err := s.recordActivity(ctx, tx, e.ID, caller.UserID, domain.ActivityDeclined); err != nil {
			return err
		}
		return s.enqueueEscrowEvent(ctx, tx, domain.TopicEscrowDeclined, e, caller.UserID)
	})
	if errors.Is(err, errAlreadyDeclinedByCaller) {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return s.detailsAfterWrite(ctx, escrow), nil
}

var errAlreadyDeclinedByCaller = errors.New("escrow already declined by caller")

// MarkDelivered lets the resolved seller flag the goods as delivered.
func (s *Service) MarkDelivered(ctx context.Context, caller domain.Caller, escrowID uuid.UUID) (details *domain.EscrowDetails, err error) {
	defer func() { s.observe("mark_delivered", logrus.Fields{"user_id": caller.UserID, "escrow_id": escrowID}, err) }()

	var escrow *domain.Escrow
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		e, err := tx.LockEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		escrow = e

		sellerID, ok := e.ResolvedSellerID()
		if !ok {
			return domain.ErrNoSeller
		}
		if sellerID != caller.UserID {
			return domain.ErrOnlySeller
		}
		if e.DeliveryStatus == domain.DeliveryDelivered {
			return domain.ErrAlreadyDelivered
		}
		if e.Status != domain.EscrowStatusInProgress {
			return domain.ErrInvalidState
		}

		marked, err := tx.MarkEscrowDelivered(ctx, e.ID)
		if err != nil {
			return err
		}
		if !marked {
			return domain.ErrInvalidState
		}
		e.DeliveryStatus = domain.DeliveryDelivered
		e.UpdatedAt = s.clock()

		if err := s.recordActivity(ctx, tx, e.ID, caller.UserID, domain.ActivityMarkedDelivered); err != nil {
			return err
		}
		return s.enqueueEscrowEvent(ctx, tx, domain.TopicEscrowDelivered, e, caller.UserID)
	})
	if err != nil {
		return nil, err
	}
	return s.detailsAfterWrite(ctx, escrow), nil
}

// ReleaseEscrow pays the locked amount to the seller. Only the buyer who funded the
// lock may release it. Delivery is not required. The lock row is kept with
// released=true.
func (s *Service) ReleaseEscrow(ctx context.Context, caller domain.Caller, escrowID uuid.UUID) (details *domain.EscrowDetails, err error) {
	defer func() { s.observe("release", logrus.Fields{"user_id": caller.UserID, "escrow_id": escrowID}, err) }()

	var escrow *domain.Escrow
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		e, err := tx.LockEscrow(ctx, escrowID)
		if err != nil {
			if errors.Is(err, domain.ErrEscrowNotFound) {
				return domain.ErrLockNotFound
			}
			return err
		}
		escrow = e

		lock, err := tx.LockLockedFund(ctx, e.ID)
		if err != nil {
			return err
		}
		if lock.Released {
			return domain.ErrAlreadyReleased
		}
		if lock.BuyerID != caller.UserID {
			return domain.ErrForbidden
		}
		sellerID, ok := e.ResolvedSellerID()
		if !ok {
			return domain.ErrNoSeller
		}
		if e.Status != domain.EscrowStatusInProgress {
			return domain.ErrInvalidState
		}
		if lock.Amount <= 0 {
			return domain.ErrInvalidAmount
		}

		now := s.clock()
		released, err := tx.MarkLockedFundReleased(ctx, e.ID, now)
		if err != nil {
			return err
		}
		if !released {
			return domain.ErrAlreadyReleased
		}
		moved, err := tx.TransitionEscrowStatus(ctx, e.ID, domain.EscrowStatusInProgress, domain.EscrowStatusReleased)
		if err != nil {
			return err
		}
		if !moved {
			return domain.ErrInvalidState
		}
		if err := tx.Credit(ctx, sellerID, lock.Amount); err != nil {
			return err
		}
		e.Status = domain.EscrowStatusReleased
		e.UpdatedAt = now

		if err := s.recordActivity(ctx, tx, e.ID, caller.UserID, domain.ActivityReleased); err != nil {
			return err
		}
		return s.enqueueEscrowEvent(ctx, tx, domain.TopicEscrowReleased, e, caller.UserID)
	})
	if err != nil {
		return nil, err
	}
	return s.detailsAfterWrite(ctx, escrow), nil
}

// DeleteEscrow removes a PENDING or COMPLETED escrow with everything attached to
// it. An unreleased lock is refunded to its buyer first.
func (s *Service) DeleteEscrow(ctx context.Context, caller domain.Caller, escrowID uuid.UUID) (err error) {
	defer func() { s.observe("delete", logrus.Fields{"user_id": caller.UserID, "escrow_id": escrowID}, err) }()

	return s.repo.WithinTx(ctx, func(tx store.Tx) error {
		e, err := tx.LockEscrow(ctx, escrowID)
		if err != nil {
			if errors.Is(err, domain.ErrEscrowNotFound) {
				return domain.ErrNotFoundOrForbidden
			}
			return err
		}
		if !e.IsParticipant(caller.UserID) {
			return domain.ErrNotFoundOrForbidden
		}
		if !e.Status.Deletable() {
			return domain.ErrDeleteNotAllowed
		}

		lock, err := tx.LockLockedFund(ctx, e.ID)
		switch {
		case errors.Is(err, domain.ErrLockNotFound):
		case err != nil:
			return err
		default:
			if !lock.Released {
				if err := tx.Credit(ctx, lock.BuyerID, lock.Amount); err != nil {
					return err
				}
			}
			if err := tx.DeleteLockedFund(ctx, e.ID); err != nil {
				return err
			}
		}

		if err := tx.DeleteActivities(ctx, e.ID); err != nil {
			return err
		}
		if err := tx.DeleteConversations(ctx, e.ID); err != nil {
			return err
		}
		if err := s.enqueueEscrowEvent(ctx, tx, domain.TopicEscrowDeleted, e, caller.UserID); err != nil {
			return err
		}
		return tx.DeleteEscrow(ctx, e.ID)
	})
}

func (s *Service) lockBuyerFunds(ctx context.Context, tx store.Tx, e *domain.Escrow, buyerID uuid.UUID) error {
	if err := tx.Debit(ctx, buyerID, e.Amount); err != nil {
		return err
	}
	return tx.InsertLockedFund(ctx, &domain.LockedFund{
		ID:        uuid.New(),
		EscrowID:  e.ID,
		BuyerID:   buyerID,
		Amount:    e.Amount,
		CreatedAt: s.clock(),
	})
}

func (s *Service) recordActivity(ctx context.Context, tx store.Tx, escrowID, userID uuid.UUID, action string) error {
	return tx.InsertActivity(ctx, &domain.EscrowActivity{
		ID:        uuid.New(),
		EscrowID:  escrowID,
		UserID:    userID,
		Action:    action,
		CreatedAt: s.clock(),
	})
}

func (s *Service) enqueueEscrowEvent(ctx context.Context, tx store.Tx, topic string, e *domain.Escrow, actor uuid.UUID) error {
	return tx.EnqueueOutbox(ctx, s.settings.EventsExchange, topic, domain.NewEscrowEvent(e, actor, s.clock()))
}

// detailsAfterWrite reloads the committed escrow with its relations. The write has
// already committed, so a failed reload degrades to the bare record.
func (s *Service) detailsAfterWrite(ctx context.Context, e *domain.Escrow) *domain.EscrowDetails {
	details, err := s.repo.GetEscrowDetails(ctx, e.ID)
	if err == nil {
		return details
	}
	s.log.WithFields(logrus.Fields{"escrow_id": e.ID}).WithError(err).Warn("escrow reload after write failed")
	return &domain.EscrowDetails{Escrow: *e, Activities: []domain.EscrowActivity{}}
}
