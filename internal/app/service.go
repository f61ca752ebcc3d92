/**
 * @description
 * This file contains the core wiring for the escrow-service's business logic. The
 * `Service` struct orchestrates every escrow lifecycle transition and withdrawal,
 * coordinating between the database repository, the payment rail client and the
 * transactional outbox that feeds RabbitMQ.
 *
 * Key features:
 * - One repository unit of work per operation; nothing is retried inside the engine.
 * - Caller identity is an explicit argument of every operation.
 * - Events are enqueued in the same transaction as the state change they describe.
 *
 * @dependencies
 * - github.com/sirupsen/logrus: Structured logging.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/payrail: For the withdrawal payment rail.
 */

package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/payrail"
)

const (
	defaultEventsExchange = "transfa.events"
	maxListLimit          = 200
)

// ErrRailUnavailable is returned when no payment rail client is configured.
var ErrRailUnavailable = errors.New("payment rail is not configured")

// TransferRail is the subset of the payment rail client used for withdrawals.
type TransferRail interface {
	CreateRecipient(ctx context.Context, req payrail.CreateRecipientRequest) (*payrail.RecipientResponse, error)
	InitiateTransfer(ctx context.Context, req payrail.TransferRequest) (*payrail.TransferResponse, error)
	FinalizeTransfer(ctx context.Context, req payrail.FinalizeTransferRequest) (*payrail.TransferResponse, error)
}

// Settings are the tunables the service reads from configuration.
type Settings struct {
	EventsExchange        string
	DefaultCurrency       string
	MinimumWithdrawalKobo int64
}

// Service provides the core business logic for escrows and withdrawals.
type Service struct {
	repo     store.Repository
	rail     TransferRail
	settings Settings
	metrics  *Metrics
	log      *logrus.Entry
	now      func() time.Time
}

// NewService creates a new escrow service instance. rail may be nil, in which case
// withdrawals are rejected with ErrRailUnavailable.
func NewService(repo store.Repository, rail TransferRail, logger logrus.FieldLogger, settings Settings) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if strings.TrimSpace(settings.EventsExchange) == "" {
		settings.EventsExchange = defaultEventsExchange
	}
	settings.DefaultCurrency = domain.NormalizeCurrency(settings.DefaultCurrency, "NGN")
	if settings.MinimumWithdrawalKobo < 0 {
		settings.MinimumWithdrawalKobo = 0
	}
	return &Service{
		repo:     repo,
		rail:     rail,
		settings: settings,
		log:      logger.WithField("component", "escrow_service"),
		now:      time.Now,
	}
}

// SetMetrics attaches the prometheus collectors. A nil value disables metrics.
func (s *Service) SetMetrics(m *Metrics) {
	s.metrics = m
}

// ResolveCaller converts a Clerk user id string (e.g., "user_abc123") into the
// internal identity used by every engine operation.
func (s *Service) ResolveCaller(ctx context.Context, clerkUserID string) (domain.Caller, error) {
	user, err := s.repo.FindUserByClerkUserID(ctx, strings.TrimSpace(clerkUserID))
	if err != nil {
		return domain.Caller{}, err
	}
	return domain.Caller{UserID: user.ID, Email: user.Email}, nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// observe records the outcome of op and logs unexpected failures.
func (s *Service) observe(op string, fields logrus.Fields, err error) {
	s.metrics.recordOperation(op, err)
	if err == nil {
		return
	}
	entry := s.log.WithFields(fields).WithField("op", op)
	if de, ok := domain.AsError(err); ok {
		entry.WithField("code", de.Code).Info("operation rejected")
		return
	}
	entry.WithError(err).Error("operation failed")
}
