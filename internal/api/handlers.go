/**
 * @description
 * This file contains the HTTP handlers for the escrow-service's API endpoints.
 * Handlers parse and validate the request, resolve the Clerk session to an
 * internal caller, call the escrow engine and write the JSON response. Domain
 * errors are mapped to HTTP status codes in one place.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/go-playground/validator/v10: Request payload validation.
 * - github.com/shopspring/decimal: Major-unit amounts on the wire.
 * - internal/app, internal/domain, internal/store: Service logic, models and errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

// EscrowService is the engine surface the handlers call. *app.Service satisfies it.
type EscrowService interface {
	ResolveCaller(ctx context.Context, clerkUserID string) (domain.Caller, error)

	CreateEscrow(ctx context.Context, caller domain.Caller, params domain.CreateEscrowParams) (*domain.EscrowDetails, error)
	AcceptEscrow(ctx context.Context, caller domain.Caller, escrowID uuid.UUID) (*domain.EscrowDetails, error)
	DeclineEscrow(ctx context.Context, caller domain.Caller, escrowID uuid.UUID) (*domain.EscrowDetails, error)
	MarkDelivered(ctx context.Context, caller domain.Caller, escrowID uuid.UUID) (*domain.EscrowDetails, error)
	ReleaseEscrow(ctx context.Context, caller domain.Caller, escrowID uuid.UUID) (*domain.EscrowDetails, error)
	DeleteEscrow(ctx context.Context, caller domain.Caller, escrowID uuid.UUID) error

	GetEscrowByID(ctx context.Context, caller domain.Caller, escrowID uuid.UUID) (*domain.EscrowDetails, error)
	ListEscrows(ctx context.Context, caller domain.Caller, filter domain.ListEscrowsFilter) ([]domain.Escrow, error)
	GetBalance(ctx context.Context, caller domain.Caller) (*domain.User, error)

	InitiateWithdrawal(ctx context.Context, caller domain.Caller, params domain.InitiateWithdrawalParams) (*domain.Withdrawal, error)
	FinalizeWithdrawal(ctx context.Context, caller domain.Caller, withdrawalID uuid.UUID, otp string) (*domain.Withdrawal, error)
	GetWithdrawal(ctx context.Context, caller domain.Caller, withdrawalID uuid.UUID) (*domain.Withdrawal, error)
}

// LedgerAuditRunner runs the escrow/lock consistency audit on demand.
type LedgerAuditRunner interface {
	RunOnce(ctx context.Context) (*store.LedgerAudit, error)
}

// EscrowHandlers holds the application service that handlers will use.
type EscrowHandlers struct {
	service  EscrowService
	audit    LedgerAuditRunner
	validate *validator.Validate
	log      *logrus.Entry
}

// NewEscrowHandlers creates a new instance of EscrowHandlers. audit may be nil,
// in which case the internal audit route reports 503.
func NewEscrowHandlers(service EscrowService, audit LedgerAuditRunner, logger logrus.FieldLogger) *EscrowHandlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EscrowHandlers{
		service:  service,
		audit:    audit,
		validate: validator.New(),
		log:      logger.WithField("component", "api"),
	}
}

type createEscrowRequest struct {
	ProductName   string          `json:"product_name" validate:"required,max=200"`
	Description   string          `json:"description" validate:"max=2000"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" validate:"omitempty,len=3,alpha"`
	Role          string          `json:"role" validate:"required,oneof=SELLER BUYER"`
	ReceiverEmail string          `json:"receiver_email" validate:"omitempty,email"`
	ReceiverID    string          `json:"receiver_id" validate:"omitempty,uuid"`
}

// escrowResponse adds display amounts to the stored record.
type escrowResponse struct {
	*domain.EscrowDetails
	AmountDisplay string `json:"amount_display"`
}

type escrowListItem struct {
	domain.Escrow
	AmountDisplay string `json:"amount_display"`
}

type balanceResponse struct {
	UserID               uuid.UUID `json:"user_id"`
	Balance              int64     `json:"balance"`
	LedgerBalance        int64     `json:"ledger_balance"`
	BalanceDisplay       string    `json:"balance_display"`
	LedgerBalanceDisplay string    `json:"ledger_balance_display"`
}

// CreateEscrowHandler handles POST /escrows.
func (h *EscrowHandlers) CreateEscrowHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}

	var req createEscrowRequest
	if !h.decodeAndValidate(w, r, &req, func() { req.Role = strings.ToUpper(strings.TrimSpace(req.Role)) }) {
		return
	}

	amount, err := domain.ToMinorUnits(req.Amount)
	if err != nil || amount <= 0 {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidAmount.Code, "amount must be a positive value with at most two decimal places")
		return
	}

	params := domain.CreateEscrowParams{
		ProductName:   req.ProductName,
		Description:   req.Description,
		Amount:        amount,
		Currency:      req.Currency,
		Role:          domain.Role(req.Role),
		ReceiverEmail: strings.TrimSpace(req.ReceiverEmail),
	}
	if req.ReceiverID != "" {
		receiverID, err := uuid.Parse(req.ReceiverID)
		if err != nil {
			writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, "receiver_id must be a valid UUID")
			return
		}
		params.ReceiverID = &receiverID
	}

	details, err := h.service.CreateEscrow(r.Context(), caller, params)
	if err != nil {
		h.writeServiceError(w, "create_escrow", err)
		return
	}
	writeJSON(w, http.StatusCreated, newEscrowResponse(details))
}

// ListEscrowsHandler handles GET /escrows?status=&limit=&offset=.
func (h *EscrowHandlers) ListEscrowsHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	var filter domain.ListEscrowsFilter
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status := domain.EscrowStatus(strings.ToUpper(raw))
		filter.Status = &status
	}
	var err error
	if filter.Limit, err = parseOptionalInt(query.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, "limit must be an integer")
		return
	}
	if filter.Offset, err = parseOptionalInt(query.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, "offset must be an integer")
		return
	}

	escrows, err := h.service.ListEscrows(r.Context(), caller, filter)
	if err != nil {
		h.writeServiceError(w, "list_escrows", err)
		return
	}

	items := make([]escrowListItem, 0, len(escrows))
	for _, e := range escrows {
		items = append(items, escrowListItem{Escrow: e, AmountDisplay: domain.FormatMinorUnits(e.Amount)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escrows": items})
}

// GetBalanceHandler handles GET /escrows/balance.
func (h *EscrowHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetBalance(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, "get_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		UserID:               user.ID,
		Balance:              user.Balance,
		LedgerBalance:        user.LedgerBalance,
		BalanceDisplay:       domain.FormatMinorUnits(user.Balance),
		LedgerBalanceDisplay: domain.FormatMinorUnits(user.LedgerBalance),
	})
}

// GetEscrowHandler handles GET /escrows/{escrow_id}.
func (h *EscrowHandlers) GetEscrowHandler(w http.ResponseWriter, r *http.Request) {
	h.escrowAction(w, r, "get_escrow", http.StatusOK, h.service.GetEscrowByID)
}

// AcceptEscrowHandler handles POST /escrows/{escrow_id}/accept.
func (h *EscrowHandlers) AcceptEscrowHandler(w http.ResponseWriter, r *http.Request) {
	h.escrowAction(w, r, "accept_escrow", http.StatusOK, h.service.AcceptEscrow)
}

// DeclineEscrowHandler handles POST /escrows/{escrow_id}/decline.
func (h *EscrowHandlers) DeclineEscrowHandler(w http.ResponseWriter, r *http.Request) {
	h.escrowAction(w, r, "decline_escrow", http.StatusOK, h.service.DeclineEscrow)
}

// MarkDeliveredHandler handles POST /escrows/{escrow_id}/delivered.
func (h *EscrowHandlers) MarkDeliveredHandler(w http.ResponseWriter, r *http.Request) {
	h.escrowAction(w, r, "mark_delivered", http.StatusOK, h.service.MarkDelivered)
}

// ReleaseEscrowHandler handles POST /escrows/{escrow_id}/release.
func (h *EscrowHandlers) ReleaseEscrowHandler(w http.ResponseWriter, r *http.Request) {
	h.escrowAction(w, r, "release_escrow", http.StatusOK, h.service.ReleaseEscrow)
}

// DeleteEscrowHandler handles DELETE /escrows/{escrow_id}.
func (h *EscrowHandlers) DeleteEscrowHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}
	escrowID, ok := pathUUID(w, r, "escrow_id")
	if !ok {
		return
	}
	if err := h.service.DeleteEscrow(r.Context(), caller, escrowID); err != nil {
		h.writeServiceError(w, "delete_escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "escrow_id": escrowID})
}

// RunLedgerAuditHandler handles POST /internal/ledger-audit.
func (h *EscrowHandlers) RunLedgerAuditHandler(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "AUDIT_UNAVAILABLE", "ledger audit is not configured")
		return
	}
	audit, err := h.audit.RunOnce(r.Context())
	if err != nil {
		h.writeServiceError(w, "ledger_audit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"released_without_lock":      audit.ReleasedWithoutLock,
		"released_with_open_lock":    audit.ReleasedWithOpenLock,
		"lock_released_not_released": audit.LockReleasedNotReleased,
		"orphaned_locks":             audit.OrphanedLocks,
		"total":                      audit.Total(),
	})
}

type escrowOperation func(ctx context.Context, caller domain.Caller, escrowID uuid.UUID) (*domain.EscrowDetails, error)

func (h *EscrowHandlers) escrowAction(w http.ResponseWriter, r *http.Request, endpoint string, status int, op escrowOperation) {
	caller, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}
	escrowID, ok := pathUUID(w, r, "escrow_id")
	if !ok {
		return
	}
	details, err := op(r.Context(), caller, escrowID)
	if err != nil {
		h.writeServiceError(w, endpoint, err)
		return
	}
	writeJSON(w, status, newEscrowResponse(details))
}

func newEscrowResponse(details *domain.EscrowDetails) escrowResponse {
	return escrowResponse{EscrowDetails: details, AmountDisplay: domain.FormatMinorUnits(details.Amount)}
}

// resolveCaller maps the Clerk session on the request to an internal caller.
func (h *EscrowHandlers) resolveCaller(w http.ResponseWriter, r *http.Request) (domain.Caller, bool) {
	clerkUserID, ok := GetClerkUserID(r.Context())
	if !ok || clerkUserID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Could not get user ID from context")
		return domain.Caller{}, false
	}
	caller, err := h.service.ResolveCaller(r.Context(), clerkUserID)
	if err != nil {
		h.log.WithError(err).WithField("clerk_user_id", clerkUserID).Warn("user resolution failed")
		h.writeServiceError(w, "resolve_caller", err)
		return domain.Caller{}, false
	}
	return caller, true
}

// decodeAndValidate decodes the JSON body into dst, applies normalize and runs
// the struct validator. It writes a 400 and reports false on any failure.
func (h *EscrowHandlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}, normalize func()) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, "Invalid request body")
		return false
	}
	if normalize != nil {
		normalize()
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return domain.ErrInvalidInput.Message
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return "invalid request payload: " + strings.Join(fields, ", ")
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseOptionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// writeServiceError maps engine errors onto HTTP responses.
func (h *EscrowHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	if de, ok := domain.AsError(err); ok {
		writeError(w, statusForKind(de.Kind), de.Code, de.Message)
		return
	}
	if errors.Is(err, app.ErrRailUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "RAIL_UNAVAILABLE", "withdrawals are temporarily unavailable")
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
		return
	}
	h.log.WithError(err).WithField("endpoint", endpoint).Error("request failed")
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation, domain.KindFinancial:
		return http.StatusBadRequest
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
