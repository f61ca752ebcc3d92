package api

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
)

type initiateWithdrawalRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" validate:"omitempty,len=3,alpha"`
	BankCode      string          `json:"bank_code" validate:"required,numeric,max=10"`
	AccountNumber string          `json:"account_number" validate:"required,numeric,len=10"`
	AccountName   string          `json:"account_name" validate:"required,max=120"`
}

type finalizeWithdrawalRequest struct {
	OTP string `json:"otp" validate:"required,max=12"`
}

type withdrawalResponse struct {
	*domain.Withdrawal
	AmountDisplay string `json:"amount_display"`
}

// InitiateWithdrawalHandler handles POST /withdrawals.
func (h *EscrowHandlers) InitiateWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}

	var req initiateWithdrawalRequest
	if !h.decodeAndValidate(w, r, &req, func() {
		req.BankCode = strings.TrimSpace(req.BankCode)
		req.AccountNumber = strings.TrimSpace(req.AccountNumber)
		req.AccountName = strings.TrimSpace(req.AccountName)
	}) {
		return
	}

	amount, err := domain.ToMinorUnits(req.Amount)
	if err != nil || amount <= 0 {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidAmount.Code, "amount must be a positive value with at most two decimal places")
		return
	}

	withdrawal, err := h.service.InitiateWithdrawal(r.Context(), caller, domain.InitiateWithdrawalParams{
		Amount:        amount,
		Currency:      req.Currency,
		BankCode:      req.BankCode,
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
	})
	if err != nil {
		h.writeServiceError(w, "initiate_withdrawal", err)
		return
	}
	writeJSON(w, http.StatusAccepted, newWithdrawalResponse(withdrawal))
}

// FinalizeWithdrawalHandler handles POST /withdrawals/{withdrawal_id}/finalize.
func (h *EscrowHandlers) FinalizeWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}
	withdrawalID, ok := pathUUID(w, r, "withdrawal_id")
	if !ok {
		return
	}

	var req finalizeWithdrawalRequest
	if !h.decodeAndValidate(w, r, &req, func() { req.OTP = strings.TrimSpace(req.OTP) }) {
		return
	}

	withdrawal, err := h.service.FinalizeWithdrawal(r.Context(), caller, withdrawalID, req.OTP)
	if err != nil {
		h.writeServiceError(w, "finalize_withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, newWithdrawalResponse(withdrawal))
}

// GetWithdrawalHandler handles GET /withdrawals/{withdrawal_id}.
func (h *EscrowHandlers) GetWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}
	withdrawalID, ok := pathUUID(w, r, "withdrawal_id")
	if !ok {
		return
	}

	withdrawal, err := h.service.GetWithdrawal(r.Context(), caller, withdrawalID)
	if err != nil {
		h.writeServiceError(w, "get_withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, newWithdrawalResponse(withdrawal))
}

func newWithdrawalResponse(w *domain.Withdrawal) withdrawalResponse {
	return withdrawalResponse{Withdrawal: w, AmountDisplay: domain.FormatMinorUnits(w.Amount)}
}
