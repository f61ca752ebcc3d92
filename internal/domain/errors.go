package domain

import "errors"

// ErrorKind groups error codes for transport mapping.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindConflict      ErrorKind = "conflict"
	KindNotFound      ErrorKind = "not_found"
	KindFinancial     ErrorKind = "financial"
)

// Error is a typed failure with a stable code. Two errors match under errors.Is
// when their codes are equal, so callers may wrap a sentinel with extra context.
type Error struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

var (
	ErrInvalidAmount       = newError(KindValidation, "INVALID_AMOUNT", "amount must be greater than zero")
	ErrInvalidRole         = newError(KindValidation, "INVALID_ROLE", "role must be SELLER or BUYER")
	ErrInvalidInput        = newError(KindValidation, "VALIDATION_ERROR", "invalid request payload")
	ErrSenderReceiverSame  = newError(KindValidation, "SENDER_RECEIVER_SAME", "you cannot create an escrow with yourself")
	ErrSenderCannotAccept  = newError(KindAuthorization, "SENDER_CANNOT_ACCEPT", "the creator of an escrow cannot accept it")
	ErrSenderCannotDecline = newError(KindAuthorization, "SENDER_CANNOT_DECLINE", "the creator of an escrow cannot decline it")
	ErrOnlySeller          = newError(KindAuthorization, "ONLY_SELLER", "only the seller can mark an escrow as delivered")
	ErrForbidden           = newError(KindAuthorization, "FORBIDDEN", "only the buyer who funded this escrow can release it")
	ErrAlreadyAccepted     = newError(KindConflict, "ESCROW_ALREADY_ACCEPTED", "this escrow has already been accepted by another user")
	ErrInvitationDeclined  = newError(KindConflict, "INVITATION_DECLINED", "this invitation has already been declined")
	ErrAlreadyDelivered    = newError(KindConflict, "ALREADY_DELIVERED", "this escrow has already been marked as delivered")
	ErrAlreadyReleased     = newError(KindConflict, "ALREADY_RELEASED", "funds for this escrow have already been released")
	ErrInvalidState        = newError(KindConflict, "INVALID_STATE", "escrow is not in a state that allows this action")
	ErrDeleteNotAllowed    = newError(KindConflict, "DELETE_NOT_ALLOWED", "escrow can only be deleted while pending or completed")
	ErrNoSeller            = newError(KindConflict, "NO_SELLER", "escrow has no seller yet")
	ErrEscrowNotFound      = newError(KindNotFound, "ESCROW_NOT_FOUND", "escrow not found")
	ErrNotFoundOrForbidden = newError(KindNotFound, "ESCROW_NOT_FOUND_OR_FORBIDDEN", "escrow not found or you are not a participant")
	ErrLockNotFound        = newError(KindNotFound, "NOT_FOUND", "no locked funds found for this escrow")
	ErrUserNotFound        = newError(KindNotFound, "USER_NOT_FOUND", "user not found")
	ErrInsufficientFunds   = newError(KindFinancial, "INSUFFICIENT_FUNDS", "insufficient balance")

	ErrWithdrawalNotFound     = newError(KindNotFound, "WITHDRAWAL_NOT_FOUND", "withdrawal not found")
	ErrWithdrawalNotPending   = newError(KindConflict, "WITHDRAWAL_NOT_AWAITING_OTP", "withdrawal is not awaiting an otp")
	ErrBelowMinimumWithdrawal = newError(KindValidation, "AMOUNT_BELOW_MINIMUM", "amount is below the minimum withdrawal")
	ErrOTPRejected            = newError(KindValidation, "OTP_REJECTED", "the payment provider rejected the otp")
)

// AsError extracts a typed domain error from err.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
