/**
 * @description
 * Core domain models for the escrow-service: escrows, locked funds and the
 * activity trail written alongside every lifecycle transition.
 *
 * @notes
 * - Every monetary field is an int64 in the currency's minor unit (kobo for NGN).
 *   Major-unit decimals only exist at the API boundary (see money.go).
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the side of the trade a party plays.
type Role string

const (
	RoleSeller Role = "SELLER"
	RoleBuyer  Role = "BUYER"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleSeller || r == RoleBuyer
}

// Complement returns the role the counterparty receives.
func (r Role) Complement() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// EscrowStatus is the escrow's own lifecycle state.
type EscrowStatus string

const (
	EscrowStatusPending    EscrowStatus = "PENDING"
	EscrowStatusInProgress EscrowStatus = "IN_PROGRESS"
	EscrowStatusReleased   EscrowStatus = "RELEASED"
	EscrowStatusCancelled  EscrowStatus = "CANCELLED"
	// EscrowStatusCompleted is accepted by the store and the delete allowlist but no
	// lifecycle operation produces it.
	EscrowStatusCompleted EscrowStatus = "COMPLETED"
)

// Valid reports whether s is a recognised escrow status.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowStatusPending, EscrowStatusInProgress, EscrowStatusReleased, EscrowStatusCancelled, EscrowStatusCompleted:
		return true
	}
	return false
}

// Deletable reports whether an escrow in this status may be removed.
func (s EscrowStatus) Deletable() bool {
	return s == EscrowStatusPending || s == EscrowStatusCompleted
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "PENDING"
	InvitationAccepted InvitationStatus = "ACCEPTED"
	InvitationDeclined InvitationStatus = "DECLINED"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
)

// Activity actions recorded in escrow_activities.
const (
	ActivityCreated         = "CREATED"
	ActivityAccepted        = "ACCEPTED"
	ActivityDeclined        = "DECLINED"
	ActivityMarkedDelivered = "DELIVERY_MARKED_DELIVERED"
	ActivityReleased        = "RELEASED"
)

// Escrow is a single proposed-or-active exchange between two parties.
// This struct maps directly to the `escrows` table.
type Escrow struct {
	ID                uuid.UUID        `json:"id"`
	CreatorID         uuid.UUID        `json:"creator_id"`
	SenderID          uuid.UUID        `json:"sender_id"`
	ReceiverID        *uuid.UUID       `json:"receiver_id,omitempty"`
	// InvitedReceiverID pins the invitation to one user when the creator named them.
	// ReceiverID stays nil until that user responds.
	InvitedReceiverID *uuid.UUID       `json:"invited_receiver_id,omitempty"`
	Role              Role             `json:"role"`
	InvitedRole       Role             `json:"invited_role"`
	ProductName       string           `json:"product_name"`
	Description       string           `json:"description"`
	Amount            int64            `json:"amount"` // in kobo
	Currency          string           `json:"currency"`
	Status            EscrowStatus     `json:"status"`
	InvitationStatus  InvitationStatus `json:"invitation_status"`
	DeliveryStatus    DeliveryStatus   `json:"delivery_status"`
	SenderEmail       string           `json:"sender_email"`
	ReceiverEmail     string           `json:"receiver_email"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// ResolvedSellerID returns the id of the party playing SELLER, if one is bound.
// The receiver only counts once the invitation has been accepted.
func (e *Escrow) ResolvedSellerID() (uuid.UUID, bool) {
	return e.partyFor(RoleSeller)
}

// ResolvedBuyerID returns the id of the party playing BUYER, if one is bound.
func (e *Escrow) ResolvedBuyerID() (uuid.UUID, bool) {
	return e.partyFor(RoleBuyer)
}

func (e *Escrow) partyFor(role Role) (uuid.UUID, bool) {
	if e.Role == role {
		return e.SenderID, true
	}
	if e.ReceiverID != nil && e.InvitationStatus == InvitationAccepted {
		return *e.ReceiverID, true
	}
	return uuid.Nil, false
}

// IsParticipant reports whether userID is the sender or the bound receiver.
func (e *Escrow) IsParticipant(userID uuid.UUID) bool {
	if e.SenderID == userID {
		return true
	}
	return e.ReceiverID != nil && *e.ReceiverID == userID
}

// CanView reports whether the caller may read the escrow. Open invitations are
// visible to the invitee, matched by id or by the email the creator entered.
func (e *Escrow) CanView(caller Caller) bool {
	if e.IsParticipant(caller.UserID) {
		return true
	}
	if e.ReceiverID != nil {
		return false
	}
	if e.InvitedReceiverID != nil {
		return *e.InvitedReceiverID == caller.UserID
	}
	email := strings.TrimSpace(caller.Email)
	return email != "" && strings.EqualFold(email, strings.TrimSpace(e.ReceiverEmail))
}

// Counterparty returns the other participant from userID's perspective.
func (e *Escrow) Counterparty(userID uuid.UUID) (uuid.UUID, bool) {
	if e.SenderID == userID {
		if e.ReceiverID == nil {
			return uuid.Nil, false
		}
		return *e.ReceiverID, true
	}
	return e.SenderID, true
}

// LockedFund is a reservation of buyer capital against one escrow.
type LockedFund struct {
	ID         uuid.UUID  `json:"id"`
	EscrowID   uuid.UUID  `json:"escrow_id"`
	BuyerID    uuid.UUID  `json:"buyer_id"`
	Amount     int64      `json:"amount"` // in kobo
	Released   bool       `json:"released"`
	CreatedAt  time.Time  `json:"created_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// EscrowActivity is one append-only audit entry.
type EscrowActivity struct {
	ID        uuid.UUID `json:"id"`
	EscrowID  uuid.UUID `json:"escrow_id"`
	UserID    uuid.UUID `json:"user_id"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// Party is the joined identity of a sender or receiver.
type Party struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username,omitempty"`
	FullName *string   `json:"full_name,omitempty"`
	Email    string    `json:"email,omitempty"`
}

// EscrowDetails is the read projection returned by the query surface.
type EscrowDetails struct {
	Escrow
	Sender                *Party           `json:"sender,omitempty"`
	Receiver              *Party           `json:"receiver,omitempty"`
	Activities            []EscrowActivity `json:"activities"`
	LockedFund            *LockedFund      `json:"locked_fund,omitempty"`
	BlockedByCounterparty bool             `json:"blocked_by_counterparty"`
}

// Caller is the authenticated user an operation acts on behalf of.
type Caller struct {
	UserID uuid.UUID
	Email  string
}

// User is the subset of the users table this service reads.
type User struct {
	ID            uuid.UUID `json:"id"`
	ClerkUserID   string    `json:"-"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	Balance       int64     `json:"balance"`
	LedgerBalance int64     `json:"ledger_balance"`
}

// CreateEscrowParams carries validated input for the create operation.
type CreateEscrowParams struct {
	ProductName   string
	Description   string
	Amount        int64 // in kobo
	Currency      string
	Role          Role
	ReceiverEmail string
	ReceiverID    *uuid.UUID
}

// ListEscrowsFilter narrows the list query.
type ListEscrowsFilter struct {
	Status *EscrowStatus
	Limit  int
	Offset int
}
