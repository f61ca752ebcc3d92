package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

// memoryState is everything the fake repository persists. WithinTx snapshots it
// and restores the snapshot when the unit of work fails.
type memoryState struct {
	users         map[uuid.UUID]domain.User
	blocks        map[[2]uuid.UUID]bool
	escrows       map[uuid.UUID]domain.Escrow
	locks         map[uuid.UUID]domain.LockedFund
	activities    []domain.EscrowActivity
	conversations map[uuid.UUID][]uuid.UUID
	withdrawals   map[uuid.UUID]domain.Withdrawal
	outbox        []domain.OutboxMessage
}

func newMemoryState() *memoryState {
	return &memoryState{
		users:         map[uuid.UUID]domain.User{},
		blocks:        map[[2]uuid.UUID]bool{},
		escrows:       map[uuid.UUID]domain.Escrow{},
		locks:         map[uuid.UUID]domain.LockedFund{},
		conversations: map[uuid.UUID][]uuid.UUID{},
		withdrawals:   map[uuid.UUID]domain.Withdrawal{},
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.blocks {
		c.blocks[k] = v
	}
	for k, v := range s.escrows {
		c.escrows[k] = v
	}
	for k, v := range s.locks {
		c.locks[k] = v
	}
	c.activities = append([]domain.EscrowActivity(nil), s.activities...)
	for k, v := range s.conversations {
		c.conversations[k] = append([]uuid.UUID(nil), v...)
	}
	for k, v := range s.withdrawals {
		c.withdrawals[k] = v
	}
	c.outbox = append([]domain.OutboxMessage(nil), s.outbox...)
	return c
}

type memoryRepository struct {
	mu       sync.Mutex
	state    *memoryState
	seq      int64
	blockErr error
	// failTx makes the named Tx method return the error once.
	failTx map[string]error
}

var _ store.Repository = (*memoryRepository)(nil)
var _ store.Tx = (*memoryTx)(nil)

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{state: newMemoryState(), failTx: map[string]error{}}
}

func (r *memoryRepository) addUser(email string, balance int64) domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := domain.User{
		ID:            uuid.New(),
		ClerkUserID:   "user_" + strings.Split(email, "@")[0],
		Username:      strings.Split(email, "@")[0],
		Email:         email,
		Balance:       balance,
		LedgerBalance: balance,
	}
	r.state.users[u.ID] = u
	return u
}

func (r *memoryRepository) balance(id uuid.UUID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.users[id].Balance
}

func (r *memoryRepository) ledgerBalance(id uuid.UUID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.users[id].LedgerBalance
}

func (r *memoryRepository) escrow(id uuid.UUID) (domain.Escrow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.state.escrows[id]
	return e, ok
}

func (r *memoryRepository) lock(escrowID uuid.UUID) (domain.LockedFund, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.state.locks[escrowID]
	return l, ok
}

func (r *memoryRepository) putEscrow(e domain.Escrow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.escrows[e.ID] = e
}

func (r *memoryRepository) putLock(l domain.LockedFund) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.locks[l.EscrowID] = l
}

func (r *memoryRepository) activityActions(escrowID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var actions []string
	for _, a := range r.state.activities {
		if a.EscrowID == escrowID {
			actions = append(actions, a.Action)
		}
	}
	return actions
}

func (r *memoryRepository) members(escrowID uuid.UUID) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.state.conversations[escrowID]...)
}

func (r *memoryRepository) routingKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.state.outbox))
	for _, m := range r.state.outbox {
		keys = append(keys, m.RoutingKey)
	}
	return keys
}

func (r *memoryRepository) totalBalance() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, u := range r.state.users {
		total += u.Balance
	}
	for _, l := range r.state.locks {
		if !l.Released {
			total += l.Amount
		}
	}
	return total
}

func (r *memoryRepository) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.state.clone()
	if err := fn(&memoryTx{repo: r}); err != nil {
		r.state = snapshot
		return err
	}
	return nil
}

func (r *memoryRepository) FindUserByClerkUserID(ctx context.Context, clerkUserID string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.state.users {
		if u.ClerkUserID == clerkUserID {
			user := u
			return &user, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (r *memoryRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.state.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &u, nil
}

func (r *memoryRepository) IsUserBlocked(ctx context.Context, blockerID, blockedID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blockErr != nil {
		return false, r.blockErr
	}
	return r.state.blocks[[2]uuid.UUID{blockerID, blockedID}], nil
}

func (r *memoryRepository) GetEscrowDetails(ctx context.Context, escrowID uuid.UUID) (*domain.EscrowDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.state.escrows[escrowID]
	if !ok {
		return nil, domain.ErrEscrowNotFound
	}
	details := &domain.EscrowDetails{Escrow: e, Activities: []domain.EscrowActivity{}}
	if u, ok := r.state.users[e.SenderID]; ok {
		details.Sender = &domain.Party{ID: u.ID, Username: u.Username, Email: u.Email}
	}
	if e.ReceiverID != nil {
		if u, ok := r.state.users[*e.ReceiverID]; ok {
			details.Receiver = &domain.Party{ID: u.ID, Username: u.Username, Email: u.Email}
		}
	}
	for _, a := range r.state.activities {
		if a.EscrowID == escrowID {
			details.Activities = append(details.Activities, a)
		}
	}
	if l, ok := r.state.locks[escrowID]; ok {
		details.LockedFund = &l
	}
	return details, nil
}

func (r *memoryRepository) ListEscrowsForUser(ctx context.Context, userID uuid.UUID, email string, filter domain.ListEscrowsFilter) ([]domain.Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	email = strings.TrimSpace(email)
	var out []domain.Escrow
	for _, e := range r.state.escrows {
		visible := e.SenderID == userID ||
			(e.ReceiverID != nil && *e.ReceiverID == userID) ||
			(e.ReceiverID == nil && e.InvitedReceiverID != nil && *e.InvitedReceiverID == userID) ||
			(e.ReceiverID == nil && e.InvitedReceiverID == nil && email != "" && strings.EqualFold(e.ReceiverEmail, email))
		if !visible {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset >= len(out) {
		return []domain.Escrow{}, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memoryRepository) FindWithdrawalByID(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.state.withdrawals[withdrawalID]
	if !ok {
		return nil, domain.ErrWithdrawalNotFound
	}
	return &w, nil
}

func (r *memoryRepository) FindWithdrawalByTransferRef(ctx context.Context, transferCode, reference string) (*domain.Withdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.state.withdrawals {
		if transferCode != "" && w.TransferCode != nil && *w.TransferCode == transferCode {
			return &w, nil
		}
		if reference != "" && w.Reference == reference {
			return &w, nil
		}
	}
	return nil, domain.ErrWithdrawalNotFound
}

func (r *memoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > len(r.state.outbox) {
		limit = len(r.state.outbox)
	}
	return append([]domain.OutboxMessage(nil), r.state.outbox[:limit]...), nil
}

func (r *memoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.state.outbox {
		if m.ID == id {
			r.state.outbox = append(r.state.outbox[:i], r.state.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *memoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.state.outbox {
		if r.state.outbox[i].ID == id {
			r.state.outbox[i].Attempts++
		}
	}
	return nil
}

func (r *memoryRepository) AuditLedger(ctx context.Context) (*store.LedgerAudit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var audit store.LedgerAudit
	for id, e := range r.state.escrows {
		l, hasLock := r.state.locks[id]
		switch {
		case e.Status == domain.EscrowStatusReleased && !hasLock:
			audit.ReleasedWithoutLock++
		case e.Status == domain.EscrowStatusReleased && !l.Released:
			audit.ReleasedWithOpenLock++
		case hasLock && l.Released && e.Status != domain.EscrowStatusReleased && e.Status != domain.EscrowStatusCompleted:
			audit.LockReleasedNotReleased++
		}
	}
	for id := range r.state.locks {
		if _, ok := r.state.escrows[id]; !ok {
			audit.OrphanedLocks++
		}
	}
	return &audit, nil
}

// memoryTx runs with the repository mutex held by WithinTx.
type memoryTx struct {
	repo *memoryRepository
}

func (t *memoryTx) st() *memoryState {
	return t.repo.state
}

func (t *memoryTx) injected(method string) error {
	if err, ok := t.repo.failTx[method]; ok {
		delete(t.repo.failTx, method)
		return err
	}
	return nil
}

func (t *memoryTx) Debit(ctx context.Context, userID uuid.UUID, amount int64) error {
	if err := t.injected("Debit"); err != nil {
		return err
	}
	u, ok := t.st().users[userID]
	if !ok {
		return domain.ErrUserNotFound
	}
	if u.Balance < amount {
		return domain.ErrInsufficientFunds
	}
	u.Balance -= amount
	u.LedgerBalance -= amount
	t.st().users[userID] = u
	return nil
}

func (t *memoryTx) Credit(ctx context.Context, userID uuid.UUID, amount int64) error {
	if err := t.injected("Credit"); err != nil {
		return err
	}
	u, ok := t.st().users[userID]
	if !ok {
		return domain.ErrUserNotFound
	}
	u.Balance += amount
	u.LedgerBalance += amount
	t.st().users[userID] = u
	return nil
}

func (t *memoryTx) InsertEscrow(ctx context.Context, e *domain.Escrow) error {
	if err := t.injected("InsertEscrow"); err != nil {
		return err
	}
	t.st().escrows[e.ID] = *e
	return nil
}

func (t *memoryTx) LockEscrow(ctx context.Context, escrowID uuid.UUID) (*domain.Escrow, error) {
	e, ok := t.st().escrows[escrowID]
	if !ok {
		return nil, domain.ErrEscrowNotFound
	}
	return &e, nil
}

func (t *memoryTx) ClaimEscrowReceiver(ctx context.Context, escrowID, receiverID uuid.UUID, receiverEmail string) (bool, error) {
	e, ok := t.st().escrows[escrowID]
	if !ok || e.ReceiverID != nil || e.InvitationStatus != domain.InvitationPending ||
		e.Status != domain.EscrowStatusPending || e.SenderID == receiverID ||
		(e.InvitedReceiverID != nil && *e.InvitedReceiverID != receiverID) {
		return false, nil
	}
	id := receiverID
	e.ReceiverID = &id
	if strings.TrimSpace(e.ReceiverEmail) == "" {
		e.ReceiverEmail = receiverEmail
	}
	e.InvitationStatus = domain.InvitationAccepted
	e.Status = domain.EscrowStatusInProgress
	t.st().escrows[escrowID] = e
	return true, nil
}

func (t *memoryTx) DeclineEscrow(ctx context.Context, escrowID, receiverID uuid.UUID, receiverEmail string) (bool, error) {
	e, ok := t.st().escrows[escrowID]
	if !ok || e.ReceiverID != nil || e.InvitationStatus != domain.InvitationPending || e.SenderID == receiverID ||
		(e.InvitedReceiverID != nil && *e.InvitedReceiverID != receiverID) {
		return false, nil
	}
	id := receiverID
	e.ReceiverID = &id
	if strings.TrimSpace(e.ReceiverEmail) == "" {
		e.ReceiverEmail = receiverEmail
	}
	e.InvitationStatus = domain.InvitationDeclined
	t.st().escrows[escrowID] = e
	return true, nil
}

func (t *memoryTx) MarkEscrowDelivered(ctx context.Context, escrowID uuid.UUID) (bool, error) {
	e, ok := t.st().escrows[escrowID]
	if !ok || e.Status != domain.EscrowStatusInProgress || e.DeliveryStatus != domain.DeliveryPending {
		return false, nil
	}
	e.DeliveryStatus = domain.DeliveryDelivered
	t.st().escrows[escrowID] = e
	return true, nil
}

func (t *memoryTx) TransitionEscrowStatus(ctx context.Context, escrowID uuid.UUID, from, to domain.EscrowStatus) (bool, error) {
	e, ok := t.st().escrows[escrowID]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	t.st().escrows[escrowID] = e
	return true, nil
}

func (t *memoryTx) DeleteEscrow(ctx context.Context, escrowID uuid.UUID) error {
	if err := t.injected("DeleteEscrow"); err != nil {
		return err
	}
	delete(t.st().escrows, escrowID)
	return nil
}

func (t *memoryTx) InsertLockedFund(ctx context.Context, fund *domain.LockedFund) error {
	if err := t.injected("InsertLockedFund"); err != nil {
		return err
	}
	if _, exists := t.st().locks[fund.EscrowID]; exists {
		return store.ErrDuplicateLockedFund
	}
	t.st().locks[fund.EscrowID] = *fund
	return nil
}

func (t *memoryTx) LockLockedFund(ctx context.Context, escrowID uuid.UUID) (*domain.LockedFund, error) {
	l, ok := t.st().locks[escrowID]
	if !ok {
		return nil, domain.ErrLockNotFound
	}
	return &l, nil
}

func (t *memoryTx) MarkLockedFundReleased(ctx context.Context, escrowID uuid.UUID, releasedAt time.Time) (bool, error) {
	l, ok := t.st().locks[escrowID]
	if !ok || l.Released {
		return false, nil
	}
	l.Released = true
	l.ReleasedAt = &releasedAt
	t.st().locks[escrowID] = l
	return true, nil
}

func (t *memoryTx) DeleteLockedFund(ctx context.Context, escrowID uuid.UUID) error {
	delete(t.st().locks, escrowID)
	return nil
}

func (t *memoryTx) InsertActivity(ctx context.Context, a *domain.EscrowActivity) error {
	if err := t.injected("InsertActivity"); err != nil {
		return err
	}
	t.st().activities = append(t.st().activities, *a)
	return nil
}

func (t *memoryTx) DeleteActivities(ctx context.Context, escrowID uuid.UUID) error {
	kept := t.st().activities[:0:0]
	for _, a := range t.st().activities {
		if a.EscrowID != escrowID {
			kept = append(kept, a)
		}
	}
	t.st().activities = kept
	return nil
}

func (t *memoryTx) SetConversationMembers(ctx context.Context, escrowID uuid.UUID, members []uuid.UUID) error {
	t.st().conversations[escrowID] = append([]uuid.UUID(nil), members...)
	return nil
}

func (t *memoryTx) DeleteConversations(ctx context.Context, escrowID uuid.UUID) error {
	delete(t.st().conversations, escrowID)
	return nil
}

func (t *memoryTx) EnqueueOutbox(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	if err := t.injected("EnqueueOutbox"); err != nil {
		return err
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.repo.seq++
	t.st().outbox = append(t.st().outbox, domain.OutboxMessage{
		ID:         t.repo.seq,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Payload:    blob,
	})
	return nil
}

func (t *memoryTx) InsertWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	if err := t.injected("InsertWithdrawal"); err != nil {
		return err
	}
	t.st().withdrawals[w.ID] = *w
	return nil
}

func (t *memoryTx) TransitionWithdrawal(ctx context.Context, withdrawalID uuid.UUID, from []domain.WithdrawalStatus, update store.WithdrawalUpdate) (bool, error) {
	w, ok := t.st().withdrawals[withdrawalID]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, s := range from {
		if w.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	w.Status = update.Status
	if update.RecipientCode != nil {
		w.RecipientCode = update.RecipientCode
	}
	if update.TransferCode != nil {
		w.TransferCode = update.TransferCode
	}
	if update.FailureReason != nil {
		w.FailureReason = update.FailureReason
	}
	t.st().withdrawals[withdrawalID] = w
	return true, nil
}

func (t *memoryTx) RecordWithdrawalRefs(ctx context.Context, withdrawalID uuid.UUID, recipientCode, transferCode *string) error {
	w, ok := t.st().withdrawals[withdrawalID]
	if !ok {
		return nil
	}
	if w.RecipientCode == nil && recipientCode != nil {
		w.RecipientCode = recipientCode
	}
	if w.TransferCode == nil && transferCode != nil {
		w.TransferCode = transferCode
	}
	t.st().withdrawals[withdrawalID] = w
	return nil
}

var errInjected = errors.New("injected failure")
