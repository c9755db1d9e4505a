// Package memstore is an in-memory implementation of store.Repository.
//
// A single lock is held for the whole of WithinTx, so units of work are fully serialized
// the same way row locks serialize them in PostgreSQL. Writes made inside a unit are staged
// and only applied when fn returns nil. Non-transactional methods must not be called from
// inside a WithinTx callback.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/finora/transfer-service/internal/domain"
	"github.com/finora/transfer-service/internal/store"
	"github.com/google/uuid"
)

// Store keeps every table in process memory.
type Store struct {
	mu         sync.RWMutex
	accounts   map[uuid.UUID]*domain.Account
	policies   map[uuid.UUID]*domain.UserPolicy
	transfers  map[uuid.UUID]*domain.Transfer
	history    []domain.TransactionHistory
	challenges []*domain.OtpChallenge
	faults     map[string]error
}

var _ store.Repository = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:  make(map[uuid.UUID]*domain.Account),
		policies:  make(map[uuid.UUID]*domain.UserPolicy),
		transfers: make(map[uuid.UUID]*domain.Transfer),
		faults:    make(map[string]error),
	}
}

// FailOn makes the named Tx operation (e.g. "InsertHistory") return err until cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// PutAccount inserts or replaces an account.
func (s *Store) PutAccount(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = &a
}

// PutPolicy inserts or replaces a user's verification policy.
func (s *Store) PutPolicy(p domain.UserPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.UserID] = &p
}

// Account returns a copy of the stored account.
func (s *Store) Account(id uuid.UUID) domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.accounts[id]; ok {
		return *a
	}
	return domain.Account{}
}

// History returns every ledger row in insertion order.
func (s *Store) History() []domain.TransactionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.TransactionHistory(nil), s.history...)
}

// Challenges returns every OTP challenge of a transfer in creation order.
func (s *Store) Challenges(transferID uuid.UUID) []domain.OtpChallenge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.OtpChallenge
	for _, c := range s.challenges {
		if c.TransferID == transferID {
			out = append(out, *c)
		}
	}
	return out
}

// WithinTx runs fn with the store locked and applies its staged writes only on success.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:          s,
		accounts:   make(map[uuid.UUID]*domain.Account),
		transfers:  make(map[uuid.UUID]*domain.Transfer),
		challenges: make(map[uuid.UUID]*domain.OtpChallenge),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) FindAccountByID(_ context.Context, accountID uuid.UUID) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) FindUserPolicy(_ context.Context, userID uuid.UUID) (*domain.UserPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[userID]
	if !ok {
		return nil, store.ErrUserPolicyNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) CreateTransfer(_ context.Context, t *domain.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transfers {
		if existing.Type == t.Type && existing.Reference == t.Reference {
			return store.ErrDuplicateReference
		}
	}
	s.transfers[t.ID] = t.Clone()
	return nil
}

func (s *Store) FindTransferByID(_ context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[transferID]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	return t.Clone(), nil
}

func (s *Store) ReferenceExists(_ context.Context, transferType domain.TransferType, reference string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transfers {
		if t.Type == transferType && t.Reference == reference {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SumTransferTotalsSince(_ context.Context, ownerID uuid.UUID, transferType domain.TransferType, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum int64
	for _, t := range s.transfers {
		if t.OwnerID == ownerID && t.Type == transferType && !t.CreatedAt.Before(since) && t.Status != domain.TransferStatusFailed {
			sum += t.Total
		}
	}
	return sum, nil
}

func (s *Store) ListTransfersByOwner(_ context.Context, ownerID uuid.UUID, opts domain.ListOptions) ([]domain.Transfer, error) {
	opts = opts.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var owned []domain.Transfer
	for _, t := range s.transfers {
		if t.OwnerID == ownerID {
			owned = append(owned, *t.Clone())
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].CreatedAt.After(owned[j].CreatedAt) })
	return page(owned, opts), nil
}

func (s *Store) UpdateClearingStatus(_ context.Context, transferID uuid.UUID, status domain.TransferStatus, failureReason *string, at time.Time) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[transferID]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	if t.Status != domain.TransferStatusProcessing {
		return nil, store.ErrStatusConflict
	}
	t.Status = status
	if failureReason != nil {
		reason := *failureReason
		t.FailureReason = &reason
	}
	t.UpdatedAt = at
	return t.Clone(), nil
}

func (s *Store) ListHistoryByAccount(_ context.Context, accountID uuid.UUID, opts domain.ListOptions) ([]domain.TransactionHistory, error) {
	opts = opts.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []domain.TransactionHistory
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].AccountID == accountID {
			entries = append(entries, s.history[i])
		}
	}
	return page(entries, opts), nil
}

func (s *Store) PurgeOtpChallenges(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.challenges[:0]
	var purged int64
	for _, c := range s.challenges {
		if c.ExpiresAt.Before(olderThan) || before(c.UsedAt, olderThan) || before(c.InvalidatedAt, olderThan) {
			purged++
			continue
		}
		kept = append(kept, c)
	}
	s.challenges = kept
	return purged, nil
}

type memTx struct {
	s             *Store
	accounts      map[uuid.UUID]*domain.Account
	transfers     map[uuid.UUID]*domain.Transfer
	history       []domain.TransactionHistory
	challenges    map[uuid.UUID]*domain.OtpChallenge
	newChallenges []*domain.OtpChallenge
}

func (t *memTx) fault(op string) error {
	return t.s.faults[op]
}

func (t *memTx) LockTransfer(_ context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	if err := t.fault("LockTransfer"); err != nil {
		return nil, err
	}
	if staged, ok := t.transfers[transferID]; ok {
		return staged.Clone(), nil
	}
	base, ok := t.s.transfers[transferID]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	return base.Clone(), nil
}

func (t *memTx) LockAccount(_ context.Context, accountID uuid.UUID) (*domain.Account, error) {
	if err := t.fault("LockAccount"); err != nil {
		return nil, err
	}
	if staged, ok := t.accounts[accountID]; ok {
		cp := *staged
		return &cp, nil
	}
	base, ok := t.s.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	cp := *base
	return &cp, nil
}

func (t *memTx) UpdateAccountBalance(ctx context.Context, accountID uuid.UUID, balance int64, at time.Time) error {
	if err := t.fault("UpdateAccountBalance"); err != nil {
		return err
	}
	if balance < 0 {
		return store.ErrNegativeBalance
	}
	a, err := t.LockAccount(ctx, accountID)
	if err != nil {
		return err
	}
	a.Balance = balance
	a.UpdatedAt = at
	t.accounts[accountID] = a
	return nil
}

func (t *memTx) UpdateTransferProgress(ctx context.Context, transfer *domain.Transfer, expectedStatus domain.TransferStatus) error {
	if err := t.fault("UpdateTransferProgress"); err != nil {
		return err
	}
	current, err := t.LockTransfer(ctx, transfer.ID)
	if err != nil {
		return err
	}
	if current.Status != expectedStatus {
		return store.ErrStatusConflict
	}
	t.transfers[transfer.ID] = transfer.Clone()
	return nil
}

func (t *memTx) InsertHistory(_ context.Context, entry *domain.TransactionHistory) error {
	if err := t.fault("InsertHistory"); err != nil {
		return err
	}
	t.history = append(t.history, *entry)
	return nil
}

func (t *memTx) CreateOtpChallenge(_ context.Context, c *domain.OtpChallenge) error {
	if err := t.fault("CreateOtpChallenge"); err != nil {
		return err
	}
	cp := *c
	t.newChallenges = append(t.newChallenges, &cp)
	return nil
}

func (t *memTx) InvalidateOtpChallenges(_ context.Context, transferID uuid.UUID, at time.Time) error {
	for _, c := range t.allChallenges() {
		if c.TransferID == transferID && c.Live() {
			ts := at
			c.InvalidatedAt = &ts
			t.stage(c)
		}
	}
	return nil
}

func (t *memTx) FindLiveOtpChallenge(_ context.Context, transferID uuid.UUID) (*domain.OtpChallenge, error) {
	all := t.allChallenges()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].TransferID == transferID && all[i].Live() {
			return all[i], nil
		}
	}
	return nil, store.ErrOtpChallengeNotFound
}

func (t *memTx) MarkOtpChallengeUsed(_ context.Context, challengeID uuid.UUID, at time.Time) error {
	for _, c := range t.allChallenges() {
		if c.ID == challengeID && !c.Used {
			ts := at
			c.Used = true
			c.UsedAt = &ts
			t.stage(c)
			return nil
		}
	}
	return store.ErrOtpChallengeNotFound
}

// allChallenges returns copies of every challenge as seen from inside the unit, oldest first.
func (t *memTx) allChallenges() []*domain.OtpChallenge {
	out := make([]*domain.OtpChallenge, 0, len(t.s.challenges)+len(t.newChallenges))
	for _, c := range t.s.challenges {
		if staged, ok := t.challenges[c.ID]; ok {
			cp := *staged
			out = append(out, &cp)
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	for _, c := range t.newChallenges {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

func (t *memTx) stage(c *domain.OtpChallenge) {
	for i, pending := range t.newChallenges {
		if pending.ID == c.ID {
			t.newChallenges[i] = c
			return
		}
	}
	t.challenges[c.ID] = c
}

func (t *memTx) commit() {
	for id, a := range t.accounts {
		t.s.accounts[id] = a
	}
	for id, tr := range t.transfers {
		t.s.transfers[id] = tr
	}
	t.s.history = append(t.s.history, t.history...)
	for i, c := range t.s.challenges {
		if staged, ok := t.challenges[c.ID]; ok {
			t.s.challenges[i] = staged
		}
	}
	t.s.challenges = append(t.s.challenges, t.newChallenges...)
}

func page[T any](items []T, opts domain.ListOptions) []T {
	if opts.Offset >= len(items) {
		return []T{}
	}
	end := opts.Offset + opts.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[opts.Offset:end]
}

func before(t *time.Time, limit time.Time) bool {
	return t != nil && t.Before(limit)
}
