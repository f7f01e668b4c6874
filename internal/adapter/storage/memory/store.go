// Package memory is a process-local implementation of the storage ports. It
// backs the "memory" database driver and the service tests.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var errForeignTx = errors.New("memory: transaction does not belong to this store")

// Store holds every table in maps. Units of work are serialized by a
// semaphore; individual reads only take the map lock and are not isolated
// from an open unit of work.
type Store struct {
	sem   chan struct{}
	mu    sync.RWMutex
	clock ports.Clock

	wallets   map[uuid.UUID]*domain.Wallet
	merchants map[uuid.UUID]*domain.Merchant
	payments  map[uuid.UUID]*domain.PaymentRecord
	logs      map[string]*domain.IdempotencyLog
	alerts    []domain.Alert

	byCardholder  map[string]uuid.UUID
	byNetworkID   map[string]uuid.UUID
	byKey         map[string]uuid.UUID
	byDigest      map[string]uuid.UUID
	byAuthRef     map[string]uuid.UUID
	byTransferRef map[string]uuid.UUID
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewStore creates an empty store. A nil clock uses wall time.
func NewStore(clock ports.Clock) *Store {
	if clock == nil {
		clock = systemClock{}
	}
	return &Store{
		sem:           make(chan struct{}, 1),
		clock:         clock,
		wallets:       make(map[uuid.UUID]*domain.Wallet),
		merchants:     make(map[uuid.UUID]*domain.Merchant),
		payments:      make(map[uuid.UUID]*domain.PaymentRecord),
		logs:          make(map[string]*domain.IdempotencyLog),
		byCardholder:  make(map[string]uuid.UUID),
		byNetworkID:   make(map[string]uuid.UUID),
		byKey:         make(map[string]uuid.UUID),
		byDigest:      make(map[string]uuid.UUID),
		byAuthRef:     make(map[string]uuid.UUID),
		byTransferRef: make(map[string]uuid.UUID),
	}
}

// Ledger returns the store as a ports.LedgerStore.
func (s *Store) Ledger() *LedgerStore { return &LedgerStore{s: s} }

// Payments returns the store as a ports.PaymentRecordRepository.
func (s *Store) Payments() *PaymentRepo { return &PaymentRepo{s: s} }

// Merchants returns the store as a ports.MerchantRepository.
func (s *Store) Merchants() *MerchantRepo { return &MerchantRepo{s: s} }

// Idempotency returns the store as a ports.IdempotencyRepository.
func (s *Store) Idempotency() *IdempotencyRepo { return &IdempotencyRepo{s: s} }

// Alerts returns the store as a ports.AlertRepository.
func (s *Store) Alerts() *AlertRepo { return &AlertRepo{s: s} }

// PutWallet seeds or replaces a wallet.
func (s *Store) PutWallet(w *domain.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	c := cloneWallet(w)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.wallets[c.UserID] = c
	if c.CardholderRef != nil {
		s.byCardholder[*c.CardholderRef] = c.UserID
	}
}

// PutMerchant seeds or replaces a merchant.
func (s *Store) PutMerchant(m *domain.Merchant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.merchants[c.ID] = &c
	if c.NetworkMerchantID != nil {
		s.byNetworkID[*c.NetworkMerchantID] = c.ID
	}
}

// Begin implements ports.DBTransactor. The returned transaction holds the
// store's write semaphore until Commit or Rollback.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &memTx{store: s}, nil
}

// Probe reports an in-process component as always ready.
type Probe struct {
	Name string
}

func (p Probe) Component() string { return p.Name }

func (Probe) Probe(context.Context) error { return nil }

// memTx satisfies pgx.Tx for the services. Only Commit and Rollback are
// meaningful; the embedded interface is nil.
type memTx struct {
	pgx.Tx
	store *Store
	undo  []func()
	done  bool
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.undo = nil
	<-t.store.sem
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.store.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.store.mu.Unlock()
	t.undo = nil
	<-t.store.sem
	return nil
}

// write runs fn under the map lock, inside tx when given or as its own unit of
// work otherwise. fn returns an undo func (or nil) for rollback.
func (s *Store) write(ctx context.Context, tx pgx.Tx, fn func() (func(), error)) error {
	if tx == nil {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		defer func() { <-s.sem }()

		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := fn()
		return err
	}

	mt, ok := tx.(*memTx)
	if !ok || mt.store != s {
		return errForeignTx
	}
	if mt.done {
		return pgx.ErrTxClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	undo, err := fn()
	if err != nil {
		return err
	}
	if undo != nil {
		mt.undo = append(mt.undo, undo)
	}
	return nil
}

func cloneWallet(w *domain.Wallet) *domain.Wallet {
	c := *w
	if w.CardholderRef != nil {
		ref := *w.CardholderRef
		c.CardholderRef = &ref
	}
	if w.Limits.PerTransaction != nil {
		v := *w.Limits.PerTransaction
		c.Limits.PerTransaction = &v
	}
	if w.Limits.Daily != nil {
		v := *w.Limits.Daily
		c.Limits.Daily = &v
	}
	return &c
}

func clonePayment(p *domain.PaymentRecord) *domain.PaymentRecord {
	c := *p
	c.PayerID = cloneUUID(p.PayerID)
	c.PayeeID = cloneUUID(p.PayeeID)
	c.MerchantID = cloneUUID(p.MerchantID)
	c.RedemptionCodeDigest = cloneString(p.RedemptionCodeDigest)
	c.ExternalAuthorizationRef = cloneString(p.ExternalAuthorizationRef)
	c.ExternalTransferRef = cloneString(p.ExternalTransferRef)
	c.LedgerAppliedAt = cloneTime(p.LedgerAppliedAt)
	c.CompletedAt = cloneTime(p.CompletedAt)
	c.Metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

func cloneUUID(v *uuid.UUID) *uuid.UUID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
