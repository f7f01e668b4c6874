package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedWallet(s *Store, balance string) uuid.UUID {
	id := uuid.New()
	s.PutWallet(&domain.Wallet{UserID: id, Currency: "USD", Balance: dec(balance)})
	return id
}

func newRecord(kind domain.Kind, payer uuid.UUID, amount string) *domain.PaymentRecord {
	return &domain.PaymentRecord{
		ID:             uuid.New(),
		Kind:           kind,
		Status:         domain.StatusPending,
		PayerID:        &payer,
		Amount:         dec(amount),
		Currency:       "USD",
		IdempotencyKey: uuid.NewString(),
		Metadata:       map[string]string{},
	}
}

func TestLedger_DebitGuardsBalance(t *testing.T) {
	s := NewStore(newClock())
	ctx := context.Background()
	user := seedWallet(s, "20.00")
	ledger := s.Ledger()

	next, err := ledger.Debit(ctx, nil, user, dec("15"))
	require.NoError(t, err)
	assert.Equal(t, "5.00", next.StringFixed(2))

	_, err = ledger.Debit(ctx, nil, user, dec("5.01"))
	ife, ok := domain.IsInsufficientFunds(err)
	require.True(t, ok)
	assert.Equal(t, "0.01", ife.Shortfall.StringFixed(2))

	w, _ := ledger.GetWallet(ctx, user)
	assert.Equal(t, "5.00", w.Balance.StringFixed(2))

	_, err = ledger.Debit(ctx, nil, uuid.New(), dec("1"))
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
	_, err = ledger.Credit(ctx, nil, user, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestLedger_ConcurrentDebitsNeverGoNegative(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	user := seedWallet(s, "100.00")
	ledger := s.Ledger()

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Debit(ctx, nil, user, dec("7.00")); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	w, _ := ledger.GetWallet(ctx, user)
	assert.Equal(t, int32(14), ok.Load())
	assert.Equal(t, "2.00", w.Balance.StringFixed(2))
}

func TestLedger_PendingBalance(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	user := seedWallet(s, "0")
	ledger := s.Ledger()

	_, err := ledger.CreditPending(ctx, nil, user, dec("12.50"))
	require.NoError(t, err)
	_, err = ledger.ConsumePending(ctx, nil, user, dec("20"))
	_, short := domain.IsInsufficientFunds(err)
	assert.True(t, short)

	left, err := ledger.ConsumePending(ctx, nil, user, dec("12.50"))
	require.NoError(t, err)
	assert.True(t, left.IsZero())
}

func TestTx_RollbackRestoresState(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	user := seedWallet(s, "50.00")
	rec := newRecord(domain.KindPeerRedemption, user, "10.00")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Payments().Create(ctx, tx, rec))
	_, err = s.Ledger().Debit(ctx, tx, user, dec("10"))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	got, _ := s.Payments().GetByID(ctx, rec.ID)
	assert.Nil(t, got)
	byKey, _ := s.Payments().GetByIdempotencyKey(ctx, rec.IdempotencyKey)
	assert.Nil(t, byKey)
	w, _ := s.Ledger().GetWallet(ctx, user)
	assert.Equal(t, "50.00", w.Balance.StringFixed(2))

	assert.ErrorIs(t, tx.Rollback(ctx), pgx.ErrTxClosed)
}

func TestTx_CommitKeepsStateAndReleasesLock(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	user := seedWallet(s, "50.00")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = s.Ledger().Debit(ctx, tx, user, dec("10"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.ErrorIs(t, tx.Rollback(ctx), pgx.ErrTxClosed)

	// A second unit of work can start once the first has committed.
	tx2, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit(ctx))

	w, _ := s.Ledger().GetWallet(ctx, user)
	assert.Equal(t, "40.00", w.Balance.StringFixed(2))
}

func TestTx_BeginRespectsContext(t *testing.T) {
	s := NewStore(nil)
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Begin(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPayments_CreateEnforcesUniqueKeys(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	user := seedWallet(s, "0")

	first := newRecord(domain.KindCardPresentSpend, user, "5")
	ref := "auth_1"
	first.ExternalAuthorizationRef = &ref
	require.NoError(t, s.Payments().Create(ctx, nil, first))

	sameKey := newRecord(domain.KindCardPresentSpend, user, "5")
	sameKey.IdempotencyKey = first.IdempotencyKey
	assert.ErrorIs(t, s.Payments().Create(ctx, nil, sameKey), domain.ErrDuplicateKey)

	sameRef := newRecord(domain.KindCardPresentSpend, user, "5")
	sameRef.ExternalAuthorizationRef = &ref
	assert.ErrorIs(t, s.Payments().Create(ctx, nil, sameRef), domain.ErrDuplicateKey)

	got, err := s.Payments().GetByAuthorizationRef(ctx, "auth_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
}

func TestPayments_TransitionIsCompareAndSet(t *testing.T) {
	clock := newClock()
	s := NewStore(clock)
	ctx := context.Background()
	user := seedWallet(s, "0")
	rec := newRecord(domain.KindPeerRedemption, user, "5")
	require.NoError(t, s.Payments().Create(ctx, nil, rec))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Payments().Transition(ctx, nil, ports.TransitionRequest{
				ID: rec.ID, From: domain.StatusPending, To: domain.StatusProcessing,
			})
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	clock.Advance(time.Minute)
	ref := "tr_1"
	ok, err := s.Payments().Transition(ctx, nil, ports.TransitionRequest{
		ID: rec.ID, From: domain.StatusProcessing, To: domain.StatusSucceeded,
		TransferRef: &ref, Metadata: map[string]string{domain.MetaCommission: "0.25"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := s.Payments().GetByTransferRef(ctx, "tr_1")
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusSucceeded, got.Status)
	assert.Equal(t, "0.25", got.Meta(domain.MetaCommission))
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, clock.Now(), *got.CompletedAt)

	other := "tr_other"
	ok, err = s.Payments().Transition(ctx, nil, ports.TransitionRequest{
		ID: rec.ID, From: domain.StatusSucceeded, To: domain.StatusFailed, ExpectTransferRef: &other,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPayments_MarkLedgerAppliedOnce(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	user := seedWallet(s, "0")
	rec := newRecord(domain.KindCardPresentSpend, user, "5")
	rec.Status = domain.StatusProcessing
	require.NoError(t, s.Payments().Create(ctx, nil, rec))

	first, err := s.Payments().MarkLedgerApplied(ctx, nil, rec.ID)
	require.NoError(t, err)
	assert.True(t, first)
	second, err := s.Payments().MarkLedgerApplied(ctx, nil, rec.ID)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestPayments_AttachMerchantFirstWins(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	user := seedWallet(s, "0")
	rec := newRecord(domain.KindCardPresentSpend, user, "5")
	rec.Status = domain.StatusProcessing
	require.NoError(t, s.Payments().Create(ctx, nil, rec))

	venueA, venueB := uuid.New(), uuid.New()
	bound, err := s.Payments().AttachMerchant(ctx, nil, rec.ID, venueA)
	require.NoError(t, err)
	assert.True(t, bound)

	bound, err = s.Payments().AttachMerchant(ctx, nil, rec.ID, venueB)
	require.NoError(t, err)
	assert.False(t, bound)

	bound, err = s.Payments().AttachMerchant(ctx, nil, rec.ID, venueA)
	require.NoError(t, err)
	assert.True(t, bound, "the bound merchant may claim again")

	got, _ := s.Payments().GetByID(ctx, rec.ID)
	assert.Equal(t, &venueA, got.MerchantID)
}

func TestPayments_ListStaleAndList(t *testing.T) {
	clock := newClock()
	s := NewStore(clock)
	ctx := context.Background()
	user := seedWallet(s, "0")

	old := newRecord(domain.KindCardPresentSpend, user, "5")
	old.Status = domain.StatusProcessing
	old.CreatedAt, old.UpdatedAt = clock.Now(), clock.Now()
	require.NoError(t, s.Payments().Create(ctx, nil, old))

	clock.Advance(time.Hour)
	fresh := newRecord(domain.KindCardPresentSpend, user, "7")
	fresh.Status = domain.StatusProcessing
	fresh.CreatedAt, fresh.UpdatedAt = clock.Now(), clock.Now()
	require.NoError(t, s.Payments().Create(ctx, nil, fresh))

	notApplied := false
	stale, err := s.Payments().ListStale(ctx, ports.StaleQuery{
		Status:        domain.StatusProcessing,
		Kinds:         []domain.Kind{domain.KindCardPresentSpend},
		UpdatedBefore: clock.Now().Add(-15 * time.Minute),
		LedgerApplied: &notApplied,
	})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	page, total, err := s.Payments().List(ctx, ports.PaymentListParams{UserID: user, Page: 1, PageSize: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, page, 1)
	assert.Equal(t, fresh.ID, page[0].ID)

	spent, err := s.Payments().SumCardSpendSince(ctx, user, clock.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "12.00", spent.StringFixed(2))
}

func TestPayments_MergeMetadataKeepsUpdatedAt(t *testing.T) {
	clock := newClock()
	s := NewStore(clock)
	ctx := context.Background()
	user := seedWallet(s, "0")
	rec := newRecord(domain.KindPeerRedemption, user, "5")
	rec.UpdatedAt = clock.Now()
	require.NoError(t, s.Payments().Create(ctx, nil, rec))

	clock.Advance(time.Hour)
	require.NoError(t, s.Payments().MergeMetadata(ctx, nil, rec.ID, map[string]string{domain.MetaDeferralAlerted: "true"}))

	got, _ := s.Payments().GetByID(ctx, rec.ID)
	assert.Equal(t, "true", got.Meta(domain.MetaDeferralAlerted))
	assert.Equal(t, rec.UpdatedAt, got.UpdatedAt)
	assert.ErrorIs(t, s.Payments().MergeMetadata(ctx, nil, uuid.New(), nil), domain.ErrPaymentNotFound)
}

func TestIdempotencyAndAlerts(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	pid := uuid.New()

	require.NoError(t, s.Idempotency().Create(ctx, nil, &domain.IdempotencyLog{Key: "k", PaymentID: pid, ResponseJSON: []byte("first")}))
	require.NoError(t, s.Idempotency().Create(ctx, nil, &domain.IdempotencyLog{Key: "k", PaymentID: pid, ResponseJSON: []byte("second")}))
	log, err := s.Idempotency().Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), log.ResponseJSON)

	require.NoError(t, s.Alerts().Create(ctx, &domain.Alert{ID: uuid.New(), PaymentID: &pid, Kind: domain.AlertAmountMismatch}))
	require.NoError(t, s.Alerts().Create(ctx, &domain.Alert{ID: uuid.New(), Kind: domain.AlertUnknownAuthorization}))
	alerts, err := s.Alerts().ListByPayment(ctx, pid)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Len(t, s.Alerts().All(), 2)
}

func TestMerchants(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	nid := "mid_1"
	m := &domain.Merchant{ID: uuid.New(), Name: "Kiosk", NetworkMerchantID: &nid, Status: domain.MerchantStatusActive}
	s.PutMerchant(m)

	got, err := s.Merchants().GetByNetworkID(ctx, "mid_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)

	missing, err := s.Merchants().GetByID(ctx, uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, missing)
}
