package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"wallet-settlement/internal/adapter/storage/memory"
	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"
	"wallet-settlement/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

// fakeGateway dedupes transfers by idempotency token the way the real
// gateway does. block, when set, holds every call until closed. strict
// refuses a token reused with another destination.
type fakeGateway struct {
	mu        sync.Mutex
	transfers map[string]*ports.TransferResult
	dests     map[string]string
	strict    bool
	requests  []ports.TransferRequest
	calls     int
	err       error
	block     chan struct{}
	entered   chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{transfers: make(map[string]*ports.TransferResult), dests: make(map[string]string)}
}

func (g *fakeGateway) CreateTransfer(ctx context.Context, req ports.TransferRequest) (*ports.TransferResult, error) {
	g.mu.Lock()
	block, entered := g.block, g.entered
	g.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, domain.ErrGatewayUnavailable
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	if r, ok := g.transfers[req.IdempotencyToken]; ok {
		if g.strict && g.dests[req.IdempotencyToken] != req.Destination {
			return nil, &domain.TransferRejectedError{Code: domain.RejectionTokenConflict, Message: "token already used"}
		}
		cp := *r
		return &cp, nil
	}
	g.requests = append(g.requests, req)
	r := &ports.TransferResult{TransferRef: fmt.Sprintf("tr_%d", len(g.requests)), Status: "pending"}
	g.transfers[req.IdempotencyToken] = r
	g.dests[req.IdempotencyToken] = req.Destination
	cp := *r
	return &cp, nil
}

func (g *fakeGateway) setErr(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

func (g *fakeGateway) transferCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *fakeGateway) lastRequest() ports.TransferRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

type harness struct {
	t          *testing.T
	clock      *fakeClock
	store      *memory.Store
	kv         *memory.KeyValue
	gateway    *fakeGateway
	digester   *Blake2bCodeDigester
	alerts     *AlertServiceImpl
	auth       *AuthorizationServiceImpl
	payout     *PayoutServiceImpl
	settlement *SettlementServiceImpl
	redemption *RedemptionServiceImpl
	recon      *ReconciliationServiceImpl
	wallet     *WalletServiceImpl
}

var testSweepConfig = SweepConfig{
	StalenessWindow:   15 * time.Minute,
	MaxDeferralWindow: 72 * time.Hour,
	RedemptionExpiry:  168 * time.Hour,
	BatchSize:         100,
	EventDedupTTL:     72 * time.Hour,
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := newTestLogger()
	clock := newFakeClock()
	store := memory.NewStore(clock)
	kv := memory.NewKeyValue(clock)
	gw := newFakeGateway()
	digester, err := NewBlake2bCodeDigester(testCodeKey)
	require.NoError(t, err)

	ledger, payments, merchants := store.Ledger(), store.Payments(), store.Merchants()
	alerts := NewAlertService(store.Alerts(), clock, nil, log)
	auth := NewAuthorizationService(ledger, payments, merchants, clock, nil, time.Second, log)
	payout := NewPayoutService(payments, gw, alerts, nil, 500, log)
	settlement := NewSettlementService(ledger, payments, merchants, store, payout, alerts, nil, log)
	redemption := NewRedemptionService(RedemptionDeps{
		Ledger:         ledger,
		Payments:       payments,
		Merchants:      merchants,
		IdempRepo:      store.Idempotency(),
		IdempCache:     kv.IdempotencyCache("redeem"),
		Transactor:     store,
		Digester:       digester,
		Payout:         payout,
		Alerts:         alerts,
		Clock:          clock,
		IdempotencyTTL: 24 * time.Hour,
	}, log)
	recon := NewReconciliationService(ReconciliationDeps{
		Authorization: auth,
		Settlement:    settlement,
		Payout:        payout,
		Ledger:        ledger,
		Payments:      payments,
		Merchants:     merchants,
		Transactor:    store,
		Dedup:         kv.EventDedup(),
		Alerts:        alerts,
		Clock:         clock,
	}, testSweepConfig, log)
	wallet := NewWalletService(ledger, payments, store, digester, nil, clock, log)

	return &harness{
		t: t, clock: clock, store: store, kv: kv, gateway: gw, digester: digester,
		alerts: alerts, auth: auth, payout: payout, settlement: settlement,
		redemption: redemption, recon: recon, wallet: wallet,
	}
}

func (h *harness) seedWallet(balance string) uuid.UUID {
	id := uuid.New()
	ref := "card_" + id.String()[:8]
	h.store.PutWallet(&domain.Wallet{UserID: id, CardholderRef: &ref, Currency: "USD", Balance: dec(balance)})
	return id
}

func (h *harness) cardholder(userID uuid.UUID) string {
	return "card_" + userID.String()[:8]
}

func (h *harness) seedMerchant(networkID string, settleable bool) *domain.Merchant {
	m := &domain.Merchant{ID: uuid.New(), Name: "Venue " + networkID, Status: domain.MerchantStatusActive}
	if networkID != "" {
		nid := networkID
		m.NetworkMerchantID = &nid
	}
	if settleable {
		acct := "acct_" + m.ID.String()[:8]
		m.SettlementAccountID = &acct
	}
	h.store.PutMerchant(m)
	return m
}

func (h *harness) balance(userID uuid.UUID) (string, string) {
	h.t.Helper()
	w, err := h.store.Ledger().GetWallet(context.Background(), userID)
	require.NoError(h.t, err)
	require.NotNil(h.t, w)
	return w.Balance.StringFixed(2), w.PendingBalance.StringFixed(2)
}

func (h *harness) record(id uuid.UUID) *domain.PaymentRecord {
	h.t.Helper()
	rec, err := h.store.Payments().GetByID(context.Background(), id)
	require.NoError(h.t, err)
	require.NotNil(h.t, rec)
	return rec
}

func (h *harness) alertKinds() []domain.AlertKind {
	var kinds []domain.AlertKind
	for _, a := range h.store.Alerts().All() {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

// authorize runs an approved authorization and returns its record id.
func (h *harness) authorize(payer uuid.UUID, ref, amount, networkID string) uuid.UUID {
	h.t.Helper()
	d := h.auth.Decide(context.Background(), ports.AuthorizationRequest{
		AuthorizationRef: ref,
		CardholderRef:    h.cardholder(payer),
		Amount:           dec(amount),
		Currency:         "USD",
		Merchant:         domain.MerchantDescriptor{NetworkID: networkID, Name: "Cafe"},
	})
	require.True(h.t, d.Approved, "decline reason %q", d.Reason)
	require.NotNil(h.t, d.PaymentID)
	return *d.PaymentID
}

func requireAppError(t *testing.T, err error, code string) *apperror.AppError {
	t.Helper()
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, code, appErr.Code, appErr.Error())
	return appErr
}

// mockTx satisfies pgx.Tx for gomock-based service tests.
type mockTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (m *mockTx) Commit(context.Context) error {
	m.committed = true
	return nil
}

func (m *mockTx) Rollback(context.Context) error {
	if !m.committed {
		m.rolledBack = true
	}
	return nil
}
