package service

import (
	"context"
	"testing"
	"time"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedeem_PeerTransferByCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedWallet("100.00")
	payee := h.seedWallet("0")
	m := h.seedMerchant("", true)

	iss, err := h.wallet.SendPeerTransfer(ctx, ports.PeerTransferRequest{PayerID: payer, PayeeID: payee, Amount: dec("25.00"), IdempotencyKey: "pt1"})
	require.NoError(t, err)
	_, pending := h.balance(payee)
	assert.Equal(t, "25.00", pending)

	res, err := h.redemption.Redeem(ctx, ports.RedeemRequest{
		RedemptionCode: iss.RedemptionCode,
		MerchantID:     m.ID,
		IdempotencyKey: "r1",
		ActorID:        payee,
	})
	require.NoError(t, err)
	assert.Equal(t, iss.Payment.ID, res.PaymentID)
	assert.Equal(t, domain.StatusSucceeded, res.Status)
	assert.False(t, res.Replayed)
	require.NotNil(t, res.TransferRef)
	assert.Equal(t, "tr_1", *res.TransferRef)
	assert.Nil(t, res.NewBalance)

	bal, pending := h.balance(payee)
	assert.Equal(t, "0.00", bal)
	assert.Equal(t, "0.00", pending)
	bal, _ = h.balance(payer)
	assert.Equal(t, "75.00", bal)

	assert.Equal(t, "23.75", h.gateway.lastRequest().Amount.StringFixed(2))
	rec := h.record(res.PaymentID)
	assert.Equal(t, &m.ID, rec.MerchantID)
	assert.NotNil(t, rec.LedgerAppliedAt)
}

func TestRedeem_CodeIsNormalized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedWallet("100.00")
	m := h.seedMerchant("", true)

	iss, err := h.wallet.CreateVenuePayment(ctx, ports.VenuePaymentRequest{PayerID: payer, Amount: dec("10.00")})
	require.NoError(t, err)

	sloppy := " " + iss.RedemptionCode[:5] + " " + iss.RedemptionCode[6:]
	res, err := h.redemption.Redeem(ctx, ports.RedeemRequest{RedemptionCode: sloppy, MerchantID: m.ID, ActorID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, res.Status)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, "90.00", res.NewBalance.StringFixed(2))
}

func TestRedeem_ReplayByKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedWallet("100.00")
	m := h.seedMerchant("", true)

	iss, err := h.wallet.CreateVenuePayment(ctx, ports.VenuePaymentRequest{PayerID: payer, Amount: dec("40.00")})
	require.NoError(t, err)
	req := ports.RedeemRequest{PaymentID: &iss.Payment.ID, MerchantID: m.ID, IdempotencyKey: "redeem-1", ActorID: payer}

	first, err := h.redemption.Redeem(ctx, req)
	require.NoError(t, err)

	again, err := h.redemption.Redeem(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.PaymentID, again.PaymentID)
	assert.Equal(t, first.TransferRef, again.TransferRef)
	assert.Equal(t, first.NewBalance.String(), again.NewBalance.String())

	// Without the cache the durable log answers.
	uncached := NewRedemptionService(RedemptionDeps{
		Ledger:     h.store.Ledger(),
		Payments:   h.store.Payments(),
		Merchants:  h.store.Merchants(),
		IdempRepo:  h.store.Idempotency(),
		Transactor: h.store,
		Digester:   h.digester,
		Payout:     h.payout,
		Alerts:     h.alerts,
		Clock:      h.clock,
	}, newTestLogger())
	fromDB, err := uncached.Redeem(ctx, req)
	require.NoError(t, err)
	assert.True(t, fromDB.Replayed)
	assert.Equal(t, first.TransferRef, fromDB.TransferRef)

	bal, _ := h.balance(payer)
	assert.Equal(t, "60.00", bal)
	assert.Equal(t, 1, h.gateway.transferCount())

	// The same key aimed at another payment is a conflict.
	other, err := h.wallet.CreateVenuePayment(ctx, ports.VenuePaymentRequest{PayerID: payer, Amount: dec("5.00")})
	require.NoError(t, err)
	req.PaymentID = &other.Payment.ID
	_, err = h.redemption.Redeem(ctx, req)
	requireAppError(t, err, "PAY_003")
	_, err = uncached.Redeem(ctx, req)
	requireAppError(t, err, "PAY_003")
	assert.Equal(t, domain.StatusPending, h.record(other.Payment.ID).Status)
}

func TestRedeem_InsufficientFundsFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedWallet("10.00")
	m := h.seedMerchant("", true)

	iss, err := h.wallet.CreateVenuePayment(ctx, ports.VenuePaymentRequest{PayerID: payer, Amount: dec("40.00")})
	require.NoError(t, err)
	req := ports.RedeemRequest{PaymentID: &iss.Payment.ID, MerchantID: m.ID, ActorID: payer}

	_, err = h.redemption.Redeem(ctx, req)
	appErr := requireAppError(t, err, "PAY_001")
	assert.Equal(t, "30.00", appErr.Details["shortfall"])

	rec := h.record(iss.Payment.ID)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, domain.ReasonInsufficientFunds, rec.Meta(domain.MetaFailureReason))
	assert.Nil(t, rec.LedgerAppliedAt)
	bal, _ := h.balance(payer)
	assert.Equal(t, "10.00", bal)
	assert.Zero(t, h.gateway.transferCount())

	_, err = h.redemption.Redeem(ctx, req)
	requireAppError(t, err, "PAY_010")
}

func TestRedeem_RejectsBeforeClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedWallet("100.00")
	settleable := h.seedMerchant("", true)
	unpaid := h.seedMerchant("", false)

	iss, err := h.wallet.CreateVenuePayment(ctx, ports.VenuePaymentRequest{PayerID: payer, Amount: dec("40.00")})
	require.NoError(t, err)
	id := iss.Payment.ID

	tests := []struct {
		name string
		req  ports.RedeemRequest
		code string
	}{
		{"merchant not settleable", ports.RedeemRequest{PaymentID: &id, MerchantID: unpaid.ID, ActorID: payer}, "PAY_008"},
		{"unknown merchant", ports.RedeemRequest{PaymentID: &id, MerchantID: uuid.New(), ActorID: payer}, "PAY_004"},
		{"stranger by id", ports.RedeemRequest{PaymentID: &id, MerchantID: settleable.ID, ActorID: uuid.New()}, "PAY_012"},
		{"unknown code", ports.RedeemRequest{RedemptionCode: "AAAAA-AAAAA", MerchantID: settleable.ID, ActorID: payer}, "PAY_004"},
		{"no selector", ports.RedeemRequest{MerchantID: settleable.ID, ActorID: payer}, "PAY_002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.redemption.Redeem(ctx, tt.req)
			requireAppError(t, err, tt.code)
		})
	}

	rec := h.record(id)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Nil(t, rec.MerchantID)
	bal, _ := h.balance(payer)
	assert.Equal(t, "100.00", bal)
}

func TestRedeem_TopupIsNotRedeemable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.seedWallet("0")
	m := h.seedMerchant("", true)

	rec, err := h.wallet.Topup(ctx, ports.TopupRequest{UserID: user, Amount: dec("20.00"), IdempotencyKey: "t1"})
	require.NoError(t, err)

	_, err = h.redemption.Redeem(ctx, ports.RedeemRequest{PaymentID: &rec.ID, MerchantID: m.ID, ActorID: user})
	requireAppError(t, err, "PAY_002")
}

func TestRedeem_PicksUpDeferredCardSpend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedWallet("50.00")

	id := h.authorize(payer, "auth_later", "30.00", "net_unlisted")
	_, err := h.settlement.Finalize(ctx, ports.FinalizeRequest{AuthorizationRef: "auth_later", Approved: true, FinalAmount: dec("30.00")})
	require.NoError(t, err)
	require.True(t, h.record(id).AwaitingPayout())

	m := h.seedMerchant("", true)
	res, err := h.redemption.Redeem(ctx, ports.RedeemRequest{PaymentID: &id, MerchantID: m.ID, ActorID: payer})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, res.Status)
	assert.Nil(t, res.NewBalance)

	rec := h.record(id)
	assert.Equal(t, &m.ID, rec.MerchantID)
	bal, _ := h.balance(payer)
	assert.Equal(t, "20.00", bal, "redemption must not debit a card spend again")
}

func TestRedeem_DeferredCardSpendFirstVenueOwnsPayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedWallet("50.00")
	h.gateway.strict = true

	id := h.authorize(payer, "auth_two_venues", "30.00", "net_unlisted")
	_, err := h.settlement.Finalize(ctx, ports.FinalizeRequest{AuthorizationRef: "auth_two_venues", Approved: true, FinalAmount: dec("30.00")})
	require.NoError(t, err)
	require.True(t, h.record(id).AwaitingPayout())

	first := h.seedMerchant("", true)
	second := h.seedMerchant("", true)

	release := make(chan struct{})
	h.gateway.mu.Lock()
	h.gateway.block = release
	h.gateway.entered = make(chan struct{}, 1)
	entered := h.gateway.entered
	h.gateway.mu.Unlock()

	type outcome struct {
		res *ports.RedeemResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.redemption.Redeem(ctx, ports.RedeemRequest{PaymentID: &id, MerchantID: first.ID, ActorID: payer})
		done <- outcome{res, err}
	}()
	<-entered

	_, err = h.redemption.Redeem(ctx, ports.RedeemRequest{PaymentID: &id, MerchantID: second.ID, ActorID: payer})
	requireAppError(t, err, "PAY_012")

	close(release)
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, domain.StatusSucceeded, out.res.Status)

	rec := h.record(id)
	assert.Equal(t, domain.StatusSucceeded, rec.Status)
	assert.Equal(t, &first.ID, rec.MerchantID)
	require.NotNil(t, rec.ExternalTransferRef)
	assert.Equal(t, "tr_1", *rec.ExternalTransferRef)
	assert.Equal(t, 1, h.gateway.transferCount())
	assert.Equal(t, *first.SettlementAccountID, h.gateway.lastRequest().Destination)
	assert.Empty(t, h.alertKinds())
}

func TestPayout_TokenReusedForOtherVenueLeavesRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedWallet("50.00")
	h.gateway.strict = true

	id := h.authorize(payer, "auth_reused", "30.00", "net_unlisted")
	_, err := h.settlement.Finalize(ctx, ports.FinalizeRequest{AuthorizationRef: "auth_reused", Approved: true, FinalAmount: dec("30.00")})
	require.NoError(t, err)

	owner := h.seedMerchant("", true)
	other := h.seedMerchant("", true)

	// A transfer for this record already went to the owner's account.
	_, err = h.gateway.CreateTransfer(ctx, ports.TransferRequest{
		PaymentID:        id,
		Amount:           dec("28.50"),
		Currency:         "USD",
		Destination:      *owner.SettlementAccountID,
		IdempotencyToken: domain.TransferIdempotencyToken(id),
	})
	require.NoError(t, err)

	_, err = h.payout.Payout(ctx, h.record(id), other)
	requireAppError(t, err, "PAY_009")

	rec := h.record(id)
	assert.Equal(t, domain.StatusProcessing, rec.Status)
	assert.True(t, rec.AwaitingPayout())
	assert.Empty(t, h.alertKinds())
}

// After a gateway outage the claimed record is in flight; a client retry is
// told so and the sweeper finishes the payout with the same token.
func TestRedeem_RetryAfterGatewayOutageLeftToSweeper(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedWallet("100.00")
	m := h.seedMerchant("", true)

	issued, err := h.wallet.CreateVenuePayment(ctx, ports.VenuePaymentRequest{PayerID: payer, Amount: dec("40.00"), IdempotencyKey: "vp_outage"})
	require.NoError(t, err)
	id := issued.Payment.ID

	h.gateway.setErr(domain.ErrGatewayUnavailable)
	_, err = h.redemption.Redeem(ctx, ports.RedeemRequest{PaymentID: &id, MerchantID: m.ID, IdempotencyKey: "r1", ActorID: payer})
	requireAppError(t, err, "SYS_004")
	require.True(t, h.record(id).AwaitingPayout())

	h.gateway.setErr(nil)
	_, err = h.redemption.Redeem(ctx, ports.RedeemRequest{PaymentID: &id, MerchantID: m.ID, IdempotencyKey: "r2", ActorID: payer})
	requireAppError(t, err, "PAY_009")
	assert.Zero(t, h.gateway.transferCount())

	h.clock.Advance(testSweepConfig.StalenessWindow + time.Minute)
	report, err := h.recon.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PayoutsSucceeded)

	assert.Equal(t, domain.StatusSucceeded, h.record(id).Status)
	assert.Equal(t, 1, h.gateway.transferCount())
	bal, _ := h.balance(payer)
	assert.Equal(t, "60.00", bal)
}

func TestRedeem_PeerTransferPendingUnderflowAborts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedWallet("100.00")
	payee := h.seedWallet("0")
	m := h.seedMerchant("", true)

	iss, err := h.wallet.SendPeerTransfer(ctx, ports.PeerTransferRequest{PayerID: payer, PayeeID: payee, Amount: dec("25.00")})
	require.NoError(t, err)

	// Simulate a pending balance that drifted below the transfer.
	w, err := h.store.Ledger().GetWallet(ctx, payee)
	require.NoError(t, err)
	w.PendingBalance = dec("5.00")
	h.store.PutWallet(w)

	_, err = h.redemption.Redeem(ctx, ports.RedeemRequest{RedemptionCode: iss.RedemptionCode, MerchantID: m.ID, ActorID: payee})
	requireAppError(t, err, "PAY_001")

	assert.Equal(t, domain.StatusFailed, h.record(iss.Payment.ID).Status)
	assert.Equal(t, []domain.AlertKind{domain.AlertPendingUnderflow}, h.alertKinds())
	bal, _ := h.balance(payer)
	assert.Equal(t, "75.00", bal, "no refund when the parked funds are missing")
}
