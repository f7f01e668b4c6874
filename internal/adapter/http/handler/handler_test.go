package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"wallet-settlement/internal/adapter/http/middleware"
	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"
	"wallet-settlement/internal/core/ports/mocks"
	"wallet-settlement/internal/service"
	"wallet-settlement/pkg/apperror"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testContext builds a context for a direct handler call, optionally
// authenticated as userID.
func testContext(method, target string, body any, userID *uuid.UUID) (*gin.Context, *httptest.ResponseRecorder) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, target, &buf)
	c.Request.Header.Set("Content-Type", "application/json")
	if userID != nil {
		c.Set(middleware.CtxUserID, *userID)
	}
	return c, w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func data(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	d, ok := decode(t, w)["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %s", w.Body.String())
	return d
}

func sampleRecord(kind domain.Kind, status domain.Status) *domain.PaymentRecord {
	payer := uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.PaymentRecord{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    status,
		PayerID:   &payer,
		Amount:    decimal.RequireFromString("30"),
		Currency:  "USD",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// --- Network ---

func TestNetworkAuthorize_Approved(t *testing.T) {
	ctrl := gomock.NewController(t)
	authSvc := mocks.NewMockAuthorizationService(ctrl)
	h := NewNetworkHandler(authSvc, mocks.NewMockReconciliationService(ctrl))

	paymentID := uuid.New()
	authSvc.EXPECT().Decide(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ any, req ports.AuthorizationRequest) *ports.AuthorizationDecision {
			assert.Equal(t, "auth_1", req.AuthorizationRef)
			assert.Equal(t, "ch_1", req.CardholderRef)
			assert.True(t, req.Amount.Equal(decimal.RequireFromString("12.50")))
			assert.Equal(t, "mid_9", req.Merchant.NetworkID)
			return &ports.AuthorizationDecision{Approved: true, PaymentID: &paymentID}
		})

	c, w := testContext(http.MethodPost, "/api/v1/network/authorizations", map[string]any{
		"authorization_ref": "auth_1",
		"cardholder_ref":    "ch_1",
		"amount":            "12.50",
		"merchant":          map[string]any{"network_id": "mid_9", "name": "Corner Bar"},
	}, nil)
	h.Authorize(c)

	assert.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, true, d["approved"])
	assert.Equal(t, paymentID.String(), d["payment_id"])
}

func TestNetworkAuthorize_DeclineIsStill200(t *testing.T) {
	ctrl := gomock.NewController(t)
	authSvc := mocks.NewMockAuthorizationService(ctrl)
	h := NewNetworkHandler(authSvc, mocks.NewMockReconciliationService(ctrl))

	authSvc.EXPECT().Decide(gomock.Any(), gomock.Any()).
		Return(&ports.AuthorizationDecision{Approved: false, Reason: ports.DeclineInsufficientBalance})

	c, w := testContext(http.MethodPost, "/", map[string]any{
		"authorization_ref": "auth_2",
		"cardholder_ref":    "ch_1",
		"amount":            "999",
		"merchant":          map[string]any{"network_id": "mid_9"},
	}, nil)
	h.Authorize(c)

	assert.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, false, d["approved"])
	assert.Equal(t, "insufficient_balance", d["reason"])
}

func TestNetworkAuthorize_ValidationError(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewNetworkHandler(mocks.NewMockAuthorizationService(ctrl), mocks.NewMockReconciliationService(ctrl))

	c, w := testContext(http.MethodPost, "/", map[string]any{"authorization_ref": "auth 1"}, nil)
	h.Authorize(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "PAY_002", decode(t, w)["error_code"])
}

func TestNetworkEvents_Finalized(t *testing.T) {
	ctrl := gomock.NewController(t)
	recon := mocks.NewMockReconciliationService(ctrl)
	h := NewNetworkHandler(mocks.NewMockAuthorizationService(ctrl), recon)

	rec := sampleRecord(domain.KindCardPresentSpend, domain.StatusSucceeded)
	recon.EXPECT().HandleNetworkEvent(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ any, ev domain.NetworkEvent) (*ports.NetworkEventResult, error) {
			assert.Equal(t, domain.NetworkEventAuthorizationFinalized, ev.Type)
			assert.Equal(t, "evt_1", ev.ID)
			assert.True(t, ev.Approved)
			return &ports.NetworkEventResult{Payment: rec}, nil
		})

	c, w := testContext(http.MethodPost, "/", map[string]any{
		"id":                "evt_1",
		"type":              "authorization.finalized",
		"authorization_ref": "auth_1",
		"amount":            "30",
		"approved":          true,
	}, nil)
	h.Events(c)

	assert.Equal(t, http.StatusAccepted, w.Code)
	d := data(t, w)
	assert.Equal(t, false, d["duplicate"])
	payment := d["payment"].(map[string]any)
	assert.Equal(t, rec.ID.String(), payment["id"])
	assert.Equal(t, "30.00", payment["amount"])
}

func TestNetworkEvents_AuthorizationRequestReturnsDecision(t *testing.T) {
	ctrl := gomock.NewController(t)
	recon := mocks.NewMockReconciliationService(ctrl)
	h := NewNetworkHandler(mocks.NewMockAuthorizationService(ctrl), recon)

	recon.EXPECT().HandleNetworkEvent(gomock.Any(), gomock.Any()).
		Return(&ports.NetworkEventResult{Decision: &ports.AuthorizationDecision{Approved: false, Reason: "card_not_found"}}, nil)

	c, w := testContext(http.MethodPost, "/", map[string]any{
		"id":                "evt_2",
		"type":              "authorization.request",
		"authorization_ref": "auth_2",
		"cardholder_ref":    "ch_x",
		"amount":            "5",
	}, nil)
	h.Events(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "card_not_found", data(t, w)["reason"])
}

func TestNetworkEvents_UnknownTypeRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewNetworkHandler(mocks.NewMockAuthorizationService(ctrl), mocks.NewMockReconciliationService(ctrl))

	c, w := testContext(http.MethodPost, "/", map[string]any{
		"id":                "evt_3",
		"type":              "authorization.reversed",
		"authorization_ref": "auth_3",
	}, nil)
	h.Events(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNetworkEvents_ServiceError(t *testing.T) {
	ctrl := gomock.NewController(t)
	recon := mocks.NewMockReconciliationService(ctrl)
	h := NewNetworkHandler(mocks.NewMockAuthorizationService(ctrl), recon)

	recon.EXPECT().HandleNetworkEvent(gomock.Any(), gomock.Any()).Return(nil, apperror.ErrNotFound("Authorization"))

	c, w := testContext(http.MethodPost, "/", map[string]any{
		"id":                "evt_4",
		"type":              "authorization.finalized",
		"authorization_ref": "auth_unknown",
		"amount":            "1",
	}, nil)
	h.Events(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "PAY_004", decode(t, w)["error_code"])
}

// --- Gateway ---

func TestGatewayEvents_Accepted(t *testing.T) {
	ctrl := gomock.NewController(t)
	recon := mocks.NewMockReconciliationService(ctrl)
	h := NewGatewayHandler(recon)

	paymentID := uuid.New()
	recon.EXPECT().HandleGatewayEvent(gomock.Any(), domain.GatewayEvent{
		ID:            "gw_1",
		Type:          domain.GatewayEventTransferFailed,
		TransferRef:   "tr_1",
		PaymentID:     &paymentID,
		FailureReason: "account closed",
	}).Return(nil)

	c, w := testContext(http.MethodPost, "/", map[string]any{
		"id":             "gw_1",
		"type":           "transfer.failed",
		"transfer_ref":   "tr_1",
		"payment_id":     paymentID.String(),
		"failure_reason": "  account closed ",
	}, nil)
	h.Events(c)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, data(t, w)["received"])
}

func TestGatewayEvents_MissingTransferRef(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewGatewayHandler(mocks.NewMockReconciliationService(ctrl))

	c, w := testContext(http.MethodPost, "/", map[string]any{"id": "gw_2", "type": "transfer.paid"}, nil)
	h.Events(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Redemption ---

func TestRedeem_ByCode(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockRedemptionService(ctrl)
	h := NewRedemptionHandler(svc)

	userID, merchantID, paymentID := uuid.New(), uuid.New(), uuid.New()
	ref := "tr_1"
	svc.EXPECT().Redeem(gomock.Any(), ports.RedeemRequest{
		RedemptionCode: "ABCDE-FGHJK",
		MerchantID:     merchantID,
		IdempotencyKey: "redeem-1",
		ActorID:        userID,
	}).Return(&ports.RedeemResult{PaymentID: paymentID, Status: domain.StatusSucceeded, TransferRef: &ref}, nil)

	c, w := testContext(http.MethodPost, "/api/v1/redemptions", map[string]any{
		"redemption_code": "ABCDE-FGHJK",
		"merchant_id":     merchantID.String(),
		"idempotency_key": "redeem-1",
	}, &userID)
	h.Redeem(c)

	assert.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, "succeeded", d["status"])
	assert.Equal(t, "tr_1", d["transfer_ref"])
	assert.Equal(t, false, d["replayed"])
}

func TestRedeem_ByPaymentID(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockRedemptionService(ctrl)
	h := NewRedemptionHandler(svc)

	userID, merchantID, paymentID := uuid.New(), uuid.New(), uuid.New()
	svc.EXPECT().Redeem(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ any, req ports.RedeemRequest) (*ports.RedeemResult, error) {
			require.NotNil(t, req.PaymentID)
			assert.Equal(t, paymentID, *req.PaymentID)
			assert.Empty(t, req.RedemptionCode)
			return &ports.RedeemResult{PaymentID: paymentID, Status: domain.StatusProcessing}, nil
		})

	c, w := testContext(http.MethodPost, "/", map[string]any{
		"payment_id":      paymentID.String(),
		"merchant_id":     merchantID.String(),
		"idempotency_key": "redeem-2",
	}, &userID)
	h.Redeem(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "processing", data(t, w)["status"])
}

func TestRedeem_InsufficientFundsCarriesShortfall(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockRedemptionService(ctrl)
	h := NewRedemptionHandler(svc)

	userID := uuid.New()
	svc.EXPECT().Redeem(gomock.Any(), gomock.Any()).Return(nil, apperror.ErrInsufficientFunds("30.00"))

	c, w := testContext(http.MethodPost, "/", map[string]any{
		"redemption_code": "ABCDEFGHJK",
		"merchant_id":     uuid.NewString(),
		"idempotency_key": "redeem-3",
	}, &userID)
	h.Redeem(c)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "PAY_001", resp["error_code"])
	assert.Equal(t, "30.00", resp["details"].(map[string]any)["shortfall"])
}

func TestRedeem_Unauthenticated(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewRedemptionHandler(mocks.NewMockRedemptionService(ctrl))

	c, w := testContext(http.MethodPost, "/", map[string]any{}, nil)
	h.Redeem(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRedeem_NoSelector(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewRedemptionHandler(mocks.NewMockRedemptionService(ctrl))

	userID := uuid.New()
	c, w := testContext(http.MethodPost, "/", map[string]any{
		"merchant_id":     uuid.NewString(),
		"idempotency_key": "redeem-4",
	}, &userID)
	h.Redeem(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Wallet ---

func TestGetBalance(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockWalletService(ctrl)
	h := NewWalletHandler(svc)

	userID := uuid.New()
	svc.EXPECT().GetBalance(gomock.Any(), userID).Return(&ports.Balance{
		UserID:         userID,
		Currency:       "USD",
		Balance:        decimal.RequireFromString("90"),
		PendingBalance: decimal.RequireFromString("23.75"),
	}, nil)

	c, w := testContext(http.MethodGet, "/api/v1/wallets/balance", nil, &userID)
	h.GetBalance(c)

	assert.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, "90.00", d["balance"])
	assert.Equal(t, "23.75", d["pending_balance"])
	assert.Equal(t, "USD", d["currency"])
}

func TestTopup_HeaderIdempotencyKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockWalletService(ctrl)
	h := NewWalletHandler(svc)

	userID := uuid.New()
	rec := sampleRecord(domain.KindWalletTopup, domain.StatusSucceeded)
	svc.EXPECT().Topup(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ any, req ports.TopupRequest) (*domain.PaymentRecord, error) {
			assert.Equal(t, userID, req.UserID)
			assert.Equal(t, "topup-7", req.IdempotencyKey)
			assert.True(t, req.Amount.Equal(decimal.RequireFromString("25.50")))
			return rec, nil
		})

	c, w := testContext(http.MethodPost, "/api/v1/wallets/topup", map[string]any{"amount": "25.50"}, &userID)
	c.Request.Header.Set(HeaderIdempotencyKey, "topup-7")
	h.Topup(c)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "succeeded", data(t, w)["status"])
}

func TestTopup_RejectsNonPositiveAmount(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewWalletHandler(mocks.NewMockWalletService(ctrl))

	userID := uuid.New()
	for _, amount := range []string{"0", "-10", "1.001"} {
		c, w := testContext(http.MethodPost, "/", map[string]any{"amount": amount}, &userID)
		h.Topup(c)
		assert.Equal(t, http.StatusBadRequest, w.Code, amount)
	}
}

func TestSendTransfer_ReturnsCodeOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockWalletService(ctrl)
	h := NewWalletHandler(svc)

	userID, payeeID := uuid.New(), uuid.New()
	rec := sampleRecord(domain.KindPeerTransfer, domain.StatusPending)
	rec.PayeeID = &payeeID
	digest := "secret-digest"
	rec.RedemptionCodeDigest = &digest

	svc.EXPECT().SendPeerTransfer(gomock.Any(), ports.PeerTransferRequest{
		PayerID:        userID,
		PayeeID:        payeeID,
		Amount:         decimal.RequireFromString("25"),
		IdempotencyKey: "p2p-1",
	}).Return(&ports.IssuedPayment{Payment: rec, RedemptionCode: "ABCDE-FGHJK"}, nil)

	c, w := testContext(http.MethodPost, "/api/v1/transfers", map[string]any{
		"payee_id":        payeeID.String(),
		"amount":          "25",
		"idempotency_key": "p2p-1",
	}, &userID)
	h.SendTransfer(c)

	assert.Equal(t, http.StatusCreated, w.Code)
	d := data(t, w)
	assert.Equal(t, "ABCDE-FGHJK", d["redemption_code"])
	assert.NotContains(t, w.Body.String(), digest)
	assert.Equal(t, payeeID.String(), d["payment"].(map[string]any)["payee_id"])
}

func TestSendTransfer_InvalidPayee(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewWalletHandler(mocks.NewMockWalletService(ctrl))

	userID := uuid.New()
	c, w := testContext(http.MethodPost, "/", map[string]any{"payee_id": "bob", "amount": "5"}, &userID)
	h.SendTransfer(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateVenuePayment(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockWalletService(ctrl)
	h := NewWalletHandler(svc)

	userID := uuid.New()
	rec := sampleRecord(domain.KindPeerRedemption, domain.StatusPending)
	svc.EXPECT().CreateVenuePayment(gomock.Any(), ports.VenuePaymentRequest{
		PayerID: userID,
		Amount:  decimal.RequireFromString("40"),
	}).Return(&ports.IssuedPayment{Payment: rec, RedemptionCode: "MNPQR-STVWX"}, nil)

	c, w := testContext(http.MethodPost, "/api/v1/venue-payments", map[string]any{"amount": "40"}, &userID)
	h.CreateVenuePayment(c)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "MNPQR-STVWX", data(t, w)["redemption_code"])
}

// --- Payments ---

func TestGetPayment(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockWalletService(ctrl)
	h := NewPaymentHandler(svc)

	userID := uuid.New()
	rec := sampleRecord(domain.KindCardPresentSpend, domain.StatusSucceeded)
	ref := "tr_9"
	rec.ExternalTransferRef = &ref
	completed := rec.CreatedAt.Add(time.Minute)
	rec.CompletedAt = &completed
	svc.EXPECT().GetPayment(gomock.Any(), userID, rec.ID).Return(rec, nil)

	c, w := testContext(http.MethodGet, "/api/v1/payments/"+rec.ID.String(), nil, &userID)
	c.Params = gin.Params{{Key: "id", Value: rec.ID.String()}}
	h.Get(c)

	assert.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, "card_present_spend", d["kind"])
	assert.Equal(t, "tr_9", d["transfer_ref"])
	assert.Equal(t, "2026-03-01T12:01:00Z", d["completed_at"])
}

func TestGetPayment_Forbidden(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockWalletService(ctrl)
	h := NewPaymentHandler(svc)

	userID, paymentID := uuid.New(), uuid.New()
	svc.EXPECT().GetPayment(gomock.Any(), userID, paymentID).Return(nil, apperror.ErrForbidden())

	c, w := testContext(http.MethodGet, "/", nil, &userID)
	c.Params = gin.Params{{Key: "id", Value: paymentID.String()}}
	h.Get(c)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetPayment_InvalidID(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewPaymentHandler(mocks.NewMockWalletService(ctrl))

	userID := uuid.New()
	c, w := testContext(http.MethodGet, "/", nil, &userID)
	c.Params = gin.Params{{Key: "id", Value: "not-a-uuid"}}
	h.Get(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListPayments_Filters(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockWalletService(ctrl)
	h := NewPaymentHandler(svc)

	userID := uuid.New()
	status := domain.StatusPending
	kind := domain.KindPeerTransfer
	svc.EXPECT().ListPayments(gomock.Any(), ports.PaymentListParams{
		UserID:   userID,
		Status:   &status,
		Kind:     &kind,
		Page:     2,
		PageSize: 5,
	}).Return([]domain.PaymentRecord{*sampleRecord(kind, status)}, int64(6), nil)

	c, w := testContext(http.MethodGet, "/api/v1/payments?status=pending&kind=peer_transfer&page=2&page_size=5", nil, &userID)
	h.List(c)

	assert.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, float64(6), d["total"])
	assert.Len(t, d["payments"], 1)
}

func TestListPayments_BadFilter(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewPaymentHandler(mocks.NewMockWalletService(ctrl))

	userID := uuid.New()
	c, w := testContext(http.MethodGet, "/api/v1/payments?status=refunded", nil, &userID)
	h.List(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Readiness ---

func TestReadiness(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger := mocks.NewMockReadinessProbe(ctrl)
	cache := mocks.NewMockReadinessProbe(ctrl)
	ledger.EXPECT().Component().Return("ledger").AnyTimes()
	cache.EXPECT().Component().Return("cache").AnyTimes()
	ledger.EXPECT().Probe(gomock.Any()).Return(nil).Times(2)
	cache.EXPECT().Probe(gomock.Any()).Return(nil)
	cache.EXPECT().Probe(gomock.Any()).Return(errors.New("probe cache: connection refused"))

	handler := Readiness(ledger, cache)

	c, w := testContext(http.MethodGet, "/health", nil, nil)
	handler(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decode(t, w)["status"])

	c, w = testContext(http.MethodGet, "/health", nil, nil)
	handler(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "not_ready", resp["status"])
	components := resp["components"].(map[string]any)
	assert.Equal(t, true, components["ledger"].(map[string]any)["up"])
	assert.Equal(t, "probe cache: connection refused", components["cache"].(map[string]any)["error"])
}

// --- Router ---

type routerFixture struct {
	router *gin.Engine
	auth   *mocks.MockAuthorizationService
	recon  *mocks.MockReconciliationService
	wallet *mocks.MockWalletService
	tokens *mocks.MockTokenService
}

func newRouterFixture(t *testing.T) *routerFixture {
	return newRouterFixtureWith(t, func(*RouterDeps) {})
}

func newRouterFixtureWith(t *testing.T, configure func(*RouterDeps)) *routerFixture {
	ctrl := gomock.NewController(t)
	f := &routerFixture{
		auth:   mocks.NewMockAuthorizationService(ctrl),
		recon:  mocks.NewMockReconciliationService(ctrl),
		wallet: mocks.NewMockWalletService(ctrl),
		tokens: mocks.NewMockTokenService(ctrl),
	}
	deps := RouterDeps{
		AuthorizationSvc:  f.auth,
		ReconciliationSvc: f.recon,
		RedemptionSvc:     mocks.NewMockRedemptionService(ctrl),
		WalletSvc:         f.wallet,
		SigSvc:            service.NewHMACSignatureService(),
		TokenSvc:          f.tokens,
		NetworkSecret:     "net_secret",
		GatewaySecret:     "gw_secret",
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
		Logger: zerolog.Nop(),
	}
	configure(&deps)
	f.router = SetupRouter(deps)
	return f
}

func signed(method, path, body, secret, sigHeader, tsHeader string) *http.Request {
	sig := service.NewHMACSignatureService()
	ts := time.Now().Unix()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tsHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(sigHeader, sig.Sign(secret, sig.BuildCanonicalString(ts, body)))
	return req
}

func TestRouter_SignedNetworkAuthorization(t *testing.T) {
	f := newRouterFixture(t)
	f.auth.EXPECT().Decide(gomock.Any(), gomock.Any()).Return(&ports.AuthorizationDecision{Approved: true})

	body := `{"authorization_ref":"auth_1","cardholder_ref":"ch_1","amount":"9.99","merchant":{"network_id":"mid_1"}}`
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, signed(http.MethodPost, "/api/v1/network/authorizations", body,
		"net_secret", middleware.HeaderNetworkSignature, middleware.HeaderNetworkTimestamp))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))
	assert.Equal(t, w.Header().Get(middleware.HeaderRequestID), decode(t, w)["request_id"])
}

func TestRouter_GatewaySecretDoesNotOpenNetworkRoutes(t *testing.T) {
	f := newRouterFixture(t)

	body := `{"authorization_ref":"auth_1","cardholder_ref":"ch_1","amount":"9.99","merchant":{"network_id":"mid_1"}}`
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, signed(http.MethodPost, "/api/v1/network/authorizations", body,
		"gw_secret", middleware.HeaderNetworkSignature, middleware.HeaderNetworkTimestamp))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_SignedGatewayEvent(t *testing.T) {
	f := newRouterFixture(t)
	f.recon.EXPECT().HandleGatewayEvent(gomock.Any(), gomock.Any()).Return(nil)

	body := `{"id":"gw_1","type":"transfer.paid","transfer_ref":"tr_1"}`
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, signed(http.MethodPost, "/api/v1/gateway/events", body,
		"gw_secret", middleware.HeaderGatewaySignature, middleware.HeaderGatewayTimestamp))

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestRouter_ClientRoutesRequireToken(t *testing.T) {
	f := newRouterFixture(t)

	for _, path := range []string{"/api/v1/wallets/balance", "/api/v1/payments"} {
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestRouter_AuthenticatedBalance(t *testing.T) {
	f := newRouterFixture(t)
	userID := uuid.New()
	f.tokens.EXPECT().Validate("tok").Return(&ports.TokenClaims{UserID: userID}, nil)
	f.wallet.EXPECT().GetBalance(gomock.Any(), userID).Return(&ports.Balance{UserID: userID, Currency: "USD"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallets/balance", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0.00", data(t, w)["balance"])
}

func TestRouter_TopupOnlyWhenEnabled(t *testing.T) {
	topup := func(f *routerFixture) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/wallets/topup", bytes.NewBufferString(`{"amount":"10.00"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer tok")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNotFound, topup(newRouterFixture(t)))

	f := newRouterFixtureWith(t, func(d *RouterDeps) { d.ClientTopup = true })
	userID := uuid.New()
	f.tokens.EXPECT().Validate("tok").Return(&ports.TokenClaims{UserID: userID}, nil)
	f.wallet.EXPECT().Topup(gomock.Any(), gomock.Any()).Return(&domain.PaymentRecord{
		ID: uuid.New(), Kind: domain.KindWalletTopup, Status: domain.StatusSucceeded, PayeeID: &userID,
		Amount: decimal.RequireFromString("10.00"), Currency: "USD",
	}, nil)
	assert.Equal(t, http.StatusCreated, topup(f))
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	f := newRouterFixture(t)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "# metrics\n", w.Body.String())
}
