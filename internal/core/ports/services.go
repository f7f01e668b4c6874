package ports

import (
	"context"
	"time"

	"wallet-settlement/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Clock allows deterministic time in tests and the sweeper.
type Clock interface {
	Now() time.Time
}

// SignatureService handles HMAC-SHA256 signing and verification of webhooks.
type SignatureService interface {
	Sign(secret string, payload string) string
	Verify(secret string, payload string, signature string) bool
	BuildCanonicalString(timestamp int64, body string) string
}

// TokenService handles JWT issuance and validation for client routes.
type TokenService interface {
	Generate(userID uuid.UUID, ttl time.Duration) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	UserID uuid.UUID
}

// CodeDigester issues redemption codes and digests them for storage.
type CodeDigester interface {
	NewCode() (plain string, digest string, err error)
	Digest(code string) string
}

// IdempotencyCache is the Redis-layer idempotency check (fast path).
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // nil on miss
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// EventDeduplicator remembers webhook event ids already handled.
type EventDeduplicator interface {
	// Claim returns true if the event has not been seen before.
	Claim(ctx context.Context, source string, eventID string, ttl time.Duration) (bool, error)
	// Release forgets an event so a redelivery is processed again.
	Release(ctx context.Context, source string, eventID string) error
}

// RateLimitResult holds the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   int64 // Unix timestamp
}

// RateLimiter is a fixed-window request counter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error)
}

// TransferRequest asks the gateway to pay a merchant's settlement account.
type TransferRequest struct {
	PaymentID        uuid.UUID
	Amount           decimal.Decimal
	Currency         string
	Destination      string
	IdempotencyToken string
}

// TransferResult is the gateway's acknowledgement of a transfer.
type TransferResult struct {
	TransferRef string
	Status      string
}

// PayoutGateway creates payout transfers. Implementations return
// domain.ErrGatewayUnavailable for transport failures and a
// *domain.TransferRejectedError when the gateway refuses the transfer.
type PayoutGateway interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

// Metrics records settlement engine telemetry. Implementations are nil-safe.
type Metrics interface {
	ObserveAuthorization(approved bool, reason string, elapsed time.Duration)
	ObserveTransition(kind domain.Kind, to domain.Status)
	ObservePayout(outcome string, elapsed time.Duration)
	ObserveAlert(kind domain.AlertKind)
	ObserveWebhook(source string, eventType string, outcome string)
	ObserveSweep(report SweepReport)
}

// --- Service Ports (Business Logic) ---

// AuthorizationRequest is a proposed card-present charge from the network.
type AuthorizationRequest struct {
	AuthorizationRef string
	CardholderRef    string
	Amount           decimal.Decimal
	Currency         string
	Merchant         domain.MerchantDescriptor
}

// Decline reasons returned to the card network.
const (
	DeclineInvalidAmount       = "invalid_amount"
	DeclineCardNotFound        = "card_not_found"
	DeclineInsufficientBalance = "insufficient_balance"
	DeclineLimitExceeded       = "limit_exceeded"
	DeclineProcessingError     = "processing_error"
)

// AuthorizationDecision is the synchronous answer to the network.
type AuthorizationDecision struct {
	Approved  bool       `json:"approved"`
	Reason    string     `json:"reason,omitempty"`
	PaymentID *uuid.UUID `json:"payment_id,omitempty"`
}

// AuthorizationService decides card-present authorizations. It never returns
// an error: internal failures and timeouts decline.
type AuthorizationService interface {
	Decide(ctx context.Context, req AuthorizationRequest) *AuthorizationDecision
}

// FinalizeRequest is the network's final disposition of an authorization.
type FinalizeRequest struct {
	AuthorizationRef string
	Approved         bool
	FinalAmount      decimal.Decimal
}

// SettlementService converts finalized authorizations into ledger debits.
type SettlementService interface {
	Finalize(ctx context.Context, req FinalizeRequest) (*domain.PaymentRecord, error)
}

// PayoutService requests the merchant transfer for a debited record.
type PayoutService interface {
	Payout(ctx context.Context, rec *domain.PaymentRecord, merchant *domain.Merchant) (*domain.PaymentRecord, error)
}

// RedeemRequest drives a record to completion at a venue.
type RedeemRequest struct {
	PaymentID      *uuid.UUID
	RedemptionCode string
	MerchantID     uuid.UUID
	IdempotencyKey string
	ActorID        uuid.UUID
}

// RedeemResult is returned to the client and replayed for the same key.
type RedeemResult struct {
	PaymentID   uuid.UUID        `json:"payment_id"`
	Status      domain.Status    `json:"status"`
	TransferRef *string          `json:"transfer_ref,omitempty"`
	NewBalance  *decimal.Decimal `json:"new_balance,omitempty"`
	Replayed    bool             `json:"replayed"`
}

// RedemptionService is the client-driven settlement path.
type RedemptionService interface {
	Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error)
}

// NetworkEventResult is what the webhook layer answers the card network.
type NetworkEventResult struct {
	Decision  *AuthorizationDecision `json:"decision,omitempty"`
	Payment   *domain.PaymentRecord  `json:"payment,omitempty"`
	Duplicate bool                   `json:"duplicate"`
}

// SweepReport summarizes one staleness sweep.
type SweepReport struct {
	PayoutsRetried   int `json:"payouts_retried"`
	PayoutsSucceeded int `json:"payouts_succeeded"`
	DeferralAlerts   int `json:"deferral_alerts"`
	ExpiredFailed    int `json:"expired_failed"`
	PendingExpired   int `json:"pending_expired"`
	Errors           int `json:"errors"`
}

// ReconciliationService ingests network and gateway events and owns the
// background staleness sweep.
type ReconciliationService interface {
	HandleNetworkEvent(ctx context.Context, ev domain.NetworkEvent) (*NetworkEventResult, error)
	HandleGatewayEvent(ctx context.Context, ev domain.GatewayEvent) error
	Sweep(ctx context.Context) (SweepReport, error)
}

// AlertService raises reconciliation alerts for operators.
type AlertService interface {
	Raise(ctx context.Context, paymentID *uuid.UUID, kind domain.AlertKind, details map[string]any)
}

// TopupRequest credits a wallet from an external funding source.
type TopupRequest struct {
	UserID         uuid.UUID
	Amount         decimal.Decimal
	IdempotencyKey string
}

// PeerTransferRequest moves funds into another user's pending balance.
type PeerTransferRequest struct {
	PayerID        uuid.UUID
	PayeeID        uuid.UUID
	Amount         decimal.Decimal
	IdempotencyKey string
}

// VenuePaymentRequest issues a pay-at-venue code drawn on the payer's balance.
type VenuePaymentRequest struct {
	PayerID        uuid.UUID
	Amount         decimal.Decimal
	IdempotencyKey string
}

// IssuedPayment is a created record plus its one-time redemption code.
type IssuedPayment struct {
	Payment        *domain.PaymentRecord `json:"payment"`
	RedemptionCode string                `json:"redemption_code,omitempty"`
}

// Balance is a wallet snapshot returned to the client.
type Balance struct {
	UserID         uuid.UUID       `json:"user_id"`
	Currency       string          `json:"currency"`
	Balance        decimal.Decimal `json:"balance"`
	PendingBalance decimal.Decimal `json:"pending_balance"`
}

// WalletService covers the client-facing wallet operations.
type WalletService interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (*Balance, error)
	Topup(ctx context.Context, req TopupRequest) (*domain.PaymentRecord, error)
	SendPeerTransfer(ctx context.Context, req PeerTransferRequest) (*IssuedPayment, error)
	CreateVenuePayment(ctx context.Context, req VenuePaymentRequest) (*IssuedPayment, error)
	GetPayment(ctx context.Context, actorID uuid.UUID, paymentID uuid.UUID) (*domain.PaymentRecord, error)
	ListPayments(ctx context.Context, params PaymentListParams) ([]domain.PaymentRecord, int64, error)
}
