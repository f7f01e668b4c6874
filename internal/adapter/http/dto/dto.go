package dto

import (
	"wallet-settlement/internal/core/domain"

	"github.com/shopspring/decimal"
)

// --- Card network (HMAC-signed) ---

// MerchantDescriptor is the venue as the card network describes it.
type MerchantDescriptor struct {
	NetworkID string `json:"network_id" binding:"required,max=64,safe_id"`
	Name      string `json:"name" binding:"max=128"`
	City      string `json:"city" binding:"max=64"`
}

// AuthorizationRequest is the body of POST /api/v1/network/authorizations.
type AuthorizationRequest struct {
	AuthorizationRef string             `json:"authorization_ref" binding:"required,max=64,safe_id"`
	CardholderRef    string             `json:"cardholder_ref" binding:"required,max=64,safe_id"`
	Amount           decimal.Decimal    `json:"amount"`
	Currency         string             `json:"currency" binding:"omitempty,len=3,alpha"`
	Merchant         MerchantDescriptor `json:"merchant" binding:"required"`
}

// NetworkEventRequest is the body of POST /api/v1/network/events.
type NetworkEventRequest struct {
	ID               string             `json:"id" binding:"required,max=64,safe_id"`
	Type             string             `json:"type" binding:"required,oneof=authorization.request authorization.finalized"`
	AuthorizationRef string             `json:"authorization_ref" binding:"required,max=64,safe_id"`
	CardholderRef    string             `json:"cardholder_ref" binding:"omitempty,max=64,safe_id"`
	Amount           decimal.Decimal    `json:"amount"`
	Currency         string             `json:"currency" binding:"omitempty,len=3,alpha"`
	Approved         bool               `json:"approved"`
	Merchant         MerchantDescriptor `json:"merchant"`
}

// ToDomain converts the request into a domain.NetworkEvent.
func (r NetworkEventRequest) ToDomain() domain.NetworkEvent {
	return domain.NetworkEvent{
		ID:               r.ID,
		Type:             domain.NetworkEventType(r.Type),
		AuthorizationRef: r.AuthorizationRef,
		CardholderRef:    r.CardholderRef,
		Amount:           r.Amount,
		Currency:         r.Currency,
		Approved:         r.Approved,
		Merchant: domain.MerchantDescriptor{
			NetworkID: r.Merchant.NetworkID,
			Name:      r.Merchant.Name,
			City:      r.Merchant.City,
		},
	}
}

// --- Payout gateway (HMAC-signed) ---

// GatewayEventRequest is the body of POST /api/v1/gateway/events.
type GatewayEventRequest struct {
	ID            string `json:"id" binding:"required,max=64,safe_id"`
	Type          string `json:"type" binding:"required,oneof=transfer.paid transfer.failed"`
	TransferRef   string `json:"transfer_ref" binding:"required,max=64,safe_id"`
	PaymentID     string `json:"payment_id" binding:"omitempty,uuid"`
	FailureReason string `json:"failure_reason" binding:"max=255"`
}

// --- Client routes (JWT) ---

// RedeemRequest is the body of POST /api/v1/redemptions. Exactly one of
// PaymentID and RedemptionCode selects the record.
type RedeemRequest struct {
	PaymentID      string `json:"payment_id" binding:"required_without=RedemptionCode,omitempty,uuid"`
	RedemptionCode string `json:"redemption_code" binding:"required_without=PaymentID,max=16"`
	MerchantID     string `json:"merchant_id" binding:"required,uuid"`
	IdempotencyKey string `json:"idempotency_key" binding:"required,max=64,safe_id"`
}

// TopupRequest is the body of POST /api/v1/wallets/topup.
type TopupRequest struct {
	Amount         decimal.Decimal `json:"amount" binding:"decimal_positive"`
	IdempotencyKey string          `json:"idempotency_key" binding:"omitempty,max=64,safe_id"`
}

// PeerTransferRequest is the body of POST /api/v1/transfers.
type PeerTransferRequest struct {
	PayeeID        string          `json:"payee_id" binding:"required,uuid"`
	Amount         decimal.Decimal `json:"amount" binding:"decimal_positive"`
	IdempotencyKey string          `json:"idempotency_key" binding:"omitempty,max=64,safe_id"`
}

// VenuePaymentRequest is the body of POST /api/v1/venue-payments.
type VenuePaymentRequest struct {
	Amount         decimal.Decimal `json:"amount" binding:"decimal_positive"`
	IdempotencyKey string          `json:"idempotency_key" binding:"omitempty,max=64,safe_id"`
}

// PaymentListQuery binds GET /api/v1/payments query parameters.
type PaymentListQuery struct {
	Status   string `form:"status" binding:"omitempty,oneof=pending processing succeeded failed"`
	Kind     string `form:"kind" binding:"omitempty,oneof=card_present_spend peer_transfer peer_redemption wallet_topup"`
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
}

// --- Responses ---

// PaymentResponse is the client view of a payment record. Internal fields
// such as the code digest never leave the service.
type PaymentResponse struct {
	ID               string            `json:"id"`
	Kind             string            `json:"kind"`
	Status           string            `json:"status"`
	PayerID          *string           `json:"payer_id,omitempty"`
	PayeeID          *string           `json:"payee_id,omitempty"`
	MerchantID       *string           `json:"merchant_id,omitempty"`
	Amount           string            `json:"amount"`
	Currency         string            `json:"currency"`
	TransferRef      *string           `json:"transfer_ref,omitempty"`
	AuthorizationRef *string           `json:"authorization_ref,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at"`
	CompletedAt      *string           `json:"completed_at,omitempty"`
}

// IssuedPaymentResponse adds the one-time redemption code.
type IssuedPaymentResponse struct {
	Payment        PaymentResponse `json:"payment"`
	RedemptionCode string          `json:"redemption_code,omitempty"`
}

// PaymentListResponse wraps a page of records.
type PaymentListResponse struct {
	Payments []PaymentResponse `json:"payments"`
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// BalanceResponse is the wallet snapshot.
type BalanceResponse struct {
	UserID         string `json:"user_id"`
	Currency       string `json:"currency"`
	Balance        string `json:"balance"`
	PendingBalance string `json:"pending_balance"`
}

// EventAck acknowledges a webhook delivery.
type EventAck struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate"`
}
