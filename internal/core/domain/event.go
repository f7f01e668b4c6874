package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NetworkEventType is an event the card network delivers asynchronously.
type NetworkEventType string

const (
	NetworkEventAuthorizationRequest   NetworkEventType = "authorization.request"
	NetworkEventAuthorizationFinalized NetworkEventType = "authorization.finalized"
)

// MerchantDescriptor is the card network's view of the venue at tap time.
type MerchantDescriptor struct {
	NetworkID string `json:"network_id"`
	Name      string `json:"name"`
	City      string `json:"city,omitempty"`
}

// NetworkEvent is one delivery from the card network.
type NetworkEvent struct {
	ID               string             `json:"id"`
	Type             NetworkEventType   `json:"type"`
	AuthorizationRef string             `json:"authorization_ref"`
	CardholderRef    string             `json:"cardholder_ref,omitempty"`
	Amount           decimal.Decimal    `json:"amount"`
	Currency         string             `json:"currency,omitempty"`
	Approved         bool               `json:"approved"`
	Merchant         MerchantDescriptor `json:"merchant"`
}

// GatewayEventType is a payout outcome event from the payment gateway.
type GatewayEventType string

const (
	GatewayEventTransferPaid   GatewayEventType = "transfer.paid"
	GatewayEventTransferFailed GatewayEventType = "transfer.failed"
)

// GatewayEvent is one delivery from the payment gateway.
type GatewayEvent struct {
	ID            string           `json:"id"`
	Type          GatewayEventType `json:"type"`
	TransferRef   string           `json:"transfer_ref"`
	PaymentID     *uuid.UUID       `json:"payment_id,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
}
