package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind is the closed set of money movements a payment record can describe.
type Kind string

const (
	KindWalletTopup      Kind = "wallet_topup"
	KindPeerTransfer     Kind = "peer_transfer"
	KindCardPresentSpend Kind = "card_present_spend"
	KindPeerRedemption   Kind = "peer_redemption"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindWalletTopup, KindPeerTransfer, KindCardPresentSpend, KindPeerRedemption:
		return true
	}
	return false
}

// LedgerEffect names the single ledger mutation a kind applies when it settles.
type LedgerEffect int

const (
	EffectNone LedgerEffect = iota
	EffectCreditPayer
	EffectDebitPayer
	EffectConsumePayeePending
)

// SettlementEffect is the ledger mutation applied on the path that completes a
// record of kind k. Card spends debit at finalization; peer transfers already
// moved the payer's funds into the payee's pending balance at creation.
func (k Kind) SettlementEffect() LedgerEffect {
	switch k {
	case KindWalletTopup:
		return EffectCreditPayer
	case KindCardPresentSpend, KindPeerRedemption:
		return EffectDebitPayer
	case KindPeerTransfer:
		return EffectConsumePayeePending
	}
	return EffectNone
}

// RequiresPayout reports whether settling a record of kind k pays a merchant.
func (k Kind) RequiresPayout() bool {
	return k != KindWalletTopup
}

// Redeemable reports whether a venue may drive this kind through redemption.
func (k Kind) Redeemable() bool {
	return k != KindWalletTopup
}

// Status is the lifecycle state of a payment record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for succeeded and failed.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Metadata keys written by the settlement engine.
const (
	MetaFailureReason     = "failure_reason"
	MetaMerchantNetworkID = "merchant_network_id"
	MetaMerchantName      = "merchant_name"
	MetaMerchantCity      = "merchant_city"
	MetaCommission        = "commission"
	MetaTransferAmount    = "transfer_amount"
	MetaFinalAmount       = "final_amount"
	MetaTransferPaidAt    = "transfer_paid_at"
	MetaDeferralAlerted   = "deferral_alerted"
	MetaSettledBy         = "settled_by"
)

// Failure reasons recorded under MetaFailureReason.
const (
	ReasonAuthorizationDeclined = "authorization_declined"
	ReasonInsufficientFunds     = "insufficient_funds"
	ReasonMerchantNotSettleable = "merchant_not_settleable"
	ReasonTransferRejected      = "transfer_rejected"
	ReasonTransferFailed        = "transfer_failed"
	ReasonStaleProcessing       = "stale_processing"
	ReasonAuthorizationExpired  = "authorization_expired"
	ReasonExpired               = "expired"
	ReasonInternal              = "internal_error"
)

// PaymentRecord is the durable unit of the settlement state machine for one
// money movement attempt. Records are never deleted.
type PaymentRecord struct {
	ID                       uuid.UUID         `json:"id"`
	Kind                     Kind              `json:"kind"`
	Status                   Status            `json:"status"`
	PayerID                  *uuid.UUID        `json:"payer_id,omitempty"`
	PayeeID                  *uuid.UUID        `json:"payee_id,omitempty"`
	MerchantID               *uuid.UUID        `json:"merchant_id,omitempty"`
	Amount                   decimal.Decimal   `json:"amount"`
	Currency                 string            `json:"currency"`
	IdempotencyKey           string            `json:"-"`
	RedemptionCodeDigest     *string           `json:"-"`
	ExternalAuthorizationRef *string           `json:"external_authorization_ref,omitempty"`
	ExternalTransferRef      *string           `json:"external_transfer_ref,omitempty"`
	LedgerAppliedAt          *time.Time        `json:"ledger_applied_at,omitempty"`
	Metadata                 map[string]string `json:"metadata,omitempty"`
	CreatedAt                time.Time         `json:"created_at"`
	UpdatedAt                time.Time         `json:"updated_at"`
	CompletedAt              *time.Time        `json:"completed_at,omitempty"`
}

// LedgerApplied reports whether this record's ledger effect has committed.
func (p *PaymentRecord) LedgerApplied() bool {
	return p.LedgerAppliedAt != nil
}

// AwaitingPayout is a debited record that still needs its merchant transfer.
func (p *PaymentRecord) AwaitingPayout() bool {
	return p.Status == StatusProcessing &&
		p.LedgerApplied() &&
		p.ExternalTransferRef == nil &&
		p.Kind.RequiresPayout()
}

// TransferRefEquals compares the recorded transfer reference with ref.
func (p *PaymentRecord) TransferRefEquals(ref string) bool {
	return p.ExternalTransferRef != nil && *p.ExternalTransferRef == ref
}

// Meta returns a metadata value or "".
func (p *PaymentRecord) Meta(key string) string {
	if p.Metadata == nil {
		return ""
	}
	return p.Metadata[key]
}

// TransferIdempotencyToken is the deterministic payout token for a record, so
// a retried transfer creation can never produce a second transfer.
func TransferIdempotencyToken(paymentID uuid.UUID) string {
	return "payout-" + paymentID.String()
}

// Commission computes the platform fee in basis points, rounded half-up to cents.
func Commission(amount decimal.Decimal, bps int64) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10000)).Round(2)
}
