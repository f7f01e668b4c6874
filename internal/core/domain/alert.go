package domain

import (
	"time"

	"github.com/google/uuid"
)

// AlertKind classifies a ledger/settlement divergence that needs an operator.
type AlertKind string

const (
	AlertInsufficientFundsAtFinalize AlertKind = "insufficient_funds_at_finalize"
	AlertPayoutFailedAfterDebit      AlertKind = "payout_failed_after_debit"
	AlertTransferRefMismatch         AlertKind = "transfer_ref_mismatch"
	AlertUnknownAuthorization        AlertKind = "unknown_authorization"
	AlertPayoutDeferralExpired       AlertKind = "payout_deferral_expired"
	AlertAmountMismatch              AlertKind = "amount_mismatch"
	AlertPendingUnderflow            AlertKind = "pending_underflow"
	AlertGatewayUnavailable          AlertKind = "gateway_unavailable"
)

// Alert records a reconciliation alert.
type Alert struct {
	ID        uuid.UUID  `json:"id"`
	PaymentID *uuid.UUID `json:"payment_id,omitempty"`
	Kind      AlertKind  `json:"kind"`
	Details   string     `json:"details,omitempty"` // JSON string
	CreatedAt time.Time  `json:"created_at"`
}
