package domain

import (
	"time"

	"github.com/google/uuid"
)

// MerchantStatus represents the state of a venue's payout account.
type MerchantStatus string

const (
	MerchantStatusActive    MerchantStatus = "ACTIVE"
	MerchantStatusSuspended MerchantStatus = "SUSPENDED"
)

// Merchant is a venue that can receive payouts. Owned by the venue directory;
// read-only here.
type Merchant struct {
	ID                  uuid.UUID      `json:"id"`
	Name                string         `json:"name"`
	NetworkMerchantID   *string        `json:"network_merchant_id,omitempty"`
	SettlementAccountID *string        `json:"settlement_account_id,omitempty"`
	Status              MerchantStatus `json:"status"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// IsActive returns true if the merchant account is active.
func (m *Merchant) IsActive() bool {
	return m.Status == MerchantStatusActive
}

// IsSettleable means a payout destination exists and the account may receive funds.
func (m *Merchant) IsSettleable() bool {
	return m.IsActive() && m.SettlementAccountID != nil && *m.SettlementAccountID != ""
}
