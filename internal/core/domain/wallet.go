package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SpendingLimits are the cardholder's configured caps. Nil means uncapped.
type SpendingLimits struct {
	PerTransaction *decimal.Decimal `json:"per_transaction,omitempty"`
	Daily          *decimal.Decimal `json:"daily,omitempty"`
}

// Wallet is a user's platform-custodied balance. Balance and PendingBalance
// are never negative after a committed mutation.
type Wallet struct {
	UserID         uuid.UUID       `json:"user_id"`
	CardholderRef  *string         `json:"cardholder_ref,omitempty"`
	Currency       string          `json:"currency"`
	Balance        decimal.Decimal `json:"balance"`
	PendingBalance decimal.Decimal `json:"pending_balance"`
	Limits         SpendingLimits  `json:"limits"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ExceedsPerTransaction reports whether amount is over the per-transaction cap.
func (l SpendingLimits) ExceedsPerTransaction(amount decimal.Decimal) bool {
	return l.PerTransaction != nil && amount.GreaterThan(*l.PerTransaction)
}

// ExceedsDaily reports whether spentToday plus amount is over the daily cap.
func (l SpendingLimits) ExceedsDaily(spentToday, amount decimal.Decimal) bool {
	return l.Daily != nil && spentToday.Add(amount).GreaterThan(*l.Daily)
}
