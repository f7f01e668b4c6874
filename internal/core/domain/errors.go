package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrPaymentNotFound = errors.New("payment record not found")
	ErrMerchantMissing = errors.New("merchant not found")
	ErrDuplicateKey    = errors.New("idempotency key already used")
)

// InsufficientFundsError is returned by a debit the balance cannot cover.
type InsufficientFundsError struct {
	Shortfall decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: short by %s", e.Shortfall.StringFixed(2))
}

// IsInsufficientFunds unwraps err looking for *InsufficientFundsError.
func IsInsufficientFunds(err error) (*InsufficientFundsError, bool) {
	var ife *InsufficientFundsError
	if errors.As(err, &ife) {
		return ife, true
	}
	return nil, false
}

// ErrGatewayUnavailable means the payout gateway could not be reached after
// retries. Local state stays processing for the sweeper.
var ErrGatewayUnavailable = errors.New("payout gateway unavailable")

// TransferRejectedError is a definitive refusal from the payout gateway.
type TransferRejectedError struct {
	Code    string
	Message string
}

func (e *TransferRejectedError) Error() string {
	return fmt.Sprintf("transfer rejected: %s: %s", e.Code, e.Message)
}

// RejectionTokenConflict is the gateway's refusal of an idempotency token
// already bound to a transfer with other parameters.
const RejectionTokenConflict = "idempotency_key_reuse"

// TokenConflict reports whether a transfer may already exist under the token.
func (e *TransferRejectedError) TokenConflict() bool {
	return e.Code == RejectionTokenConflict
}
