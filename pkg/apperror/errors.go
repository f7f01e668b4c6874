package apperror

import (
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string         `json:"error_code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail returns a copy of e carrying an extra client-visible detail.
func (e *AppError) WithDetail(key string, value any) *AppError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// ---- Webhook signature verification (SEC) ----

func ErrMissingSignature() *AppError {
	return New("SEC_001", "Missing webhook signature", http.StatusUnauthorized)
}

func ErrInvalidSignature() *AppError {
	return New("SEC_002", "Invalid signature", http.StatusUnauthorized)
}

func ErrTimestampExpired() *AppError {
	return New("SEC_003", "Request timestamp expired", http.StatusForbidden)
}

// ---- Ledger & settlement (PAY) ----

// ErrInsufficientFunds carries the shortfall so the client can offer a top-up.
func ErrInsufficientFunds(shortfall string) *AppError {
	e := New("PAY_001", "Insufficient balance in wallet", http.StatusPaymentRequired)
	if shortfall != "" {
		e.Details = map[string]any{"shortfall": shortfall}
	}
	return e
}

func ErrInvalidAmount() *AppError {
	return New("PAY_002", "Invalid amount", http.StatusBadRequest)
}

func ErrDuplicateRequest() *AppError {
	return New("PAY_003", "Idempotency key reused with a different request", http.StatusConflict)
}

func ErrNotFound(entity string) *AppError {
	return New("PAY_004", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrLimitExceeded() *AppError {
	return New("PAY_005", "Spending limit exceeded", http.StatusUnprocessableEntity)
}

func ErrMerchantNotSettleable() *AppError {
	return New("PAY_008", "Merchant has no settlement destination", http.StatusUnprocessableEntity)
}

// ErrAlreadyProcessing is a race outcome, not a failure; callers poll and retry.
func ErrAlreadyProcessing() *AppError {
	return New("PAY_009", "Payment is already being processed", http.StatusConflict)
}

func ErrAlreadyTerminal() *AppError {
	return New("PAY_010", "Payment already reached a final state", http.StatusConflict)
}

func ErrProcessingFailed() *AppError {
	return New("PAY_011", "Processing failed", http.StatusUnprocessableEntity)
}

// ErrPayoutRejected means the ledger effect committed but the gateway refused
// the transfer; the record is failed and an operator has been alerted.
func ErrPayoutRejected(err error) *AppError {
	return Wrap("PAY_011", "Payout rejected by gateway", http.StatusUnprocessableEntity, err)
}

func ErrForbidden() *AppError {
	return New("PAY_012", "Not allowed to access this payment", http.StatusForbidden)
}

// ---- Authentication (AUTH) ----

func ErrInvalidToken() *AppError {
	return New("AUTH_003", "Invalid or expired token", http.StatusUnauthorized)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New("RATE_001", "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

func ErrGatewayUnavailable(err error) *AppError {
	return Wrap("SYS_004", "Payout gateway unavailable, payment will be reconciled", http.StatusServiceUnavailable, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}

// Validation returns a PAY_002-style validation error.
func Validation(message string) *AppError {
	return New("PAY_002", message, http.StatusBadRequest)
}
