package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appErr   *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			appErr:   New("PAY_001", "Insufficient funds", http.StatusPaymentRequired),
			expected: "[PAY_001] Insufficient funds",
		},
		{
			name:     "with wrapped error",
			appErr:   Wrap("SYS_001", "DB error", http.StatusInternalServerError, fmt.Errorf("connection refused")),
			expected: "[SYS_001] DB error: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.appErr.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap("SYS_001", "wrapped", http.StatusInternalServerError, inner)

	assert.True(t, errors.Is(appErr, inner))
	assert.Nil(t, New("PAY_001", "test", http.StatusBadRequest).Unwrap())
}

func TestAppError_WithDetail_DoesNotMutateOriginal(t *testing.T) {
	base := ErrAlreadyProcessing()
	withState := base.WithDetail("status", "processing")

	assert.Nil(t, base.Details)
	assert.Equal(t, "processing", withState.Details["status"])
	assert.Equal(t, base.Code, withState.Code)
}

func TestInsufficientFunds_CarriesShortfall(t *testing.T) {
	err := ErrInsufficientFunds("12.50")
	assert.Equal(t, "PAY_001", err.Code)
	assert.Equal(t, http.StatusPaymentRequired, err.HTTPStatus)
	assert.Equal(t, "12.50", err.Details["shortfall"])

	assert.Nil(t, ErrInsufficientFunds("").Details)
}

func TestCodes(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		code       string
		httpStatus int
	}{
		{"MissingSignature", ErrMissingSignature(), "SEC_001", 401},
		{"InvalidSignature", ErrInvalidSignature(), "SEC_002", 401},
		{"TimestampExpired", ErrTimestampExpired(), "SEC_003", 403},
		{"InvalidAmount", ErrInvalidAmount(), "PAY_002", 400},
		{"DuplicateRequest", ErrDuplicateRequest(), "PAY_003", 409},
		{"NotFound", ErrNotFound("Wallet"), "PAY_004", 404},
		{"LimitExceeded", ErrLimitExceeded(), "PAY_005", 422},
		{"MerchantNotSettleable", ErrMerchantNotSettleable(), "PAY_008", 422},
		{"AlreadyProcessing", ErrAlreadyProcessing(), "PAY_009", 409},
		{"AlreadyTerminal", ErrAlreadyTerminal(), "PAY_010", 409},
		{"ProcessingFailed", ErrProcessingFailed(), "PAY_011", 422},
		{"Forbidden", ErrForbidden(), "PAY_012", 403},
		{"InvalidToken", ErrInvalidToken(), "AUTH_003", 401},
		{"RateLimit", ErrRateLimitExceeded(), "RATE_001", 429},
		{"GatewayUnavailable", ErrGatewayUnavailable(nil), "SYS_004", 503},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.httpStatus, tt.err.HTTPStatus)
		})
	}
}

func TestSystemErrors(t *testing.T) {
	inner := fmt.Errorf("pg: connection closed")
	dbErr := ErrDatabaseError(inner)
	assert.Equal(t, "SYS_001", dbErr.Code)
	assert.Equal(t, 500, dbErr.HTTPStatus)
	assert.True(t, errors.Is(dbErr, inner))

	gwErr := ErrGatewayUnavailable(inner)
	assert.True(t, errors.Is(gwErr, inner))
}

func TestNotFoundEntity(t *testing.T) {
	err := ErrNotFound("Payment")
	assert.Contains(t, err.Message, "Payment")
}
