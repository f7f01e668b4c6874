package ports

import (
	"context"
	"time"

	"wallet-settlement/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Methods accepting pgx.Tx join the caller's unit of work. A nil tx runs the
// statement on its own.

// LedgerStore owns wallet balances. Every mutation is one conditional update,
// never a read followed by a write.
type LedgerStore interface {
	GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
	GetWalletByCardholder(ctx context.Context, cardholderRef string) (*domain.Wallet, error)
	// Debit fails with domain.ErrInvalidAmount, domain.ErrWalletNotFound or
	// *domain.InsufficientFundsError and otherwise returns the new balance.
	Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
	Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
	CreditPending(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
	// ConsumePending fails with *domain.InsufficientFundsError when the pending
	// balance cannot cover amount.
	ConsumePending(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
}

// TransitionRequest is a compare-and-set on a payment record's status.
type TransitionRequest struct {
	ID   uuid.UUID
	From domain.Status
	To   domain.Status
	// ExpectTransferRef additionally requires the recorded transfer ref to match.
	ExpectTransferRef *string
	// ExpectLedgerUnapplied additionally requires that no ledger effect has
	// been recorded, so an abort never fails a debited record.
	ExpectLedgerUnapplied bool
	// TransferRef is written only if none is recorded yet.
	TransferRef *string
	MerchantID  *uuid.UUID
	// Metadata is merged into the existing bag.
	Metadata map[string]string
}

// PaymentRecordRepository persists payment records. Records are never deleted.
type PaymentRecordRepository interface {
	// Create fails with domain.ErrDuplicateKey when the idempotency key exists.
	Create(ctx context.Context, tx pgx.Tx, rec *domain.PaymentRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentRecord, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentRecord, error)
	GetByRedemptionCode(ctx context.Context, digest string) (*domain.PaymentRecord, error)
	GetByAuthorizationRef(ctx context.Context, ref string) (*domain.PaymentRecord, error)
	GetByTransferRef(ctx context.Context, ref string) (*domain.PaymentRecord, error)
	// Transition reports false when the record was not in req.From (another
	// caller won the race) or the expected transfer ref did not match.
	Transition(ctx context.Context, tx pgx.Tx, req TransitionRequest) (bool, error)
	// MarkLedgerApplied stamps ledger_applied_at once, on a processing record.
	// It reports false if the effect was already applied.
	MarkLedgerApplied(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
	// AttachMerchant binds a merchant to a record that has none. It reports
	// whether the record is now bound to merchantID; false means another
	// merchant got there first.
	AttachMerchant(ctx context.Context, tx pgx.Tx, id uuid.UUID, merchantID uuid.UUID) (bool, error)
	MergeMetadata(ctx context.Context, tx pgx.Tx, id uuid.UUID, meta map[string]string) error
	ListStale(ctx context.Context, params StaleQuery) ([]domain.PaymentRecord, error)
	List(ctx context.Context, params PaymentListParams) ([]domain.PaymentRecord, int64, error)
	// SumCardSpendSince totals non-failed card spends for a payer.
	SumCardSpendSince(ctx context.Context, payerID uuid.UUID, since time.Time) (decimal.Decimal, error)
}

// StaleQuery selects records stuck in one status since before a cutoff.
type StaleQuery struct {
	Status        domain.Status
	Kinds         []domain.Kind
	UpdatedBefore time.Time
	LedgerApplied *bool
	Limit         int
}

// PaymentListParams holds filter + pagination for a user's payment history.
type PaymentListParams struct {
	UserID   uuid.UUID
	Status   *domain.Status
	Kind     *domain.Kind
	Page     int
	PageSize int
}

// MerchantRepository reads venue payout configuration.
type MerchantRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Merchant, error)
	GetByNetworkID(ctx context.Context, networkMerchantID string) (*domain.Merchant, error)
}

// IdempotencyRepository is the durable store for redemption replay results.
type IdempotencyRepository interface {
	Create(ctx context.Context, tx pgx.Tx, log *domain.IdempotencyLog) error
	Get(ctx context.Context, key string) (*domain.IdempotencyLog, error)
}

// AlertRepository persists reconciliation alerts.
type AlertRepository interface {
	Create(ctx context.Context, alert *domain.Alert) error
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]domain.Alert, error)
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
