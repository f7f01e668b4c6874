package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// PaymentRepo implements ports.PaymentRecordRepository.
type PaymentRepo struct {
	pool Pool
}

// NewPaymentRepo creates a new PaymentRepo.
func NewPaymentRepo(pool Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

const paymentColumns = `id, kind, status, payer_id, payee_id, merchant_id, amount, currency,
	idempotency_key, redemption_code_digest, external_authorization_ref, external_transfer_ref,
	ledger_applied_at, metadata, created_at, updated_at, completed_at`

// Create inserts a new payment record.
func (r *PaymentRepo) Create(ctx context.Context, tx pgx.Tx, p *domain.PaymentRecord) error {
	query := `INSERT INTO payment_records (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	meta := p.Metadata
	if meta == nil {
		meta = map[string]string{}
	}

	_, err := on(r.pool, tx).Exec(ctx, query,
		p.ID, p.Kind, p.Status, p.PayerID, p.PayeeID, p.MerchantID, p.Amount, p.Currency,
		p.IdempotencyKey, p.RedemptionCodeDigest, p.ExternalAuthorizationRef, p.ExternalTransferRef,
		p.LedgerAppliedAt, meta, p.CreatedAt, p.UpdatedAt, p.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert payment record: %w", domain.ErrDuplicateKey)
		}
		return fmt.Errorf("insert payment record: %w", err)
	}
	return nil
}

// GetByID fetches a payment record by UUID.
func (r *PaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentRecord, error) {
	return r.getOne(ctx, "id", id)
}

// GetByIdempotencyKey fetches the record created for an idempotency key.
func (r *PaymentRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentRecord, error) {
	return r.getOne(ctx, "idempotency_key", key)
}

// GetByRedemptionCode fetches a record by the digest of its redemption code.
func (r *PaymentRepo) GetByRedemptionCode(ctx context.Context, digest string) (*domain.PaymentRecord, error) {
	return r.getOne(ctx, "redemption_code_digest", digest)
}

// GetByAuthorizationRef fetches a card record by its network authorization ref.
func (r *PaymentRepo) GetByAuthorizationRef(ctx context.Context, ref string) (*domain.PaymentRecord, error) {
	return r.getOne(ctx, "external_authorization_ref", ref)
}

// GetByTransferRef fetches a record by its gateway transfer ref.
func (r *PaymentRepo) GetByTransferRef(ctx context.Context, ref string) (*domain.PaymentRecord, error) {
	return r.getOne(ctx, "external_transfer_ref", ref)
}

// getOne is only ever called with a column name from this file.
func (r *PaymentRepo) getOne(ctx context.Context, column string, arg any) (*domain.PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_records WHERE ` + column + ` = $1`

	p, err := scanPayment(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment record by %s: %w", column, err)
	}
	return p, nil
}

// Transition is the compare-and-set on (id, status). The transfer ref and
// merchant are only written when unset; metadata is merged.
func (r *PaymentRepo) Transition(ctx context.Context, tx pgx.Tx, req ports.TransitionRequest) (bool, error) {
	meta := req.Metadata
	if meta == nil {
		meta = map[string]string{}
	}

	query := `UPDATE payment_records SET
			status = $3,
			external_transfer_ref = COALESCE(external_transfer_ref, $4),
			merchant_id = COALESCE(merchant_id, $5),
			metadata = metadata || $6::jsonb,
			completed_at = CASE WHEN $3::text IN ('succeeded', 'failed') THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`
	args := []any{req.ID, string(req.From), string(req.To), req.TransferRef, req.MerchantID, meta}

	if req.ExpectTransferRef != nil {
		query += ` AND external_transfer_ref = $7`
		args = append(args, *req.ExpectTransferRef)
	}
	if req.ExpectLedgerUnapplied {
		query += ` AND ledger_applied_at IS NULL`
	}

	tag, err := on(r.pool, tx).Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition payment record %s %s->%s: %w", req.ID, req.From, req.To, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkLedgerApplied stamps the ledger effect exactly once.
func (r *PaymentRepo) MarkLedgerApplied(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	query := `UPDATE payment_records SET ledger_applied_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND ledger_applied_at IS NULL`

	tag, err := on(r.pool, tx).Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("mark ledger applied: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AttachMerchant binds the merchant unless a different one is already set.
// Re-binding the same merchant matches without resetting updated_at.
func (r *PaymentRepo) AttachMerchant(ctx context.Context, tx pgx.Tx, id uuid.UUID, merchantID uuid.UUID) (bool, error) {
	query := `UPDATE payment_records SET merchant_id = $2,
			updated_at = CASE WHEN merchant_id IS NULL THEN NOW() ELSE updated_at END
		WHERE id = $1 AND (merchant_id IS NULL OR merchant_id = $2)`

	tag, err := on(r.pool, tx).Exec(ctx, query, id, merchantID)
	if err != nil {
		return false, fmt.Errorf("attach merchant: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MergeMetadata merges keys into the record's metadata bag without touching
// updated_at, so annotations never reset staleness.
func (r *PaymentRepo) MergeMetadata(ctx context.Context, tx pgx.Tx, id uuid.UUID, meta map[string]string) error {
	query := `UPDATE payment_records SET metadata = metadata || $2::jsonb WHERE id = $1`

	tag, err := on(r.pool, tx).Exec(ctx, query, id, meta)
	if err != nil {
		return fmt.Errorf("merge metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

// ListStale returns records sitting in one status since before the cutoff,
// oldest first.
func (r *PaymentRepo) ListStale(ctx context.Context, params ports.StaleQuery) ([]domain.PaymentRecord, error) {
	conditions := []string{"status = $1", "updated_at < $2"}
	args := []any{string(params.Status), params.UpdatedBefore}

	if len(params.Kinds) > 0 {
		kinds := make([]string, len(params.Kinds))
		for i, k := range params.Kinds {
			kinds[i] = string(k)
		}
		args = append(args, kinds)
		conditions = append(conditions, fmt.Sprintf("kind = ANY($%d)", len(args)))
	}
	if params.LedgerApplied != nil {
		if *params.LedgerApplied {
			conditions = append(conditions, "ledger_applied_at IS NOT NULL")
		} else {
			conditions = append(conditions, "ledger_applied_at IS NULL")
		}
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM payment_records WHERE %s ORDER BY updated_at ASC LIMIT $%d`,
		paymentColumns, strings.Join(conditions, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale payment records: %w", err)
	}
	defer rows.Close()

	return collectPayments(rows)
}

// List fetches a user's payment records (as payer or payee) with filtering and pagination.
func (r *PaymentRepo) List(ctx context.Context, params ports.PaymentListParams) ([]domain.PaymentRecord, int64, error) {
	conditions := []string{"(payer_id = $1 OR payee_id = $1)"}
	args := []any{params.UserID}

	if params.Status != nil {
		args = append(args, string(*params.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if params.Kind != nil {
		args = append(args, string(*params.Kind))
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(args)))
	}

	where := "WHERE " + strings.Join(conditions, " AND ")

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM payment_records "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count payment records: %w", err)
	}

	page, size := params.Page, params.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	dataArgs := append(append([]any{}, args...), size, (page-1)*size)
	dataQuery := fmt.Sprintf(`SELECT %s FROM payment_records %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		paymentColumns, where, len(args)+1, len(args)+2)

	rows, err := r.pool.Query(ctx, dataQuery, dataArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list payment records: %w", err)
	}
	defer rows.Close()

	records, err := collectPayments(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// SumCardSpendSince totals card spends that are approved or settled.
func (r *PaymentRepo) SumCardSpendSince(ctx context.Context, payerID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM payment_records
		WHERE payer_id = $1 AND kind = 'card_present_spend' AND status <> 'failed' AND created_at >= $2`

	var total decimal.Decimal
	if err := r.pool.QueryRow(ctx, query, payerID, since).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("sum card spend: %w", err)
	}
	return total, nil
}

func scanPayment(row pgx.Row) (*domain.PaymentRecord, error) {
	p := &domain.PaymentRecord{}
	err := row.Scan(
		&p.ID, &p.Kind, &p.Status, &p.PayerID, &p.PayeeID, &p.MerchantID, &p.Amount, &p.Currency,
		&p.IdempotencyKey, &p.RedemptionCodeDigest, &p.ExternalAuthorizationRef, &p.ExternalTransferRef,
		&p.LedgerAppliedAt, &p.Metadata, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func collectPayments(rows pgx.Rows) ([]domain.PaymentRecord, error) {
	var records []domain.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment record: %w", err)
		}
		records = append(records, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment records: %w", err)
	}
	return records, nil
}
