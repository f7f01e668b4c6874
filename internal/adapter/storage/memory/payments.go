package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// PaymentRepo implements ports.PaymentRecordRepository over the Store.
type PaymentRepo struct {
	s *Store
}

// Create inserts a record, enforcing the same unique columns as the SQL schema.
func (r *PaymentRepo) Create(ctx context.Context, tx pgx.Tx, p *domain.PaymentRecord) error {
	return r.s.write(ctx, tx, func() (func(), error) {
		if _, dup := r.s.payments[p.ID]; dup {
			return nil, fmt.Errorf("insert payment record: %w", domain.ErrDuplicateKey)
		}
		if _, dup := r.s.byKey[p.IdempotencyKey]; dup {
			return nil, fmt.Errorf("insert payment record: %w", domain.ErrDuplicateKey)
		}
		if p.RedemptionCodeDigest != nil {
			if _, dup := r.s.byDigest[*p.RedemptionCodeDigest]; dup {
				return nil, fmt.Errorf("insert payment record: redemption code: %w", domain.ErrDuplicateKey)
			}
		}
		if p.ExternalAuthorizationRef != nil {
			if _, dup := r.s.byAuthRef[*p.ExternalAuthorizationRef]; dup {
				return nil, fmt.Errorf("insert payment record: authorization ref: %w", domain.ErrDuplicateKey)
			}
		}

		c := clonePayment(p)
		r.s.payments[c.ID] = c
		r.s.byKey[c.IdempotencyKey] = c.ID
		if c.RedemptionCodeDigest != nil {
			r.s.byDigest[*c.RedemptionCodeDigest] = c.ID
		}
		if c.ExternalAuthorizationRef != nil {
			r.s.byAuthRef[*c.ExternalAuthorizationRef] = c.ID
		}
		if c.ExternalTransferRef != nil {
			r.s.byTransferRef[*c.ExternalTransferRef] = c.ID
		}

		return func() {
			delete(r.s.payments, c.ID)
			delete(r.s.byKey, c.IdempotencyKey)
			if c.RedemptionCodeDigest != nil {
				delete(r.s.byDigest, *c.RedemptionCodeDigest)
			}
			if c.ExternalAuthorizationRef != nil {
				delete(r.s.byAuthRef, *c.ExternalAuthorizationRef)
			}
			if c.ExternalTransferRef != nil {
				delete(r.s.byTransferRef, *c.ExternalTransferRef)
			}
		}, nil
	})
}

// GetByID returns a copy of the record, or nil.
func (r *PaymentRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.PaymentRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.get(id), nil
}

// GetByIdempotencyKey looks a record up by its idempotency key.
func (r *PaymentRepo) GetByIdempotencyKey(_ context.Context, key string) (*domain.PaymentRecord, error) {
	return r.lookup(r.s.byKey, key), nil
}

// GetByRedemptionCode looks a record up by redemption code digest.
func (r *PaymentRepo) GetByRedemptionCode(_ context.Context, digest string) (*domain.PaymentRecord, error) {
	return r.lookup(r.s.byDigest, digest), nil
}

// GetByAuthorizationRef looks a record up by network authorization ref.
func (r *PaymentRepo) GetByAuthorizationRef(_ context.Context, ref string) (*domain.PaymentRecord, error) {
	return r.lookup(r.s.byAuthRef, ref), nil
}

// GetByTransferRef looks a record up by gateway transfer ref.
func (r *PaymentRepo) GetByTransferRef(_ context.Context, ref string) (*domain.PaymentRecord, error) {
	return r.lookup(r.s.byTransferRef, ref), nil
}

func (r *PaymentRepo) lookup(index map[string]uuid.UUID, key string) *domain.PaymentRecord {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := index[key]
	if !ok {
		return nil
	}
	return r.get(id)
}

// get must be called with the map lock held.
func (r *PaymentRepo) get(id uuid.UUID) *domain.PaymentRecord {
	p, ok := r.s.payments[id]
	if !ok {
		return nil
	}
	return clonePayment(p)
}

// Transition applies a compare-and-set on the record's status.
func (r *PaymentRepo) Transition(ctx context.Context, tx pgx.Tx, req ports.TransitionRequest) (bool, error) {
	var applied bool
	err := r.s.write(ctx, tx, func() (func(), error) {
		prev, ok := r.s.payments[req.ID]
		if !ok || prev.Status != req.From {
			return nil, nil
		}
		if req.ExpectTransferRef != nil && !prev.TransferRefEquals(*req.ExpectTransferRef) {
			return nil, nil
		}
		if req.ExpectLedgerUnapplied && prev.LedgerApplied() {
			return nil, nil
		}

		next := clonePayment(prev)
		next.Status = req.To
		addedRef := false
		if next.ExternalTransferRef == nil && req.TransferRef != nil {
			if owner, taken := r.s.byTransferRef[*req.TransferRef]; taken && owner != next.ID {
				return nil, fmt.Errorf("transition payment record: transfer ref: %w", domain.ErrDuplicateKey)
			}
			ref := *req.TransferRef
			next.ExternalTransferRef = &ref
			addedRef = true
		}
		if next.MerchantID == nil && req.MerchantID != nil {
			next.MerchantID = cloneUUID(req.MerchantID)
		}
		for k, v := range req.Metadata {
			next.Metadata[k] = v
		}
		now := r.s.clock.Now()
		if req.To.IsTerminal() {
			next.CompletedAt = &now
		}
		next.UpdatedAt = now

		r.s.payments[next.ID] = next
		if addedRef {
			r.s.byTransferRef[*next.ExternalTransferRef] = next.ID
		}
		applied = true

		return func() {
			r.s.payments[prev.ID] = prev
			if addedRef {
				delete(r.s.byTransferRef, *next.ExternalTransferRef)
			}
		}, nil
	})
	return applied, err
}

// MarkLedgerApplied stamps ledger_applied_at once on a processing record.
func (r *PaymentRepo) MarkLedgerApplied(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	var applied bool
	err := r.s.write(ctx, tx, func() (func(), error) {
		prev, ok := r.s.payments[id]
		if !ok || prev.Status != domain.StatusProcessing || prev.LedgerAppliedAt != nil {
			return nil, nil
		}
		next := clonePayment(prev)
		now := r.s.clock.Now()
		next.LedgerAppliedAt = &now
		next.UpdatedAt = now
		r.s.payments[id] = next
		applied = true
		return func() { r.s.payments[id] = prev }, nil
	})
	return applied, err
}

// AttachMerchant binds the merchant unless a different one is already set.
func (r *PaymentRepo) AttachMerchant(ctx context.Context, tx pgx.Tx, id uuid.UUID, merchantID uuid.UUID) (bool, error) {
	bound := false
	err := r.s.write(ctx, tx, func() (func(), error) {
		prev, ok := r.s.payments[id]
		if !ok {
			return nil, nil
		}
		if prev.MerchantID != nil {
			bound = *prev.MerchantID == merchantID
			return nil, nil
		}
		next := clonePayment(prev)
		next.MerchantID = &merchantID
		next.UpdatedAt = r.s.clock.Now()
		r.s.payments[id] = next
		bound = true
		return func() { r.s.payments[id] = prev }, nil
	})
	return bound, err
}

// MergeMetadata merges keys into the metadata bag. updated_at is untouched.
func (r *PaymentRepo) MergeMetadata(ctx context.Context, tx pgx.Tx, id uuid.UUID, meta map[string]string) error {
	return r.s.write(ctx, tx, func() (func(), error) {
		prev, ok := r.s.payments[id]
		if !ok {
			return nil, domain.ErrPaymentNotFound
		}
		next := clonePayment(prev)
		for k, v := range meta {
			next.Metadata[k] = v
		}
		r.s.payments[id] = next
		return func() { r.s.payments[id] = prev }, nil
	})
}

// ListStale returns matching records, oldest update first.
func (r *PaymentRepo) ListStale(_ context.Context, params ports.StaleQuery) ([]domain.PaymentRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	kinds := make(map[domain.Kind]bool, len(params.Kinds))
	for _, k := range params.Kinds {
		kinds[k] = true
	}

	var out []domain.PaymentRecord
	for _, p := range r.s.payments {
		if p.Status != params.Status || !p.UpdatedAt.Before(params.UpdatedBefore) {
			continue
		}
		if len(kinds) > 0 && !kinds[p.Kind] {
			continue
		}
		if params.LedgerApplied != nil && p.LedgerApplied() != *params.LedgerApplied {
			continue
		}
		out = append(out, *clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// List returns a page of the user's records, newest first.
func (r *PaymentRepo) List(_ context.Context, params ports.PaymentListParams) ([]domain.PaymentRecord, int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var result []domain.PaymentRecord
	for _, p := range r.s.payments {
		if !involves(p, params.UserID) {
			continue
		}
		if params.Status != nil && p.Status != *params.Status {
			continue
		}
		if params.Kind != nil && p.Kind != *params.Kind {
			continue
		}
		result = append(result, *clonePayment(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	total := int64(len(result))

	page, size := params.Page, params.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	start := (page - 1) * size
	if start >= len(result) {
		return []domain.PaymentRecord{}, total, nil
	}
	end := start + size
	if end > len(result) {
		end = len(result)
	}
	return result[start:end], total, nil
}

// SumCardSpendSince totals non-failed card spends created at or after since.
func (r *PaymentRepo) SumCardSpendSince(_ context.Context, payerID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	total := decimal.Zero
	for _, p := range r.s.payments {
		if p.Kind != domain.KindCardPresentSpend || p.Status == domain.StatusFailed {
			continue
		}
		if p.PayerID == nil || *p.PayerID != payerID || p.CreatedAt.Before(since) {
			continue
		}
		total = total.Add(p.Amount)
	}
	return total, nil
}

func involves(p *domain.PaymentRecord, userID uuid.UUID) bool {
	return (p.PayerID != nil && *p.PayerID == userID) || (p.PayeeID != nil && *p.PayeeID == userID)
}
