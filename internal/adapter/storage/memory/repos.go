package memory

import (
	"context"
	"sort"

	"wallet-settlement/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MerchantRepo implements ports.MerchantRepository.
type MerchantRepo struct {
	s *Store
}

// GetByID returns a copy of the merchant, or nil.
func (r *MerchantRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Merchant, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.merchants[id]
	if !ok {
		return nil, nil
	}
	c := *m
	return &c, nil
}

// GetByNetworkID resolves a merchant by its card-network id.
func (r *MerchantRepo) GetByNetworkID(ctx context.Context, networkMerchantID string) (*domain.Merchant, error) {
	r.s.mu.RLock()
	id, ok := r.s.byNetworkID[networkMerchantID]
	r.s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

// IdempotencyRepo implements ports.IdempotencyRepository. First write wins.
type IdempotencyRepo struct {
	s *Store
}

// Create stores log unless the key is already taken.
func (r *IdempotencyRepo) Create(ctx context.Context, tx pgx.Tx, log *domain.IdempotencyLog) error {
	return r.s.write(ctx, tx, func() (func(), error) {
		if _, exists := r.s.logs[log.Key]; exists {
			return nil, nil
		}
		c := *log
		c.ResponseJSON = append([]byte(nil), log.ResponseJSON...)
		r.s.logs[c.Key] = &c
		return func() { delete(r.s.logs, c.Key) }, nil
	})
}

// Get fetches a log by key, or nil.
func (r *IdempotencyRepo) Get(_ context.Context, key string) (*domain.IdempotencyLog, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	l, ok := r.s.logs[key]
	if !ok {
		return nil, nil
	}
	c := *l
	c.ResponseJSON = append([]byte(nil), l.ResponseJSON...)
	return &c, nil
}

// AlertRepo implements ports.AlertRepository.
type AlertRepo struct {
	s *Store
}

// Create appends an alert. Alerts are written outside any unit of work.
func (r *AlertRepo) Create(_ context.Context, a *domain.Alert) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *a
	c.PaymentID = cloneUUID(a.PaymentID)
	r.s.alerts = append(r.s.alerts, c)
	return nil
}

// ListByPayment returns the alerts raised for one record, oldest first.
func (r *AlertRepo) ListByPayment(_ context.Context, paymentID uuid.UUID) ([]domain.Alert, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Alert
	for _, a := range r.s.alerts {
		if a.PaymentID != nil && *a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// All returns every alert raised so far.
func (r *AlertRepo) All() []domain.Alert {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append([]domain.Alert(nil), r.s.alerts...)
}
