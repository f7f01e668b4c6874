package postgres

import (
	"context"
	"fmt"

	"wallet-settlement/internal/core/domain"

	"github.com/google/uuid"
)

// AlertRepo implements ports.AlertRepository.
type AlertRepo struct {
	pool Pool
}

// NewAlertRepo creates a PostgreSQL-backed alert repository.
func NewAlertRepo(pool Pool) *AlertRepo {
	return &AlertRepo{pool: pool}
}

// Create writes an alert outside any caller transaction, so alerts raised
// next to a rolled-back unit of work survive.
func (r *AlertRepo) Create(ctx context.Context, a *domain.Alert) error {
	var details any
	if a.Details != "" {
		details = a.Details
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO reconciliation_alerts (id, payment_id, kind, details, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.PaymentID, string(a.Kind), details, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListByPayment returns the alerts raised for one payment record, oldest first.
func (r *AlertRepo) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]domain.Alert, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, payment_id, kind, COALESCE(details::text, ''), created_at
		 FROM reconciliation_alerts WHERE payment_id = $1 ORDER BY created_at ASC`,
		paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		var a domain.Alert
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.Kind, &a.Details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}
