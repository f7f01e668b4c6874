package service

import (
	"context"
	"time"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SystemClock is the production ports.Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

type noopMetrics struct{}

func (noopMetrics) ObserveAuthorization(bool, string, time.Duration) {}
func (noopMetrics) ObserveTransition(domain.Kind, domain.Status)     {}
func (noopMetrics) ObservePayout(string, time.Duration)              {}
func (noopMetrics) ObserveAlert(domain.AlertKind)                    {}
func (noopMetrics) ObserveWebhook(string, string, string)            {}
func (noopMetrics) ObserveSweep(ports.SweepReport)                   {}

func metricsOrNoop(m ports.Metrics) ports.Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}

func clockOrSystem(c ports.Clock) ports.Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}

// advance applies ev to rec through domain.Next and the repository CAS.
// It reports false when another caller moved the record first; the caller
// re-reads and answers with the current state.
func advance(ctx context.Context, repo ports.PaymentRecordRepository, m ports.Metrics, tx pgx.Tx,
	rec *domain.PaymentRecord, ev domain.Event, req ports.TransitionRequest) (bool, error) {
	to, err := domain.Next(rec.Status, ev)
	if err != nil {
		return false, err
	}
	req.ID, req.From, req.To = rec.ID, rec.Status, to

	ok, err := repo.Transition(ctx, tx, req)
	if err != nil || !ok {
		return false, err
	}
	m.ObserveTransition(rec.Kind, to)
	return true, nil
}

// reload fetches the current copy of a record that is known to exist.
func reload(ctx context.Context, repo ports.PaymentRecordRepository, id uuid.UUID) (*domain.PaymentRecord, error) {
	rec, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return rec, nil
}

func reasonMeta(reason string) map[string]string {
	return map[string]string{domain.MetaFailureReason: reason}
}
