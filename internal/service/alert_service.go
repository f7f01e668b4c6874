package service

import (
	"context"
	"encoding/json"
	"time"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const alertWriteTimeout = 3 * time.Second

// AlertServiceImpl implements ports.AlertService.
type AlertServiceImpl struct {
	repo    ports.AlertRepository
	clock   ports.Clock
	metrics ports.Metrics
	log     zerolog.Logger
}

// NewAlertService creates a new alert service. If repo is nil, alerts are
// only written to the logger.
func NewAlertService(repo ports.AlertRepository, clock ports.Clock, metrics ports.Metrics, log zerolog.Logger) *AlertServiceImpl {
	return &AlertServiceImpl{
		repo:    repo,
		clock:   clockOrSystem(clock),
		metrics: metricsOrNoop(metrics),
		log:     log,
	}
}

// Raise logs the divergence at error level and persists it. Persistence
// outlives the caller's context: an alert must survive a client hanging up.
func (s *AlertServiceImpl) Raise(ctx context.Context, paymentID *uuid.UUID, kind domain.AlertKind, details map[string]any) {
	ev := s.log.Error().Str("alert", string(kind))
	if paymentID != nil {
		ev = ev.Str("payment_id", paymentID.String())
	}
	ev.Fields(details).Msg("reconciliation alert")
	s.metrics.ObserveAlert(kind)

	if s.repo == nil {
		return
	}

	alert := &domain.Alert{
		ID:        uuid.New(),
		PaymentID: paymentID,
		Kind:      kind,
		CreatedAt: s.clock.Now(),
	}
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			alert.Details = string(b)
		}
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertWriteTimeout)
	defer cancel()
	if err := s.repo.Create(wctx, alert); err != nil {
		s.log.Warn().Err(err).Str("alert", string(kind)).Msg("failed to persist alert")
	}
}
