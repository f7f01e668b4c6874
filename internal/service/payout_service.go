package service

import (
	"context"
	"errors"
	"time"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"
	"wallet-settlement/pkg/apperror"

	"github.com/rs/zerolog"
)

// Payout outcomes reported to metrics.
const (
	payoutSucceeded   = "succeeded"
	payoutRejected    = "rejected"
	payoutUnavailable = "unavailable"
)

// PayoutServiceImpl implements ports.PayoutService.
type PayoutServiceImpl struct {
	payments      ports.PaymentRecordRepository
	gateway       ports.PayoutGateway
	alerts        ports.AlertService
	metrics       ports.Metrics
	commissionBPS int64
	log           zerolog.Logger
}

// NewPayoutService creates a new PayoutServiceImpl.
func NewPayoutService(
	payments ports.PaymentRecordRepository,
	gateway ports.PayoutGateway,
	alerts ports.AlertService,
	metrics ports.Metrics,
	commissionBPS int64,
	log zerolog.Logger,
) *PayoutServiceImpl {
	return &PayoutServiceImpl{
		payments:      payments,
		gateway:       gateway,
		alerts:        alerts,
		metrics:       metricsOrNoop(metrics),
		commissionBPS: commissionBPS,
		log:           log,
	}
}

// Payout requests the merchant transfer for a debited record and records the
// outcome. It always returns the freshest copy of the record it has.
//
// Gateway unavailability leaves the record processing for the sweeper; a
// refusal fails it. Neither path touches the ledger.
func (s *PayoutServiceImpl) Payout(ctx context.Context, rec *domain.PaymentRecord, merchant *domain.Merchant) (*domain.PaymentRecord, error) {
	if !rec.AwaitingPayout() {
		return rec, apperror.ErrAlreadyProcessing().WithDetail("status", rec.Status)
	}
	if merchant == nil || !merchant.IsSettleable() {
		return rec, apperror.ErrMerchantNotSettleable()
	}
	if rec.MerchantID != nil && *rec.MerchantID != merchant.ID {
		return rec, apperror.ErrForbidden().WithDetail("payment_id", rec.ID)
	}

	commission := domain.Commission(rec.Amount, s.commissionBPS)
	amount := rec.Amount.Sub(commission)
	err := s.payments.MergeMetadata(ctx, nil, rec.ID, map[string]string{
		domain.MetaCommission:     commission.StringFixed(2),
		domain.MetaTransferAmount: amount.StringFixed(2),
	})
	if err != nil {
		return rec, apperror.ErrDatabaseError(err)
	}

	start := time.Now()
	res, err := s.gateway.CreateTransfer(ctx, ports.TransferRequest{
		PaymentID:        rec.ID,
		Amount:           amount,
		Currency:         rec.Currency,
		Destination:      *merchant.SettlementAccountID,
		IdempotencyToken: domain.TransferIdempotencyToken(rec.ID),
	})
	if err != nil {
		var rejected *domain.TransferRejectedError
		if errors.As(err, &rejected) {
			s.metrics.ObservePayout(payoutRejected, time.Since(start))
			return s.rejected(ctx, rec, merchant, rejected)
		}

		s.metrics.ObservePayout(payoutUnavailable, time.Since(start))
		s.alerts.Raise(ctx, &rec.ID, domain.AlertGatewayUnavailable, map[string]any{
			"merchant_id": merchant.ID.String(),
			"error":       err.Error(),
		})
		return rec, apperror.ErrGatewayUnavailable(err)
	}
	s.metrics.ObservePayout(payoutSucceeded, time.Since(start))

	ok, err := advance(ctx, s.payments, s.metrics, nil, rec, domain.EventComplete, ports.TransitionRequest{
		TransferRef: &res.TransferRef,
		MerchantID:  &merchant.ID,
	})
	if err != nil {
		// The transfer exists; the gateway webhook or the sweeper records it.
		s.log.Error().Err(err).
			Str("payment_id", rec.ID.String()).
			Str("transfer_ref", res.TransferRef).
			Msg("transfer created but record not updated")
		return rec, apperror.ErrDatabaseError(err)
	}

	cur, err := reload(ctx, s.payments, rec.ID)
	if err != nil {
		return rec, apperror.ErrDatabaseError(err)
	}
	if !ok && cur.Status != domain.StatusSucceeded {
		// The transfer exists but the record moved elsewhere.
		s.alerts.Raise(ctx, &cur.ID, domain.AlertTransferRefMismatch, map[string]any{
			"recorded": deref(cur.ExternalTransferRef),
			"created":  res.TransferRef,
			"status":   string(cur.Status),
		})
		if cur.Status == domain.StatusFailed {
			return cur, apperror.ErrAlreadyTerminal().WithDetail("payment_id", cur.ID).WithDetail("transfer_ref", res.TransferRef)
		}
		return cur, apperror.ErrAlreadyProcessing().WithDetail("payment_id", cur.ID).WithDetail("status", cur.Status)
	}
	if !ok {
		s.log.Info().Str("payment_id", rec.ID.String()).Msg("payout outcome already recorded")
	}
	if cur.Status == domain.StatusSucceeded && !cur.TransferRefEquals(res.TransferRef) {
		s.alerts.Raise(ctx, &cur.ID, domain.AlertTransferRefMismatch, map[string]any{
			"recorded": deref(cur.ExternalTransferRef),
			"created":  res.TransferRef,
		})
	}

	s.log.Info().
		Str("payment_id", cur.ID.String()).
		Str("transfer_ref", res.TransferRef).
		Str("amount", amount.StringFixed(2)).
		Str("status", string(cur.Status)).
		Msg("payout recorded")
	return cur, nil
}

// rejected fails the record only when no other payout can own a transfer for
// it. Otherwise the record is left for its owner.
func (s *PayoutServiceImpl) rejected(ctx context.Context, rec *domain.PaymentRecord, merchant *domain.Merchant, rejected *domain.TransferRejectedError) (*domain.PaymentRecord, error) {
	cur, err := reload(ctx, s.payments, rec.ID)
	if err != nil {
		return rec, apperror.ErrDatabaseError(err)
	}
	if rejected.TokenConflict() || cur.ExternalTransferRef != nil ||
		(cur.MerchantID != nil && *cur.MerchantID != merchant.ID) {
		s.log.Warn().
			Str("payment_id", cur.ID.String()).
			Str("rejection_code", rejected.Code).
			Str("status", string(cur.Status)).
			Msg("transfer refused while another payout may hold it, record left as is")
		return cur, apperror.ErrAlreadyProcessing().
			WithDetail("payment_id", cur.ID).
			WithDetail("status", cur.Status)
	}

	_, err = advance(ctx, s.payments, s.metrics, nil, rec, domain.EventTransferFailed, ports.TransitionRequest{
		Metadata: map[string]string{
			domain.MetaFailureReason: domain.ReasonTransferRejected,
			"rejection_code":         rejected.Code,
		},
	})
	if err != nil {
		return rec, apperror.ErrDatabaseError(err)
	}

	s.alerts.Raise(ctx, &rec.ID, domain.AlertPayoutFailedAfterDebit, map[string]any{
		"amount":         rec.Amount.StringFixed(2),
		"rejection_code": rejected.Code,
		"message":        rejected.Message,
	})

	cur, err = reload(ctx, s.payments, rec.ID)
	if err != nil {
		return rec, apperror.ErrDatabaseError(err)
	}
	return cur, apperror.ErrPayoutRejected(rejected)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
