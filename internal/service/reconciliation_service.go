package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"
	"wallet-settlement/pkg/apperror"

	"github.com/rs/zerolog"
)

// Webhook sources, used for event de-duplication and metrics.
const (
	SourceNetwork = "network"
	SourceGateway = "gateway"
)

// Webhook outcomes reported to metrics.
const (
	webhookApplied   = "applied"
	webhookDuplicate = "duplicate"
	webhookFailed    = "failed"
)

// SweepConfig tunes the background staleness sweep.
type SweepConfig struct {
	StalenessWindow   time.Duration
	MaxDeferralWindow time.Duration
	RedemptionExpiry  time.Duration
	BatchSize         int
	EventDedupTTL     time.Duration
}

// ReconciliationDeps groups the collaborators of NewReconciliationService.
type ReconciliationDeps struct {
	Authorization ports.AuthorizationService
	Settlement    ports.SettlementService
	Payout        ports.PayoutService
	Ledger        ports.LedgerStore
	Payments      ports.PaymentRecordRepository
	Merchants     ports.MerchantRepository
	Transactor    ports.DBTransactor
	Dedup         ports.EventDeduplicator // optional
	Alerts        ports.AlertService
	Metrics       ports.Metrics
	Clock         ports.Clock
}

// ReconciliationServiceImpl implements ports.ReconciliationService. It feeds
// network and gateway webhooks into the same state machine the client path
// uses, and sweeps records that stopped moving.
type ReconciliationServiceImpl struct {
	auth       ports.AuthorizationService
	settlement ports.SettlementService
	payout     ports.PayoutService
	payments   ports.PaymentRecordRepository
	merchants  ports.MerchantRepository
	dedup      ports.EventDeduplicator
	alerts     ports.AlertService
	metrics    ports.Metrics
	clock      ports.Clock
	refunder   *peerRefunder
	cfg        SweepConfig
	log        zerolog.Logger
}

// NewReconciliationService creates a new ReconciliationServiceImpl.
func NewReconciliationService(d ReconciliationDeps, cfg SweepConfig, log zerolog.Logger) *ReconciliationServiceImpl {
	metrics := metricsOrNoop(d.Metrics)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &ReconciliationServiceImpl{
		auth:       d.Authorization,
		settlement: d.Settlement,
		payout:     d.Payout,
		payments:   d.Payments,
		merchants:  d.Merchants,
		dedup:      d.Dedup,
		alerts:     d.Alerts,
		metrics:    metrics,
		clock:      clockOrSystem(d.Clock),
		refunder: &peerRefunder{
			ledger:     d.Ledger,
			payments:   d.Payments,
			transactor: d.Transactor,
			alerts:     d.Alerts,
			metrics:    metrics,
			log:        log,
		},
		cfg: cfg,
		log: log,
	}
}

// HandleNetworkEvent routes a card network delivery. Authorization requests
// are idempotent by reference and are not de-duplicated by event id.
func (s *ReconciliationServiceImpl) HandleNetworkEvent(ctx context.Context, ev domain.NetworkEvent) (*ports.NetworkEventResult, error) {
	switch ev.Type {
	case domain.NetworkEventAuthorizationRequest:
		d := s.auth.Decide(ctx, ports.AuthorizationRequest{
			AuthorizationRef: ev.AuthorizationRef,
			CardholderRef:    ev.CardholderRef,
			Amount:           ev.Amount,
			Currency:         ev.Currency,
			Merchant:         ev.Merchant,
		})
		s.metrics.ObserveWebhook(SourceNetwork, string(ev.Type), webhookApplied)
		return &ports.NetworkEventResult{Decision: d}, nil

	case domain.NetworkEventAuthorizationFinalized:
		var rec *domain.PaymentRecord
		dup, err := s.once(ctx, SourceNetwork, ev.ID, string(ev.Type), func() error {
			var ferr error
			rec, ferr = s.settlement.Finalize(ctx, ports.FinalizeRequest{
				AuthorizationRef: ev.AuthorizationRef,
				Approved:         ev.Approved,
				FinalAmount:      ev.Amount,
			})
			return ferr
		})
		if err != nil {
			return nil, err
		}
		return &ports.NetworkEventResult{Payment: rec, Duplicate: dup}, nil
	}

	return nil, apperror.Validation(fmt.Sprintf("unsupported network event type %q", ev.Type))
}

// HandleGatewayEvent applies a payout outcome. A transfer.failed for a ref
// other than the recorded one never touches a succeeded record.
func (s *ReconciliationServiceImpl) HandleGatewayEvent(ctx context.Context, ev domain.GatewayEvent) error {
	switch ev.Type {
	case domain.GatewayEventTransferPaid, domain.GatewayEventTransferFailed:
	default:
		return apperror.Validation(fmt.Sprintf("unsupported gateway event type %q", ev.Type))
	}
	if ev.TransferRef == "" {
		return apperror.Validation("transfer_ref is required")
	}

	_, err := s.once(ctx, SourceGateway, ev.ID, string(ev.Type), func() error {
		return s.applyGatewayEvent(ctx, ev)
	})
	return err
}

// once runs fn unless the event id was already handled. A failed fn releases
// the mark so the sender's redelivery is processed.
func (s *ReconciliationServiceImpl) once(ctx context.Context, source, eventID, eventType string, fn func() error) (bool, error) {
	claimed := false
	if s.dedup != nil && eventID != "" {
		first, err := s.dedup.Claim(ctx, source, eventID, s.cfg.EventDedupTTL)
		if err != nil {
			// Handlers are idempotent on their own; dedup only saves work.
			s.log.Warn().Err(err).Str("event_id", eventID).Msg("event dedup unavailable, processing anyway")
		} else if !first {
			s.metrics.ObserveWebhook(source, eventType, webhookDuplicate)
			return true, nil
		} else {
			claimed = true
		}
	}

	if err := fn(); err != nil {
		if claimed {
			if rerr := s.dedup.Release(context.WithoutCancel(ctx), source, eventID); rerr != nil {
				s.log.Warn().Err(rerr).Str("event_id", eventID).Msg("failed to release event mark")
			}
		}
		s.metrics.ObserveWebhook(source, eventType, webhookFailed)
		return false, err
	}
	s.metrics.ObserveWebhook(source, eventType, webhookApplied)
	return false, nil
}

func (s *ReconciliationServiceImpl) applyGatewayEvent(ctx context.Context, ev domain.GatewayEvent) error {
	rec, err := s.payments.GetByTransferRef(ctx, ev.TransferRef)
	if err != nil {
		return apperror.ErrDatabaseError(err)
	}
	if rec == nil && ev.PaymentID != nil {
		if rec, err = s.payments.GetByID(ctx, *ev.PaymentID); err != nil {
			return apperror.ErrDatabaseError(err)
		}
	}
	if rec == nil {
		s.alerts.Raise(ctx, nil, domain.AlertTransferRefMismatch, map[string]any{
			"event":        string(ev.Type),
			"transfer_ref": ev.TransferRef,
			"detail":       "no payment record for transfer",
		})
		return nil
	}

	if ev.Type == domain.GatewayEventTransferPaid {
		return s.transferPaid(ctx, rec, ev)
	}
	return s.transferFailed(ctx, rec, ev)
}

func (s *ReconciliationServiceImpl) mismatch(ctx context.Context, rec *domain.PaymentRecord, ev domain.GatewayEvent) {
	s.alerts.Raise(ctx, &rec.ID, domain.AlertTransferRefMismatch, map[string]any{
		"event":        string(ev.Type),
		"status":       string(rec.Status),
		"recorded_ref": deref(rec.ExternalTransferRef),
		"event_ref":    ev.TransferRef,
	})
}

// refMatches is true when the event ref equals the recorded one, or none is
// recorded yet and the record is waiting for exactly this payout.
func refMatches(rec *domain.PaymentRecord, ref string) bool {
	if rec.ExternalTransferRef == nil {
		return rec.Status == domain.StatusProcessing && rec.LedgerApplied()
	}
	return *rec.ExternalTransferRef == ref
}

func (s *ReconciliationServiceImpl) transferPaid(ctx context.Context, rec *domain.PaymentRecord, ev domain.GatewayEvent) error {
	if !refMatches(rec, ev.TransferRef) {
		s.mismatch(ctx, rec, ev)
		return nil
	}
	paidAt := map[string]string{domain.MetaTransferPaidAt: s.clock.Now().Format(time.RFC3339)}

	switch rec.Status {
	case domain.StatusProcessing:
		ref := ev.TransferRef
		ok, err := advance(ctx, s.payments, s.metrics, nil, rec, domain.EventTransferPaid, ports.TransitionRequest{
			TransferRef: &ref,
			Metadata:    paidAt,
		})
		if err != nil {
			return apperror.ErrDatabaseError(err)
		}
		if !ok {
			cur, err := reload(ctx, s.payments, rec.ID)
			if err != nil {
				return apperror.ErrDatabaseError(err)
			}
			if cur.Status != domain.StatusSucceeded || !cur.TransferRefEquals(ev.TransferRef) {
				s.mismatch(ctx, cur, ev)
			}
			return nil
		}
		s.log.Info().Str("payment_id", rec.ID.String()).Str("transfer_ref", ref).Msg("transfer paid")
		return nil

	case domain.StatusSucceeded:
		if err := s.payments.MergeMetadata(ctx, nil, rec.ID, paidAt); err != nil {
			return apperror.ErrDatabaseError(err)
		}
		return nil
	}

	// Paid after we recorded the payout as failed: money moved anyway.
	s.mismatch(ctx, rec, ev)
	return nil
}

func (s *ReconciliationServiceImpl) transferFailed(ctx context.Context, rec *domain.PaymentRecord, ev domain.GatewayEvent) error {
	if !refMatches(rec, ev.TransferRef) {
		s.mismatch(ctx, rec, ev)
		return nil
	}
	if rec.Status == domain.StatusFailed {
		return nil
	}
	if rec.Status != domain.StatusProcessing && rec.Status != domain.StatusSucceeded {
		s.mismatch(ctx, rec, ev)
		return nil
	}

	ref := ev.TransferRef
	req := ports.TransitionRequest{
		TransferRef: &ref,
		Metadata: map[string]string{
			domain.MetaFailureReason: domain.ReasonTransferFailed,
			"gateway_failure":        ev.FailureReason,
		},
	}
	if rec.Status == domain.StatusSucceeded {
		req.ExpectTransferRef = &ref
	}

	ok, err := advance(ctx, s.payments, s.metrics, nil, rec, domain.EventTransferFailed, req)
	if err != nil {
		return apperror.ErrDatabaseError(err)
	}
	if !ok {
		cur, err := reload(ctx, s.payments, rec.ID)
		if err != nil {
			return apperror.ErrDatabaseError(err)
		}
		if cur.Status == domain.StatusFailed && cur.TransferRefEquals(ref) {
			return nil
		}
		// Lost to a concurrent update; let the sender redeliver.
		return apperror.ErrAlreadyProcessing().WithDetail("payment_id", rec.ID)
	}

	// The payer was debited and the merchant was not paid. No automatic
	// re-credit: an operator decides.
	s.alerts.Raise(ctx, &rec.ID, domain.AlertPayoutFailedAfterDebit, map[string]any{
		"transfer_ref":    ref,
		"amount":          rec.Amount.StringFixed(2),
		"previous_status": string(rec.Status),
		"gateway_failure": ev.FailureReason,
	})
	return nil
}

// Sweep runs one pass over stale records. Individual record failures are
// counted and logged; only listing failures abort the pass.
func (s *ReconciliationServiceImpl) Sweep(ctx context.Context) (ports.SweepReport, error) {
	var report ports.SweepReport
	now := s.clock.Now()

	steps := []func(context.Context, time.Time, *ports.SweepReport) error{
		s.sweepAwaitingPayout,
		s.sweepUnappliedProcessing,
		s.sweepExpiredPending,
	}
	for _, step := range steps {
		if err := step(ctx, now, &report); err != nil {
			s.metrics.ObserveSweep(report)
			return report, err
		}
	}

	s.metrics.ObserveSweep(report)
	return report, nil
}

func (s *ReconciliationServiceImpl) sweepAwaitingPayout(ctx context.Context, now time.Time, report *ports.SweepReport) error {
	applied := true
	recs, err := s.payments.ListStale(ctx, ports.StaleQuery{
		Status:        domain.StatusProcessing,
		Kinds:         []domain.Kind{domain.KindCardPresentSpend, domain.KindPeerRedemption, domain.KindPeerTransfer},
		UpdatedBefore: now.Add(-s.cfg.StalenessWindow),
		LedgerApplied: &applied,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list records awaiting payout: %w", err)
	}

	for i := range recs {
		rec := &recs[i]
		if !rec.AwaitingPayout() {
			continue
		}

		var merchant *domain.Merchant
		if rec.MerchantID != nil {
			if merchant, err = s.merchants.GetByID(ctx, *rec.MerchantID); err != nil {
				report.Errors++
				s.log.Error().Err(err).Str("payment_id", rec.ID.String()).Msg("sweep: merchant lookup failed")
				continue
			}
		}

		if merchant != nil && merchant.IsSettleable() {
			report.PayoutsRetried++
			cur, err := s.payout.Payout(ctx, rec, merchant)
			if err != nil {
				report.Errors++
				continue
			}
			if cur.Status == domain.StatusSucceeded {
				report.PayoutsSucceeded++
			}
			continue
		}

		if rec.Meta(domain.MetaDeferralAlerted) != "" {
			continue
		}
		since := rec.UpdatedAt
		if rec.LedgerAppliedAt != nil {
			since = *rec.LedgerAppliedAt
		}
		if now.Sub(since) < s.cfg.MaxDeferralWindow {
			continue
		}
		s.alerts.Raise(ctx, &rec.ID, domain.AlertPayoutDeferralExpired, map[string]any{
			"amount":     rec.Amount.StringFixed(2),
			"debited_at": since.Format(time.RFC3339),
		})
		err = s.payments.MergeMetadata(ctx, nil, rec.ID, map[string]string{
			domain.MetaDeferralAlerted: now.Format(time.RFC3339),
		})
		if err != nil {
			report.Errors++
			continue
		}
		report.DeferralAlerts++
	}
	return nil
}

// sweepUnappliedProcessing fails in-flight records that never got their
// ledger effect. Card authorizations get the longer deferral window because
// the network may finalize days after approval.
func (s *ReconciliationServiceImpl) sweepUnappliedProcessing(ctx context.Context, now time.Time, report *ports.SweepReport) error {
	unapplied := false
	passes := []struct {
		kinds  []domain.Kind
		window time.Duration
		reason string
	}{
		{[]domain.Kind{domain.KindCardPresentSpend}, s.cfg.MaxDeferralWindow, domain.ReasonAuthorizationExpired},
		{[]domain.Kind{domain.KindWalletTopup, domain.KindPeerRedemption, domain.KindPeerTransfer}, s.cfg.StalenessWindow, domain.ReasonStaleProcessing},
	}

	for _, p := range passes {
		recs, err := s.payments.ListStale(ctx, ports.StaleQuery{
			Status:        domain.StatusProcessing,
			Kinds:         p.kinds,
			UpdatedBefore: now.Add(-p.window),
			LedgerApplied: &unapplied,
			Limit:         s.cfg.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("list stale processing records: %w", err)
		}

		for i := range recs {
			rec := &recs[i]
			var ok bool
			if rec.Kind == domain.KindPeerTransfer {
				ok, err = s.refunder.refund(ctx, rec, domain.EventAbort, p.reason)
			} else {
				ok, err = advance(ctx, s.payments, s.metrics, nil, rec, domain.EventAbort, ports.TransitionRequest{
					ExpectLedgerUnapplied: true,
					Metadata:              reasonMeta(p.reason),
				})
			}
			if err != nil {
				report.Errors++
				s.log.Error().Err(err).Str("payment_id", rec.ID.String()).Msg("sweep: failed to expire processing record")
				continue
			}
			if ok {
				report.ExpiredFailed++
				s.log.Warn().Str("payment_id", rec.ID.String()).Str("reason", p.reason).Msg("stale processing record failed")
			}
		}
	}
	return nil
}

// sweepExpiredPending fails redemption codes nobody used. Peer transfers
// return the parked funds to the payer.
func (s *ReconciliationServiceImpl) sweepExpiredPending(ctx context.Context, now time.Time, report *ports.SweepReport) error {
	recs, err := s.payments.ListStale(ctx, ports.StaleQuery{
		Status:        domain.StatusPending,
		Kinds:         []domain.Kind{domain.KindPeerTransfer, domain.KindPeerRedemption},
		UpdatedBefore: now.Add(-s.cfg.RedemptionExpiry),
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list expired pending records: %w", err)
	}

	for i := range recs {
		rec := &recs[i]
		var ok bool
		if rec.Kind == domain.KindPeerTransfer {
			ok, err = s.refunder.refund(ctx, rec, domain.EventReject, domain.ReasonExpired)
		} else {
			ok, err = advance(ctx, s.payments, s.metrics, nil, rec, domain.EventReject, ports.TransitionRequest{
				Metadata: reasonMeta(domain.ReasonExpired),
			})
		}
		if err != nil {
			report.Errors++
			s.log.Error().Err(err).Str("payment_id", rec.ID.String()).Msg("sweep: failed to expire pending record")
			continue
		}
		if ok {
			report.PendingExpired++
		}
	}
	return nil
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (s *ReconciliationServiceImpl) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Msg("reconciliation sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("reconciliation sweeper stopped")
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error().Err(err).Msg("sweep failed")
			}
			if report != (ports.SweepReport{}) {
				s.log.Info().Interface("report", report).Msg("sweep completed")
			}
		}
	}
}
