package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"
	"wallet-settlement/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RedemptionServiceImpl implements ports.RedemptionService, the
// client-driven path that drives a record to completion at a venue.
type RedemptionServiceImpl struct {
	ledger         ports.LedgerStore
	payments       ports.PaymentRecordRepository
	merchants      ports.MerchantRepository
	idempRepo      ports.IdempotencyRepository
	idempCache     ports.IdempotencyCache
	transactor     ports.DBTransactor
	digester       ports.CodeDigester
	payout         ports.PayoutService
	alerts         ports.AlertService
	metrics        ports.Metrics
	clock          ports.Clock
	idempotencyTTL time.Duration
	refunder       *peerRefunder
	log            zerolog.Logger
}

// RedemptionDeps groups the collaborators of NewRedemptionService.
type RedemptionDeps struct {
	Ledger         ports.LedgerStore
	Payments       ports.PaymentRecordRepository
	Merchants      ports.MerchantRepository
	IdempRepo      ports.IdempotencyRepository
	IdempCache     ports.IdempotencyCache // optional
	Transactor     ports.DBTransactor
	Digester       ports.CodeDigester
	Payout         ports.PayoutService
	Alerts         ports.AlertService
	Metrics        ports.Metrics
	Clock          ports.Clock
	IdempotencyTTL time.Duration
}

// NewRedemptionService creates a new RedemptionServiceImpl.
func NewRedemptionService(d RedemptionDeps, log zerolog.Logger) *RedemptionServiceImpl {
	metrics := metricsOrNoop(d.Metrics)
	return &RedemptionServiceImpl{
		ledger:         d.Ledger,
		payments:       d.Payments,
		merchants:      d.Merchants,
		idempRepo:      d.IdempRepo,
		idempCache:     d.IdempCache,
		transactor:     d.Transactor,
		digester:       d.Digester,
		payout:         d.Payout,
		alerts:         d.Alerts,
		metrics:        metrics,
		clock:          clockOrSystem(d.Clock),
		idempotencyTTL: d.IdempotencyTTL,
		refunder: &peerRefunder{
			ledger:     d.Ledger,
			payments:   d.Payments,
			transactor: d.Transactor,
			alerts:     d.Alerts,
			metrics:    metrics,
			log:        log,
		},
		log: log,
	}
}

// Redeem claims a pending record (or picks up a debited card spend awaiting
// payout), applies its ledger effect once and pays the venue.
//
// Concurrent callers race on the pending->processing compare-and-set; losers
// get the winner's outcome instead of a second settlement.
func (s *RedemptionServiceImpl) Redeem(ctx context.Context, req ports.RedeemRequest) (*ports.RedeemResult, error) {
	rec, err := s.lookup(ctx, req)
	if err != nil {
		return nil, err
	}

	var key string
	if req.IdempotencyKey != "" {
		key = domain.BuildRedemptionKey(req.ActorID, req.IdempotencyKey)
		res, err := s.replay(ctx, key, rec.ID)
		if err != nil || res != nil {
			return res, err
		}
	}

	if !rec.Kind.Redeemable() {
		return nil, apperror.Validation(fmt.Sprintf("%s payments cannot be redeemed", rec.Kind))
	}

	// Validation happens before the claim so a bad venue leaves no trace.
	merchant, err := s.merchants.GetByID(ctx, req.MerchantID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if merchant == nil {
		return nil, apperror.ErrNotFound("Merchant")
	}
	if !merchant.IsSettleable() {
		return nil, apperror.ErrMerchantNotSettleable()
	}
	if rec.MerchantID != nil && *rec.MerchantID != merchant.ID {
		return nil, apperror.ErrForbidden()
	}

	var newBalance *decimal.Decimal
	switch {
	case rec.Status == domain.StatusPending:
		claimed, err := advance(ctx, s.payments, s.metrics, nil, rec, domain.EventClaim, ports.TransitionRequest{
			MerchantID: &merchant.ID,
		})
		if err != nil {
			return nil, apperror.ErrDatabaseError(err)
		}
		if !claimed {
			cur, err := reload(ctx, s.payments, rec.ID)
			if err != nil {
				return nil, apperror.ErrDatabaseError(err)
			}
			return s.raceOutcome(ctx, cur)
		}
		rec.Status = domain.StatusProcessing
		rec.MerchantID = &merchant.ID

		newBalance, err = s.applyEffect(ctx, rec)
		if err != nil {
			return nil, err
		}
		if rec, err = reload(ctx, s.payments, rec.ID); err != nil {
			return nil, apperror.ErrDatabaseError(err)
		}

	case rec.Kind == domain.KindCardPresentSpend && rec.AwaitingPayout():
		// Debited card spend whose merchant was not payable at finalization.
		// The first venue to bind itself owns the payout.
		bound, err := s.payments.AttachMerchant(ctx, nil, rec.ID, merchant.ID)
		if err != nil {
			return nil, apperror.ErrDatabaseError(err)
		}
		if !bound {
			return nil, apperror.ErrForbidden().WithDetail("payment_id", rec.ID)
		}
		rec.MerchantID = &merchant.ID

	default:
		return s.raceOutcome(ctx, rec)
	}

	if rec.Kind.RequiresPayout() {
		rec, err = s.payout.Payout(ctx, rec, merchant)
		if err != nil {
			return nil, err
		}
	}

	result := &ports.RedeemResult{
		PaymentID:   rec.ID,
		Status:      rec.Status,
		TransferRef: rec.ExternalTransferRef,
		NewBalance:  newBalance,
	}
	if rec.Status == domain.StatusSucceeded {
		s.remember(ctx, settledResultKey(rec.ID), rec.ID, result)
		if key != "" {
			s.remember(ctx, key, rec.ID, result)
		}
	}

	s.log.Info().
		Str("payment_id", rec.ID.String()).
		Str("kind", string(rec.Kind)).
		Str("merchant_id", merchant.ID.String()).
		Str("amount", rec.Amount.StringFixed(2)).
		Str("status", string(rec.Status)).
		Msg("payment redeemed")
	return result, nil
}

func (s *RedemptionServiceImpl) lookup(ctx context.Context, req ports.RedeemRequest) (*domain.PaymentRecord, error) {
	switch {
	case req.PaymentID != nil:
		rec, err := s.payments.GetByID(ctx, *req.PaymentID)
		if err != nil {
			return nil, apperror.ErrDatabaseError(err)
		}
		if rec == nil {
			return nil, apperror.ErrNotFound("Payment")
		}
		if !involves(rec, req.ActorID) {
			return nil, apperror.ErrForbidden()
		}
		return rec, nil

	case req.RedemptionCode != "":
		rec, err := s.payments.GetByRedemptionCode(ctx, s.digester.Digest(req.RedemptionCode))
		if err != nil {
			return nil, apperror.ErrDatabaseError(err)
		}
		if rec == nil {
			return nil, apperror.ErrNotFound("Payment")
		}
		return rec, nil
	}
	return nil, apperror.Validation("payment_id or redemption_code is required")
}

// applyEffect runs the kind's ledger mutation and the ledger_applied stamp in
// one unit of work. Failures fail the claimed record.
func (s *RedemptionServiceImpl) applyEffect(ctx context.Context, rec *domain.PaymentRecord) (*decimal.Decimal, error) {
	tx, err := s.transactor.Begin(ctx)
	if err != nil {
		s.failClaimed(ctx, rec, domain.ReasonInternal)
		return nil, apperror.ErrDatabaseError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	applied, err := s.payments.MarkLedgerApplied(ctx, tx, rec.ID)
	if err != nil {
		_ = tx.Rollback(ctx)
		s.failClaimed(ctx, rec, domain.ReasonInternal)
		return nil, apperror.ErrDatabaseError(err)
	}
	if !applied {
		return nil, apperror.ErrAlreadyProcessing().WithDetail("payment_id", rec.ID)
	}

	var newBalance *decimal.Decimal
	switch rec.Kind.SettlementEffect() {
	case domain.EffectDebitPayer:
		var b decimal.Decimal
		if b, err = s.ledger.Debit(ctx, tx, *rec.PayerID, rec.Amount); err == nil {
			newBalance = &b
		}
	case domain.EffectConsumePayeePending:
		_, err = s.ledger.ConsumePending(ctx, tx, *rec.PayeeID, rec.Amount)
	default:
		err = fmt.Errorf("no redemption effect for %s", rec.Kind)
	}

	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		if ife, ok := domain.IsInsufficientFunds(err); ok {
			if rec.Kind == domain.KindPeerTransfer {
				s.alerts.Raise(ctx, &rec.ID, domain.AlertPendingUnderflow, map[string]any{
					"payee_id":  rec.PayeeID.String(),
					"amount":    rec.Amount.StringFixed(2),
					"shortfall": ife.Shortfall.StringFixed(2),
				})
			}
			s.abort(ctx, rec, domain.ReasonInsufficientFunds)
			return nil, apperror.ErrInsufficientFunds(ife.Shortfall.StringFixed(2))
		}
		s.failClaimed(ctx, rec, domain.ReasonInternal)
		return nil, apperror.ErrDatabaseError(err)
	}
	return newBalance, nil
}

// failClaimed fails a claimed record whose ledger effect did not commit. A
// peer transfer also hands its parked funds back to the payer.
func (s *RedemptionServiceImpl) failClaimed(ctx context.Context, rec *domain.PaymentRecord, reason string) {
	if rec.Kind == domain.KindPeerTransfer {
		if _, err := s.refunder.refund(context.WithoutCancel(ctx), rec, domain.EventAbort, reason); err != nil {
			s.log.Error().Err(err).Str("payment_id", rec.ID.String()).Msg("refund after failed redemption did not complete")
		}
		return
	}
	s.abort(ctx, rec, reason)
}

func (s *RedemptionServiceImpl) abort(ctx context.Context, rec *domain.PaymentRecord, reason string) {
	_, err := advance(context.WithoutCancel(ctx), s.payments, s.metrics, nil, rec, domain.EventAbort, ports.TransitionRequest{
		ExpectLedgerUnapplied: true,
		Metadata:              reasonMeta(reason),
	})
	if err != nil {
		s.log.Error().Err(err).Str("payment_id", rec.ID.String()).Msg("failed to abort claimed record")
	}
}

// replay returns the stored result for key, or nil if there is none.
func (s *RedemptionServiceImpl) replay(ctx context.Context, key string, paymentID uuid.UUID) (*ports.RedeemResult, error) {
	if s.idempCache != nil {
		data, err := s.idempCache.Get(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Msg("redis idempotency check failed, falling through to DB")
		} else if data != nil {
			return decodeReplay(data, paymentID)
		}
	}

	stored, err := s.idempRepo.Get(ctx, key)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if stored == nil {
		return nil, nil
	}
	if s.idempCache != nil {
		if err := s.idempCache.Set(ctx, key, stored.ResponseJSON, s.idempotencyTTL); err != nil {
			s.log.Warn().Err(err).Msg("failed to backfill idempotency cache")
		}
	}
	if stored.PaymentID != paymentID {
		return nil, apperror.ErrDuplicateRequest()
	}
	return decodeReplay(stored.ResponseJSON, paymentID)
}

func decodeReplay(data []byte, paymentID uuid.UUID) (*ports.RedeemResult, error) {
	var res ports.RedeemResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("decode stored redemption: %w", err))
	}
	if res.PaymentID != paymentID {
		return nil, apperror.ErrDuplicateRequest()
	}
	res.Replayed = true
	return &res, nil
}

func (s *RedemptionServiceImpl) remember(ctx context.Context, key string, paymentID uuid.UUID, res *ports.RedeemResult) {
	data, err := json.Marshal(res)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode redemption result")
		return
	}

	err = s.idempRepo.Create(ctx, nil, &domain.IdempotencyLog{
		Key:          key,
		PaymentID:    paymentID,
		ResponseJSON: data,
		CreatedAt:    s.clock.Now(),
	})
	if err != nil && !errors.Is(err, domain.ErrDuplicateKey) {
		s.log.Warn().Err(err).Msg("failed to store idempotency log")
	}

	if s.idempCache != nil {
		if err := s.idempCache.Set(ctx, key, data, s.idempotencyTTL); err != nil {
			s.log.Warn().Err(err).Msg("failed to cache idempotency result")
		}
	}
}

// settledResultKey stores the winning redeemer's result so every later
// caller sees the same answer.
func settledResultKey(paymentID uuid.UUID) string {
	return "redeemed:" + paymentID.String()
}

// raceOutcome answers a caller that lost the claim, or found the record past
// the point where it could act.
func (s *RedemptionServiceImpl) raceOutcome(ctx context.Context, rec *domain.PaymentRecord) (*ports.RedeemResult, error) {
	switch rec.Status {
	case domain.StatusSucceeded:
		stored, err := s.idempRepo.Get(ctx, settledResultKey(rec.ID))
		if err == nil && stored != nil {
			if res, derr := decodeReplay(stored.ResponseJSON, rec.ID); derr == nil {
				return res, nil
			}
		}
		return &ports.RedeemResult{
			PaymentID:   rec.ID,
			Status:      rec.Status,
			TransferRef: rec.ExternalTransferRef,
			Replayed:    true,
		}, nil
	case domain.StatusFailed:
		return nil, apperror.ErrAlreadyTerminal().
			WithDetail("payment_id", rec.ID).
			WithDetail("status", rec.Status).
			WithDetail("failure_reason", rec.Meta(domain.MetaFailureReason))
	}
	return nil, apperror.ErrAlreadyProcessing().
		WithDetail("payment_id", rec.ID).
		WithDetail("status", rec.Status)
}

func involves(rec *domain.PaymentRecord, userID uuid.UUID) bool {
	return (rec.PayerID != nil && *rec.PayerID == userID) ||
		(rec.PayeeID != nil && *rec.PayeeID == userID)
}
