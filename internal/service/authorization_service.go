package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AuthorizationServiceImpl implements ports.AuthorizationService. It answers
// the card network synchronously and never mutates the ledger.
type AuthorizationServiceImpl struct {
	ledger    ports.LedgerStore
	payments  ports.PaymentRecordRepository
	merchants ports.MerchantRepository
	clock     ports.Clock
	metrics   ports.Metrics
	budget    time.Duration
	log       zerolog.Logger
}

// NewAuthorizationService creates a new AuthorizationServiceImpl. budget is
// the hard deadline for one decision.
func NewAuthorizationService(
	ledger ports.LedgerStore,
	payments ports.PaymentRecordRepository,
	merchants ports.MerchantRepository,
	clock ports.Clock,
	metrics ports.Metrics,
	budget time.Duration,
	log zerolog.Logger,
) *AuthorizationServiceImpl {
	return &AuthorizationServiceImpl{
		ledger:    ledger,
		payments:  payments,
		merchants: merchants,
		clock:     clockOrSystem(clock),
		metrics:   metricsOrNoop(metrics),
		budget:    budget,
		log:       log,
	}
}

func decline(reason string) *ports.AuthorizationDecision {
	return &ports.AuthorizationDecision{Approved: false, Reason: reason}
}

func approve(id uuid.UUID) *ports.AuthorizationDecision {
	return &ports.AuthorizationDecision{Approved: true, PaymentID: &id}
}

// Decide runs the decision under the authorization budget. Errors and
// timeouts decline with processing_error.
func (s *AuthorizationServiceImpl) Decide(ctx context.Context, req ports.AuthorizationRequest) *ports.AuthorizationDecision {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	type outcome struct {
		d   *ports.AuthorizationDecision
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		d, err := s.decide(ctx, req)
		done <- outcome{d, err}
	}()

	var d *ports.AuthorizationDecision
	select {
	case o := <-done:
		if o.err != nil {
			s.log.Error().Err(o.err).Str("authorization_ref", req.AuthorizationRef).Msg("authorization failed, declining")
			d = decline(ports.DeclineProcessingError)
		} else {
			d = o.d
		}
	case <-ctx.Done():
		s.log.Warn().Str("authorization_ref", req.AuthorizationRef).Dur("budget", s.budget).Msg("authorization budget exceeded, declining")
		d = decline(ports.DeclineProcessingError)
	}

	s.metrics.ObserveAuthorization(d.Approved, d.Reason, time.Since(start))
	s.log.Info().
		Str("authorization_ref", req.AuthorizationRef).
		Str("amount", req.Amount.String()).
		Bool("approved", d.Approved).
		Str("reason", d.Reason).
		Msg("authorization decided")
	return d
}

func (s *AuthorizationServiceImpl) decide(ctx context.Context, req ports.AuthorizationRequest) (*ports.AuthorizationDecision, error) {
	// Wallet balances hold cents; sub-cent amounts are never approved.
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Round(2)) {
		return decline(ports.DeclineInvalidAmount), nil
	}

	// A network retry of an approved authorization gets the same answer.
	existing, err := s.payments.GetByAuthorizationRef(ctx, req.AuthorizationRef)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return replayDecision(existing), nil
	}

	wallet, err := s.ledger.GetWalletByCardholder(ctx, req.CardholderRef)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return decline(ports.DeclineCardNotFound), nil
	}

	if wallet.Balance.LessThan(req.Amount) {
		return decline(ports.DeclineInsufficientBalance), nil
	}

	if wallet.Limits.ExceedsPerTransaction(req.Amount) {
		return decline(ports.DeclineLimitExceeded), nil
	}
	now := s.clock.Now()
	if wallet.Limits.Daily != nil {
		spent, err := s.payments.SumCardSpendSince(ctx, wallet.UserID, startOfDay(now))
		if err != nil {
			return nil, err
		}
		if wallet.Limits.ExceedsDaily(spent, req.Amount) {
			return decline(ports.DeclineLimitExceeded), nil
		}
	}

	var merchantID *uuid.UUID
	if req.Merchant.NetworkID != "" {
		m, err := s.merchants.GetByNetworkID(ctx, req.Merchant.NetworkID)
		if err != nil {
			return nil, err
		}
		if m != nil {
			merchantID = &m.ID
		}
	}

	status, err := domain.InitialStatus(domain.EventAuthorize)
	if err != nil {
		return nil, err
	}
	ref := req.AuthorizationRef
	payer := wallet.UserID
	rec := &domain.PaymentRecord{
		ID:                       uuid.New(),
		Kind:                     domain.KindCardPresentSpend,
		Status:                   status,
		PayerID:                  &payer,
		MerchantID:               merchantID,
		Amount:                   req.Amount,
		Currency:                 wallet.Currency,
		IdempotencyKey:           domain.BuildAuthorizationKey(ref),
		ExternalAuthorizationRef: &ref,
		Metadata:                 descriptorMeta(req.Merchant),
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	if err := s.payments.Create(ctx, nil, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			existing, gerr := s.payments.GetByAuthorizationRef(ctx, ref)
			if gerr != nil {
				return nil, gerr
			}
			if existing != nil {
				return replayDecision(existing), nil
			}
		}
		return nil, fmt.Errorf("create authorization record: %w", err)
	}
	s.metrics.ObserveTransition(rec.Kind, rec.Status)

	return approve(rec.ID), nil
}

func replayDecision(rec *domain.PaymentRecord) *ports.AuthorizationDecision {
	if rec.Status == domain.StatusFailed {
		return decline(ports.DeclineProcessingError)
	}
	return approve(rec.ID)
}

func descriptorMeta(d domain.MerchantDescriptor) map[string]string {
	meta := map[string]string{}
	if d.NetworkID != "" {
		meta[domain.MetaMerchantNetworkID] = d.NetworkID
	}
	if d.Name != "" {
		meta[domain.MetaMerchantName] = d.Name
	}
	if d.City != "" {
		meta[domain.MetaMerchantCity] = d.City
	}
	return meta
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
