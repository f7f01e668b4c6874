package service

import (
	"context"
	"errors"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"
	"wallet-settlement/pkg/apperror"

	"github.com/rs/zerolog"
)

// SettlementServiceImpl implements ports.SettlementService: it turns a
// finalized card authorization into exactly one ledger debit.
type SettlementServiceImpl struct {
	ledger     ports.LedgerStore
	payments   ports.PaymentRecordRepository
	merchants  ports.MerchantRepository
	transactor ports.DBTransactor
	payout     ports.PayoutService
	alerts     ports.AlertService
	metrics    ports.Metrics
	log        zerolog.Logger
}

// NewSettlementService creates a new SettlementServiceImpl.
func NewSettlementService(
	ledger ports.LedgerStore,
	payments ports.PaymentRecordRepository,
	merchants ports.MerchantRepository,
	transactor ports.DBTransactor,
	payout ports.PayoutService,
	alerts ports.AlertService,
	metrics ports.Metrics,
	log zerolog.Logger,
) *SettlementServiceImpl {
	return &SettlementServiceImpl{
		ledger:     ledger,
		payments:   payments,
		merchants:  merchants,
		transactor: transactor,
		payout:     payout,
		alerts:     alerts,
		metrics:    metricsOrNoop(metrics),
		log:        log,
	}
}

// Finalize applies the network's final disposition. Replays of an already
// settled authorization return the record unchanged.
func (s *SettlementServiceImpl) Finalize(ctx context.Context, req ports.FinalizeRequest) (*domain.PaymentRecord, error) {
	rec, err := s.payments.GetByAuthorizationRef(ctx, req.AuthorizationRef)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if rec == nil {
		s.alerts.Raise(ctx, nil, domain.AlertUnknownAuthorization, map[string]any{
			"authorization_ref": req.AuthorizationRef,
			"approved":          req.Approved,
			"amount":            req.FinalAmount.String(),
		})
		return nil, apperror.ErrNotFound("Authorization")
	}

	if rec.Status.IsTerminal() {
		return rec, nil
	}
	if rec.Kind != domain.KindCardPresentSpend || rec.Status != domain.StatusProcessing || rec.PayerID == nil {
		s.log.Error().
			Str("payment_id", rec.ID.String()).
			Str("kind", string(rec.Kind)).
			Str("status", string(rec.Status)).
			Msg("malformed authorization record, finalization skipped")
		return nil, apperror.InternalError(errors.New("malformed authorization record"))
	}

	if !req.Approved {
		return s.decline(ctx, rec)
	}

	if !rec.LedgerApplied() {
		rec, err = s.debit(ctx, rec, req)
		if err != nil || rec.Status != domain.StatusProcessing {
			return rec, err
		}
	}

	return s.settle(ctx, rec)
}

func (s *SettlementServiceImpl) decline(ctx context.Context, rec *domain.PaymentRecord) (*domain.PaymentRecord, error) {
	if rec.LedgerApplied() {
		s.log.Error().
			Str("payment_id", rec.ID.String()).
			Str("authorization_ref", deref(rec.ExternalAuthorizationRef)).
			Msg("decline received for an authorization already debited, ignoring")
		return rec, nil
	}

	ok, err := advance(ctx, s.payments, s.metrics, nil, rec, domain.EventDecline, ports.TransitionRequest{
		ExpectLedgerUnapplied: true,
		Metadata:              reasonMeta(domain.ReasonAuthorizationDeclined),
	})
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if ok {
		s.log.Info().Str("payment_id", rec.ID.String()).Msg("authorization declined at finalization")
	}

	cur, err := reload(ctx, s.payments, rec.ID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	return cur, nil
}

// debit applies the authorized amount once. Insufficient funds fail the
// record instead of overdrawing the wallet.
func (s *SettlementServiceImpl) debit(ctx context.Context, rec *domain.PaymentRecord, req ports.FinalizeRequest) (*domain.PaymentRecord, error) {
	if req.FinalAmount.IsPositive() && !req.FinalAmount.Equal(rec.Amount) {
		s.alerts.Raise(ctx, &rec.ID, domain.AlertAmountMismatch, map[string]any{
			"authorized": rec.Amount.StringFixed(2),
			"final":      req.FinalAmount.StringFixed(2),
		})
	}

	merchant, err := s.resolveMerchant(ctx, rec)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}

	tx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if merchant != nil && rec.MerchantID == nil {
		if _, err := s.payments.AttachMerchant(ctx, tx, rec.ID, merchant.ID); err != nil {
			return nil, apperror.ErrDatabaseError(err)
		}
	}

	applied, err := s.payments.MarkLedgerApplied(ctx, tx, rec.ID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if !applied {
		// A concurrent finalization got there first.
		_ = tx.Rollback(ctx)
		cur, err := reload(ctx, s.payments, rec.ID)
		if err != nil {
			return nil, apperror.ErrDatabaseError(err)
		}
		return cur, nil
	}

	newBalance, err := s.ledger.Debit(ctx, tx, *rec.PayerID, rec.Amount)
	if err != nil {
		_ = tx.Rollback(ctx)
		if ife, ok := domain.IsInsufficientFunds(err); ok {
			return s.insufficientFunds(ctx, rec, ife)
		}
		return nil, apperror.ErrDatabaseError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}

	s.log.Info().
		Str("payment_id", rec.ID.String()).
		Str("authorization_ref", deref(rec.ExternalAuthorizationRef)).
		Str("amount", rec.Amount.StringFixed(2)).
		Str("new_balance", newBalance.StringFixed(2)).
		Msg("card spend debited")

	cur, err := reload(ctx, s.payments, rec.ID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	return cur, nil
}

func (s *SettlementServiceImpl) insufficientFunds(ctx context.Context, rec *domain.PaymentRecord, ife *domain.InsufficientFundsError) (*domain.PaymentRecord, error) {
	_, err := advance(ctx, s.payments, s.metrics, nil, rec, domain.EventAbort, ports.TransitionRequest{
		ExpectLedgerUnapplied: true,
		Metadata:              reasonMeta(domain.ReasonInsufficientFunds),
	})
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}

	s.alerts.Raise(ctx, &rec.ID, domain.AlertInsufficientFundsAtFinalize, map[string]any{
		"authorization_ref": deref(rec.ExternalAuthorizationRef),
		"amount":            rec.Amount.StringFixed(2),
		"shortfall":         ife.Shortfall.StringFixed(2),
	})

	cur, err := reload(ctx, s.payments, rec.ID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	return cur, nil
}

// settle pays the merchant if one is known and settleable. Otherwise the
// record waits, debited, for a venue redemption or the sweeper.
func (s *SettlementServiceImpl) settle(ctx context.Context, rec *domain.PaymentRecord) (*domain.PaymentRecord, error) {
	if !rec.AwaitingPayout() {
		return rec, nil
	}

	merchant, err := s.resolveMerchant(ctx, rec)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if merchant == nil || !merchant.IsSettleable() {
		s.log.Info().Str("payment_id", rec.ID.String()).Msg("payout deferred, merchant not settleable")
		return rec, nil
	}
	if rec.MerchantID == nil {
		bound, err := s.payments.AttachMerchant(ctx, nil, rec.ID, merchant.ID)
		if err != nil {
			return nil, apperror.ErrDatabaseError(err)
		}
		if !bound {
			// A venue redemption took the record.
			cur, err := reload(ctx, s.payments, rec.ID)
			if err != nil {
				return nil, apperror.ErrDatabaseError(err)
			}
			return cur, nil
		}
		rec.MerchantID = &merchant.ID
	}

	cur, err := s.payout.Payout(ctx, rec, merchant)
	if err != nil {
		// The debit is committed; the sweeper owns the retry.
		s.log.Warn().Err(err).Str("payment_id", rec.ID.String()).Msg("payout after finalization did not complete")
	}
	return cur, nil
}

func (s *SettlementServiceImpl) resolveMerchant(ctx context.Context, rec *domain.PaymentRecord) (*domain.Merchant, error) {
	if rec.MerchantID != nil {
		return s.merchants.GetByID(ctx, *rec.MerchantID)
	}
	if nid := rec.Meta(domain.MetaMerchantNetworkID); nid != "" {
		return s.merchants.GetByNetworkID(ctx, nid)
	}
	return nil, nil
}
