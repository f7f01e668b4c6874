package service

import (
	"context"
	"errors"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"
	"wallet-settlement/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// WalletServiceImpl implements ports.WalletService.
type WalletServiceImpl struct {
	ledger     ports.LedgerStore
	payments   ports.PaymentRecordRepository
	transactor ports.DBTransactor
	digester   ports.CodeDigester
	metrics    ports.Metrics
	clock      ports.Clock
	log        zerolog.Logger
}

// NewWalletService creates a new WalletServiceImpl.
func NewWalletService(
	ledger ports.LedgerStore,
	payments ports.PaymentRecordRepository,
	transactor ports.DBTransactor,
	digester ports.CodeDigester,
	metrics ports.Metrics,
	clock ports.Clock,
	log zerolog.Logger,
) *WalletServiceImpl {
	return &WalletServiceImpl{
		ledger:     ledger,
		payments:   payments,
		transactor: transactor,
		digester:   digester,
		metrics:    metricsOrNoop(metrics),
		clock:      clockOrSystem(clock),
		log:        log,
	}
}

// GetBalance returns a wallet snapshot.
func (s *WalletServiceImpl) GetBalance(ctx context.Context, userID uuid.UUID) (*ports.Balance, error) {
	w, err := s.ledger.GetWallet(ctx, userID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if w == nil {
		return nil, apperror.ErrNotFound("Wallet")
	}
	return &ports.Balance{
		UserID:         w.UserID,
		Currency:       w.Currency,
		Balance:        w.Balance,
		PendingBalance: w.PendingBalance,
	}, nil
}

// Topup credits the wallet and completes its record in one unit of work.
// No payout is involved.
func (s *WalletServiceImpl) Topup(ctx context.Context, req ports.TopupRequest) (*domain.PaymentRecord, error) {
	if !req.Amount.IsPositive() {
		return nil, apperror.ErrInvalidAmount()
	}
	key := domain.BuildWalletOpKey(domain.KindWalletTopup, req.UserID, clientKey(req.IdempotencyKey))
	if rec, err := s.replay(ctx, key, req.UserID, req.Amount); rec != nil || err != nil {
		return rec, err
	}

	w, err := s.ledger.GetWallet(ctx, req.UserID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if w == nil {
		return nil, apperror.ErrNotFound("Wallet")
	}

	now := s.clock.Now()
	user := req.UserID
	rec := &domain.PaymentRecord{
		ID:             uuid.New(),
		Kind:           domain.KindWalletTopup,
		Status:         domain.StatusProcessing,
		PayerID:        &user,
		Amount:         req.Amount,
		Currency:       w.Currency,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := s.payments.Create(ctx, tx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			_ = tx.Rollback(ctx)
			if existing, rerr := s.replay(ctx, key, req.UserID, req.Amount); existing != nil || rerr != nil {
				return existing, rerr
			}
		}
		return nil, apperror.ErrDatabaseError(err)
	}
	if _, err := s.payments.MarkLedgerApplied(ctx, tx, rec.ID); err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	newBalance, err := s.ledger.Credit(ctx, tx, req.UserID, req.Amount)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if _, err := advance(ctx, s.payments, noopMetrics{}, tx, rec, domain.EventComplete, ports.TransitionRequest{}); err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	s.metrics.ObserveTransition(rec.Kind, domain.StatusSucceeded)

	s.log.Info().
		Str("payment_id", rec.ID.String()).
		Str("user_id", req.UserID.String()).
		Str("amount", req.Amount.StringFixed(2)).
		Str("new_balance", newBalance.StringFixed(2)).
		Msg("wallet topped up")

	cur, err := reload(ctx, s.payments, rec.ID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	return cur, nil
}

// SendPeerTransfer moves funds from the payer's balance into the payee's
// pending balance and issues the redemption code that releases them.
func (s *WalletServiceImpl) SendPeerTransfer(ctx context.Context, req ports.PeerTransferRequest) (*ports.IssuedPayment, error) {
	if !req.Amount.IsPositive() {
		return nil, apperror.ErrInvalidAmount()
	}
	if req.PayerID == req.PayeeID {
		return nil, apperror.Validation("cannot transfer to yourself")
	}
	key := domain.BuildWalletOpKey(domain.KindPeerTransfer, req.PayerID, clientKey(req.IdempotencyKey))
	if rec, err := s.replay(ctx, key, req.PayerID, req.Amount); rec != nil || err != nil {
		return issued(rec, ""), err
	}

	payer, err := s.ledger.GetWallet(ctx, req.PayerID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if payer == nil {
		return nil, apperror.ErrNotFound("Wallet")
	}
	payee, err := s.ledger.GetWallet(ctx, req.PayeeID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if payee == nil {
		return nil, apperror.ErrNotFound("Payee wallet")
	}

	code, digest, err := s.digester.NewCode()
	if err != nil {
		return nil, apperror.InternalError(err)
	}

	now := s.clock.Now()
	payerID, payeeID := req.PayerID, req.PayeeID
	rec := &domain.PaymentRecord{
		ID:                   uuid.New(),
		Kind:                 domain.KindPeerTransfer,
		Status:               domain.StatusPending,
		PayerID:              &payerID,
		PayeeID:              &payeeID,
		Amount:               req.Amount,
		Currency:             payer.Currency,
		IdempotencyKey:       key,
		RedemptionCodeDigest: &digest,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	tx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	newBalance, err := s.ledger.Debit(ctx, tx, req.PayerID, req.Amount)
	if err != nil {
		if ife, ok := domain.IsInsufficientFunds(err); ok {
			return nil, apperror.ErrInsufficientFunds(ife.Shortfall.StringFixed(2))
		}
		return nil, apperror.ErrDatabaseError(err)
	}
	if _, err := s.ledger.CreditPending(ctx, tx, req.PayeeID, req.Amount); err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if err := s.payments.Create(ctx, tx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			_ = tx.Rollback(ctx)
			existing, err := s.replay(ctx, key, req.PayerID, req.Amount)
			if existing != nil || err != nil {
				return issued(existing, ""), err
			}
		}
		return nil, apperror.ErrDatabaseError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	s.metrics.ObserveTransition(rec.Kind, rec.Status)

	s.log.Info().
		Str("payment_id", rec.ID.String()).
		Str("amount", req.Amount.StringFixed(2)).
		Str("new_balance", newBalance.StringFixed(2)).
		Msg("peer transfer issued")
	return issued(rec, code), nil
}

// CreateVenuePayment issues a pay-at-venue code. Funds move only when the
// venue redeems it.
func (s *WalletServiceImpl) CreateVenuePayment(ctx context.Context, req ports.VenuePaymentRequest) (*ports.IssuedPayment, error) {
	if !req.Amount.IsPositive() {
		return nil, apperror.ErrInvalidAmount()
	}
	key := domain.BuildWalletOpKey(domain.KindPeerRedemption, req.PayerID, clientKey(req.IdempotencyKey))
	if rec, err := s.replay(ctx, key, req.PayerID, req.Amount); rec != nil || err != nil {
		return issued(rec, ""), err
	}

	payer, err := s.ledger.GetWallet(ctx, req.PayerID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if payer == nil {
		return nil, apperror.ErrNotFound("Wallet")
	}

	code, digest, err := s.digester.NewCode()
	if err != nil {
		return nil, apperror.InternalError(err)
	}

	now := s.clock.Now()
	payerID := req.PayerID
	rec := &domain.PaymentRecord{
		ID:                   uuid.New(),
		Kind:                 domain.KindPeerRedemption,
		Status:               domain.StatusPending,
		PayerID:              &payerID,
		Amount:               req.Amount,
		Currency:             payer.Currency,
		IdempotencyKey:       key,
		RedemptionCodeDigest: &digest,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.payments.Create(ctx, nil, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			existing, err := s.replay(ctx, key, req.PayerID, req.Amount)
			if existing != nil || err != nil {
				return issued(existing, ""), err
			}
		}
		return nil, apperror.ErrDatabaseError(err)
	}
	s.metrics.ObserveTransition(rec.Kind, rec.Status)

	s.log.Info().
		Str("payment_id", rec.ID.String()).
		Str("amount", req.Amount.StringFixed(2)).
		Msg("venue payment code issued")
	return issued(rec, code), nil
}

// GetPayment returns a record to its payer or payee.
func (s *WalletServiceImpl) GetPayment(ctx context.Context, actorID uuid.UUID, paymentID uuid.UUID) (*domain.PaymentRecord, error) {
	rec, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if rec == nil {
		return nil, apperror.ErrNotFound("Payment")
	}
	if !involves(rec, actorID) {
		return nil, apperror.ErrForbidden()
	}
	return rec, nil
}

// ListPayments returns the caller's payment history.
func (s *WalletServiceImpl) ListPayments(ctx context.Context, params ports.PaymentListParams) ([]domain.PaymentRecord, int64, error) {
	recs, total, err := s.payments.List(ctx, params)
	if err != nil {
		return nil, 0, apperror.ErrDatabaseError(err)
	}
	return recs, total, nil
}

// replay returns the record already created under key. Reusing a key for a
// different request is a conflict.
func (s *WalletServiceImpl) replay(ctx context.Context, key string, payerID uuid.UUID, amount decimal.Decimal) (*domain.PaymentRecord, error) {
	rec, err := s.payments.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if rec == nil {
		return nil, nil
	}
	if rec.PayerID == nil || *rec.PayerID != payerID || !rec.Amount.Equal(amount) {
		return nil, apperror.ErrDuplicateRequest()
	}
	return rec, nil
}

func issued(rec *domain.PaymentRecord, code string) *ports.IssuedPayment {
	if rec == nil {
		return nil
	}
	return &ports.IssuedPayment{Payment: rec, RedemptionCode: code}
}

// clientKey falls back to a random key, so requests without one are never
// treated as replays.
func clientKey(k string) string {
	if k == "" {
		return uuid.NewString()
	}
	return k
}
