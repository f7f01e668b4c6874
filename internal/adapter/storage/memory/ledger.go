package memory

import (
	"context"

	"wallet-settlement/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// LedgerStore implements ports.LedgerStore over the Store's wallet table.
type LedgerStore struct {
	s *Store
}

// GetWallet returns a copy of the wallet, or nil.
func (l *LedgerStore) GetWallet(_ context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	w, ok := l.s.wallets[userID]
	if !ok {
		return nil, nil
	}
	return cloneWallet(w), nil
}

// GetWalletByCardholder resolves a wallet by card-network cardholder ref.
func (l *LedgerStore) GetWalletByCardholder(ctx context.Context, cardholderRef string) (*domain.Wallet, error) {
	l.s.mu.RLock()
	id, ok := l.s.byCardholder[cardholderRef]
	l.s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return l.GetWallet(ctx, id)
}

// Debit subtracts amount from balance when it is covered.
func (l *LedgerStore) Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.apply(ctx, tx, userID, amount, func(w *domain.Wallet) (decimal.Decimal, error) {
		if w.Balance.LessThan(amount) {
			return decimal.Zero, &domain.InsufficientFundsError{Shortfall: amount.Sub(w.Balance)}
		}
		w.Balance = w.Balance.Sub(amount)
		return w.Balance, nil
	})
}

// Credit adds amount to balance.
func (l *LedgerStore) Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.apply(ctx, tx, userID, amount, func(w *domain.Wallet) (decimal.Decimal, error) {
		w.Balance = w.Balance.Add(amount)
		return w.Balance, nil
	})
}

// CreditPending adds amount to the pending balance.
func (l *LedgerStore) CreditPending(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.apply(ctx, tx, userID, amount, func(w *domain.Wallet) (decimal.Decimal, error) {
		w.PendingBalance = w.PendingBalance.Add(amount)
		return w.PendingBalance, nil
	})
}

// ConsumePending subtracts amount from the pending balance when it is covered.
func (l *LedgerStore) ConsumePending(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.apply(ctx, tx, userID, amount, func(w *domain.Wallet) (decimal.Decimal, error) {
		if w.PendingBalance.LessThan(amount) {
			return decimal.Zero, &domain.InsufficientFundsError{Shortfall: amount.Sub(w.PendingBalance)}
		}
		w.PendingBalance = w.PendingBalance.Sub(amount)
		return w.PendingBalance, nil
	})
}

// apply mutates a working copy and swaps it in only when mutate succeeds.
func (l *LedgerStore) apply(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, mutate func(*domain.Wallet) (decimal.Decimal, error)) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, domain.ErrInvalidAmount
	}

	var next decimal.Decimal
	err := l.s.write(ctx, tx, func() (func(), error) {
		prev, ok := l.s.wallets[userID]
		if !ok {
			return nil, domain.ErrWalletNotFound
		}
		w := cloneWallet(prev)
		v, err := mutate(w)
		if err != nil {
			return nil, err
		}
		w.UpdatedAt = l.s.clock.Now()
		l.s.wallets[userID] = w
		next = v
		return func() { l.s.wallets[userID] = prev }, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return next, nil
}
