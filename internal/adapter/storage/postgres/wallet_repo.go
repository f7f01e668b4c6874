package postgres

import (
	"context"
	"errors"
	"fmt"

	"wallet-settlement/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// WalletRepo implements ports.LedgerStore. Each mutation is a single
// conditional UPDATE so concurrent debits serialize on the row lock.
type WalletRepo struct {
	pool Pool
}

// NewWalletRepo creates a new WalletRepo.
func NewWalletRepo(pool Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

const walletColumns = `user_id, cardholder_ref, currency, balance, pending_balance,
	per_txn_limit, daily_limit, created_at, updated_at`

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	w := &domain.Wallet{}
	var perTxn, daily decimal.NullDecimal
	err := row.Scan(
		&w.UserID, &w.CardholderRef, &w.Currency, &w.Balance, &w.PendingBalance,
		&perTxn, &daily, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if perTxn.Valid {
		w.Limits.PerTransaction = &perTxn.Decimal
	}
	if daily.Valid {
		w.Limits.Daily = &daily.Decimal
	}
	return w, nil
}

// GetWallet fetches a wallet by owner (non-locking read).
func (r *WalletRepo) GetWallet(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`

	w, err := scanWallet(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// GetWalletByCardholder resolves the wallet behind a card-network cardholder.
func (r *WalletRepo) GetWalletByCardholder(ctx context.Context, cardholderRef string) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE cardholder_ref = $1`

	w, err := scanWallet(r.pool.QueryRow(ctx, query, cardholderRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get wallet by cardholder: %w", err)
	}
	return w, nil
}

// Debit subtracts amount from balance only if the balance covers it.
func (r *WalletRepo) Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	query := `UPDATE wallets SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
		RETURNING balance`

	return r.conditionalDecrement(ctx, tx, "balance", query, userID, amount)
}

// Credit adds amount to balance.
func (r *WalletRepo) Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	query := `UPDATE wallets SET balance = balance + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING balance`

	return r.increment(ctx, tx, query, userID, amount)
}

// CreditPending adds amount to the pending balance.
func (r *WalletRepo) CreditPending(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	query := `UPDATE wallets SET pending_balance = pending_balance + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING pending_balance`

	return r.increment(ctx, tx, query, userID, amount)
}

// ConsumePending subtracts amount from the pending balance only if it covers it.
func (r *WalletRepo) ConsumePending(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	query := `UPDATE wallets SET pending_balance = pending_balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND pending_balance >= $2
		RETURNING pending_balance`

	return r.conditionalDecrement(ctx, tx, "pending_balance", query, userID, amount)
}

func (r *WalletRepo) increment(ctx context.Context, tx pgx.Tx, query string, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, domain.ErrInvalidAmount
	}

	var next decimal.Decimal
	err := on(r.pool, tx).QueryRow(ctx, query, userID, amount).Scan(&next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, domain.ErrWalletNotFound
		}
		return decimal.Zero, fmt.Errorf("credit wallet: %w", err)
	}
	return next, nil
}

// conditionalDecrement runs a guarded UPDATE. When no row matches it reads the
// column to tell a missing wallet from a shortfall; the read is informational
// only, the guard itself already decided.
func (r *WalletRepo) conditionalDecrement(ctx context.Context, tx pgx.Tx, column, query string, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, domain.ErrInvalidAmount
	}

	q := on(r.pool, tx)
	var next decimal.Decimal
	err := q.QueryRow(ctx, query, userID, amount).Scan(&next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("debit %s: %w", column, err)
	}

	var current decimal.Decimal
	err = q.QueryRow(ctx, `SELECT `+column+` FROM wallets WHERE user_id = $1`, userID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, domain.ErrWalletNotFound
		}
		return decimal.Zero, fmt.Errorf("read %s after failed debit: %w", column, err)
	}
	return decimal.Zero, &domain.InsufficientFundsError{Shortfall: amount.Sub(current)}
}
