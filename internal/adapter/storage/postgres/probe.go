package postgres

import (
	"context"
	"errors"
	"fmt"
)

var errSchemaMissing = errors.New("payment_records table missing, run migrations")

// LedgerProbe checks that the database answers and the settlement schema is
// in place.
type LedgerProbe struct {
	pool Pool
}

func NewLedgerProbe(pool Pool) *LedgerProbe {
	return &LedgerProbe{pool: pool}
}

func (p *LedgerProbe) Component() string { return "ledger" }

func (p *LedgerProbe) Probe(ctx context.Context) error {
	var present bool
	if err := p.pool.QueryRow(ctx, `SELECT to_regclass('payment_records') IS NOT NULL`).Scan(&present); err != nil {
		return fmt.Errorf("probe ledger: %w", err)
	}
	if !present {
		return errSchemaMissing
	}
	return nil
}
