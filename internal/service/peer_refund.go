package service

import (
	"context"
	"fmt"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"

	"github.com/rs/zerolog"
)

// peerRefunder returns the funds a peer transfer parked in the payee's
// pending balance to the payer, failing the record in the same unit of work.
type peerRefunder struct {
	ledger     ports.LedgerStore
	payments   ports.PaymentRecordRepository
	transactor ports.DBTransactor
	alerts     ports.AlertService
	metrics    ports.Metrics
	log        zerolog.Logger
}

// refund reports false when the record moved on before the refund could
// claim it. ev is EventReject for a pending record and EventAbort for a
// claimed one.
func (r *peerRefunder) refund(ctx context.Context, rec *domain.PaymentRecord, ev domain.Event, reason string) (bool, error) {
	if rec.Kind != domain.KindPeerTransfer || rec.PayerID == nil || rec.PayeeID == nil {
		return false, fmt.Errorf("refund: record %s is not a peer transfer", rec.ID)
	}

	tx, err := r.transactor.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ok, err := advance(ctx, r.payments, noopMetrics{}, tx, rec, ev, ports.TransitionRequest{
		ExpectLedgerUnapplied: true,
		Metadata:              reasonMeta(reason),
	})
	if err != nil || !ok {
		return false, err
	}

	if _, err := r.ledger.ConsumePending(ctx, tx, *rec.PayeeID, rec.Amount); err != nil {
		_ = tx.Rollback(ctx)
		if ife, short := domain.IsInsufficientFunds(err); short {
			r.alerts.Raise(ctx, &rec.ID, domain.AlertPendingUnderflow, map[string]any{
				"payee_id":  rec.PayeeID.String(),
				"amount":    rec.Amount.StringFixed(2),
				"shortfall": ife.Shortfall.StringFixed(2),
			})
		}
		return false, fmt.Errorf("refund: consume pending: %w", err)
	}
	if _, err := r.ledger.Credit(ctx, tx, *rec.PayerID, rec.Amount); err != nil {
		return false, fmt.Errorf("refund: credit payer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	to, _ := domain.Next(rec.Status, ev)
	r.metrics.ObserveTransition(rec.Kind, to)
	r.log.Info().
		Str("payment_id", rec.ID.String()).
		Str("amount", rec.Amount.StringFixed(2)).
		Str("reason", reason).
		Msg("peer transfer refunded to payer")
	return true, nil
}
