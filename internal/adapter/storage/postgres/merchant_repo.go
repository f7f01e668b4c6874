package postgres

import (
	"context"
	"errors"
	"fmt"

	"wallet-settlement/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MerchantRepo implements ports.MerchantRepository.
type MerchantRepo struct {
	pool Pool
}

// NewMerchantRepo creates a new MerchantRepo.
func NewMerchantRepo(pool Pool) *MerchantRepo {
	return &MerchantRepo{pool: pool}
}

const merchantColumns = `id, name, network_merchant_id, settlement_account_id, status, created_at, updated_at`

// GetByID fetches a merchant by its UUID.
func (r *MerchantRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Merchant, error) {
	query := `SELECT ` + merchantColumns + ` FROM merchants WHERE id = $1`

	m, err := scanMerchant(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get merchant by id: %w", err)
	}
	return m, nil
}

// GetByNetworkID resolves the merchant behind a card-network merchant id.
func (r *MerchantRepo) GetByNetworkID(ctx context.Context, networkMerchantID string) (*domain.Merchant, error) {
	query := `SELECT ` + merchantColumns + ` FROM merchants WHERE network_merchant_id = $1`

	m, err := scanMerchant(r.pool.QueryRow(ctx, query, networkMerchantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get merchant by network id: %w", err)
	}
	return m, nil
}

func scanMerchant(row pgx.Row) (*domain.Merchant, error) {
	m := &domain.Merchant{}
	err := row.Scan(
		&m.ID, &m.Name, &m.NetworkMerchantID, &m.SettlementAccountID,
		&m.Status, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
