package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AccountRepository answers existence questions against the account
// service's tables. It never writes.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// UserExists checks if a local account exists
func (r *AccountRepository) UserExists(ctx context.Context, userID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM accounts WHERE user_id = $1)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}

	return exists, nil
}

// DeviceExists checks if the device is registered to the user
func (r *AccountRepository) DeviceExists(ctx context.Context, userID, deviceID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM devices WHERE user_id = $1 AND device_id = $2)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, userID, deviceID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check device existence: %w", err)
	}

	return exists, nil
}

// Devices lists the device IDs of a user
func (r *AccountRepository) Devices(ctx context.Context, userID string) ([]string, error) {
	query := `SELECT device_id FROM devices WHERE user_id = $1 ORDER BY device_id`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	devices, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	return devices, nil
}
