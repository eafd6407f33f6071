package cockroach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"e2ee-keyserver/internal/domain"
)

// DeviceKeysRepository stores device identity keys, one-time keys and
// fallback keys in CockroachDB
type DeviceKeysRepository struct {
	pool *pgxpool.Pool
}

// NewDeviceKeysRepository creates a new DeviceKeysRepository
func NewDeviceKeysRepository(pool *pgxpool.Pool) *DeviceKeysRepository {
	return &DeviceKeysRepository{pool: pool}
}

// UpsertDeviceKeys replaces identity keys with the same key_id and records a change
func (r *DeviceKeysRepository) UpsertDeviceKeys(ctx context.Context, keys *domain.DeviceKeys) error {
	identity, err := keys.IdentityKeys()
	if err != nil {
		return err
	}

	algorithms, err := json.Marshal(keys.Algorithms)
	if err != nil {
		return fmt.Errorf("failed to marshal algorithms: %w", err)
	}
	signatures, err := json.Marshal(keys.Signatures)
	if err != nil {
		return fmt.Errorf("failed to marshal signatures: %w", err)
	}
	var unsigned []byte
	if keys.Unsigned != nil {
		if unsigned, err = json.Marshal(keys.Unsigned); err != nil {
			return fmt.Errorf("failed to marshal unsigned: %w", err)
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO device_keys (user_id, device_id, key_id, algorithm, public_key, algorithms, signatures, unsigned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, device_id, key_id) DO UPDATE
		SET public_key = EXCLUDED.public_key,
			algorithms = EXCLUDED.algorithms,
			signatures = EXCLUDED.signatures,
			unsigned = EXCLUDED.unsigned,
			updated_at = now()
	`

	for _, key := range identity {
		_, err := tx.Exec(ctx, query,
			key.UserID, key.DeviceID, key.KeyID, string(key.Material.Algorithm()),
			key.Material.PublicKey(), algorithms, signatures, unsigned,
		)
		if err != nil {
			return fmt.Errorf("failed to save device key: %w", err)
		}
	}

	if err := insertKeyChange(ctx, tx, keys.UserID, keys.DeviceID, false); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetDeviceKeys returns the identity key objects of a user's devices.
// An empty deviceIDs means every device. Unknown devices are absent.
func (r *DeviceKeysRepository) GetDeviceKeys(ctx context.Context, userID string, deviceIDs []string) (map[string]*domain.DeviceKeys, error) {
	query := `
		SELECT device_id, key_id, public_key, algorithms, signatures, unsigned
		FROM device_keys
		WHERE user_id = $1 AND (cardinality($2::STRING[]) = 0 OR device_id = ANY($2))
		ORDER BY device_id, key_id
	`

	if deviceIDs == nil {
		deviceIDs = []string{}
	}

	rows, err := r.pool.Query(ctx, query, userID, deviceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query device keys: %w", err)
	}
	defer rows.Close()

	devices := make(map[string]*domain.DeviceKeys)
	for rows.Next() {
		var (
			deviceID, keyID, publicKey       string
			algorithms, signatures, unsigned []byte
		)
		if err := rows.Scan(&deviceID, &keyID, &publicKey, &algorithms, &signatures, &unsigned); err != nil {
			return nil, fmt.Errorf("failed to scan device key: %w", err)
		}

		dk, ok := devices[deviceID]
		if !ok {
			dk = &domain.DeviceKeys{
				UserID:     userID,
				DeviceID:   deviceID,
				Keys:       make(map[string]string),
				Signatures: make(domain.Signatures),
			}
			if err := json.Unmarshal(algorithms, &dk.Algorithms); err != nil {
				return nil, fmt.Errorf("failed to decode algorithms: %w", err)
			}
			if len(unsigned) > 0 {
				if err := json.Unmarshal(unsigned, &dk.Unsigned); err != nil {
					return nil, fmt.Errorf("failed to decode unsigned: %w", err)
				}
			}
			devices[deviceID] = dk
		}
		dk.Keys[keyID] = publicKey

		var sigs domain.Signatures
		if err := json.Unmarshal(signatures, &sigs); err != nil {
			return nil, fmt.Errorf("failed to decode signatures: %w", err)
		}
		dk.Signatures.Merge(sigs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device keys: %w", err)
	}

	return devices, nil
}

// StoreOneTimeKeys appends one-time keys. A key_id that was already claimed
// is skipped; a key_id that exists with different material aborts the whole
// batch with domain.ErrKeyMismatch.
func (r *DeviceKeysRepository) StoreOneTimeKeys(ctx context.Context, keys []domain.OneTimeKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO one_time_keys (user_id, device_id, key_id, algorithm, public_key, key_json)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM claimed_one_time_keys
			WHERE user_id = $1 AND device_id = $2 AND key_id = $3
		)
		ON CONFLICT (user_id, device_id, key_id) DO NOTHING
	`
	existing := `SELECT public_key FROM one_time_keys WHERE user_id = $1 AND device_id = $2 AND key_id = $3`

	inserted := 0
	for _, key := range keys {
		keyJSON, err := domain.MarshalKeyMaterial(key.Material)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal one-time key: %w", err)
		}

		tag, err := tx.Exec(ctx, insert,
			key.UserID, key.DeviceID, key.KeyID, string(key.Material.Algorithm()),
			key.Material.PublicKey(), keyJSON,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to save one-time key: %w", err)
		}
		if tag.RowsAffected() == 1 {
			inserted++
			continue
		}

		// Either claimed earlier (no-op) or already stored
		var stored string
		err = tx.QueryRow(ctx, existing, key.UserID, key.DeviceID, key.KeyID).Scan(&stored)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to check one-time key: %w", err)
		}
		if stored != key.Material.PublicKey() {
			return 0, fmt.Errorf("%w: %s", domain.ErrKeyMismatch, key.KeyID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return inserted, nil
}

// StoreFallbackKeys replaces the device's fallback key per algorithm
func (r *DeviceKeysRepository) StoreFallbackKeys(ctx context.Context, keys []domain.OneTimeKey) error {
	query := `
		INSERT INTO fallback_keys (user_id, device_id, algorithm, key_id, public_key, key_json, used)
		VALUES ($1, $2, $3, $4, $5, $6, false)
		ON CONFLICT (user_id, device_id, algorithm) DO UPDATE
		SET key_id = EXCLUDED.key_id,
			public_key = EXCLUDED.public_key,
			key_json = EXCLUDED.key_json,
			used = false,
			created_at = now()
	`

	for _, key := range keys {
		keyJSON, err := domain.MarshalKeyMaterial(key.Material)
		if err != nil {
			return fmt.Errorf("failed to marshal fallback key: %w", err)
		}
		_, err = r.pool.Exec(ctx, query,
			key.UserID, key.DeviceID, string(key.Material.Algorithm()), key.KeyID,
			key.Material.PublicKey(), keyJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to save fallback key: %w", err)
		}
	}

	return nil
}

// CountOneTimeKeys returns unclaimed one-time keys per algorithm
func (r *DeviceKeysRepository) CountOneTimeKeys(ctx context.Context, userID, deviceID string) (map[domain.Algorithm]int, error) {
	query := `
		SELECT algorithm, COUNT(*)
		FROM one_time_keys
		WHERE user_id = $1 AND device_id = $2
		GROUP BY algorithm
	`

	rows, err := r.pool.Query(ctx, query, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to count one-time keys: %w", err)
	}
	defer rows.Close()

	counts := map[domain.Algorithm]int{domain.AlgorithmSignedCurve25519: 0}
	for rows.Next() {
		var alg string
		var n int
		if err := rows.Scan(&alg, &n); err != nil {
			return nil, fmt.Errorf("failed to scan key count: %w", err)
		}
		counts[domain.Algorithm(alg)] = n
	}

	return counts, rows.Err()
}

// ClaimOneTimeKey atomically removes and returns one unclaimed key of the
// algorithm. Rows locked by a concurrent claim are skipped, so two callers
// never receive the same key. When none is left the device's fallback key is
// returned without deletion. Returns nil, nil when nothing is available.
func (r *DeviceKeysRepository) ClaimOneTimeKey(ctx context.Context, userID, deviceID string, alg domain.Algorithm) (*domain.OneTimeKey, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	claim := `
		DELETE FROM one_time_keys
		WHERE (user_id, device_id, key_id) IN (
			SELECT user_id, device_id, key_id
			FROM one_time_keys
			WHERE user_id = $1 AND device_id = $2 AND algorithm = $3
			ORDER BY created_at, key_id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING key_id, key_json, created_at
	`

	var (
		keyID     string
		keyJSON   []byte
		createdAt time.Time
		fallback  bool
	)
	err = tx.QueryRow(ctx, claim, userID, deviceID, string(alg)).Scan(&keyID, &keyJSON, &createdAt)
	switch {
	case err == nil:
		tombstone := `
			INSERT INTO claimed_one_time_keys (user_id, device_id, key_id)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`
		if _, err := tx.Exec(ctx, tombstone, userID, deviceID, keyID); err != nil {
			return nil, fmt.Errorf("failed to record claimed key: %w", err)
		}

	case errors.Is(err, pgx.ErrNoRows):
		useFallback := `
			UPDATE fallback_keys SET used = true
			WHERE user_id = $1 AND device_id = $2 AND algorithm = $3
			RETURNING key_id, key_json, created_at
		`
		err = tx.QueryRow(ctx, useFallback, userID, deviceID, string(alg)).Scan(&keyID, &keyJSON, &createdAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim fallback key: %w", err)
		}
		fallback = true

	default:
		return nil, fmt.Errorf("failed to claim one-time key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	material, err := domain.ParseKeyMaterial(alg, keyJSON)
	if err != nil {
		return nil, fmt.Errorf("stored key %s is corrupt: %w", keyID, err)
	}

	return &domain.OneTimeKey{
		UserID:    userID,
		DeviceID:  deviceID,
		KeyID:     keyID,
		Material:  material,
		Fallback:  fallback,
		CreatedAt: createdAt,
	}, nil
}

// DeleteDeviceKeys removes every key of a device and records the removal
func (r *DeviceKeysRepository) DeleteDeviceKeys(ctx context.Context, userID, deviceID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"device_keys", "one_time_keys", "claimed_one_time_keys", "fallback_keys"} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1 AND device_id = $2`, table)
		if _, err := tx.Exec(ctx, query, userID, deviceID); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}

	signatures := `DELETE FROM cross_signing_signatures WHERE target_user_id = $1 AND target_kind = $2 AND target_id = $3`
	if _, err := tx.Exec(ctx, signatures, userID, string(domain.TargetDevice), deviceID); err != nil {
		return fmt.Errorf("failed to delete device signatures: %w", err)
	}

	if err := insertKeyChange(ctx, tx, userID, deviceID, true); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ChangedUsers returns the users among candidates with a change in (from, to]
func (r *DeviceKeysRepository) ChangedUsers(ctx context.Context, candidates []string, from, to int64) ([]string, error) {
	query := `
		SELECT DISTINCT user_id
		FROM device_key_changes
		WHERE stream_id > $1 AND stream_id <= $2 AND user_id = ANY($3)
	`

	rows, err := r.pool.Query(ctx, query, from, to, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to query key changes: %w", err)
	}
	defer rows.Close()

	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect key changes: %w", err)
	}
	return users, nil
}

// CurrentStreamID returns the latest change position
func (r *DeviceKeysRepository) CurrentStreamID(ctx context.Context) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(stream_id), 0) FROM device_key_changes`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read stream position: %w", err)
	}
	return id, nil
}

func insertKeyChange(ctx context.Context, tx pgx.Tx, userID, deviceID string, deleted bool) error {
	query := `INSERT INTO device_key_changes (user_id, device_id, deleted) VALUES ($1, $2, $3)`
	if _, err := tx.Exec(ctx, query, userID, deviceID, deleted); err != nil {
		return fmt.Errorf("failed to record key change: %w", err)
	}
	return nil
}
