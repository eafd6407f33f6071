package cockroach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"e2ee-keyserver/internal/domain"
)

// SecretStorageRepository stores secret storage keys and the secrets
// encrypted under them
type SecretStorageRepository struct {
	pool *pgxpool.Pool
}

// NewSecretStorageRepository creates a new SecretStorageRepository
func NewSecretStorageRepository(pool *pgxpool.Pool) *SecretStorageRepository {
	return &SecretStorageRepository{pool: pool}
}

const secretKeyColumns = `user_id, key_id, algorithm, name, passphrase, key_check, created_at`

// PutKey stores or replaces a key description
func (r *SecretStorageRepository) PutKey(ctx context.Context, key *domain.SecretStorageKey) error {
	check, err := json.Marshal(key.Check)
	if err != nil {
		return fmt.Errorf("failed to encode key check: %w", err)
	}
	var passphrase []byte
	if len(key.Passphrase) > 0 {
		passphrase = key.Passphrase
	}

	query := `
		UPSERT INTO secret_storage_keys (user_id, key_id, algorithm, name, passphrase, key_check)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	if err := r.pool.QueryRow(ctx, query, key.UserID, key.KeyID, key.Algorithm, key.Name, passphrase, check).
		Scan(&key.CreatedAt); err != nil {
		return fmt.Errorf("failed to save secret storage key: %w", err)
	}
	return nil
}

// GetKey returns one key description, or domain.ErrNotFound
func (r *SecretStorageRepository) GetKey(ctx context.Context, userID, keyID string) (*domain.SecretStorageKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+secretKeyColumns+`
		FROM secret_storage_keys WHERE user_id = $1 AND key_id = $2
	`, userID, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get secret storage key: %w", err)
	}
	key, err := pgx.CollectOneRow(rows, scanSecretKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret storage key: %w", err)
	}
	return key, nil
}

// ListKeys returns every key description of the user
func (r *SecretStorageRepository) ListKeys(ctx context.Context, userID string) ([]*domain.SecretStorageKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+secretKeyColumns+`
		FROM secret_storage_keys WHERE user_id = $1 ORDER BY created_at, key_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list secret storage keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, scanSecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list secret storage keys: %w", err)
	}
	return keys, nil
}

// DeleteKey removes a key, strips its ciphertext from every secret, drops
// secrets left with no ciphertext and clears the default if it pointed at
// the key. It returns the number of secrets dropped.
func (r *SecretStorageRepository) DeleteKey(ctx context.Context, userID, keyID string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM secret_storage_keys WHERE user_id = $1 AND key_id = $2`, userID, keyID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete secret storage key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, domain.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `
		UPDATE stored_secrets SET encrypted = encrypted - $2, updated_at = now()
		WHERE user_id = $1 AND encrypted ? $2
	`, userID, keyID); err != nil {
		return 0, fmt.Errorf("failed to strip secrets: %w", err)
	}
	dropped, err := tx.Exec(ctx, `
		DELETE FROM stored_secrets WHERE user_id = $1 AND encrypted = '{}'::JSONB
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to drop empty secrets: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM secret_storage_default WHERE user_id = $1 AND key_id = $2
	`, userID, keyID); err != nil {
		return 0, fmt.Errorf("failed to clear default key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return dropped.RowsAffected(), nil
}

// SetDefaultKey points the user's default at an existing key
func (r *SecretStorageRepository) SetDefaultKey(ctx context.Context, userID, keyID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPSERT INTO secret_storage_default (user_id, key_id, updated_at)
		SELECT user_id, key_id, now() FROM secret_storage_keys
		WHERE user_id = $1 AND key_id = $2
	`, userID, keyID)
	if err != nil {
		return fmt.Errorf("failed to set default key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DefaultKey returns the default key id, or domain.ErrNotFound
func (r *SecretStorageRepository) DefaultKey(ctx context.Context, userID string) (string, error) {
	var keyID string
	err := r.pool.QueryRow(ctx, `SELECT key_id FROM secret_storage_default WHERE user_id = $1`, userID).Scan(&keyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get default key: %w", err)
	}
	return keyID, nil
}

// PutSecret stores or replaces a secret
func (r *SecretStorageRepository) PutSecret(ctx context.Context, secret *domain.StoredSecret) error {
	encrypted, err := json.Marshal(secret.Encrypted)
	if err != nil {
		return fmt.Errorf("failed to encode secret: %w", err)
	}
	if err := r.pool.QueryRow(ctx, `
		UPSERT INTO stored_secrets (user_id, name, encrypted, updated_at)
		VALUES ($1, $2, $3, now())
		RETURNING updated_at
	`, secret.UserID, secret.Name, encrypted).Scan(&secret.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save secret: %w", err)
	}
	return nil
}

// GetSecrets returns the named secrets that exist
func (r *SecretStorageRepository) GetSecrets(ctx context.Context, userID string, names []string) ([]*domain.StoredSecret, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, name, encrypted, updated_at FROM stored_secrets
		WHERE user_id = $1 AND name = ANY($2)
		ORDER BY name
	`, userID, nonNil(names))
	if err != nil {
		return nil, fmt.Errorf("failed to get secrets: %w", err)
	}
	return collectSecrets(rows)
}

// ListSecretNames returns the names of every stored secret
func (r *SecretStorageRepository) ListSecretNames(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT name FROM stored_secrets WHERE user_id = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	return names, nil
}

// DeleteSecrets removes the named secrets and returns how many existed
func (r *SecretStorageRepository) DeleteSecrets(ctx context.Context, userID string, names []string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM stored_secrets WHERE user_id = $1 AND name = ANY($2)`, userID, nonNil(names))
	if err != nil {
		return 0, fmt.Errorf("failed to delete secrets: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectSecrets(rows pgx.Rows) ([]*domain.StoredSecret, error) {
	secrets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.StoredSecret, error) {
		s := &domain.StoredSecret{}
		var encrypted []byte
		if err := row.Scan(&s.UserID, &s.Name, &encrypted, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(encrypted, &s.Encrypted); err != nil {
			return nil, fmt.Errorf("corrupt secret %s: %w", s.Name, err)
		}
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect secrets: %w", err)
	}
	return secrets, nil
}

func scanSecretKey(row pgx.CollectableRow) (*domain.SecretStorageKey, error) {
	key := &domain.SecretStorageKey{}
	var passphrase, check []byte
	if err := row.Scan(&key.UserID, &key.KeyID, &key.Algorithm, &key.Name, &passphrase, &check, &key.CreatedAt); err != nil {
		return nil, err
	}
	if len(passphrase) > 0 {
		key.Passphrase = passphrase
	}
	if err := json.Unmarshal(check, &key.Check); err != nil {
		return nil, fmt.Errorf("corrupt key check for %s: %w", key.KeyID, err)
	}
	return key, nil
}
