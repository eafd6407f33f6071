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

// CrossSigningRepository stores cross-signing keys and the signature edges
// of the trust graph
type CrossSigningRepository struct {
	pool *pgxpool.Pool
}

// NewCrossSigningRepository creates a new CrossSigningRepository
func NewCrossSigningRepository(pool *pgxpool.Pool) *CrossSigningRepository {
	return &CrossSigningRepository{pool: pool}
}

// ReplaceKeys stores the given keys in one transaction. Signatures made by a
// replaced key, and signatures over a replaced master key, are deleted.
func (r *CrossSigningRepository) ReplaceKeys(ctx context.Context, userID string, keys []domain.StoredCrossSigningKey) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current := `SELECT key_id FROM cross_signing_keys WHERE user_id = $1 AND key_type = $2`
	upsert := `
		INSERT INTO cross_signing_keys (user_id, key_type, key_id, public_key, key_json)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, key_type) DO UPDATE
		SET key_id = EXCLUDED.key_id,
			public_key = EXCLUDED.public_key,
			key_json = EXCLUDED.key_json,
			created_at = now()
	`

	for _, key := range keys {
		var oldKeyID string
		err := tx.QueryRow(ctx, current, userID, string(key.KeyType)).Scan(&oldKeyID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to read current %s key: %w", key.KeyType, err)
		}

		keyJSON, err := json.Marshal(key.Key)
		if err != nil {
			return fmt.Errorf("failed to marshal %s key: %w", key.KeyType, err)
		}
		if _, err := tx.Exec(ctx, upsert, userID, string(key.KeyType), key.KeyID, key.PublicKey, keyJSON); err != nil {
			return fmt.Errorf("failed to save %s key: %w", key.KeyType, err)
		}

		if oldKeyID == "" || oldKeyID == key.KeyID {
			continue
		}
		if err := deleteEdgesOfKey(ctx, tx, userID, oldKeyID, key.KeyType == domain.KeyTypeMaster); err != nil {
			return err
		}
	}

	if err := insertKeyChange(ctx, tx, userID, "", false); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetKeys returns the user's current keys; missing roles are nil
func (r *CrossSigningRepository) GetKeys(ctx context.Context, userID string) (*domain.CrossSigningKeys, error) {
	query := `
		SELECT key_type, key_id, public_key, key_json, created_at
		FROM cross_signing_keys
		WHERE user_id = $1
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cross-signing keys: %w", err)
	}
	defer rows.Close()

	out := &domain.CrossSigningKeys{}
	for rows.Next() {
		key := &domain.StoredCrossSigningKey{UserID: userID}
		var keyType string
		var keyJSON []byte
		if err := rows.Scan(&keyType, &key.KeyID, &key.PublicKey, &keyJSON, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cross-signing key: %w", err)
		}
		if err := json.Unmarshal(keyJSON, &key.Key); err != nil {
			return nil, fmt.Errorf("failed to decode cross-signing key: %w", err)
		}
		key.KeyType = domain.CrossSigningKeyType(keyType)

		switch key.KeyType {
		case domain.KeyTypeMaster:
			out.Master = key
		case domain.KeyTypeSelfSigning:
			out.SelfSigning = key
		case domain.KeyTypeUserSigning:
			out.UserSigning = key
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cross-signing keys: %w", err)
	}

	return out, nil
}

// DeleteKeys removes all cross-signing keys of a user along with every edge
// they took part in
func (r *CrossSigningRepository) DeleteKeys(ctx context.Context, userID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT key_type, key_id FROM cross_signing_keys WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to query cross-signing keys: %w", err)
	}
	type ref struct{ keyType, keyID string }
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ref, error) {
		var rf ref
		err := row.Scan(&rf.keyType, &rf.keyID)
		return rf, err
	})
	if err != nil {
		return fmt.Errorf("failed to collect cross-signing keys: %w", err)
	}

	for _, rf := range refs {
		if err := deleteEdgesOfKey(ctx, tx, userID, rf.keyID, rf.keyType == string(domain.KeyTypeMaster)); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM cross_signing_keys WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete cross-signing keys: %w", err)
	}

	if err := insertKeyChange(ctx, tx, userID, "", true); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// StoreSignature records (or replaces) one signature edge
func (r *CrossSigningRepository) StoreSignature(ctx context.Context, edge *domain.SignatureEdge) error {
	query := `
		INSERT INTO cross_signing_signatures
			(signer_user_id, signer_key_id, target_user_id, target_kind, target_id, signature)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signer_user_id, signer_key_id, target_user_id, target_id) DO UPDATE
		SET signature = EXCLUDED.signature,
			target_kind = EXCLUDED.target_kind,
			created_at = now()
		RETURNING created_at
	`

	err := r.pool.QueryRow(ctx, query,
		edge.SignerUserID,
		edge.SignerKeyID,
		edge.TargetUserID,
		string(edge.TargetKind),
		edge.TargetID,
		edge.Signature,
	).Scan(&edge.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save signature: %w", err)
	}

	return nil
}

// GetSignature returns the edge signerKeyID → targetID, or domain.ErrNotFound
func (r *CrossSigningRepository) GetSignature(ctx context.Context, signerUserID, signerKeyID, targetUserID, targetID string) (*domain.SignatureEdge, error) {
	query := `
		SELECT signer_user_id, signer_key_id, target_user_id, target_kind, target_id, signature, created_at
		FROM cross_signing_signatures
		WHERE signer_user_id = $1 AND signer_key_id = $2 AND target_user_id = $3 AND target_id = $4
	`

	rows, err := r.pool.Query(ctx, query, signerUserID, signerKeyID, targetUserID, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature: %w", err)
	}
	edge, err := pgx.CollectOneRow(rows, scanEdge)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signature: %w", err)
	}
	return &edge, nil
}

// SignaturesOnTarget returns every stored signature over one target
func (r *CrossSigningRepository) SignaturesOnTarget(ctx context.Context, targetUserID, targetID string) ([]domain.SignatureEdge, error) {
	query := `
		SELECT signer_user_id, signer_key_id, target_user_id, target_kind, target_id, signature, created_at
		FROM cross_signing_signatures
		WHERE target_user_id = $1 AND target_id = $2
		ORDER BY created_at
	`
	return r.collectEdges(ctx, query, targetUserID, targetID)
}

// UserSignatures returns every edge a user takes part in, as signer or target
func (r *CrossSigningRepository) UserSignatures(ctx context.Context, userID string) ([]domain.SignatureEdge, error) {
	query := `
		SELECT signer_user_id, signer_key_id, target_user_id, target_kind, target_id, signature, created_at
		FROM cross_signing_signatures
		WHERE signer_user_id = $1 OR target_user_id = $1
		ORDER BY created_at
	`
	return r.collectEdges(ctx, query, userID)
}

func (r *CrossSigningRepository) collectEdges(ctx context.Context, query string, args ...any) ([]domain.SignatureEdge, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signatures: %w", err)
	}
	edges, err := pgx.CollectRows(rows, scanEdge)
	if err != nil {
		return nil, fmt.Errorf("failed to collect signatures: %w", err)
	}
	return edges, nil
}

func scanEdge(row pgx.CollectableRow) (domain.SignatureEdge, error) {
	var edge domain.SignatureEdge
	var kind string
	err := row.Scan(
		&edge.SignerUserID,
		&edge.SignerKeyID,
		&edge.TargetUserID,
		&kind,
		&edge.TargetID,
		&edge.Signature,
		&edge.CreatedAt,
	)
	edge.TargetKind = domain.TargetKind(kind)
	return edge, err
}

// deleteEdgesOfKey drops signatures made by the key and, for a master key,
// signatures made over it
func deleteEdgesOfKey(ctx context.Context, tx pgx.Tx, userID, keyID string, master bool) error {
	bySigner := `DELETE FROM cross_signing_signatures WHERE signer_user_id = $1 AND signer_key_id = $2`
	if _, err := tx.Exec(ctx, bySigner, userID, keyID); err != nil {
		return fmt.Errorf("failed to delete signatures by %s: %w", keyID, err)
	}
	if !master {
		return nil
	}
	onTarget := `DELETE FROM cross_signing_signatures WHERE target_user_id = $1 AND target_id = $2`
	if _, err := tx.Exec(ctx, onTarget, userID, keyID); err != nil {
		return fmt.Errorf("failed to delete signatures on %s: %w", keyID, err)
	}
	return nil
}
