package cockroach

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"e2ee-keyserver/internal/domain"
)

// BackupRepository stores backup versions and their immutable entries
type BackupRepository struct {
	pool *pgxpool.Pool
}

// NewBackupRepository creates a new BackupRepository
func NewBackupRepository(pool *pgxpool.Pool) *BackupRepository {
	return &BackupRepository{pool: pool}
}

// CreateVersion allocates the next version number for the user. Deleted
// versions still count, so numbers are never reused. A concurrent create
// surfaces as domain.ErrConflict.
func (r *BackupRepository) CreateVersion(ctx context.Context, v *domain.KeyBackupVersion) error {
	query := `
		INSERT INTO key_backup_versions (user_id, version, algorithm, auth_data)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3
		FROM key_backup_versions
		WHERE user_id = $1
		RETURNING version, etag, created_at, updated_at
	`

	var etag int64
	err := r.pool.QueryRow(ctx, query, v.UserID, v.Algorithm, []byte(v.AuthData)).
		Scan(&v.Version, &etag, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrConflict
		}
		return fmt.Errorf("failed to create backup version: %w", err)
	}
	v.ETag = strconv.FormatInt(etag, 10)

	return nil
}

const versionColumns = `v.user_id, v.version, v.algorithm, v.auth_data, v.etag, v.created_at, v.updated_at,
	(SELECT COUNT(*) FROM room_key_backup_entries e WHERE e.user_id = v.user_id AND e.version = v.version)`

// GetVersion returns a live version, or domain.ErrNotFound
func (r *BackupRepository) GetVersion(ctx context.Context, userID string, version int64) (*domain.KeyBackupVersion, error) {
	query := `SELECT ` + versionColumns + `
		FROM key_backup_versions v
		WHERE v.user_id = $1 AND v.version = $2 AND NOT v.deleted
	`
	return r.oneVersion(ctx, query, userID, version)
}

// CurrentVersion returns the newest live version, or domain.ErrNotFound
func (r *BackupRepository) CurrentVersion(ctx context.Context, userID string) (*domain.KeyBackupVersion, error) {
	query := `SELECT ` + versionColumns + `
		FROM key_backup_versions v
		WHERE v.user_id = $1 AND NOT v.deleted
		ORDER BY v.version DESC
		LIMIT 1
	`
	return r.oneVersion(ctx, query, userID)
}

// ListVersions returns every live version, newest first
func (r *BackupRepository) ListVersions(ctx context.Context, userID string) ([]*domain.KeyBackupVersion, error) {
	query := `SELECT ` + versionColumns + `
		FROM key_backup_versions v
		WHERE v.user_id = $1 AND NOT v.deleted
		ORDER BY v.version DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup versions: %w", err)
	}
	versions, err := pgx.CollectRows(rows, scanVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup versions: %w", err)
	}
	return versions, nil
}

func (r *BackupRepository) oneVersion(ctx context.Context, query string, args ...any) (*domain.KeyBackupVersion, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get backup version: %w", err)
	}
	v, err := pgx.CollectOneRow(rows, scanVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backup version: %w", err)
	}
	return v, nil
}

// UpdateAuthData replaces auth_data of a live version
func (r *BackupRepository) UpdateAuthData(ctx context.Context, userID string, version int64, authData []byte) error {
	query := `
		UPDATE key_backup_versions
		SET auth_data = $3, updated_at = now()
		WHERE user_id = $1 AND version = $2 AND NOT deleted
	`
	tag, err := r.pool.Exec(ctx, query, userID, version, authData)
	if err != nil {
		return fmt.Errorf("failed to update backup version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteVersion hard-deletes every entry of the version and retires it
func (r *BackupRepository) DeleteVersion(ctx context.Context, userID string, version int64) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE key_backup_versions SET deleted = true, updated_at = now()
		WHERE user_id = $1 AND version = $2 AND NOT deleted
	`, userID, version)
	if err != nil {
		return 0, fmt.Errorf("failed to delete backup version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, domain.ErrNotFound
	}

	tag, err = tx.Exec(ctx, `DELETE FROM room_key_backup_entries WHERE user_id = $1 AND version = $2`, userID, version)
	if err != nil {
		return 0, fmt.Errorf("failed to delete backup entries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return tag.RowsAffected(), nil
}

// InsertEntries stores entries that do not exist yet; existing entries are
// left untouched. The etag is bumped once if anything was inserted. The
// version row is locked for the duration so concurrent uploads serialise.
func (r *BackupRepository) InsertEntries(ctx context.Context, userID string, version int64, entries []domain.RoomKeyBackupEntry) (inserted int64, etag string, count int64, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, "", 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx, `
		SELECT etag FROM key_backup_versions
		WHERE user_id = $1 AND version = $2 AND NOT deleted
		FOR UPDATE
	`, userID, version).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, "", 0, fmt.Errorf("failed to lock backup version: %w", err)
	}

	insert := `
		INSERT INTO room_key_backup_entries
			(user_id, version, room_id, session_id, first_message_index, forwarded_count, is_verified, session_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, version, room_id, session_id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insert, userID, version, e.RoomID, e.SessionID,
			e.FirstMessageIndex, e.ForwardedCount, e.IsVerified, []byte(e.SessionData))
	}
	results := tx.SendBatch(ctx, batch)
	for range entries {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, "", 0, fmt.Errorf("failed to save backup entry: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return 0, "", 0, fmt.Errorf("failed to save backup entries: %w", err)
	}

	if inserted > 0 {
		err = tx.QueryRow(ctx, `
			UPDATE key_backup_versions SET etag = etag + 1, updated_at = now()
			WHERE user_id = $1 AND version = $2
			RETURNING etag
		`, userID, version).Scan(&current)
		if err != nil {
			return 0, "", 0, fmt.Errorf("failed to bump etag: %w", err)
		}
	}

	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM room_key_backup_entries WHERE user_id = $1 AND version = $2
	`, userID, version).Scan(&count)
	if err != nil {
		return 0, "", 0, fmt.Errorf("failed to count backup entries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, "", 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return inserted, strconv.FormatInt(current, 10), count, nil
}

// GetEntries reads entries of a version, optionally scoped to a room and a session
func (r *BackupRepository) GetEntries(ctx context.Context, userID string, version int64, roomID, sessionID string) ([]domain.RoomKeyBackupEntry, error) {
	query := `
		SELECT user_id, version, room_id, session_id, first_message_index, forwarded_count,
			is_verified, session_data, created_at
		FROM room_key_backup_entries
		WHERE user_id = $1 AND version = $2
			AND ($3 = '' OR room_id = $3)
			AND ($4 = '' OR session_id = $4)
		ORDER BY room_id, session_id
	`
	return r.collectEntries(ctx, query, userID, version, roomID, sessionID)
}

// EntriesPage reads a stable, offset-addressed slice of a version, optionally
// limited to some rooms
func (r *BackupRepository) EntriesPage(ctx context.Context, userID string, version int64, rooms []string, offset, limit int64) ([]domain.RoomKeyBackupEntry, error) {
	query := `
		SELECT user_id, version, room_id, session_id, first_message_index, forwarded_count,
			is_verified, session_data, created_at
		FROM room_key_backup_entries
		WHERE user_id = $1 AND version = $2
			AND (cardinality($3::STRING[]) = 0 OR room_id = ANY($3))
		ORDER BY room_id, session_id
		OFFSET $4 LIMIT $5
	`
	return r.collectEntries(ctx, query, userID, version, nonNil(rooms), offset, limit)
}

// CountEntries counts entries of a version, optionally limited to some rooms
func (r *BackupRepository) CountEntries(ctx context.Context, userID string, version int64, rooms []string) (int64, error) {
	query := `
		SELECT COUNT(*) FROM room_key_backup_entries
		WHERE user_id = $1 AND version = $2
			AND (cardinality($3::STRING[]) = 0 OR room_id = ANY($3))
	`
	var n int64
	if err := r.pool.QueryRow(ctx, query, userID, version, nonNil(rooms)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count backup entries: %w", err)
	}
	return n, nil
}

func (r *BackupRepository) collectEntries(ctx context.Context, query string, args ...any) ([]domain.RoomKeyBackupEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query backup entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RoomKeyBackupEntry, error) {
		var e domain.RoomKeyBackupEntry
		var data []byte
		err := row.Scan(&e.UserID, &e.Version, &e.RoomID, &e.SessionID, &e.FirstMessageIndex,
			&e.ForwardedCount, &e.IsVerified, &data, &e.CreatedAt)
		e.SessionData = data
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect backup entries: %w", err)
	}
	return entries, nil
}

func scanVersion(row pgx.CollectableRow) (*domain.KeyBackupVersion, error) {
	v := &domain.KeyBackupVersion{}
	var (
		authData []byte
		etag     int64
	)
	err := row.Scan(&v.UserID, &v.Version, &v.Algorithm, &authData, &etag, &v.CreatedAt, &v.UpdatedAt, &v.Count)
	if err != nil {
		return nil, err
	}
	v.AuthData = authData
	v.ETag = strconv.FormatInt(etag, 10)
	return v, nil
}
