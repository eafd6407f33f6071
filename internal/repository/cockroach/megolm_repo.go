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

// MegolmRepository persists group sessions. The seed column only ever
// holds wrapped bytes.
type MegolmRepository struct {
	pool *pgxpool.Pool
}

// NewMegolmRepository creates a new MegolmRepository
func NewMegolmRepository(pool *pgxpool.Pool) *MegolmRepository {
	return &MegolmRepository{pool: pool}
}

const sessionColumns = `session_id, room_id, sender_key, wrapped_seed, algorithm, message_index,
	state, shared_with, shared_devices, superseded_by, created_at, last_used_at, expires_at`

// CreateSession inserts a new session
func (r *MegolmRepository) CreateSession(ctx context.Context, s *domain.MegolmSession) error {
	return createSession(ctx, r.pool, s)
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func createSession(ctx context.Context, db rowQuerier, s *domain.MegolmSession) error {
	sharedWith, err := json.Marshal(nonNil(s.SharedWith))
	if err != nil {
		return fmt.Errorf("failed to marshal shared_with: %w", err)
	}
	devices := s.SharedDevices
	if devices == nil {
		devices = map[string]uint32{}
	}
	sharedDevices, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("failed to marshal shared_devices: %w", err)
	}

	query := `
		INSERT INTO megolm_sessions
			(session_id, room_id, sender_key, wrapped_seed, algorithm, message_index, state,
			 shared_with, shared_devices, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, last_used_at
	`

	err = db.QueryRow(ctx, query,
		s.SessionID,
		s.RoomID,
		s.SenderKey,
		s.WrappedSeed,
		s.Algorithm,
		int64(s.MessageIndex),
		string(s.State),
		sharedWith,
		sharedDevices,
		s.ExpiresAt,
	).Scan(&s.CreatedAt, &s.LastUsedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetSession loads a session by ID, or returns domain.ErrNotFound
func (r *MegolmRepository) GetSession(ctx context.Context, sessionID string) (*domain.MegolmSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM megolm_sessions WHERE session_id = $1`

	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s, err := pgx.CollectOneRow(rows, scanSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ReserveIndex atomically takes the next message index. The row lock taken by
// the UPDATE serialises concurrent encrypts of the same session, and the new
// index is durable before any ciphertext exists. Returns domain.ErrConflict
// when the session is superseded or expired.
func (r *MegolmRepository) ReserveIndex(ctx context.Context, sessionID string) (uint32, error) {
	query := `
		UPDATE megolm_sessions
		SET message_index = message_index + 1,
			last_used_at = now(),
			state = 'active'
		WHERE session_id = $1
			AND state IN ('created', 'active')
			AND expires_at > now()
		RETURNING message_index - 1
	`

	var index int64
	err := r.pool.QueryRow(ctx, query, sessionID).Scan(&index)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reserve message index: %w", err)
	}
	return uint32(index), nil
}

// Supersede marks the old session superseded and inserts its replacement in
// one transaction. Returns domain.ErrConflict if it was already superseded.
func (r *MegolmRepository) Supersede(ctx context.Context, oldSessionID string, next *domain.MegolmSession) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := createSession(ctx, tx, next); err != nil {
		return err
	}

	update := `
		UPDATE megolm_sessions
		SET state = 'superseded', superseded_by = $2
		WHERE session_id = $1 AND state <> 'superseded'
	`
	tag, err := tx.Exec(ctx, update, oldSessionID, next.SessionID)
	if err != nil {
		return fmt.Errorf("failed to supersede session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ActiveSession returns the newest usable outbound session of a sender in a
// room, or domain.ErrNotFound
func (r *MegolmRepository) ActiveSession(ctx context.Context, roomID, senderKey string) (*domain.MegolmSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM megolm_sessions
		WHERE room_id = $1 AND sender_key = $2
			AND state IN ('created', 'active')
			AND expires_at > now()
		ORDER BY created_at DESC
		LIMIT 1
	`

	rows, err := r.pool.Query(ctx, query, roomID, senderKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	s, err := pgx.CollectOneRow(rows, scanSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return s, nil
}

// RoomSessions lists every session of a room, newest first
func (r *MegolmRepository) RoomSessions(ctx context.Context, roomID string) ([]*domain.MegolmSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM megolm_sessions
		WHERE room_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list room sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("failed to list room sessions: %w", err)
	}
	return sessions, nil
}

// AddSharedDevices records the devices that received the key, keyed by
// user then device, with the chain index each was given. A device that
// already holds the key keeps its original index.
func (r *MegolmRepository) AddSharedDevices(ctx context.Context, sessionID string, grants map[string]map[string]uint32) error {
	if len(grants) == 0 {
		return nil
	}
	users := make([]string, 0, len(grants))
	devices := make(map[string]uint32)
	for userID, byDevice := range grants {
		users = append(users, userID)
		for deviceID, index := range byDevice {
			devices[domain.DeviceGrantKey(userID, deviceID)] = index
		}
	}
	addedUsers, err := json.Marshal(users)
	if err != nil {
		return fmt.Errorf("failed to marshal users: %w", err)
	}
	addedDevices, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}

	query := `
		UPDATE megolm_sessions
		SET shared_with = (
				SELECT COALESCE(jsonb_agg(DISTINCT u), '[]'::JSONB)
				FROM jsonb_array_elements_text(shared_with || $2::JSONB) AS u
			),
			shared_devices = $3::JSONB || shared_devices
		WHERE session_id = $1
	`
	if _, err := r.pool.Exec(ctx, query, sessionID, addedUsers, addedDevices); err != nil {
		return fmt.Errorf("failed to update shared devices: %w", err)
	}
	return nil
}

// SweepExpired supersedes usable sessions past expires_at and deletes
// sessions that expired more than retention ago
func (r *MegolmRepository) SweepExpired(ctx context.Context, now time.Time, retention time.Duration) (expired, deleted int64, err error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE megolm_sessions SET state = 'superseded'
		WHERE state IN ('created', 'active') AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	expired = tag.RowsAffected()

	tag, err = r.pool.Exec(ctx, `DELETE FROM megolm_sessions WHERE expires_at < $1`, now.Add(-retention))
	if err != nil {
		return expired, 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return expired, tag.RowsAffected(), nil
}

func scanSession(row pgx.CollectableRow) (*domain.MegolmSession, error) {
	s := &domain.MegolmSession{}
	var (
		index      int64
		state         string
		sharedWith    []byte
		sharedDevices []byte
	)
	err := row.Scan(
		&s.SessionID,
		&s.RoomID,
		&s.SenderKey,
		&s.WrappedSeed,
		&s.Algorithm,
		&index,
		&state,
		&sharedWith,
		&sharedDevices,
		&s.SupersededBy,
		&s.CreatedAt,
		&s.LastUsedAt,
		&s.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	s.MessageIndex = uint32(index)
	s.State = domain.SessionState(state)
	if err := json.Unmarshal(sharedWith, &s.SharedWith); err != nil {
		return nil, fmt.Errorf("failed to decode shared_with: %w", err)
	}
	if err := json.Unmarshal(sharedDevices, &s.SharedDevices); err != nil {
		return nil, fmt.Errorf("failed to decode shared_devices: %w", err)
	}
	return s, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
