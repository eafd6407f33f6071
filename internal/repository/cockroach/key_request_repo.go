package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"e2ee-keyserver/internal/domain"
)

// KeyRequestRepository stores room key requests
type KeyRequestRepository struct {
	pool *pgxpool.Pool
}

// NewKeyRequestRepository creates a new KeyRequestRepository
func NewKeyRequestRepository(pool *pgxpool.Pool) *KeyRequestRepository {
	return &KeyRequestRepository{pool: pool}
}

const keyRequestColumns = `request_id, user_id, device_id, room_id, session_id, sender_key,
	algorithm, state, fulfilled_by, created_at, updated_at`

// CreateRequest stores req unless the device already has a pending request
// for the session. Either way the pending request is returned, and created
// reports whether it is req.
func (r *KeyRequestRepository) CreateRequest(ctx context.Context, req *domain.RoomKeyRequest) (*domain.RoomKeyRequest, bool, error) {
	query := `
		INSERT INTO room_key_requests
			(request_id, user_id, device_id, room_id, session_id, sender_key, algorithm, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		ON CONFLICT (user_id, device_id, session_id) WHERE state = 'pending' DO NOTHING
		RETURNING ` + keyRequestColumns

	rows, err := r.pool.Query(ctx, query, req.RequestID, req.UserID, req.DeviceID,
		req.RoomID, req.SessionID, req.SenderKey, req.Algorithm)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create key request: %w", err)
	}
	created, err := pgx.CollectOneRow(rows, scanKeyRequest)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create key request: %w", err)
	}

	open, err := r.one(ctx, `SELECT `+keyRequestColumns+`
		FROM room_key_requests
		WHERE user_id = $1 AND device_id = $2 AND session_id = $3 AND state = 'pending'
	`, req.UserID, req.DeviceID, req.SessionID)
	if err != nil {
		return nil, false, err
	}
	return open, false, nil
}

// GetRequest returns one request of the user, or domain.ErrNotFound
func (r *KeyRequestRepository) GetRequest(ctx context.Context, userID, requestID string) (*domain.RoomKeyRequest, error) {
	return r.one(ctx, `SELECT `+keyRequestColumns+`
		FROM room_key_requests
		WHERE user_id = $1 AND request_id = $2
	`, userID, requestID)
}

// ListRequests returns the user's requests in a state, oldest first
func (r *KeyRequestRepository) ListRequests(ctx context.Context, userID string, state domain.KeyRequestState, limit int) ([]*domain.RoomKeyRequest, error) {
	query := `SELECT ` + keyRequestColumns + `
		FROM room_key_requests
		WHERE user_id = $1 AND state = $2
		ORDER BY created_at
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, userID, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list key requests: %w", err)
	}
	requests, err := pgx.CollectRows(rows, scanKeyRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to list key requests: %w", err)
	}
	return requests, nil
}

// Transition moves a request out of the pending state. A request that is no
// longer pending yields domain.ErrConflict.
func (r *KeyRequestRepository) Transition(ctx context.Context, userID, requestID string, to domain.KeyRequestState, fulfilledBy *string) (*domain.RoomKeyRequest, error) {
	query := `
		UPDATE room_key_requests
		SET state = $3, fulfilled_by = $4, updated_at = now()
		WHERE user_id = $1 AND request_id = $2 AND state = 'pending'
		RETURNING ` + keyRequestColumns

	rows, err := r.pool.Query(ctx, query, userID, requestID, string(to), fulfilledBy)
	if err != nil {
		return nil, fmt.Errorf("failed to update key request: %w", err)
	}
	req, err := pgx.CollectOneRow(rows, scanKeyRequest)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetRequest(ctx, userID, requestID); getErr != nil {
			return nil, getErr
		}
		return nil, domain.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update key request: %w", err)
	}
	return req, nil
}

// ExpirePending cancels pending requests created before cutoff
func (r *KeyRequestRepository) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE room_key_requests SET state = 'cancelled', updated_at = now()
		WHERE state = 'pending' AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire key requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteClosedBefore removes fulfilled and cancelled requests last touched before cutoff
func (r *KeyRequestRepository) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM room_key_requests
		WHERE state != 'pending' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete key requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *KeyRequestRepository) one(ctx context.Context, query string, args ...any) (*domain.RoomKeyRequest, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get key request: %w", err)
	}
	req, err := pgx.CollectOneRow(rows, scanKeyRequest)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key request: %w", err)
	}
	return req, nil
}

func scanKeyRequest(row pgx.CollectableRow) (*domain.RoomKeyRequest, error) {
	req := &domain.RoomKeyRequest{}
	var state string
	err := row.Scan(&req.RequestID, &req.UserID, &req.DeviceID, &req.RoomID, &req.SessionID,
		&req.SenderKey, &req.Algorithm, &state, &req.FulfilledBy, &req.CreatedAt, &req.UpdatedAt)
	req.State = domain.KeyRequestState(state)
	return req, err
}
