package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MembershipRepository reads room membership owned by the room service
type MembershipRepository struct {
	pool *pgxpool.Pool
}

// NewMembershipRepository creates a new MembershipRepository
func NewMembershipRepository(pool *pgxpool.Pool) *MembershipRepository {
	return &MembershipRepository{pool: pool}
}

// Members returns the joined users of a room
func (r *MembershipRepository) Members(ctx context.Context, roomID string) ([]string, error) {
	query := `
		SELECT user_id FROM room_members
		WHERE room_id = $1 AND membership = 'join'
		ORDER BY user_id
	`
	return r.collectUsers(ctx, query, roomID)
}

// IsMember checks if the user is joined to the room
func (r *MembershipRepository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2 AND membership = 'join')`

	var member bool
	if err := r.pool.QueryRow(ctx, query, roomID, userID).Scan(&member); err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return member, nil
}

// SharedRoomUsers returns every user joined to at least one room the user is joined to
func (r *MembershipRepository) SharedRoomUsers(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT DISTINCT other.user_id
		FROM room_members mine
		JOIN room_members other ON other.room_id = mine.room_id
		WHERE mine.user_id = $1 AND mine.membership = 'join' AND other.membership = 'join'
	`
	return r.collectUsers(ctx, query, userID)
}

// FormerRoomUsers returns users who left rooms the user is in and no longer
// share any joined room with them
func (r *MembershipRepository) FormerRoomUsers(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT DISTINCT other.user_id
		FROM room_members mine
		JOIN room_members other ON other.room_id = mine.room_id
		WHERE mine.user_id = $1 AND mine.membership = 'join' AND other.membership = 'leave'
			AND NOT EXISTS (
				SELECT 1 FROM room_members a
				JOIN room_members b ON b.room_id = a.room_id
				WHERE a.user_id = $1 AND a.membership = 'join'
					AND b.user_id = other.user_id AND b.membership = 'join'
			)
	`
	return r.collectUsers(ctx, query, userID)
}

func (r *MembershipRepository) collectUsers(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query room members: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect room members: %w", err)
	}
	return users, nil
}
