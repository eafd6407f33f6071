package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"e2ee-keyserver/internal/domain"
)

// RecoveryProgressRepository keeps resumable bulk-recovery state per
// (user, backup version)
type RecoveryProgressRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRecoveryProgressRepository creates a new RecoveryProgressRepository
func NewRecoveryProgressRepository(client *redis.Client, ttl time.Duration) *RecoveryProgressRepository {
	return &RecoveryProgressRepository{client: client, ttl: ttl}
}

func recoveryKey(userID string, version int64) string {
	return fmt.Sprintf("recovery:%s:%d", userID, version)
}

// Get returns stored progress, or nil when none exists
func (r *RecoveryProgressRepository) Get(ctx context.Context, userID string, version int64) (*domain.RecoveryProgress, error) {
	data, err := r.client.Get(ctx, recoveryKey(userID, version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recovery progress: %w", err)
	}

	var p domain.RecoveryProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode recovery progress: %w", err)
	}
	return &p, nil
}

// Save stores progress, refreshing its TTL
func (r *RecoveryProgressRepository) Save(ctx context.Context, p *domain.RecoveryProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode recovery progress: %w", err)
	}
	if err := r.client.Set(ctx, recoveryKey(p.UserID, p.Version), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save recovery progress: %w", err)
	}
	return nil
}

// Delete drops progress, e.g. when the version is deleted
func (r *RecoveryProgressRepository) Delete(ctx context.Context, userID string, version int64) error {
	if err := r.client.Del(ctx, recoveryKey(userID, version)).Err(); err != nil {
		return fmt.Errorf("failed to delete recovery progress: %w", err)
	}
	return nil
}
