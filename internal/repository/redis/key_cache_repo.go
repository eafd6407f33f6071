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

// KeyCacheRepository is a read-through cache of public key material.
// Only public keys are stored here; entries expire after ttl and are
// deleted on every write to the underlying keys.
type KeyCacheRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewKeyCacheRepository creates a new KeyCacheRepository
func NewKeyCacheRepository(client *redis.Client, ttl time.Duration) *KeyCacheRepository {
	return &KeyCacheRepository{client: client, ttl: ttl}
}

func deviceKeysKey(userID string) string   { return fmt.Sprintf("device_keys:%s", userID) }
func crossSigningKey(userID string) string { return fmt.Sprintf("cross_signing:%s", userID) }

// GetDeviceKeys returns every cached device of a user. ok is false on a miss.
func (r *KeyCacheRepository) GetDeviceKeys(ctx context.Context, userID string) (devices map[string]*domain.DeviceKeys, ok bool, err error) {
	ok, err = r.get(ctx, deviceKeysKey(userID), &devices)
	return devices, ok, err
}

// SetDeviceKeys caches every device of a user
func (r *KeyCacheRepository) SetDeviceKeys(ctx context.Context, userID string, devices map[string]*domain.DeviceKeys) error {
	return r.set(ctx, deviceKeysKey(userID), devices)
}

// GetCrossSigningKeys returns cached cross-signing keys. ok is false on a miss.
func (r *KeyCacheRepository) GetCrossSigningKeys(ctx context.Context, userID string) (keys *domain.CrossSigningKeys, ok bool, err error) {
	ok, err = r.get(ctx, crossSigningKey(userID), &keys)
	return keys, ok, err
}

// SetCrossSigningKeys caches the user's cross-signing keys
func (r *KeyCacheRepository) SetCrossSigningKeys(ctx context.Context, userID string, keys *domain.CrossSigningKeys) error {
	return r.set(ctx, crossSigningKey(userID), keys)
}

// Invalidate drops every cached entry of the users
func (r *KeyCacheRepository) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs)*2)
	for _, userID := range userIDs {
		keys = append(keys, deviceKeysKey(userID), crossSigningKey(userID))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate key cache: %w", err)
	}
	return nil
}

func (r *KeyCacheRepository) get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read key cache: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to decode key cache entry: %w", err)
	}
	return true, nil
}

func (r *KeyCacheRepository) set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode key cache entry: %w", err)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write key cache: %w", err)
	}
	return nil
}
