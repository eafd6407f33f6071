package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"e2ee-keyserver/internal/domain"
)

// ToDeviceNotifier fans new to-device messages out to connected streams
type ToDeviceNotifier struct {
	client *redis.Client
}

// NewToDeviceNotifier creates a new ToDeviceNotifier
func NewToDeviceNotifier(client *redis.Client) *ToDeviceNotifier {
	return &ToDeviceNotifier{client: client}
}

// ToDeviceChannel is the pub/sub channel of one device
func ToDeviceChannel(userID, deviceID string) string {
	return fmt.Sprintf("to_device:%s:%s", userID, deviceID)
}

// Publish announces a stored message to the device's channel
func (n *ToDeviceNotifier) Publish(ctx context.Context, msg *domain.ToDeviceMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal to-device message: %w", err)
	}
	if err := n.client.Publish(ctx, ToDeviceChannel(msg.UserID, msg.DeviceID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to-device message: %w", err)
	}
	return nil
}

// Subscribe opens a subscription on the device's channel. The caller closes it.
func (n *ToDeviceNotifier) Subscribe(ctx context.Context, userID, deviceID string) *redis.PubSub {
	return n.client.Subscribe(ctx, ToDeviceChannel(userID, deviceID))
}
