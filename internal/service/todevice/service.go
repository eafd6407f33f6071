package todevice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"e2ee-keyserver/internal/domain"
	"e2ee-keyserver/pkg/constants"
	apperrors "e2ee-keyserver/pkg/errors"
	"e2ee-keyserver/pkg/logger"
	"e2ee-keyserver/pkg/metrics"
)

// Inbox stores per-device messages in send order
type Inbox interface {
	Save(ctx context.Context, msg *domain.ToDeviceMessage) error
	Page(ctx context.Context, userID, deviceID string, limit int, pageState []byte) ([]domain.ToDeviceMessage, []byte, error)
	DeleteUpTo(ctx context.Context, userID, deviceID, upTo string) error
}

// Notifier announces stored messages to live streams
type Notifier interface {
	Publish(ctx context.Context, msg *domain.ToDeviceMessage) error
}

// AccountRegistry resolves users and their devices
type AccountRegistry interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	Devices(ctx context.Context, userID string) ([]string, error)
}

// Service is the device-to-device delivery channel
type Service struct {
	inbox    Inbox
	notifier Notifier
	accounts AccountRegistry
}

// NewService creates a new to-device service. notifier may be nil.
func NewService(inbox Inbox, notifier Notifier, accounts AccountRegistry) *Service {
	return &Service{
		inbox:    inbox,
		notifier: notifier,
		accounts: accounts,
	}
}

// Enqueue stores one message for one device and pokes its live stream.
// A failed notification is logged; the message is still in the inbox.
func (s *Service) Enqueue(ctx context.Context, msg *domain.ToDeviceMessage) error {
	if err := s.inbox.Save(ctx, msg); err != nil {
		return apperrors.StorageError(err)
	}
	metrics.ToDeviceEnqueuedTotal.WithLabelValues(msg.Type).Inc()

	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, msg); err != nil {
			logger.FromContext(ctx).Warn("Failed to publish to-device notification",
				logger.UserID(msg.UserID),
				logger.DeviceID(msg.DeviceID),
				zap.Error(err))
		}
	}
	return nil
}

// SendMessagesInput contains a batch of messages of one event type.
// Messages maps user → device (or "*" for every device) → content.
type SendMessagesInput struct {
	SenderUserID   string
	SenderDeviceID string
	EventType      string
	TxnID          string
	Messages       map[string]map[string]json.RawMessage
}

// SendMessages enqueues a batch. Unknown users are skipped with a warning.
func (s *Service) SendMessages(ctx context.Context, input *SendMessagesInput) error {
	if input.EventType == "" {
		return apperrors.MissingFieldError("event_type")
	}
	log := logger.FromContext(ctx)

	for userID, devices := range input.Messages {
		exists, err := s.accounts.UserExists(ctx, userID)
		if err != nil {
			return apperrors.DatabaseError(err)
		}
		if !exists {
			log.Warn("Dropping to-device message for unknown user", logger.UserID(userID))
			continue
		}

		for deviceID, content := range devices {
			targets := []string{deviceID}
			if deviceID == domain.AllDevices {
				if targets, err = s.accounts.Devices(ctx, userID); err != nil {
					return apperrors.DatabaseError(err)
				}
			}

			for _, target := range targets {
				err := s.Enqueue(ctx, &domain.ToDeviceMessage{
					UserID:       userID,
					DeviceID:     target,
					Sender:       input.SenderUserID,
					SenderDevice: input.SenderDeviceID,
					Type:         input.EventType,
					Content:      content,
					TxnID:        input.TxnID,
				})
				if err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// ReadInbox returns one page of a device's inbox. since is the opaque
// next_batch token of the previous page.
func (s *Service) ReadInbox(ctx context.Context, userID, deviceID, since string, limit int) (*domain.ToDeviceInbox, error) {
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}

	var pageState []byte
	if since != "" {
		var err error
		if pageState, err = base64.URLEncoding.DecodeString(since); err != nil {
			return nil, apperrors.ValidationError("invalid since token")
		}
	}

	messages, next, err := s.inbox.Page(ctx, userID, deviceID, limit, pageState)
	if err != nil {
		return nil, apperrors.StorageError(err)
	}
	if messages == nil {
		messages = []domain.ToDeviceMessage{}
	}

	out := &domain.ToDeviceInbox{Events: messages}
	if len(next) > 0 {
		out.NextBatch = base64.URLEncoding.EncodeToString(next)
	}
	return out, nil
}

// Ack deletes every message up to and including upTo
func (s *Service) Ack(ctx context.Context, userID, deviceID, upTo string) error {
	if upTo == "" {
		return apperrors.MissingFieldError("message_id")
	}
	if err := s.inbox.DeleteUpTo(ctx, userID, deviceID, upTo); err != nil {
		return apperrors.StorageError(fmt.Errorf("ack %s: %w", upTo, err))
	}
	return nil
}
