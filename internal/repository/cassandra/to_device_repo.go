package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"e2ee-keyserver/internal/domain"
)

// ToDeviceRepository stores per-device inboxes in Cassandra.
// One partition per (user_id, device_id), clustered by a timeuuid so pages
// come back in send order.
type ToDeviceRepository struct {
	session   *gocql.Session
	retention time.Duration
}

// NewToDeviceRepository creates a new ToDeviceRepository. Messages expire
// after retention through the row TTL.
func NewToDeviceRepository(session *gocql.Session, retention time.Duration) *ToDeviceRepository {
	return &ToDeviceRepository{session: session, retention: retention}
}

// EnsureSchema creates the inbox table if needed
func (r *ToDeviceRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS to_device_inbox (
			user_id text,
			device_id text,
			message_id timeuuid,
			sender text,
			sender_device text,
			event_type text,
			content blob,
			txn_id text,
			created_at timestamp,
			PRIMARY KEY ((user_id, device_id), message_id)
		) WITH CLUSTERING ORDER BY (message_id ASC)
	`
	if err := r.session.Query(query).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to create to_device_inbox: %w", err)
	}
	return nil
}

// Save appends a message to the device's inbox and fills in its ID
func (r *ToDeviceRepository) Save(ctx context.Context, msg *domain.ToDeviceMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	id := gocql.UUIDFromTime(msg.CreatedAt)
	msg.MessageID = id.String()

	query := `
		INSERT INTO to_device_inbox (
			user_id, device_id, message_id, sender, sender_device,
			event_type, content, txn_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		USING TTL ?
	`

	err := r.session.Query(query,
		msg.UserID,
		msg.DeviceID,
		id,
		msg.Sender,
		msg.SenderDevice,
		msg.Type,
		[]byte(msg.Content),
		msg.TxnID,
		msg.CreatedAt,
		int(r.retention.Seconds()),
	).WithContext(ctx).Exec()

	if err != nil {
		return fmt.Errorf("failed to save to-device message: %w", err)
	}

	return nil
}

// Page reads the oldest messages of an inbox with cursor pagination
func (r *ToDeviceRepository) Page(ctx context.Context, userID, deviceID string, limit int, pageState []byte) ([]domain.ToDeviceMessage, []byte, error) {
	query := `
		SELECT message_id, sender, sender_device, event_type, content, txn_id, created_at
		FROM to_device_inbox
		WHERE user_id = ? AND device_id = ?
	`

	iter := r.session.Query(query, userID, deviceID).
		WithContext(ctx).
		PageSize(limit).
		PageState(pageState).
		Iter()

	var messages []domain.ToDeviceMessage
	for {
		var (
			id      gocql.UUID
			content []byte
		)
		msg := domain.ToDeviceMessage{UserID: userID, DeviceID: deviceID}
		if !iter.Scan(&id, &msg.Sender, &msg.SenderDevice, &msg.Type, &content, &msg.TxnID, &msg.CreatedAt) {
			break
		}
		msg.MessageID = id.String()
		msg.Content = content
		messages = append(messages, msg)
	}

	// Page state must be read before Close
	nextPageState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to fetch to-device messages: %w", err)
	}

	return messages, nextPageState, nil
}

// DeleteUpTo removes every message up to and including upTo
func (r *ToDeviceRepository) DeleteUpTo(ctx context.Context, userID, deviceID, upTo string) error {
	id, err := gocql.ParseUUID(upTo)
	if err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}

	query := `DELETE FROM to_device_inbox WHERE user_id = ? AND device_id = ? AND message_id <= ?`
	if err := r.session.Query(query, userID, deviceID, id).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to delete to-device messages: %w", err)
	}
	return nil
}
