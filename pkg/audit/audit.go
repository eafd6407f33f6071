package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"e2ee-keyserver/pkg/constants"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Device key events
	EventDeviceKeysUpload AuditEventType = "device_keys_upload"
	EventDeviceKeysDelete AuditEventType = "device_keys_delete"

	// Cross-signing events
	EventCrossSigningSetup AuditEventType = "cross_signing_setup"
	EventCrossSigningReset AuditEventType = "cross_signing_reset"
	EventSignatureUpload   AuditEventType = "signature_upload"

	// Group session events
	EventSessionRotate AuditEventType = "session_rotate"

	// Backup events
	EventBackupCreate AuditEventType = "backup_version_create"
	EventBackupDelete AuditEventType = "backup_version_delete"
	EventBackupExport AuditEventType = "backup_version_export"

	// Key sharing between a user's devices
	EventKeyRequestFulfil AuditEventType = "room_key_request_fulfil"

	// Secret storage events
	EventSecretKeyPut    AuditEventType = "secret_storage_key_put"
	EventSecretKeyDelete AuditEventType = "secret_storage_key_delete"
	EventSecretPut       AuditEventType = "secret_put"
	EventSecretDelete    AuditEventType = "secret_delete"
)

// AuditEvent represents an audit log entry. It never carries key material.
type AuditEvent struct {
	EventID   uuid.UUID      `json:"event_id"`
	UserID    string         `json:"user_id,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	EventType AuditEventType `json:"event_type"`
	Resource  string         `json:"resource,omitempty"`
	Success   bool           `json:"success"`
	ErrorCode string         `json:"error_code,omitempty"`
	Details   string         `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Recorder is what services depend on
type Recorder interface {
	Log(ctx context.Context, event *AuditEvent) error
}

// AuditLogger appends events to a per-day redis list
type AuditLogger struct {
	redisClient *redis.Client
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(redisClient *redis.Client) *AuditLogger {
	return &AuditLogger{
		redisClient: redisClient,
	}
}

// Log stores an audit event
func (al *AuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	event.Timestamp = time.Now().UTC()
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key := fmt.Sprintf("audit:events:%s", event.Timestamp.Format("2006-01-02"))

	pipe := al.redisClient.TxPipeline()
	pipe.LPush(ctx, key, eventJSON)
	pipe.Expire(ctx, key, constants.AuditLogRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}

	return nil
}

// Nop discards events
type Nop struct{}

// Log implements Recorder
func (Nop) Log(context.Context, *AuditEvent) error { return nil }
