package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations bootstraps the key store. Statements are idempotent and run in order.
var migrations = []string{
	// Collaborator tables, owned by the account and room services
	`CREATE TABLE IF NOT EXISTS accounts (
		user_id STRING PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS devices (
		user_id STRING NOT NULL,
		device_id STRING NOT NULL,
		display_name STRING,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, device_id)
	)`,

	`CREATE TABLE IF NOT EXISTS room_members (
		room_id STRING NOT NULL,
		user_id STRING NOT NULL,
		membership STRING NOT NULL DEFAULT 'join',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (room_id, user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members (user_id, membership)`,

	// Device identity keys, one row per (user, device, key_id)
	`CREATE TABLE IF NOT EXISTS device_keys (
		user_id STRING NOT NULL,
		device_id STRING NOT NULL,
		key_id STRING NOT NULL,
		algorithm STRING NOT NULL,
		public_key STRING NOT NULL,
		algorithms JSONB NOT NULL DEFAULT '[]',
		signatures JSONB NOT NULL DEFAULT '{}',
		unsigned JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, device_id, key_id)
	)`,

	`CREATE TABLE IF NOT EXISTS one_time_keys (
		user_id STRING NOT NULL,
		device_id STRING NOT NULL,
		key_id STRING NOT NULL,
		algorithm STRING NOT NULL,
		public_key STRING NOT NULL,
		key_json JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, device_id, key_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_one_time_keys_alg ON one_time_keys (user_id, device_id, algorithm, created_at)`,

	// Claimed key ids are remembered so a re-upload is a no-op
	`CREATE TABLE IF NOT EXISTS claimed_one_time_keys (
		user_id STRING NOT NULL,
		device_id STRING NOT NULL,
		key_id STRING NOT NULL,
		claimed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, device_id, key_id)
	)`,

	`CREATE TABLE IF NOT EXISTS fallback_keys (
		user_id STRING NOT NULL,
		device_id STRING NOT NULL,
		algorithm STRING NOT NULL,
		key_id STRING NOT NULL,
		public_key STRING NOT NULL,
		key_json JSONB NOT NULL,
		used BOOL NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, device_id, algorithm)
	)`,

	`CREATE TABLE IF NOT EXISTS device_key_changes (
		stream_id BIGSERIAL PRIMARY KEY,
		user_id STRING NOT NULL,
		device_id STRING NOT NULL DEFAULT '',
		deleted BOOL NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_device_key_changes_user ON device_key_changes (user_id, stream_id)`,

	// Cross-signing
	`CREATE TABLE IF NOT EXISTS cross_signing_keys (
		user_id STRING NOT NULL,
		key_type STRING NOT NULL,
		key_id STRING NOT NULL,
		public_key STRING NOT NULL,
		key_json JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, key_type)
	)`,

	`CREATE TABLE IF NOT EXISTS cross_signing_signatures (
		signer_user_id STRING NOT NULL,
		signer_key_id STRING NOT NULL,
		target_user_id STRING NOT NULL,
		target_kind STRING NOT NULL,
		target_id STRING NOT NULL,
		signature STRING NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (signer_user_id, signer_key_id, target_user_id, target_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_cross_signing_signatures_target ON cross_signing_signatures (target_user_id, target_id)`,

	// Group sessions. wrapped_seed is sealed under the server wrap key.
	`CREATE TABLE IF NOT EXISTS megolm_sessions (
		session_id STRING PRIMARY KEY,
		room_id STRING NOT NULL,
		sender_key STRING NOT NULL,
		wrapped_seed BYTES NOT NULL,
		algorithm STRING NOT NULL,
		message_index INT8 NOT NULL DEFAULT 0,
		state STRING NOT NULL,
		shared_with JSONB NOT NULL DEFAULT '[]',
		shared_devices JSONB NOT NULL DEFAULT '{}',
		superseded_by STRING,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_used_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ NOT NULL
	)`,

	`ALTER TABLE megolm_sessions ADD COLUMN IF NOT EXISTS shared_devices JSONB NOT NULL DEFAULT '{}'`,
	`CREATE INDEX IF NOT EXISTS idx_megolm_sessions_room ON megolm_sessions (room_id, sender_key, state)`,
	`CREATE INDEX IF NOT EXISTS idx_megolm_sessions_expiry ON megolm_sessions (expires_at)`,

	// Backups. session_data is stored as raw bytes so it is served back unchanged.
	`CREATE TABLE IF NOT EXISTS key_backup_versions (
		user_id STRING NOT NULL,
		version INT8 NOT NULL,
		algorithm STRING NOT NULL,
		auth_data JSONB NOT NULL,
		etag INT8 NOT NULL DEFAULT 0,
		deleted BOOL NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS room_key_backup_entries (
		user_id STRING NOT NULL,
		version INT8 NOT NULL,
		room_id STRING NOT NULL,
		session_id STRING NOT NULL,
		first_message_index INT8 NOT NULL,
		forwarded_count INT8 NOT NULL,
		is_verified BOOL NOT NULL,
		session_data BYTES NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, version, room_id, session_id)
	)`,

	// Room key requests. At most one pending request per device and session.
	`CREATE TABLE IF NOT EXISTS room_key_requests (
		request_id STRING PRIMARY KEY,
		user_id STRING NOT NULL,
		device_id STRING NOT NULL,
		room_id STRING NOT NULL,
		session_id STRING NOT NULL,
		sender_key STRING NOT NULL,
		algorithm STRING NOT NULL,
		state STRING NOT NULL DEFAULT 'pending',
		fulfilled_by STRING,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_room_key_requests_pending
		ON room_key_requests (user_id, device_id, session_id) WHERE state = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_room_key_requests_user ON room_key_requests (user_id, state, created_at)`,

	// Secret storage. Secrets are opaque ciphertext keyed by storage key id.
	`CREATE TABLE IF NOT EXISTS secret_storage_keys (
		user_id STRING NOT NULL,
		key_id STRING NOT NULL,
		algorithm STRING NOT NULL,
		name STRING NOT NULL DEFAULT '',
		passphrase JSONB,
		key_check JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, key_id)
	)`,

	`CREATE TABLE IF NOT EXISTS secret_storage_default (
		user_id STRING PRIMARY KEY,
		key_id STRING NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS stored_secrets (
		user_id STRING NOT NULL,
		name STRING NOT NULL,
		encrypted JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, name)
	)`,
}

// Migrate creates the tables the key service needs
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i, err)
		}
	}
	return nil
}
