// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for key-store operations
	DefaultTimeout = 30 * time.Second

	// QueryKeysTimeout bounds remote device-key lookups in a batch query
	QueryKeysTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// WebSocket constants for the to-device stream
const (
	WebSocketWriteWait  = 10 * time.Second
	WebSocketPongWait   = 60 * time.Second
	WebSocketPingPeriod = (WebSocketPongWait * 9) / 10
	WebSocketMaxMessage = 64 * 1024
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Key directory limits
const (
	// MaxOneTimeKeysPerUpload caps a single upload_keys call
	MaxOneTimeKeysPerUpload = 100

	// MaxQueryUsers caps the number of users in one query_keys or claim_keys batch
	MaxQueryUsers = 1000

	// MaxShareUsers caps share_session fan-out per call
	MaxShareUsers = 500

	// ShareConcurrency bounds parallel per-user work in share_session
	ShareConcurrency = 16
)

// Backup constants
const (
	// MaxBackupSessionsPerUpload caps entries per backup upload call
	MaxBackupSessionsPerUpload = 10000

	// DefaultRecoveryChunk is the default number of sessions per recovery batch
	DefaultRecoveryChunk = 100

	// RecoveryProgressTTL keeps resumable recovery state around
	RecoveryProgressTTL = 7 * 24 * time.Hour

	// ArchiveURLExpiry is the validity period for presigned archive downloads
	ArchiveURLExpiry = 15 * time.Minute
)

// Key request constants
const (
	// KeyRequestPendingTTL is how long a request may wait for a holder to answer
	KeyRequestPendingTTL = 48 * time.Hour

	// KeyRequestRetention keeps closed requests around before cleanup deletes them
	KeyRequestRetention = 7 * 24 * time.Hour

	// MaxPendingKeyRequests caps what one listing returns
	MaxPendingKeyRequests = 100
)

// Secret storage constants
const (
	// MaxSecretsPerQuery caps names in one secret lookup or delete
	MaxSecretsPerQuery = 100

	// MaxSecretStorageKeys caps key descriptions per user
	MaxSecretStorageKeys = 16

	// MaxSecretSize caps one decoded ciphertext
	MaxSecretSize = 64 * 1024
)

// Audit log constants
const (
	// AuditLogRetention is the duration audit logs are retained
	AuditLogRetention = 90 * 24 * time.Hour // 90 days
)

// Pagination constants
const (
	// DefaultPageSize is the default number of to-device messages per page
	DefaultPageSize = 100

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 1000
)
