package domain

import (
	"encoding/json"
	"time"
)

// BackupAlgorithm is the only backup algorithm accepted
const BackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// KeyBackupVersion is one backup version of a user.
// Maps to the key_backup_versions table.
type KeyBackupVersion struct {
	UserID    string          `json:"-" db:"user_id"`
	Version   int64           `json:"version,string" db:"version"`
	Algorithm string          `json:"algorithm" db:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data" db:"auth_data"`
	ETag      string          `json:"etag" db:"etag"`
	Count     int64           `json:"count" db:"-"`
	Deleted   bool            `json:"-" db:"deleted"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// BackupAuthData is the part of auth_data the server reads
type BackupAuthData struct {
	PublicKey  string     `json:"public_key"`
	Signatures Signatures `json:"signatures,omitempty"`
}

// RoomKeyBackupEntry is one stored session ciphertext.
// Maps to the room_key_backup_entries table. SessionData is never altered.
type RoomKeyBackupEntry struct {
	UserID            string          `json:"-" db:"user_id"`
	Version           int64           `json:"-" db:"version"`
	RoomID            string          `json:"-" db:"room_id"`
	SessionID         string          `json:"-" db:"session_id"`
	FirstMessageIndex int             `json:"first_message_index" db:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count" db:"forwarded_count"`
	IsVerified        bool            `json:"is_verified" db:"is_verified"`
	SessionData       json.RawMessage `json:"session_data" db:"session_data"`
	CreatedAt         time.Time       `json:"-" db:"created_at"`
}

// KeyBackupData is one session entry on the wire
type KeyBackupData struct {
	FirstMessageIndex int             `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// RoomKeyBackup holds the sessions of one room
type RoomKeyBackup struct {
	Sessions map[string]KeyBackupData `json:"sessions"`
}

// RoomKeys is the hierarchical room → session → entry shape used by
// upload and download
type RoomKeys struct {
	Rooms map[string]RoomKeyBackup `json:"rooms"`
}

// EntriesToRoomKeys folds flat entries into the wire shape
func EntriesToRoomKeys(entries []RoomKeyBackupEntry) RoomKeys {
	out := RoomKeys{Rooms: make(map[string]RoomKeyBackup)}
	for _, e := range entries {
		room, ok := out.Rooms[e.RoomID]
		if !ok {
			room = RoomKeyBackup{Sessions: make(map[string]KeyBackupData)}
			out.Rooms[e.RoomID] = room
		}
		room.Sessions[e.SessionID] = KeyBackupData{
			FirstMessageIndex: e.FirstMessageIndex,
			ForwardedCount:    e.ForwardedCount,
			IsVerified:        e.IsVerified,
			SessionData:       e.SessionData,
		}
	}
	return out
}

// CreateBackupVersionRequest is the body of POST /v1/room_keys/version
type CreateBackupVersionRequest struct {
	Algorithm string          `json:"algorithm" binding:"required"`
	AuthData  json.RawMessage `json:"auth_data" binding:"required"`
}

// UpdateBackupVersionRequest replaces auth_data; algorithm must not change
type UpdateBackupVersionRequest struct {
	Algorithm string          `json:"algorithm,omitempty"`
	AuthData  json.RawMessage `json:"auth_data" binding:"required"`
}

// UploadRoomKeysResponse reports the new count and etag.
// Failures are keyed "<room_id>/<session_id>".
type UploadRoomKeysResponse struct {
	Count    int64              `json:"count"`
	ETag     string             `json:"etag"`
	Failures map[string]Failure `json:"failures,omitempty"`
}

// RecoverKeysRequest is the body of POST /v1/room_keys/recover
type RecoverKeysRequest struct {
	Version int64    `json:"version,string" binding:"required"`
	Rooms   []string `json:"rooms,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// RecoverKeysResponse returns ciphertext only. The client derives the
// backup private key and decrypts locally.
type RecoverKeysResponse struct {
	Version       int64                    `json:"version,string"`
	Rooms         map[string]RoomKeyBackup `json:"rooms"`
	TotalKeys     int64                    `json:"total_keys"`
	RecoveredKeys int64                    `json:"recovered_keys"`
	HasMore       bool                     `json:"has_more"`
}

// RecoveryProgress is the resumable state of a bulk recovery
type RecoveryProgress struct {
	UserID        string    `json:"user_id"`
	Version       int64     `json:"version,string"`
	TotalKeys     int64     `json:"total_keys"`
	RecoveredKeys int64     `json:"recovered_keys"`
	Offset        int64     `json:"offset"`
	Rooms         []string  `json:"rooms,omitempty"`
	Completed     bool      `json:"completed"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// VerifyBackupResponse is the result of a storage integrity pass
type VerifyBackupResponse struct {
	Version        int64    `json:"version,string"`
	Valid          bool     `json:"valid"`
	CheckedCount   int64    `json:"checked_count"`
	ExpectedCount  int64    `json:"expected_count"`
	InvalidEntries []string `json:"invalid_entries,omitempty"`
}

// BackupArchive is the exported download of one version
type BackupArchive struct {
	Version    int64     `json:"version,string"`
	ObjectName string    `json:"object_name"`
	URL        string    `json:"url"`
	Count      int64     `json:"count"`
	ExpiresAt  time.Time `json:"expires_at"`
}
