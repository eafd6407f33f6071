package domain

import (
	"strings"
	"time"

	"e2ee-keyserver/pkg/keycrypto"
)

// MegolmAlgorithm is the only group session algorithm served
const MegolmAlgorithm = "m.megolm.v1.aes-sha2"

// SessionState is the lifecycle state of a group session
type SessionState string

const (
	SessionCreated    SessionState = "created"
	SessionActive     SessionState = "active"
	SessionRotating   SessionState = "rotating"
	SessionSuperseded SessionState = "superseded"
)

// RotationReason explains why a session was replaced
type RotationReason string

const (
	RotationManual     RotationReason = "manual"
	RotationMessages   RotationReason = "message_limit"
	RotationAge        RotationReason = "age"
	RotationMembership RotationReason = "membership"
)

// MegolmSession is a group session bound to one room.
// Maps to the megolm_sessions table. WrappedSeed is the seed sealed
// under the server wrap key and is never serialised. SharedWith lists users
// with at least one device holding the key; SharedDevices records, per
// "user|device", the chain index that device received.
type MegolmSession struct {
	SessionID     string            `json:"session_id" db:"session_id"`
	RoomID        string            `json:"room_id" db:"room_id"`
	SenderKey     string            `json:"sender_key" db:"sender_key"`
	WrappedSeed   []byte            `json:"-" db:"wrapped_seed"`
	Algorithm     string            `json:"algorithm" db:"algorithm"`
	MessageIndex  uint32            `json:"message_index" db:"message_index"`
	State         SessionState      `json:"state" db:"state"`
	SharedWith    []string          `json:"shared_with" db:"shared_with"`
	SharedDevices map[string]uint32 `json:"-" db:"shared_devices"`
	SupersededBy  *string           `json:"superseded_by,omitempty" db:"superseded_by"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	LastUsedAt    time.Time         `json:"last_used_at" db:"last_used_at"`
	ExpiresAt     time.Time         `json:"expires_at" db:"expires_at"`
}

// Usable reports whether new messages may be encrypted under the session
func (s *MegolmSession) Usable(now time.Time) bool {
	if s.State == SessionSuperseded || s.State == SessionRotating {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// Clone returns a copy that does not share slices or maps with s
func (s *MegolmSession) Clone() *MegolmSession {
	out := *s
	out.WrappedSeed = append([]byte(nil), s.WrappedSeed...)
	out.SharedWith = append([]string(nil), s.SharedWith...)
	out.SharedDevices = make(map[string]uint32, len(s.SharedDevices))
	for k, v := range s.SharedDevices {
		out.SharedDevices[k] = v
	}
	if s.SupersededBy != nil {
		next := *s.SupersededBy
		out.SupersededBy = &next
	}
	return &out
}

// DeviceGrantKey names one device in SharedDevices
func DeviceGrantKey(userID, deviceID string) string {
	return userID + "|" + deviceID
}

// HasDevice reports whether the device already received the key
func (s *MegolmSession) HasDevice(userID, deviceID string) bool {
	_, ok := s.SharedDevices[DeviceGrantKey(userID, deviceID)]
	return ok
}

// FirstIndexFor returns the lowest chain index any device of the user was
// given. Forwarded keys never start earlier than this.
func (s *MegolmSession) FirstIndexFor(userID string) (uint32, bool) {
	var (
		first uint32
		found bool
	)
	prefix := userID + "|"
	for k, index := range s.SharedDevices {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !found || index < first {
			first, found = index, true
		}
	}
	return first, found
}

// RoomKeyContent is the m.room_key payload sealed to each recipient device
type RoomKeyContent struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	ChainIndex uint32 `json:"chain_index"`
}

// OlmAlgorithm labels room keys sealed to a single device
const OlmAlgorithm = "m.olm.v1.curve25519-aes-sha2"

// SealedRoomKey is the to-device content carrying a RoomKeyContent sealed
// to one claimed one-time key of the recipient device
type SealedRoomKey struct {
	Algorithm    string             `json:"algorithm"`
	SenderKey    string             `json:"sender_key"`
	SessionID    string             `json:"session_id"`
	OneTimeKeyID string             `json:"one_time_key_id"`
	Envelope     keycrypto.Envelope `json:"envelope"`
}

// EncryptedGroupMessage is what Encrypt hands back to the sender
type EncryptedGroupMessage struct {
	Algorithm    string `json:"algorithm"`
	SenderKey    string `json:"sender_key"`
	SessionID    string `json:"session_id"`
	MessageIndex uint32 `json:"message_index"`
	Ciphertext   string `json:"ciphertext"`
}

// CreateSessionRequest is the body of POST /v1/rooms/:room_id/sessions
type CreateSessionRequest struct {
	SenderKey string `json:"sender_key" binding:"required"`
}

// EncryptRequest carries base64 plaintext
type EncryptRequest struct {
	SenderKey string `json:"sender_key,omitempty"`
	Plaintext string `json:"plaintext" binding:"required"`
}

// DecryptRequest carries base64 ciphertext
type DecryptRequest struct {
	Ciphertext string `json:"ciphertext" binding:"required"`
}

// DecryptResponse returns the plaintext and the index it was sent at
type DecryptResponse struct {
	SessionID    string `json:"session_id"`
	MessageIndex uint32 `json:"message_index"`
	Plaintext    string `json:"plaintext"`
}

// RotateSessionRequest is the body of POST /v1/sessions/:session_id/rotate
type RotateSessionRequest struct {
	Reason RotationReason `json:"reason,omitempty"`
}

// ShareSessionRequest is the body of POST /v1/sessions/:session_id/share
type ShareSessionRequest struct {
	UserIDs []string `json:"user_ids" binding:"required,min=1"`
}

// EncryptForRoomResponse is the result of an encrypt that picks the
// session itself. Rotation and any key sharing it caused are reported.
type EncryptForRoomResponse struct {
	Message *EncryptedGroupMessage `json:"message"`
	Rotated bool                   `json:"rotated"`
	Reason  RotationReason         `json:"rotation_reason,omitempty"`
	Shared  *ShareSessionResponse  `json:"shared,omitempty"`
}

// ShareSessionResponse lists the devices that received the key. Failures
// holds users that got nothing; FailedDevices holds the devices left
// without the key, which the next share retries.
type ShareSessionResponse struct {
	SessionID     string                        `json:"session_id"`
	Shared        map[string][]string           `json:"shared"`
	Failures      map[string]Failure            `json:"failures"`
	FailedDevices map[string]map[string]Failure `json:"failed_devices"`
}
