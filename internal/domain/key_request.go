package domain

import "time"

const (
	// ToDeviceRoomKeyRequest asks a user's other devices for a session key
	ToDeviceRoomKeyRequest = "m.room_key_request"
	// ToDeviceForwardedRoomKey carries a session key from a holder to a requester
	ToDeviceForwardedRoomKey = "m.forwarded_room_key"
)

// KeyRequestState is the lifecycle state of a room key request
type KeyRequestState string

const (
	KeyRequestPending   KeyRequestState = "pending"
	KeyRequestFulfilled KeyRequestState = "fulfilled"
	KeyRequestCancelled KeyRequestState = "cancelled"
)

// KeyRequestFulfilledByServer marks requests the key server answered itself
const KeyRequestFulfilledByServer = "server"

// RoomKeyRequest is one device asking for a group session it is missing.
// Maps to the room_key_requests table.
type RoomKeyRequest struct {
	RequestID   string          `json:"request_id" db:"request_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	DeviceID    string          `json:"device_id" db:"device_id"`
	RoomID      string          `json:"room_id" db:"room_id"`
	SessionID   string          `json:"session_id" db:"session_id"`
	SenderKey   string          `json:"sender_key" db:"sender_key"`
	Algorithm   string          `json:"algorithm" db:"algorithm"`
	State       KeyRequestState `json:"state" db:"state"`
	FulfilledBy *string         `json:"fulfilled_by,omitempty" db:"fulfilled_by"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// RoomKeyRequestBody names the session being asked for
type RoomKeyRequestBody struct {
	Algorithm string `json:"algorithm" binding:"required"`
	RoomID    string `json:"room_id" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
	SenderKey string `json:"sender_key" binding:"required"`
}

// Actions of an m.room_key_request event
const (
	KeyRequestActionRequest = "request"
	KeyRequestActionCancel  = "request_cancellation"
)

// RoomKeyRequestContent is the m.room_key_request to-device payload
type RoomKeyRequestContent struct {
	Action             string              `json:"action"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
	RequestID          string              `json:"request_id"`
	RequestingDeviceID string              `json:"requesting_device_id"`
}

// ForwardedRoomKeyContent is the payload sealed to a requesting device.
// ForwardedCount counts the hops since the key left the session owner.
type ForwardedRoomKeyContent struct {
	RoomKeyContent
	SenderKey      string `json:"sender_key"`
	ForwardedCount int    `json:"forwarded_count"`
}

// RequestRoomKeyResponse tells the requester how the request was handled.
// Fulfilled is set when the key server forwarded the key itself; otherwise
// SentTo lists the devices asked on the requester's behalf.
type RequestRoomKeyResponse struct {
	Request   *RoomKeyRequest `json:"request"`
	Fulfilled bool            `json:"fulfilled"`
	SentTo    []string        `json:"sent_to"`
}

// FulfilRoomKeyRequest is the body of POST /v1/room_keys/requests/:request_id/fulfil
type FulfilRoomKeyRequest struct {
	DeviceID string `json:"device_id,omitempty"`
}
