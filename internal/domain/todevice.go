package domain

import (
	"encoding/json"
	"time"
)

// ToDeviceRoomKey is the event type carrying a sealed room key
const ToDeviceRoomKey = "m.room_key"

// AllDevices addresses every device of a user in SendToDevice
const AllDevices = "*"

// ToDeviceMessage is one message queued for a single device.
// Maps to the cassandra to_device_inbox table.
type ToDeviceMessage struct {
	UserID       string          `json:"-"`
	DeviceID     string          `json:"-"`
	MessageID    string          `json:"message_id"`
	Sender       string          `json:"sender"`
	SenderDevice string          `json:"sender_device,omitempty"`
	Type         string          `json:"type"`
	Content      json.RawMessage `json:"content"`
	TxnID        string          `json:"txn_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SendToDeviceRequest is the body of PUT /v1/sendToDevice/:event_type/:txn_id
type SendToDeviceRequest struct {
	Messages map[string]map[string]json.RawMessage `json:"messages" binding:"required"`
}

// ToDeviceInbox is one page of a device inbox
type ToDeviceInbox struct {
	Events    []ToDeviceMessage `json:"events"`
	NextBatch string            `json:"next_batch,omitempty"`
}
