package eventbus

import "github.com/wqdsca/police-thief-core/internal/v1/protocol"

// Payload shapes carried by events. They marshal directly into the outbound
// frame's payload object.

// UserPayload backs user_joined / user_left / user_kicked events.
type UserPayload struct {
	RoomID int64  `json:"room_id"`
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// HostChangedPayload announces host promotion after the prior host left.
type HostChangedPayload struct {
	RoomID int64  `json:"room_id"`
	HostID string `json:"host_id"`
}

// ReadyChangedPayload announces a member's ready toggle.
type ReadyChangedPayload struct {
	RoomID  int64  `json:"room_id"`
	UserID  string `json:"user_id"`
	IsReady bool   `json:"is_ready"`
}

// RoomStatusPayload announces a room lifecycle transition.
type RoomStatusPayload struct {
	RoomID int64  `json:"room_id"`
	Status string `json:"status"`
}

// RoomClosedPayload announces room destruction.
type RoomClosedPayload struct {
	RoomID int64  `json:"room_id"`
	Reason string `json:"reason,omitempty"`
}

// ChatPayload backs chat fan-out events.
type ChatPayload struct {
	RoomID int64  `json:"room_id"`
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Text   string `json:"text"`
	TS     int64  `json:"ts"`
}

// MovePayload backs member_moved fan-out events.
type MovePayload struct {
	RoomID   int64              `json:"room_id"`
	UserID   string             `json:"user_id"`
	Position protocol.Position  `json:"position"`
	Rotation *protocol.Position `json:"rotation,omitempty"`
}
