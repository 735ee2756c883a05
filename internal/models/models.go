package models

import (
	"time"
)

type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

type DeviceInfo struct {
	Name string `json:"name" validate:"required,max=64"`
	Type string `json:"type" validate:"max=32"`
}

// FileDescriptor announces one file of a sender's catalog. ID is unique within a room.
type FileDescriptor struct {
	ID       string `json:"id" validate:"required,max=128"`
	Name     string `json:"name" validate:"required,max=255"`
	Size     uint64 `json:"size"`
	MimeType string `json:"mimeType" validate:"max=255"`
}

type ConnectionRecord struct {
	ConnID     string     `json:"connId"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
	Role       Role       `json:"role"`
	RoomCode   string     `json:"roomCode,omitempty"`
}

type RoomEventKind string

const (
	RoomCreated    RoomEventKind = "room_created"
	ReceiverJoined RoomEventKind = "receiver_joined"
	ReceiverLeft   RoomEventKind = "receiver_left"
	RoomClosed     RoomEventKind = "room_closed"
)

// RoomEvent is one entry of the room lifecycle audit trail.
type RoomEvent struct {
	RoomCode   string        `json:"roomCode"`
	Kind       RoomEventKind `json:"kind"`
	ConnID     string        `json:"connId"`
	DeviceName string        `json:"deviceName"`
	Timestamp  time.Time     `json:"timestamp"`
}

// CloneFiles returns a copy of a catalog so callers never share backing arrays.
func CloneFiles(files []FileDescriptor) []FileDescriptor {
	out := make([]FileDescriptor, len(files))
	copy(out, files)
	return out
}
