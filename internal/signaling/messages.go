package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"quickdrop/internal/models"
)

// Inbound message types.
const (
	TypeCreateRoom         = "create-room"
	TypeJoinRoom           = "join-room"
	TypeUpdateFiles        = "update-files"
	TypeWebRTCOffer        = "webrtc-offer"
	TypeWebRTCAnswer       = "webrtc-answer"
	TypeWebRTCICECandidate = "webrtc-ice-candidate"
	TypeRequestFile        = "request-file"
)

// Outbound message types.
const (
	TypeRoomCreated          = "room-created"
	TypeRoomJoined           = "room-joined"
	TypeReceiverJoined       = "receiver-joined"
	TypeFilesUpdated         = "files-updated"
	TypeFileRequested        = "file-requested"
	TypeSenderDisconnected   = "sender-disconnected"
	TypeReceiverDisconnected = "receiver-disconnected"
	TypeError                = "error"
)

var (
	ErrInvalidPayload     = errors.New("signaling: invalid payload")
	ErrUnknownMessageType = errors.New("signaling: unknown message type")
	ErrUnknownRelayTarget = errors.New("signaling: unknown relay target")
	ErrDuplicateFileID    = errors.New("signaling: duplicate file id in catalog")
	ErrPeerQueueFull      = errors.New("signaling: peer queue full")
	ErrPeerClosed         = errors.New("signaling: peer closed")
)

var validate = validator.New()

// Envelope wraps every relay message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CreateRoomPayload struct {
	DeviceInfo models.DeviceInfo `json:"deviceInfo"`
}

type RoomCreatedPayload struct {
	Code string `json:"code"`
}

type JoinRoomPayload struct {
	Code       string            `json:"code" validate:"required,max=16"`
	DeviceInfo models.DeviceInfo `json:"deviceInfo"`
}

type RoomJoinedPayload struct {
	Files      []models.FileDescriptor `json:"files"`
	SenderID   string                  `json:"senderId"`
	SenderInfo models.DeviceInfo       `json:"senderInfo"`
}

type ReceiverJoinedPayload struct {
	ReceiverID string            `json:"receiverId"`
	DeviceInfo models.DeviceInfo `json:"deviceInfo"`
}

type UpdateFilesPayload struct {
	Files []models.FileDescriptor `json:"files" validate:"max=1024,dive"`
}

type FilesUpdatedPayload struct {
	Files []models.FileDescriptor `json:"files"`
}

// SignalPayload carries negotiation data the relay forwards without reading it.
type SignalPayload struct {
	TargetID string          `json:"targetId" validate:"required"`
	Payload  json.RawMessage `json:"payload"`
}

type RelayedSignalPayload struct {
	SenderID string          `json:"senderId"`
	Payload  json.RawMessage `json:"payload"`
}

type RequestFilePayload struct {
	FileID   string `json:"fileId" validate:"required,max=128"`
	TargetID string `json:"targetId" validate:"required"`
}

type FileRequestedPayload struct {
	FileID      string `json:"fileId"`
	RequesterID string `json:"requesterId"`
}

type ReceiverDisconnectedPayload struct {
	ReceiverID string `json:"receiverId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Encode builds the wire form of one envelope. A nil payload is omitted.
func Encode(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses an envelope without touching its payload.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	}
	return env, nil
}

// DecodePayload unmarshals and validates a typed payload.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := validate.Struct(p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// IsSignalType reports whether msgType is forwarded verbatim between peers.
func IsSignalType(msgType string) bool {
	switch msgType {
	case TypeWebRTCOffer, TypeWebRTCAnswer, TypeWebRTCICECandidate:
		return true
	}
	return false
}
