package client

import (
	"encoding/json"
	"slices"
	"sync"

	"quickdrop/internal/models"
	"quickdrop/internal/transfer"
)

type StateChanged struct {
	From State
	To   State
}

type ReceiverJoined struct {
	ReceiverID string
	DeviceInfo models.DeviceInfo
}

type FilesUpdated struct {
	Files []models.FileDescriptor
}

type FileRequested struct {
	FileID      string
	RequesterID string
}

type SenderDisconnected struct{}

type ReceiverDisconnected struct {
	ReceiverID string
}

// Signal is a negotiation message relayed from another peer.
type Signal struct {
	Type     string
	SenderID string
	Payload  json.RawMessage
}

// ErrorReceived is a relay error that no pending call claimed.
type ErrorReceived struct {
	Message string
}

type TransferProgress struct {
	FileID  string
	Percent float64
}

type FileReceived struct {
	File transfer.ReceivedFile
}

type TransferFailed struct {
	FileID string
	Err    error
}

// Disconnected is published once when the relay socket goes away without Dispose.
type Disconnected struct {
	Err error
}

type subscriber struct {
	id int
	fn func(any)
}

// Bus fans events out to any number of subscribers in subscription order.
// Handlers run on the publishing goroutine and must not wait on room calls
// of the same session.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs []subscriber
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for every event and returns its unsubscribe func.
func (b *Bus) Subscribe(fn func(any)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscriber) bool { return s.id == id })
	}
}

func (b *Bus) Publish(event any) {
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(event)
	}
}

// On subscribes fn to events of type T only.
func On[T any](b *Bus, fn func(T)) func() {
	return b.Subscribe(func(event any) {
		if ev, ok := event.(T); ok {
			fn(ev)
		}
	})
}
