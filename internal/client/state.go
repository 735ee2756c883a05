package client

import (
	"fmt"
	"slices"
)

// State is the lifecycle of one relay session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRoomCreated  State = "room-created"
	StateRoomJoined   State = "room-joined"
	StateError        State = "error"
	StateTimeout      State = "timeout"
)

// Any state may move to StateDisconnected.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError, StateTimeout},
	StateConnected:    {StateRoomCreated, StateRoomJoined, StateError, StateTimeout},
	StateRoomCreated:  {StateRoomCreated, StateRoomJoined, StateError, StateTimeout},
	StateRoomJoined:   {StateRoomJoined, StateRoomCreated, StateConnected, StateError, StateTimeout},
	StateError:        {StateConnecting, StateRoomCreated, StateRoomJoined, StateTimeout},
	StateTimeout:      {StateConnecting, StateRoomCreated, StateRoomJoined, StateError},
}

// CanTransition reports whether the session may move from one state to another.
func CanTransition(from, to State) bool {
	if to == StateDisconnected {
		return true
	}
	return slices.Contains(transitions[from], to)
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	return nil
}
