package presence

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected      = errors.New("presence: not connected")
	ErrInvalidTransition = errors.New("presence: invalid state transition")
	ErrClosed            = errors.New("presence: connection deactivated")
)

// ConnectionState is where a Connection is in its lifecycle.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Trigger is something that happened to a Connection.
type Trigger int

const (
	TriggerActivate Trigger = iota
	TriggerTransportUp
	TriggerTransportLost
	TriggerRetry
	TriggerDeactivate
)

func (t Trigger) String() string {
	switch t {
	case TriggerActivate:
		return "activate"
	case TriggerTransportUp:
		return "transport_up"
	case TriggerTransportLost:
		return "transport_lost"
	case TriggerRetry:
		return "retry"
	case TriggerDeactivate:
		return "deactivate"
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

type edge struct {
	from ConnectionState
	on   Trigger
}

var transitions = map[edge]ConnectionState{
	{Disconnected, TriggerActivate}:    Connecting,
	{Connecting, TriggerTransportUp}:   Connected,
	{Connecting, TriggerTransportLost}: Reconnecting,
	{Connected, TriggerTransportLost}:  Reconnecting,
	{Reconnecting, TriggerRetry}:       Connecting,
}

// Transition returns the state reached from from on t. Deactivate is valid
// from anywhere.
func Transition(from ConnectionState, t Trigger) (ConnectionState, error) {
	if t == TriggerDeactivate {
		return Disconnected, nil
	}
	if to, ok := transitions[edge{from, t}]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, t)
}

// ConnectionEvent describes one state change.
type ConnectionEvent struct {
	From    ConnectionState
	To      ConnectionState
	Trigger Trigger
	At      time.Time

	// Err is why the transport went away, for TransportLost.
	Err error
}
