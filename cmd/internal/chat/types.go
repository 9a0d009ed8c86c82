package chat

import (
	"errors"
	"time"
)

// ConnectionState mirrors the provider connection state machine.
type ConnectionState uint8

const (
	StateInitialized ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateSuspended
	StateClosing
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateSuspended:
		return "suspended"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionStateChange is emitted on every provider state transition.
type ConnectionStateChange struct {
	Previous ConnectionState
	Current  ConnectionState
	// Reason is set when the transition was caused by an error.
	Reason error
}

// ChannelEvent names the channel-level events a session listens for once.
type ChannelEvent uint8

const (
	ChannelAttached ChannelEvent = iota + 1
	ChannelDetached
	ChannelFailed
)

func (e ChannelEvent) String() string {
	switch e {
	case ChannelAttached:
		return "attached"
	case ChannelDetached:
		return "detached"
	case ChannelFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Direction orders a history query.
type Direction uint8

const (
	Backwards Direction = iota
	Forwards
)

func (d Direction) String() string {
	if d == Forwards {
		return "forwards"
	}
	return "backwards"
}

// HistoryQuery bounds a message or presence history request.
type HistoryQuery struct {
	Limit     int
	Direction Direction
	// UntilAttach stops retrieval at the moment the channel was attached.
	UntilAttach bool
}

// Message is a chat message received from the channel. Immutable once received.
type Message struct {
	ID        string
	ClientID  string
	Name      string
	Text      string
	Timestamp time.Time
}

// PresenceAction is the membership action carried by a presence record.
type PresenceAction uint8

const (
	PresenceAbsent PresenceAction = iota
	PresencePresent
	PresenceEnter
	PresenceLeave
	PresenceUpdate
)

func (a PresenceAction) String() string {
	switch a {
	case PresenceAbsent:
		return "absent"
	case PresencePresent:
		return "present"
	case PresenceEnter:
		return "enter"
	case PresenceLeave:
		return "leave"
	case PresenceUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// PresenceData is the member state attached to presence records.
type PresenceData struct {
	IsTyping bool
}

// PresenceMessage is one presence record. Immutable once received.
type PresenceMessage struct {
	ID           string
	ClientID     string
	ConnectionID string
	Action       PresenceAction
	Data         PresenceData
	Timestamp    time.Time
}

// HistoryItem is an entry of a merged history: either a Message or a PresenceMessage.
type HistoryItem interface {
	historyTime() time.Time
}

func (m Message) historyTime() time.Time         { return m.Timestamp }
func (p PresenceMessage) historyTime() time.Time { return p.Timestamp }

// ErrNotConnected is the cause reported when an operation needs a channel and none exists.
var ErrNotConnected = errors.New("chat: not connected")
