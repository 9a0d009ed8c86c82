package chat

import "time"

// Provider opens realtime connections. It is the external collaborator doing all network I/O.
type Provider interface {
	Open(cfg SessionConfig) Connection
}

// Connection is a provider connection. Every callback must be delivered on the session's delivery context.
type Connection interface {
	// State returns the current connection state.
	State() ConnectionState
	// On registers fn for every state change.
	On(fn func(ConnectionStateChange))
	// Once registers fn for the next transition into state.
	Once(state ConnectionState, fn func(ConnectionStateChange))
	// Off removes every listener registered through On and Once.
	Off()
	// Channel returns the handle for name, creating it if needed.
	Channel(name string) Channel
	// Reconnect asks the provider to re-establish the transport. No-op when already connected.
	Reconnect()
	// Close closes the connection gracefully.
	Close()
}

// Channel is a handle on one named pub/sub channel.
type Channel interface {
	Name() string
	Attach()
	Subscribe(fn func(Message))
	// Unsubscribe removes every message listener and every pending Once listener.
	Unsubscribe()
	// Once registers fn for the next occurrence of ev; the error is the provider's reason, if any.
	Once(ev ChannelEvent, fn func(error))
	Publish(name, text string, done func(error))
	History(q HistoryQuery, done func([]Message, error))
	Presence() Presence
}

// Presence is the presence side of a Channel.
type Presence interface {
	Enter(data PresenceData, done func(error))
	// Update sends new presence data; done may be nil.
	Update(data PresenceData, done func(error))
	Subscribe(fn func(PresenceMessage))
	Unsubscribe()
	Get(done func([]PresenceMessage, error))
	History(q HistoryQuery, done func([]PresenceMessage, error))
}

// Scheduler runs fn after d on the session's delivery context.
// The returned stop function cancels a pending call and reports whether it did.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}
