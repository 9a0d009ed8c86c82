package chat

import "errors"

// Error kinds. Every provider failure reaches the observer as an *Error wrapping one of these.
var (
	ErrConnection    = errors.New("chat: connection error")
	ErrPublish       = errors.New("chat: publish failed")
	ErrPresenceEnter = errors.New("chat: presence enter failed")
	ErrPresenceQuery = errors.New("chat: presence query failed")
	ErrHistoryQuery  = errors.New("chat: history query failed")
)

// Error is the single error event type forwarded to the observer.
// errors.Is matches both the kind and the provider cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg += " (" + e.Op + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
