package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	v1 "huddle/contracts/realtime/v1"
)

// ErrInvalidInput is returned by stores for requests missing required fields.
var ErrInvalidInput = errors.New("realtime: invalid input")

// Direction orders a history window.
type Direction uint8

const (
	// Backwards returns newest first.
	Backwards Direction = iota
	// Forwards returns oldest first.
	Forwards
)

// ParseDirection maps the wire value; empty means backwards.
func ParseDirection(s string) (Direction, error) {
	switch strings.TrimSpace(s) {
	case "", v1.DirectionBackwards:
		return Backwards, nil
	case v1.DirectionForwards:
		return Forwards, nil
	default:
		return Backwards, errors.New("invalid direction")
	}
}

func (d Direction) String() string {
	if d == Forwards {
		return v1.DirectionForwards
	}
	return v1.DirectionBackwards
}

// StoredMessage is the canonical persisted message representation.
type StoredMessage struct {
	Channel       string
	ClientMsgID   string
	ServerMsgID   string
	Seq           int64
	ClientID      string
	SenderSession string
	Name          string
	Text          string
	ServerTS      time.Time
}

// MessageStore persists and queries channel messages.
//
// Requirements:
//   - Idempotency per (channel, client_msg_id)
//   - Monotonic seq per channel (no gaps for duplicates)
//   - History windows ordered by seq in the requested direction
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	LatestSeq(ctx context.Context, channel string) (int64, error)
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	Channel       string
	ClientMsgID   string
	ClientID      string
	SenderSession string
	Name          string
	Text          string
	Now           time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// FetchHistoryInput describes a history window. It is shared by messages and presence.
//
// AfterSeq and UntilSeq are exclusive and inclusive bounds respectively.
type FetchHistoryInput struct {
	Channel   string
	AfterSeq  *int64
	UntilSeq  *int64
	Direction Direction
	Limit     int
}

// FetchHistoryResult contains the retrieved message window.
type FetchHistoryResult struct {
	Messages []StoredMessage
	HasMore  bool
}

// window applies the FetchHistoryInput bounds to items sorted by seq ascending.
func window[T any](items []T, seq func(T) int64, in FetchHistoryInput) ([]T, bool) {
	limit := clampHistoryLimit(in.Limit)

	lo, hi := 0, len(items)
	for lo < hi && in.AfterSeq != nil && seq(items[lo]) <= *in.AfterSeq {
		lo++
	}
	for hi > lo && in.UntilSeq != nil && seq(items[hi-1]) > *in.UntilSeq {
		hi--
	}
	span := items[lo:hi]

	hasMore := len(span) > limit
	if in.Direction == Forwards {
		if hasMore {
			span = span[:limit]
		}
		return append([]T(nil), span...), hasMore
	}

	if hasMore {
		span = span[len(span)-limit:]
	}
	out := make([]T, 0, len(span))
	for i := len(span) - 1; i >= 0; i-- {
		out = append(out, span[i])
	}
	return out, hasMore
}
