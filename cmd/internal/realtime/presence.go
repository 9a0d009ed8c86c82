package realtime

import (
	"context"
	"time"

	v1 "huddle/contracts/realtime/v1"
)

// PresenceEvent is one entry of a channel's presence log.
// Action is one of the wire presence actions (enter, update, leave).
type PresenceEvent struct {
	Channel   string
	Seq       int64
	Action    string
	ClientID  string
	SessionID string
	Data      v1.PresenceData
	ServerTS  time.Time
}

// PresenceStore persists the presence log of every channel.
// Seq is monotonic per channel and independent of message seq.
type PresenceStore interface {
	AppendPresence(ctx context.Context, in AppendPresenceInput) (PresenceEvent, error)
	FetchPresenceHistory(ctx context.Context, in FetchHistoryInput) (FetchPresenceHistoryResult, error)
	LatestPresenceSeq(ctx context.Context, channel string) (int64, error)
	Close() error
}

// AppendPresenceInput describes a presence log append.
type AppendPresenceInput struct {
	Channel   string
	Action    string
	ClientID  string
	SessionID string
	Data      v1.PresenceData
	Now       time.Time
}

// FetchPresenceHistoryResult contains the retrieved presence window.
type FetchPresenceHistoryResult struct {
	Events  []PresenceEvent
	HasMore bool
}

func validPresenceAction(a string) bool {
	switch a {
	case v1.PresenceEnter, v1.PresenceUpdate, v1.PresenceLeave:
		return true
	}
	return false
}

func (e PresenceEvent) payload() v1.PresenceEventPayload {
	return v1.PresenceEventPayload{
		Channel:   e.Channel,
		Seq:       e.Seq,
		Action:    e.Action,
		ClientID:  e.ClientID,
		SessionID: e.SessionID,
		Data:      e.Data,
		ServerTS:  e.ServerTS,
	}
}

func (m StoredMessage) payload() v1.MessageNewPayload {
	return v1.MessageNewPayload{
		Channel:     m.Channel,
		ClientMsgID: m.ClientMsgID,
		ServerMsgID: m.ServerMsgID,
		Seq:         m.Seq,
		ClientID:    m.ClientID,
		SessionID:   m.SenderSession,
		Name:        m.Name,
		Text:        m.Text,
		ServerTS:    m.ServerTS,
	}
}
