package v1

import "time"

// Presence actions (wire-stable).
const (
	PresenceAbsent  = "absent"
	PresencePresent = "present"
	PresenceEnter   = "enter"
	PresenceLeave   = "leave"
	PresenceUpdate  = "update"
)

// History directions (wire-stable).
const (
	DirectionForwards  = "forwards"
	DirectionBackwards = "backwards"
)

// ---- Session ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	ClientID string `json:"client_id"`
	Token    string `json:"token,omitempty"`
}

// HelloAckPayload carries the server-assigned connection id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
}

// ---- Channels ----

// ChannelPayload names the channel an attach/detach request targets.
type ChannelPayload struct {
	Channel string `json:"channel"`
}

// ChannelAttachedPayload confirms an attach and reports the history watermarks recorded for it.
type ChannelAttachedPayload struct {
	Channel     string    `json:"channel"`
	MessageSeq  int64     `json:"message_seq"`
	PresenceSeq int64     `json:"presence_seq"`
	AttachedAt  time.Time `json:"attached_at"`
}

// ChannelStatePayload reports a detach or failure.
type ChannelStatePayload struct {
	Channel string `json:"channel"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ---- Messages ----

// MessageSendPayload requests publishing a message on a channel.
type MessageSendPayload struct {
	Channel     string `json:"channel"`
	ClientMsgID string `json:"client_msg_id"`
	Name        string `json:"name,omitempty"`
	Text        string `json:"text"`
}

// MessageAckPayload acknowledges a publish and returns the canonical server ids.
type MessageAckPayload struct {
	Channel     string `json:"channel"`
	ClientMsgID string `json:"client_msg_id"`
	ServerMsgID string `json:"server_msg_id"`
	Seq         int64  `json:"seq"`
}

// MessageNewPayload is broadcast when a message is accepted, and reused inside history chunks.
type MessageNewPayload struct {
	Channel     string    `json:"channel"`
	ClientMsgID string    `json:"client_msg_id"`
	ServerMsgID string    `json:"server_msg_id"`
	Seq         int64     `json:"seq"`
	ClientID    string    `json:"client_id"`
	SessionID   string    `json:"session_id"`
	Name        string    `json:"name,omitempty"`
	Text        string    `json:"text"`
	ServerTS    time.Time `json:"server_ts"`
}

// ---- Presence ----

// PresenceData is the member-defined presence state.
type PresenceData struct {
	IsTyping bool `json:"isTyping"`
}

// PresenceRequestPayload is used by enter, update and leave.
type PresenceRequestPayload struct {
	Channel string        `json:"channel"`
	Data    *PresenceData `json:"data,omitempty"`
}

// PresenceAckPayload acknowledges enter, update and leave.
type PresenceAckPayload struct {
	Channel string `json:"channel"`
	Action  string `json:"action"`
	Seq     int64  `json:"seq"`
}

// PresenceEventPayload is one presence change; it is broadcast live and reused inside member lists and history.
type PresenceEventPayload struct {
	Channel   string       `json:"channel"`
	Seq       int64        `json:"seq"`
	Action    string       `json:"action"`
	ClientID  string       `json:"client_id"`
	SessionID string       `json:"session_id"`
	Data      PresenceData `json:"data"`
	ServerTS  time.Time    `json:"server_ts"`
}

// PresenceMembersPayload returns the current presence set.
type PresenceMembersPayload struct {
	Channel string                 `json:"channel"`
	Members []PresenceEventPayload `json:"members"`
}

// ---- History ----

// HistoryFetchPayload requests a history window; it is used for messages and presence alike.
//
// UntilAttach bounds the window to events recorded before the session attached to the channel.
type HistoryFetchPayload struct {
	Channel     string `json:"channel"`
	Limit       int    `json:"limit,omitempty"`
	Direction   string `json:"direction,omitempty"`
	AfterSeq    *int64 `json:"after_seq,omitempty"`
	UntilAttach bool   `json:"until_attach,omitempty"`
}

// HistoryChunkPayload returns messages for a history fetch request.
type HistoryChunkPayload struct {
	Channel  string              `json:"channel"`
	Messages []MessageNewPayload `json:"messages"`
	HasMore  bool                `json:"has_more"`
}

// PresenceHistoryChunkPayload returns presence events for a presence history fetch request.
type PresenceHistoryChunkPayload struct {
	Channel string                 `json:"channel"`
	Events  []PresenceEventPayload `json:"events"`
	HasMore bool                   `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
