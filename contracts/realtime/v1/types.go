// Package v1 defines the Huddle Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the channel server and the client provider to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by both peers.
const Subprotocol = "huddle.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeChannelAttach starts live delivery for a channel (client -> server).
	TypeChannelAttach = "channel_attach"
	// TypeChannelAttached confirms an attach (server -> client).
	TypeChannelAttached = "channel_attached"
	// TypeChannelDetach stops live delivery (client -> server).
	TypeChannelDetach = "channel_detach"
	// TypeChannelDetached reports that the channel is no longer attached (server -> client).
	TypeChannelDetached = "channel_detached"
	// TypeChannelFailed reports an unrecoverable channel error (server -> client).
	TypeChannelFailed = "channel_failed"

	// TypeMessageSend requests publishing a message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a publish (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew broadcasts an accepted message (server -> attached sessions).
	TypeMessageNew = "message_new"

	// TypePresenceEnter announces the session as present (client -> server).
	TypePresenceEnter = "presence_enter"
	// TypePresenceUpdate changes the session presence data (client -> server).
	TypePresenceUpdate = "presence_update"
	// TypePresenceLeave removes the session from the presence set (client -> server).
	TypePresenceLeave = "presence_leave"
	// TypePresenceAck acknowledges enter/update/leave (server -> client).
	TypePresenceAck = "presence_ack"
	// TypePresenceNew broadcasts a presence change (server -> attached sessions).
	TypePresenceNew = "presence_new"
	// TypePresenceGet requests the current member list (client -> server).
	TypePresenceGet = "presence_get"
	// TypePresenceMembers returns the current member list (server -> client).
	TypePresenceMembers = "presence_members"

	// TypeHistoryFetch requests message history (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a window of message history (server -> client).
	TypeHistoryChunk = "history_chunk"
	// TypePresenceHistoryFetch requests presence history (client -> server).
	TypePresenceHistoryFetch = "presence_history_fetch"
	// TypePresenceHistoryChunk returns a window of presence history (server -> client).
	TypePresenceHistoryChunk = "presence_history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

var knownTypes = map[string]struct{}{
	TypeHello:                {},
	TypeHelloAck:             {},
	TypeChannelAttach:        {},
	TypeChannelAttached:      {},
	TypeChannelDetach:        {},
	TypeChannelDetached:      {},
	TypeChannelFailed:        {},
	TypeMessageSend:          {},
	TypeMessageAck:           {},
	TypeMessageNew:           {},
	TypePresenceEnter:        {},
	TypePresenceUpdate:       {},
	TypePresenceLeave:        {},
	TypePresenceAck:          {},
	TypePresenceNew:          {},
	TypePresenceGet:          {},
	TypePresenceMembers:      {},
	TypeHistoryFetch:         {},
	TypeHistoryChunk:         {},
	TypePresenceHistoryFetch: {},
	TypePresenceHistoryChunk: {},
	TypeError:                {},
}

// Envelope is the canonical wire wrapper.
//
// Ref carries the ID of the request envelope a reply answers; broadcasts leave it empty.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !KnownType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing field: id")
	}
	return nil
}

// KnownType reports whether typ is part of the v1 contract.
func KnownType(typ string) bool {
	_, ok := knownTypes[typ]
	return ok
}

// New builds an envelope with the given payload marshalled to JSON.
func New(typ, id, ref string, ts time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		Ref:     ref,
		TS:      ts,
		Payload: b,
	}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.Type, err)
	}
	return nil
}
