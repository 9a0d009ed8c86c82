package wsclient

import (
	"fmt"

	"huddle/cmd/internal/chat"
	v1 "huddle/contracts/realtime/v1"
)

// Presence is the presence handle of a Channel. It implements chat.Presence.
type Presence struct {
	ch   *Channel
	subs []func(chat.PresenceMessage)
}

// Enter announces this client as present with data.
func (p *Presence) Enter(data chat.PresenceData, done func(error)) {
	p.send(v1.TypePresenceEnter, data, done)
}

// Update replaces this client's presence data; the server enters implicitly when absent.
func (p *Presence) Update(data chat.PresenceData, done func(error)) {
	p.send(v1.TypePresenceUpdate, data, done)
}

func (p *Presence) send(typ string, data chat.PresenceData, done func(error)) {
	if p.ch.state == channelFailed {
		p.ch.c.p.loop.Post(func() { callDone(done, ErrChannelFailed) })
		return
	}
	p.ch.c.request(typ, v1.PresenceRequestPayload{
		Channel: p.ch.name,
		Data:    &v1.PresenceData{IsTyping: data.IsTyping},
	}, func(_ v1.Envelope, err error) {
		callDone(done, err)
	})
}

// Subscribe registers fn for every presence change on the channel.
func (p *Presence) Subscribe(fn func(chat.PresenceMessage)) {
	if fn != nil {
		p.subs = append(p.subs, fn)
	}
}

// Unsubscribe removes every presence listener.
func (p *Presence) Unsubscribe() { p.subs = nil }

// Get returns the current member set.
func (p *Presence) Get(done func([]chat.PresenceMessage, error)) {
	if p.ch.state == channelFailed {
		p.ch.c.p.loop.Post(func() { done(nil, ErrChannelFailed) })
		return
	}

	p.ch.c.request(v1.TypePresenceGet, v1.ChannelPayload{Channel: p.ch.name}, func(env v1.Envelope, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		var out v1.PresenceMembersPayload
		if err := env.Decode(&out); err != nil {
			done(nil, fmt.Errorf("wsclient: presence_members: %w", err))
			return
		}
		done(toPresenceMessages(out.Members), nil)
	})
}

// History fetches one page of the presence log.
func (p *Presence) History(q chat.HistoryQuery, done func([]chat.PresenceMessage, error)) {
	if p.ch.state == channelFailed {
		p.ch.c.p.loop.Post(func() { done(nil, ErrChannelFailed) })
		return
	}

	p.ch.c.request(v1.TypePresenceHistoryFetch, historyPayload(p.ch.name, q), func(env v1.Envelope, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		var chunk v1.PresenceHistoryChunkPayload
		if err := env.Decode(&chunk); err != nil {
			done(nil, fmt.Errorf("wsclient: presence_history_chunk: %w", err))
			return
		}
		done(toPresenceMessages(chunk.Events), nil)
	})
}

func (p *Presence) deliver(ev v1.PresenceEventPayload) {
	if p.ch.state != channelAttaching && p.ch.state != channelAttached {
		return
	}
	pm := toPresenceMessage(ev)
	for _, fn := range append([]func(chat.PresenceMessage){}, p.subs...) {
		fn(pm)
	}
}

func toPresenceMessages(in []v1.PresenceEventPayload) []chat.PresenceMessage {
	out := make([]chat.PresenceMessage, 0, len(in))
	for _, ev := range in {
		out = append(out, toPresenceMessage(ev))
	}
	return out
}

func toPresenceMessage(ev v1.PresenceEventPayload) chat.PresenceMessage {
	return chat.PresenceMessage{
		ID:           fmt.Sprintf("%s:%d", ev.Channel, ev.Seq),
		ClientID:     ev.ClientID,
		ConnectionID: ev.SessionID,
		Action:       presenceAction(ev.Action),
		Data:         chat.PresenceData{IsTyping: ev.Data.IsTyping},
		Timestamp:    ev.ServerTS,
	}
}

func presenceAction(s string) chat.PresenceAction {
	switch s {
	case v1.PresencePresent:
		return chat.PresencePresent
	case v1.PresenceEnter:
		return chat.PresenceEnter
	case v1.PresenceLeave:
		return chat.PresenceLeave
	case v1.PresenceUpdate:
		return chat.PresenceUpdate
	default:
		return chat.PresenceAbsent
	}
}
