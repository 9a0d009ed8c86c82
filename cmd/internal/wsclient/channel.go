package wsclient

import (
	"fmt"

	"huddle/cmd/internal/chat"
	v1 "huddle/contracts/realtime/v1"
)

type channelState uint8

const (
	channelDetached channelState = iota
	channelAttaching
	channelAttached
	channelFailed
)

// Channel is a named channel on a Connection. It implements chat.Channel.
type Channel struct {
	c    *Connection
	name string

	state channelState
	// attachSeq invalidates replies to superseded attach requests.
	attachSeq uint64

	subs []func(chat.Message)
	once map[chat.ChannelEvent][]func(error)

	presence *Presence
}

func newChannel(c *Connection, name string) *Channel {
	ch := &Channel{
		c:    c,
		name: name,
		once: make(map[chat.ChannelEvent][]func(error)),
	}
	ch.presence = &Presence{ch: ch}
	return ch
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.name }

// Attach starts live delivery. It is a no-op while attaching or attached.
func (ch *Channel) Attach() {
	if ch.state == channelAttaching || ch.state == channelAttached {
		return
	}
	ch.state = channelAttaching
	ch.attachSeq++
	seq := ch.attachSeq

	ch.c.request(v1.TypeChannelAttach, v1.ChannelPayload{Channel: ch.name}, func(_ v1.Envelope, err error) {
		if seq != ch.attachSeq || ch.state != channelAttaching {
			return
		}
		if err != nil {
			ch.failed(err)
			return
		}
		ch.state = channelAttached
		ch.emit(chat.ChannelAttached, nil)
	})
}

// Subscribe registers fn for every message delivered on the channel.
func (ch *Channel) Subscribe(fn func(chat.Message)) {
	if fn != nil {
		ch.subs = append(ch.subs, fn)
	}
}

// Unsubscribe removes every message listener and every pending Once listener.
func (ch *Channel) Unsubscribe() {
	ch.subs = nil
	ch.once = make(map[chat.ChannelEvent][]func(error))
}

// Once registers fn for the next occurrence of ev.
func (ch *Channel) Once(ev chat.ChannelEvent, fn func(error)) {
	if fn != nil {
		ch.once[ev] = append(ch.once[ev], fn)
	}
}

// Publish sends text under name; done reports the server acknowledgement.
func (ch *Channel) Publish(name, text string, done func(error)) {
	if ch.state == channelFailed {
		ch.c.p.loop.Post(func() { callDone(done, ErrChannelFailed) })
		return
	}

	ch.c.request(v1.TypeMessageSend, v1.MessageSendPayload{
		Channel:     ch.name,
		ClientMsgID: ch.c.nextID(),
		Name:        name,
		Text:        text,
	}, func(_ v1.Envelope, err error) {
		callDone(done, err)
	})
}

// History fetches one page of channel messages.
func (ch *Channel) History(q chat.HistoryQuery, done func([]chat.Message, error)) {
	if ch.state == channelFailed {
		ch.c.p.loop.Post(func() { done(nil, ErrChannelFailed) })
		return
	}

	ch.c.request(v1.TypeHistoryFetch, historyPayload(ch.name, q), func(env v1.Envelope, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		var chunk v1.HistoryChunkPayload
		if err := env.Decode(&chunk); err != nil {
			done(nil, fmt.Errorf("wsclient: history_chunk: %w", err))
			return
		}
		out := make([]chat.Message, 0, len(chunk.Messages))
		for _, m := range chunk.Messages {
			out = append(out, toMessage(m))
		}
		done(out, nil)
	})
}

// Presence returns the channel presence handle.
func (ch *Channel) Presence() chat.Presence { return ch.presence }

func (ch *Channel) deliver(p v1.MessageNewPayload) {
	if ch.state != channelAttaching && ch.state != channelAttached {
		return
	}
	msg := toMessage(p)
	for _, fn := range append([]func(chat.Message){}, ch.subs...) {
		fn(msg)
	}
}

// lost moves an attaching or attached channel to detached and emits Detached.
func (ch *Channel) lost(reason error) {
	if ch.state != channelAttaching && ch.state != channelAttached {
		return
	}
	ch.state = channelDetached
	ch.emit(chat.ChannelDetached, reason)
}

func (ch *Channel) failed(reason error) {
	if ch.state == channelFailed {
		return
	}
	ch.state = channelFailed
	ch.emit(chat.ChannelFailed, reason)
}

// reset drops listeners without emitting anything.
func (ch *Channel) reset() {
	ch.state = channelDetached
	ch.attachSeq++
	ch.subs = nil
	ch.once = make(map[chat.ChannelEvent][]func(error))
	ch.presence.subs = nil
}

func (ch *Channel) emit(ev chat.ChannelEvent, reason error) {
	fns := ch.once[ev]
	delete(ch.once, ev)
	for _, fn := range fns {
		fn(reason)
	}
}

func callDone(done func(error), err error) {
	if done != nil {
		done(err)
	}
}

func historyPayload(channel string, q chat.HistoryQuery) v1.HistoryFetchPayload {
	dir := v1.DirectionBackwards
	if q.Direction == chat.Forwards {
		dir = v1.DirectionForwards
	}
	return v1.HistoryFetchPayload{
		Channel:     channel,
		Limit:       q.Limit,
		Direction:   dir,
		UntilAttach: q.UntilAttach,
	}
}

func toMessage(p v1.MessageNewPayload) chat.Message {
	return chat.Message{
		ID:        p.ServerMsgID,
		ClientID:  p.ClientID,
		Name:      p.Name,
		Text:      p.Text,
		Timestamp: p.ServerTS,
	}
}
