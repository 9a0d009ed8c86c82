package chat

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

// ---- provider ----

type fakeProvider struct {
	conns []*fakeConn
}

func (p *fakeProvider) Open(cfg SessionConfig) Connection {
	c := &fakeConn{
		cfg:      cfg,
		state:    StateInitialized,
		once:     make(map[ConnectionState][]func(ConnectionStateChange)),
		channels: make(map[string]*fakeChannel),
	}
	p.conns = append(p.conns, c)
	return c
}

func (p *fakeProvider) last(t *testing.T) *fakeConn {
	t.Helper()
	if len(p.conns) == 0 {
		t.Fatalf("provider: no connection opened")
	}
	return p.conns[len(p.conns)-1]
}

type fakeConn struct {
	cfg   SessionConfig
	state ConnectionState

	on   []func(ConnectionStateChange)
	once map[ConnectionState][]func(ConnectionStateChange)
	offs int

	channels map[string]*fakeChannel

	reconnects int
	closes     int
}

func (c *fakeConn) State() ConnectionState { return c.state }

func (c *fakeConn) On(fn func(ConnectionStateChange)) { c.on = append(c.on, fn) }

func (c *fakeConn) Once(state ConnectionState, fn func(ConnectionStateChange)) {
	c.once[state] = append(c.once[state], fn)
}

func (c *fakeConn) Off() {
	c.offs++
	c.on = nil
	c.once = make(map[ConnectionState][]func(ConnectionStateChange))
}

func (c *fakeConn) Channel(name string) Channel {
	ch, ok := c.channels[name]
	if !ok {
		ch = newFakeChannel(name)
		c.channels[name] = ch
	}
	return ch
}

func (c *fakeConn) Reconnect() { c.reconnects++ }

func (c *fakeConn) Close() {
	c.closes++
	c.setState(StateClosed, nil)
}

func (c *fakeConn) listeners() int {
	n := len(c.on)
	for _, fns := range c.once {
		n += len(fns)
	}
	return n
}

func (c *fakeConn) setState(state ConnectionState, reason error) {
	change := ConnectionStateChange{Previous: c.state, Current: state, Reason: reason}
	c.state = state

	for _, fn := range append([]func(ConnectionStateChange){}, c.on...) {
		fn(change)
	}
	onces := c.once[state]
	delete(c.once, state)
	for _, fn := range onces {
		fn(change)
	}
}

func (c *fakeConn) channel(t *testing.T) *fakeChannel {
	t.Helper()
	ch, ok := c.channels[DefaultChannel]
	if !ok {
		t.Fatalf("channel %q was never requested", DefaultChannel)
	}
	return ch
}

type publishCall struct {
	name string
	text string
	done func(error)
}

type messageHistoryCall struct {
	q    HistoryQuery
	done func([]Message, error)
}

type fakeChannel struct {
	name     string
	attaches int

	subs []func(Message)
	once map[ChannelEvent][]func(error)

	publishes []publishCall
	history   []messageHistoryCall

	presence *fakePresence
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{
		name:     name,
		once:     make(map[ChannelEvent][]func(error)),
		presence: &fakePresence{},
	}
}

func (c *fakeChannel) Name() string { return c.name }
func (c *fakeChannel) Attach()      { c.attaches++ }

func (c *fakeChannel) Subscribe(fn func(Message)) { c.subs = append(c.subs, fn) }

func (c *fakeChannel) Unsubscribe() {
	c.subs = nil
	c.once = make(map[ChannelEvent][]func(error))
}

func (c *fakeChannel) Once(ev ChannelEvent, fn func(error)) {
	c.once[ev] = append(c.once[ev], fn)
}

func (c *fakeChannel) Publish(name, text string, done func(error)) {
	c.publishes = append(c.publishes, publishCall{name: name, text: text, done: done})
}

func (c *fakeChannel) History(q HistoryQuery, done func([]Message, error)) {
	c.history = append(c.history, messageHistoryCall{q: q, done: done})
}

func (c *fakeChannel) Presence() Presence { return c.presence }

func (c *fakeChannel) emit(ev ChannelEvent, reason error) {
	fns := c.once[ev]
	delete(c.once, ev)
	for _, fn := range fns {
		fn(reason)
	}
}

func (c *fakeChannel) deliver(msg Message) {
	for _, fn := range append([]func(Message){}, c.subs...) {
		fn(msg)
	}
}

type enterCall struct {
	data PresenceData
	done func(error)
}

type presenceHistoryCall struct {
	q    HistoryQuery
	done func([]PresenceMessage, error)
}

type fakePresence struct {
	enters  []enterCall
	updates []PresenceData
	subs    []func(PresenceMessage)
	gets    []func([]PresenceMessage, error)
	history []presenceHistoryCall
}

func (p *fakePresence) Enter(data PresenceData, done func(error)) {
	p.enters = append(p.enters, enterCall{data: data, done: done})
}

func (p *fakePresence) Update(data PresenceData, _ func(error)) {
	p.updates = append(p.updates, data)
}

func (p *fakePresence) Subscribe(fn func(PresenceMessage)) { p.subs = append(p.subs, fn) }
func (p *fakePresence) Unsubscribe()                       { p.subs = nil }

func (p *fakePresence) Get(done func([]PresenceMessage, error)) { p.gets = append(p.gets, done) }

func (p *fakePresence) History(q HistoryQuery, done func([]PresenceMessage, error)) {
	p.history = append(p.history, presenceHistoryCall{q: q, done: done})
}

func (p *fakePresence) deliver(pm PresenceMessage) {
	for _, fn := range append([]func(PresenceMessage){}, p.subs...) {
		fn(pm)
	}
}

// ---- scheduler ----

type scheduledCall struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

type fakeScheduler struct {
	calls []*scheduledCall
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	c := &scheduledCall{delay: d, fn: fn}
	s.calls = append(s.calls, c)
	return func() bool {
		if c.stopped || c.fired {
			return false
		}
		c.stopped = true
		return true
	}
}

func (s *fakeScheduler) fire(t *testing.T, i int) {
	t.Helper()
	if i >= len(s.calls) {
		t.Fatalf("scheduler: no call %d (have %d)", i, len(s.calls))
	}
	c := s.calls[i]
	if c.stopped || c.fired {
		return
	}
	c.fired = true
	c.fn()
}

// ---- observer ----

type recordingObserver struct {
	events  []string
	states  []ConnectionStateChange
	errs    []error
	history [][]HistoryItem
	members [][]PresenceMessage
	msgs    []Message
}

func (o *recordingObserver) ConnectionStateChanged(change ConnectionStateChange) {
	o.states = append(o.states, change)
	o.events = append(o.events, "state:"+change.Current.String())
}

func (o *recordingObserver) HistoryLoading() { o.events = append(o.events, "history_loading") }

func (o *recordingObserver) MessageSendFinished() { o.events = append(o.events, "send_finished") }

func (o *recordingObserver) MessageReceived(msg Message) {
	o.msgs = append(o.msgs, msg)
	o.events = append(o.events, "message:"+msg.Text)
}

func (o *recordingObserver) Error(err error) {
	o.errs = append(o.errs, err)
	o.events = append(o.events, "error")
}

func (o *recordingObserver) HistoryLoaded(items []HistoryItem) {
	o.history = append(o.history, items)
	o.events = append(o.events, fmt.Sprintf("history_loaded:%d", len(items)))
}

func (o *recordingObserver) MembersUpdated(members []PresenceMessage, trigger PresenceMessage) {
	o.members = append(o.members, members)
	o.events = append(o.events, "members:"+trigger.Action.String())
}

// withoutStates drops connection state events.
func (o *recordingObserver) withoutStates() []string {
	out := make([]string, 0, len(o.events))
	for _, e := range o.events {
		if len(e) >= 6 && e[:6] == "state:" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ---- helpers ----

type sessionHarness struct {
	session  *Session
	provider *fakeProvider
	sched    *fakeScheduler
	obs      *recordingObserver
}

func newHarness(t *testing.T) *sessionHarness {
	t.Helper()

	h := &sessionHarness{
		provider: &fakeProvider{},
		sched:    &fakeScheduler{},
		obs:      &recordingObserver{},
	}
	s, err := NewSession(
		SessionConfig{ClientID: "alice"},
		h.provider,
		WithScheduler(h.sched),
		WithObserver(h.obs),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	h.session = s
	return h
}

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return baseTime.Add(time.Duration(sec) * time.Second) }
