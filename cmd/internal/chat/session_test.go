package chat

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestNewSession_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewSession(SessionConfig{ClientID: "  "}, &fakeProvider{}, WithScheduler(&fakeScheduler{})); !errors.Is(err, ErrMissingClientID) {
		t.Fatalf("empty client id: err=%v want=%v", err, ErrMissingClientID)
	}
	if _, err := NewSession(SessionConfig{ClientID: "alice"}, &fakeProvider{}); !errors.Is(err, ErrNoScheduler) {
		t.Fatalf("missing scheduler: err=%v want=%v", err, ErrNoScheduler)
	}

	s, err := NewSession(SessionConfig{ClientID: " alice "}, &fakeProvider{}, WithScheduler(&fakeScheduler{}))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	cfg := s.Config()
	if cfg.ClientID != "alice" || cfg.Channel != DefaultChannel {
		t.Fatalf("config=%+v want client_id=alice channel=%s", cfg, DefaultChannel)
	}
}

func TestSession_ConnectRunsJoinProtocol(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()

	conn := h.provider.last(t)
	if conn.cfg.ClientID != "alice" {
		t.Fatalf("provider opened with client_id=%q want=alice", conn.cfg.ClientID)
	}
	ch := conn.channel(t)

	if ch.attaches != 1 {
		t.Fatalf("attaches=%d want=1", ch.attaches)
	}
	if len(ch.subs) != 1 || len(ch.presence.subs) != 1 {
		t.Fatalf("subscriptions: messages=%d presence=%d want=1/1", len(ch.subs), len(ch.presence.subs))
	}
	if len(ch.presence.enters) != 1 {
		t.Fatalf("presence enters=%d want=1", len(ch.presence.enters))
	}
	if len(ch.once[ChannelDetached]) != 1 || len(ch.once[ChannelFailed]) != 1 {
		t.Fatalf("once listeners: detached=%d failed=%d want=1/1", len(ch.once[ChannelDetached]), len(ch.once[ChannelFailed]))
	}
	if len(ch.history) != 0 || len(ch.presence.history) != 0 {
		t.Fatalf("history must wait for presence enter")
	}

	ch.presence.enters[0].done(nil)

	want := HistoryQuery{Limit: HistoryLimit, Direction: Backwards, UntilAttach: true}
	if len(ch.history) != 1 || ch.history[0].q != want {
		t.Fatalf("message history calls=%v want one with %+v", ch.history, want)
	}
	if len(ch.presence.history) != 1 || ch.presence.history[0].q != want {
		t.Fatalf("presence history calls=%v want one with %+v", ch.presence.history, want)
	}
}

func TestSession_EndToEnd_EmptyHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()

	conn := h.provider.last(t)
	conn.setState(StateConnected, nil)

	ch := conn.channel(t)
	ch.presence.enters[0].done(nil)
	ch.history[0].done(nil, nil)
	ch.presence.history[0].done(nil, nil)

	got := h.obs.withoutStates()
	want := []string{"history_loading", "history_loaded:0"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("events=%v want=%v", got, want)
	}
	if h.obs.history[0] == nil {
		t.Fatalf("empty history must be a non-nil slice")
	}
	if len(h.obs.states) != 1 || h.obs.states[0].Current != StateConnected {
		t.Fatalf("states=%v want=[connected]", h.obs.states)
	}
}

func TestSession_TypingSuppression(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	p := h.provider.last(t).channel(t).presence

	h.session.SendTypingNotification(true)
	h.session.SendTypingNotification(true)
	if len(p.updates) != 1 {
		t.Fatalf("typing=true twice: updates=%d want=1", len(p.updates))
	}
	if !h.session.IsUserTyping() {
		t.Fatalf("IsUserTyping()=false want=true")
	}

	h.session.SendTypingNotification(false)
	h.session.SendTypingNotification(false)
	if len(p.updates) != 3 {
		t.Fatalf("typing=false twice: updates=%d want=3", len(p.updates))
	}
	if p.updates[0] != (PresenceData{IsTyping: true}) || p.updates[2] != (PresenceData{IsTyping: false}) {
		t.Fatalf("updates=%v", p.updates)
	}
	if h.session.IsUserTyping() {
		t.Fatalf("IsUserTyping()=true want=false")
	}
}

func TestSession_HistoryMerge_ArrivalOrder(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		{ID: "m3", Text: "three", Timestamp: at(3)},
		{ID: "m1", Text: "one", Timestamp: at(1)},
	}
	presence := []PresenceMessage{
		{ID: "p2", Action: PresenceEnter, Timestamp: at(2)},
		{ID: "p4", Action: PresenceUpdate, Timestamp: at(4)},
	}

	for _, messagesFirst := range []bool{true, false} {
		messagesFirst := messagesFirst
		name := "presence_first"
		if messagesFirst {
			name = "messages_first"
		}

		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.session.Connect()
			ch := h.provider.last(t).channel(t)
			ch.presence.enters[0].done(nil)

			if messagesFirst {
				ch.history[0].done(msgs, nil)
				ch.presence.history[0].done(presence, nil)
			} else {
				ch.presence.history[0].done(presence, nil)
				ch.history[0].done(msgs, nil)
			}

			if len(h.obs.history) != 1 {
				t.Fatalf("history events=%d want=1", len(h.obs.history))
			}

			var got []time.Time
			for _, it := range h.obs.history[0] {
				got = append(got, it.historyTime())
			}
			want := []time.Time{at(1), at(2), at(3), at(4)}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("merged timestamps=%v want=%v", got, want)
			}
			if _, ok := h.obs.history[0][1].(PresenceMessage); !ok {
				t.Fatalf("item[1]=%T want PresenceMessage", h.obs.history[0][1])
			}
		})
	}
}

func TestSession_NoPrematureMerge(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	ch := h.provider.last(t).channel(t)
	ch.presence.enters[0].done(nil)

	ch.history[0].done([]Message{{Timestamp: at(1)}}, nil)
	if len(h.obs.history) != 0 {
		t.Fatalf("history emitted with only messages: %v", h.obs.history)
	}
}

func TestSession_PresenceHistoryFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	ch := h.provider.last(t).channel(t)
	ch.presence.enters[0].done(nil)

	cause := errors.New("boom")
	ch.presence.history[0].done(nil, cause)
	ch.history[0].done([]Message{{Timestamp: at(1)}}, nil)

	if len(h.obs.errs) != 1 {
		t.Fatalf("errors=%d want=1", len(h.obs.errs))
	}
	if !errors.Is(h.obs.errs[0], ErrHistoryQuery) || !errors.Is(h.obs.errs[0], cause) {
		t.Fatalf("err=%v want kind=%v cause=%v", h.obs.errs[0], ErrHistoryQuery, cause)
	}
	var ce *Error
	if !errors.As(h.obs.errs[0], &ce) || ce.Op != "history.presence" {
		t.Fatalf("err=%#v want *Error with op=history.presence", h.obs.errs[0])
	}
	if len(h.obs.history) != 0 {
		t.Fatalf("history emitted after failure: %v", h.obs.history)
	}
}

func TestSession_PresenceEnterFailureSkipsHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	ch := h.provider.last(t).channel(t)

	ch.presence.enters[0].done(errors.New("denied"))

	if len(h.obs.errs) != 1 || !errors.Is(h.obs.errs[0], ErrPresenceEnter) {
		t.Fatalf("errs=%v want one ErrPresenceEnter", h.obs.errs)
	}
	if len(ch.history) != 0 || len(ch.presence.history) != 0 {
		t.Fatalf("history must not load after enter failure")
	}
}

func TestSession_ReconnectScheduling(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state ConnectionState
		want  []time.Duration
	}{
		{state: StateDisconnected, want: []time.Duration{5000 * time.Millisecond}},
		{state: StateSuspended, want: []time.Duration{15000 * time.Millisecond}},
		{state: StateInitialized},
		{state: StateConnecting},
		{state: StateConnected},
		{state: StateClosing},
		{state: StateClosed},
		{state: StateFailed},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.state.String(), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.session.Connect()
			h.provider.last(t).setState(tc.state, nil)

			var got []time.Duration
			for _, c := range h.sched.calls {
				got = append(got, c.delay)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("scheduled=%v want=%v", got, tc.want)
			}
		})
	}
}

func TestSession_ScheduledReconnectAsksProvider(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	conn := h.provider.last(t)

	conn.setState(StateDisconnected, nil)
	h.sched.fire(t, 0)

	if conn.reconnects != 1 {
		t.Fatalf("reconnects=%d want=1", conn.reconnects)
	}
	if len(h.provider.conns) != 1 {
		t.Fatalf("scheduled reconnect must not reopen the session: conns=%d", len(h.provider.conns))
	}
}

func TestSession_DisconnectCancelsScheduledReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	conn := h.provider.last(t)

	conn.setState(StateSuspended, nil)
	h.session.Disconnect()

	if !h.sched.calls[0].stopped {
		t.Fatalf("pending reconnect was not cancelled")
	}
	h.sched.fire(t, 0)
	if conn.reconnects != 0 {
		t.Fatalf("reconnects=%d want=0", conn.reconnects)
	}
	if conn.closes != 1 {
		t.Fatalf("closes=%d want=1", conn.closes)
	}
}

func TestSession_StaleTimerAfterReconnectIsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	first := h.provider.last(t)
	first.setState(StateDisconnected, nil)

	// Bypass the stop func to simulate a timer that already left the queue.
	stale := h.sched.calls[0].fn

	h.session.Reconnect()
	stale()

	if first.reconnects != 0 {
		t.Fatalf("stale timer reconnected old connection")
	}
	if second := h.provider.last(t); second.reconnects != 0 {
		t.Fatalf("stale timer reconnected new connection")
	}
}

func TestSession_ChannelRecovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	conn := h.provider.last(t)
	conn.setState(StateConnected, nil)

	ch := conn.channel(t)
	ch.presence.enters[0].done(nil)
	ch.history[0].done(nil, nil)
	ch.presence.history[0].done(nil, nil)

	conn.setState(StateDisconnected, nil)
	ch.emit(ChannelFailed, errors.New("server reset"))
	ch.emit(ChannelDetached, nil)

	if len(ch.subs) != 0 || len(ch.presence.subs) != 0 {
		t.Fatalf("subscriptions after loss: messages=%d presence=%d want=0/0", len(ch.subs), len(ch.presence.subs))
	}
	if ch.attaches != 1 {
		t.Fatalf("rejoined before Connected: attaches=%d", ch.attaches)
	}

	conn.setState(StateConnected, nil)

	if ch.attaches != 2 {
		t.Fatalf("attaches=%d want=2", ch.attaches)
	}
	if len(ch.subs) != 1 || len(ch.presence.subs) != 1 {
		t.Fatalf("subscriptions after rejoin: messages=%d presence=%d want=1/1", len(ch.subs), len(ch.presence.subs))
	}
	if len(ch.presence.enters) != 2 {
		t.Fatalf("presence enters=%d want=2", len(ch.presence.enters))
	}

	ch.presence.enters[1].done(nil)
	if len(ch.history) != 2 || len(ch.presence.history) != 2 {
		t.Fatalf("history reloads: messages=%d presence=%d want=2/2", len(ch.history), len(ch.presence.history))
	}
	ch.history[1].done(nil, nil)
	ch.presence.history[1].done(nil, nil)

	conn.setState(StateDisconnected, nil)
	conn.setState(StateConnected, nil)
	if ch.attaches != 2 {
		t.Fatalf("extra rejoin without channel loss: attaches=%d", ch.attaches)
	}

	loading := 0
	for _, e := range h.obs.events {
		if e == "history_loading" {
			loading++
		}
	}
	if loading != 2 || len(h.obs.history) != 2 {
		t.Fatalf("history_loading=%d history_loaded=%d want=2/2", loading, len(h.obs.history))
	}
}

func TestSession_ChannelLostWhileConnectedRejoins(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ev   ChannelEvent
	}{
		{name: "failed", ev: ChannelFailed},
		{name: "detached", ev: ChannelDetached},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.session.Connect()
			conn := h.provider.last(t)
			conn.setState(StateConnected, nil)

			ch := conn.channel(t)
			ch.presence.enters[0].done(nil)
			ch.history[0].done(nil, nil)
			ch.presence.history[0].done(nil, nil)

			ch.emit(tc.ev, errors.New("channel reset"))

			if ch.attaches != 1 {
				t.Fatalf("attaches=%d want=1 before the rejoin delay", ch.attaches)
			}
			if len(ch.subs) != 0 || len(ch.presence.subs) != 0 {
				t.Fatalf("subscriptions after loss: messages=%d presence=%d want=0/0", len(ch.subs), len(ch.presence.subs))
			}
			if len(ch.once[ChannelDetached]) != 0 || len(ch.once[ChannelFailed]) != 0 {
				t.Fatalf("once listeners after loss: detached=%d failed=%d want=0/0", len(ch.once[ChannelDetached]), len(ch.once[ChannelFailed]))
			}
			if len(h.sched.calls) != 1 || h.sched.calls[0].delay != ChannelRejoinDelay {
				t.Fatalf("scheduled=%d want one rejoin after %v", len(h.sched.calls), ChannelRejoinDelay)
			}

			h.sched.fire(t, 0)

			if ch.attaches != 2 {
				t.Fatalf("attaches=%d want=2", ch.attaches)
			}
			if len(ch.subs) != 1 || len(ch.presence.subs) != 1 {
				t.Fatalf("subscriptions after rejoin: messages=%d presence=%d want=1/1", len(ch.subs), len(ch.presence.subs))
			}
			if len(ch.once[ChannelDetached]) != 1 || len(ch.once[ChannelFailed]) != 1 {
				t.Fatalf("once listeners after rejoin: detached=%d failed=%d want=1/1", len(ch.once[ChannelDetached]), len(ch.once[ChannelFailed]))
			}

			ch.presence.enters[1].done(nil)
			ch.history[1].done(nil, nil)
			ch.presence.history[1].done(nil, nil)

			want := []string{"history_loading", "history_loaded:0", "history_loading", "history_loaded:0"}
			if got := h.obs.withoutStates(); !reflect.DeepEqual(got, want) {
				t.Fatalf("events=%v want=%v", got, want)
			}
		})
	}
}

func TestSession_RepeatedChannelLossKeepsOneListenerPair(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	conn := h.provider.last(t)
	conn.setState(StateConnected, nil)
	ch := conn.channel(t)

	for i := 0; i < 3; i++ {
		ch.emit(ChannelFailed, nil)
		h.sched.fire(t, len(h.sched.calls)-1)

		if len(ch.once[ChannelDetached]) != 1 || len(ch.once[ChannelFailed]) != 1 {
			t.Fatalf("round %d: once listeners detached=%d failed=%d want=1/1", i, len(ch.once[ChannelDetached]), len(ch.once[ChannelFailed]))
		}
	}
	if ch.attaches != 4 {
		t.Fatalf("attaches=%d want=4", ch.attaches)
	}
}

func TestSession_DisconnectCancelsPendingRejoin(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	conn := h.provider.last(t)
	conn.setState(StateConnected, nil)
	ch := conn.channel(t)

	ch.emit(ChannelDetached, nil)
	if len(h.sched.calls) != 1 {
		t.Fatalf("scheduled=%d want=1", len(h.sched.calls))
	}

	h.session.Disconnect()
	if !h.sched.calls[0].stopped {
		t.Fatalf("pending rejoin was not cancelled")
	}

	// A timer already past its stop func must not rejoin either.
	h.sched.calls[0].fn()
	if ch.attaches != 1 {
		t.Fatalf("attaches=%d want=1 after Disconnect", ch.attaches)
	}
}

func TestSession_ChannelLossDropsInFlightHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	conn := h.provider.last(t)
	ch := conn.channel(t)
	ch.presence.enters[0].done(nil)

	ch.emit(ChannelDetached, nil)
	ch.history[0].done(nil, nil)
	ch.presence.history[0].done(nil, nil)

	if len(h.obs.history) != 0 {
		t.Fatalf("history of a lost attempt was emitted")
	}
}

func TestSession_ConnectTwiceKeepsOneSubscriptionSet(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	h.session.Connect()

	if len(h.provider.conns) != 2 {
		t.Fatalf("conns=%d want=2", len(h.provider.conns))
	}
	first, second := h.provider.conns[0], h.provider.conns[1]
	firstCh, secondCh := first.channel(t), second.channel(t)

	if first.listeners() != 0 || first.offs != 1 || first.closes != 1 {
		t.Fatalf("first connection: listeners=%d offs=%d closes=%d want=0/1/1", first.listeners(), first.offs, first.closes)
	}
	if len(firstCh.subs) != 0 || len(firstCh.presence.subs) != 0 {
		t.Fatalf("first channel still subscribed")
	}
	if len(secondCh.subs) != 1 || len(secondCh.presence.subs) != 1 {
		t.Fatalf("second channel subscriptions: messages=%d presence=%d want=1/1", len(secondCh.subs), len(secondCh.presence.subs))
	}

	// A late callback from the first generation must not start a history load.
	firstCh.presence.enters[0].done(nil)
	if len(firstCh.history) != 0 {
		t.Fatalf("stale presence enter started history load")
	}

	secondCh.deliver(Message{Text: "hi"})
	if len(h.obs.msgs) != 1 {
		t.Fatalf("messages delivered=%d want=1", len(h.obs.msgs))
	}

	if len(first.once) != 0 {
		t.Fatalf("first connection kept once listeners")
	}
	second.setState(StateConnected, nil)
	if len(h.obs.states) != 1 {
		t.Fatalf("states delivered=%d want=1", len(h.obs.states))
	}
}

func TestSession_MembersUpdatedRereadsMembers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	p := h.provider.last(t).channel(t).presence

	trigger := PresenceMessage{ClientID: "bob", Action: PresenceEnter, Timestamp: at(1)}
	p.deliver(trigger)
	if len(p.gets) != 1 {
		t.Fatalf("presence gets=%d want=1", len(p.gets))
	}

	members := []PresenceMessage{
		{ClientID: "alice", Action: PresencePresent},
		{ClientID: "bob", Action: PresencePresent},
	}
	p.gets[0](members, nil)

	if len(h.obs.members) != 1 || !reflect.DeepEqual(h.obs.members[0], members) {
		t.Fatalf("members=%v want=%v", h.obs.members, members)
	}
	if got := h.obs.events[len(h.obs.events)-1]; got != "members:enter" {
		t.Fatalf("last event=%q want=members:enter", got)
	}

	p.deliver(PresenceMessage{ClientID: "bob", Action: PresenceLeave})
	p.gets[1](nil, errors.New("timeout"))
	if len(h.obs.errs) != 1 || !errors.Is(h.obs.errs[0], ErrPresenceQuery) {
		t.Fatalf("errs=%v want one ErrPresenceQuery", h.obs.errs)
	}
}

func TestSession_PublishMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.session.PublishMessage("too early")
	if len(h.obs.errs) != 1 || !errors.Is(h.obs.errs[0], ErrNotConnected) || !errors.Is(h.obs.errs[0], ErrPublish) {
		t.Fatalf("errs=%v want ErrPublish wrapping ErrNotConnected", h.obs.errs)
	}

	h.session.Connect()
	ch := h.provider.last(t).channel(t)

	h.session.PublishMessage("hello")
	if len(ch.publishes) != 1 || ch.publishes[0].name != "alice" || ch.publishes[0].text != "hello" {
		t.Fatalf("publishes=%+v", ch.publishes)
	}
	ch.publishes[0].done(nil)
	if got := h.obs.events[len(h.obs.events)-1]; got != "send_finished" {
		t.Fatalf("last event=%q want=send_finished", got)
	}

	h.session.PublishMessage("again")
	ch.publishes[1].done(errors.New("nack"))
	if len(h.obs.errs) != 2 || !errors.Is(h.obs.errs[1], ErrPublish) {
		t.Fatalf("errs=%v want second ErrPublish", h.obs.errs)
	}
}

func TestSession_ConnectionFailedSignalsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	h.provider.last(t).setState(StateFailed, errors.New("handshake rejected"))

	if len(h.obs.errs) != 1 || !errors.Is(h.obs.errs[0], ErrConnection) {
		t.Fatalf("errs=%v want one ErrConnection", h.obs.errs)
	}
}

func TestSession_DisconnectDropsLateHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	ch := h.provider.last(t).channel(t)
	ch.presence.enters[0].done(nil)

	h.session.Disconnect()
	ch.history[0].done(nil, nil)
	ch.presence.history[0].done(nil, nil)

	if len(h.obs.history) != 0 {
		t.Fatalf("history delivered after disconnect")
	}
	if got := h.obs.events[len(h.obs.events)-1]; got != "state:closed" {
		t.Fatalf("last event=%q want=state:closed", got)
	}
}

func TestSession_DisconnectWithoutConnectionIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Disconnect()
	if len(h.obs.events) != 0 {
		t.Fatalf("events=%v want none", h.obs.events)
	}
}

func TestSession_Lifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.session.Connect()
	lc := h.session.Lifecycle()

	lc.OnBackground()
	if h.provider.last(t).closes != 1 {
		t.Fatalf("background did not close the connection")
	}

	lc.OnForeground()
	if len(h.provider.conns) != 2 {
		t.Fatalf("foreground did not reconnect: conns=%d", len(h.provider.conns))
	}
	if h.provider.conns[1].channel(t).attaches != 1 {
		t.Fatalf("foreground did not rejoin the channel")
	}
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	e := &Error{Kind: ErrPublish, Op: "publish", Err: errors.New("nack")}
	if got, want := e.Error(), "chat: publish failed (publish): nack"; got != want {
		t.Fatalf("Error()=%q want=%q", got, want)
	}
	if got, want := (&Error{Kind: ErrConnection}).Error(), "chat: connection error"; got != want {
		t.Fatalf("Error()=%q want=%q", got, want)
	}
}
