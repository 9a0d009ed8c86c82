package chat

import (
	"errors"
	"log/slog"
	"os"
	"time"
)

const (
	// DisconnectedRetryDelay is the wait before asking the provider to reconnect after Disconnected.
	DisconnectedRetryDelay = 5000 * time.Millisecond
	// SuspendedRetryDelay is the wait before asking the provider to reconnect after Suspended.
	SuspendedRetryDelay = 15000 * time.Millisecond
	// ChannelRejoinDelay is the wait before rejoining a channel lost while the connection stayed up.
	ChannelRejoinDelay = time.Second

	// HistoryLimit is the page size of both history queries.
	HistoryLimit = 50
)

// ErrNoScheduler is returned by NewSession when no Scheduler is configured
// and the provider does not implement one.
var ErrNoScheduler = errors.New("chat: no scheduler")

// Session owns the connection, the joined channel, typing state and history replay for one client.
//
// Generations:
//   - Connect bumps gen; callbacks registered under an older gen are dropped.
//   - Every join attempt and every channel loss bumps attempt; presence-enter and history
//     callbacks of an older attempt are dropped.
type Session struct {
	cfg      SessionConfig
	provider Provider
	sched    Scheduler
	log      *slog.Logger

	obs Observer

	conn    Connection
	channel Channel

	gen     uint64
	attempt uint64
	closed  bool

	isUserTyping bool

	history *historyMergeBuffer

	timerSeq uint64
	timers   map[uint64]func() bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithScheduler sets the scheduler used for reconnect timers.
func WithScheduler(sched Scheduler) Option {
	return func(s *Session) {
		if sched != nil {
			s.sched = sched
		}
	}
}

// WithObserver sets the initial observer.
func WithObserver(obs Observer) Option {
	return func(s *Session) { s.obs = obs }
}

// NewSession validates cfg and builds an idle session. Nothing happens on the network until Connect.
// When no scheduler is given, the provider is used if it implements Scheduler.
func NewSession(cfg SessionConfig, provider Provider, opts ...Option) (*Session, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, errors.New("chat: nil provider")
	}

	s := &Session{
		cfg:      cfg,
		provider: provider,
		timers:   make(map[uint64]func() bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.sched == nil {
		sched, ok := provider.(Scheduler)
		if !ok {
			return nil, ErrNoScheduler
		}
		s.sched = sched
	}
	if s.log == nil {
		s.log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s.log = s.log.With("client_id", cfg.ClientID, "channel", cfg.Channel)

	return s, nil
}

// Config returns the immutable session config.
func (s *Session) Config() SessionConfig { return s.cfg }

// SetObserver replaces the observer. nil silences events.
func (s *Session) SetObserver(obs Observer) { s.obs = obs }

// IsUserTyping reports the local typing state.
func (s *Session) IsUserTyping() bool { return s.isUserTyping }

func (s *Session) observer() Observer {
	if s.obs == nil {
		return NopObserver{}
	}
	return s.obs
}

// Connect opens a new provider connection and joins the channel.
// Any previous connection is torn down first, so repeated calls never multiply event delivery.
func (s *Session) Connect() {
	s.teardown()

	s.gen++
	s.closed = false
	gen := s.gen

	s.log.Info("chat.connect", "generation", gen)

	conn := s.provider.Open(s.cfg)
	s.conn = conn
	conn.On(func(change ConnectionStateChange) {
		s.onConnectionStateChange(gen, change)
	})

	s.channel = conn.Channel(s.cfg.Channel)
	s.joinChannel(gen)
}

// Reconnect is Connect, for hosts reacting to a foreground signal.
func (s *Session) Reconnect() {
	s.log.Info("chat.reconnect")
	s.Connect()
}

// Disconnect closes the connection gracefully and cancels pending reconnect timers.
// The observer is kept so a later Connect reuses it.
func (s *Session) Disconnect() {
	if s.conn == nil {
		return
	}
	s.log.Info("chat.disconnect", "generation", s.gen)

	s.closed = true
	s.cancelTimers()
	s.conn.Close()
}

// PublishMessage publishes text tagged with the session client id.
// Completion is reported through MessageSendFinished or Error.
func (s *Session) PublishMessage(text string) {
	ch := s.channel
	if ch == nil {
		s.signalError(ErrPublish, "publish", ErrNotConnected)
		return
	}

	gen := s.gen
	ch.Publish(s.cfg.ClientID, text, func(err error) {
		if gen != s.gen {
			return
		}
		if err != nil {
			s.signalError(ErrPublish, "publish", err)
			return
		}
		s.observer().MessageSendFinished()
	})
}

// SendTypingNotification updates the typing flag in presence.
// A repeated typing=true is suppressed; typing=false is always sent.
func (s *Session) SendTypingNotification(typing bool) {
	if s.isUserTyping && typing {
		return
	}

	if ch := s.channel; ch != nil {
		gen := s.gen
		ch.Presence().Update(PresenceData{IsTyping: typing}, func(err error) {
			if err != nil && gen == s.gen {
				s.log.Warn("chat.typing.update.fail", "typing", typing, "err", err)
			}
		})
	}
	s.isUserTyping = typing
}

// Lifecycle is the callback pair a host wires to its background/foreground signals.
type Lifecycle struct {
	OnBackground func()
	OnForeground func()
}

// Lifecycle returns the host callbacks for this session.
func (s *Session) Lifecycle() Lifecycle {
	return Lifecycle{
		OnBackground: s.Disconnect,
		OnForeground: s.Reconnect,
	}
}

// ---- connection ----

func (s *Session) teardown() {
	s.cancelTimers()
	s.history = nil

	if s.channel != nil {
		s.channel.Unsubscribe()
		s.channel.Presence().Unsubscribe()
		s.channel = nil
	}
	if s.conn != nil {
		s.conn.Off()
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) onConnectionStateChange(gen uint64, change ConnectionStateChange) {
	if gen != s.gen {
		return
	}

	s.log.Info("chat.connection.state", "from", change.Previous.String(), "to", change.Current.String())
	s.observer().ConnectionStateChanged(change)

	switch change.Current {
	case StateDisconnected:
		s.scheduleReconnect(gen, DisconnectedRetryDelay)
	case StateSuspended:
		s.scheduleReconnect(gen, SuspendedRetryDelay)
	case StateFailed:
		if change.Reason != nil {
			s.signalError(ErrConnection, "connection", change.Reason)
		}
	}
}

func (s *Session) scheduleReconnect(gen uint64, delay time.Duration) {
	s.log.Info("chat.reconnect.schedule", "delay_ms", delay.Milliseconds())

	s.after(delay, func() {
		if gen != s.gen || s.closed || s.conn == nil {
			return
		}
		s.log.Info("chat.reconnect.attempt", "state", s.conn.State().String())
		s.conn.Reconnect()
	})
}

// after runs fn on the scheduler; Connect and Disconnect cancel it.
func (s *Session) after(delay time.Duration, fn func()) {
	s.timerSeq++
	id := s.timerSeq

	fired := false
	stop := s.sched.AfterFunc(delay, func() {
		fired = true
		delete(s.timers, id)
		fn()
	})
	if !fired {
		s.timers[id] = stop
	}
}

func (s *Session) cancelTimers() {
	for id, stop := range s.timers {
		stop()
		delete(s.timers, id)
	}
}

// ---- join protocol ----

func (s *Session) live(gen uint64) bool {
	return gen == s.gen && !s.closed
}

func (s *Session) current(gen, attempt uint64) bool {
	return s.live(gen) && attempt == s.attempt
}

func (s *Session) joinChannel(gen uint64) {
	ch := s.channel
	if ch == nil {
		return
	}

	s.attempt++
	attempt := s.attempt
	presence := ch.Presence()

	s.log.Debug("chat.join", "attempt", attempt)
	s.observer().HistoryLoading()

	ch.Attach()

	ch.Subscribe(func(msg Message) {
		if !s.live(gen) {
			return
		}
		s.observer().MessageReceived(msg)
	})
	presence.Subscribe(func(pm PresenceMessage) {
		s.membersChanged(gen, pm)
	})

	presence.Enter(PresenceData{}, func(err error) {
		if !s.current(gen, attempt) {
			return
		}
		if err != nil {
			s.signalError(ErrPresenceEnter, "presence.enter", err)
			return
		}
		s.loadHistory(gen, attempt)
	})

	ch.Once(ChannelDetached, func(err error) {
		s.channelLostState(gen, attempt, ChannelDetached, err)
	})
	ch.Once(ChannelFailed, func(err error) {
		s.channelLostState(gen, attempt, ChannelFailed, err)
	})
}

// membersChanged re-reads the whole member list on every presence change.
func (s *Session) membersChanged(gen uint64, trigger PresenceMessage) {
	if !s.live(gen) || s.channel == nil {
		return
	}

	s.channel.Presence().Get(func(members []PresenceMessage, err error) {
		if !s.live(gen) {
			return
		}
		if err != nil {
			s.signalError(ErrPresenceQuery, "presence.get", err)
			return
		}
		if members == nil {
			members = []PresenceMessage{}
		}
		s.observer().MembersUpdated(members, trigger)
	})
}

func (s *Session) loadHistory(gen, attempt uint64) {
	ch := s.channel
	if ch == nil {
		return
	}

	buf := newHistoryMergeBuffer(attempt)
	s.history = buf

	q := HistoryQuery{
		Limit:       HistoryLimit,
		Direction:   Backwards,
		UntilAttach: true,
	}

	ch.History(q, func(msgs []Message, err error) {
		if !s.current(gen, attempt) {
			return
		}
		if err != nil {
			buf.fail()
			s.signalError(ErrHistoryQuery, "history.messages", err)
			return
		}
		if items, ok := buf.putMessages(msgs); ok {
			s.emitHistory(buf, items)
		}
	})

	ch.Presence().History(q, func(records []PresenceMessage, err error) {
		if !s.current(gen, attempt) {
			return
		}
		if err != nil {
			buf.fail()
			s.signalError(ErrHistoryQuery, "history.presence", err)
			return
		}
		if items, ok := buf.putPresence(records); ok {
			s.emitHistory(buf, items)
		}
	})
}

func (s *Session) emitHistory(buf *historyMergeBuffer, items []HistoryItem) {
	if s.history == buf {
		s.history = nil
	}
	s.log.Info("chat.history.loaded", "items", len(items))
	s.observer().HistoryLoaded(items)
}

// channelLostState handles a server-side detach or failure: it drops the live
// subscriptions and re-runs the join protocol. When the connection is still up the
// rejoin is scheduled after ChannelRejoinDelay, otherwise it waits for the next Connected.
func (s *Session) channelLostState(gen, attempt uint64, ev ChannelEvent, reason error) {
	if !s.current(gen, attempt) || s.conn == nil {
		return
	}

	s.attempt++
	lost := s.attempt
	s.history = nil

	s.log.Warn("chat.channel.lost", "event", ev.String(), "err", reason)

	if ch := s.channel; ch != nil {
		ch.Unsubscribe()
		ch.Presence().Unsubscribe()
	}

	if s.conn.State() == StateConnected {
		s.log.Info("chat.channel.rejoin.schedule", "delay_ms", ChannelRejoinDelay.Milliseconds())
		s.after(ChannelRejoinDelay, func() { s.rejoinWhenConnected(gen, lost) })
		return
	}
	s.rejoinWhenConnected(gen, lost)
}

// rejoinWhenConnected runs the join protocol now if connected, else on the next Connected.
func (s *Session) rejoinWhenConnected(gen, lost uint64) {
	if !s.live(gen) || lost != s.attempt || s.conn == nil {
		return
	}
	if s.conn.State() == StateConnected {
		s.joinChannel(gen)
		return
	}

	s.conn.Once(StateConnected, func(ConnectionStateChange) {
		if !s.live(gen) || lost != s.attempt {
			return
		}
		s.joinChannel(gen)
	})
}

func (s *Session) signalError(kind error, op string, err error) {
	e := &Error{Kind: kind, Op: op, Err: err}
	s.log.Warn("chat.error", "op", op, "err", err)
	s.observer().Error(e)
}
