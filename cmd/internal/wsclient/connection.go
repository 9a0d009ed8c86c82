package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/ids"
	v1 "huddle/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Connection is one logical realtime connection. All fields are owned by the loop.
type Connection struct {
	p   *Provider
	cfg chat.SessionConfig
	log *slog.Logger

	state chat.ConnectionState
	on    []func(chat.ConnectionStateChange)
	once  map[chat.ConnectionState][]func(chat.ConnectionStateChange)

	channels map[string]*Channel

	// epoch identifies the current dial; events from older transports are ignored.
	epoch      uint64
	t          *transport
	dialCancel context.CancelFunc

	sessionID string
	downSince time.Time

	idPrefix string
	idSeq    uint64
	pending  map[string]*request
	queue    []*request
}

type request struct {
	env   v1.Envelope
	reply func(v1.Envelope, error)
	stop  func() bool
}

func newConnection(p *Provider, cfg chat.SessionConfig) *Connection {
	prefix, err := ids.NewULID(p.opts.Now())
	if err != nil {
		prefix = fmt.Sprintf("c%d", p.opts.Now().UnixNano())
	}
	return &Connection{
		p:        p,
		cfg:      cfg,
		log:      p.opts.Logger.With("client_id", cfg.ClientID),
		state:    chat.StateInitialized,
		once:     make(map[chat.ConnectionState][]func(chat.ConnectionStateChange)),
		channels: make(map[string]*Channel),
		idPrefix: prefix,
		pending:  make(map[string]*request),
	}
}

// State returns the current connection state.
func (c *Connection) State() chat.ConnectionState { return c.state }

// SessionID returns the server-assigned connection id of the current transport.
func (c *Connection) SessionID() string { return c.sessionID }

// On registers fn for every state change.
func (c *Connection) On(fn func(chat.ConnectionStateChange)) {
	if fn != nil {
		c.on = append(c.on, fn)
	}
}

// Once registers fn for the next transition into state.
func (c *Connection) Once(state chat.ConnectionState, fn func(chat.ConnectionStateChange)) {
	if fn != nil {
		c.once[state] = append(c.once[state], fn)
	}
}

// Off removes every state listener.
func (c *Connection) Off() {
	c.on = nil
	c.once = make(map[chat.ConnectionState][]func(chat.ConnectionStateChange))
}

// Channel returns the handle for name, creating it on first use.
func (c *Connection) Channel(name string) chat.Channel {
	return c.channel(name)
}

func (c *Connection) channel(name string) *Channel {
	ch, ok := c.channels[name]
	if !ok {
		ch = newChannel(c, name)
		c.channels[name] = ch
	}
	return ch
}

// Reconnect dials again unless the connection is up, dialing, or closed.
func (c *Connection) Reconnect() {
	switch c.state {
	case chat.StateConnecting, chat.StateConnected, chat.StateClosing, chat.StateClosed:
		return
	}
	c.log.Info("wsclient.reconnect", "state", c.state.String())
	c.connect()
}

// Close moves to Closing then Closed. Pending callbacks and channel listeners are dropped.
func (c *Connection) Close() {
	if c.state == chat.StateClosing || c.state == chat.StateClosed {
		return
	}

	c.setState(chat.StateClosing, nil, nil)

	c.epoch++
	c.stopTransport(websocket.StatusNormalClosure, "client closed")
	c.dropRequests()
	for _, ch := range c.channels {
		ch.reset()
	}

	c.setState(chat.StateClosed, nil, nil)
}

func (c *Connection) start() {
	if c.state != chat.StateInitialized {
		return
	}
	c.connect()
}

func (c *Connection) connect() {
	c.stopTransport(websocket.StatusNormalClosure, "redial")

	c.epoch++
	epoch := c.epoch
	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel

	c.setState(chat.StateConnecting, nil, nil)

	cfg := c.cfg
	opts := c.p.opts
	loop := c.p.loop
	go func() {
		token, err := fetchToken(ctx, opts, cfg)
		if err != nil {
			loop.Post(func() { c.onDialFailed(epoch, err) })
			return
		}
		t, err := dialTransport(ctx, opts, epoch)
		if err != nil {
			loop.Post(func() { c.onDialFailed(epoch, err) })
			return
		}
		if !loop.Post(func() { c.onDialed(t, token) }) {
			t.cancel()
			_ = t.ws.CloseNow()
		}
	}()
}

func fetchToken(ctx context.Context, opts Options, cfg chat.SessionConfig) (string, error) {
	if strings.TrimSpace(cfg.AuthURL) == "" {
		return "", nil
	}
	tctx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
	defer cancel()

	td, err := NewTokenSource(opts.HTTPClient, cfg.AuthURL).Token(tctx, cfg.ClientID)
	if err != nil {
		return "", err
	}
	return td.Token, nil
}

func (c *Connection) onDialFailed(epoch uint64, err error) {
	if epoch != c.epoch || c.state != chat.StateConnecting {
		return
	}
	c.log.Info("wsclient.dial.fail", "err", err)

	if errors.Is(err, ErrTokenRejected) {
		c.fail(err)
		return
	}
	c.lost(err)
}

func (c *Connection) onDialed(t *transport, token string) {
	if t.epoch != c.epoch || c.state != chat.StateConnecting {
		t.cancel()
		_ = t.ws.CloseNow()
		return
	}

	c.t = t
	t.start(c.p.loop, c.p.opts, transportEvents{
		envelope: c.onEnvelope,
		lost:     c.onTransportLost,
	})

	epoch := t.epoch
	hello := c.newRequest(v1.TypeHello, v1.HelloPayload{ClientID: c.cfg.ClientID, Token: token}, func(env v1.Envelope, err error) {
		if epoch != c.epoch || c.state != chat.StateConnecting {
			return
		}
		if err != nil {
			var se *ServerError
			if errors.As(err, &se) {
				c.fail(err)
				return
			}
			c.lost(err)
			return
		}

		var ack v1.HelloAckPayload
		if err := env.Decode(&ack); err != nil {
			c.fail(fmt.Errorf("wsclient: hello_ack: %w", err))
			return
		}
		c.sessionID = ack.SessionID
		c.downSince = time.Time{}
		c.setState(chat.StateConnected, nil, c.flushQueue)
	})
	if hello != nil {
		c.sendNow(hello)
	}
}

func (c *Connection) onTransportLost(epoch uint64, err error) {
	if epoch != c.epoch {
		return
	}
	c.lost(err)
}

// lost handles a dropped or failed transport: Disconnected, or Suspended once the
// connection has been down for SuspendAfter. In-flight and queued requests fail and
// every attached channel reports Detached.
func (c *Connection) lost(err error) {
	if c.state != chat.StateConnecting && c.state != chat.StateConnected {
		return
	}

	c.stopTransport(websocket.StatusGoingAway, "connection lost")

	now := c.p.opts.Now()
	if c.downSince.IsZero() {
		c.downSince = now
	}
	next := chat.StateDisconnected
	if now.Sub(c.downSince) >= c.p.opts.SuspendAfter {
		next = chat.StateSuspended
	}

	c.log.Info("wsclient.transport.lost", "next", next.String(), "err", err)

	c.failRequests(ErrConnectionLost)
	c.setState(next, err, nil)
	for _, ch := range c.sortedChannels() {
		ch.lost(err)
	}
}

// fail moves to Failed; the connection does not redial on its own.
func (c *Connection) fail(err error) {
	c.stopTransport(websocket.StatusPolicyViolation, "failed")
	c.failRequests(err)
	c.setState(chat.StateFailed, err, nil)
	for _, ch := range c.sortedChannels() {
		ch.failed(err)
	}
}

func (c *Connection) stopTransport(code websocket.StatusCode, reason string) {
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.t != nil {
		c.t.close(code, reason)
		c.t = nil
	}
}

// setState transitions and notifies listeners. before runs after the transition
// and ahead of the listeners.
func (c *Connection) setState(next chat.ConnectionState, reason error, before func()) {
	if next == c.state {
		return
	}
	change := chat.ConnectionStateChange{Previous: c.state, Current: next, Reason: reason}
	c.state = next

	c.log.Debug("wsclient.state", "from", change.Previous.String(), "to", next.String())

	if next == chat.StateSuspended {
		c.failQueued(ErrConnectionSuspended)
	}
	if before != nil {
		before()
	}

	for _, fn := range append([]func(chat.ConnectionStateChange){}, c.on...) {
		fn(change)
	}
	onces := c.once[next]
	delete(c.once, next)
	for _, fn := range onces {
		fn(change)
	}
}

func (c *Connection) sortedChannels() []*Channel {
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// ---- requests ----

func (c *Connection) nextID() string {
	c.idSeq++
	return fmt.Sprintf("%s-%d", c.idPrefix, c.idSeq)
}

func (c *Connection) newRequest(typ string, payload any, reply func(v1.Envelope, error)) *request {
	env, err := v1.New(typ, c.nextID(), "", c.p.opts.Now().UTC(), payload)
	if err != nil {
		c.p.loop.Post(func() { reply(v1.Envelope{}, err) })
		return nil
	}
	return &request{env: env, reply: reply}
}

// request sends now when connected, queues while (re)connecting, and fails
// asynchronously when the connection is closed or failed.
func (c *Connection) request(typ string, payload any, reply func(v1.Envelope, error)) {
	r := c.newRequest(typ, payload, reply)
	if r == nil {
		return
	}

	switch c.state {
	case chat.StateConnected:
		c.sendNow(r)
	case chat.StateClosing, chat.StateClosed, chat.StateFailed:
		c.p.loop.Post(func() { reply(v1.Envelope{}, ErrConnectionClosed) })
	case chat.StateSuspended:
		c.p.loop.Post(func() { reply(v1.Envelope{}, ErrConnectionSuspended) })
	default:
		c.queue = append(c.queue, r)
	}
}

func (c *Connection) sendNow(r *request) {
	if c.t == nil {
		c.p.loop.Post(func() { r.reply(v1.Envelope{}, ErrConnectionLost) })
		return
	}

	id := r.env.ID
	c.pending[id] = r
	r.stop = c.p.loop.AfterFunc(c.p.opts.RequestTimeout, func() {
		if c.pending[id] != r {
			return
		}
		delete(c.pending, id)
		r.reply(v1.Envelope{}, ErrRequestTimeout)
	})

	if err := c.t.send(r.env); err != nil {
		c.lost(err)
	}
}

func (c *Connection) flushQueue() {
	q := c.queue
	c.queue = nil
	for _, r := range q {
		if c.state != chat.StateConnected {
			c.queue = append(c.queue, r)
			continue
		}
		c.sendNow(r)
	}
}

func (c *Connection) failRequests(err error) {
	pending := c.pending
	c.pending = make(map[string]*request)
	for _, r := range pending {
		r := r
		r.stop()
		c.p.loop.Post(func() { r.reply(v1.Envelope{}, err) })
	}
	c.failQueued(err)
}

func (c *Connection) failQueued(err error) {
	q := c.queue
	c.queue = nil
	for _, r := range q {
		r := r
		c.p.loop.Post(func() { r.reply(v1.Envelope{}, err) })
	}
}

func (c *Connection) dropRequests() {
	for _, r := range c.pending {
		r.stop()
	}
	c.pending = make(map[string]*request)
	c.queue = nil
}

// ---- inbound ----

func (c *Connection) onEnvelope(epoch uint64, env v1.Envelope) {
	if epoch != c.epoch {
		return
	}

	if env.Ref != "" {
		r, ok := c.pending[env.Ref]
		if !ok {
			return
		}
		delete(c.pending, env.Ref)
		r.stop()

		if env.Type == v1.TypeError {
			r.reply(env, serverError(env))
			return
		}
		r.reply(env, nil)
		return
	}

	switch env.Type {
	case v1.TypeMessageNew:
		var p v1.MessageNewPayload
		if err := env.Decode(&p); err == nil {
			if ch, ok := c.channels[p.Channel]; ok {
				ch.deliver(p)
			}
		}
	case v1.TypePresenceNew:
		var p v1.PresenceEventPayload
		if err := env.Decode(&p); err == nil {
			if ch, ok := c.channels[p.Channel]; ok {
				ch.presence.deliver(p)
			}
		}
	case v1.TypeChannelDetached, v1.TypeChannelFailed:
		var p v1.ChannelStatePayload
		if err := env.Decode(&p); err != nil {
			return
		}
		ch, ok := c.channels[p.Channel]
		if !ok {
			return
		}
		reason := &ServerError{Code: p.Code, Message: p.Reason}
		if env.Type == v1.TypeChannelFailed {
			ch.failed(reason)
		} else {
			ch.lost(reason)
		}
	case v1.TypeError:
		c.log.Warn("wsclient.server.error", "err", serverError(env))
	}
}

func serverError(env v1.Envelope) error {
	var p v1.ErrorPayload
	if err := env.Decode(&p); err != nil {
		return &ServerError{Code: "unknown", Message: err.Error()}
	}
	return &ServerError{Code: p.Code, Message: p.Message}
}
