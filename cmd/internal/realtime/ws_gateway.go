package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "huddle/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second
	wsCleanupTimeout      = 5 * time.Second

	wsMaxPingFailures = 3

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for huddle realtime.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the Hub and the message and presence stores.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	messages MessageStore
	presence PresenceStore
	metrics  *Metrics
	tokens   *TokenVerifier

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	now func() time.Time
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway)

// WithMetrics records gateway activity on m.
func WithMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// WithTokenVerifier requires every hello to carry a token accepted by v.
// Without it tokens are not checked.
func WithTokenVerifier(v *TokenVerifier) GatewayOption {
	return func(g *WSGateway) { g.tokens = v }
}

// WithClock overrides the gateway clock.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *WSGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewWSGateway constructs a gateway with secure defaults read from HUDDLE_WS_* env vars.
// Nil stores fall back to one shared in-memory store; a message store that also
// implements PresenceStore serves both roles.
func NewWSGateway(log *slog.Logger, hub *Hub, messages MessageStore, presence PresenceStore, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if messages == nil {
		messages = NewInMemoryStore()
	}
	if presence == nil {
		if ps, ok := messages.(PresenceStore); ok {
			presence = ps
		} else {
			presence = NewInMemoryStore()
		}
	}

	g := &WSGateway{
		log:      log,
		hub:      hub,
		messages: messages,
		presence: presence,
		now:      func() time.Time { return time.Now().UTC() },
	}

	// NOTE: InsecureSkipVerify disables websocket.Accept's origin check; dev only.
	g.devInsecure = envBoolWS("HUDDLE_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("HUDDLE_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("HUDDLE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy (same-host ok, cross-origin needs
	// OriginPatterns). Derive the patterns from the allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("HUDDLE_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("HUDDLE_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("HUDDLE_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("HUDDLE_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("HUDDLE_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("HUDDLE_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("HUDDLE_WS_RATE_WINDOW", rateLimitWindow)

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Hub returns the gateway hub.
func (g *WSGateway) Hub() *Hub { return g.hub }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(g.now())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	client := NewClient(sessionID, g.sendQueueSize)
	s := &wsSession{
		g:        g,
		client:   client,
		log:      g.log.With("session_id", sessionID),
		channels: make(map[string]*Channel),
	}

	g.metrics.connOpened()
	defer g.metrics.connClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send and does not touch
	// channel state; the read loop owner cleans up after the loop exits.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// Leave presence and detach everywhere once the read loop is gone.
	defer s.leaveAll()

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
				g.metrics.envelopeOut(env.Type)
			}
		}
	}()

	// fatal stops the writer, flushes what is already queued, writes the error
	// envelope on the read loop, and only then closes the connection.
	fatal := func(ref string, fe *fatalError) {
		client.Close()
		<-writerDone

		if err := s.flushQueued(ctx, conn); err != nil {
			shutdown(websocket.StatusAbnormalClosure, "write failed")
			return
		}
		if env, err := s.errorEnvelope(ref, fe.code, fe.msg); err == nil {
			if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err == nil {
				g.metrics.envelopeOut(env.Type)
			}
		}
		shutdown(websocket.StatusPolicyViolation, fe.code)
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					s.log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				s.sendError("", "bad_json", "invalid JSON")
				continue readLoop
			default:
				s.log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := g.now()
		if !rl.Allow(now) {
			fatal(env.ID, &fatalError{code: "rate_limited", msg: "too many events"})
			break readLoop
		}

		if err := env.Validate(); err != nil {
			s.sendError(env.ID, "bad_envelope", err.Error())
			continue readLoop
		}
		g.metrics.envelopeIn(env.Type)

		if err := s.dispatch(ctx, env, now); err != nil {
			var fe *fatalError
			if errors.As(err, &fe) {
				fatal(env.ID, fe)
				break readLoop
			}
			var pe *protocolError
			if errors.As(err, &pe) {
				s.sendError(env.ID, pe.code, pe.msg)
				continue readLoop
			}
			s.log.Warn("ws.handle.fail", "type", env.Type, "err", err)
			s.sendError(env.ID, "internal", "internal error")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ResetChannel forcibly detaches every session from a channel and empties its presence set.
// Each affected session receives channel_failed. It returns the number of sessions notified.
func (g *WSGateway) ResetChannel(ctx context.Context, name, reason string) (int, error) {
	ch, ok := g.hub.Channel(name)
	if !ok {
		return 0, nil
	}

	members := ch.Members()
	clients := ch.Reset()

	for _, m := range members {
		ev, err := g.presence.AppendPresence(ctx, AppendPresenceInput{
			Channel:   name,
			Action:    v1.PresenceLeave,
			ClientID:  m.ClientID,
			SessionID: m.SessionID,
			Data:      m.Data,
			Now:       g.now(),
		})
		if err != nil {
			return 0, fmt.Errorf("realtime: reset %s: %w", name, err)
		}
		g.metrics.presenceEvent(ev.Action)
	}

	env, err := v1.New(v1.TypeChannelFailed, g.envelopeID(), "", g.now(), v1.ChannelStatePayload{
		Channel: name,
		Code:    "reset",
		Reason:  reason,
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, c := range clients {
		if c.TrySend(env) {
			n++
		}
	}
	g.log.Warn("channel.reset.notify", "channel", name, "sessions", n, "reason", reason)
	return n, nil
}

func (g *WSGateway) envelopeID() string {
	id, err := NewEnvelopeID(g.now())
	if err != nil {
		// Entropy failure; any unique-enough id keeps the envelope valid.
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return id
}

// ---- session ----

// wsSession is the per-connection state. Every method runs on the read loop goroutine.
type wsSession struct {
	g      *WSGateway
	client *Client
	log    *slog.Logger

	hello    bool
	channels map[string]*Channel
}

// protocolError is reported to the peer as an error envelope; the session continues.
type protocolError struct {
	code string
	msg  string
}

func (e *protocolError) Error() string { return e.code + ": " + e.msg }

// fatalError is reported to the peer and then closes the session.
type fatalError struct {
	code string
	msg  string
}

func (e *fatalError) Error() string { return e.code + ": " + e.msg }

func protoErr(code, format string, args ...any) error {
	return &protocolError{code: code, msg: fmt.Sprintf(format, args...)}
}

func (s *wsSession) dispatch(ctx context.Context, env v1.Envelope, now time.Time) error {
	if env.Type == v1.TypeHello {
		return s.onHello(env, now)
	}
	if !s.hello {
		return protoErr("hello_required", "send hello first")
	}

	switch env.Type {
	case v1.TypeChannelAttach:
		return s.onAttach(ctx, env, now)
	case v1.TypeChannelDetach:
		return s.onDetach(ctx, env, now)
	case v1.TypeMessageSend:
		return s.onMessageSend(ctx, env, now)
	case v1.TypePresenceEnter:
		return s.onPresence(ctx, env, v1.PresenceEnter, now)
	case v1.TypePresenceUpdate:
		return s.onPresence(ctx, env, v1.PresenceUpdate, now)
	case v1.TypePresenceLeave:
		return s.onPresence(ctx, env, v1.PresenceLeave, now)
	case v1.TypePresenceGet:
		return s.onPresenceGet(env)
	case v1.TypeHistoryFetch:
		return s.onHistoryFetch(ctx, env)
	case v1.TypePresenceHistoryFetch:
		return s.onPresenceHistoryFetch(ctx, env)
	default:
		return protoErr("unsupported", "unsupported type: %s", env.Type)
	}
}

func (s *wsSession) onHello(env v1.Envelope, now time.Time) error {
	if s.hello {
		return protoErr("hello_repeated", "hello already accepted")
	}

	var p v1.HelloPayload
	if err := env.Decode(&p); err != nil {
		return &fatalError{code: "hello_failed", msg: err.Error()}
	}

	clientID := strings.TrimSpace(p.ClientID)
	if clientID == "" {
		return &fatalError{code: "hello_failed", msg: "missing client_id"}
	}
	if len(clientID) > maxClientIDBytes {
		return &fatalError{code: "hello_failed", msg: "client_id too long"}
	}
	if s.g.tokens != nil {
		if err := s.g.tokens.Verify(p.Token, clientID, now); err != nil {
			s.log.Info("ws.hello.token.reject", "client_id", clientID, "err", err)
			return &fatalError{code: "token_invalid", msg: err.Error()}
		}
	}

	s.client.setClientID(clientID)
	s.hello = true
	s.log = s.log.With("client_id", clientID)
	s.log.Info("ws.hello", "has_token", p.Token != "")

	return s.reply(v1.TypeHelloAck, env.ID, v1.HelloAckPayload{
		SessionID: s.client.SessionID,
		ClientID:  clientID,
	})
}

func (s *wsSession) onAttach(ctx context.Context, env v1.Envelope, now time.Time) error {
	var p v1.ChannelPayload
	if err := env.Decode(&p); err != nil {
		return protoErr("attach_failed", "invalid payload: %v", err)
	}
	name, err := channelName(p.Channel)
	if err != nil {
		return protoErr("attach_failed", "%v", err)
	}

	ch := s.g.hub.GetOrCreateChannel(name)

	// Attach before reading the watermarks: an event racing the attach is then
	// delivered live and may also appear in history, but is never lost.
	ch.Attach(Attachment{Client: s.client, AttachedAt: now})
	s.channels[name] = ch

	msgSeq, err := s.g.messages.LatestSeq(ctx, name)
	if err != nil {
		return fmt.Errorf("latest message seq: %w", err)
	}
	presSeq, err := s.g.presence.LatestPresenceSeq(ctx, name)
	if err != nil {
		return fmt.Errorf("latest presence seq: %w", err)
	}
	ch.Attach(Attachment{Client: s.client, MessageSeq: msgSeq, PresenceSeq: presSeq, AttachedAt: now})

	return s.reply(v1.TypeChannelAttached, env.ID, v1.ChannelAttachedPayload{
		Channel:     name,
		MessageSeq:  msgSeq,
		PresenceSeq: presSeq,
		AttachedAt:  now,
	})
}

func (s *wsSession) onDetach(ctx context.Context, env v1.Envelope, now time.Time) error {
	var p v1.ChannelPayload
	if err := env.Decode(&p); err != nil {
		return protoErr("detach_failed", "invalid payload: %v", err)
	}
	name, err := channelName(p.Channel)
	if err != nil {
		return protoErr("detach_failed", "%v", err)
	}

	if ch, ok := s.channels[name]; ok {
		s.leaveChannel(ctx, ch, now)
		delete(s.channels, name)
	}

	return s.reply(v1.TypeChannelDetached, env.ID, v1.ChannelStatePayload{Channel: name})
}

func (s *wsSession) onMessageSend(ctx context.Context, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := env.Decode(&p); err != nil {
		return protoErr("send_failed", "invalid payload: %v", err)
	}

	ch, _, err := s.attachment(p.Channel)
	if err != nil {
		return err
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		return protoErr("send_failed", "missing client_msg_id")
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return protoErr("send_failed", "empty text")
	}
	if len([]rune(text)) > maxMessageChars {
		return protoErr("send_failed", "message too long: max=%d chars", maxMessageChars)
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = s.client.ClientID()
	}

	res, err := s.g.messages.AppendMessage(ctx, AppendMessageInput{
		Channel:       ch.Name,
		ClientMsgID:   p.ClientMsgID,
		ClientID:      s.client.ClientID(),
		SenderSession: s.client.SessionID,
		Name:          name,
		Text:          text,
		Now:           now,
	})
	if err != nil {
		return fmt.Errorf("store append: %w", err)
	}

	stored := res.Stored
	if err := s.reply(v1.TypeMessageAck, env.ID, v1.MessageAckPayload{
		Channel:     stored.Channel,
		ClientMsgID: stored.ClientMsgID,
		ServerMsgID: stored.ServerMsgID,
		Seq:         stored.Seq,
	}); err != nil {
		return err
	}

	if res.Duplicated {
		return nil
	}

	newEnv, err := v1.New(v1.TypeMessageNew, s.g.envelopeID(), "", now, stored.payload())
	if err != nil {
		return err
	}
	ch.Broadcast(newEnv)
	s.g.metrics.messagePublished()
	return nil
}

func (s *wsSession) onPresence(ctx context.Context, env v1.Envelope, action string, now time.Time) error {
	var p v1.PresenceRequestPayload
	if err := env.Decode(&p); err != nil {
		return protoErr("presence_failed", "invalid payload: %v", err)
	}

	ch, _, err := s.attachment(p.Channel)
	if err != nil {
		return err
	}

	sid := s.client.SessionID
	present := ch.IsPresent(sid)

	// enter while present is an update; update while absent is an implicit enter.
	switch {
	case action == v1.PresenceEnter && present:
		action = v1.PresenceUpdate
	case action == v1.PresenceUpdate && !present:
		action = v1.PresenceEnter
	case action == v1.PresenceLeave && !present:
		return protoErr("not_present", "not present on %s", ch.Name)
	}

	var data v1.PresenceData
	if p.Data != nil {
		data = *p.Data
	}

	ev, err := s.appendPresence(ctx, ch, action, data, now)
	if err != nil {
		return err
	}

	return s.reply(v1.TypePresenceAck, env.ID, v1.PresenceAckPayload{
		Channel: ch.Name,
		Action:  ev.Action,
		Seq:     ev.Seq,
	})
}

// appendPresence records the event, updates the presence set and broadcasts it.
func (s *wsSession) appendPresence(ctx context.Context, ch *Channel, action string, data v1.PresenceData, now time.Time) (PresenceEvent, error) {
	ev, err := s.g.presence.AppendPresence(ctx, AppendPresenceInput{
		Channel:   ch.Name,
		Action:    action,
		ClientID:  s.client.ClientID(),
		SessionID: s.client.SessionID,
		Data:      data,
		Now:       now,
	})
	if err != nil {
		return PresenceEvent{}, fmt.Errorf("presence append: %w", err)
	}

	if action == v1.PresenceLeave {
		ch.RemovePresence(s.client.SessionID)
	} else {
		ch.SetPresence(Member{
			SessionID: s.client.SessionID,
			ClientID:  s.client.ClientID(),
			Data:      data,
			Seq:       ev.Seq,
			UpdatedAt: now,
		})
	}
	s.g.metrics.presenceEvent(action)

	out, err := v1.New(v1.TypePresenceNew, s.g.envelopeID(), "", now, ev.payload())
	if err != nil {
		return PresenceEvent{}, err
	}
	ch.Broadcast(out)
	return ev, nil
}

func (s *wsSession) onPresenceGet(env v1.Envelope) error {
	var p v1.ChannelPayload
	if err := env.Decode(&p); err != nil {
		return protoErr("presence_failed", "invalid payload: %v", err)
	}

	ch, _, err := s.attachment(p.Channel)
	if err != nil {
		return err
	}

	members := ch.Members()
	out := make([]v1.PresenceEventPayload, 0, len(members))
	for _, m := range members {
		out = append(out, v1.PresenceEventPayload{
			Channel:   ch.Name,
			Seq:       m.Seq,
			Action:    v1.PresencePresent,
			ClientID:  m.ClientID,
			SessionID: m.SessionID,
			Data:      m.Data,
			ServerTS:  m.UpdatedAt,
		})
	}

	return s.reply(v1.TypePresenceMembers, env.ID, v1.PresenceMembersPayload{
		Channel: ch.Name,
		Members: out,
	})
}

func (s *wsSession) historyInput(p v1.HistoryFetchPayload, watermark func(Attachment) int64) (FetchHistoryInput, error) {
	ch, att, err := s.attachment(p.Channel)
	if err != nil {
		return FetchHistoryInput{}, err
	}
	dir, err := ParseDirection(p.Direction)
	if err != nil {
		return FetchHistoryInput{}, protoErr("history_failed", "%v", err)
	}

	in := FetchHistoryInput{
		Channel:   ch.Name,
		AfterSeq:  p.AfterSeq,
		Direction: dir,
		Limit:     clampHistoryLimit(p.Limit),
	}
	if p.UntilAttach {
		until := watermark(att)
		in.UntilSeq = &until
	}
	return in, nil
}

func (s *wsSession) onHistoryFetch(ctx context.Context, env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := env.Decode(&p); err != nil {
		return protoErr("history_failed", "invalid payload: %v", err)
	}

	in, err := s.historyInput(p, func(a Attachment) int64 { return a.MessageSeq })
	if err != nil {
		return err
	}

	out, err := s.g.messages.FetchHistory(ctx, in)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}

	msgs := make([]v1.MessageNewPayload, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, m.payload())
	}

	return s.reply(v1.TypeHistoryChunk, env.ID, v1.HistoryChunkPayload{
		Channel:  in.Channel,
		Messages: msgs,
		HasMore:  out.HasMore,
	})
}

func (s *wsSession) onPresenceHistoryFetch(ctx context.Context, env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := env.Decode(&p); err != nil {
		return protoErr("history_failed", "invalid payload: %v", err)
	}

	in, err := s.historyInput(p, func(a Attachment) int64 { return a.PresenceSeq })
	if err != nil {
		return err
	}

	out, err := s.g.presence.FetchPresenceHistory(ctx, in)
	if err != nil {
		return fmt.Errorf("fetch presence history: %w", err)
	}

	events := make([]v1.PresenceEventPayload, 0, len(out.Events))
	for _, e := range out.Events {
		events = append(events, e.payload())
	}

	return s.reply(v1.TypePresenceHistoryChunk, env.ID, v1.PresenceHistoryChunkPayload{
		Channel: in.Channel,
		Events:  events,
		HasMore: out.HasMore,
	})
}

// attachment resolves a channel the session is currently attached to.
func (s *wsSession) attachment(raw string) (*Channel, Attachment, error) {
	name, err := channelName(raw)
	if err != nil {
		return nil, Attachment{}, protoErr("bad_channel", "%v", err)
	}
	ch, ok := s.channels[name]
	if !ok {
		return nil, Attachment{}, protoErr("not_attached", "attach %s first", name)
	}
	att, ok := ch.Attachment(s.client.SessionID)
	if !ok {
		// Reset by the server since we attached.
		delete(s.channels, name)
		return nil, Attachment{}, protoErr("not_attached", "attach %s first", name)
	}
	return ch, att, nil
}

// leaveChannel performs the implicit presence leave and detaches.
func (s *wsSession) leaveChannel(ctx context.Context, ch *Channel, now time.Time) {
	if ch.IsPresent(s.client.SessionID) {
		var data v1.PresenceData
		for _, m := range ch.Members() {
			if m.SessionID == s.client.SessionID {
				data = m.Data
				break
			}
		}
		if _, err := s.appendPresence(ctx, ch, v1.PresenceLeave, data, now); err != nil {
			s.log.Warn("ws.presence.leave.fail", "channel", ch.Name, "err", err)
			ch.RemovePresence(s.client.SessionID)
		}
	}
	ch.Detach(s.client.SessionID)
}

func (s *wsSession) leaveAll() {
	if len(s.channels) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsCleanupTimeout)
	defer cancel()

	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	now := s.g.now()
	for _, name := range names {
		s.leaveChannel(ctx, s.channels[name], now)
		delete(s.channels, name)
	}
}

// ---- send helpers ----

func (s *wsSession) reply(typ, ref string, payload any) error {
	env, err := v1.New(typ, s.g.envelopeID(), ref, s.g.now(), payload)
	if err != nil {
		return err
	}
	if !s.client.TrySend(env) {
		return &fatalError{code: "backpressure", msg: "send queue full: " + typ}
	}
	return nil
}

func (s *wsSession) sendError(ref, code, msg string) {
	env, err := s.errorEnvelope(ref, code, msg)
	if err != nil {
		return
	}
	_ = s.client.TrySend(env)
}

func (s *wsSession) errorEnvelope(ref, code, msg string) (v1.Envelope, error) {
	return v1.New(v1.TypeError, s.g.envelopeID(), ref, s.g.now(), v1.ErrorPayload{Code: code, Message: msg})
}

// flushQueued writes envelopes still sitting in the send queue. The writer
// goroutine must have exited.
func (s *wsSession) flushQueued(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case env := <-s.client.Send:
			if err := writeEnvelope(ctx, conn, env, s.g.writeTimeout); err != nil {
				return err
			}
			s.g.metrics.envelopeOut(env.Type)
		default:
			return nil
		}
	}
}

func channelName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", errors.New("missing channel")
	}
	if len(name) > maxChannelNameBytes {
		return "", errors.New("channel name too long")
	}
	return name, nil
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, deduplicated hosts of the allowlist.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
