// Package main provides a CI-friendly WebSocket smoke test for the huddle channel server.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - channel attach
//   - presence enter fanout and member listing
//   - send -> ack
//   - fanout message_new to another client
//   - history fetch
//   - idempotent dedupe by client_msg_id
//   - typing flag via presence update
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "huddle/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	seq       int

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		channel = flag.String("channel", "smoke:chat", "Channel to attach")
		text    = flag.String("text", "hello huddle 👋", "Message text to send")
		tokenA  = flag.String("token-a", "", "hello token for client A (when the server verifies tokens)")
		tokenB  = flag.String("token-b", "", "hello token for client B")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "alice", *tokenA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "bob", *tokenB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	mustAttach(root, a, *channel, *timeout)
	mustAttach(root, b, *channel, *timeout)

	mustEnter(root, a, *channel, *timeout)
	mustAssertPresence(root, b, *channel, v1.PresenceEnter, a, false, *timeout)
	mustMembersContain(root, b, *channel, a, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	serverMsgID, seq := mustSendAndAssertAck(root, a, *channel, clientMsgID, *text, *timeout)

	mustAssertNew(root, b, *channel, clientMsgID, serverMsgID, seq, a, *text, *timeout)

	_ = drainOptional(root, a, v1.TypeMessageNew, 750*time.Millisecond)

	mustHistoryContains(root, b, *channel, nil, clientMsgID, serverMsgID, seq, *text, *timeout)

	after := seq
	mustHistoryEmpty(root, b, *channel, &after, *timeout)

	_, seq2 := mustSendAndAssertAck(root, a, *channel, clientMsgID, *text, *timeout)
	if seq2 != seq {
		fatalf("dedupe: seq mismatch: first=%d second=%d", seq, seq2)
	}

	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)
	mustAssertNoType(root, a, v1.TypeMessageNew, 1200*time.Millisecond)

	mustUpdateTyping(root, a, *channel, *timeout)
	mustAssertPresence(root, b, *channel, v1.PresenceUpdate, a, true, *timeout)

	fmt.Printf("OK: A=%s B=%s channel=%s seq=%d server_msg_id=%s\n", a.sessionID, b.sessionID, *channel, seq, serverMsgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, token, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	c.mustWrite(parent, v1.TypeHello, v1.HelloPayload{ClientID: name, Token: token}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	mustDecode(c, ack, &p)
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.ClientID != name {
		fatalf("hello_ack client_id mismatch (%s): got=%q", name, p.ClientID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustAttach(parent context.Context, c *smokeClient, channel string, stepTimeout time.Duration) {
	c.mustWrite(parent, v1.TypeChannelAttach, v1.ChannelPayload{Channel: channel}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeChannelAttached, stepTimeout, nil)

	var p v1.ChannelAttachedPayload
	mustDecode(c, env, &p)
	if p.Channel != channel {
		fatalf("attached channel mismatch (%s): got=%q want=%q", c.name, p.Channel, channel)
	}
	if p.AttachedAt.IsZero() {
		fatalf("attached_at missing/zero (%s)", c.name)
	}
}

func mustEnter(parent context.Context, c *smokeClient, channel string, stepTimeout time.Duration) {
	c.mustWrite(parent, v1.TypePresenceEnter, v1.PresenceRequestPayload{Channel: channel}, stepTimeout)

	skip := map[string]struct{}{v1.TypePresenceNew: {}}
	env := c.mustReadUntilType(parent, v1.TypePresenceAck, stepTimeout, skip)

	var p v1.PresenceAckPayload
	mustDecode(c, env, &p)
	if p.Action != v1.PresenceEnter {
		fatalf("presence_ack action (%s): got=%q want=%q", c.name, p.Action, v1.PresenceEnter)
	}
}

func mustUpdateTyping(parent context.Context, c *smokeClient, channel string, stepTimeout time.Duration) {
	c.mustWrite(parent, v1.TypePresenceUpdate, v1.PresenceRequestPayload{
		Channel: channel,
		Data:    &v1.PresenceData{IsTyping: true},
	}, stepTimeout)

	skip := map[string]struct{}{v1.TypePresenceNew: {}}
	env := c.mustReadUntilType(parent, v1.TypePresenceAck, stepTimeout, skip)

	var p v1.PresenceAckPayload
	mustDecode(c, env, &p)
	if p.Action != v1.PresenceUpdate {
		fatalf("presence_ack action (%s): got=%q want=%q", c.name, p.Action, v1.PresenceUpdate)
	}
}

func mustAssertPresence(parent context.Context, c *smokeClient, channel, action string, from *smokeClient, typing bool, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypePresenceNew, stepTimeout, nil)

	var p v1.PresenceEventPayload
	mustDecode(c, env, &p)
	if p.Channel != channel || p.Action != action {
		fatalf("presence_new mismatch (%s): got=%s/%s want=%s/%s", c.name, p.Channel, p.Action, channel, action)
	}
	if p.ClientID != from.name || p.SessionID != from.sessionID {
		fatalf("presence_new member mismatch (%s): got=%q/%q", c.name, p.ClientID, p.SessionID)
	}
	if p.Data.IsTyping != typing {
		fatalf("presence_new isTyping (%s): got=%v want=%v", c.name, p.Data.IsTyping, typing)
	}
	if p.Seq <= 0 || p.ServerTS.IsZero() {
		fatalf("presence_new missing seq/server_ts (%s)", c.name)
	}
}

func mustMembersContain(parent context.Context, c *smokeClient, channel string, member *smokeClient, stepTimeout time.Duration) {
	c.mustWrite(parent, v1.TypePresenceGet, v1.ChannelPayload{Channel: channel}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypePresenceMembers, stepTimeout, nil)

	var p v1.PresenceMembersPayload
	mustDecode(c, env, &p)
	for _, m := range p.Members {
		if m.SessionID == member.sessionID && m.ClientID == member.name {
			return
		}
	}
	fatalf("presence_members missing %s (%s): got=%d members", member.name, c.name, len(p.Members))
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, channel, clientMsgID, text string, stepTimeout time.Duration) (serverMsgID string, seq int64) {
	c.mustWrite(parent, v1.TypeMessageSend, v1.MessageSendPayload{
		Channel:     channel,
		ClientMsgID: clientMsgID,
		Name:        c.name,
		Text:        text,
	}, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessageNew: {}, v1.TypePresenceNew: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	mustDecode(c, ack, &p)
	if p.Channel != channel {
		fatalf("ack channel mismatch (%s): got=%q want=%q", c.name, p.Channel, channel)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.ServerMsgID) == "" {
		fatalf("ack missing server_msg_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	return p.ServerMsgID, p.Seq
}

func mustAssertNew(parent context.Context, c *smokeClient, channel, clientMsgID, serverMsgID string, seq int64, sender *smokeClient, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, nil)

	var p v1.MessageNewPayload
	mustDecode(c, env, &p)

	if p.Channel != channel {
		fatalf("new channel mismatch (%s): got=%q want=%q", c.name, p.Channel, channel)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("new client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if p.ServerMsgID != serverMsgID {
		fatalf("new server_msg_id mismatch (%s): got=%q want=%q", c.name, p.ServerMsgID, serverMsgID)
	}
	if p.Seq != seq {
		fatalf("new seq mismatch (%s): got=%d want=%d", c.name, p.Seq, seq)
	}
	if p.ClientID != sender.name || p.SessionID != sender.sessionID {
		fatalf("new sender mismatch (%s): got=%q/%q", c.name, p.ClientID, p.SessionID)
	}
	if p.Text != text {
		fatalf("new text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
	if p.ServerTS.IsZero() {
		fatalf("new server_ts missing/zero (%s)", c.name)
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, channel string, afterSeq *int64, clientMsgID, serverMsgID string, seq int64, text string, stepTimeout time.Duration) {
	p := c.mustFetchHistory(parent, channel, afterSeq, stepTimeout)

	for _, m := range p.Messages {
		if m.ClientMsgID == clientMsgID &&
			m.ServerMsgID == serverMsgID &&
			m.Seq == seq &&
			m.Text == text &&
			!m.ServerTS.IsZero() {
			return
		}
	}
	fatalf("history_chunk missing expected message (%s)", c.name)
}

func mustHistoryEmpty(parent context.Context, c *smokeClient, channel string, afterSeq *int64, stepTimeout time.Duration) {
	p := c.mustFetchHistory(parent, channel, afterSeq, stepTimeout)
	if len(p.Messages) != 0 {
		fatalf("expected empty history chunk (%s), got=%d", c.name, len(p.Messages))
	}
}

func (c *smokeClient) mustFetchHistory(parent context.Context, channel string, afterSeq *int64, stepTimeout time.Duration) v1.HistoryChunkPayload {
	c.mustWrite(parent, v1.TypeHistoryFetch, v1.HistoryFetchPayload{
		Channel:   channel,
		Limit:     50,
		Direction: v1.DirectionForwards,
		AfterSeq:  afterSeq,
	}, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, nil)

	var p v1.HistoryChunkPayload
	mustDecode(c, chunk, &p)
	if p.Channel != channel {
		fatalf("history_chunk channel mismatch (%s): got=%q want=%q", c.name, p.Channel, channel)
	}
	return p
}

func drainOptional(parent context.Context, c *smokeClient, typ string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == typ {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				failServerError(c, env)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				failServerError(c, env)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func (c *smokeClient) mustWrite(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	c.seq++
	env, err := v1.New(typ, fmt.Sprintf("%s-%s-%d", c.name, typ, c.seq), "", time.Now().UTC(), payload)
	if err != nil {
		fatalf("build envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func mustDecode(c *smokeClient, env v1.Envelope, dst any) {
	if err := env.Decode(dst); err != nil {
		fatalf("decode (%s): %v", c.name, err)
	}
}

func failServerError(c *smokeClient, env v1.Envelope) {
	var ep v1.ErrorPayload
	_ = env.Decode(&ep)
	fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
