package wsclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"huddle/cmd/internal/chat"
	"huddle/cmd/internal/realtime"

	"github.com/golang-jwt/jwt/v5"
)

const testOrigin = "http://localhost"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// hijackRecorder keeps the raw connections handed to the websocket upgrade so
// tests can cut them without a close handshake.
type hijackRecorder struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (h *hijackRecorder) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&hijackWriter{ResponseWriter: w, rec: h}, r)
	})
}

func (h *hijackRecorder) cutAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		_ = c.Close()
	}
	h.conns = nil
}

type hijackWriter struct {
	http.ResponseWriter
	rec *hijackRecorder
}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	c, rw, err := hj.Hijack()
	if err == nil {
		w.rec.mu.Lock()
		w.rec.conns = append(w.rec.conns, c)
		w.rec.mu.Unlock()
	}
	return c, rw, err
}

type testServer struct {
	gw   *realtime.WSGateway
	srv  *httptest.Server
	hijk *hijackRecorder
}

func newTestServer(t *testing.T, opts ...realtime.GatewayOption) *testServer {
	t.Helper()

	ts := &testServer{
		gw:   realtime.NewWSGateway(discardLogger(), nil, nil, nil, opts...),
		hijk: &hijackRecorder{},
	}
	ts.srv = httptest.NewServer(ts.hijk.wrap(ts.gw))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func newTestProvider(t *testing.T, url string, mutate func(*Options)) (*Provider, *Loop) {
	t.Helper()

	loop := startLoop(t)
	opts := Options{
		URL:            url,
		Origin:         testOrigin,
		RequestTimeout: 3 * time.Second,
		DialTimeout:    2 * time.Second,
		Logger:         discardLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := NewProvider(loop, opts)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p, loop
}

// onLoop runs fn on the loop and waits for it.
func onLoop(t *testing.T, l *Loop, fn func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Call(ctx, fn); err != nil {
		t.Fatalf("loop call: %v", err)
	}
}

// ---- observer ----

type chanObserver struct {
	events chan string

	mu      sync.Mutex
	history [][]chat.HistoryItem
	members [][]chat.PresenceMessage
	errs    []error
}

func newChanObserver() *chanObserver {
	return &chanObserver{events: make(chan string, 256)}
}

func (o *chanObserver) push(ev string) {
	select {
	case o.events <- ev:
	default:
	}
}

func (o *chanObserver) ConnectionStateChanged(change chat.ConnectionStateChange) {
	o.push("state:" + change.Current.String())
}

func (o *chanObserver) HistoryLoading() { o.push("history_loading") }

func (o *chanObserver) MessageSendFinished() { o.push("send_finished") }

func (o *chanObserver) MessageReceived(msg chat.Message) {
	o.push("message:" + msg.ClientID + ":" + msg.Text)
}

func (o *chanObserver) Error(err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
	o.push("error")
}

func (o *chanObserver) HistoryLoaded(items []chat.HistoryItem) {
	o.mu.Lock()
	o.history = append(o.history, items)
	o.mu.Unlock()
	o.push(fmt.Sprintf("history_loaded:%d", len(items)))
}

func (o *chanObserver) MembersUpdated(members []chat.PresenceMessage, trigger chat.PresenceMessage) {
	o.mu.Lock()
	o.members = append(o.members, members)
	o.mu.Unlock()
	o.push("members:" + trigger.ClientID + ":" + trigger.Action.String())
}

// waitFor consumes events until want arrives.
func (o *chanObserver) waitFor(t *testing.T, want string) {
	t.Helper()

	deadline := time.After(5 * time.Second)
	var seen []string
	for {
		select {
		case ev := <-o.events:
			if ev == want {
				return
			}
			seen = append(seen, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %q; saw %v", want, seen)
		}
	}
}

// waitForPrefix consumes events until one starting with prefix arrives and returns it.
func (o *chanObserver) waitForPrefix(t *testing.T, prefix string) string {
	t.Helper()

	deadline := time.After(5 * time.Second)
	var seen []string
	for {
		select {
		case ev := <-o.events:
			if strings.HasPrefix(ev, prefix) {
				return ev
			}
			seen = append(seen, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %q; saw %v", prefix, seen)
		}
	}
}

func (o *chanObserver) lastHistory() []chat.HistoryItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.history) == 0 {
		return nil
	}
	return o.history[len(o.history)-1]
}

func (o *chanObserver) lastMembers() []chat.PresenceMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.members) == 0 {
		return nil
	}
	return o.members[len(o.members)-1]
}

func (o *chanObserver) firstErr() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.errs) == 0 {
		return nil
	}
	return o.errs[0]
}

func newTestSession(t *testing.T, p *Provider, clientID, authURL string) (*chat.Session, *chanObserver) {
	t.Helper()

	obs := newChanObserver()
	s, err := chat.NewSession(
		chat.SessionConfig{ClientID: clientID, AuthURL: authURL},
		p,
		chat.WithObserver(obs),
		chat.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s, obs
}

// ---- tests ----

func TestNewProvider_RejectsBadURL(t *testing.T) {
	t.Parallel()

	loop := NewLoop()
	for _, raw := range []string{"", "http://example.com/ws", "ws://", "::"} {
		if _, err := NewProvider(loop, Options{URL: raw}); err == nil {
			t.Fatalf("NewProvider(%q) err=nil want error", raw)
		}
	}
	if _, err := NewProvider(nil, Options{URL: "ws://localhost/ws"}); err == nil {
		t.Fatalf("NewProvider(nil loop) err=nil want error")
	}
}

func TestSession_EndToEnd(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	pa, la := newTestProvider(t, ts.wsURL(), nil)
	alice, aobs := newTestSession(t, pa, "alice", "")
	onLoop(t, la, alice.Connect)

	aobs.waitFor(t, "state:connected")
	// alice's own enter lands after the attach watermark.
	aobs.waitFor(t, "history_loaded:0")

	onLoop(t, la, func() { alice.PublishMessage("hi") })
	aobs.waitFor(t, "message:alice:hi")

	pb, lb := newTestProvider(t, ts.wsURL(), nil)
	bob, bobs := newTestSession(t, pb, "bob", "")
	onLoop(t, lb, bob.Connect)

	bobs.waitFor(t, "history_loaded:2")
	items := bobs.lastHistory()
	pm, ok := items[0].(chat.PresenceMessage)
	if !ok || pm.ClientID != "alice" || pm.Action != chat.PresenceEnter {
		t.Fatalf("history[0]=%#v want alice enter", items[0])
	}
	msg, ok := items[1].(chat.Message)
	if !ok || msg.Text != "hi" || msg.Name != "alice" {
		t.Fatalf("history[1]=%#v want alice message hi", items[1])
	}

	aobs.waitFor(t, "members:bob:enter")
	if got := len(aobs.lastMembers()); got != 2 {
		t.Fatalf("members=%d want=2", got)
	}

	onLoop(t, lb, func() { bob.SendTypingNotification(true) })
	aobs.waitFor(t, "members:bob:update")

	var bobTyping bool
	for _, m := range aobs.lastMembers() {
		if m.ClientID == "bob" {
			bobTyping = m.Data.IsTyping
		}
	}
	if !bobTyping {
		t.Fatalf("bob typing=false want=true in %+v", aobs.lastMembers())
	}

	onLoop(t, lb, bob.Disconnect)
	bobs.waitFor(t, "state:closed")
	aobs.waitFor(t, "members:bob:leave")

	onLoop(t, la, alice.Disconnect)
	aobs.waitFor(t, "state:closed")
}

func TestSession_RejoinsAfterChannelReset(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	p, loop := newTestProvider(t, ts.wsURL(), nil)
	s, obs := newTestSession(t, p, "alice", "")
	onLoop(t, loop, s.Connect)

	obs.waitFor(t, "state:connected")
	obs.waitFor(t, "history_loaded:0")

	n, err := ts.gw.ResetChannel(context.Background(), chat.DefaultChannel, "maintenance")
	if err != nil {
		t.Fatalf("ResetChannel: %v", err)
	}
	if n != 1 {
		t.Fatalf("notified=%d want=1", n)
	}

	obs.waitFor(t, "history_loading")
	obs.waitForPrefix(t, "history_loaded:")

	onLoop(t, loop, func() { s.PublishMessage("back") })
	obs.waitFor(t, "message:alice:back")

	onLoop(t, loop, s.Disconnect)
	obs.waitFor(t, "state:closed")
}

func TestConnection_TransportLossAndReconnect(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	p, loop := newTestProvider(t, ts.wsURL(), nil)

	states := make(chan chat.ConnectionState, 32)
	detached := make(chan error, 1)

	var conn *Connection
	onLoop(t, loop, func() {
		conn = p.Open(chat.SessionConfig{ClientID: "carol"}).(*Connection)
		conn.On(func(change chat.ConnectionStateChange) { states <- change.Current })

		ch := conn.channel(chat.DefaultChannel)
		ch.Attach()
		ch.Once(chat.ChannelDetached, func(err error) { detached <- err })
	})

	waitState(t, states, chat.StateConnected)

	attached := make(chan struct{})
	onLoop(t, loop, func() {
		ch := conn.channel(chat.DefaultChannel)
		if ch.state == channelAttached {
			close(attached)
			return
		}
		ch.Once(chat.ChannelAttached, func(error) { close(attached) })
	})
	select {
	case <-attached:
	case <-time.After(3 * time.Second):
		t.Fatalf("channel never attached")
	}

	ts.hijk.cutAll()

	waitState(t, states, chat.StateDisconnected)
	select {
	case <-detached:
	case <-time.After(3 * time.Second):
		t.Fatalf("channel did not report detached")
	}

	onLoop(t, loop, conn.Reconnect)
	waitState(t, states, chat.StateConnected)

	var sid string
	onLoop(t, loop, func() { sid = conn.SessionID() })
	if sid == "" {
		t.Fatalf("session id empty after reconnect")
	}

	onLoop(t, loop, conn.Close)
	waitState(t, states, chat.StateClosed)
}

func TestConnection_SuspendsAfterSustainedFailure(t *testing.T) {
	t.Parallel()

	dead := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	p, loop := newTestProvider(t, url, func(o *Options) { o.SuspendAfter = time.Millisecond })

	states := make(chan chat.ConnectionState, 32)
	var conn *Connection
	onLoop(t, loop, func() {
		conn = p.Open(chat.SessionConfig{ClientID: "dave"}).(*Connection)
		conn.On(func(change chat.ConnectionStateChange) { states <- change.Current })
	})

	waitState(t, states, chat.StateDisconnected)

	queued := make(chan error, 1)
	time.Sleep(5 * time.Millisecond)
	onLoop(t, loop, func() {
		conn.channel(chat.DefaultChannel).Publish("dave", "queued", func(err error) { queued <- err })
		conn.Reconnect()
	})

	waitState(t, states, chat.StateSuspended)
	select {
	case err := <-queued:
		if !errors.Is(err, ErrConnectionLost) && !errors.Is(err, ErrConnectionSuspended) {
			t.Fatalf("queued publish err=%v want lost or suspended", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("queued publish never completed")
	}
}

func TestSession_TokenRejectedFails(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	auth := tokenServer(t, http.StatusUnauthorized, map[string]string{"error": "nope"})

	p, loop := newTestProvider(t, ts.wsURL(), nil)
	s, obs := newTestSession(t, p, "eve", auth.URL)
	onLoop(t, loop, s.Connect)

	obs.waitFor(t, "state:failed")
	obs.waitFor(t, "error")

	err := obs.firstErr()
	if !errors.Is(err, chat.ErrConnection) || !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("err=%v want ErrConnection wrapping ErrTokenRejected", err)
	}
}

func TestSession_TokenAccepted(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	auth := tokenServer(t, http.StatusOK, TokenDetails{Token: "opaque", ClientID: "frank"})

	p, loop := newTestProvider(t, ts.wsURL(), nil)
	s, obs := newTestSession(t, p, "frank", auth.URL)
	onLoop(t, loop, s.Connect)

	obs.waitFor(t, "state:connected")
	obs.waitFor(t, "history_loaded:0")
}

func TestSession_ServerRejectsTokenFails(t *testing.T) {
	t.Parallel()

	secret := []byte("test-secret-test-secret-test-sec")
	verifier, err := realtime.NewTokenVerifier(realtime.TokenConfig{JWTSecret: secret})
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}
	ts := newTestServer(t, realtime.WithTokenVerifier(verifier))

	sign := func(sub string, exp time.Time) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		}).SignedString(secret)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return tok
	}

	good := tokenServer(t, http.StatusOK, TokenDetails{Token: sign("gina", time.Now().Add(time.Hour))})
	p, loop := newTestProvider(t, ts.wsURL(), nil)
	s, obs := newTestSession(t, p, "gina", good.URL)
	onLoop(t, loop, s.Connect)
	obs.waitFor(t, "state:connected")

	expired := tokenServer(t, http.StatusOK, TokenDetails{Token: sign("hank", time.Now().Add(-time.Hour))})
	p2, loop2 := newTestProvider(t, ts.wsURL(), nil)
	s2, obs2 := newTestSession(t, p2, "hank", expired.URL)
	onLoop(t, loop2, s2.Connect)
	obs2.waitFor(t, "state:failed")

	var se *ServerError
	if err := obs2.firstErr(); !errors.As(err, &se) || se.Code != "token_invalid" {
		t.Fatalf("err=%v want ServerError token_invalid", err)
	}
}

func waitState(t *testing.T, states <-chan chat.ConnectionState, want chat.ConnectionState) {
	t.Helper()

	deadline := time.After(5 * time.Second)
	var seen []string
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
			seen = append(seen, s.String())
		case <-deadline:
			t.Fatalf("timed out waiting for %s; saw %v", want, seen)
		}
	}
}
