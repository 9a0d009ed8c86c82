package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	v1 "huddle/contracts/realtime/v1"

	"github.com/coder/websocket"
)

var errOutboxFull = errors.New("wsclient: outbox full")

// transport is one dialed websocket. Its goroutines report to the connection
// only by posting onto the loop, tagged with the epoch they were dialed for.
type transport struct {
	epoch uint64
	ws    *websocket.Conn
	out   chan v1.Envelope

	ctx    context.Context
	cancel context.CancelFunc
}

// transportEvents are the loop-side handlers a transport reports to.
type transportEvents struct {
	envelope func(epoch uint64, env v1.Envelope)
	lost     func(epoch uint64, err error)
}

func dialTransport(ctx context.Context, opts Options, epoch uint64) (*transport, error) {
	dctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	h := http.Header{}
	if opts.Origin != "" {
		h.Set("Origin", opts.Origin)
	}

	ws, resp, err := websocket.Dial(dctx, opts.URL, &websocket.DialOptions{
		HTTPClient:   opts.HTTPClient,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, errors.New("wsclient: server did not select " + v1.Subprotocol)
	}
	ws.SetReadLimit(maxReadBytes)

	tctx, tcancel := context.WithCancel(ctx)
	return &transport{
		epoch:  epoch,
		ws:     ws,
		out:    make(chan v1.Envelope, outboxSize),
		ctx:    tctx,
		cancel: tcancel,
	}, nil
}

// start launches the reader, writer and heartbeat goroutines.
func (t *transport) start(loop *Loop, opts Options, ev transportEvents) {
	go t.readLoop(loop, ev)
	go t.writeLoop(opts)
	go t.heartbeat(opts)
}

func (t *transport) readLoop(loop *Loop, ev transportEvents) {
	for {
		_, data, err := t.ws.Read(t.ctx)
		if err != nil {
			loop.Post(func() { ev.lost(t.epoch, err) })
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if err := env.Validate(); err != nil {
			continue
		}
		loop.Post(func() { ev.envelope(t.epoch, env) })
	}
}

func (t *transport) writeLoop(opts Options) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case env := <-t.out:
			b, err := json.Marshal(env)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(t.ctx, opts.RequestTimeout)
			err = t.ws.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				// The reader observes the failure and reports the loss.
				_ = t.ws.CloseNow()
				return
			}
		}
	}
}

func (t *transport) heartbeat(opts Options) {
	tick := time.NewTicker(opts.HeartbeatInterval)
	defer tick.Stop()

	failures := 0
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-tick.C:
			pctx, cancel := context.WithTimeout(t.ctx, opts.HeartbeatTimeout)
			err := t.ws.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= maxPingFailures {
				_ = t.ws.CloseNow()
				return
			}
		}
	}
}

// send queues env without blocking.
func (t *transport) send(env v1.Envelope) error {
	select {
	case t.out <- env:
		return nil
	default:
		return errOutboxFull
	}
}

// close stops the goroutines and closes the socket in the background.
func (t *transport) close(code websocket.StatusCode, reason string) {
	go func() {
		// Let the writer drain what is already queued (e.g. a final leave).
		deadline := time.NewTimer(closeWriteWindow)
		defer deadline.Stop()
		for len(t.out) > 0 {
			select {
			case <-deadline.C:
				t.cancel()
				_ = t.ws.CloseNow()
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
		t.cancel()
		_ = t.ws.Close(code, reason)
	}()
}
