package wsclient

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"huddle/cmd/internal/chat"
)

// Provider opens WebSocket connections for chat sessions.
// It implements chat.Provider and, through its Loop, chat.Scheduler.
type Provider struct {
	loop *Loop
	opts Options
}

// NewProvider validates opts and returns a Provider delivering on loop.
func NewProvider(loop *Loop, opts Options) (*Provider, error) {
	if loop == nil {
		return nil, errors.New("wsclient: nil loop")
	}
	u, err := url.Parse(strings.TrimSpace(opts.URL))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.New("wsclient: url scheme must be ws or wss")
	}
	if u.Host == "" {
		return nil, errors.New("wsclient: url missing host")
	}
	opts.URL = u.String()

	return &Provider{loop: loop, opts: opts.withDefaults()}, nil
}

// Open returns a connection in StateInitialized; it starts connecting once the
// caller's current loop turn ends, so listeners registered right after Open see Connecting.
func (p *Provider) Open(cfg chat.SessionConfig) chat.Connection {
	c := newConnection(p, cfg)
	p.loop.Post(c.start)
	return c
}

// AfterFunc schedules fn on the provider loop.
func (p *Provider) AfterFunc(d time.Duration, fn func()) func() bool {
	return p.loop.AfterFunc(d, fn)
}
