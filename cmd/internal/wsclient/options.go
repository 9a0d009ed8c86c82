package wsclient

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Defaults for Options.
const (
	DefaultRequestTimeout    = 10 * time.Second
	DefaultSuspendAfter      = 2 * time.Minute
	DefaultDialTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second

	outboxSize       = 256
	maxReadBytes     = 1 << 20
	maxPingFailures  = 2
	closeWriteWindow = time.Second
)

var (
	// ErrRequestTimeout is reported when no reply arrives within RequestTimeout.
	ErrRequestTimeout = errors.New("wsclient: request timed out")
	// ErrConnectionLost is reported to requests in flight when the transport drops.
	ErrConnectionLost = errors.New("wsclient: connection lost")
	// ErrConnectionClosed is reported to requests made on a closed or failed connection.
	ErrConnectionClosed = errors.New("wsclient: connection closed")
	// ErrConnectionSuspended is reported to queued requests when the connection suspends.
	ErrConnectionSuspended = errors.New("wsclient: connection suspended")
	// ErrChannelFailed is reported to requests on a failed channel.
	ErrChannelFailed = errors.New("wsclient: channel failed")
)

// ServerError is an error envelope returned by the server for a request.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Options configures a Provider.
type Options struct {
	// URL is the WebSocket endpoint, e.g. ws://127.0.0.1:8080/ws.
	URL string
	// Origin is sent as the Origin header when set.
	Origin string

	RequestTimeout    time.Duration
	SuspendAfter      time.Duration
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// HTTPClient is used for the WebSocket handshake and token requests.
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Now overrides the clock used for suspension bookkeeping.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.SuspendAfter <= 0 {
		o.SuspendAfter = DefaultSuspendAfter
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
