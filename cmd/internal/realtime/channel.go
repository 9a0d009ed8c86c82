package realtime

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	v1 "huddle/contracts/realtime/v1"
)

// Attachment is one session's membership of a channel, with the history
// watermarks recorded when it attached.
type Attachment struct {
	Client      *Client
	MessageSeq  int64
	PresenceSeq int64
	AttachedAt  time.Time
}

// Member is one entry of a channel presence set.
type Member struct {
	SessionID string
	ClientID  string
	Data      v1.PresenceData
	Seq       int64
	UpdatedAt time.Time
}

// Channel is an in-memory attachment set, presence set and broadcast fanout.
//
// Concurrency guarantees:
//   - Attach/Detach are safe under concurrent Broadcast.
//   - Broadcast never blocks (drops under backpressure).
//   - Broadcast is panic-safe because Client.Send is never closed by the server.
type Channel struct {
	log  *slog.Logger
	Name string

	mu       sync.RWMutex
	attached map[string]Attachment // session id -> attachment
	present  map[string]Member     // session id -> member
}

// NewChannel constructs an empty channel.
func NewChannel(log *slog.Logger, name string) *Channel {
	return &Channel{
		log:      log,
		Name:     name,
		attached: make(map[string]Attachment),
		present:  make(map[string]Member),
	}
}

// Attach records (or refreshes) a session attachment.
func (c *Channel) Attach(a Attachment) {
	if c == nil || a.Client == nil || a.Client.SessionID == "" {
		return
	}

	c.mu.Lock()
	c.attached[a.Client.SessionID] = a
	c.mu.Unlock()

	c.log.Info("channel.attach", "channel", c.Name, "session_id", a.Client.SessionID,
		"message_seq", a.MessageSeq, "presence_seq", a.PresenceSeq)
}

// Attachment returns the session attachment, if any.
func (c *Channel) Attachment(sessionID string) (Attachment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.attached[sessionID]
	return a, ok
}

// Detach removes a session attachment. It reports whether the session was attached.
// Presence is left untouched; callers leave presence first.
func (c *Channel) Detach(sessionID string) bool {
	if c == nil || sessionID == "" {
		return false
	}

	c.mu.Lock()
	_, ok := c.attached[sessionID]
	delete(c.attached, sessionID)
	c.mu.Unlock()

	if ok {
		c.log.Info("channel.detach", "channel", c.Name, "session_id", sessionID)
	}
	return ok
}

// IsPresent reports whether the session is in the presence set.
func (c *Channel) IsPresent(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.present[sessionID]
	return ok
}

// SetPresence inserts or replaces a member.
func (c *Channel) SetPresence(m Member) {
	c.mu.Lock()
	c.present[m.SessionID] = m
	c.mu.Unlock()
}

// RemovePresence drops a member and reports whether it was present.
func (c *Channel) RemovePresence(sessionID string) (Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.present[sessionID]
	delete(c.present, sessionID)
	return m, ok
}

// Members returns the presence set ordered by client id, then session id.
func (c *Channel) Members() []Member {
	c.mu.RLock()
	out := make([]Member, 0, len(c.present))
	for _, m := range c.present {
		out = append(out, m)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Reset drops every attachment and presence member and returns the dropped clients.
// Callers notify the clients; nothing is broadcast here.
func (c *Channel) Reset() []*Client {
	c.mu.Lock()
	out := make([]*Client, 0, len(c.attached))
	for _, a := range c.attached {
		out = append(out, a.Client)
	}
	c.attached = make(map[string]Attachment)
	c.present = make(map[string]Member)
	c.mu.Unlock()

	c.log.Warn("channel.reset", "channel", c.Name, "sessions", len(out))
	return out
}

// Broadcast fans an envelope out to all attached sessions and returns the delivered count.
// Non-blocking: if a session queue is full or the client is shutting down, it is dropped.
func (c *Channel) Broadcast(env v1.Envelope) int {
	if c == nil {
		return 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, a := range c.attached {
		if a.Client.TrySend(env) {
			n++
		}
	}
	return n
}

// Len returns the number of attached sessions.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.attached)
}
