package realtime

import (
	"context"
	"sync"
	"time"
)

const (
	memMaxMessagesPerChannel = 10_000
	memMaxPresencePerChannel = 10_000
)

// InMemoryStore is the fallback when no database is configured.
// It implements both MessageStore and PresenceStore.
type InMemoryStore struct {
	mu       sync.Mutex
	channels map[string]*memChannel
}

type memChannel struct {
	seq    int64
	dedupe map[string]StoredMessage // client_msg_id -> stored message
	msgs   []StoredMessage          // ordered by seq

	presenceSeq int64
	presence    []PresenceEvent // ordered by seq
}

// NewInMemoryStore constructs an in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		channels: make(map[string]*memChannel),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) channel(name string) *memChannel {
	c := s.channels[name]
	if c == nil {
		c = &memChannel{dedupe: make(map[string]StoredMessage)}
		s.channels[name] = c
	}
	return c
}

// AppendMessage persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.Channel == "" || in.ClientMsgID == "" || in.SenderSession == "" {
		return AppendMessageResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.channel(in.Channel)
	if existing, ok := c.dedupe[in.ClientMsgID]; ok {
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}

	serverMsgID, err := NewServerMsgID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	c.seq++
	msg := StoredMessage{
		Channel:       in.Channel,
		ClientMsgID:   in.ClientMsgID,
		ServerMsgID:   serverMsgID,
		Seq:           c.seq,
		ClientID:      in.ClientID,
		SenderSession: in.SenderSession,
		Name:          in.Name,
		Text:          in.Text,
		ServerTS:      now,
	}
	c.dedupe[in.ClientMsgID] = msg
	c.msgs = append(c.msgs, msg)

	if len(c.msgs) > memMaxMessagesPerChannel {
		for _, old := range c.msgs[:len(c.msgs)-memMaxMessagesPerChannel] {
			delete(c.dedupe, old.ClientMsgID)
		}
		c.msgs = append([]StoredMessage(nil), c.msgs[len(c.msgs)-memMaxMessagesPerChannel:]...)
	}

	return AppendMessageResult{Stored: msg}, nil
}

// FetchHistory returns a message window in the requested direction.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.Channel == "" {
		return FetchHistoryResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	s.mu.Lock()
	var snap []StoredMessage
	if c := s.channels[in.Channel]; c != nil {
		snap = append([]StoredMessage(nil), c.msgs...)
	}
	s.mu.Unlock()

	msgs, hasMore := window(snap, func(m StoredMessage) int64 { return m.Seq }, in)
	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// LatestSeq returns the last allocated message seq (0 for an empty channel).
func (s *InMemoryStore) LatestSeq(ctx context.Context, channel string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.channels[channel]; c != nil {
		return c.seq, nil
	}
	return 0, nil
}

// AppendPresence appends one event to the channel presence log.
func (s *InMemoryStore) AppendPresence(ctx context.Context, in AppendPresenceInput) (PresenceEvent, error) {
	if in.Channel == "" || in.SessionID == "" || !validPresenceAction(in.Action) {
		return PresenceEvent{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return PresenceEvent{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.channel(in.Channel)
	c.presenceSeq++
	ev := PresenceEvent{
		Channel:   in.Channel,
		Seq:       c.presenceSeq,
		Action:    in.Action,
		ClientID:  in.ClientID,
		SessionID: in.SessionID,
		Data:      in.Data,
		ServerTS:  now,
	}
	c.presence = append(c.presence, ev)

	if len(c.presence) > memMaxPresencePerChannel {
		c.presence = append([]PresenceEvent(nil), c.presence[len(c.presence)-memMaxPresencePerChannel:]...)
	}
	return ev, nil
}

// FetchPresenceHistory returns a presence window in the requested direction.
func (s *InMemoryStore) FetchPresenceHistory(ctx context.Context, in FetchHistoryInput) (FetchPresenceHistoryResult, error) {
	if in.Channel == "" {
		return FetchPresenceHistoryResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchPresenceHistoryResult{}, err
	}

	s.mu.Lock()
	var snap []PresenceEvent
	if c := s.channels[in.Channel]; c != nil {
		snap = append([]PresenceEvent(nil), c.presence...)
	}
	s.mu.Unlock()

	events, hasMore := window(snap, func(e PresenceEvent) int64 { return e.Seq }, in)
	return FetchPresenceHistoryResult{Events: events, HasMore: hasMore}, nil
}

// LatestPresenceSeq returns the last allocated presence seq (0 for an empty channel).
func (s *InMemoryStore) LatestPresenceSeq(ctx context.Context, channel string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.channels[channel]; c != nil {
		return c.presenceSeq, nil
	}
	return 0, nil
}
