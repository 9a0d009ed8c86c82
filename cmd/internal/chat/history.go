package chat

import "sort"

// historyMergeBuffer collects the two history halves of one join attempt.
//
// Invariants:
//   - ready returns the merged history at most once, and only after both halves arrived.
//   - once failed, it never returns anything.
type historyMergeBuffer struct {
	attempt uint64

	messages     []Message
	presence     []PresenceMessage
	haveMessages bool
	havePresence bool

	failed  bool
	emitted bool
}

func newHistoryMergeBuffer(attempt uint64) *historyMergeBuffer {
	return &historyMergeBuffer{attempt: attempt}
}

func (b *historyMergeBuffer) putMessages(msgs []Message) ([]HistoryItem, bool) {
	b.messages = msgs
	b.haveMessages = true
	return b.ready()
}

func (b *historyMergeBuffer) putPresence(records []PresenceMessage) ([]HistoryItem, bool) {
	b.presence = records
	b.havePresence = true
	return b.ready()
}

func (b *historyMergeBuffer) fail() {
	b.failed = true
	b.messages = nil
	b.presence = nil
}

func (b *historyMergeBuffer) ready() ([]HistoryItem, bool) {
	if b.failed || b.emitted || !b.haveMessages || !b.havePresence {
		return nil, false
	}
	b.emitted = true

	items := mergeHistory(b.messages, b.presence)
	b.messages = nil
	b.presence = nil
	return items, true
}

// mergeHistory concatenates both sequences and sorts them by ascending timestamp.
// Equal timestamps keep messages before presence records, each in input order.
func mergeHistory(msgs []Message, presence []PresenceMessage) []HistoryItem {
	out := make([]HistoryItem, 0, len(msgs)+len(presence))
	for _, m := range msgs {
		out = append(out, m)
	}
	for _, p := range presence {
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].historyTime().Before(out[j].historyTime())
	})
	return out
}
