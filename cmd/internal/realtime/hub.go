package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory channels and provides stable channel handles.
// Persistence lives behind MessageStore and PresenceStore.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		channels: make(map[string]*Channel),
	}
}

// GetOrCreateChannel returns a stable in-memory channel handle.
func (h *Hub) GetOrCreateChannel(name string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.channels[name]; ok {
		return c
	}

	c := NewChannel(h.log, name)
	h.channels[name] = c
	return c
}

// Channel returns an existing channel.
func (h *Hub) Channel(name string) (*Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.channels[name]
	return c, ok
}
