package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/rl1809/flash-drop/internal/core/domain"
)

const defaultSubscriberBuffer = 64

// Hub fans events out to in-process subscribers such as SSE streams.
// A subscriber that falls behind loses messages instead of stalling Emit.
type Hub struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Message
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{logger: logger, subs: make(map[int]chan Message)}
}

// Subscribe registers a listener. The returned cancel func unregisters it
// and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Message, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Emit(ctx context.Context, event domain.Event) error {
	msg, err := encode(event)
	if err != nil {
		return err
	}
	h.Publish(msg)
	return nil
}

// Publish delivers an already encoded message.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.logger.Debug("hub subscriber lagging, message dropped",
				zap.Int("subscriber", id),
				zap.String("event", msg.Event),
			)
		}
	}
}
