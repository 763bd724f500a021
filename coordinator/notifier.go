package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/adscope/adscope/message"
)

// Notifier receives coordinator broadcasts. Implementations bridge to SSE
// streams, MCP clients or in-process callbacks.
type Notifier interface {
	Notify(ctx context.Context, msg *message.Message) error
}

// NotifyFunc adapts a function to the Notifier interface.
type NotifyFunc func(ctx context.Context, msg *message.Message) error

func (f NotifyFunc) Notify(ctx context.Context, msg *message.Message) error {
	return f(ctx, msg)
}

// Broadcaster fans notifications out to all attached listeners. One failing
// listener never blocks the rest; failures are logged and dropped, because
// the persisted store, not the broadcast, is the durable source of truth.
type Broadcaster struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Notifier
	logger    *slog.Logger
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		listeners: make(map[int]Notifier),
		logger:    logger,
	}
}

// Attach registers a listener and returns its detach function.
func (b *Broadcaster) Attach(n Notifier) (detach func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = n
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Len returns the number of attached listeners.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Notify delivers msg to every attached listener.
func (b *Broadcaster) Notify(ctx context.Context, msg *message.Message) {
	b.mu.RLock()
	listeners := make([]Notifier, 0, len(b.listeners))
	for _, n := range b.listeners {
		listeners = append(listeners, n)
	}
	b.mu.RUnlock()

	for _, n := range listeners {
		if err := n.Notify(ctx, msg); err != nil {
			b.logger.Warn("coordinator: notify failed",
				"kind", msg.Type, "error", err)
		}
	}
}
