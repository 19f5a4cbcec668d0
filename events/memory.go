package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// memRedeliverDelay spaces redeliveries after a handler failure.
const memRedeliverDelay = 100 * time.Millisecond

// MemoryBus is an in-process Bus for dev mode and tests. Events are
// buffered per subscriber; handler failures are redelivered up to the
// same bound the JetStream bus uses.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[string]chan *TerminalEvent
	backlog []*TerminalEvent
	closed  bool
	logger  *slog.Logger
}

// NewMemoryBus creates an in-memory terminal-event bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subs:   make(map[string]chan *TerminalEvent),
		logger: logger,
	}
}

// PublishTerminal fans the event out to every subscriber. Events
// published before any subscriber exists are retained and delivered to
// the first subscriber, matching the durable-consumer behavior of the
// JetStream bus.
func (b *MemoryBus) PublishTerminal(ctx context.Context, ev *TerminalEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	if len(b.subs) == 0 {
		b.backlog = append(b.backlog, ev)
		return nil
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("Subscriber buffer full, dropping terminal event", "task_id", ev.TaskID)
		}
	}
	return nil
}

// SubscribeTerminal consumes events until ctx is cancelled.
func (b *MemoryBus) SubscribeTerminal(ctx context.Context, durable string, h Handler) error {
	ch := make(chan *TerminalEvent, 256)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus closed")
	}
	if _, exists := b.subs[durable]; exists {
		b.mu.Unlock()
		return fmt.Errorf("subscriber %q already active", durable)
	}
	b.subs[durable] = ch
	backlog := b.backlog
	b.backlog = nil
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, durable)
		b.mu.Unlock()
	}()

	for _, ev := range backlog {
		b.deliver(ctx, ev, h)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			b.deliver(ctx, ev, h)
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, ev *TerminalEvent, h Handler) {
	for attempt := 1; attempt <= eventMaxDeliver; attempt++ {
		if err := h(ctx, ev); err == nil {
			return
		} else if attempt < eventMaxDeliver {
			b.logger.Warn("Terminal event handler failed, redelivering",
				"task_id", ev.TaskID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(memRedeliverDelay):
			}
		} else {
			b.logger.Error("Dropping terminal event after repeated handler failures",
				"task_id", ev.TaskID, "error", err)
		}
	}
}

// Close shuts the bus down.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
