package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// eventStream retains terminal events long enough for any
	// subscriber to catch up after a restart.
	eventStream = "TASK_EVENTS"

	// eventSubjectPrefix lives outside the work-queue stream's
	// "tasks.>" subject space; streams may not overlap.
	eventSubjectPrefix = "task-events.terminal."

	eventMaxAge = 24 * time.Hour

	// eventMaxDeliver bounds redelivery of an event whose handler
	// keeps failing; after that the record itself is still correct.
	eventMaxDeliver = 5

	fetchWait = 5 * time.Second
)

// JetStreamBus implements Bus on a JetStream stream with one subject
// per task id, which gives per-task ordering.
type JetStreamBus struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *slog.Logger
}

// NewJetStreamBus builds the bus over an existing connection, creating
// the event stream if needed.
func NewJetStreamBus(ctx context.Context, nc *nats.Conn, logger *slog.Logger) (*JetStreamBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      eventStream,
		Subjects:  []string{eventSubjectPrefix + ">"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    eventMaxAge,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", eventStream, err)
	}
	return &JetStreamBus{js: js, stream: stream, logger: logger}, nil
}

// PublishTerminal publishes the event onto the task's subject.
func (b *JetStreamBus) PublishTerminal(ctx context.Context, ev *TerminalEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal terminal event: %w", err)
	}
	if _, err := b.js.Publish(ctx, eventSubjectPrefix+ev.TaskID, data); err != nil {
		return fmt.Errorf("publish terminal event: %w", err)
	}
	return nil
}

// SubscribeTerminal consumes terminal events with a durable consumer
// until ctx is cancelled. Handler errors Nak the message for
// redelivery, up to the delivery bound.
func (b *JetStreamBus) SubscribeTerminal(ctx context.Context, durable string, h Handler) error {
	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: eventSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       5 * time.Minute, // covers a full webhook retry cycle
		MaxDeliver:    eventMaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			b.handleMessage(ctx, msg, h)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			b.logger.Warn("Event fetch error", "error", err)
		}
	}
}

func (b *JetStreamBus) handleMessage(ctx context.Context, msg jetstream.Msg, h Handler) {
	var ev TerminalEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		b.logger.Error("Dropping undecodable terminal event", "error", err)
		if err := msg.Term(); err != nil {
			b.logger.Warn("Failed to terminate bad event", "error", err)
		}
		return
	}

	if err := h(ctx, &ev); err != nil {
		b.logger.Warn("Terminal event handler failed, requesting redelivery",
			"task_id", ev.TaskID, "error", err)
		if err := msg.Nak(); err != nil {
			b.logger.Warn("Failed to NAK event", "error", err)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		b.logger.Warn("Failed to ACK event", "error", err)
	}
}

// Close is a no-op; the connection is owned by the caller.
func (b *JetStreamBus) Close() error { return nil }
