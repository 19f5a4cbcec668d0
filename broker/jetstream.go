package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jomapps/taskd/task"
)

const (
	// streamName holds every work queue; WorkQueue retention removes
	// entries on ack.
	streamName = "TASKS"

	// probeWait is the per-consumer fetch wait while sweeping queues.
	probeWait = 50 * time.Millisecond
)

// JetStreamBroker implements Broker on a single JetStream stream with
// one subject per (queue, priority) and a durable consumer per subject.
type JetStreamBroker struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *slog.Logger

	reserveWait time.Duration
	leasePeriod time.Duration

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer

	// rotation makes queue sweeps start at a different queue each
	// time so a busy first queue cannot starve the rest.
	rotation atomic.Uint64

	ownsConn bool
}

// JetStreamConfig configures the JetStream broker.
type JetStreamConfig struct {
	// ReserveWait bounds how long Reserve keeps sweeping when idle.
	ReserveWait time.Duration
	// LeasePeriod is the consumer AckWait.
	LeasePeriod time.Duration
	// Logger is optional.
	Logger *slog.Logger
}

func (c *JetStreamConfig) withDefaults() JetStreamConfig {
	cfg := JetStreamConfig{
		ReserveWait: 2 * time.Second,
		LeasePeriod: 90 * time.Second,
	}
	if c != nil {
		if c.ReserveWait > 0 {
			cfg.ReserveWait = c.ReserveWait
		}
		if c.LeasePeriod > 0 {
			cfg.LeasePeriod = c.LeasePeriod
		}
		cfg.Logger = c.Logger
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// NewJetStreamBroker builds a broker over an existing connection,
// creating the work-queue stream if needed.
func NewJetStreamBroker(ctx context.Context, nc *nats.Conn, cfg *JetStreamConfig) (*JetStreamBroker, error) {
	c := cfg.withDefaults()

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"tasks.>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", streamName, err)
	}

	return &JetStreamBroker{
		nc:          nc,
		js:          js,
		stream:      stream,
		logger:      c.Logger,
		reserveWait: c.ReserveWait,
		leasePeriod: c.LeasePeriod,
		consumers:   make(map[string]jetstream.Consumer),
	}, nil
}

// Connect dials NATS and returns a broker that owns the connection.
func Connect(ctx context.Context, url string, cfg *JetStreamConfig) (*JetStreamBroker, error) {
	nc, err := nats.Connect(url,
		nats.Name("taskd-broker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	b, err := NewJetStreamBroker(ctx, nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.ownsConn = true
	return b, nil
}

func subjectFor(queue string, prio task.Priority) string {
	return fmt.Sprintf("tasks.%s.%s", queue, prio)
}

func consumerName(queue string, prio task.Priority) string {
	return fmt.Sprintf("wq_%s_%s", queue, prio)
}

// Enqueue publishes the entry onto the queue's priority subject.
func (b *JetStreamBroker) Enqueue(ctx context.Context, queue string, e Entry, prio task.Priority) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := b.js.Publish(ctx, subjectFor(queue, prio), data); err != nil {
		return fmt.Errorf("enqueue to %s: %w", queue, err)
	}
	return nil
}

func (b *JetStreamBroker) consumer(ctx context.Context, queue string, prio task.Priority) (jetstream.Consumer, error) {
	name := consumerName(queue, prio)

	b.mu.Lock()
	if c, ok := b.consumers[name]; ok {
		b.mu.Unlock()
		return c, nil
	}
	b.mu.Unlock()

	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: subjectFor(queue, prio),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.leasePeriod,
		// Redelivery is unbounded here: the record's attempt budget,
		// not the transport, decides when a task stops retrying.
		MaxDeliver: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", name, err)
	}

	b.mu.Lock()
	b.consumers[name] = consumer
	b.mu.Unlock()
	return consumer, nil
}

// Reserve sweeps the queues (rotated) and priorities (high first),
// probing each consumer with a short fetch, until an entry arrives or
// the reserve wait elapses.
func (b *JetStreamBroker) Reserve(ctx context.Context, queues []string, workerID string) (Lease, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("no queues configured")
	}
	deadline := time.Now().Add(b.reserveWait)

	for {
		start := int(b.rotation.Add(1)) % len(queues)
		for i := range queues {
			queue := queues[(start+i)%len(queues)]
			for _, prio := range priorities {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				lease, err := b.tryFetch(ctx, queue, prio)
				if err != nil {
					b.logger.Debug("Fetch failed", "queue", queue, "priority", prio.String(), "error", err)
					continue
				}
				if lease != nil {
					return lease, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return nil, ErrNoEntry
		}
	}
}

func (b *JetStreamBroker) tryFetch(ctx context.Context, queue string, prio task.Priority) (Lease, error) {
	consumer, err := b.consumer(ctx, queue, prio)
	if err != nil {
		return nil, err
	}

	msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(probeWait))
	if err != nil {
		return nil, err
	}
	for msg := range msgs.Messages() {
		var e Entry
		if err := json.Unmarshal(msg.Data(), &e); err != nil {
			b.logger.Error("Dropping undecodable queue entry", "queue", queue, "error", err)
			if termErr := msg.Term(); termErr != nil {
				b.logger.Warn("Failed to terminate bad entry", "error", termErr)
			}
			continue
		}
		return &jsLease{msg: msg, entry: e, queue: queue}, nil
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, nil
}

// QueueDepth sums pending entries across the queue's priority consumers.
func (b *JetStreamBroker) QueueDepth(ctx context.Context, queue string) (int64, error) {
	var depth int64
	for _, prio := range priorities {
		consumer, err := b.consumer(ctx, queue, prio)
		if err != nil {
			return 0, err
		}
		info, err := consumer.Info(ctx)
		if err != nil {
			return 0, fmt.Errorf("consumer info: %w", err)
		}
		depth += int64(info.NumPending)
	}
	return depth, nil
}

// Close releases the connection if this broker owns it.
func (b *JetStreamBroker) Close() error {
	if b.ownsConn {
		b.nc.Close()
	}
	return nil
}

// jsLease adapts a JetStream message to the Lease interface.
type jsLease struct {
	msg   jetstream.Msg
	entry Entry
	queue string
}

func (l *jsLease) Entry() Entry  { return l.entry }
func (l *jsLease) Queue() string { return l.queue }

func (l *jsLease) Ack(ctx context.Context) error {
	return l.msg.Ack()
}

func (l *jsLease) Nack(ctx context.Context, requeue bool, delay time.Duration) error {
	if !requeue {
		return l.msg.Term()
	}
	if delay > 0 {
		return l.msg.NakWithDelay(delay)
	}
	return l.msg.Nak()
}

func (l *jsLease) Renew(ctx context.Context) error {
	return l.msg.InProgress()
}
