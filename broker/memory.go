package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jomapps/taskd/task"
)

// memPollInterval is how often an idle Reserve rechecks the queues.
const memPollInterval = 20 * time.Millisecond

// MemoryBroker is a complete in-process Broker: FIFO per priority
// bucket, delayed redelivery, and lease expiry. It backs dev mode
// (empty BROKER_URL) and the worker/api test suites.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue

	reserveWait time.Duration
	leasePeriod time.Duration
	closed      bool
}

type memQueue struct {
	// one FIFO bucket per priority, indexed high/normal/low
	buckets map[task.Priority][]*memItem
}

type memItem struct {
	entry   Entry
	prio    task.Priority
	readyAt time.Time
}

// MemoryConfig configures the in-memory broker.
type MemoryConfig struct {
	ReserveWait time.Duration
	LeasePeriod time.Duration
}

// NewMemoryBroker creates an in-memory broker.
func NewMemoryBroker(cfg *MemoryConfig) *MemoryBroker {
	b := &MemoryBroker{
		queues:      make(map[string]*memQueue),
		reserveWait: 2 * time.Second,
		leasePeriod: 90 * time.Second,
	}
	if cfg != nil {
		if cfg.ReserveWait > 0 {
			b.reserveWait = cfg.ReserveWait
		}
		if cfg.LeasePeriod > 0 {
			b.leasePeriod = cfg.LeasePeriod
		}
	}
	return b
}

func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{buckets: make(map[task.Priority][]*memItem)}
		b.queues[name] = q
	}
	return q
}

// Enqueue appends the entry to the queue's priority bucket.
func (b *MemoryBroker) Enqueue(ctx context.Context, queue string, e Entry, prio task.Priority) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	q := b.queue(queue)
	q.buckets[prio] = append(q.buckets[prio], &memItem{entry: e, prio: prio, readyAt: time.Now()})
	return nil
}

// Reserve polls the queues until an entry is ready or the reserve wait
// elapses. Priority order is high before normal before low; within a
// bucket, FIFO.
func (b *MemoryBroker) Reserve(ctx context.Context, queues []string, workerID string) (Lease, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("no queues configured")
	}
	deadline := time.Now().Add(b.reserveWait)

	for {
		if lease := b.take(queues); lease != nil {
			return lease, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNoEntry
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(memPollInterval):
		}
	}
}

func (b *MemoryBroker) take(queues []string) Lease {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for _, name := range queues {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		for _, prio := range priorities {
			bucket := q.buckets[prio]
			for i, item := range bucket {
				if item.readyAt.After(now) {
					continue
				}
				q.buckets[prio] = append(bucket[:i:i], bucket[i+1:]...)
				lease := &memLease{broker: b, queue: name, item: item}
				lease.timer = time.AfterFunc(b.leasePeriod, lease.expire)
				return lease
			}
		}
	}
	return nil
}

// QueueDepth counts undelivered entries, including delayed ones.
func (b *MemoryBroker) QueueDepth(ctx context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0, nil
	}
	var depth int64
	for _, bucket := range q.buckets {
		depth += int64(len(bucket))
	}
	return depth, nil
}

// Close marks the broker closed; outstanding leases become no-ops.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBroker) requeue(queue string, item *memItem, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	item.readyAt = time.Now().Add(delay)
	q := b.queue(queue)
	q.buckets[item.prio] = append(q.buckets[item.prio], item)
}

// memLease implements Lease for the in-memory broker. The expiry timer
// plays the role of the JetStream ack wait: if the holder neither acks
// nor renews, the entry returns to its queue.
type memLease struct {
	broker *MemoryBroker
	queue  string
	item   *memItem

	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

func (l *memLease) Entry() Entry  { return l.item.entry }
func (l *memLease) Queue() string { return l.queue }

func (l *memLease) expire() {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	l.mu.Unlock()
	l.broker.requeue(l.queue, l.item, 0)
}

func (l *memLease) finish() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return false
	}
	l.done = true
	l.timer.Stop()
	return true
}

func (l *memLease) Ack(ctx context.Context) error {
	l.finish()
	return nil
}

func (l *memLease) Nack(ctx context.Context, requeue bool, delay time.Duration) error {
	if l.finish() && requeue {
		l.broker.requeue(l.queue, l.item, delay)
	}
	return nil
}

func (l *memLease) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return fmt.Errorf("lease already finished")
	}
	l.timer.Reset(l.broker.leasePeriod)
	return nil
}
