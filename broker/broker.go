// Package broker provides typed FIFO work queues with at-least-once
// delivery, leases, and revocation-friendly acknowledgement. The
// production implementation rides on NATS JetStream; an in-memory
// implementation backs dev mode and tests.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/jomapps/taskd/task"
)

// ErrNoEntry is returned by Reserve when no entry became available
// within the reserve wait.
var ErrNoEntry = errors.New("no queue entry available")

// Entry is the small envelope that travels through a queue. The full
// record lives in the store; entries are not authoritative.
type Entry struct {
	TaskID     string    `json:"task_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Lease is the broker's promise that a reserved entry will not be
// redelivered while the holder keeps renewing. Exactly one of Ack or
// Nack finishes a lease.
type Lease interface {
	// Entry returns the reserved envelope.
	Entry() Entry
	// Queue returns the queue the entry was reserved from.
	Queue() string
	// Ack removes the entry permanently.
	Ack(ctx context.Context) error
	// Nack returns the entry to the queue (optionally after delay)
	// when requeue is true, or drops it when false.
	Nack(ctx context.Context, requeue bool, delay time.Duration) error
	// Renew extends the lease while the task keeps running.
	Renew(ctx context.Context) error
}

// Broker is the queue abstraction consumed by the API (enqueue side)
// and the worker pool (reserve side).
type Broker interface {
	Enqueue(ctx context.Context, queue string, e Entry, prio task.Priority) error
	// Reserve pulls one entry across the named queues, polling
	// priorities high-first within each queue and rotating across
	// queues so none is starved. Returns ErrNoEntry when idle.
	Reserve(ctx context.Context, queues []string, workerID string) (Lease, error)
	// QueueDepth reports the number of undelivered entries in a
	// queue. Best effort; used for queue-position estimates.
	QueueDepth(ctx context.Context, queue string) (int64, error)
	Close() error
}

// priorities is the polling order within a queue.
var priorities = []task.Priority{task.PriorityHigh, task.PriorityNormal, task.PriorityLow}
