// Package local implements the last-resort broker tier on top of a storage.Provider.
// Messages are removed from the store at receive time, so Acknowledge, Reject and
// Recover are no-ops and there is no redelivery after a crash.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridbroker/internal/queue"
	"github.com/JakeFAU/gridbroker/internal/storage"
)

// Queue pairs one store stack with a semaphore counting its entries.
type Queue struct {
	name   string
	stack  storage.Stack
	sem    *semaphore
	tags   atomic.Uint64
	logger *zap.Logger
}

func newQueue(ctx context.Context, name string, stack storage.Stack, logger *zap.Logger) (*Queue, error) {
	size, err := stack.Size(ctx)
	if err != nil {
		return nil, fmt.Errorf("size of %s: %w", name, err)
	}
	if size > 0 {
		logger.Info("Recovered local queue", zap.String("queue", name), zap.Int64("size", size))
	}
	return &Queue{
		name:   name,
		stack:  stack,
		sem:    newSemaphore(size),
		logger: logger,
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// CheckConnection always succeeds.
func (q *Queue) CheckConnection(_ context.Context) error { return nil }

// Send appends message to the store and wakes one receiver.
func (q *Queue) Send(ctx context.Context, message []byte) error {
	if err := q.stack.Push(ctx, message); err != nil {
		return fmt.Errorf("send to %s: %w", q.name, err)
	}
	q.sem.release()
	return nil
}

// Receive waits for a permit and pops the head entry. autoAck is ignored.
func (q *Queue) Receive(ctx context.Context, timeout time.Duration, _ bool) (*queue.Envelope, error) {
	ok, err := q.sem.acquire(ctx, timeout)
	if err != nil || !ok {
		return nil, err
	}
	payload, err := q.stack.Pop(ctx)
	if errors.Is(err, storage.ErrEmpty) {
		// Store drained by someone else; the permit was stale.
		return nil, nil
	}
	if err != nil {
		q.sem.release()
		return nil, fmt.Errorf("receive from %s: %w", q.name, err)
	}
	return &queue.Envelope{
		Tier:        queue.TierLocal,
		Queue:       q.name,
		Payload:     payload,
		DeliveryTag: q.tags.Add(1),
	}, nil
}

// Acknowledge is a no-op.
func (q *Queue) Acknowledge(_ context.Context, _ uint64) error { return nil }

// Reject is a no-op; the message already left the store.
func (q *Queue) Reject(_ context.Context, _ uint64) error { return nil }

// Recover is a no-op.
func (q *Queue) Recover(_ context.Context) error { return nil }

// Available returns the semaphore's permit count.
func (q *Queue) Available(_ context.Context) (int64, error) {
	return q.sem.available(), nil
}

// Clear empties the store and drops all permits.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.stack.Clear(ctx); err != nil {
		return fmt.Errorf("clear %s: %w", q.name, err)
	}
	q.sem.drain()
	return nil
}

// Close wakes blocked receivers and releases the stack handle.
func (q *Queue) Close() error {
	q.sem.close()
	if err := q.stack.Close(); err != nil {
		return fmt.Errorf("close %s: %w", q.name, err)
	}
	return nil
}
