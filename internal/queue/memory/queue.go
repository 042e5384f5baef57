// Package memory provides an in-process queue backend for local development and tests.
// It implements the full delivery state machine (ack, reject, recover) so it can
// stand in for the primary broker.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/gridbroker/internal/queue"
)

// Queue is an unbounded (or length-limited) in-memory queue.
type Queue struct {
	name      string
	tier      queue.Tier
	maxLength int

	mu      sync.Mutex
	ready   [][]byte
	unacked map[uint64][]byte
	nextTag uint64
	wake    chan struct{}
	closed  bool
}

func newQueue(name string, tier queue.Tier, maxLength int) *Queue {
	return &Queue{
		name:      name,
		tier:      tier,
		maxLength: maxLength,
		unacked:   make(map[uint64][]byte),
		wake:      make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// CheckConnection fails only once the queue is closed.
func (q *Queue) CheckConnection(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	return nil
}

// Send appends a copy of message, or rejects it when the queue is at its max length.
func (q *Queue) Send(_ context.Context, message []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if q.maxLength > 0 && len(q.ready) >= q.maxLength {
		return fmt.Errorf("send to %s: %w", q.name, queue.ErrCapacityRejected)
	}
	q.ready = append(q.ready, slices.Clone(message))
	q.signalLocked()
	return nil
}

// Receive waits for the head message. With autoAck the message is removed
// immediately; otherwise it stays unacknowledged under a fresh delivery tag.
func (q *Queue) Receive(ctx context.Context, timeout time.Duration, autoAck bool) (*queue.Envelope, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, nil
		}
		if len(q.ready) > 0 {
			env := q.deliverLocked(autoAck)
			q.mu.Unlock()
			return env, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
		}
	}
}

func (q *Queue) deliverLocked(autoAck bool) *queue.Envelope {
	payload := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	q.nextTag++
	tag := q.nextTag
	if !autoAck {
		q.unacked[tag] = payload
	}
	return &queue.Envelope{
		Tier:        q.tier,
		Queue:       q.name,
		Payload:     payload,
		DeliveryTag: tag,
	}
}

// Acknowledge drops an unacknowledged delivery. Acknowledging a tag twice is not an error.
func (q *Queue) Acknowledge(_ context.Context, deliveryTag uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if deliveryTag == 0 || deliveryTag > q.nextTag {
		return fmt.Errorf("acknowledge %d on %s: %w", deliveryTag, q.name, queue.ErrUnknownDeliveryTag)
	}
	delete(q.unacked, deliveryTag)
	return nil
}

// Reject puts an unacknowledged delivery back at the head of the queue.
func (q *Queue) Reject(_ context.Context, deliveryTag uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	payload, ok := q.unacked[deliveryTag]
	if !ok {
		return fmt.Errorf("reject %d on %s: %w", deliveryTag, q.name, queue.ErrUnknownDeliveryTag)
	}
	delete(q.unacked, deliveryTag)
	q.ready = slices.Insert(q.ready, 0, payload)
	q.signalLocked()
	return nil
}

// Recover requeues every unacknowledged delivery, oldest first, ahead of the ready messages.
func (q *Queue) Recover(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.unacked) == 0 {
		return nil
	}
	tags := make([]uint64, 0, len(q.unacked))
	for tag := range q.unacked {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	requeued := make([][]byte, 0, len(tags)+len(q.ready))
	for _, tag := range tags {
		requeued = append(requeued, q.unacked[tag])
		delete(q.unacked, tag)
	}
	q.ready = append(requeued, q.ready...)
	q.signalLocked()
	return nil
}

// Available returns the number of ready messages.
func (q *Queue) Available(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

// Clear drops all ready messages. Unacknowledged deliveries are kept.
func (q *Queue) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = nil
	return nil
}

// Close wakes all waiting receivers. Closing twice is safe.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.wake)
	return nil
}

// signalLocked wakes every waiter; callers must hold q.mu.
func (q *Queue) signalLocked() {
	if q.closed {
		return
	}
	close(q.wake)
	q.wake = make(chan struct{})
}
