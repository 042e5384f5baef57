package amqp

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridbroker/internal/metrics"
	"github.com/JakeFAU/gridbroker/internal/queue"
)

// Queue is a handle to one declared RabbitMQ queue. It shares the factory's channel.
type Queue struct {
	name string
	f    *Factory
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// CheckConnection runs a passive declare.
func (q *Queue) CheckConnection(ctx context.Context) error {
	_, err := q.Available(ctx)
	return err
}

// Send publishes message and waits for the broker's confirm. A nack means the
// queue hit its length limit. Other failures are retried once on a fresh channel.
func (q *Queue) Send(ctx context.Context, message []byte) error {
	err := q.publish(ctx, message)
	if err == nil || errors.Is(err, queue.ErrCapacityRejected) || ctx.Err() != nil {
		return err
	}
	q.f.logger.Warn("Publish failed, retrying once", zap.String("queue", q.name), zap.Error(err))
	return q.publish(ctx, message)
}

func (q *Queue) publish(ctx context.Context, message []byte) error {
	q.f.pubMu.Lock()
	ch, tracker, err := q.f.channel()
	if err != nil {
		q.f.pubMu.Unlock()
		return err
	}
	seq := ch.GetNextPublishSeqNo()
	slot := tracker.register(seq)
	start := time.Now()
	err = ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Timestamp:    start,
		Body:         message,
	})
	q.f.pubMu.Unlock()
	if err != nil {
		tracker.forget(seq)
		return fmt.Errorf("publish to %s: %w", q.name, err)
	}

	timer := time.NewTimer(q.f.opts.ConfirmTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-slot:
		switch {
		case !ok:
			metrics.ObserveConfirm(metrics.OutcomeError, time.Since(start))
			return fmt.Errorf("publish to %s: channel closed before confirm", q.name)
		case ack:
			metrics.ObserveConfirm(metrics.OutcomeSuccess, time.Since(start))
			return nil
		default:
			metrics.ObserveConfirm(metrics.OutcomeRejected, time.Since(start))
			return fmt.Errorf("publish to %s: %w", q.name, queue.ErrCapacityRejected)
		}
	case <-timer.C:
		tracker.forget(seq)
		metrics.ObserveConfirm(metrics.OutcomeError, time.Since(start))
		return fmt.Errorf("publish to %s: no confirm within %s", q.name, q.f.opts.ConfirmTimeout)
	case <-ctx.Done():
		tracker.forget(seq)
		return fmt.Errorf("publish to %s: %w", q.name, ctx.Err())
	}
}

// Receive polls basic.get every PollInterval until a message arrives or the
// timeout passes.
func (q *Queue) Receive(ctx context.Context, timeout time.Duration, autoAck bool) (*queue.Envelope, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		var (
			d  amqp.Delivery
			ok bool
		)
		err := q.f.withChannel(func(ch *amqp.Channel) error {
			var err error
			d, ok, err = ch.Get(q.name, autoAck)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("receive from %s: %w", q.name, err)
		}
		if ok {
			return &queue.Envelope{
				Tier:        queue.TierPrimary,
				Queue:       q.name,
				Payload:     d.Body,
				DeliveryTag: d.DeliveryTag,
			}, nil
		}

		wait := q.f.opts.PollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, nil
			}
			wait = min(wait, remaining)
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
		}
	}
}

// Acknowledge acks one delivery on the factory's channel.
func (q *Queue) Acknowledge(_ context.Context, deliveryTag uint64) error {
	if err := q.f.withChannel(func(ch *amqp.Channel) error {
		return ch.Ack(deliveryTag, false)
	}); err != nil {
		return fmt.Errorf("acknowledge %d on %s: %w", deliveryTag, q.name, err)
	}
	return nil
}

// Reject requeues one delivery.
func (q *Queue) Reject(_ context.Context, deliveryTag uint64) error {
	if err := q.f.withChannel(func(ch *amqp.Channel) error {
		return ch.Reject(deliveryTag, true)
	}); err != nil {
		return fmt.Errorf("reject %d on %s: %w", deliveryTag, q.name, err)
	}
	return nil
}

// Recover asks the broker to redeliver every unacknowledged message on the channel.
func (q *Queue) Recover(_ context.Context) error {
	if err := q.f.withChannel(func(ch *amqp.Channel) error {
		return ch.Recover(true)
	}); err != nil {
		return fmt.Errorf("recover %s: %w", q.name, err)
	}
	return nil
}

// Available returns the ready message count from a passive declare.
func (q *Queue) Available(_ context.Context) (int64, error) {
	var n int
	if err := q.f.withChannel(func(ch *amqp.Channel) error {
		info, err := ch.QueueDeclarePassive(q.name, true, false, false, false, nil)
		n = info.Messages
		return err
	}); err != nil {
		return 0, fmt.Errorf("available on %s: %w", q.name, err)
	}
	return int64(n), nil
}

// Clear purges ready messages.
func (q *Queue) Clear(_ context.Context) error {
	if err := q.f.withChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueuePurge(q.name, false)
		return err
	}); err != nil {
		return fmt.Errorf("clear %s: %w", q.name, err)
	}
	return nil
}

// Close is a no-op; the factory owns the channel.
func (q *Queue) Close() error { return nil }
