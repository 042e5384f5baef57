// Package broker combines the primary, proxy and local queue tiers behind one API.
//
// Every operation first reduces the caller's shard list to one queue name, then
// tries the tiers in order and returns on the first success. A capacity
// rejection is returned immediately; any other failure falls through to the
// next tier, and the local tier always answers. The three tiers hold three
// independent queues: a message sent while the primary was down stays on the
// tier that accepted it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridbroker/internal/metrics"
	"github.com/JakeFAU/gridbroker/internal/queue"
	"github.com/JakeFAU/gridbroker/internal/shard"
)

// ErrNoTierAvailable is returned when every tier failed, which only happens
// when the local tier itself is broken.
var ErrNoTierAvailable = errors.New("broker: no tier available")

// Operation names used in logs, metrics and spans.
const (
	opSend        = "send"
	opReceive     = "receive"
	opAcknowledge = "acknowledge"
	opReject      = "reject"
	opRecover     = "recover"
	opAvailable   = "available"
	opClear       = "clear"
)

// DefaultPeekTimeout bounds each receive of a Peek.
const DefaultPeekTimeout = 100 * time.Millisecond

// Config holds the broker behavior settings.
type Config struct {
	// AutoAck is the default for callers that do not choose.
	AutoAck bool
	// ReconnectInterval rate limits redials of a failed remote tier; 0 redials on every call.
	ReconnectInterval time.Duration
	// AvailabilityTTL is how long the shard selector reuses a ready count.
	AvailabilityTTL time.Duration
	// PeekTimeout bounds each receive of a Peek.
	PeekTimeout time.Duration
	// Clock drives the availability buffer. Defaults to the wall clock.
	Clock shard.Clock
}

// Tiers configures the three tiers. Primary and Proxy are optional.
type Tiers struct {
	Primary        Dialer
	PrimaryAddress string
	Proxy          Dialer
	ProxyAddress   string
	Local          queue.Factory
}

// Broker is safe for concurrent use.
type Broker struct {
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
	selector *shard.Selector

	primary *remoteTier
	proxy   *remoteTier
	local   *localTier
	order   []strategy
}

// New constructs a Broker. Remote tiers are dialed on first use.
func New(tiers Tiers, cfg Config, logger *zap.Logger) (*Broker, error) {
	if tiers.Local == nil {
		return nil, errors.New("broker: local tier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PeekTimeout <= 0 {
		cfg.PeekTimeout = DefaultPeekTimeout
	}
	logger = logger.Named("broker")
	b := &Broker{
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("github.com/JakeFAU/gridbroker/internal/broker"),
		primary: newRemoteTier(queue.TierPrimary, tiers.Primary, tiers.PrimaryAddress, cfg.ReconnectInterval, logger),
		proxy:   newRemoteTier(queue.TierProxy, tiers.Proxy, tiers.ProxyAddress, cfg.ReconnectInterval, logger),
		local:   &localTier{f: tiers.Local},
	}
	b.order = []strategy{b.primary, b.proxy, b.local}
	b.selector = shard.NewSelector(shard.Options{
		Availability:    b.availableByName,
		Clock:           cfg.Clock,
		AvailabilityTTL: cfg.AvailabilityTTL,
		Logger:          logger,
	})
	return b, nil
}

// AutoAck returns the configured default.
func (b *Broker) AutoAck() bool { return b.cfg.AutoAck }

// QueueName selects the shard for req and returns {service}_{shard}.
func (b *Broker) QueueName(ctx context.Context, req shard.Request) (string, error) {
	s, err := b.selector.Select(ctx, req)
	if err != nil {
		return "", err
	}
	return queue.Name(req.Service, s), nil
}

// Send enqueues message and reports the tier that accepted it.
func (b *Broker) Send(ctx context.Context, req shard.Request, message []byte) (queue.Tier, error) {
	name, err := b.QueueName(ctx, req)
	if err != nil {
		return 0, err
	}
	_, tier, err := do(ctx, b, opSend, name, func(q queue.Queue) (struct{}, error) {
		return struct{}{}, q.Send(ctx, message)
	})
	return tier, err
}

// Receive waits up to timeout for a message; timeout <= 0 waits indefinitely.
// It returns nil without error when the timeout expires on the first reachable tier.
func (b *Broker) Receive(ctx context.Context, req shard.Request, timeout time.Duration, autoAck bool) (*queue.Envelope, error) {
	name, err := b.QueueName(ctx, req)
	if err != nil {
		return nil, err
	}
	env, _, err := do(ctx, b, opReceive, name, func(q queue.Queue) (*queue.Envelope, error) {
		return q.Receive(ctx, timeout, autoAck)
	})
	return env, err
}

// Acknowledge acknowledges deliveryTag on the first reachable tier. Prefer
// AcknowledgeEnvelope, which targets the tier that issued the tag.
func (b *Broker) Acknowledge(ctx context.Context, req shard.Request, deliveryTag uint64) error {
	return b.settle(ctx, opAcknowledge, req, func(q queue.Queue) error {
		return q.Acknowledge(ctx, deliveryTag)
	})
}

// Reject requeues deliveryTag on the first reachable tier. Prefer RejectEnvelope.
func (b *Broker) Reject(ctx context.Context, req shard.Request, deliveryTag uint64) error {
	return b.settle(ctx, opReject, req, func(q queue.Queue) error {
		return q.Reject(ctx, deliveryTag)
	})
}

// Recover requeues unacknowledged deliveries on the first reachable tier.
func (b *Broker) Recover(ctx context.Context, req shard.Request) error {
	return b.settle(ctx, opRecover, req, func(q queue.Queue) error {
		return q.Recover(ctx)
	})
}

func (b *Broker) settle(ctx context.Context, op string, req shard.Request, fn func(queue.Queue) error) error {
	name, err := b.QueueName(ctx, req)
	if err != nil {
		return err
	}
	_, _, err = do(ctx, b, op, name, func(q queue.Queue) (struct{}, error) {
		return struct{}{}, fn(q)
	})
	return err
}

// AcknowledgeEnvelope acknowledges env on the tier that delivered it.
func (b *Broker) AcknowledgeEnvelope(ctx context.Context, env *queue.Envelope) error {
	return b.onIssuer(ctx, opAcknowledge, env, func(q queue.Queue) error {
		return q.Acknowledge(ctx, env.DeliveryTag)
	})
}

// RejectEnvelope requeues env on the tier that delivered it.
func (b *Broker) RejectEnvelope(ctx context.Context, env *queue.Envelope) error {
	return b.onIssuer(ctx, opReject, env, func(q queue.Queue) error {
		return q.Reject(ctx, env.DeliveryTag)
	})
}

func (b *Broker) onIssuer(ctx context.Context, op string, env *queue.Envelope, fn func(queue.Queue) error) error {
	if env == nil {
		return errors.New("broker: nil envelope")
	}
	st := b.strategy(env.Tier)
	if st == nil {
		return fmt.Errorf("%s %s: unknown tier %d", op, env.Queue, env.Tier)
	}
	f := st.current()
	if f == nil {
		return fmt.Errorf("%s %s on %s: %w", op, env.Queue, env.Tier, queue.ErrTierUnavailable)
	}
	q, err := f.Queue(ctx, env.Queue)
	if err == nil {
		err = fn(q)
	}
	if err != nil {
		metrics.ObserveOperation(env.Tier.String(), op, metrics.OutcomeError)
		st.fail(err)
		return fmt.Errorf("%s %s on %s: %w", op, env.Queue, env.Tier, err)
	}
	metrics.ObserveOperation(env.Tier.String(), op, metrics.OutcomeSuccess)
	return nil
}

// Available returns the ready count of the selected queue on the first reachable tier.
func (b *Broker) Available(ctx context.Context, req shard.Request) (queue.Availability, error) {
	name, err := b.QueueName(ctx, req)
	if err != nil {
		return queue.Availability{}, err
	}
	n, tier, err := do(ctx, b, opAvailable, name, func(q queue.Queue) (int64, error) {
		return q.Available(ctx)
	})
	if err != nil {
		return queue.Availability{}, err
	}
	return queue.Availability{Tier: tier, Queue: name, Count: n, Time: time.Now()}, nil
}

func (b *Broker) availableByName(ctx context.Context, name string) (int64, error) {
	n, _, err := do(ctx, b, opAvailable, name, func(q queue.Queue) (int64, error) {
		return q.Available(ctx)
	})
	return n, err
}

// Clear drops the ready messages of the selected queue on the first reachable tier.
func (b *Broker) Clear(ctx context.Context, req shard.Request) (queue.Tier, error) {
	name, err := b.QueueName(ctx, req)
	if err != nil {
		return 0, err
	}
	_, tier, err := do(ctx, b, opClear, name, func(q queue.Queue) (struct{}, error) {
		return struct{}{}, q.Clear(ctx)
	})
	return tier, err
}

// Peek removes up to count messages and sends them back in reverse order.
// It is not atomic with concurrent consumers and does not keep delivery tags
// or order; use it for diagnostics only.
func (b *Broker) Peek(ctx context.Context, req shard.Request, count int) ([]*queue.Envelope, error) {
	name, err := b.QueueName(ctx, req)
	if err != nil {
		return nil, err
	}
	var peeked []*queue.Envelope
	for range count {
		env, _, err := do(ctx, b, opReceive, name, func(q queue.Queue) (*queue.Envelope, error) {
			return q.Receive(ctx, b.cfg.PeekTimeout, true)
		})
		if err != nil {
			return peeked, err
		}
		if env == nil {
			break
		}
		peeked = append(peeked, env)
	}
	for i := len(peeked) - 1; i >= 0; i-- {
		payload := peeked[i].Payload
		if _, _, err := do(ctx, b, opSend, name, func(q queue.Queue) (struct{}, error) {
			return struct{}{}, q.Send(ctx, payload)
		}); err != nil {
			return peeked, fmt.Errorf("peek: restore message: %w", err)
		}
	}
	return peeked, nil
}

// Connected reports whether tier currently holds a connection.
func (b *Broker) Connected(tier queue.Tier) bool {
	st := b.strategy(tier)
	return st != nil && st.current() != nil
}

// ConnectionURL returns the URL of the connected factory for tier, or "".
func (b *Broker) ConnectionURL(tier queue.Tier) string {
	st := b.strategy(tier)
	if st == nil {
		return ""
	}
	if f := st.current(); f != nil {
		return f.ConnectionURL()
	}
	return ""
}

// Discover records a primary broker address advertised by the proxy service.
// It takes effect only while no primary connection exists.
func (b *Broker) Discover(address string) {
	if b.primary.discover(address) {
		b.logger.Info("Discovered primary broker", zap.String("address", address))
	}
}

// Close closes every tier. The local tier's store stays open.
func (b *Broker) Close() error {
	var errs []error
	for _, st := range b.order {
		if err := st.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s tier: %w", st.tier(), err))
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) strategy(tier queue.Tier) strategy {
	for _, st := range b.order {
		if st.tier() == tier {
			return st
		}
	}
	return nil
}

// do runs fn against each tier in order until one succeeds.
func do[T any](ctx context.Context, b *Broker, op, name string, fn func(queue.Queue) (T, error)) (T, queue.Tier, error) {
	ctx, span := b.tracer.Start(ctx, "broker."+op, trace.WithAttributes(attribute.String("queue", name)))
	defer span.End()

	var (
		zero T
		errs []error
	)
	for _, st := range b.order {
		tier := st.tier()
		f, err := st.factory(ctx)
		if errors.Is(err, errNotConfigured) {
			continue
		}
		var v T
		if err == nil {
			var q queue.Queue
			if q, err = f.Queue(ctx, name); err == nil {
				v, err = fn(q)
			}
		}
		if err == nil {
			metrics.ObserveOperation(tier.String(), op, metrics.OutcomeSuccess)
			span.SetAttributes(attribute.String("tier", tier.String()))
			return v, tier, nil
		}
		if errors.Is(err, queue.ErrCapacityRejected) {
			metrics.ObserveOperation(tier.String(), op, metrics.OutcomeRejected)
			metrics.ObserveCapacityRejected(tier.String())
			span.SetAttributes(attribute.String("tier", tier.String()))
			span.SetStatus(codes.Error, "capacity rejected")
			return zero, tier, err
		}
		if ctx.Err() != nil {
			span.RecordError(err)
			return zero, tier, err
		}
		metrics.ObserveOperation(tier.String(), op, metrics.OutcomeError)
		metrics.ObserveFallthrough(tier.String(), op)
		b.logger.Warn("Tier operation failed, falling through",
			zap.Stringer("tier", tier),
			zap.String("op", op),
			zap.String("queue", name),
			zap.Error(err),
		)
		st.fail(err)
		errs = append(errs, fmt.Errorf("%s: %w", tier, err))
	}
	err := fmt.Errorf("%s %s: %w", op, name, errors.Join(append([]error{ErrNoTierAvailable}, errs...)...))
	span.RecordError(err)
	span.SetStatus(codes.Error, "no tier available")
	return zero, 0, err
}
