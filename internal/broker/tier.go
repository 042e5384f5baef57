package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridbroker/internal/queue"
)

// Dialer connects a remote tier. address is the configured address, or one
// found through connect-on-discovery.
type Dialer func(ctx context.Context, address string) (queue.Factory, error)

var errNotConfigured = errors.New("tier not configured")

// strategy is one tier in the failover order.
type strategy interface {
	tier() queue.Tier
	// factory returns a connected factory, dialing if needed.
	factory(ctx context.Context) (queue.Factory, error)
	// current returns the connected factory without dialing.
	current() queue.Factory
	// fail reports an operation error so the strategy can drop a dead connection.
	fail(err error)
	close() error
}

// remoteTier dials lazily and redials after its connection was dropped.
type remoteTier struct {
	t                 queue.Tier
	dial              Dialer
	reconnectInterval time.Duration
	logger            *zap.Logger

	mu          sync.Mutex
	address     string
	f           queue.Factory
	lastAttempt time.Time
}

func newRemoteTier(t queue.Tier, dial Dialer, address string, reconnectInterval time.Duration, logger *zap.Logger) *remoteTier {
	return &remoteTier{
		t:                 t,
		dial:              dial,
		address:           address,
		reconnectInterval: reconnectInterval,
		logger:            logger,
	}
}

func (r *remoteTier) tier() queue.Tier { return r.t }

func (r *remoteTier) factory(ctx context.Context) (queue.Factory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != nil {
		return r.f, nil
	}
	if r.dial == nil || r.address == "" {
		return nil, errNotConfigured
	}
	if r.reconnectInterval > 0 && !r.lastAttempt.IsZero() && time.Since(r.lastAttempt) < r.reconnectInterval {
		return nil, fmt.Errorf("%s tier: waiting before redial: %w", r.t, queue.ErrTierUnavailable)
	}
	r.lastAttempt = time.Now()
	f, err := r.dial(ctx, r.address)
	if err != nil {
		return nil, fmt.Errorf("%s tier: dial %s: %w", r.t, r.address, err)
	}
	r.logger.Info("Connected tier", zap.Stringer("tier", r.t), zap.String("address", r.address))
	r.f = f
	return f, nil
}

func (r *remoteTier) current() queue.Factory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f
}

func (r *remoteTier) fail(err error) {
	if !errors.Is(err, queue.ErrClosed) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return
	}
	r.logger.Warn("Dropping tier connection", zap.Stringer("tier", r.t), zap.Error(err))
	_ = r.f.Close()
	r.f = nil
}

// discover sets the address to dial when the tier is not connected.
// It reports whether the address changed.
func (r *remoteTier) discover(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dial == nil || r.f != nil || address == "" || address == r.address {
		return false
	}
	r.address = address
	r.lastAttempt = time.Time{}
	return true
}

func (r *remoteTier) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// localTier wraps the always-available local factory.
type localTier struct {
	f queue.Factory
}

func (l *localTier) tier() queue.Tier { return queue.TierLocal }

func (l *localTier) factory(context.Context) (queue.Factory, error) { return l.f, nil }

func (l *localTier) current() queue.Factory { return l.f }

func (l *localTier) fail(error) {}

func (l *localTier) close() error { return l.f.Close() }
