package local

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridbroker/internal/queue"
	"github.com/JakeFAU/gridbroker/internal/storage"
)

// Factory opens local queues on a storage.Provider. The provider is owned by the
// caller and is not closed with the factory.
type Factory struct {
	provider storage.Provider
	logger   *zap.Logger

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

// NewFactory constructs a Factory.
func NewFactory(provider storage.Provider, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		provider: provider,
		logger:   logger,
		queues:   make(map[string]*Queue),
	}
}

// Tier returns queue.TierLocal.
func (f *Factory) Tier() queue.Tier { return queue.TierLocal }

// Host returns "".
func (f *Factory) Host() string { return "" }

// Port returns 0.
func (f *Factory) Port() int { return 0 }

// ConnectionURL returns "" since the store is process-local.
func (f *Factory) ConnectionURL() string { return "" }

// Queue returns the queue for name, opening its stack on first use.
func (f *Factory) Queue(ctx context.Context, name string) (queue.Queue, error) {
	if name == "" {
		return nil, errors.New("local: queue name is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, queue.ErrClosed
	}
	if q, ok := f.queues[name]; ok {
		return q, nil
	}
	stack, err := f.provider.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open local stack %s: %w", name, err)
	}
	q, err := newQueue(ctx, name, stack, f.logger)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	f.queues[name] = q
	return q, nil
}

// Close closes every cached queue but leaves the provider open.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	var errs []error
	for _, q := range f.queues {
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	f.queues = nil
	return errors.Join(errs...)
}
