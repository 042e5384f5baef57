package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/gridbroker/internal/queue"
)

// Options configures a Factory.
type Options struct {
	// Tier is reported on envelopes and by Factory.Tier. Defaults to queue.TierPrimary.
	Tier queue.Tier
	// MaxLength limits ready messages per queue; 0 means unlimited.
	MaxLength int
	// URL is returned by ConnectionURL, letting tests exercise connect-on-discovery.
	URL string
}

// Factory caches memory queues by name.
type Factory struct {
	opts Options

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

// NewFactory constructs a Factory.
func NewFactory(opts Options) *Factory {
	if opts.Tier == 0 {
		opts.Tier = queue.TierPrimary
	}
	return &Factory{
		opts:   opts,
		queues: make(map[string]*Queue),
	}
}

// Tier reports the configured tier.
func (f *Factory) Tier() queue.Tier { return f.opts.Tier }

// Host returns "" since memory queues are process-local.
func (f *Factory) Host() string { return "" }

// Port returns 0 since memory queues are process-local.
func (f *Factory) Port() int { return 0 }

// ConnectionURL returns the configured URL, usually "".
func (f *Factory) ConnectionURL() string { return f.opts.URL }

// Queue returns the queue for name, creating it on first use.
func (f *Factory) Queue(_ context.Context, name string) (queue.Queue, error) {
	if name == "" {
		return nil, errors.New("memory: queue name is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, queue.ErrClosed
	}
	q, ok := f.queues[name]
	if !ok {
		q = newQueue(name, f.opts.Tier, f.opts.MaxLength)
		f.queues[name] = q
	}
	return q, nil
}

// Close closes every cached queue.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, q := range f.queues {
		_ = q.Close()
	}
	return nil
}
