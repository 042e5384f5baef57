// Package shard reduces a service's shard list to the one shard a call should use.
//
// Shards are grouped by priority: PriorityDimensions gives how many consecutive
// shards belong to each priority, and only the group of the requested priority
// is considered. All per-service state lives in the Selector, so independent
// selectors never share decisions.
package shard

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridbroker/internal/metrics"
	"github.com/JakeFAU/gridbroker/internal/queue"
)

// ErrInvalidRequest is returned for empty shard lists or inconsistent priorities.
var ErrInvalidRequest = errors.New("shard: invalid request")

// balanceThreshold is the ready count above which a pinned key may move once.
const balanceThreshold = 100

// DefaultAvailabilityTTL is how long an availability reading is reused.
const DefaultAvailabilityTTL = 10 * time.Second

// Request describes one shard decision.
type Request struct {
	Service            string
	Shards             []string
	Method             Method
	PriorityDimensions []int
	Priority           int
	HashingKey         string
}

// AvailabilityFunc returns the ready count of a queue named {service}_{shard}.
type AvailabilityFunc func(ctx context.Context, queueName string) (int64, error)

// Clock supplies the time used to expire availability readings.
type Clock interface {
	Now() time.Time
}

// Options configures a Selector.
type Options struct {
	Availability AvailabilityFunc
	Clock        Clock
	// AvailabilityTTL defaults to DefaultAvailabilityTTL.
	AvailabilityTTL time.Duration
	// IntN returns a random int in [0, n). Defaults to math/rand/v2.IntN.
	IntN   func(n int) int
	Logger *zap.Logger
}

type reading struct {
	count int64
	at    time.Time
}

// Selector holds the round-robin counters, sticky lookups, switched keys and
// availability buffer. It is safe for concurrent use.
type Selector struct {
	availability AvailabilityFunc
	clock        Clock
	ttl          time.Duration
	intn         func(int) int
	logger       *zap.Logger

	counters sync.Map // service -> *atomic.Int64
	lookups  sync.Map // service -> *sync.Map of key -> int
	switched sync.Map // service -> *sync.Map of key -> struct{}
	buffer   sync.Map // queue name -> reading
}

// NewSelector constructs a Selector.
func NewSelector(opts Options) *Selector {
	s := &Selector{
		availability: opts.Availability,
		clock:        opts.Clock,
		ttl:          opts.AvailabilityTTL,
		intn:         opts.IntN,
		logger:       opts.Logger,
	}
	if s.availability == nil {
		s.availability = func(context.Context, string) (int64, error) { return 0, nil }
	}
	if s.clock == nil {
		s.clock = wallClock{}
	}
	if s.ttl <= 0 {
		s.ttl = DefaultAvailabilityTTL
	}
	if s.intn == nil {
		s.intn = rand.IntN
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Select returns one shard of req.Shards.
func (s *Selector) Select(ctx context.Context, req Request) (string, error) {
	group, err := priorityGroup(req)
	if err != nil {
		return "", err
	}
	if len(req.Shards) == 1 {
		return req.Shards[0], nil
	}
	metrics.ObserveShardSelection(req.Method.String())

	var idx int
	switch req.Method {
	case Random:
		idx = s.intn(len(group))
	case RoundRobin:
		idx = s.roundRobin(req.Service, len(group))
	case Hash:
		idx = int(xxhash.Sum64String(req.HashingKey) % uint64(len(group)))
	case LeastFilled:
		counts, err := s.available(ctx, req.Service, group)
		if err != nil {
			return "", err
		}
		idx = s.leastFilled(counts)
	case Lookup:
		idx, err = s.lookup(ctx, req.Service, group, req.HashingKey)
	case Balance:
		idx, err = s.balance(ctx, req.Service, group, req.HashingKey)
	default:
		idx = 0
	}
	if err != nil {
		return "", err
	}
	if idx < 0 || idx >= len(group) {
		idx = 0
	}
	return group[idx], nil
}

// priorityGroup slices the shards of req.Priority out of req.Shards.
func priorityGroup(req Request) ([]string, error) {
	if len(req.Shards) == 0 {
		return nil, fmt.Errorf("%w: no shards for service %q", ErrInvalidRequest, req.Service)
	}
	if len(req.Shards) == 1 {
		return req.Shards, nil
	}
	dims := req.PriorityDimensions
	if len(dims) == 0 {
		dims = []int{len(req.Shards)}
	}
	if req.Priority < 0 || req.Priority >= len(dims) {
		return nil, fmt.Errorf("%w: priority %d outside %d dimensions", ErrInvalidRequest, req.Priority, len(dims))
	}
	offset := 0
	for _, d := range dims[:req.Priority] {
		offset += d
	}
	size := dims[req.Priority]
	if size <= 0 || offset < 0 || offset+size > len(req.Shards) {
		return nil, fmt.Errorf("%w: priority %d spans shards [%d,%d) of %d",
			ErrInvalidRequest, req.Priority, offset, offset+size, len(req.Shards))
	}
	return req.Shards[offset : offset+size], nil
}

func (s *Selector) roundRobin(service string, n int) int {
	v, loaded := s.counters.LoadOrStore(service, new(atomic.Int64))
	if !loaded {
		return 0
	}
	counter := v.(*atomic.Int64)
	next := counter.Add(1)
	if next >= int64(n) {
		counter.Store(0)
		return 0
	}
	return int(next)
}

// leastFilled picks randomly among empty shards, else the first shard with the
// lowest count.
func (s *Selector) leastFilled(counts []int64) int {
	if len(counts) <= 1 {
		return 0
	}
	var zeros []int
	least := 0
	for i, c := range counts {
		if c == 0 {
			zeros = append(zeros, i)
		}
		if c < counts[least] {
			least = i
		}
	}
	if len(zeros) > 0 {
		return zeros[s.intn(len(zeros))]
	}
	return least
}

func (s *Selector) lookup(ctx context.Context, service string, group []string, key string) (int, error) {
	pins := s.serviceMap(&s.lookups, service)
	if v, ok := pins.Load(key); ok {
		return v.(int), nil
	}
	counts, err := s.available(ctx, service, group)
	if err != nil {
		return 0, err
	}
	v, _ := pins.LoadOrStore(key, s.leastFilled(counts))
	return v.(int), nil
}

func (s *Selector) balance(ctx context.Context, service string, group []string, key string) (int, error) {
	pins := s.serviceMap(&s.lookups, service)
	counts, err := s.available(ctx, service, group)
	if err != nil {
		return 0, err
	}
	least := s.leastFilled(counts)
	v, ok := pins.Load(key)
	if !ok {
		v, _ = pins.LoadOrStore(key, least)
		return v.(int), nil
	}
	pinned := v.(int)
	if pinned >= len(counts) || counts[pinned] <= balanceThreshold || counts[least] != 0 {
		return pinned, nil
	}
	switched := s.serviceMap(&s.switched, service)
	if _, already := switched.LoadOrStore(key, struct{}{}); already {
		return pinned, nil
	}
	s.logger.Info("Switching hashing key to least filled shard",
		zap.String("service", service),
		zap.String("key", key),
		zap.String("from", group[pinned]),
		zap.String("to", group[least]),
	)
	pins.Store(key, least)
	return least, nil
}

func (s *Selector) serviceMap(m *sync.Map, service string) *sync.Map {
	v, _ := m.LoadOrStore(service, new(sync.Map))
	return v.(*sync.Map)
}

func (s *Selector) available(ctx context.Context, service string, group []string) ([]int64, error) {
	counts := make([]int64, len(group))
	for i, shard := range group {
		n, err := s.bufferedAvailable(ctx, queue.Name(service, shard))
		if err != nil {
			return nil, err
		}
		counts[i] = n
	}
	return counts, nil
}

func (s *Selector) bufferedAvailable(ctx context.Context, name string) (int64, error) {
	now := s.clock.Now()
	if v, ok := s.buffer.Load(name); ok {
		r := v.(reading)
		if now.Sub(r.at) <= s.ttl {
			return r.count, nil
		}
	}
	n, err := s.availability(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("availability of %s: %w", name, err)
	}
	s.buffer.Store(name, reading{count: n, at: now})
	return n, nil
}
