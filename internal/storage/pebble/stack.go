// Package pebble persists local-tier stacks in an embedded Pebble database.
// All stacks of a Provider share one database; each stack owns the key range
// name||0x00||seq, where seq is a big-endian counter.
package pebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/JakeFAU/gridbroker/internal/storage"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every write.
	FsyncModeAlways
	// FsyncModeNever never forces a WAL sync from the application.
	FsyncModeNever
)

func (m FsyncMode) String() string {
	switch m {
	case FsyncModeAlways:
		return "always"
	case FsyncModeNever:
		return "never"
	default:
		return "interval"
	}
}

// ParseFsyncMode parses "interval", "always" or "never".
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "", "interval":
		return FsyncModeInterval, nil
	case "always":
		return FsyncModeAlways, nil
	case "never":
		return FsyncModeNever, nil
	default:
		return 0, fmt.Errorf("pebble: unknown fsync mode %q", s)
	}
}

// Options configures the Pebble provider.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning of Pebble. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// Provider owns one Pebble database and the stacks opened on it.
type Provider struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	mu     sync.Mutex
	stacks map[string]*Stack
}

// Open creates or opens the database at opts.DataDir.
func Open(opts Options) (*Provider, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	writeOpts := pebble.NoSync
	switch opts.Fsync {
	case FsyncModeAlways:
		writeOpts = pebble.Sync
	case FsyncModeInterval:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
		writeOpts = pebble.Sync
	case FsyncModeNever:
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", opts.DataDir, err)
	}
	return &Provider{
		db:        db,
		writeOpts: writeOpts,
		stacks:    make(map[string]*Stack),
	}, nil
}

// Open returns the stack for name, recovering its head and tail from disk on first use.
func (p *Provider) Open(name string) (storage.Stack, error) {
	if name == "" {
		return nil, errors.New("pebble: stack name is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, errors.New("pebble: provider closed")
	}
	if s, ok := p.stacks[name]; ok {
		return s, nil
	}
	s := &Stack{
		db:        p.db,
		writeOpts: p.writeOpts,
		prefix:    append([]byte(name), 0x00),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	p.stacks[name] = s
	return s, nil
}

// Close closes the Pebble database.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	p.stacks = nil
	if err != nil {
		return fmt.Errorf("close pebble: %w", err)
	}
	return nil
}

// Stack is one FIFO key range.
type Stack struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	prefix    []byte

	mu   sync.Mutex
	head uint64 // sequence of the oldest entry
	tail uint64 // sequence the next push will use
}

func (s *Stack) key(seq uint64) []byte {
	k := make([]byte, len(s.prefix)+8)
	copy(k, s.prefix)
	binary.BigEndian.PutUint64(k[len(s.prefix):], seq)
	return k
}

func (s *Stack) upperBound() []byte {
	upper := append([]byte(nil), s.prefix...)
	upper[len(upper)-1] = 0x01
	return upper
}

func (s *Stack) recover() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: s.prefix,
		UpperBound: s.upperBound(),
	})
	if err != nil {
		return fmt.Errorf("pebble: open iterator: %w", err)
	}
	defer iter.Close()
	if iter.First() {
		s.head = binary.BigEndian.Uint64(iter.Key()[len(s.prefix):])
	}
	if iter.Last() {
		s.tail = binary.BigEndian.Uint64(iter.Key()[len(s.prefix):]) + 1
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("pebble: scan stack: %w", err)
	}
	return nil
}

// Push appends value at the tail.
func (s *Stack) Push(_ context.Context, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Set(s.key(s.tail), value, s.writeOpts); err != nil {
		return fmt.Errorf("pebble push: %w", err)
	}
	s.tail++
	return nil
}

// Pop removes and returns the head value.
func (s *Stack) Pop(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head >= s.tail {
		return nil, storage.ErrEmpty
	}
	k := s.key(s.head)
	val, closer, err := s.db.Get(k)
	if err != nil {
		return nil, fmt.Errorf("pebble pop: %w", err)
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	if err := s.db.Delete(k, s.writeOpts); err != nil {
		return nil, fmt.Errorf("pebble pop: %w", err)
	}
	s.head++
	return out, nil
}

// Size returns tail - head.
func (s *Stack) Size(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.tail - s.head), nil
}

// Clear deletes the stack's whole key range.
func (s *Stack) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteRange(s.prefix, s.upperBound(), s.writeOpts); err != nil {
		return fmt.Errorf("pebble clear: %w", err)
	}
	s.head = s.tail
	return nil
}

// Close is a no-op; the Provider owns the database.
func (s *Stack) Close() error { return nil }
