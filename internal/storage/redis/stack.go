// Package redis keeps local-tier stacks in Redis lists.
// Each stack is one list at <prefix><name>; Push is RPUSH and Pop is LPOP.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/gridbroker/internal/storage"
)

var (
	// ErrFailedToParseURL is returned when the connection URL cannot be parsed.
	ErrFailedToParseURL = errors.New("redis: failed to parse connection url")
	// ErrNotReady is returned when every connection attempt failed.
	ErrNotReady = errors.New("redis: server not ready")
)

// Config holds the connection settings.
type Config struct {
	URL            string
	Prefix         string
	ConnectTimeout time.Duration
	RetryAttempts  int
	RetryInterval  time.Duration
}

// Connect dials Redis, retrying until a PING succeeds or attempts run out.
func Connect(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseURL, err)
	}

	for range cfg.RetryAttempts {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			p := New(client, cfg.Prefix)
			p.owned = client
			return p, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrNotReady
}

// Provider opens stacks on a Redis client.
type Provider struct {
	client redis.Cmdable
	prefix string
	owned  *redis.Client
}

// New wraps an existing client. The caller owns the client lifecycle.
func New(client redis.Cmdable, prefix string) *Provider {
	return &Provider{client: client, prefix: prefix}
}

// Open returns the stack for name.
func (p *Provider) Open(name string) (storage.Stack, error) {
	if name == "" {
		return nil, errors.New("redis: stack name is required")
	}
	return &Stack{client: p.client, key: p.prefix + name}, nil
}

// Close closes the client if Connect created it.
func (p *Provider) Close() error {
	if p.owned == nil {
		return nil
	}
	if err := p.owned.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// Stack is one Redis list.
type Stack struct {
	client redis.Cmdable
	key    string
}

// Push appends value at the tail.
func (s *Stack) Push(ctx context.Context, value []byte) error {
	if err := s.client.RPush(ctx, s.key, value).Err(); err != nil {
		return fmt.Errorf("redis push %s: %w", s.key, err)
	}
	return nil
}

// Pop removes and returns the head value.
func (s *Stack) Pop(ctx context.Context) ([]byte, error) {
	val, err := s.client.LPop(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("redis pop %s: %w", s.key, err)
	}
	return val, nil
}

// Size returns the list length.
func (s *Stack) Size(ctx context.Context) (int64, error) {
	n, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis size %s: %w", s.key, err)
	}
	return n, nil
}

// Clear deletes the list.
func (s *Stack) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis clear %s: %w", s.key, err)
	}
	return nil
}

// Close is a no-op; the list stays in Redis.
func (s *Stack) Close() error { return nil }
