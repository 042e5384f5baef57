// Package storage defines the ordered append/pop store behind the local durable queue tier.
// This abstraction keeps the local tier independent of a specific persistence engine
// (Pebble on local disk, Redis, or process memory).
package storage

import (
	"context"
	"errors"
)

// ErrEmpty is returned by Pop when the stack holds no entries.
var ErrEmpty = errors.New("storage: stack is empty")

// Stack is an ordered store: values are appended at the tail and removed from the head.
type Stack interface {
	// Push appends value at the tail.
	Push(ctx context.Context, value []byte) error

	// Pop removes and returns the head value, or ErrEmpty.
	Pop(ctx context.Context) ([]byte, error)

	// Size returns the number of stored values.
	Size(ctx context.Context) (int64, error)

	// Clear removes every value.
	Clear(ctx context.Context) error

	// Close releases the handle. The stored values persist.
	Close() error
}

// Provider opens named stacks on one storage backend.
type Provider interface {
	// Open returns the stack for name, creating it if needed.
	Open(name string) (Stack, error)

	// Close releases the backend.
	Close() error
}
