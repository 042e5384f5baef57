// Package queue defines the single-queue contract shared by every broker tier.
// This abstraction keeps the broker independent of a specific backend
// (RabbitMQ, the HTTP proxy service, or the local durable store).
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCapacityRejected is returned when a length-limited queue refuses a message.
	// Callers are expected to throttle; the broker never falls through on it.
	ErrCapacityRejected = errors.New("queue: target queue is at capacity")

	// ErrClosed is returned by operations on a closed queue or factory.
	ErrClosed = errors.New("queue: closed")

	// ErrProtocol marks a malformed or incomplete response from a remote tier.
	ErrProtocol = errors.New("queue: protocol error")

	// ErrUnknownDeliveryTag is returned when a tag was not issued by this queue.
	ErrUnknownDeliveryTag = errors.New("queue: unknown delivery tag")

	// ErrTierUnavailable is returned when a tier is not configured or cannot be reached.
	ErrTierUnavailable = errors.New("queue: tier unavailable")
)

// CapacityRejectedComment is the text carried by remote responses that signal ErrCapacityRejected.
const CapacityRejectedComment = "target queue limit reached"

// Queue is one named queue on one backend connection.
type Queue interface {
	// Name returns the backend queue name ({service}_{shard}).
	Name() string

	// CheckConnection returns an error when the backend cannot serve this queue.
	CheckConnection(ctx context.Context) error

	// Send enqueues a message. It returns ErrCapacityRejected when the queue is full.
	Send(ctx context.Context, message []byte) error

	// Receive blocks up to timeout for a message; timeout <= 0 blocks indefinitely.
	// It returns a nil envelope and nil error when the timeout expires.
	Receive(ctx context.Context, timeout time.Duration, autoAck bool) (*Envelope, error)

	// Acknowledge removes an unacknowledged delivery.
	Acknowledge(ctx context.Context, deliveryTag uint64) error

	// Reject returns an unacknowledged delivery to the queue for redelivery.
	Reject(ctx context.Context, deliveryTag uint64) error

	// Recover requeues every unacknowledged delivery on this connection.
	Recover(ctx context.Context) error

	// Available returns the number of messages ready for delivery.
	Available(ctx context.Context) (int64, error)

	// Clear drops every ready message.
	Clear(ctx context.Context) error

	// Close releases resources held for this queue.
	Close() error
}

// Factory creates and caches queues for one backend connection.
type Factory interface {
	// Tier reports which broker tier this factory serves.
	Tier() Tier

	// Host returns the backend host, or "" when there is none.
	Host() string

	// Port returns the backend port, or 0 when there is none.
	Port() int

	// ConnectionURL returns the URL other processes can use to reach the backend,
	// or "" when the backend is process-local.
	ConnectionURL() string

	// Queue returns the cached queue for name, creating it on first use.
	Queue(ctx context.Context, name string) (Queue, error)

	// Close releases the backend connection and every cached queue.
	Close() error
}

// Name builds the backend queue name for a service shard.
func Name(service, shard string) string {
	return service + "_" + shard
}

// SplitName reverses Name at the first underscore.
func SplitName(name string) (service, shard string, err error) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 || idx == len(name)-1 {
		return "", "", fmt.Errorf("invalid queue name %q: want {service}_{shard}", name)
	}
	return name[:idx], name[idx+1:], nil
}
