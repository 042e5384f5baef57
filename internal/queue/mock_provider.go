package queue

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockQueue is a mock implementation of the Queue interface for testing.
type MockQueue struct {
	mock.Mock
}

// Name is the mock implementation of the Name method.
func (m *MockQueue) Name() string {
	args := m.Called()
	return args.String(0)
}

// CheckConnection is the mock implementation of the CheckConnection method.
func (m *MockQueue) CheckConnection(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Send is the mock implementation of the Send method.
func (m *MockQueue) Send(ctx context.Context, message []byte) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

// Receive is the mock implementation of the Receive method.
func (m *MockQueue) Receive(ctx context.Context, timeout time.Duration, autoAck bool) (*Envelope, error) {
	args := m.Called(ctx, timeout, autoAck)
	env, _ := args.Get(0).(*Envelope)
	return env, args.Error(1)
}

// Acknowledge is the mock implementation of the Acknowledge method.
func (m *MockQueue) Acknowledge(ctx context.Context, deliveryTag uint64) error {
	args := m.Called(ctx, deliveryTag)
	return args.Error(0)
}

// Reject is the mock implementation of the Reject method.
func (m *MockQueue) Reject(ctx context.Context, deliveryTag uint64) error {
	args := m.Called(ctx, deliveryTag)
	return args.Error(0)
}

// Recover is the mock implementation of the Recover method.
func (m *MockQueue) Recover(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Available is the mock implementation of the Available method.
func (m *MockQueue) Available(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	count, _ := args.Get(0).(int64)
	return count, args.Error(1)
}

// Clear is the mock implementation of the Clear method.
func (m *MockQueue) Clear(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Close is the mock implementation of the Close method.
func (m *MockQueue) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockFactory is a mock implementation of the Factory interface for testing.
type MockFactory struct {
	mock.Mock
}

// Tier is the mock implementation of the Tier method.
func (m *MockFactory) Tier() Tier {
	args := m.Called()
	tier, _ := args.Get(0).(Tier)
	return tier
}

// Host is the mock implementation of the Host method.
func (m *MockFactory) Host() string {
	args := m.Called()
	return args.String(0)
}

// Port is the mock implementation of the Port method.
func (m *MockFactory) Port() int {
	args := m.Called()
	return args.Int(0)
}

// ConnectionURL is the mock implementation of the ConnectionURL method.
func (m *MockFactory) ConnectionURL() string {
	args := m.Called()
	return args.String(0)
}

// Queue is the mock implementation of the Queue method.
func (m *MockFactory) Queue(ctx context.Context, name string) (Queue, error) {
	args := m.Called(ctx, name)
	q, _ := args.Get(0).(Queue)
	return q, args.Error(1)
}

// Close is the mock implementation of the Close method.
func (m *MockFactory) Close() error {
	args := m.Called()
	return args.Error(0)
}
