package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockStack is a mock implementation of the Stack interface for testing.
type MockStack struct {
	mock.Mock
}

// Push is the mock implementation of the Push method.
func (m *MockStack) Push(ctx context.Context, value []byte) error {
	args := m.Called(ctx, value)
	return args.Error(0) //nolint:wrapcheck
}

// Pop is the mock implementation of the Pop method.
func (m *MockStack) Pop(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	value, _ := args.Get(0).([]byte)
	return value, args.Error(1) //nolint:wrapcheck
}

// Size is the mock implementation of the Size method.
func (m *MockStack) Size(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	size, _ := args.Get(0).(int64)
	return size, args.Error(1) //nolint:wrapcheck
}

// Clear is the mock implementation of the Clear method.
func (m *MockStack) Clear(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0) //nolint:wrapcheck
}

// Close is the mock implementation of the Close method.
func (m *MockStack) Close() error {
	args := m.Called()
	return args.Error(0) //nolint:wrapcheck
}
