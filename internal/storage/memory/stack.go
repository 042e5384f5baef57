// Package memory provides an in-memory storage.Provider for development and tests.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/JakeFAU/gridbroker/internal/storage"
)

// Provider keeps stacks in process memory. Stacks survive Close/Open cycles
// for the lifetime of the Provider, which mimics a persistent backend in tests.
type Provider struct {
	mu     sync.Mutex
	stacks map[string]*Stack
}

// NewProvider constructs an empty Provider.
func NewProvider() *Provider {
	return &Provider{stacks: make(map[string]*Stack)}
}

// Open returns the stack for name.
func (p *Provider) Open(name string) (storage.Stack, error) {
	if name == "" {
		return nil, errors.New("memory: stack name is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stacks[name]
	if !ok {
		s = &Stack{}
		p.stacks[name] = s
	}
	return s, nil
}

// Close drops every stack.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stacks = make(map[string]*Stack)
	return nil
}

// Stack is a slice-backed FIFO.
type Stack struct {
	mu     sync.Mutex
	values [][]byte
}

// Push appends a copy of value.
func (s *Stack) Push(_ context.Context, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, slices.Clone(value))
	return nil
}

// Pop removes the head value.
func (s *Stack) Pop(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return nil, storage.ErrEmpty
	}
	head := s.values[0]
	s.values[0] = nil
	s.values = s.values[1:]
	return head, nil
}

// Size returns the number of values.
func (s *Stack) Size(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.values)), nil
}

// Clear removes every value.
func (s *Stack) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = nil
	return nil
}

// Close is a no-op; values stay in the Provider.
func (s *Stack) Close() error { return nil }
