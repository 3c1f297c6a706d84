package store

import (
	"context"
	"sync"

	"github.com/ianfoo/tweetwatch"
)

// Memory keeps state in process. State is lost on exit, so it only suits
// the daemon mode and tests.
type Memory struct {
	mu    sync.Mutex
	state tweetwatch.State
	saves int
}

// NewMemory returns a store holding st, or Uninitialized if st is nil.
func NewMemory(st tweetwatch.State) *Memory {
	if st == nil {
		st = tweetwatch.Uninitialized{}
	}
	return &Memory{state: st}
}

// Load returns the held state.
func (m *Memory) Load(_ context.Context) (tweetwatch.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// Save replaces the held state.
func (m *Memory) Save(_ context.Context, st tweetwatch.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
	m.saves++
	return nil
}

// Saves reports how many times Save has been called.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
