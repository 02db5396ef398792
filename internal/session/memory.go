package session

import (
	"sync"
	"time"
)

// Memory is an in-process Provider.
type Memory struct {
	hub

	mu      sync.RWMutex
	current *Session
}

var _ Provider = (*Memory)(nil)

// NewMemory returns a signed-out provider.
func NewMemory() *Memory {
	return &Memory{}
}

// Current returns the session unless it has expired.
func (m *Memory) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil || m.current.Expired(time.Now()) {
		return nil
	}

	return clone(m.current)
}

// Subscribe implements Provider.
func (m *Memory) Subscribe(fn func(*Session)) func() {
	return m.subscribe(fn)
}

// Set signs in and notifies subscribers.
func (m *Memory) Set(s *Session) {
	m.mu.Lock()
	m.current = clone(s)
	m.mu.Unlock()

	m.notify(clone(s))
}

// Clear signs out and notifies subscribers.
func (m *Memory) Clear() {
	m.Set(nil)
}
