// Package session holds the operator's caller identity on the tester
// side: the bearer token issued by the relay's sign-in endpoint, and a
// subscription mechanism so consumers react to sign-in and sign-out.
package session

import (
	"sync"
	"time"
)

// Session is an authenticated relay session.
type Session struct {
	AccessToken string    `json:"access_token"`
	User        string    `json:"user"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the session has a set expiry in the past.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Provider is the caller-identity collaborator consumed by the flow
// controller.
type Provider interface {
	// Current returns the active session or nil when signed out.
	Current() *Session
	// Subscribe registers fn to be called with the new session (nil on
	// sign-out) after every change. The returned func unsubscribes.
	Subscribe(fn func(*Session)) (unsubscribe func())
}

// hub fans session changes out to subscribers.
type hub struct {
	subsMu sync.Mutex
	nextID int
	subs   map[int]func(*Session)
}

func (h *hub) subscribe(fn func(*Session)) func() {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()

	if h.subs == nil {
		h.subs = make(map[int]func(*Session))
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = fn

	var once sync.Once

	return func() {
		once.Do(func() {
			h.subsMu.Lock()
			delete(h.subs, id)
			h.subsMu.Unlock()
		})
	}
}

// notify calls every subscriber outside the lock so callbacks may
// unsubscribe or read the provider.
func (h *hub) notify(s *Session) {
	h.subsMu.Lock()
	fns := make([]func(*Session), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.subsMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func clone(s *Session) *Session {
	if s == nil {
		return nil
	}

	c := *s

	return &c
}
