// Package auth implements the relay's caller identity: operators sign in
// with a username and bcrypt-checked password and receive an opaque
// session token. All state is in-memory; sessions are invalidated on
// restart.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// SessionInfo represents an issued session token.
type SessionInfo struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

const (
	// DefaultSessionTTL is used when NewStore is given a zero TTL.
	DefaultSessionTTL = 12 * time.Hour

	// sessionTokenBytes is the number of random bytes in a session
	// token (hex-encoded to twice this length).
	sessionTokenBytes = 32

	// cleanupInterval controls how often expired entries are reaped.
	cleanupInterval = 5 * time.Minute
)

// Store holds the in-memory session table.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*SessionInfo // token -> SessionInfo
	ttl      time.Duration
	logger   *slog.Logger
	stopGC   chan struct{}
	stopOnce sync.Once
}

// NewStore creates an empty session store and starts a background
// goroutine that periodically removes expired sessions. Call Stop() to
// clean up the goroutine.
func NewStore(ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		sessions: make(map[string]*SessionInfo),
		ttl:      ttl,
		logger:   logger,
		stopGC:   make(chan struct{}),
	}
	go s.gcLoop()

	return s
}

// Stop terminates the background cleanup goroutine. Safe to call more
// than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopGC) })
}

// TTL returns the lifetime of newly issued sessions.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// gcLoop periodically removes expired sessions.
func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

// cleanup removes all expired sessions from the store.
func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for k, si := range s.sessions {
		if now.After(si.ExpiresAt) {
			delete(s.sessions, k)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("reaped expired sessions", slog.Int("count", removed))
	}
}

// Issue creates a session for userID.
func (s *Store) Issue(userID string) *SessionInfo {
	si := &SessionInfo{
		Token:     RandomHex(sessionTokenBytes),
		UserID:    userID,
		ExpiresAt: time.Now().Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[si.Token] = si
	s.mu.Unlock()

	return si
}

// Validate checks if a token is valid and not expired.
// Returns nil if invalid.
func (s *Store) Validate(token string) *SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	si, ok := s.sessions[token]
	if !ok {
		return nil
	}

	if time.Now().After(si.ExpiresAt) {
		return nil
	}

	return si
}

// Revoke deletes a session. Reports whether it existed.
func (s *Store) Revoke(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[token]
	delete(s.sessions, token)

	return ok
}

// Len returns the number of stored sessions, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
