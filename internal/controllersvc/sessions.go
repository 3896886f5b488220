package controllersvc

import (
	"sync"
	"time"
)

// session is one logged-in user's server-side session record. It holds no
// password: /launch takes the container credentials from the request body,
// and the session carries only the username, role and expiry.
type session struct {
	Username string
	Role     string
	Expiry   time.Time
}

// SessionStore is an in-memory, mutex-guarded table of live sessions,
// mirroring fleet.Registry's single-lock style.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]session
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]session)}
}

// Create registers a new session under token, valid until expiry.
func (s *SessionStore) Create(token, username, role string, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = session{Username: username, Role: role, Expiry: expiry}
}

// Lookup returns the username/role for a live token, or ok=false if the
// token is unknown or expired. An expired session is evicted on lookup.
func (s *SessionStore) Lookup(token string, now time.Time) (username, role string, ok bool) {
	s.mu.RLock()
	sess, found := s.sessions[token]
	s.mu.RUnlock()

	if !found {
		return "", "", false
	}
	if now.After(sess.Expiry) {
		s.mu.Lock()
		delete(s.sessions, token)
		s.mu.Unlock()
		return "", "", false
	}
	return sess.Username, sess.Role, true
}

// Revoke removes a session, used on logout.
func (s *SessionStore) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// PruneExpired removes every session past its expiry, for a periodic
// housekeeping loop alongside the dead-agent pruner.
func (s *SessionStore) PruneExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, sess := range s.sessions {
		if now.After(sess.Expiry) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}
