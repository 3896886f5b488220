package controllersvc

import (
	"testing"
	"time"
)

func TestSessionStoreCreateAndLookup(t *testing.T) {
	s := NewSessionStore()
	now := time.Now()
	s.Create("tok1", "alice", "standard", now.Add(time.Hour))

	username, role, ok := s.Lookup("tok1", now)
	if !ok {
		t.Fatal("expected session to be found")
	}
	if username != "alice" || role != "standard" {
		t.Errorf("got username=%q role=%q", username, role)
	}
}

func TestSessionStoreExpiredSessionEvicted(t *testing.T) {
	s := NewSessionStore()
	now := time.Now()
	s.Create("tok1", "alice", "standard", now.Add(-time.Minute))

	if _, _, ok := s.Lookup("tok1", now); ok {
		t.Fatal("expected expired session to be rejected")
	}
	if _, _, ok := s.Lookup("tok1", now); ok {
		t.Fatal("expected session to stay evicted after first lookup")
	}
}

func TestSessionStoreRevoke(t *testing.T) {
	s := NewSessionStore()
	now := time.Now()
	s.Create("tok1", "alice", "standard", now.Add(time.Hour))
	s.Revoke("tok1")

	if _, _, ok := s.Lookup("tok1", now); ok {
		t.Fatal("expected revoked session to be gone")
	}
}

func TestSessionStorePruneExpired(t *testing.T) {
	s := NewSessionStore()
	now := time.Now()
	s.Create("expired", "alice", "standard", now.Add(-time.Minute))
	s.Create("live", "bob", "power", now.Add(time.Hour))

	removed := s.PruneExpired(now)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, _, ok := s.Lookup("live", now); !ok {
		t.Error("expected live session to survive pruning")
	}
}
