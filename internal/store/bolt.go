// Package store persists the Controller's durable state in BoltDB: launch
// history/diagnostics, admin edits to the agent roster, and the
// allowed-images allowlist. The fleet registry itself stays in-memory
// (internal/fleet) since agents re-announce on every heartbeat.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketLaunchHistory = []byte("launch_history")
	bucketRoster        = []byte("roster_overrides")
	bucketAllowedImages = []byte("allowed_images")
	bucketSettings      = []byte("settings")
	bucketRateLimits    = []byte("rate_limits")
)

// LaunchRecord represents one completed (or failed) launch attempt, kept
// for the admin-facing diagnostics surface.
type LaunchRecord struct {
	Timestamp     time.Time     `json:"timestamp"`
	Username      string        `json:"username"`
	Image         string        `json:"image"`
	AgentID       string        `json:"agent_id,omitempty"`
	ContainerID   string        `json:"container_id,omitempty"`
	Outcome       string        `json:"outcome"` // "placed", "no_candidate", "dispatch_failed"
	Diagnostics   string        `json:"diagnostics,omitempty"`
	DispatchTries int           `json:"dispatch_tries,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Store wraps a BoltDB database for Controller persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLaunchHistory, bucketRoster, bucketAllowedImages, bucketSettings, bucketRateLimits} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordLaunch appends a launch attempt outcome to the history bucket.
// Key format: RFC3339Nano timestamp, for chronological ordering.
func (s *Store) RecordLaunch(rec LaunchRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal launch record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLaunchHistory)
		key := []byte(rec.Timestamp.Format(time.RFC3339Nano))
		return b.Put(key, data)
	})
}

// ListLaunchHistory returns the most recent launch records, newest first,
// up to limit.
func (s *Store) ListLaunchHistory(limit int) ([]LaunchRecord, error) {
	var records []LaunchRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLaunchHistory)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var rec LaunchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// ListLaunchHistoryByUsername filters launch history for one user, newest
// first, up to limit.
func (s *Store) ListLaunchHistoryByUsername(username string, limit int) ([]LaunchRecord, error) {
	var records []LaunchRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLaunchHistory)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var rec LaunchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Username == username {
				records = append(records, rec)
			}
		}
		return nil
	})
	return records, err
}

// RosterEntry is one admin-managed agent roster record: the static
// connection details an admin can add/edit/remove between restarts,
// layered on top of whatever the roster file shipped with.
type RosterEntry struct {
	AgentID string `json:"agent_id"`
	URL     string `json:"url"`
	Removed bool   `json:"removed"`
}

// PutRosterEntry creates or overwrites one roster override.
func (s *Store) PutRosterEntry(e RosterEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal roster entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoster).Put([]byte(e.AgentID), data)
	})
}

// AllRosterEntries returns every admin-managed roster override.
func (s *Store) AllRosterEntries() ([]RosterEntry, error) {
	var entries []RosterEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoster).ForEach(func(_, v []byte) error {
			var e RosterEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// SetAllowedImages replaces the admin-managed allowlist wholesale.
func (s *Store) SetAllowedImages(images []string) error {
	data, err := json.Marshal(images)
	if err != nil {
		return fmt.Errorf("marshal allowed images: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAllowedImages).Put([]byte("list"), data)
	})
}

// GetAllowedImages returns the persisted allowlist. An empty/missing list
// means "no restriction" per the admission contract.
func (s *Store) GetAllowedImages() ([]string, error) {
	var images []string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAllowedImages).Get([]byte("list"))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &images)
	})
	return images, err
}

// SaveSetting stores a setting key-value pair in the settings bucket.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// LoadSetting loads a setting by key. Returns empty string if absent.
func (s *Store) LoadSetting(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte(key))
		if v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}

// SaveRateLimitState persists the auth rate limiter's state so lockouts
// survive a Controller restart.
func (s *Store) SaveRateLimitState(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).Put([]byte("state"), data)
	})
}

// LoadRateLimitState loads persisted rate limit state. Returns nil, nil if
// nothing is stored.
func (s *Store) LoadRateLimitState() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRateLimits).Get([]byte("state"))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// DeleteRosterEntry removes an admin-managed roster override.
func (s *Store) DeleteRosterEntry(agentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoster).Delete([]byte(agentID))
	})
}

// pruneBefore removes launch history entries older than cutoff — exported
// via a thin wrapper so the Controller's retention loop never touches
// bolt internals directly.
func (s *Store) pruneBefore(cutoff time.Time) error {
	cutoffKey := []byte(cutoff.Format(time.RFC3339Nano))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLaunchHistory)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoffKey) < 0; k, _ = c.Next() {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// PruneLaunchHistoryBefore removes launch records older than cutoff.
func (s *Store) PruneLaunchHistoryBefore(cutoff time.Time) error {
	return s.pruneBefore(cutoff)
}
