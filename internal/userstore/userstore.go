// Package userstore implements the flat-file user record contract:
// colon-separated lines of username:password_hash:first_login:role, with
// password_hash the hex SHA-256 of the UTF-8 password. The schema is fixed
// for compatibility with the collaborator surface that edits the same
// file, so the wire format is never renegotiated here.
package userstore

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ErrUserNotFound is returned by Verify and Get when the username has no record.
var ErrUserNotFound = errors.New("userstore: user not found")

// ErrWrongPassword is returned by Verify when the password hash doesn't match.
var ErrWrongPassword = errors.New("userstore: wrong password")

// User is one parsed record.
type User struct {
	Username     string
	PasswordHash string // hex SHA-256
	FirstLogin   bool
	Role         string
}

// HashPassword returns the hex SHA-256 digest of the UTF-8 password, the
// exact hash the on-disk record stores.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Store is a mutex-guarded in-memory view of the flat file, re-serialized
// to disk on every mutation so it stays readable by the collaborator tools
// that share the file.
type Store struct {
	mu    sync.RWMutex
	path  string
	users map[string]User
}

// Load reads and parses the user file at path. A missing file is treated
// as an empty store rather than an error, so a fresh deployment can start
// with no users registered yet.
func Load(path string) (*Store, error) {
	s := &Store{path: path, users: make(map[string]User)}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open user store %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		u, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("user store %s line %d: %w", path, lineNo, err)
		}
		s.users[u.Username] = u
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read user store %s: %w", path, err)
	}
	return s, nil
}

// parseLine decodes one record. Missing trailing fields default to
// first_login=false, role=standard, as the collaborator schema requires.
func parseLine(line string) (User, error) {
	parts := strings.Split(line, ":")
	if len(parts) < 2 {
		return User{}, fmt.Errorf("expected at least username:password_hash, got %q", line)
	}

	u := User{
		Username:     parts[0],
		PasswordHash: parts[1],
		FirstLogin:   false,
		Role:         "standard",
	}
	if len(parts) >= 3 && parts[2] != "" {
		fl, err := strconv.ParseBool(parts[2])
		if err != nil {
			return User{}, fmt.Errorf("invalid first_login %q: %w", parts[2], err)
		}
		u.FirstLogin = fl
	}
	if len(parts) >= 4 && parts[3] != "" {
		u.Role = parts[3]
	}
	return u, nil
}

func formatLine(u User) string {
	return fmt.Sprintf("%s:%s:%t:%s", u.Username, u.PasswordHash, u.FirstLogin, u.Role)
}

// Verify checks a plaintext password against the stored hash for username.
func (s *Store) Verify(username, password string) (User, error) {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		return User{}, ErrUserNotFound
	}
	if u.PasswordHash != HashPassword(password) {
		return User{}, ErrWrongPassword
	}
	return u, nil
}

// Get returns the record for username without checking a password.
func (s *Store) Get(username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// ChangePassword requires the caller to present the current password before
// replacing it — the user-facing form of a password change, as opposed to
// an administrative reset.
func (s *Store) ChangePassword(username, oldPassword, newPassword string) error {
	if _, err := s.Verify(username, oldPassword); err != nil {
		return err
	}
	return s.setPassword(username, newPassword, false)
}

// ResetPassword replaces a user's password without checking the old one.
// Intended for administrative use only, never for the self-service
// change-password form.
func (s *Store) ResetPassword(username, newPassword string) error {
	return s.setPassword(username, newPassword, true)
}

func (s *Store) setPassword(username, newPassword string, forceFirstLogin bool) error {
	s.mu.Lock()
	u, ok := s.users[username]
	if !ok {
		s.mu.Unlock()
		return ErrUserNotFound
	}
	u.PasswordHash = HashPassword(newPassword)
	if forceFirstLogin {
		u.FirstLogin = true
	} else {
		u.FirstLogin = false
	}
	s.users[username] = u
	s.mu.Unlock()

	return s.save()
}

// Put creates or overwrites a user record wholesale and persists the store.
func (s *Store) Put(u User) error {
	s.mu.Lock()
	s.users[u.Username] = u
	s.mu.Unlock()
	return s.save()
}

// save rewrites the flat file from the in-memory map. Called with s.mu
// already released by the caller.
func (s *Store) save() error {
	s.mu.RLock()
	lines := make([]string, 0, len(s.users))
	for _, u := range s.users {
		lines = append(lines, formatLine(u))
	}
	s.mu.RUnlock()

	tmp := s.path + ".tmp"
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write user store %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename user store into place: %w", err)
	}
	return nil
}
