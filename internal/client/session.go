package client

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Session is the admin token persisted between kioskctl runs.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`

	path string
}

// LoadSession reads the session file at path. A missing file yields an
// empty session bound to path.
func LoadSession(path string) (*Session, error) {
	s := &Session{path: path}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes the session with owner-only permissions.
func (s *Session) Save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o600)
}

// Clear forgets the token and removes the session file.
func (s *Session) Clear() error {
	s.Token, s.ExpiresAt = "", time.Time{}
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Valid returns the token if it has not expired at now.
func (s *Session) Valid(now time.Time) (string, bool) {
	if s == nil || s.Token == "" || !now.Before(s.ExpiresAt) {
		return "", false
	}
	return s.Token, true
}
