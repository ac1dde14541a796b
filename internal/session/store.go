// FilePath: internal/session/store.go
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hqbc/devrec/internal/models"
)

// Store is the injected session state: the access token read by every
// outbound request plus the cached user profile. It replaces the
// ambient module-level token holder with explicit read/write/clear
// operations passed to all collaborators.
type Store interface {
	Token() string
	User() (models.User, bool)
	Save(token string, user models.User) error
	Clear() error
}

// storage keys inside the persisted document
type sessionFile struct {
	AccessToken string       `json:"accessToken,omitempty"`
	User        *models.User `json:"user,omitempty"`
}

// FileStore persists the session as a single JSON document on disk,
// the mobile key-value store's counterpart for a terminal client.
type FileStore struct {
	path string

	mu      sync.RWMutex
	current sessionFile
}

// Open loads (or initializes) the session file at path
func Open(path string) (*FileStore, error) {
	s := &FileStore{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	if err := json.Unmarshal(data, &s.current); err != nil {
		// A corrupt session file means logged out, not a fatal error.
		s.current = sessionFile{}
	}
	return s, nil
}

// Token returns the stored access token, "" when logged out
func (s *FileStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.AccessToken
}

// User returns the cached profile and whether one is stored
func (s *FileStore) User() (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current.User == nil {
		return models.User{}, false
	}
	return *s.current.User, true
}

// Save stores the token and profile and persists them
func (s *FileStore) Save(token string, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = sessionFile{AccessToken: token, User: &user}
	return s.flush()
}

// Clear wipes the session, both in memory and on disk
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = sessionFile{}
	return s.flush()
}

func (s *FileStore) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	data, err := json.Marshal(s.current)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}
