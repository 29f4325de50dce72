// Package credstore holds small secrets (session tokens) under fixed logical keys.
//
// Stores never fail the caller's flow: Save and Delete report success as a bool, Load reports
// presence, and every underlying error is logged and degraded to "no persisted value".
package credstore

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"mkr.su/console/internal/obs"
)

// Store is the secure credential store contract.
type Store interface {
	// Save writes secret under key, replacing any previous value.
	Save(ctx context.Context, key, secret string) bool
	// Load returns the secret stored under key, if any.
	Load(ctx context.Context, key string) (string, bool)
	// Delete removes key. Deleting a key that is not present reports true.
	Delete(ctx context.Context, key string) bool
}

var (
	// ErrInvalidKey is logged when a key does not match the allowed pattern.
	ErrInvalidKey = errors.New("credstore: invalid key")

	keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)
)

func validKey(key string) bool { return keyPattern.MatchString(key) }

func logFailure(op, key string, err error) {
	obs.Logger().WithError(err).WithField("op", op).WithField("key", key).Warn("credential store failure")
}

// Memory keeps secrets in process memory.
type Memory struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{secrets: make(map[string]string)}
}

func (m *Memory) Save(_ context.Context, key, secret string) bool {
	if !validKey(key) {
		logFailure("save", key, ErrInvalidKey)
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = secret
	return true
}

func (m *Memory) Load(_ context.Context, key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[key]
	return v, ok
}

func (m *Memory) Delete(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, key)
	return true
}
