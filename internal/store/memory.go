package store

import (
	"context"
	"sync"

	"github.com/rickgao/twitchkit/internal/auth"
)

// Memory keeps credentials in process memory.
type Memory struct {
	mu    sync.RWMutex
	creds map[string]auth.Credential
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{creds: make(map[string]auth.Credential)}
}

// Fetch returns the credential for ownerKey or auth.ErrNotFound.
func (m *Memory) Fetch(ctx context.Context, ownerKey string) (auth.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cred, ok := m.creds[ownerKey]
	if !ok {
		return auth.Credential{}, auth.ErrNotFound
	}
	return cred, nil
}

// Store replaces the credential for ownerKey.
func (m *Memory) Store(ctx context.Context, ownerKey string, cred auth.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[ownerKey] = cred
	return nil
}

// Remove deletes the credential for ownerKey. Removing a missing key is a no-op.
func (m *Memory) Remove(ctx context.Context, ownerKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, ownerKey)
	return nil
}
