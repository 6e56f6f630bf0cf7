// Package client talks to an identityd server on behalf of a command line
// user. It keeps the bearer token returned by login in a CredentialStore and
// attaches it to later requests.
package client

import (
	"sync"
	"time"
)

// ServerCredential holds the session of one user on one server.
type ServerCredential struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id,omitempty"`
	Username    string    `json:"username,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsExpired reports whether the token has expired. A zero ExpiresAt never
// expires.
func (c *ServerCredential) IsExpired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// CredentialStore defines the interface for storing and retrieving credentials
type CredentialStore interface {
	// GetCredential retrieves a credential for a server URL
	// Returns nil, nil if no credential exists for the server
	GetCredential(serverURL string) (*ServerCredential, error)

	// SetCredential stores a credential for a server URL
	SetCredential(serverURL string, cred *ServerCredential) error

	// RemoveCredential removes a credential for a server URL
	RemoveCredential(serverURL string) error

	// ListServers returns all server URLs with stored credentials
	ListServers() ([]string, error)

	// Save persists any pending changes (for stores that batch writes)
	Save() error
}

// MemoryStore is a CredentialStore that lives only as long as the process.
type MemoryStore struct {
	mu      sync.RWMutex
	servers map[string]*ServerCredential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{servers: map[string]*ServerCredential{}}
}

func (m *MemoryStore) GetCredential(serverURL string) (*ServerCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.servers[serverURL], nil
}

func (m *MemoryStore) SetCredential(serverURL string, cred *ServerCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[serverURL] = cred
	return nil
}

func (m *MemoryStore) RemoveCredential(serverURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, serverURL)
	return nil
}

func (m *MemoryStore) ListServers() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.servers))
	for k := range m.servers {
		out = append(out, k)
	}
	return out, nil
}

func (m *MemoryStore) Save() error { return nil }
