// Package fs keeps client credentials in a JSON file under the user's config
// directory.
package fs

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/campusconnect/identity/client"
)

// DefaultAppName names the config directory when none is given.
const DefaultAppName = "identity"

// FSCredentialStore holds credentials in memory and writes them to a single
// JSON file on Save.
type FSCredentialStore struct {
	mu    sync.RWMutex
	path  string
	creds map[string]*client.ServerCredential
	dirty bool
}

// credentialFile is the on-disk layout.
type credentialFile struct {
	Servers map[string]*client.ServerCredential `json:"servers"`
}

// NewFSCredentialStore loads the store at path. An empty path means
// <user config dir>/<appName>/credentials.json. A missing file is an empty
// store.
func NewFSCredentialStore(path string, appName string) (*FSCredentialStore, error) {
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		if appName == "" {
			appName = DefaultAppName
		}
		path = filepath.Join(dir, appName, "credentials.json")
	}

	s := &FSCredentialStore{path: path, creds: map[string]*client.ServerCredential{}}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse credentials file %s: %w", path, err)
	}
	for k, v := range file.Servers {
		if v != nil {
			s.creds[k] = v
		}
	}
	return s, nil
}

func configDir() (string, error) {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine config directory: %w", err)
	}
	return filepath.Join(home, ".config"), nil
}

// serverKey reduces a URL to scheme://host so any path on a server shares
// one credential.
func serverKey(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + strings.ToLower(u.Host), nil
}

func (s *FSCredentialStore) GetCredential(serverURL string) (*client.ServerCredential, error) {
	key, err := serverKey(serverURL)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds[key], nil
}

func (s *FSCredentialStore) SetCredential(serverURL string, cred *client.ServerCredential) error {
	key, err := serverKey(serverURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key] = cred
	s.dirty = true
	return nil
}

func (s *FSCredentialStore) RemoveCredential(serverURL string) error {
	key, err := serverKey(serverURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[key]; ok {
		delete(s.creds, key)
		s.dirty = true
	}
	return nil
}

// ListServers returns the stored server keys in sorted order.
func (s *FSCredentialStore) ListServers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.creds)), nil
}

// Save writes pending changes. The file is created owner-only and renamed
// into place.
func (s *FSCredentialStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	data, err := json.MarshalIndent(credentialFile{Servers: s.creds}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := writePrivateFile(dir, s.path, data); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	s.dirty = false
	return nil
}

func writePrivateFile(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Path returns the path to the credentials file
func (s *FSCredentialStore) Path() string {
	return s.path
}
