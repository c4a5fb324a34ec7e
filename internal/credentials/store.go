// Package credentials stores repository passwords on the device.
package credentials

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hddq/restoid-sub000/internal/config"
)

// ErrNotFound means no password is stored for a repository.
var ErrNotFound = errors.New("no stored password")

// Store keeps one password per repository name.
type Store interface {
	Put(repo, password string) error
	Get(repo string) (string, error)
	Delete(repo string) error
}

// NewStoreFromConfig creates a Store based on the configuration type.
func NewStoreFromConfig(cfg config.CredentialsConfig) (Store, error) {
	switch cfg.Type {
	case "age", "":
		if cfg.IdentityPath == "" || cfg.Dir == "" {
			return nil, fmt.Errorf("identity_path and dir required for age credentials")
		}
		return NewAgeStore(cfg.IdentityPath, cfg.Dir), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown credentials type: %q", cfg.Type)
	}
}

// MemoryStore keeps passwords in memory only.
type MemoryStore struct {
	mu        sync.Mutex
	passwords map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{passwords: make(map[string]string)}
}

func (m *MemoryStore) Put(repo, password string) error {
	if err := validateName(repo); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passwords[repo] = password
	return nil
}

func (m *MemoryStore) Get(repo string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.passwords[repo]
	if !ok {
		return "", fmt.Errorf("%s: %w", repo, ErrNotFound)
	}
	return p, nil
}

func (m *MemoryStore) Delete(repo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.passwords, repo)
	return nil
}

// validateName rejects names that cannot safely be used as a file name.
func validateName(repo string) error {
	if repo == "" || repo == "." || repo == ".." || strings.ContainsAny(repo, `/\`) {
		return fmt.Errorf("invalid repository name %q", repo)
	}
	return nil
}
