package credentials

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
	"github.com/google/renameio/v2"
)

const fileSuffix = ".age"

// AgeStore keeps one age-encrypted file per repository password. The X25519
// identity lives unencrypted in a 0600 file inside the app's private storage,
// so passwords are bound to this device.
type AgeStore struct {
	identityPath string
	dir          string
}

var _ Store = (*AgeStore)(nil)

// NewAgeStore creates an AgeStore using the identity at identityPath and
// password files below dir.
func NewAgeStore(identityPath, dir string) *AgeStore {
	return &AgeStore{identityPath: identityPath, dir: dir}
}

// Setup generates a new X25519 identity. It refuses to replace an existing
// one, since that would make every stored password unreadable.
func (s *AgeStore) Setup() error {
	if s.IsConfigured() {
		return fmt.Errorf("identity already exists at %s", s.identityPath)
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.identityPath), 0o700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}
	if err := renameio.WriteFile(s.identityPath, []byte(identity.String()+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	return nil
}

// IsConfigured returns true if the identity file exists.
func (s *AgeStore) IsConfigured() bool {
	_, err := os.Stat(s.identityPath)
	return err == nil
}

func (s *AgeStore) Put(repo, password string) error {
	path, err := s.path(repo)
	if err != nil {
		return err
	}
	identity, err := s.loadIdentity()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, identity.Recipient())
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, password); err != nil {
		return fmt.Errorf("encrypting password: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing password for %s: %w", repo, err)
	}
	return nil
}

func (s *AgeStore) Get(repo string) (string, error) {
	path, err := s.path(repo)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", repo, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading password for %s: %w", repo, err)
	}

	identity, err := s.loadIdentity()
	if err != nil {
		return "", err
	}
	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return "", fmt.Errorf("decrypting password for %s: %w", repo, err)
	}
	password, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted password for %s: %w", repo, err)
	}
	return string(password), nil
}

func (s *AgeStore) Delete(repo string) error {
	path, err := s.path(repo)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting password for %s: %w", repo, err)
	}
	return nil
}

func (s *AgeStore) path(repo string) (string, error) {
	if err := validateName(repo); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, repo+fileSuffix), nil
}

// loadIdentity reads the identity from disk and parses it.
func (s *AgeStore) loadIdentity() (*age.X25519Identity, error) {
	data, err := os.ReadFile(s.identityPath)
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity found in %s", s.identityPath)
}
