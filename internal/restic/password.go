package restic

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hddq/restoid-sub000/internal/restoid"
)

const (
	passwordDirMode  = 0o700
	passwordFileMode = 0o600
)

// passwordFile is a short-lived file holding a repository password. restic
// reads it through --password-file, which keeps the password out of the
// process list and the environment.
type passwordFile struct {
	dir  string
	path string
}

func writePasswordFile(password string) (*passwordFile, error) {
	dir, err := os.MkdirTemp("", "restoid-pw-")
	if err != nil {
		return nil, fmt.Errorf("creating password directory: %w", err)
	}
	if err := os.Chmod(dir, passwordDirMode); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("securing password directory: %w", err)
	}

	path := filepath.Join(dir, "password")
	if err := os.WriteFile(path, []byte(password), passwordFileMode); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("writing password file: %w", err)
	}
	return &passwordFile{dir: dir, path: path}, nil
}

func (p *passwordFile) remove(logger restoid.Logger) {
	if err := os.RemoveAll(p.dir); err != nil {
		logger.Warn("removing password file failed", "path", p.dir, "error", err)
	}
}
