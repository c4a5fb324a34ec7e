package testutil

import (
	"path/filepath"
	"sync"

	"github.com/hddq/restoid-sub000/internal/restoid"
)

// FakeStagingArea is an in-memory restoid.StagingArea. Nothing touches disk;
// staged content is declared up front.
type FakeStagingArea struct {
	mu sync.Mutex

	Root string
	// Packages maps package names to staged package file paths in install order.
	Packages map[string][]string
	// Staged holds the live paths that have a staged copy.
	Staged map[string]bool

	CreateErr error
	RemoveErr error

	Created []string
	Removed []string
	Sweeps  int
}

var _ restoid.StagingArea = (*FakeStagingArea)(nil)

func NewFakeStagingArea() *FakeStagingArea {
	return &FakeStagingArea{
		Root:     "/staging",
		Packages: make(map[string][]string),
		Staged:   make(map[string]bool),
	}
}

func (s *FakeStagingArea) Create(operationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return "", s.CreateErr
	}
	dir := filepath.Join(s.Root, operationID)
	s.Created = append(s.Created, dir)
	return dir, nil
}

func (s *FakeStagingArea) PackageFiles(dir, pkg string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Packages[pkg]...), nil
}

func (s *FakeStagingArea) Locate(dir, livePath string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filepath.Join(dir, livePath), s.Staged[livePath], nil
}

func (s *FakeStagingArea) Remove(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RemoveErr != nil {
		return s.RemoveErr
	}
	s.Removed = append(s.Removed, dir)
	return nil
}

// Sweep reports every created directory not removed yet and forgets them.
func (s *FakeStagingArea) Sweep() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make(map[string]bool, len(s.Removed))
	for _, d := range s.Removed {
		removed[d] = true
	}
	var swept []string
	for _, d := range s.Created {
		if !removed[d] {
			swept = append(swept, d)
			s.Removed = append(s.Removed, d)
		}
	}
	s.Sweeps++
	return swept, nil
}
