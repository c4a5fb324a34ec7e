// Package staging keeps restored snapshot content in the app's private
// storage until it is installed or copied to its live location.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hddq/restoid-sub000/internal/restoid"
)

const (
	apkSuffix   = ".apk"
	baseApkName = "base.apk"
)

// FileSystemStagingArea is a filesystem-based implementation of the
// restoid.StagingArea interface. The tool restores absolute snapshot paths
// below the operation directory, so a live path maps to dir + live path.
//
// Directory structure:
//
//	<staging_dir>/
//	  <operation_id>/
//	    data/app/~~x==/<pkg>-y==/base.apk
//	    data/data/<pkg>/...
type FileSystemStagingArea struct {
	root string
}

var _ restoid.StagingArea = (*FileSystemStagingArea)(nil)

// NewFileSystemStagingArea creates a staging area below root.
func NewFileSystemStagingArea(root string) (*FileSystemStagingArea, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &FileSystemStagingArea{root: root}, nil
}

// Root returns the directory holding all operation directories.
func (s *FileSystemStagingArea) Root() string {
	return s.root
}

func (s *FileSystemStagingArea) Create(operationID string) (string, error) {
	if operationID == "" || operationID != filepath.Base(operationID) || strings.HasPrefix(operationID, ".") {
		return "", fmt.Errorf("invalid operation id %q", operationID)
	}
	dir := filepath.Join(s.root, operationID)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	return dir, nil
}

func (s *FileSystemStagingArea) PackageFiles(dir, pkg string) ([]string, error) {
	appRoot := filepath.Join(dir, "data", "app")
	var base string
	var splits []string

	err := filepath.WalkDir(appRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == appRoot {
				return filepath.SkipDir
			}
			return err
		}
		// Symlinks are never followed out of the staging directory.
		if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), apkSuffix) {
			return nil
		}
		live := "/" + filepath.ToSlash(strings.TrimPrefix(path, dir+string(filepath.Separator)))
		if !restoid.CategoryApk.Matches(live, pkg) {
			return nil
		}
		if d.Name() == baseApkName && base == "" {
			base = path
		} else {
			splits = append(splits, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing staged packages of %s: %w", pkg, err)
	}

	sort.Strings(splits)
	files := make([]string, 0, len(splits)+1)
	if base != "" {
		files = append(files, base)
	}
	return append(files, splits...), nil
}

func (s *FileSystemStagingArea) Locate(dir, livePath string) (string, bool, error) {
	clean := filepath.Clean("/" + livePath)
	staged := filepath.Join(dir, clean)
	if _, err := os.Lstat(staged); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return staged, false, nil
		}
		return "", false, fmt.Errorf("checking staged copy of %s: %w", livePath, err)
	}
	return staged, true, nil
}

// Remove deletes a staging directory. Only directories directly below the
// root are accepted.
func (s *FileSystemStagingArea) Remove(dir string) error {
	if filepath.Dir(filepath.Clean(dir)) != filepath.Clean(s.root) {
		return fmt.Errorf("refusing to remove %s: not a staging directory", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing staging directory: %w", err)
	}
	return nil
}

// Sweep removes operation directories left behind by earlier runs that did
// not reach cleanup. It returns the directories removed.
func (s *FileSystemStagingArea) Sweep() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading staging directory: %w", err)
	}
	var removed []string
	for _, e := range entries {
		dir := filepath.Join(s.root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("removing stale staging directory: %w", err)
		}
		removed = append(removed, dir)
	}
	return removed, nil
}
