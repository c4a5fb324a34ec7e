// Package metadata keeps per-app snapshot bookkeeping in the local database and
// mirrors that database into the backup repository, so a device that registers
// an existing repository can recover it.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hddq/restoid-sub000/internal/model"
	"github.com/hddq/restoid-sub000/internal/restoid"
)

// MirrorFileName is the name of the exported database inside the mirror
// directory. The full path must stay stable across backups: the tool groups
// snapshots by path when applying keep-last retention.
const MirrorFileName = "restoid-metadata.db"

// DB is the subset of the metadata database the store needs.
type DB interface {
	ReplaceSnapshotMetadata(ctx context.Context, repoID, snapshotID string, rows []model.AppMetadata) error
	FindSnapshotMetadata(ctx context.Context, repoID, snapshotID string) ([]model.AppMetadata, error)
	MergeFrom(ctx context.Context, path, repoID string) (int64, error)
	BackupTo(ctx context.Context, destPath string) error
}

// Options configure a Store.
type Options struct {
	// MirrorDir holds the exported database between backups.
	MirrorDir string
	// TempDir is where mirrors are restored during Bootstrap. Empty means the
	// system default.
	TempDir string
	// Host overrides the hostname recorded in mirror snapshots.
	Host string
}

// Store implements restoid.MetadataStore.
type Store struct {
	db     DB
	tool   restoid.Tool
	clock  restoid.Clock
	logger restoid.Logger
	opts   Options
}

var _ restoid.MetadataStore = (*Store)(nil)

// NewStore creates a Store with the provided dependencies.
func NewStore(db DB, tool restoid.Tool, clock restoid.Clock, logger restoid.Logger, opts Options) *Store {
	return &Store{db: db, tool: tool, clock: clock, logger: logger, opts: opts}
}

// MirrorPath returns the path the database is exported to before each mirror
// backup.
func (s *Store) MirrorPath() string {
	return filepath.Join(s.opts.MirrorDir, MirrorFileName)
}

func (s *Store) GetMetadataForSnapshot(ctx context.Context, repoID, snapshotID string) (map[string]restoid.AppMetadataEntry, error) {
	rows, err := s.db.FindSnapshotMetadata(ctx, repoID, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("reading metadata for snapshot %s: %w", snapshotID, err)
	}
	entries := make(map[string]restoid.AppMetadataEntry, len(rows))
	for _, r := range rows {
		entries[r.PackageName] = restoid.AppMetadataEntry{
			PackageName:     r.PackageName,
			VersionName:     r.VersionName,
			VersionCode:     r.VersionCode,
			BackupSizeBytes: r.BackupSizeBytes,
		}
	}
	return entries, nil
}

func (s *Store) SaveSnapshotMetadata(ctx context.Context, repoID, snapshotID string, entries []restoid.AppMetadataEntry) error {
	now := s.clock.Now()
	rows := make([]model.AppMetadata, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, model.AppMetadata{
			RepositoryID:    repoID,
			SnapshotID:      snapshotID,
			PackageName:     e.PackageName,
			VersionName:     e.VersionName,
			VersionCode:     e.VersionCode,
			BackupSizeBytes: e.BackupSizeBytes,
			RecordedAt:      now,
		})
	}
	if err := s.db.ReplaceSnapshotMetadata(ctx, repoID, snapshotID, rows); err != nil {
		return fmt.Errorf("saving metadata for snapshot %s: %w", snapshotID, err)
	}
	s.logger.Debug("snapshot metadata saved", "snapshot", snapshotID, "apps", len(rows))
	return nil
}

// Mirror exports the database to MirrorPath and backs that file up tagged
// restoid.MetadataTag.
func (s *Store) Mirror(ctx context.Context, repo restoid.Repository) error {
	if err := s.export(ctx); err != nil {
		return err
	}
	cmd := restoid.BackupCommand{
		Paths: []string{s.MirrorPath()},
		Tags:  []string{restoid.MetadataTag},
		Host:  s.opts.Host,
	}
	if err := s.tool.Backup(ctx, repo, cmd, nil); err != nil {
		return fmt.Errorf("backing up metadata store: %w", err)
	}
	s.logger.Info("metadata store mirrored", "repository", repo.Name)
	return nil
}

// export writes a consistent copy next to MirrorPath and renames it into
// place, so MirrorPath never holds a partial file.
func (s *Store) export(ctx context.Context) error {
	if err := os.MkdirAll(s.opts.MirrorDir, 0o700); err != nil {
		return fmt.Errorf("creating mirror directory: %w", err)
	}
	tmpDir, err := os.MkdirTemp(s.opts.MirrorDir, ".export-")
	if err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tmp := filepath.Join(tmpDir, MirrorFileName)
	if err := s.db.BackupTo(ctx, tmp); err != nil {
		return fmt.Errorf("exporting metadata store: %w", err)
	}
	if err := os.Rename(tmp, s.MirrorPath()); err != nil {
		return fmt.Errorf("replacing metadata export: %w", err)
	}
	return nil
}

// PruneMirrors forgets all but the newest keep mirror snapshots.
func (s *Store) PruneMirrors(ctx context.Context, repo restoid.Repository, keep int) error {
	if keep <= 0 {
		return fmt.Errorf("keep must be positive, got %d", keep)
	}
	opts := restoid.ForgetOptions{
		Tags:     []string{restoid.MetadataTag},
		KeepLast: keep,
		Prune:    true,
	}
	if err := s.tool.Forget(ctx, repo, opts); err != nil {
		return fmt.Errorf("pruning metadata snapshots: %w", err)
	}
	return nil
}

// Bootstrap merges the newest mirror found in repo into the local database.
// Rows already present locally are kept. A repository without mirrors is not
// an error. It returns the number of rows added.
func (s *Store) Bootstrap(ctx context.Context, repo restoid.Repository) (int64, error) {
	snapshots, err := s.tool.Snapshots(ctx, repo, []string{restoid.MetadataTag})
	if err != nil {
		return 0, fmt.Errorf("listing metadata snapshots: %w", err)
	}
	latest, ok := restoid.LatestSnapshot(snapshots)
	if !ok {
		s.logger.Info("repository has no metadata snapshot", "repository", repo.Name)
		return 0, nil
	}
	if len(latest.Paths) == 0 {
		return 0, errors.New("metadata snapshot has no paths")
	}

	tmpDir, err := os.MkdirTemp(s.opts.TempDir, "restoid-bootstrap-")
	if err != nil {
		return 0, fmt.Errorf("creating bootstrap directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	cmd := restoid.RestoreCommand{
		SnapshotID: latest.ID,
		Target:     tmpDir,
		Includes:   latest.Paths,
	}
	if err := s.tool.Restore(ctx, repo, cmd, nil); err != nil {
		return 0, fmt.Errorf("restoring metadata snapshot %s: %w", latest.ShortID, err)
	}

	restored := filepath.Join(tmpDir, latest.Paths[0])
	if _, err := os.Stat(restored); err != nil {
		return 0, fmt.Errorf("metadata snapshot %s: %w", latest.ShortID, err)
	}
	added, err := s.db.MergeFrom(ctx, restored, repo.ID)
	if err != nil {
		return 0, fmt.Errorf("merging metadata snapshot %s: %w", latest.ShortID, err)
	}
	s.logger.Info("metadata store bootstrapped", "repository", repo.Name, "snapshot", latest.ShortID, "rows", added)
	return added, nil
}
