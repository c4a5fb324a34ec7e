package restoid

import (
	"context"
	"time"
)

// Tags attached to snapshots created by this system.
const (
	// AppTag marks every app backup snapshot.
	AppTag = "restoid"
	// MetadataTag marks snapshots carrying the metadata store mirror.
	MetadataTag = "restoid_metadata"
)

// Repository is a resolved backup repository together with its credential.
// Password is held in memory only; the tool wrapper hands it to the subprocess
// through a short-lived file.
type Repository struct {
	// ID is the tool's own repository identifier.
	ID       string
	Name     string
	Location string
	Password string
	// Env holds backend variables (e.g. S3 credentials) for the subprocess.
	Env map[string]string
}

// Snapshot is an immutable snapshot record produced by the backup tool.
type Snapshot struct {
	ID       string
	ShortID  string
	Time     time.Time
	Hostname string
	Paths    []string
	Tags     []string
}

// HasTag reports whether the snapshot carries tag.
func (s Snapshot) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// LineFunc receives the tool's output one line at a time, as it is produced.
type LineFunc func(line string)

// BackupCommand describes one invocation of the tool's backup operation.
type BackupCommand struct {
	Paths    []string
	Tags     []string
	Excludes []string
	Host     string
}

// RestoreCommand describes one invocation of the tool's restore operation.
type RestoreCommand struct {
	SnapshotID string
	Target     string
	// Includes limits the restore to these paths. Empty restores everything.
	Includes []string
}

// ForgetOptions selects snapshots to forget, either explicitly by ID or by a
// keep-last policy applied within Tags.
type ForgetOptions struct {
	SnapshotIDs []string
	Tags        []string
	KeepLast    int
	Prune       bool
}

// Tool is the external content-addressed backup tool.
type Tool interface {
	// Backup runs a backup; onLine receives every output line.
	Backup(ctx context.Context, repo Repository, cmd BackupCommand, onLine LineFunc) error

	// Restore restores a snapshot into cmd.Target; onLine receives every output line.
	Restore(ctx context.Context, repo Repository, cmd RestoreCommand, onLine LineFunc) error

	// Snapshots lists snapshots, optionally only those carrying all tags.
	Snapshots(ctx context.Context, repo Repository, tags []string) ([]Snapshot, error)

	// Forget removes snapshots from the repository.
	Forget(ctx context.Context, repo Repository, opts ForgetOptions) error
}

// LatestSnapshot returns the most recent snapshot, or false if there is none.
func LatestSnapshot(snapshots []Snapshot) (Snapshot, bool) {
	if len(snapshots) == 0 {
		return Snapshot{}, false
	}
	latest := snapshots[0]
	for _, s := range snapshots[1:] {
		if s.Time.After(latest.Time) {
			latest = s
		}
	}
	return latest, true
}
