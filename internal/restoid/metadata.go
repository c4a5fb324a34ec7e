package restoid

import "context"

// AppMetadataEntry is the bookkeeping recorded for one app in one snapshot.
type AppMetadataEntry struct {
	PackageName     string
	VersionName     string
	VersionCode     int64
	BackupSizeBytes int64
}

// MetadataStore maps snapshots to per-app metadata.
type MetadataStore interface {
	// GetMetadataForSnapshot returns the entries recorded for a snapshot, keyed
	// by package name. Snapshots never recorded yield an empty map.
	GetMetadataForSnapshot(ctx context.Context, repoID, snapshotID string) (map[string]AppMetadataEntry, error)

	// SaveSnapshotMetadata atomically replaces the entries of a snapshot.
	SaveSnapshotMetadata(ctx context.Context, repoID, snapshotID string, entries []AppMetadataEntry) error

	// Mirror stores a copy of the metadata store in the repository itself as a
	// MetadataTag snapshot.
	Mirror(ctx context.Context, repo Repository) error

	// PruneMirrors forgets all but the newest keep mirror snapshots.
	PruneMirrors(ctx context.Context, repo Repository, keep int) error
}
