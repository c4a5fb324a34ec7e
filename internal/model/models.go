// Package model holds the rows stored in the metadata database.
package model

import "time"

// AppMetadata is the bookkeeping of one app in one snapshot of one repository.
type AppMetadata struct {
	RepositoryID    string
	SnapshotID      string
	PackageName     string
	VersionName     string
	VersionCode     int64
	BackupSizeBytes int64
	RecordedAt      time.Time
}

// OperationRecord is the history entry of one backup or restore.
type OperationRecord struct {
	ID         string
	Kind       string // "backup" or "restore"
	Repository string
	// SnapshotID is the snapshot produced (backup) or read (restore).
	SnapshotID string
	StartedAt  time.Time
	// FinishedAt is zero while the operation is running or if it crashed.
	FinishedAt time.Time
	Status     string
	Summary    string
}
