package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hddq/restoid-sub000/internal/model"
)

// newTestDB creates a new in-memory database with schema applied.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

var recordedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRows() []model.AppMetadata {
	return []model.AppMetadata{
		{PackageName: "org.example.notes", VersionName: "2.1", VersionCode: 21, BackupSizeBytes: 4096, RecordedAt: recordedAt},
		{PackageName: "com.example.app", VersionName: "", VersionCode: 0, BackupSizeBytes: 0, RecordedAt: recordedAt},
	}
}

func TestSQLiteDatabase_SnapshotMetadata(t *testing.T) {
	ctx := context.Background()

	t.Run("returns no rows for unknown snapshot", func(t *testing.T) {
		db := newTestDB(t)

		rows, err := db.FindSnapshotMetadata(ctx, "repo", "missing")
		if err != nil {
			t.Fatalf("FindSnapshotMetadata() error = %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("FindSnapshotMetadata() = %v, want empty", rows)
		}
	})

	t.Run("round trips rows ordered by package", func(t *testing.T) {
		db := newTestDB(t)

		if err := db.ReplaceSnapshotMetadata(ctx, "repo", "snap1", sampleRows()); err != nil {
			t.Fatalf("ReplaceSnapshotMetadata() error = %v", err)
		}

		rows, err := db.FindSnapshotMetadata(ctx, "repo", "snap1")
		if err != nil {
			t.Fatalf("FindSnapshotMetadata() error = %v", err)
		}
		if len(rows) != 2 {
			t.Fatalf("len(rows) = %d, want 2", len(rows))
		}
		first := rows[0]
		if first.PackageName != "com.example.app" {
			t.Errorf("rows[0].PackageName = %q, want %q", first.PackageName, "com.example.app")
		}
		if first.VersionName != "" || first.VersionCode != 0 {
			t.Errorf("rows[0] version = %q/%d, want empty/0", first.VersionName, first.VersionCode)
		}
		if first.RepositoryID != "repo" || first.SnapshotID != "snap1" {
			t.Errorf("rows[0] keys = %q/%q, want repo/snap1", first.RepositoryID, first.SnapshotID)
		}
		second := rows[1]
		if second.VersionName != "2.1" || second.VersionCode != 21 || second.BackupSizeBytes != 4096 {
			t.Errorf("rows[1] = %+v, want version 2.1 (21) with 4096 bytes", second)
		}
		if !second.RecordedAt.Equal(recordedAt) {
			t.Errorf("rows[1].RecordedAt = %v, want %v", second.RecordedAt, recordedAt)
		}
	})

	t.Run("replace drops previous rows of the snapshot only", func(t *testing.T) {
		db := newTestDB(t)

		if err := db.ReplaceSnapshotMetadata(ctx, "repo", "snap1", sampleRows()); err != nil {
			t.Fatalf("ReplaceSnapshotMetadata() error = %v", err)
		}
		if err := db.ReplaceSnapshotMetadata(ctx, "repo", "snap2", sampleRows()); err != nil {
			t.Fatalf("ReplaceSnapshotMetadata() error = %v", err)
		}
		replacement := []model.AppMetadata{{PackageName: "net.example.only", VersionCode: 7, RecordedAt: recordedAt}}
		if err := db.ReplaceSnapshotMetadata(ctx, "repo", "snap1", replacement); err != nil {
			t.Fatalf("ReplaceSnapshotMetadata() error = %v", err)
		}

		rows, err := db.FindSnapshotMetadata(ctx, "repo", "snap1")
		if err != nil {
			t.Fatalf("FindSnapshotMetadata() error = %v", err)
		}
		if len(rows) != 1 || rows[0].PackageName != "net.example.only" {
			t.Errorf("snap1 rows = %+v, want only net.example.only", rows)
		}

		other, err := db.FindSnapshotMetadata(ctx, "repo", "snap2")
		if err != nil {
			t.Fatalf("FindSnapshotMetadata() error = %v", err)
		}
		if len(other) != 2 {
			t.Errorf("len(snap2 rows) = %d, want 2", len(other))
		}
	})

	t.Run("failed replace keeps previous rows", func(t *testing.T) {
		db := newTestDB(t)

		if err := db.ReplaceSnapshotMetadata(ctx, "repo", "snap1", sampleRows()); err != nil {
			t.Fatalf("ReplaceSnapshotMetadata() error = %v", err)
		}
		duplicate := []model.AppMetadata{
			{PackageName: "dup", RecordedAt: recordedAt},
			{PackageName: "dup", RecordedAt: recordedAt},
		}
		if err := db.ReplaceSnapshotMetadata(ctx, "repo", "snap1", duplicate); err == nil {
			t.Fatal("ReplaceSnapshotMetadata() expected error for duplicate package")
		}

		rows, err := db.FindSnapshotMetadata(ctx, "repo", "snap1")
		if err != nil {
			t.Fatalf("FindSnapshotMetadata() error = %v", err)
		}
		if len(rows) != 2 {
			t.Errorf("len(rows) = %d, want 2 (rolled back)", len(rows))
		}
	})

	t.Run("rows are scoped by repository", func(t *testing.T) {
		db := newTestDB(t)

		if err := db.ReplaceSnapshotMetadata(ctx, "repo-a", "snap1", sampleRows()); err != nil {
			t.Fatalf("ReplaceSnapshotMetadata() error = %v", err)
		}
		rows, err := db.FindSnapshotMetadata(ctx, "repo-b", "snap1")
		if err != nil {
			t.Fatalf("FindSnapshotMetadata() error = %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("len(rows) = %d, want 0", len(rows))
		}
	})

	t.Run("delete", func(t *testing.T) {
		db := newTestDB(t)

		if err := db.ReplaceSnapshotMetadata(ctx, "repo", "snap1", sampleRows()); err != nil {
			t.Fatalf("ReplaceSnapshotMetadata() error = %v", err)
		}
		if err := db.DeleteSnapshotMetadata(ctx, "repo", "snap1"); err != nil {
			t.Fatalf("DeleteSnapshotMetadata() error = %v", err)
		}
		rows, err := db.FindSnapshotMetadata(ctx, "repo", "snap1")
		if err != nil {
			t.Fatalf("FindSnapshotMetadata() error = %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("len(rows) = %d, want 0", len(rows))
		}
	})
}

func TestSQLiteDatabase_BackupToAndMergeFrom(t *testing.T) {
	ctx := context.Background()

	source := newTestDB(t)
	if err := source.ReplaceSnapshotMetadata(ctx, "repo", "snap1", sampleRows()); err != nil {
		t.Fatalf("ReplaceSnapshotMetadata() error = %v", err)
	}
	if err := source.ReplaceSnapshotMetadata(ctx, "other-repo", "snap9", sampleRows()); err != nil {
		t.Fatalf("ReplaceSnapshotMetadata() error = %v", err)
	}

	mirror := filepath.Join(t.TempDir(), "mirror.db")
	if err := source.BackupTo(ctx, mirror); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	t.Run("backup file is a migrated database", func(t *testing.T) {
		copied, err := NewSQLiteDatabase(mirror)
		if err != nil {
			t.Fatalf("NewSQLiteDatabase() error = %v", err)
		}
		defer copied.Close()

		if err := copied.CheckMigrations(); err != nil {
			t.Errorf("CheckMigrations() error = %v", err)
		}
		rows, err := copied.FindSnapshotMetadata(ctx, "repo", "snap1")
		if err != nil {
			t.Fatalf("FindSnapshotMetadata() error = %v", err)
		}
		if len(rows) != 2 {
			t.Errorf("len(rows) = %d, want 2", len(rows))
		}
	})

	t.Run("merge keeps local rows and skips other repositories", func(t *testing.T) {
		local := newTestDB(t)
		existing := []model.AppMetadata{{PackageName: "com.example.app", VersionName: "local", VersionCode: 99, RecordedAt: recordedAt}}
		if err := local.ReplaceSnapshotMetadata(ctx, "repo", "snap1", existing); err != nil {
			t.Fatalf("ReplaceSnapshotMetadata() error = %v", err)
		}

		added, err := local.MergeFrom(ctx, mirror, "repo")
		if err != nil {
			t.Fatalf("MergeFrom() error = %v", err)
		}
		if added != 1 {
			t.Errorf("MergeFrom() added = %d, want 1", added)
		}

		rows, err := local.FindSnapshotMetadata(ctx, "repo", "snap1")
		if err != nil {
			t.Fatalf("FindSnapshotMetadata() error = %v", err)
		}
		if len(rows) != 2 {
			t.Fatalf("len(rows) = %d, want 2", len(rows))
		}
		if rows[0].VersionName != "local" || rows[0].VersionCode != 99 {
			t.Errorf("local row = %+v, want version local (99)", rows[0])
		}

		other, err := local.FindSnapshotMetadata(ctx, "other-repo", "snap9")
		if err != nil {
			t.Fatalf("FindSnapshotMetadata() error = %v", err)
		}
		if len(other) != 0 {
			t.Errorf("len(other-repo rows) = %d, want 0", len(other))
		}
	})

	t.Run("merge twice adds nothing", func(t *testing.T) {
		local := newTestDB(t)
		if _, err := local.MergeFrom(ctx, mirror, "repo"); err != nil {
			t.Fatalf("MergeFrom() error = %v", err)
		}
		added, err := local.MergeFrom(ctx, mirror, "repo")
		if err != nil {
			t.Fatalf("second MergeFrom() error = %v", err)
		}
		if added != 0 {
			t.Errorf("second MergeFrom() added = %d, want 0", added)
		}
	})

	t.Run("backup refuses an existing destination", func(t *testing.T) {
		if err := source.BackupTo(ctx, mirror); err == nil {
			t.Error("BackupTo() expected error for existing file")
		}
	})
}

func TestSQLiteDatabase_Operations(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []model.OperationRecord{
		{ID: "op-1", Kind: "backup", Repository: "nas", StartedAt: start, Status: "running"},
		{ID: "op-2", Kind: "restore", Repository: "nas", SnapshotID: "abcdef12", StartedAt: start.Add(time.Hour), Status: "running"},
	}
	for _, rec := range records {
		if err := db.CreateOperation(ctx, rec); err != nil {
			t.Fatalf("CreateOperation(%s) error = %v", rec.ID, err)
		}
	}

	if err := db.CreateOperation(ctx, records[0]); err == nil {
		t.Error("CreateOperation() expected error for duplicate id")
	}

	finished := start.Add(5 * time.Minute)
	if err := db.FinishOperation(ctx, "op-1", "succeeded", "Backed up 2 apps.", "snap-new", finished); err != nil {
		t.Fatalf("FinishOperation() error = %v", err)
	}
	if err := db.FinishOperation(ctx, "op-2", "failed", "boom", "", finished.Add(time.Hour)); err != nil {
		t.Fatalf("FinishOperation() error = %v", err)
	}
	if err := db.FinishOperation(ctx, "op-missing", "failed", "", "", finished); err == nil {
		t.Error("FinishOperation() expected error for unknown id")
	}

	got, err := db.ListOperations(ctx, 10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(ListOperations()) = %d, want 2", len(got))
	}
	if got[0].ID != "op-2" {
		t.Errorf("ListOperations()[0].ID = %q, want newest op-2", got[0].ID)
	}
	if got[0].SnapshotID != "abcdef12" {
		t.Errorf("op-2 SnapshotID = %q, want kept %q", got[0].SnapshotID, "abcdef12")
	}
	if got[1].SnapshotID != "snap-new" || got[1].Status != "succeeded" || got[1].Summary != "Backed up 2 apps." {
		t.Errorf("op-1 = %+v, want succeeded with snapshot snap-new", got[1])
	}
	if !got[1].FinishedAt.Equal(finished) {
		t.Errorf("op-1 FinishedAt = %v, want %v", got[1].FinishedAt, finished)
	}

	limited, err := db.ListOperations(ctx, 1)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len(ListOperations(1)) = %d, want 1", len(limited))
	}
}

func TestSQLiteDatabase_Close(t *testing.T) {
	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteDatabase() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
