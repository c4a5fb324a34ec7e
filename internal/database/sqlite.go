package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hddq/restoid-sub000/internal/database/migrations"
	"github.com/hddq/restoid-sub000/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase stores app metadata and operation history in SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path and brings its schema up to
// date. path can be a file path or ":memory:".
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing, already migrated connection.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite connection. The pool is
// limited to one connection: an in-memory database exists per connection, and
// every write to a file database is serialized by SQLite anyway.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// App metadata

// ReplaceSnapshotMetadata replaces every row of one snapshot in a single
// transaction.
func (s *SQLiteDatabase) ReplaceSnapshotMetadata(ctx context.Context, repoID, snapshotID string, rows []model.AppMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM app_metadata WHERE repository_id = ? AND snapshot_id = ?`,
		repoID, snapshotID); err != nil {
		return fmt.Errorf("deleting previous metadata: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO app_metadata
		(repository_id, snapshot_id, package_name, version_name, version_code, backup_size_bytes, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, repoID, snapshotID, r.PackageName, r.VersionName,
			r.VersionCode, r.BackupSizeBytes, r.RecordedAt.UTC()); err != nil {
			return fmt.Errorf("inserting metadata for %s: %w", r.PackageName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// FindSnapshotMetadata returns the rows of one snapshot ordered by package
// name. A snapshot never recorded yields no rows and no error.
func (s *SQLiteDatabase) FindSnapshotMetadata(ctx context.Context, repoID, snapshotID string) ([]model.AppMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT repository_id, snapshot_id, package_name, version_name,
			version_code, backup_size_bytes, recorded_at
		FROM app_metadata
		WHERE repository_id = ? AND snapshot_id = ?
		ORDER BY package_name`, repoID, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("querying snapshot metadata: %w", err)
	}
	defer rows.Close()

	var result []model.AppMetadata
	for rows.Next() {
		var m model.AppMetadata
		if err := rows.Scan(&m.RepositoryID, &m.SnapshotID, &m.PackageName, &m.VersionName,
			&m.VersionCode, &m.BackupSizeBytes, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot metadata: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading snapshot metadata: %w", err)
	}
	return result, nil
}

// DeleteSnapshotMetadata removes the rows of one snapshot.
func (s *SQLiteDatabase) DeleteSnapshotMetadata(ctx context.Context, repoID, snapshotID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM app_metadata WHERE repository_id = ? AND snapshot_id = ?`,
		repoID, snapshotID); err != nil {
		return fmt.Errorf("deleting snapshot metadata: %w", err)
	}
	return nil
}

// MergeFrom copies the app metadata rows of repoID from the database file at
// path into this database. Rows already present locally are kept. It returns
// the number of rows added.
func (s *SQLiteDatabase) MergeFrom(ctx context.Context, path, repoID string) (int64, error) {
	// ATTACH is per connection, so every statement must run on the same one.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS mirror`, path); err != nil {
		return 0, fmt.Errorf("attaching %s: %w", path, err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), `DETACH DATABASE mirror`)

	res, err := conn.ExecContext(ctx, `INSERT OR IGNORE INTO main.app_metadata
		(repository_id, snapshot_id, package_name, version_name, version_code, backup_size_bytes, recorded_at)
		SELECT repository_id, snapshot_id, package_name, version_name, version_code, backup_size_bytes, recorded_at
		FROM mirror.app_metadata
		WHERE repository_id = ?`, repoID)
	if err != nil {
		return 0, fmt.Errorf("merging metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting merged rows: %w", err)
	}
	return n, nil
}

// Operation history

// CreateOperation records the start of an operation.
func (s *SQLiteDatabase) CreateOperation(ctx context.Context, rec model.OperationRecord) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO operations
		(id, kind, repository, snapshot_id, started_at, status, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.Repository, rec.SnapshotID, rec.StartedAt.UTC(), rec.Status, rec.Summary); err != nil {
		return fmt.Errorf("creating operation: %w", err)
	}
	return nil
}

// FinishOperation records the outcome of an operation.
func (s *SQLiteDatabase) FinishOperation(ctx context.Context, id, status, summary, snapshotID string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE operations
		SET status = ?, summary = ?, finished_at = ?,
			snapshot_id = CASE WHEN ? = '' THEN snapshot_id ELSE ? END
		WHERE id = ?`,
		status, summary, finishedAt.UTC(), snapshotID, snapshotID, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finishing operation: no operation with id %s", id)
	}
	return nil
}

// ListOperations returns the most recent operations, newest first.
func (s *SQLiteDatabase) ListOperations(ctx context.Context, limit int) ([]model.OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, repository, snapshot_id, started_at, finished_at, status, summary
		FROM operations
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	var result []model.OperationRecord
	for rows.Next() {
		var rec model.OperationRecord
		var finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Repository, &rec.SnapshotID,
			&rec.StartedAt, &finished, &rec.Status, &rec.Summary); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading operations: %w", err)
	}
	return result, nil
}

// Path returns the database file path, or "" for a wrapped connection.
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a complete, consistent copy of the database to destPath
// using VACUUM INTO. destPath must not exist.
func (s *SQLiteDatabase) BackupTo(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
