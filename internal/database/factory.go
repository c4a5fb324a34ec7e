package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hddq/restoid-sub000/internal/config"
)

// NewDatabaseFromConfig opens the metadata database described by cfg. A sqlite
// database lives in DataDir/<deviceID>.db.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, deviceID string) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		dbPath := filepath.Join(cfg.DataDir, deviceID+".db")
		return NewSQLiteDatabase(dbPath)
	case "memory":
		return NewSQLiteDatabase(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
