package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/renameio/v2"
)

// Config represents the main configuration for restoid.
type Config struct {
	DeviceID string `toml:"device_id"`
	BaseDir  string `toml:"base_dir"`
	LogDir   string `toml:"log_dir"`
	// SelectedRepository names the repository used when a command does not
	// name one. Empty means the first configured repository.
	SelectedRepository string             `toml:"selected_repository,omitempty"`
	Restic             ResticConfig       `toml:"restic"`
	Device             DeviceConfig       `toml:"device"`
	Database           DatabaseConfig     `toml:"database"`
	Staging            StagingConfig      `toml:"staging"`
	Cache              CacheConfig        `toml:"cache"`
	Backup             BackupConfig       `toml:"backup"`
	Restore            RestoreConfig      `toml:"restore"`
	Credentials        CredentialsConfig  `toml:"credentials"`
	Repositories       []RepositoryConfig `toml:"repositories"`
}

// ResticConfig locates the restic binary.
type ResticConfig struct {
	Binary   string `toml:"binary"`
	CacheDir string `toml:"cache_dir,omitempty"`
}

// DeviceConfig configures the privileged shell.
type DeviceConfig struct {
	// Shell is the command scripts are appended to, e.g. ["su", "-c"].
	// ["sh", "-c"] runs without root on non-device hosts.
	Shell []string `toml:"shell"`
}

// DatabaseConfig represents configuration for the metadata database.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StagingConfig configures where restores are staged.
type StagingConfig struct {
	Dir string `toml:"dir"`
}

// CacheConfig configures the app inventory cache.
type CacheConfig struct {
	Path string `toml:"path"`
	// Workers bounds parallel registry lookups during refresh.
	Workers int `toml:"workers"`
}

// BackupConfig holds backup defaults.
type BackupConfig struct {
	Categories        []string `toml:"categories"`
	Excludes          []string `toml:"excludes"`
	MetadataRetention int      `toml:"metadata_retention"`
	Host              string   `toml:"host,omitempty"`
}

// RestoreConfig holds restore defaults.
type RestoreConfig struct {
	Categories     []string `toml:"categories"`
	AllowDowngrade bool     `toml:"allow_downgrade"`
}

// CredentialsConfig configures where repository passwords are kept.
type CredentialsConfig struct {
	Type         string `toml:"type"` // "age" (default) or "memory"
	IdentityPath string `toml:"identity_path"`
	Dir          string `toml:"dir"`
}

// RepositoryConfig represents configuration for a restic repository.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RepositoryConfig struct {
	Type string `toml:"type"` // "local", "s3", "rest" or "sftp"
	Name string `toml:"name"`
	// ID is restic's repository id, recorded at registration.
	ID string `toml:"id,omitempty"`

	// local
	Path string `toml:"path,omitempty"`

	// s3
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Profile  string `toml:"s3_profile,omitempty"`

	// rest
	RestURL string `toml:"rest_url,omitempty"`

	// sftp
	SFTPUser string `toml:"sftp_user,omitempty"`
	SFTPHost string `toml:"sftp_host,omitempty"`
	SFTPPath string `toml:"sftp_path,omitempty"`
}

// Validate checks that the fields required by the repository type are set.
func (r RepositoryConfig) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("repository name is required")
	}
	switch r.Type {
	case "local":
		if r.Path == "" {
			return fmt.Errorf("repository %s: path is required for local repositories", r.Name)
		}
	case "s3":
		if r.S3Bucket == "" {
			return fmt.Errorf("repository %s: s3_bucket is required for s3 repositories", r.Name)
		}
	case "rest":
		if r.RestURL == "" {
			return fmt.Errorf("repository %s: rest_url is required for rest repositories", r.Name)
		}
	case "sftp":
		if r.SFTPHost == "" || r.SFTPPath == "" {
			return fmt.Errorf("repository %s: sftp_host and sftp_path are required for sftp repositories", r.Name)
		}
	default:
		return fmt.Errorf("repository %s: unknown repository type: %s", r.Name, r.Type)
	}
	return nil
}

// Repository returns the named repository, or the selected one when name is
// empty.
func (c *Config) Repository(name string) (*RepositoryConfig, error) {
	if name == "" {
		name = c.SelectedRepository
	}
	if name == "" {
		if len(c.Repositories) == 0 {
			return nil, fmt.Errorf("no repositories configured")
		}
		return &c.Repositories[0], nil
	}
	for i := range c.Repositories {
		if c.Repositories[i].Name == name {
			return &c.Repositories[i], nil
		}
	}
	return nil, fmt.Errorf("repository not found: %s", name)
}

// AddRepository appends a validated repository with a unique name.
func (c *Config) AddRepository(r RepositoryConfig) error {
	if err := r.Validate(); err != nil {
		return err
	}
	for _, existing := range c.Repositories {
		if existing.Name == r.Name {
			return fmt.Errorf("repository already exists: %s", r.Name)
		}
	}
	c.Repositories = append(c.Repositories, r)
	return nil
}

// RemoveRepository deletes the named repository.
func (c *Config) RemoveRepository(name string) error {
	for i, r := range c.Repositories {
		if r.Name == name {
			c.Repositories = append(c.Repositories[:i], c.Repositories[i+1:]...)
			if c.SelectedRepository == name {
				c.SelectedRepository = ""
			}
			return nil
		}
	}
	return fmt.Errorf("repository not found: %s", name)
}

// NewConfig creates a new Config with the provided values and defaults below
// baseDir.
func NewConfig(deviceID, baseDir string) *Config {
	return &Config{
		DeviceID: deviceID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Restic:   ResticConfig{Binary: "restic", CacheDir: filepath.Join(baseDir, "cache", "restic")},
		Device:   DeviceConfig{Shell: []string{"su", "-c"}},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Staging:  StagingConfig{Dir: filepath.Join(baseDir, "staging")},
		Cache:    CacheConfig{Path: filepath.Join(baseDir, "cache", "apps.json"), Workers: 4},
		Backup: BackupConfig{
			Categories:        []string{"apk", "data", "user_de", "external_data", "obb", "media"},
			Excludes:          []string{"cache", "code_cache"},
			MetadataRetention: 5,
		},
		Restore: RestoreConfig{
			Categories: []string{"apk", "data", "user_de", "external_data", "obb", "media"},
		},
		Credentials: CredentialsConfig{
			Type:         "age",
			IdentityPath: filepath.Join(baseDir, "keys", "identity.txt"),
			Dir:          filepath.Join(baseDir, "credentials"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// Save atomically replaces the config file at path.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	m := &Manager{}
	if err := m.Write(&buf, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := Save(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
