package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables overriding the default locations.
const (
	EnvConfigPath = "RESTOID_CONFIG_PATH"
	EnvHome       = "RESTOID_HOME"
)

// Paths locates the config file and the base directory holding everything
// else restoid keeps on the device.
type Paths struct {
	ConfigPath string
	BaseDir    string
}

// DefaultPaths resolves Paths from the environment. Unset variables fall back
// to the XDG directories, then to their usual locations under the home dir.
func DefaultPaths() (Paths, error) {
	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		dir, err := xdgDir("XDG_CONFIG_HOME", ".config")
		if err != nil {
			return Paths{}, err
		}
		configPath = filepath.Join(dir, "restoid", "restoid.toml")
	}

	baseDir := os.Getenv(EnvHome)
	if baseDir == "" {
		dir, err := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
		if err != nil {
			return Paths{}, err
		}
		baseDir = filepath.Join(dir, "restoid")
	}
	return Paths{ConfigPath: configPath, BaseDir: baseDir}, nil
}

func xdgDir(env, fallback string) (string, error) {
	if dir := os.Getenv(env); filepath.IsAbs(dir) {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, fallback), nil
}

// layout names the working files under the base directory that are not part
// of the config: the metadata mirror export, scratch space for bootstrap
// restores and the operation lock.
type layout string

func (l layout) mirrorDir() string { return filepath.Join(string(l), "mirror") }
func (l layout) tempDir() string   { return filepath.Join(string(l), "tmp") }
func (l layout) lockPath() string  { return filepath.Join(string(l), LockFileName) }

// prepare creates the private directories the layout needs up front.
func (l layout) prepare() error {
	for _, dir := range []string{string(l), l.tempDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
