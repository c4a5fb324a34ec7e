package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hddq/restoid-sub000/internal/config"
	"github.com/hddq/restoid-sub000/internal/credentials"
	"github.com/hddq/restoid-sub000/internal/database"
	"github.com/hddq/restoid-sub000/internal/device"
	"github.com/hddq/restoid-sub000/internal/inventory"
	"github.com/hddq/restoid-sub000/internal/metadata"
	"github.com/hddq/restoid-sub000/internal/model"
	"github.com/hddq/restoid-sub000/internal/repository"
	"github.com/hddq/restoid-sub000/internal/restic"
	"github.com/hddq/restoid-sub000/internal/restoid"
	"github.com/hddq/restoid-sub000/internal/staging"
)

// LockFileName is created in the base directory while a command that
// changes a repository runs.
const LockFileName = "restoid.lock"

// Tool is the backup tool including repository administration.
type Tool interface {
	restoid.Tool
	CheckVersion(ctx context.Context) (string, error)
	Init(ctx context.Context, repo restoid.Repository) error
	RepositoryID(ctx context.Context, repo restoid.Repository) (string, error)
	Check(ctx context.Context, repo restoid.Repository) error
	Prune(ctx context.Context, repo restoid.Repository) error
	Unlock(ctx context.Context, repo restoid.Repository) error
	ChangePassword(ctx context.Context, repo restoid.Repository, newPassword string) error
}

// StagingArea is a restoid.StagingArea that can drop directories left behind
// by an interrupted run.
type StagingArea interface {
	restoid.StagingArea
	Sweep() ([]string, error)
}

// Dependencies are the collaborators of an App. New builds the real ones.
type Dependencies struct {
	Tool        Tool
	Device      restoid.Device
	Installer   restoid.PackageInstaller
	Registry    restoid.PackageRegistry
	DB          *database.SQLiteDatabase
	Credentials credentials.Store
	Staging     StagingArea
	Clock       restoid.Clock
	IDs         restoid.IDGenerator
	Logger      restoid.Logger
}

// App is the application layer between the CLI and the orchestrators.
// It constructs all dependencies from config, resolves repositories and
// snapshots by name and records operation history. The caller must call Close.
type App struct {
	cfg        *config.Config
	configPath string

	tool      Tool
	device    restoid.Device
	installer restoid.PackageInstaller
	registry  restoid.PackageRegistry
	db        *database.SQLiteDatabase
	creds     credentials.Store
	staging   StagingArea
	clock     restoid.Clock
	ids       restoid.IDGenerator
	logger    restoid.Logger

	resolver  *repository.Resolver
	metadata  *metadata.Store
	inventory *inventory.Cache

	lock    *fileLock
	logFile *os.File
}

// Options tune New.
type Options struct {
	// Verbose also writes debug records to stderr.
	Verbose bool
}

// New creates a fully wired App from the config stored at configPath.
func New(cfg *config.Config, configPath string, opts Options) (*App, error) {
	sessionID := time.Now().UTC().Format("20060102T150405Z")
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	l, logFile, err := newLogger(cfg.LogDir, sessionID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: l}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.DeviceID)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	creds, err := credentials.NewStoreFromConfig(cfg.Credentials)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating credential store: %w", err)
	}

	sa, err := staging.NewStagingAreaFromConfig(cfg.Staging)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating staging area: %w", err)
	}

	if err := layout(cfg.BaseDir).prepare(); err != nil {
		db.Close()
		logFile.Close()
		return nil, err
	}

	shell := device.NewShell(cfg.Device.Shell, logger)
	tool := restic.New(restic.Options{
		Binary:   cfg.Restic.Binary,
		CacheDir: cfg.Restic.CacheDir,
		Logger:   logger,
	})

	a := newApp(cfg, configPath, Dependencies{
		Tool:        tool,
		Device:      device.NewRootDevice(shell),
		Installer:   device.NewInstaller(shell),
		Registry:    device.NewRegistry(shell),
		DB:          db,
		Credentials: creds,
		Staging:     sa,
		Clock:       restoid.RealClock{},
		IDs:         restoid.UUIDGenerator{},
		Logger:      logger,
	})
	a.logFile = logFile
	return a, nil
}

func newApp(cfg *config.Config, configPath string, deps Dependencies) *App {
	a := &App{
		cfg:        cfg,
		configPath: configPath,
		tool:       deps.Tool,
		device:     deps.Device,
		installer:  deps.Installer,
		registry:   deps.Registry,
		db:         deps.DB,
		creds:      deps.Credentials,
		staging:    deps.Staging,
		clock:      deps.Clock,
		ids:        deps.IDs,
		logger:     deps.Logger,
	}
	a.resolver = repository.NewResolver(a.creds, a.logger)
	dirs := layout(cfg.BaseDir)
	a.metadata = metadata.NewStore(a.db, a.tool, a.clock, a.logger, metadata.Options{
		MirrorDir: dirs.mirrorDir(),
		TempDir:   dirs.tempDir(),
		Host:      cfg.Backup.Host,
	})
	a.inventory = inventory.New(a.registry, cfg.Cache.Path, cfg.Cache.Workers, a.logger)
	return a
}

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config {
	return a.cfg
}

// ToolVersion returns the version of the backup tool. A version other than
// the pinned one is logged as a warning.
func (a *App) ToolVersion(ctx context.Context) (string, error) {
	return a.tool.CheckVersion(ctx)
}

// acquire takes the operation lock. Commands that change a repository or the
// device hold it until Close.
func (a *App) acquire() error {
	if a.lock != nil {
		return nil
	}
	dirs := layout(a.cfg.BaseDir)
	if err := dirs.prepare(); err != nil {
		return err
	}
	l, err := acquireLock(dirs.lockPath())
	if err != nil {
		return err
	}
	a.lock = l
	return nil
}

// Repositories

// AddRepository registers a repository, stores its credentials, recovers the
// metadata mirrored into it and saves the config. The first repository added
// becomes the selected one.
func (a *App) AddRepository(ctx context.Context, reg repository.Registration) (*repository.RegisterResult, error) {
	for _, r := range a.cfg.Repositories {
		if r.Name == reg.Config.Name {
			return nil, fmt.Errorf("repository already exists: %s", r.Name)
		}
	}
	if err := a.acquire(); err != nil {
		return nil, err
	}

	result, err := a.resolver.Register(ctx, reg, a.tool, a.metadata)
	if err != nil {
		return nil, err
	}
	if err := a.cfg.AddRepository(result.Config); err != nil {
		a.forgetCredentials(reg.Config.Name)
		return nil, err
	}
	if a.cfg.SelectedRepository == "" && len(a.cfg.Repositories) == 1 {
		a.cfg.SelectedRepository = result.Config.Name
	}
	if err := a.saveConfig(); err != nil {
		return nil, err
	}
	return result, nil
}

// RemoveRepository drops a repository from the config together with its
// stored credentials. The repository itself is left untouched.
func (a *App) RemoveRepository(name string) error {
	if err := a.cfg.RemoveRepository(name); err != nil {
		return err
	}
	if err := a.saveConfig(); err != nil {
		return err
	}
	if err := a.resolver.Forget(name); err != nil {
		return fmt.Errorf("removing credentials of %s: %w", name, err)
	}
	return nil
}

// SelectRepository makes name the default repository.
func (a *App) SelectRepository(name string) error {
	if _, err := a.cfg.Repository(name); err != nil {
		return err
	}
	a.cfg.SelectedRepository = name
	return a.saveConfig()
}

// CheckRepository verifies the repository's integrity.
func (a *App) CheckRepository(ctx context.Context, name string) error {
	repo, err := a.repository(ctx, name)
	if err != nil {
		return err
	}
	return a.tool.Check(ctx, repo)
}

// UnlockRepository removes stale locks left by an interrupted tool run.
func (a *App) UnlockRepository(ctx context.Context, name string) error {
	repo, err := a.repository(ctx, name)
	if err != nil {
		return err
	}
	return a.tool.Unlock(ctx, repo)
}

// PruneRepository removes data no snapshot references anymore.
func (a *App) PruneRepository(ctx context.Context, name string) error {
	if err := a.acquire(); err != nil {
		return err
	}
	repo, err := a.repository(ctx, name)
	if err != nil {
		return err
	}
	return a.tool.Prune(ctx, repo)
}

// ChangePassword replaces the repository password and the stored copy of it.
func (a *App) ChangePassword(ctx context.Context, name, newPassword string) error {
	if newPassword == "" {
		return errors.New("new password must not be empty")
	}
	if err := a.acquire(); err != nil {
		return err
	}
	repo, err := a.repository(ctx, name)
	if err != nil {
		return err
	}
	if err := a.tool.ChangePassword(ctx, repo, newPassword); err != nil {
		return fmt.Errorf("changing password: %w", err)
	}
	if err := a.creds.Put(repo.Name, newPassword); err != nil {
		return fmt.Errorf("password of %s was changed but storing it failed: %w", repo.Name, err)
	}
	a.logger.Info("repository password changed", "repository", repo.Name)
	return nil
}

// repository resolves a configured repository. A repository registered
// without an ID gets it from the tool, and the config is saved.
func (a *App) repository(ctx context.Context, name string) (restoid.Repository, error) {
	rc, err := a.cfg.Repository(name)
	if err != nil {
		return restoid.Repository{}, err
	}
	repo, err := a.resolver.Resolve(ctx, *rc)
	if err != nil {
		return restoid.Repository{}, err
	}
	if repo.ID != "" {
		return repo, nil
	}

	id, err := a.tool.RepositoryID(ctx, repo)
	if err != nil {
		return restoid.Repository{}, fmt.Errorf("reading id of repository %s: %w", rc.Name, err)
	}
	rc.ID = id
	repo.ID = id
	if err := a.saveConfig(); err != nil {
		a.logger.Warn("saving repository id failed", "repository", rc.Name, "error", err)
	}
	return repo, nil
}

func (a *App) saveConfig() error {
	if a.configPath == "" {
		return nil
	}
	if err := config.Save(a.configPath, a.cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return nil
}

func (a *App) forgetCredentials(name string) {
	if err := a.resolver.Forget(name); err != nil {
		a.logger.Warn("removing stored credentials failed", "repository", name, "error", err)
	}
}

// Snapshots

// Snapshots lists the app snapshots of a repository, newest first.
func (a *App) Snapshots(ctx context.Context, repoName string) ([]restoid.Snapshot, error) {
	repo, err := a.repository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	return a.snapshots(ctx, repo)
}

func (a *App) snapshots(ctx context.Context, repo restoid.Repository) ([]restoid.Snapshot, error) {
	snapshots, err := a.tool.Snapshots(ctx, repo, []string{restoid.AppTag})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].Time.After(snapshots[j].Time)
	})
	return snapshots, nil
}

// findSnapshot resolves "latest" or a unique prefix of a snapshot ID among
// snapshots ordered newest first.
func findSnapshot(snapshots []restoid.Snapshot, ref string) (restoid.Snapshot, error) {
	if len(snapshots) == 0 {
		return restoid.Snapshot{}, errors.New("repository has no app snapshots")
	}
	if ref == "" || ref == "latest" {
		return snapshots[0], nil
	}

	var matches []restoid.Snapshot
	for _, s := range snapshots {
		if strings.HasPrefix(s.ID, ref) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return restoid.Snapshot{}, fmt.Errorf("snapshot not found: %s", ref)
	case 1:
		return matches[0], nil
	}
	return restoid.Snapshot{}, fmt.Errorf("snapshot id %s is ambiguous: %d snapshots match", ref, len(matches))
}

// RestorePlan is the content of one snapshot as offered for restore.
type RestorePlan struct {
	Snapshot restoid.Snapshot
	Apps     []restoid.RestoreApp
}

// RestorePlan lists the apps of a snapshot together with the installed
// version of each.
func (a *App) RestorePlan(ctx context.Context, repoName, snapshotRef string) (*RestorePlan, error) {
	repo, err := a.repository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	return a.restorePlan(ctx, repo, snapshotRef)
}

func (a *App) restorePlan(ctx context.Context, repo restoid.Repository, snapshotRef string) (*RestorePlan, error) {
	snapshots, err := a.snapshots(ctx, repo)
	if err != nil {
		return nil, err
	}
	snap, err := findSnapshot(snapshots, snapshotRef)
	if err != nil {
		return nil, err
	}
	entries, err := a.metadata.GetMetadataForSnapshot(ctx, repo.ID, snap.ID)
	if err != nil {
		return nil, err
	}
	installed, err := a.registry.InstalledVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing installed packages: %w", err)
	}
	return &RestorePlan{
		Snapshot: snap,
		Apps:     restoid.RestoreApps(snap, entries, installed),
	}, nil
}

// Apps

// Apps refreshes the app inventory and returns every installed app sorted by
// package name.
func (a *App) Apps(ctx context.Context) ([]*inventory.App, error) {
	stats, err := a.inventory.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing app inventory: %w", err)
	}
	a.logger.Debug("app inventory refreshed", "purged", stats.Purged, "rebuilt", stats.Rebuilt)

	installed, err := a.registry.InstalledVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing installed packages: %w", err)
	}
	pkgs := make([]string, 0, len(installed))
	for pkg := range installed {
		pkgs = append(pkgs, pkg)
	}
	return a.inventory.GetAll(ctx, pkgs)
}

// History returns the most recent operations, newest first. A limit of zero
// or less lists the last 20.
func (a *App) History(ctx context.Context, limit int) ([]model.OperationRecord, error) {
	if limit <= 0 {
		limit = historyLimit
	}
	return a.db.ListOperations(ctx, limit)
}

// Close releases the operation lock and closes the database and log file.
func (a *App) Close() error {
	var firstErr error

	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if err := a.lock.release(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("releasing lock: %w", err)
	}
	a.lock = nil

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
