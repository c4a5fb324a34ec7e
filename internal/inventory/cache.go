// Package inventory caches descriptors of installed apps in two tiers: a hot
// in-memory map holding decoded icons, and a warm JSON file that survives
// restarts and stores icons as PNG bytes.
package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hddq/restoid-sub000/internal/restoid"
)

const fileVersion = 1

// DefaultWorkers bounds parallel registry lookups when none is configured.
const DefaultWorkers = 4

// App is a resolved app descriptor.
type App struct {
	PackageName string
	Label       string
	VersionName string
	VersionCode int64
	CodeDir     string
	UID         int
	// Icon is nil when the registry had no icon or it could not be decoded.
	Icon image.Image
}

// storedApp is the warm-tier form of App.
type storedApp struct {
	Label       string `json:"label,omitempty"`
	VersionName string `json:"version_name"`
	VersionCode int64  `json:"version_code"`
	CodeDir     string `json:"code_dir"`
	UID         int    `json:"uid"`
	Icon        []byte `json:"icon,omitempty"`
}

type cacheFile struct {
	Version int                  `json:"version"`
	Apps    map[string]storedApp `json:"apps"`
}

// RefreshStats reports what a Refresh changed.
type RefreshStats struct {
	Purged  int
	Rebuilt int
}

// Cache is safe for concurrent use.
type Cache struct {
	registry restoid.PackageRegistry
	logger   restoid.Logger
	path     string
	workers  int

	mu  sync.RWMutex
	hot map[string]*App

	// diskMu serializes every read-modify-write of the warm file.
	diskMu sync.Mutex

	flight singleflight.Group
}

// New creates a Cache persisting its warm tier at path.
func New(registry restoid.PackageRegistry, path string, workers int, logger restoid.Logger) *Cache {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Cache{
		registry: registry,
		logger:   logger,
		path:     path,
		workers:  workers,
		hot:      make(map[string]*App),
	}
}

// Get returns the descriptor of pkg, consulting the hot tier, then the warm
// tier, then the registry. A registry result is written through both tiers.
// Concurrent calls for the same package share one lookup.
func (c *Cache) Get(ctx context.Context, pkg string) (*App, error) {
	if app, ok := c.hotGet(pkg); ok {
		return app, nil
	}

	v, err, _ := c.flight.Do(pkg, func() (any, error) {
		if app, ok := c.hotGet(pkg); ok {
			return app, nil
		}

		stored, ok, err := c.warmGet(pkg)
		if err != nil {
			return nil, err
		}
		if ok {
			app := c.decode(pkg, stored)
			c.hotPut(app)
			return app, nil
		}

		info, err := c.registry.Lookup(ctx, pkg)
		if err != nil {
			return nil, fmt.Errorf("looking up %s: %w", pkg, err)
		}
		stored = fromInfo(info)
		if err := c.update(func(apps map[string]storedApp) { apps[pkg] = stored }); err != nil {
			return nil, err
		}
		app := c.decode(pkg, stored)
		c.hotPut(app)
		return app, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*App), nil
}

// GetAll resolves several packages in parallel. Packages that are no longer
// installed are left out. The result is sorted by package name.
func (c *Cache) GetAll(ctx context.Context, pkgs []string) ([]*App, error) {
	results := make([]*App, len(pkgs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, pkg := range pkgs {
		g.Go(func() error {
			app, err := c.Get(gctx, pkg)
			if errors.Is(err, restoid.ErrNotInstalled) {
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = app
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	apps := make([]*App, 0, len(results))
	for _, a := range results {
		if a != nil {
			apps = append(apps, a)
		}
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].PackageName < apps[j].PackageName })
	return apps, nil
}

// Refresh reconciles both tiers with the registry: entries of uninstalled
// packages are purged and entries whose version code changed are rebuilt.
func (c *Cache) Refresh(ctx context.Context) (RefreshStats, error) {
	var stats RefreshStats

	installed, err := c.registry.InstalledVersions(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing installed packages: %w", err)
	}

	cached, err := c.cachedVersions()
	if err != nil {
		return stats, err
	}

	var purge, rebuild []string
	for pkg, code := range cached {
		current, ok := installed[pkg]
		switch {
		case !ok:
			purge = append(purge, pkg)
		case current != code:
			rebuild = append(rebuild, pkg)
		}
	}

	rebuilt := make([]*storedApp, len(rebuild))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, pkg := range rebuild {
		g.Go(func() error {
			info, err := c.registry.Lookup(gctx, pkg)
			if errors.Is(err, restoid.ErrNotInstalled) {
				// Uninstalled since the listing.
				return nil
			}
			if err != nil {
				return fmt.Errorf("looking up %s: %w", pkg, err)
			}
			s := fromInfo(info)
			rebuilt[i] = &s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	for i, pkg := range rebuild {
		if rebuilt[i] == nil {
			purge = append(purge, pkg)
		}
	}

	err = c.update(func(apps map[string]storedApp) {
		for _, pkg := range purge {
			delete(apps, pkg)
		}
		for i, pkg := range rebuild {
			if rebuilt[i] != nil {
				apps[pkg] = *rebuilt[i]
			}
		}
	})
	if err != nil {
		return stats, err
	}

	c.mu.Lock()
	for _, pkg := range purge {
		delete(c.hot, pkg)
	}
	c.mu.Unlock()
	for i, pkg := range rebuild {
		if rebuilt[i] != nil {
			c.hotPut(c.decode(pkg, *rebuilt[i]))
			stats.Rebuilt++
		}
	}
	stats.Purged = len(purge)

	c.logger.Info("app cache refreshed", "purged", stats.Purged, "rebuilt", stats.Rebuilt)
	return stats, nil
}

// Invalidate drops pkg from both tiers.
func (c *Cache) Invalidate(pkg string) error {
	c.mu.Lock()
	delete(c.hot, pkg)
	c.mu.Unlock()
	return c.update(func(apps map[string]storedApp) { delete(apps, pkg) })
}

func (c *Cache) hotGet(pkg string) (*App, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	app, ok := c.hot[pkg]
	return app, ok
}

func (c *Cache) hotPut(app *App) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hot[app.PackageName] = app
}

// cachedVersions returns the version codes held by either tier.
func (c *Cache) cachedVersions() (map[string]int64, error) {
	c.diskMu.Lock()
	warm, err := c.load()
	c.diskMu.Unlock()
	if err != nil {
		return nil, err
	}

	versions := make(map[string]int64, len(warm))
	for pkg, s := range warm {
		versions[pkg] = s.VersionCode
	}
	c.mu.RLock()
	for pkg, app := range c.hot {
		versions[pkg] = app.VersionCode
	}
	c.mu.RUnlock()
	return versions, nil
}

func (c *Cache) warmGet(pkg string) (storedApp, bool, error) {
	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	apps, err := c.load()
	if err != nil {
		return storedApp{}, false, err
	}
	s, ok := apps[pkg]
	return s, ok, nil
}

// update applies fn to the warm tier and writes it back.
func (c *Cache) update(fn func(apps map[string]storedApp)) error {
	c.diskMu.Lock()
	defer c.diskMu.Unlock()
	apps, err := c.load()
	if err != nil {
		return err
	}
	fn(apps)
	return c.save(apps)
}

// load reads the warm tier. Callers hold diskMu. A missing or unreadable file
// is an empty cache.
func (c *Cache) load() (map[string]storedApp, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]storedApp), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading app cache: %w", err)
	}

	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil || f.Version != fileVersion || f.Apps == nil {
		c.logger.Warn("discarding unreadable app cache", "path", c.path, "error", err)
		return make(map[string]storedApp), nil
	}
	return f.Apps, nil
}

// save replaces the warm tier. Callers hold diskMu.
func (c *Cache) save(apps map[string]storedApp) error {
	data, err := json.Marshal(cacheFile{Version: fileVersion, Apps: apps})
	if err != nil {
		return fmt.Errorf("encoding app cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("creating app cache directory: %w", err)
	}
	if err := renameio.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("writing app cache: %w", err)
	}
	return nil
}

func (c *Cache) decode(pkg string, s storedApp) *App {
	app := &App{
		PackageName: pkg,
		Label:       s.Label,
		VersionName: s.VersionName,
		VersionCode: s.VersionCode,
		CodeDir:     s.CodeDir,
		UID:         s.UID,
	}
	if len(s.Icon) > 0 {
		img, err := png.Decode(bytes.NewReader(s.Icon))
		if err != nil {
			c.logger.Warn("decoding app icon failed", "package", pkg, "error", err)
		} else {
			app.Icon = img
		}
	}
	return app
}

func fromInfo(info *restoid.PackageInfo) storedApp {
	return storedApp{
		Label:       info.Label,
		VersionName: info.VersionName,
		VersionCode: info.VersionCode,
		CodeDir:     info.CodeDir,
		UID:         info.UID,
		Icon:        info.IconPNG,
	}
}
