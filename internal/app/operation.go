package app

import (
	"context"
	"fmt"

	"github.com/hddq/restoid-sub000/internal/model"
	"github.com/hddq/restoid-sub000/internal/restoid"
)

// historyLimit bounds the history listed by default.
const historyLimit = 20

// Observer is handed every operation right after it starts, e.g. to render
// its progress.
type Observer func(op *restoid.Operation)

// BackupRequest selects what to back up.
type BackupRequest struct {
	Repository string
	// Packages to back up. Empty with All set means every installed app.
	Packages []string
	All      bool
	// Categories defaults to the configured backup categories.
	Categories []restoid.DataCategory
}

// RestoreRequest selects what to restore.
type RestoreRequest struct {
	Repository string
	// Snapshot is "latest" or a unique prefix of a snapshot ID.
	Snapshot string
	// Packages to restore. Empty means every app of the snapshot.
	Packages []string
	// Categories defaults to the configured restore categories.
	Categories     []restoid.DataCategory
	AllowDowngrade bool
}

// Backup backs up the requested apps into one snapshot.
func (a *App) Backup(ctx context.Context, req BackupRequest, observe Observer) (*restoid.BackupResult, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	repo, err := a.repository(ctx, req.Repository)
	if err != nil {
		return nil, err
	}
	categories, err := a.categories(req.Categories, a.cfg.Backup.Categories)
	if err != nil {
		return nil, err
	}

	// Apps updated since they were cached have moved their code dir.
	if _, err := a.inventory.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("refreshing app cache: %w", err)
	}

	pkgs := req.Packages
	if req.All && len(pkgs) == 0 {
		installed, err := a.registry.InstalledVersions(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing installed packages: %w", err)
		}
		for pkg := range installed {
			pkgs = append(pkgs, pkg)
		}
	}
	apps, err := a.inventory.GetAll(ctx, pkgs)
	if err != nil {
		return nil, err
	}
	if len(apps) < len(pkgs) {
		found := make(map[string]bool, len(apps))
		for _, app := range apps {
			found[app.PackageName] = true
		}
		for _, pkg := range pkgs {
			if !found[pkg] {
				return nil, fmt.Errorf("%s: %w", pkg, restoid.ErrNotInstalled)
			}
		}
	}

	var sel restoid.BackupSelection
	for _, app := range apps {
		sel.Apps = append(sel.Apps, restoid.AppBackup{
			PackageName: app.PackageName,
			VersionName: app.VersionName,
			VersionCode: app.VersionCode,
			CodeDir:     app.CodeDir,
			Categories:  categories,
		})
	}

	orch := restoid.NewBackupOrchestrator(a.tool, a.metadata, a.device, a.logger, restoid.BackupOptions{
		Excludes:          a.cfg.Backup.Excludes,
		MetadataRetention: a.cfg.Backup.MetadataRetention,
		Host:              a.cfg.Backup.Host,
	})

	op := a.startOperation(ctx, restoid.OperationBackup, repo.Name, "")
	if observe != nil {
		observe(op)
	}
	result, err := orch.Run(ctx, op, repo, sel)
	snapshotID := ""
	if result != nil {
		snapshotID = result.SnapshotID
	}
	a.finishOperation(ctx, op, 0, snapshotID)
	return result, err
}

// Restore restores the requested apps from a snapshot.
func (a *App) Restore(ctx context.Context, req RestoreRequest, observe Observer) (*restoid.RestoreResult, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	repo, err := a.repository(ctx, req.Repository)
	if err != nil {
		return nil, err
	}
	categories, err := a.categories(req.Categories, a.cfg.Restore.Categories)
	if err != nil {
		return nil, err
	}
	plan, err := a.restorePlan(ctx, repo, req.Snapshot)
	if err != nil {
		return nil, err
	}
	apps, err := selectApps(plan.Apps, req.Packages)
	if err != nil {
		return nil, err
	}

	// Only one operation runs at a time, so whatever is staged now was left
	// behind by an interrupted run.
	swept, err := a.staging.Sweep()
	if err != nil {
		a.logger.Warn("removing stale staging directories failed", "error", err)
	}
	for _, dir := range swept {
		a.logger.Info("removed stale staging directory", "path", dir)
	}

	sel := restoid.RestoreSelection{
		Snapshot:       plan.Snapshot,
		Apps:           apps,
		Categories:     categories,
		AllowDowngrade: req.AllowDowngrade || a.cfg.Restore.AllowDowngrade,
	}
	orch := restoid.NewRestoreOrchestrator(a.tool, a.device, a.installer, a.staging, a.logger)

	op := a.startOperation(ctx, restoid.OperationRestore, repo.Name, plan.Snapshot.ID)
	if observe != nil {
		observe(op)
	}
	result, err := orch.Run(ctx, op, repo, sel)
	failures := 0
	if result != nil {
		failures = result.Failed
		for _, r := range result.Results {
			if err := a.inventory.Invalidate(r.PackageName); err != nil {
				a.logger.Warn("invalidating app cache failed", "package", r.PackageName, "error", err)
			}
		}
	}
	a.finishOperation(ctx, op, failures, plan.Snapshot.ID)
	return result, err
}

// selectApps picks the named apps of a snapshot, or all of them.
func selectApps(apps []restoid.RestoreApp, pkgs []string) ([]restoid.RestoreApp, error) {
	if len(pkgs) == 0 {
		return apps, nil
	}
	byName := make(map[string]restoid.RestoreApp, len(apps))
	for _, app := range apps {
		byName[app.PackageName] = app
	}
	selected := make([]restoid.RestoreApp, 0, len(pkgs))
	for _, pkg := range pkgs {
		app, ok := byName[pkg]
		if !ok {
			return nil, fmt.Errorf("snapshot does not contain %s", pkg)
		}
		selected = append(selected, app)
	}
	return selected, nil
}

func (a *App) categories(requested []restoid.DataCategory, configured []string) ([]restoid.DataCategory, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	categories, err := restoid.ParseCategories(configured)
	if err != nil {
		return nil, fmt.Errorf("invalid configured categories: %w", err)
	}
	return categories, nil
}

// Forget removes snapshots from a repository along with their metadata and
// returns the IDs forgotten.
func (a *App) Forget(ctx context.Context, repoName string, refs []string, prune bool) ([]string, error) {
	if len(refs) == 0 {
		return nil, restoid.ErrNothingSelected
	}
	if err := a.acquire(); err != nil {
		return nil, err
	}
	repo, err := a.repository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	snapshots, err := a.snapshots(ctx, repo)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		snap, err := findSnapshot(snapshots, ref)
		if err != nil {
			return nil, err
		}
		ids = append(ids, snap.ID)
	}

	if err := a.tool.Forget(ctx, repo, restoid.ForgetOptions{SnapshotIDs: ids, Prune: prune}); err != nil {
		return nil, fmt.Errorf("forgetting snapshots: %w", err)
	}
	for _, id := range ids {
		if err := a.db.DeleteSnapshotMetadata(ctx, repo.ID, id); err != nil {
			a.logger.Warn("deleting snapshot metadata failed", "snapshot", id, "error", err)
		}
	}
	a.logger.Info("snapshots forgotten", "repository", repo.Name, "count", len(ids))
	return ids, nil
}

// startOperation creates an operation and records its start. History is
// bookkeeping; failing to write it never fails the operation.
func (a *App) startOperation(ctx context.Context, kind restoid.OperationKind, repoName, snapshotID string) *restoid.Operation {
	op := restoid.NewOperation(a.ids.New(), kind, a.clock)
	rec := newOperationRecord(op, repoName, snapshotID)
	if err := a.db.CreateOperation(ctx, rec); err != nil {
		a.logger.Warn("recording operation failed", "operation", op.ID(), "error", err)
	}
	return op
}

// finishOperation records the outcome of a finished operation. It runs even
// when ctx was cancelled.
func (a *App) finishOperation(ctx context.Context, op *restoid.Operation, failures int, snapshotID string) {
	state := op.Snapshot()
	status, summary := operationOutcome(state, failures)
	err := a.db.FinishOperation(context.WithoutCancel(ctx), op.ID(), string(status), summary, snapshotID, a.clock.Now())
	if err != nil {
		a.logger.Warn("recording operation outcome failed", "operation", op.ID(), "error", err)
	}
}

func newOperationRecord(op *restoid.Operation, repoName, snapshotID string) model.OperationRecord {
	return model.OperationRecord{
		ID:         op.ID(),
		Kind:       string(op.Kind()),
		Repository: repoName,
		SnapshotID: snapshotID,
		StartedAt:  op.StartedAt(),
		Status:     string(restoid.StatusRunning),
	}
}

func operationOutcome(state restoid.ProgressState, failures int) (restoid.OperationStatus, string) {
	status := state.Status(failures)
	if state.Err != nil {
		return status, state.Err.Error()
	}
	return status, state.Summary
}
