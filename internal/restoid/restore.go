package restoid

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// NoPackageFilesReason is recorded when install was selected but the snapshot
// held no package files for the app.
const NoPackageFilesReason = "No package files found in restored data."

// AppResult is the outcome of restoring one app.
type AppResult struct {
	PackageName string
	Success     bool
	Reasons     []string
}

// Reason joins all failure reasons of the app.
func (r AppResult) Reason() string {
	return strings.Join(r.Reasons, "; ")
}

func (r *AppResult) fail(format string, args ...any) {
	r.Reasons = append(r.Reasons, fmt.Sprintf(format, args...))
}

// RestoreResult describes a finished restore.
type RestoreResult struct {
	Succeeded int
	Failed    int
	Elapsed   time.Duration
	Results   []AppResult
	// Warnings are best-effort failures and skipped apps.
	Warnings []string
	Summary  string
}

// RestoreOrchestrator restores apps from a snapshot: it transfers the selected
// paths into a staging directory, installs packages and copies data to their
// live locations one app at a time, then removes the staging directory.
type RestoreOrchestrator struct {
	tool      Tool
	device    Device
	installer PackageInstaller
	staging   StagingArea
	logger    Logger
}

// NewRestoreOrchestrator creates a RestoreOrchestrator with the provided dependencies.
func NewRestoreOrchestrator(tool Tool, device Device, installer PackageInstaller, staging StagingArea, logger Logger) *RestoreOrchestrator {
	return &RestoreOrchestrator{
		tool:      tool,
		device:    device,
		installer: installer,
		staging:   staging,
		logger:    logger,
	}
}

// Run performs the restore and finishes op. Per-app failures are recorded in
// the result and never fail the operation. The returned result is non-nil
// whenever apps were processed, even if err is set.
func (o *RestoreOrchestrator) Run(ctx context.Context, op *Operation, repo Repository, sel RestoreSelection) (*RestoreResult, error) {
	result, err := o.run(ctx, op, repo, sel)
	if err != nil {
		o.logger.Error("restore failed", "error", err)
		op.Finish("", err)
		return result, err
	}
	op.Finish(result.Summary, nil)
	result.Elapsed = op.Snapshot().Elapsed
	o.logger.Info("restore finished", "succeeded", result.Succeeded, "failed", result.Failed, "elapsed", result.Elapsed)
	return result, nil
}

func (o *RestoreOrchestrator) run(ctx context.Context, op *Operation, repo Repository, sel RestoreSelection) (*RestoreResult, error) {
	result := &RestoreResult{}

	var apps []RestoreApp
	for _, a := range sel.Apps {
		if !a.Selectable(sel.AllowDowngrade) {
			o.logger.Warn("skipping downgrade", "package", a.PackageName,
				"backup_version", a.BackupVersionCode, "installed_version", a.InstalledVersionCode)
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("Skipped %s: backed up version is older than the installed version.", a.PackageName))
			continue
		}
		apps = append(apps, a)
	}
	if len(apps) == 0 || len(sel.Categories) == 0 {
		return nil, ErrNothingSelected
	}

	install := containsCategory(sel.Categories, CategoryApk)
	var dataCategories []DataCategory
	for _, c := range sel.Categories {
		if c.IsData() {
			dataCategories = append(dataCategories, c)
		}
	}

	targets := make([]AppTarget, 0, len(apps))
	for _, a := range apps {
		targets = append(targets, AppTarget{PackageName: a.PackageName, Categories: sel.Categories})
	}
	includes := BuildIncludeFilters(FilterMatch, targets, sel.Snapshot.Paths)
	if len(includes) == 0 {
		return nil, fmt.Errorf("%w in snapshot %s", ErrNoMatchingPaths, sel.Snapshot.ShortID)
	}

	stages := []string{StageTransfer}
	if install || len(dataCategories) > 0 {
		stages = append(stages, StageProcessing)
	}
	stages = append(stages, StageCleanup)
	tr := newTracker(op, stages...)

	dir, err := o.staging.Create(op.ID())
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	o.logger.Info("restore started", "snapshot", sel.Snapshot.ID, "apps", len(apps), "staging", dir)

	opErr := o.transfer(ctx, tr, repo, sel.Snapshot, dir, includes)
	if opErr == nil && (install || len(dataCategories) > 0) {
		opErr = o.processApps(ctx, tr, result, apps, dir, install, dataCategories, sel.AllowDowngrade)
	}

	// Cleanup runs even after a failed transfer or a cancellation.
	tr.begin(StageCleanup)
	if err := o.staging.Remove(dir); err != nil {
		o.logger.Warn("removing staging directory failed", "path", dir, "error", err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("Warning: could not remove staging directory %s: %v", dir, err))
	}
	tr.complete()

	if opErr != nil {
		return result, opErr
	}
	result.Summary = result.summary()
	return result, nil
}

func (o *RestoreOrchestrator) transfer(ctx context.Context, tr *tracker, repo Repository, snapshot Snapshot, dir string, includes []string) error {
	tr.begin(StageTransfer)
	onLine := func(line string) {
		u, ok := ParseStatusLine(line)
		if !ok {
			return
		}
		if u.IsError() {
			o.logger.Warn("restore tool reported an error", "item", u.CurrentFile, "message", u.ErrorMessage)
			return
		}
		tr.apply(u)
	}
	cmd := RestoreCommand{SnapshotID: snapshot.ID, Target: dir, Includes: includes}
	if err := o.tool.Restore(ctx, repo, cmd, onLine); err != nil {
		return toolError(ctx, "restore", err)
	}
	tr.complete()
	return nil
}

// processApps handles apps strictly one after another; install sessions and
// root shell calls must not interleave across apps.
func (o *RestoreOrchestrator) processApps(ctx context.Context, tr *tracker, result *RestoreResult, apps []RestoreApp, dir string, install bool, dataCategories []DataCategory, allowDowngrade bool) error {
	tr.begin(StageProcessing)
	for i, a := range apps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w during app processing: %w", ErrCancelled, err)
		}
		tr.item(a.PackageName, i, len(apps))

		r := o.processApp(ctx, a.PackageName, dir, install, dataCategories, allowDowngrade)
		result.Results = append(result.Results, r)
		if r.Success {
			result.Succeeded++
			o.logger.Info("app restored", "package", r.PackageName)
		} else {
			result.Failed++
			o.logger.Warn("app restore failed", "package", r.PackageName, "reason", r.Reason())
		}
	}
	tr.item("", len(apps), len(apps))
	tr.complete()
	return nil
}

func (o *RestoreOrchestrator) processApp(ctx context.Context, pkg, dir string, install bool, dataCategories []DataCategory, allowDowngrade bool) AppResult {
	r := AppResult{PackageName: pkg}

	installFailed := false
	if install {
		files, err := o.staging.PackageFiles(dir, pkg)
		switch {
		case err != nil:
			r.fail("Could not read staged package files: %v", err)
		case len(files) == 0:
			// Install is not attempted; data can still go to an app that is
			// already installed.
			r.fail(NoPackageFilesReason)
		default:
			if err := o.install(ctx, files, allowDowngrade); err != nil {
				r.fail("Install failed: %v", err)
				installFailed = true
			}
		}
	}

	if len(dataCategories) > 0 && !installFailed {
		o.restoreData(ctx, &r, dir, pkg, dataCategories)
	}

	r.Success = len(r.Reasons) == 0
	return r
}

func (o *RestoreOrchestrator) install(ctx context.Context, files []string, allowDowngrade bool) error {
	session, err := o.installer.CreateSession(ctx, InstallOptions{Reinstall: true, AllowDowngrade: allowDowngrade})
	if err != nil {
		return fmt.Errorf("creating install session: %w", err)
	}
	for i, f := range files {
		if err := o.installer.WriteSplit(ctx, session, i, f); err != nil {
			o.abandon(ctx, session)
			return fmt.Errorf("writing %s: %w", filepath.Base(f), err)
		}
	}
	if err := o.installer.CommitSession(ctx, session); err != nil {
		o.abandon(ctx, session)
		return fmt.Errorf("committing install session: %w", err)
	}
	return nil
}

func (o *RestoreOrchestrator) abandon(ctx context.Context, session int) {
	if err := o.installer.AbandonSession(context.WithoutCancel(ctx), session); err != nil {
		o.logger.Warn("abandoning install session failed", "session", session, "error", err)
	}
}

// restoreData copies the staged data categories of one app to their live
// locations. The owner is read from the installed app's data directory, so
// this must run after install.
func (o *RestoreOrchestrator) restoreData(ctx context.Context, r *AppResult, dir, pkg string, categories []DataCategory) {
	owner, err := o.device.Owner(ctx, CategoryData.Path(pkg))
	if err != nil {
		r.fail("Could not resolve data owner: %v", err)
		return
	}

	if err := o.device.StopApp(ctx, pkg); err != nil {
		o.logger.Warn("stopping app failed", "package", pkg, "error", err)
	}

	for _, c := range categories {
		live := c.Path(pkg)
		staged, ok, err := o.staging.Locate(dir, live)
		if err != nil {
			r.fail("%s: %v", c, err)
			continue
		}
		if !ok {
			o.logger.Debug("category not in snapshot", "package", pkg, "category", c.Key())
			continue
		}
		if err := o.device.CopyTree(ctx, staged, live); err != nil {
			r.fail("%s: copy failed: %v", c, err)
			continue
		}
		if err := o.device.Chown(ctx, live, owner); err != nil {
			r.fail("%s: changing owner failed: %v", c, err)
			continue
		}
		if err := o.device.RestoreContext(ctx, live); err != nil {
			o.logger.Warn("restoring security context failed", "path", live, "error", err)
		}
	}
}

func (r *RestoreResult) summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Restored %d of %d apps.", r.Succeeded, r.Succeeded+r.Failed)
	for _, res := range r.Results {
		if !res.Success {
			fmt.Fprintf(&sb, "\n%s: %s", res.PackageName, res.Reason())
		}
	}
	for _, w := range r.Warnings {
		sb.WriteString("\n")
		sb.WriteString(w)
	}
	return sb.String()
}
