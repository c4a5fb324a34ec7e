package restoid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMetadataRetention is the number of metadata mirror snapshots kept.
const DefaultMetadataRetention = 5

// BackupOptions tune a BackupOrchestrator.
type BackupOptions struct {
	// Excludes are patterns relative to the Data and Device Protected Data
	// roots of every app, e.g. "cache".
	Excludes []string
	// MetadataRetention is how many metadata mirror snapshots survive pruning.
	// Zero means DefaultMetadataRetention.
	MetadataRetention int
	// Host overrides the hostname recorded in snapshots.
	Host string
}

// BackupResult describes a completed backup.
type BackupResult struct {
	SnapshotID string
	Apps       []AppMetadataEntry
	Elapsed    time.Duration
	// Warnings are best-effort failures that did not fail the backup.
	Warnings []string
	Summary  string
}

// BackupOrchestrator backs up a selection of apps into one snapshot and
// records per-app metadata for it.
type BackupOrchestrator struct {
	tool     Tool
	metadata MetadataStore
	device   Device
	logger   Logger
	opts     BackupOptions
}

// NewBackupOrchestrator creates a BackupOrchestrator with the provided dependencies.
func NewBackupOrchestrator(tool Tool, metadata MetadataStore, device Device, logger Logger, opts BackupOptions) *BackupOrchestrator {
	if opts.MetadataRetention <= 0 {
		opts.MetadataRetention = DefaultMetadataRetention
	}
	return &BackupOrchestrator{
		tool:     tool,
		metadata: metadata,
		device:   device,
		logger:   logger,
		opts:     opts,
	}
}

// Run performs the backup and finishes op. A failure of the tool fails the
// whole operation; failures after the snapshot was committed only produce
// warnings.
func (b *BackupOrchestrator) Run(ctx context.Context, op *Operation, repo Repository, sel BackupSelection) (*BackupResult, error) {
	result, err := b.run(ctx, op, repo, sel)
	if err != nil {
		b.logger.Error("backup failed", "error", err)
		op.Finish("", err)
		return nil, err
	}
	op.Finish(result.Summary, nil)
	result.Elapsed = op.Snapshot().Elapsed
	b.logger.Info("backup finished", "snapshot", result.SnapshotID, "apps", len(result.Apps), "elapsed", result.Elapsed)
	return result, nil
}

func (b *BackupOrchestrator) run(ctx context.Context, op *Operation, repo Repository, sel BackupSelection) (*BackupResult, error) {
	if len(sel.Apps) == 0 {
		return nil, ErrNothingSelected
	}

	targets := sel.targets()
	paths := BuildIncludeFilters(FilterGenerate, targets, nil)
	if len(paths) == 0 {
		return nil, ErrNoMatchingPaths
	}

	tags := []string{AppTag}
	for _, a := range sel.Apps {
		tags = append(tags, AppVersionTag(a.PackageName, a.VersionName, a.VersionCode))
	}

	tr := newTracker(op, StageBackup, StageMetadata)
	tr.begin(StageBackup)
	b.logger.Info("backup started", "repository", repo.Name, "apps", len(sel.Apps), "paths", len(paths))

	var snapshotID string
	onLine := func(line string) {
		u, ok := ParseStatusLine(line)
		if !ok {
			return
		}
		if u.IsError() {
			b.logger.Warn("backup tool reported an error", "item", u.CurrentFile, "message", u.ErrorMessage)
			return
		}
		if u.MessageType == MessageSummary {
			snapshotID = u.SnapshotID
		}
		tr.apply(u)
	}

	cmd := BackupCommand{
		Paths:    paths,
		Tags:     tags,
		Excludes: ExcludePaths(targets, b.opts.Excludes),
		Host:     b.opts.Host,
	}
	if err := b.tool.Backup(ctx, repo, cmd, onLine); err != nil {
		return nil, toolError(ctx, "backup", err)
	}
	tr.complete()

	result := &BackupResult{SnapshotID: snapshotID}
	if result.SnapshotID == "" {
		// The tool exited cleanly without a summary line; the newest app
		// snapshot is the one just created.
		id, err := b.latestSnapshotID(ctx, repo)
		if err != nil {
			result.warn(b.logger, "could not determine the new snapshot id", err)
		}
		result.SnapshotID = id
	}

	tr.begin(StageMetadata)
	for i, a := range sel.Apps {
		tr.item(a.PackageName, i, len(sel.Apps))
		result.Apps = append(result.Apps, AppMetadataEntry{
			PackageName:     a.PackageName,
			VersionName:     a.VersionName,
			VersionCode:     a.VersionCode,
			BackupSizeBytes: b.appSize(ctx, a),
		})
	}
	tr.item("", len(sel.Apps), len(sel.Apps))

	if result.SnapshotID != "" {
		if err := b.metadata.SaveSnapshotMetadata(ctx, repo.ID, result.SnapshotID, result.Apps); err != nil {
			result.warn(b.logger, "could not save snapshot metadata", err)
		}
	}
	if err := b.metadata.Mirror(ctx, repo); err != nil {
		result.warn(b.logger, "could not back up the metadata store", err)
	} else if err := b.metadata.PruneMirrors(ctx, repo, b.opts.MetadataRetention); err != nil {
		result.warn(b.logger, "could not prune old metadata snapshots", err)
	}
	tr.complete()

	result.Summary = result.summary()
	return result, nil
}

func (b *BackupOrchestrator) latestSnapshotID(ctx context.Context, repo Repository) (string, error) {
	snapshots, err := b.tool.Snapshots(ctx, repo, []string{AppTag})
	if err != nil {
		return "", fmt.Errorf("listing snapshots: %w", err)
	}
	latest, ok := LatestSnapshot(snapshots)
	if !ok {
		return "", errors.New("repository has no app snapshots")
	}
	return latest.ID, nil
}

// appSize probes the on-device size of everything backed up for one app. The
// probe is informational; failures count as zero.
func (b *BackupOrchestrator) appSize(ctx context.Context, a AppBackup) int64 {
	paths := BuildIncludeFilters(FilterGenerate, []AppTarget{{
		PackageName: a.PackageName,
		CodeDir:     a.CodeDir,
		Categories:  a.Categories,
	}}, nil)
	size, err := b.device.DiskUsage(ctx, paths)
	if err != nil {
		b.logger.Warn("measuring app size failed", "package", a.PackageName, "error", err)
		return 0
	}
	return size
}

func (r *BackupResult) warn(logger Logger, msg string, err error) {
	logger.Warn(msg, "error", err)
	r.Warnings = append(r.Warnings, fmt.Sprintf("Warning: %s: %v", msg, err))
}

func (r *BackupResult) summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Backed up %d apps", len(r.Apps))
	if r.SnapshotID != "" {
		fmt.Fprintf(&sb, " to snapshot %s", shortID(r.SnapshotID))
	}
	sb.WriteString(".")
	for _, w := range r.Warnings {
		sb.WriteString("\n")
		sb.WriteString(w)
	}
	return sb.String()
}

// toolError classifies a failed tool invocation.
func toolError(ctx context.Context, action string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w during %s: %w", ErrCancelled, action, ctxErr)
	}
	return fmt.Errorf("%w: %s: %w", ErrToolInvocation, action, err)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
