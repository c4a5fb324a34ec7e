package testutil

import (
	"context"
	"sync"

	"github.com/hddq/restoid-sub000/internal/restoid"
)

// FakeTool is a scripted restoid.Tool. Backup and Restore replay the configured
// output lines before returning the configured error.
type FakeTool struct {
	mu sync.Mutex

	BackupLines  []string
	BackupErr    error
	RestoreLines []string
	RestoreErr   error
	// OnRestore runs after the restore lines were replayed, e.g. to populate the
	// target directory.
	OnRestore func(cmd restoid.RestoreCommand) error

	SnapshotList []restoid.Snapshot
	SnapshotsErr error
	ForgetErr    error

	// Repository administration.
	ToolVersion string
	RepoID      string
	InitErr     error
	IDErr       error
	CheckErr    error
	PruneErr    error
	UnlockErr   error
	PasswordErr error

	BackupCalls  []restoid.BackupCommand
	RestoreCalls []restoid.RestoreCommand
	ForgetCalls  []restoid.ForgetOptions
	Inits        []restoid.Repository
	Checks       int
	Prunes       int
	Unlocks      int
	NewPasswords []string
}

var _ restoid.Tool = (*FakeTool)(nil)

func NewFakeTool() *FakeTool {
	return &FakeTool{ToolVersion: "0.17.3", RepoID: "fake-repo-id"}
}

func (f *FakeTool) Backup(ctx context.Context, repo restoid.Repository, cmd restoid.BackupCommand, onLine restoid.LineFunc) error {
	f.mu.Lock()
	f.BackupCalls = append(f.BackupCalls, cmd)
	lines, err := f.BackupLines, f.BackupErr
	f.mu.Unlock()

	if err := replay(ctx, lines, onLine); err != nil {
		return err
	}
	return err
}

func (f *FakeTool) Restore(ctx context.Context, repo restoid.Repository, cmd restoid.RestoreCommand, onLine restoid.LineFunc) error {
	f.mu.Lock()
	f.RestoreCalls = append(f.RestoreCalls, cmd)
	lines, err, hook := f.RestoreLines, f.RestoreErr, f.OnRestore
	f.mu.Unlock()

	if err := replay(ctx, lines, onLine); err != nil {
		return err
	}
	if err != nil {
		return err
	}
	if hook != nil {
		return hook(cmd)
	}
	return nil
}

// Snapshots returns the configured snapshots carrying all tags.
func (f *FakeTool) Snapshots(ctx context.Context, repo restoid.Repository, tags []string) ([]restoid.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SnapshotsErr != nil {
		return nil, f.SnapshotsErr
	}
	var out []restoid.Snapshot
	for _, s := range f.SnapshotList {
		if hasAllTags(s, tags) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FakeTool) Forget(ctx context.Context, repo restoid.Repository, opts restoid.ForgetOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ForgetCalls = append(f.ForgetCalls, opts)
	return f.ForgetErr
}

func replay(ctx context.Context, lines []string, onLine restoid.LineFunc) error {
	for _, l := range lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		if onLine != nil {
			onLine(l)
		}
	}
	return ctx.Err()
}

func hasAllTags(s restoid.Snapshot, tags []string) bool {
	for _, t := range tags {
		if !s.HasTag(t) {
			return false
		}
	}
	return true
}

func (f *FakeTool) CheckVersion(ctx context.Context) (string, error) {
	return f.ToolVersion, nil
}

func (f *FakeTool) Init(ctx context.Context, repo restoid.Repository) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Inits = append(f.Inits, repo)
	return f.InitErr
}

func (f *FakeTool) RepositoryID(ctx context.Context, repo restoid.Repository) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.IDErr != nil {
		return "", f.IDErr
	}
	return f.RepoID, nil
}

func (f *FakeTool) Check(ctx context.Context, repo restoid.Repository) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Checks++
	return f.CheckErr
}

func (f *FakeTool) Prune(ctx context.Context, repo restoid.Repository) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Prunes++
	return f.PruneErr
}

func (f *FakeTool) Unlock(ctx context.Context, repo restoid.Repository) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unlocks++
	return f.UnlockErr
}

func (f *FakeTool) ChangePassword(ctx context.Context, repo restoid.Repository, newPassword string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PasswordErr != nil {
		return f.PasswordErr
	}
	f.NewPasswords = append(f.NewPasswords, newPassword)
	return nil
}
