package restoid

import (
	"context"
	"fmt"
)

// Owner is a numeric filesystem owner.
type Owner struct {
	UID int
	GID int
}

func (o Owner) String() string { return fmt.Sprintf("%d:%d", o.UID, o.GID) }

// Device is the root-privileged execution boundary. Every mutation outside this
// application's private storage goes through it.
type Device interface {
	// Owner returns the owner of an existing path.
	Owner(ctx context.Context, path string) (Owner, error)

	// StopApp force-stops the app's processes.
	StopApp(ctx context.Context, pkg string) error

	// CopyTree recursively copies the contents of src into dst, preserving
	// attributes. dst is created if missing.
	CopyTree(ctx context.Context, src, dst string) error

	// Chown recursively changes ownership of path.
	Chown(ctx context.Context, path string, owner Owner) error

	// RestoreContext resets the security context of path to the policy default.
	RestoreContext(ctx context.Context, path string) error

	// DiskUsage returns the total size in bytes of the given paths. Missing
	// paths count as zero.
	DiskUsage(ctx context.Context, paths []string) (int64, error)
}

// InstallOptions are the flags of a package install session.
type InstallOptions struct {
	Reinstall      bool
	AllowDowngrade bool
}

// PackageInstaller drives the system's multi-split install session protocol:
// create, write every split by index, commit. A session that fails must be
// abandoned.
type PackageInstaller interface {
	CreateSession(ctx context.Context, opts InstallOptions) (int, error)
	WriteSplit(ctx context.Context, session int, index int, path string) error
	CommitSession(ctx context.Context, session int) error
	AbandonSession(ctx context.Context, session int) error
}

// PackageInfo describes an installed app as reported by the system.
type PackageInfo struct {
	PackageName string
	Label       string
	VersionName string
	VersionCode int64
	// CodeDir is the directory holding the installed package files.
	CodeDir string
	UID     int
	// IconPNG is the encoded launcher icon, if the registry can provide one.
	IconPNG []byte
}

// PackageRegistry is the live system package registry.
type PackageRegistry interface {
	// InstalledVersions returns the version code of every installed package.
	InstalledVersions(ctx context.Context) (map[string]int64, error)

	// Lookup returns details of one installed package, or ErrNotInstalled.
	Lookup(ctx context.Context, pkg string) (*PackageInfo, error)
}
