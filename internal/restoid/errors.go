package restoid

import "errors"

var (
	// ErrToolInvocation means the backup tool exited non-zero or ended in a
	// state that could not be interpreted. It aborts the whole stage.
	ErrToolInvocation = errors.New("backup tool invocation failed")

	// ErrNoMatchingPaths means the selection resolved to no paths. It aborts the
	// operation before the tool is invoked.
	ErrNoMatchingPaths = errors.New("no matching files found")

	// ErrNothingSelected means no app or category was selected.
	ErrNothingSelected = errors.New("nothing selected")

	// ErrNotInstalled is returned by a PackageRegistry for unknown packages.
	ErrNotInstalled = errors.New("package not installed")

	// ErrCancelled is reported when the operation context was cancelled.
	ErrCancelled = errors.New("operation cancelled")
)
