package restoid

// StagingArea holds restored files before they are installed or copied to
// their live locations. It lives in this application's private storage, so it
// is accessed directly rather than through the Device.
type StagingArea interface {
	// Create returns a fresh, empty staging directory for one operation.
	Create(operationID string) (string, error)

	// PackageFiles returns the staged package files of pkg, base package first
	// and the remaining splits sorted by name.
	PackageFiles(dir, pkg string) ([]string, error)

	// Locate maps a live on-device path to its staged copy and reports whether
	// the staged copy exists.
	Locate(dir, livePath string) (string, bool, error)

	// Remove deletes a staging directory and everything below it.
	Remove(dir string) error
}
