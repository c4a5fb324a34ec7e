package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/hddq/restoid-sub000/internal/restoid"
)

var sessionPattern = regexp.MustCompile(`\[(\d+)\]`)

// Installer drives "pm install-create/-write/-commit/-abandon".
type Installer struct {
	runner Runner
}

var _ restoid.PackageInstaller = (*Installer)(nil)

func NewInstaller(runner Runner) *Installer {
	return &Installer{runner: runner}
}

func (i *Installer) CreateSession(ctx context.Context, opts restoid.InstallOptions) (int, error) {
	script := "pm install-create"
	if opts.Reinstall {
		script += " -r"
	}
	if opts.AllowDowngrade {
		script += " -d"
	}
	out, err := i.runner.Run(ctx, script)
	if err != nil {
		return 0, fmt.Errorf("creating install session: %w", err)
	}
	return parseSessionID(out)
}

// parseSessionID reads "Success: created install session [1234]".
func parseSessionID(out string) (int, error) {
	m := sessionPattern.FindStringSubmatch(out)
	if m == nil || !strings.Contains(out, "Success") {
		return 0, fmt.Errorf("unexpected install-create output: %q", strings.TrimSpace(out))
	}
	return strconv.Atoi(m[1])
}

func (i *Installer) WriteSplit(ctx context.Context, session int, index int, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("reading split: %w", err)
	}
	name := fmt.Sprintf("%d_%s", index, filepath.Base(path))
	script := fmt.Sprintf("pm install-write -S %d %d %s %s", info.Size(), session, Quote(name), Quote(path))
	out, err := i.runner.Run(ctx, script)
	if err != nil {
		return fmt.Errorf("writing split %s: %w", name, err)
	}
	if !strings.Contains(out, "Success") {
		return fmt.Errorf("writing split %s: %s", name, strings.TrimSpace(out))
	}
	return nil
}

func (i *Installer) CommitSession(ctx context.Context, session int) error {
	out, err := i.runner.Run(ctx, fmt.Sprintf("pm install-commit %d", session))
	if err != nil {
		return fmt.Errorf("committing session %d: %w", session, err)
	}
	if !strings.Contains(out, "Success") {
		return fmt.Errorf("committing session %d: %s", session, strings.TrimSpace(out))
	}
	return nil
}

func (i *Installer) AbandonSession(ctx context.Context, session int) error {
	if _, err := i.runner.Run(ctx, fmt.Sprintf("pm install-abandon %d", session)); err != nil {
		return fmt.Errorf("abandoning session %d: %w", session, err)
	}
	return nil
}
