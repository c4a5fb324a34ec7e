package device

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hddq/restoid-sub000/internal/restoid"
)

// RootDevice performs filesystem and process operations through a Runner.
type RootDevice struct {
	runner Runner
}

var _ restoid.Device = (*RootDevice)(nil)

func NewRootDevice(runner Runner) *RootDevice {
	return &RootDevice{runner: runner}
}

func (d *RootDevice) Owner(ctx context.Context, path string) (restoid.Owner, error) {
	out, err := d.runner.Run(ctx, "stat -c '%u:%g' "+Quote(path))
	if err != nil {
		return restoid.Owner{}, fmt.Errorf("reading owner of %s: %w", path, err)
	}
	return ParseOwner(strings.TrimSpace(out))
}

// ParseOwner parses "uid:gid".
func ParseOwner(s string) (restoid.Owner, error) {
	uidStr, gidStr, ok := strings.Cut(s, ":")
	if !ok {
		return restoid.Owner{}, fmt.Errorf("malformed owner %q", s)
	}
	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return restoid.Owner{}, fmt.Errorf("malformed uid in %q: %w", s, err)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return restoid.Owner{}, fmt.Errorf("malformed gid in %q: %w", s, err)
	}
	return restoid.Owner{UID: uid, GID: gid}, nil
}

func (d *RootDevice) StopApp(ctx context.Context, pkg string) error {
	if _, err := d.runner.Run(ctx, "am force-stop "+Quote(pkg)); err != nil {
		return fmt.Errorf("stopping %s: %w", pkg, err)
	}
	return nil
}

func (d *RootDevice) CopyTree(ctx context.Context, src, dst string) error {
	script := fmt.Sprintf("mkdir -p %s && cp -a %s %s", Quote(dst), Quote(strings.TrimSuffix(src, "/")+"/."), Quote(strings.TrimSuffix(dst, "/")+"/"))
	if _, err := d.runner.Run(ctx, script); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return nil
}

func (d *RootDevice) Chown(ctx context.Context, path string, owner restoid.Owner) error {
	if _, err := d.runner.Run(ctx, "chown -R "+owner.String()+" "+Quote(path)); err != nil {
		return fmt.Errorf("changing owner of %s: %w", path, err)
	}
	return nil
}

func (d *RootDevice) RestoreContext(ctx context.Context, path string) error {
	if _, err := d.runner.Run(ctx, "restorecon -RF "+Quote(path)); err != nil {
		return fmt.Errorf("restoring security context of %s: %w", path, err)
	}
	return nil
}

// DiskUsage sums "du -sk" over the paths that exist.
func (d *RootDevice) DiskUsage(ctx context.Context, paths []string) (int64, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	script := "for p in " + quoteAll(paths) + `; do [ -e "$p" ] && du -sk "$p"; done; true`
	out, err := d.runner.Run(ctx, script)
	if err != nil {
		return 0, fmt.Errorf("measuring disk usage: %w", err)
	}
	return parseDiskUsage(out)
}

func parseDiskUsage(out string) (int64, error) {
	var total int64
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		kb, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed du output %q: %w", scanner.Text(), err)
		}
		total += kb * 1024
	}
	return total, scanner.Err()
}
