package device

import (
	"bufio"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/hddq/restoid-sub000/internal/restoid"
)

// Registry reads installed packages from the package manager.
type Registry struct {
	runner Runner
}

var _ restoid.PackageRegistry = (*Registry)(nil)

func NewRegistry(runner Runner) *Registry {
	return &Registry{runner: runner}
}

// listedPackage is one line of "pm list packages -f -U --show-versioncode".
type listedPackage struct {
	name        string
	apkPath     string
	versionCode int64
	uid         int
}

const listPackages = "pm list packages -f -U --show-versioncode"

func (r *Registry) list(ctx context.Context) ([]listedPackage, error) {
	out, err := r.runner.Run(ctx, listPackages)
	if err != nil {
		return nil, fmt.Errorf("listing packages: %w", err)
	}
	return parsePackageList(out)
}

// parsePackageList parses lines such as
//
//	package:/data/app/~~a==/com.example-b==/base.apk=com.example versionCode:42 uid:10100
//
// Code paths may themselves contain '=', so the name follows the last '='
// of the first field.
func parsePackageList(out string) ([]listedPackage, error) {
	var pkgs []listedPackage
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rest, ok := strings.CutPrefix(line, "package:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}

		var p listedPackage
		if i := strings.LastIndex(fields[0], "="); i >= 0 {
			p.apkPath, p.name = fields[0][:i], fields[0][i+1:]
		} else {
			p.name = fields[0]
		}
		for _, f := range fields[1:] {
			key, value, _ := strings.Cut(f, ":")
			switch key {
			case "versionCode":
				code, err := strconv.ParseInt(value, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("malformed version code in %q: %w", line, err)
				}
				p.versionCode = code
			case "uid":
				uid, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("malformed uid in %q: %w", line, err)
				}
				p.uid = uid
			}
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, scanner.Err()
}

func (r *Registry) InstalledVersions(ctx context.Context) (map[string]int64, error) {
	pkgs, err := r.list(ctx)
	if err != nil {
		return nil, err
	}
	versions := make(map[string]int64, len(pkgs))
	for _, p := range pkgs {
		versions[p.name] = p.versionCode
	}
	return versions, nil
}

func (r *Registry) Lookup(ctx context.Context, pkg string) (*restoid.PackageInfo, error) {
	out, err := r.runner.Run(ctx, listPackages+" "+Quote(pkg))
	if err != nil {
		return nil, fmt.Errorf("listing package %s: %w", pkg, err)
	}
	pkgs, err := parsePackageList(out)
	if err != nil {
		return nil, err
	}

	var found *listedPackage
	for i := range pkgs {
		// The filter argument is a substring match.
		if pkgs[i].name == pkg {
			found = &pkgs[i]
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%s: %w", pkg, restoid.ErrNotInstalled)
	}

	info := &restoid.PackageInfo{
		PackageName: pkg,
		Label:       pkg,
		VersionCode: found.versionCode,
		UID:         found.uid,
	}
	if found.apkPath != "" {
		info.CodeDir = path.Dir(found.apkPath)
	}

	dump, err := r.runner.Run(ctx, "dumpsys package "+Quote(pkg))
	if err != nil {
		return nil, fmt.Errorf("reading package %s: %w", pkg, err)
	}
	info.VersionName = parseVersionName(dump)
	return info, nil
}

// parseVersionName returns the first "versionName=" value of a dumpsys
// package report.
func parseVersionName(dump string) string {
	scanner := bufio.NewScanner(strings.NewReader(dump))
	for scanner.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "versionName="); ok {
			return v
		}
	}
	return ""
}
