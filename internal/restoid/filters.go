package restoid

import (
	"path"
	"strings"
)

// UnknownItemsLabel is reported for snapshots whose paths match none of the
// categories of a package.
const UnknownItemsLabel = "Unknown items"

// Classify returns the labels of the categories of pkg that have at least one
// matching entry in snapshotPaths, in category declaration order.
// It returns UnknownItemsLabel alone when snapshotPaths is non-empty but nothing
// matches, and an empty list when snapshotPaths is empty.
func Classify(snapshotPaths []string, pkg string) []string {
	labels := []string{}
	if len(snapshotPaths) == 0 {
		return labels
	}

	for _, c := range AllCategories {
		for _, p := range snapshotPaths {
			if c.Matches(p, pkg) {
				labels = append(labels, c.String())
				break
			}
		}
	}

	if len(labels) == 0 {
		return []string{UnknownItemsLabel}
	}
	return labels
}

// FilterMode selects how BuildIncludeFilters produces paths.
type FilterMode int

const (
	// FilterMatch only returns paths recorded in the snapshot. Used for restore.
	FilterMatch FilterMode = iota
	// FilterGenerate synthesizes canonical on-device paths. Used for backup.
	FilterGenerate
)

// AppTarget is one app together with the categories selected for it.
type AppTarget struct {
	PackageName string
	// CodeDir is the installed code directory (e.g. /data/app/~~x==/pkg-y==).
	// Only used in generate mode for CategoryApk.
	CodeDir    string
	Categories []DataCategory
}

// BuildIncludeFilters returns the deduplicated list of paths covering the
// selected categories of every target. Order is stable: targets in the given
// order, categories in declaration order, and in match mode snapshot entries in
// snapshot order.
//
// In match mode a path is only ever returned if it is present in snapshotPaths.
// A target contributing no paths contributes nothing; an empty result must be
// treated by the caller as a failed precondition.
func BuildIncludeFilters(mode FilterMode, targets []AppTarget, snapshotPaths []string) []string {
	result := []string{}
	seen := make(map[string]bool)
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		result = append(result, p)
	}

	for _, t := range targets {
		for _, c := range AllCategories {
			if !containsCategory(t.Categories, c) {
				continue
			}
			switch mode {
			case FilterGenerate:
				if c == CategoryApk {
					add(strings.TrimSuffix(t.CodeDir, "/"))
				} else {
					add(c.Path(t.PackageName))
				}
			case FilterMatch:
				for _, p := range snapshotPaths {
					if c.Matches(p, t.PackageName) {
						add(p)
					}
				}
			}
		}
	}
	return result
}

// ExcludePaths expands exclusion patterns relative to the data roots of every
// target. A pattern such as "cache" becomes "/data/data/<pkg>/cache" for each
// target with CategoryData selected, and likewise for device protected data.
// Blank patterns and comment lines are skipped.
func ExcludePaths(targets []AppTarget, patterns []string) []string {
	var cleaned []string
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		cleaned = append(cleaned, strings.Trim(raw, "/"))
	}
	if len(cleaned) == 0 {
		return nil
	}

	var out []string
	for _, t := range targets {
		for _, c := range []DataCategory{CategoryData, CategoryDeviceProtectedData} {
			if !containsCategory(t.Categories, c) {
				continue
			}
			for _, p := range cleaned {
				out = append(out, path.Join(c.Path(t.PackageName), p))
			}
		}
	}
	return out
}
