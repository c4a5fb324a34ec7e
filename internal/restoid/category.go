package restoid

import (
	"fmt"
	"strings"
)

// DataCategory is one of the fixed logical kinds of per-app data.
type DataCategory int

const (
	CategoryApk DataCategory = iota
	CategoryData
	CategoryDeviceProtectedData
	CategoryExternalData
	CategoryObb
	CategoryMedia
)

// AllCategories lists every category in declaration order. Classification and
// filter building always walk categories in this order.
var AllCategories = []DataCategory{
	CategoryApk,
	CategoryData,
	CategoryDeviceProtectedData,
	CategoryExternalData,
	CategoryObb,
	CategoryMedia,
}

// Fixed on-device locations. These must not change: snapshots taken by earlier
// versions are matched against them.
const (
	appCodeRoot         = "/data/app/"
	dataRoot            = "/data/data/"
	deviceProtectedRoot = "/data/user_de/0/"
	externalDataRoot    = "/storage/emulated/0/Android/data/"
	obbRoot             = "/storage/emulated/0/Android/obb/"
	mediaRoot           = "/storage/emulated/0/Android/media/"
)

var categoryInfo = map[DataCategory]struct {
	label string
	key   string
	root  string
}{
	CategoryApk:                 {label: "APK", key: "apk", root: appCodeRoot},
	CategoryData:                {label: "Data", key: "data", root: dataRoot},
	CategoryDeviceProtectedData: {label: "Device Protected Data", key: "user_de", root: deviceProtectedRoot},
	CategoryExternalData:        {label: "External Data", key: "external_data", root: externalDataRoot},
	CategoryObb:                 {label: "OBB", key: "obb", root: obbRoot},
	CategoryMedia:               {label: "Media", key: "media", root: mediaRoot},
}

// String returns the display label of the category.
func (c DataCategory) String() string {
	if info, ok := categoryInfo[c]; ok {
		return info.label
	}
	return fmt.Sprintf("DataCategory(%d)", int(c))
}

// Key returns the short identifier used in config files and CLI flags.
func (c DataCategory) Key() string {
	return categoryInfo[c].key
}

// IsData reports whether the category holds app data rather than app code.
func (c DataCategory) IsData() bool {
	return c != CategoryApk
}

// Path returns the canonical on-device location of the category for pkg.
// APK locations carry an install-time random suffix and cannot be derived from
// the package name, so Path returns "" for CategoryApk.
func (c DataCategory) Path(pkg string) string {
	if c == CategoryApk {
		return ""
	}
	info, ok := categoryInfo[c]
	if !ok {
		return ""
	}
	return info.root + pkg
}

// Matches reports whether path belongs to this category for pkg.
//
// Data categories match their canonical path exactly. APK paths match when they
// live under /data/app/ and one of their segments starts with "pkg-", which
// covers both "/data/app/pkg-1/base.apk" and the randomized
// "/data/app/~~abc==/pkg-xyz==/base.apk" layout.
func (c DataCategory) Matches(path, pkg string) bool {
	if pkg == "" {
		return false
	}
	path = strings.TrimSuffix(path, "/")

	if c != CategoryApk {
		return path == c.Path(pkg)
	}

	if !strings.HasPrefix(path, appCodeRoot) {
		return false
	}
	for _, seg := range strings.Split(strings.TrimPrefix(path, appCodeRoot), "/") {
		if strings.HasPrefix(seg, pkg+"-") {
			return true
		}
	}
	return false
}

// ParseCategory resolves a category from its key or display label.
func ParseCategory(s string) (DataCategory, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for _, c := range AllCategories {
		info := categoryInfo[c]
		if want == info.key || want == strings.ToLower(info.label) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown data category: %q", s)
}

// ParseCategories resolves a list of category keys, dropping duplicates and
// returning them in declaration order.
func ParseCategories(keys []string) ([]DataCategory, error) {
	set := make(map[DataCategory]bool, len(keys))
	for _, k := range keys {
		c, err := ParseCategory(k)
		if err != nil {
			return nil, err
		}
		set[c] = true
	}
	var out []DataCategory
	for _, c := range AllCategories {
		if set[c] {
			out = append(out, c)
		}
	}
	return out, nil
}

// containsCategory reports whether c is in list.
func containsCategory(list []DataCategory, c DataCategory) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}
