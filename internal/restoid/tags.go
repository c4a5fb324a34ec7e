package restoid

import (
	"fmt"
	"strconv"
	"strings"
)

const tagSeparator = "|"

// AppVersionTag encodes the identity of one backed up app as a snapshot tag:
// "pkg|versionName|versionCode". The tool splits tag lists on commas, so commas
// in the version name are replaced.
func AppVersionTag(pkg, versionName string, versionCode int64) string {
	versionName = strings.ReplaceAll(versionName, ",", "_")
	versionName = strings.ReplaceAll(versionName, tagSeparator, "_")
	return pkg + tagSeparator + versionName + tagSeparator + strconv.FormatInt(versionCode, 10)
}

// ParseAppVersionTag decodes a tag produced by AppVersionTag.
func ParseAppVersionTag(tag string) (AppMetadataEntry, error) {
	parts := strings.Split(tag, tagSeparator)
	if len(parts) != 3 || parts[0] == "" {
		return AppMetadataEntry{}, fmt.Errorf("not an app version tag: %q", tag)
	}
	code, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return AppMetadataEntry{}, fmt.Errorf("parsing version code of tag %q: %w", tag, err)
	}
	return AppMetadataEntry{
		PackageName: parts[0],
		VersionName: parts[1],
		VersionCode: code,
	}, nil
}

// SnapshotApps returns the apps recorded in a snapshot's tags, in tag order.
// Tags that are not app version tags are ignored.
func SnapshotApps(s Snapshot) []AppMetadataEntry {
	var apps []AppMetadataEntry
	for _, t := range s.Tags {
		if e, err := ParseAppVersionTag(t); err == nil {
			apps = append(apps, e)
		}
	}
	return apps
}
