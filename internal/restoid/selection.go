package restoid

import "sort"

// AppBackup is one app selected for backup with its resolved category toggles.
type AppBackup struct {
	PackageName string
	VersionName string
	VersionCode int64
	CodeDir     string
	Categories  []DataCategory
}

// BackupSelection is the set of apps to back up.
type BackupSelection struct {
	Apps []AppBackup
}

func (s BackupSelection) targets() []AppTarget {
	targets := make([]AppTarget, 0, len(s.Apps))
	for _, a := range s.Apps {
		targets = append(targets, AppTarget{
			PackageName: a.PackageName,
			CodeDir:     a.CodeDir,
			Categories:  a.Categories,
		})
	}
	return targets
}

// RestoreApp is one app contained in a snapshot, as offered for restore.
type RestoreApp struct {
	PackageName       string
	VersionName       string
	BackupVersionCode int64
	// InstalledVersionCode is zero when the app is not installed.
	InstalledVersionCode int64
	Installed            bool
	BackupSizeBytes      int64
}

// IsDowngrade reports whether restoring the backed up package would lower the
// installed version.
func (a RestoreApp) IsDowngrade() bool {
	return a.Installed && a.BackupVersionCode < a.InstalledVersionCode
}

// Selectable reports whether the app may be selected for restore.
func (a RestoreApp) Selectable(allowDowngrade bool) bool {
	return !a.IsDowngrade() || allowDowngrade
}

// RestoreSelection describes what to restore from one snapshot.
type RestoreSelection struct {
	Snapshot       Snapshot
	Apps           []RestoreApp
	Categories     []DataCategory
	AllowDowngrade bool
}

// RestoreApps lists the apps of a snapshot. Recorded metadata takes precedence;
// apps only known from snapshot tags fill the gaps so that snapshots created
// before metadata existed can still be restored. installed maps package names
// to installed version codes. The result is sorted by package name.
func RestoreApps(snapshot Snapshot, metadata map[string]AppMetadataEntry, installed map[string]int64) []RestoreApp {
	entries := make(map[string]AppMetadataEntry, len(metadata))
	for pkg, e := range metadata {
		entries[pkg] = e
	}
	for _, e := range SnapshotApps(snapshot) {
		if _, ok := entries[e.PackageName]; !ok {
			entries[e.PackageName] = e
		}
	}

	apps := make([]RestoreApp, 0, len(entries))
	for pkg, e := range entries {
		code, ok := installed[pkg]
		apps = append(apps, RestoreApp{
			PackageName:          pkg,
			VersionName:          e.VersionName,
			BackupVersionCode:    e.VersionCode,
			InstalledVersionCode: code,
			Installed:            ok,
			BackupSizeBytes:      e.BackupSizeBytes,
		})
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].PackageName < apps[j].PackageName })
	return apps
}
