package staging

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/hddq/restoid-sub000/internal/config"
)

func newTestArea(t *testing.T) *FileSystemStagingArea {
	t.Helper()
	s, err := NewFileSystemStagingArea(filepath.Join(t.TempDir(), "staging"))
	if err != nil {
		t.Fatalf("NewFileSystemStagingArea() error = %v", err)
	}
	return s
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestFileSystemStagingArea_Create(t *testing.T) {
	s := newTestArea(t)

	dir, err := s.Create("op-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if dir != filepath.Join(s.Root(), "op-1") {
		t.Errorf("Create() = %q, want below root", dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("mode = %o, want 700", info.Mode().Perm())
	}

	if _, err := s.Create("op-1"); err == nil {
		t.Error("Create() expected error for an existing directory")
	}
	for _, bad := range []string{"", "../escape", "a/b", ".hidden"} {
		if _, err := s.Create(bad); err == nil {
			t.Errorf("Create(%q) expected error", bad)
		}
	}
}

func TestFileSystemStagingArea_PackageFiles(t *testing.T) {
	s := newTestArea(t)
	dir, err := s.Create("op-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	appDir := filepath.Join(dir, "data", "app", "~~rand==", "org.example.notes-abc==")
	writeFile(t, filepath.Join(appDir, "split_config.xxhdpi.apk"))
	writeFile(t, filepath.Join(appDir, "base.apk"))
	writeFile(t, filepath.Join(appDir, "split_config.arm64_v8a.apk"))
	writeFile(t, filepath.Join(appDir, "lib", "arm64", "libnative.so"))
	writeFile(t, filepath.Join(dir, "data", "app", "~~other==", "org.example.notes2-x==", "base.apk"))
	if err := os.Symlink(filepath.Join(appDir, "base.apk"), filepath.Join(appDir, "link.apk")); err != nil {
		t.Fatalf("Symlink() error = %v", err)
	}

	t.Run("base first then sorted splits", func(t *testing.T) {
		got, err := s.PackageFiles(dir, "org.example.notes")
		if err != nil {
			t.Fatalf("PackageFiles() error = %v", err)
		}
		want := []string{
			filepath.Join(appDir, "base.apk"),
			filepath.Join(appDir, "split_config.arm64_v8a.apk"),
			filepath.Join(appDir, "split_config.xxhdpi.apk"),
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("PackageFiles() = %v, want %v", got, want)
		}
	})

	t.Run("unknown package", func(t *testing.T) {
		got, err := s.PackageFiles(dir, "com.example.missing")
		if err != nil {
			t.Fatalf("PackageFiles() error = %v", err)
		}
		if len(got) != 0 {
			t.Errorf("PackageFiles() = %v, want empty", got)
		}
	})

	t.Run("nothing staged under data/app", func(t *testing.T) {
		empty, err := s.Create("op-2")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		got, err := s.PackageFiles(empty, "org.example.notes")
		if err != nil {
			t.Fatalf("PackageFiles() error = %v", err)
		}
		if len(got) != 0 {
			t.Errorf("PackageFiles() = %v, want empty", got)
		}
	})
}

func TestFileSystemStagingArea_Locate(t *testing.T) {
	s := newTestArea(t)
	dir, err := s.Create("op-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	writeFile(t, filepath.Join(dir, "data", "data", "org.example.notes", "shared_prefs", "a.xml"))

	got, ok, err := s.Locate(dir, "/data/data/org.example.notes")
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if !ok {
		t.Error("Locate() ok = false, want true")
	}
	if got != filepath.Join(dir, "data", "data", "org.example.notes") {
		t.Errorf("Locate() = %q", got)
	}

	_, ok, err = s.Locate(dir, "/data/user_de/0/org.example.notes")
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if ok {
		t.Error("Locate() ok = true for a path not staged")
	}

	escaped, _, err := s.Locate(dir, "/../../etc")
	if err != nil {
		t.Fatalf("Locate() error = %v", err)
	}
	if escaped != filepath.Join(dir, "etc") {
		t.Errorf("Locate() = %q, want the path kept inside the staging directory", escaped)
	}
}

func TestFileSystemStagingArea_RemoveAndSweep(t *testing.T) {
	s := newTestArea(t)
	dir, err := s.Create("op-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	writeFile(t, filepath.Join(dir, "data", "data", "pkg", "file"))

	if err := s.Remove(filepath.Dir(s.Root())); err == nil {
		t.Error("Remove() expected error outside the staging root")
	}
	if err := s.Remove(dir); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("directory still exists: %v", err)
	}

	stale, err := s.Create("op-2")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	removed, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(removed) != 1 || removed[0] != stale {
		t.Errorf("Sweep() = %v, want [%s]", removed, stale)
	}
}

func TestNewStagingAreaFromConfig(t *testing.T) {
	if _, err := NewStagingAreaFromConfig(config.StagingConfig{}); err == nil {
		t.Error("NewStagingAreaFromConfig() expected error without dir")
	}
	dir := filepath.Join(t.TempDir(), "staging")
	got, err := NewStagingAreaFromConfig(config.StagingConfig{Dir: dir})
	if err != nil {
		t.Fatalf("NewStagingAreaFromConfig() error = %v", err)
	}
	if got.Root() != dir {
		t.Errorf("Root() = %q, want %q", got.Root(), dir)
	}
}
