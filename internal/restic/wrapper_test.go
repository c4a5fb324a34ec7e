package restic_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hddq/restoid-sub000/internal/restic"
	"github.com/hddq/restoid-sub000/internal/restoid"
)

// fakeRestic writes a shell script standing in for restic. The script records
// its arguments, the password it was handed and the mode of the password file
// into dir, then runs body.
func fakeRestic(t *testing.T, body string) (*restic.Wrapper, string) {
	t.Helper()
	dir := t.TempDir()
	script := `#!/bin/sh
out="` + dir + `"
printf '%s\n' "$@" > "$out/args"
printf '%s' "$FAKE_ENV" > "$out/env"
prev=""
for a in "$@"; do
  if [ "$prev" = "--password-file" ]; then
    cat "$a" > "$out/password"
    printf '%s' "$a" > "$out/password_path"
    stat -c %a "$a" > "$out/password_mode"
  fi
  prev="$a"
done
` + body + "\n"
	bin := filepath.Join(dir, "restic")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake restic: %v", err)
	}
	return restic.New(restic.Options{Binary: bin}), dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(b)
}

func recordedArgs(t *testing.T, dir string) []string {
	t.Helper()
	return strings.Split(strings.TrimSuffix(readFile(t, filepath.Join(dir, "args")), "\n"), "\n")
}

var testRepo = restoid.Repository{
	Name:     "test",
	Location: "/srv/repo",
	Password: "correct horse",
	Env:      map[string]string{"FAKE_ENV": "from-repo"},
}

func TestWrapper_Backup(t *testing.T) {
	w, dir := fakeRestic(t, `
echo "open repository"
echo '{"message_type":"status","percent_done":0.5}'
echo '{"message_type":"summary","snapshot_id":"abc123"}'
`)

	var lines []string
	cmd := restoid.BackupCommand{
		Paths:    []string{"/data/data/com.example", "/data/app/x/com.example-1"},
		Tags:     []string{"restoid", "com.example|1.0|1"},
		Excludes: []string{"/data/data/com.example/cache"},
		Host:     "pixel",
	}
	if err := w.Backup(context.Background(), testRepo, cmd, func(l string) { lines = append(lines, l) }); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	if len(lines) != 3 || lines[2] != `{"message_type":"summary","snapshot_id":"abc123"}` {
		t.Errorf("lines = %q", lines)
	}

	args := recordedArgs(t, dir)
	pwPath := readFile(t, filepath.Join(dir, "password_path"))
	want := []string{
		"--repo", "/srv/repo", "--password-file", pwPath,
		"backup", "--json",
		"--tag", "restoid", "--tag", "com.example|1.0|1",
		"--exclude", "/data/data/com.example/cache",
		"--host", "pixel",
		"--", "/data/data/com.example", "/data/app/x/com.example-1",
	}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %q, want %q", args, want)
	}

	if got := readFile(t, filepath.Join(dir, "password")); got != "correct horse" {
		t.Errorf("password = %q", got)
	}
	if got := strings.TrimSpace(readFile(t, filepath.Join(dir, "password_mode"))); got != "600" {
		t.Errorf("password file mode = %s, want 600", got)
	}
	if _, err := os.Stat(pwPath); !os.IsNotExist(err) {
		t.Errorf("password file still exists after run: %v", err)
	}
	if got := readFile(t, filepath.Join(dir, "env")); got != "from-repo" {
		t.Errorf("repository env = %q, want from-repo", got)
	}
}

func TestWrapper_BackupIncompleteSnapshot(t *testing.T) {
	w, _ := fakeRestic(t, `
echo '{"message_type":"summary","snapshot_id":"abc123"}'
echo '{"message_type":"exit_error","code":3,"message":"Warning: at least one source file could not be read"}' >&2
exit 3
`)
	if err := w.Backup(context.Background(), testRepo, restoid.BackupCommand{Paths: []string{"/x"}}, nil); err != nil {
		t.Fatalf("Backup() error = %v, want nil for incomplete snapshot", err)
	}
}

func TestWrapper_BackupOversizedLine(t *testing.T) {
	w, _ := fakeRestic(t, `
echo '{"message_type":"status","percent_done":0.1}'
head -c 2097152 /dev/zero | tr '\0' 'x'
echo
echo '{"message_type":"summary","snapshot_id":"abc123"}'
head -c 262144 /dev/zero | tr '\0' 'y'
echo
`)

	var lines []string
	done := make(chan error, 1)
	go func() {
		done <- w.Backup(context.Background(), testRepo, restoid.BackupCommand{Paths: []string{"/x"}}, func(l string) {
			lines = append(lines, l)
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Backup() did not return after an oversized output line")
	}

	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3 (oversized line dropped)", len(lines))
	}
	if lines[1] != `{"message_type":"summary","snapshot_id":"abc123"}` {
		t.Errorf("lines[1] = %.80q, want the summary", lines[1])
	}
	if len(lines[2]) != 262144 {
		t.Errorf("len(lines[2]) = %d, want 262144", len(lines[2]))
	}
}

func TestWrapper_CommandError(t *testing.T) {
	w, _ := fakeRestic(t, `
echo "some log line" >&2
echo '{"message_type":"exit_error","code":12,"message":"Fatal: wrong password or no key found"}' >&2
exit 12
`)

	err := w.Restore(context.Background(), testRepo, restoid.RestoreCommand{SnapshotID: "abc", Target: t.TempDir()}, nil)
	var cmdErr *restic.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Restore() error = %v, want CommandError", err)
	}
	if cmdErr.ExitCode != 12 || cmdErr.Command != "restore" {
		t.Errorf("CommandError = %+v", cmdErr)
	}
	if cmdErr.Message != "Fatal: wrong password or no key found" {
		t.Errorf("Message = %q", cmdErr.Message)
	}
}

func TestWrapper_Restore(t *testing.T) {
	w, dir := fakeRestic(t, `echo '{"message_type":"summary","files_restored":1}'`)
	target := t.TempDir()

	cmd := restoid.RestoreCommand{SnapshotID: "abc", Target: target, Includes: []string{"/data/data/a", "/data/data/b"}}
	if err := w.Restore(context.Background(), testRepo, cmd, nil); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	args := recordedArgs(t, dir)
	want := []string{"restore", "abc", "--json", "--target", target, "--include", "/data/data/a", "--include", "/data/data/b"}
	if !reflect.DeepEqual(args[4:], want) {
		t.Errorf("args = %q, want %q", args[4:], want)
	}
}

func TestWrapper_Snapshots(t *testing.T) {
	w, dir := fakeRestic(t, `cat <<'JSON'
[{"id":"aaaa1111","short_id":"aaaa","time":"2024-01-15T10:30:00Z","hostname":"pixel","paths":["/data/data/com.example"],"tags":["restoid","com.example|1.0|1"]}]
JSON`)

	snaps, err := w.Snapshots(context.Background(), testRepo, []string{"restoid", "x"})
	if err != nil {
		t.Fatalf("Snapshots() error = %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	s := snaps[0]
	if s.ID != "aaaa1111" || s.ShortID != "aaaa" || s.Hostname != "pixel" || !s.HasTag("restoid") || s.Time.Year() != 2024 {
		t.Errorf("snapshot = %+v", s)
	}

	args := recordedArgs(t, dir)
	want := []string{"snapshots", "--json", "--no-lock", "--tag", "restoid,x"}
	if !reflect.DeepEqual(args[4:], want) {
		t.Errorf("args = %q, want %q", args[4:], want)
	}
}

func TestWrapper_Forget(t *testing.T) {
	w, dir := fakeRestic(t, "")

	err := w.Forget(context.Background(), testRepo, restoid.ForgetOptions{Tags: []string{"restoid_metadata"}, KeepLast: 5, Prune: true})
	if err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	want := []string{"forget", "--tag", "restoid_metadata", "--keep-last", "5", "--group-by", "", "--prune"}
	if args := recordedArgs(t, dir); !reflect.DeepEqual(args[4:], want) {
		t.Errorf("args = %q, want %q", args[4:], want)
	}

	if err := w.Forget(context.Background(), testRepo, restoid.ForgetOptions{}); err == nil {
		t.Error("Forget() without ids or policy expected error")
	}
}

func TestWrapper_RepositoryID(t *testing.T) {
	w, _ := fakeRestic(t, `echo '{"version":2,"id":"5f0c3f6b2a","chunker_polynomial":"3dc2c8f3f9a1b3"}'`)

	id, err := w.RepositoryID(context.Background(), testRepo)
	if err != nil {
		t.Fatalf("RepositoryID() error = %v", err)
	}
	if id != "5f0c3f6b2a" {
		t.Errorf("RepositoryID() = %q", id)
	}
}

func TestWrapper_ChangePassword(t *testing.T) {
	w, dir := fakeRestic(t, `
prev=""
for a in "$@"; do
  if [ "$prev" = "--new-password-file" ]; then cat "$a" > "$out/new_password"; fi
  prev="$a"
done
`)
	if err := w.ChangePassword(context.Background(), testRepo, "battery staple"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}
	if got := readFile(t, filepath.Join(dir, "new_password")); got != "battery staple" {
		t.Errorf("new password = %q", got)
	}
}

func TestWrapper_Version(t *testing.T) {
	w, _ := fakeRestic(t, `echo "restic 0.17.3 compiled with go1.23.3 on linux/arm64"`)

	v, err := w.CheckVersion(context.Background())
	if err != nil {
		t.Fatalf("CheckVersion() error = %v", err)
	}
	if v != restic.PinnedVersion {
		t.Errorf("version = %q, want %q", v, restic.PinnedVersion)
	}
}

func TestWrapper_Cancelled(t *testing.T) {
	w, _ := fakeRestic(t, "sleep 5")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Backup(ctx, testRepo, restoid.BackupCommand{Paths: []string{"/x"}}, nil); err == nil {
		t.Fatal("Backup() with cancelled context expected error")
	}
}
