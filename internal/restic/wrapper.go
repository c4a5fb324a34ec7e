// Package restic runs the restic binary as a subprocess. It is the only place
// that knows restic's command line and JSON output formats.
package restic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hddq/restoid-sub000/internal/restoid"
)

// PinnedVersion is the restic release whose JSON output this package decodes.
const PinnedVersion = "0.17.3"

// exitSnapshotIncomplete is restic's exit code for a backup that produced a
// snapshot but could not read some source files.
const exitSnapshotIncomplete = 3

// maxLineSize bounds a single output line. Status lines list current files
// and can get long.
const maxLineSize = 1 << 20

// Options configure a Wrapper.
type Options struct {
	// Binary is the path of the restic executable.
	Binary string
	// CacheDir is passed as --cache-dir when set.
	CacheDir string
	Logger   restoid.Logger
}

// Wrapper executes restic commands. Each call creates an independent process,
// so a Wrapper is safe for concurrent use.
type Wrapper struct {
	binary   string
	cacheDir string
	logger   restoid.Logger
}

var _ restoid.Tool = (*Wrapper)(nil)

// New creates a Wrapper.
func New(opts Options) *Wrapper {
	if opts.Binary == "" {
		opts.Binary = "restic"
	}
	if opts.Logger == nil {
		opts.Logger = restoid.NewNopLogger()
	}
	return &Wrapper{binary: opts.Binary, cacheDir: opts.CacheDir, logger: opts.Logger}
}

// CommandError describes a restic invocation that exited unsuccessfully.
type CommandError struct {
	Command  string
	ExitCode int
	// Message is restic's own explanation, taken from its exit_error message
	// or the last line it wrote to stderr.
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("restic %s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("restic %s: %v: %s", e.Command, e.Err, e.Message)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Version returns the version of the restic binary, e.g. "0.17.3".
func (w *Wrapper) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, w.binary, "version").Output()
	if err != nil {
		return "", fmt.Errorf("running restic version: %w", err)
	}
	// restic 0.17.3 compiled with go1.23.3 on linux/arm64
	fields := strings.Fields(string(out))
	if len(fields) < 2 || fields[0] != "restic" {
		return "", fmt.Errorf("unexpected restic version output: %q", strings.TrimSpace(string(out)))
	}
	return fields[1], nil
}

// CheckVersion logs a warning when the binary is not the pinned version.
func (w *Wrapper) CheckVersion(ctx context.Context) (string, error) {
	v, err := w.Version(ctx)
	if err != nil {
		return "", err
	}
	if v != PinnedVersion {
		w.logger.Warn("restic version differs from the pinned version; progress output may not be understood",
			"version", v, "pinned", PinnedVersion)
	}
	return v, nil
}

// Init creates a new repository.
func (w *Wrapper) Init(ctx context.Context, repo restoid.Repository) error {
	_, err := w.output(ctx, repo, "init", "--json")
	return err
}

// Backup implements restoid.Tool.
func (w *Wrapper) Backup(ctx context.Context, repo restoid.Repository, cmd restoid.BackupCommand, onLine restoid.LineFunc) error {
	args := []string{"backup", "--json"}
	for _, tag := range cmd.Tags {
		args = append(args, "--tag", tag)
	}
	for _, ex := range cmd.Excludes {
		args = append(args, "--exclude", ex)
	}
	if cmd.Host != "" {
		args = append(args, "--host", cmd.Host)
	}
	args = append(args, "--")
	args = append(args, cmd.Paths...)

	err := w.stream(ctx, repo, args, onLine)
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode == exitSnapshotIncomplete {
		w.logger.Warn("backup completed but some files could not be read", "message", cmdErr.Message)
		return nil
	}
	return err
}

// Restore implements restoid.Tool.
func (w *Wrapper) Restore(ctx context.Context, repo restoid.Repository, cmd restoid.RestoreCommand, onLine restoid.LineFunc) error {
	args := []string{"restore", cmd.SnapshotID, "--json", "--target", cmd.Target}
	for _, inc := range cmd.Includes {
		args = append(args, "--include", inc)
	}
	return w.stream(ctx, repo, args, onLine)
}

type snapshotJSON struct {
	ID       string    `json:"id"`
	ShortID  string    `json:"short_id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Paths    []string  `json:"paths"`
	Tags     []string  `json:"tags"`
}

// Snapshots implements restoid.Tool. Only snapshots carrying every tag are
// returned.
func (w *Wrapper) Snapshots(ctx context.Context, repo restoid.Repository, tags []string) ([]restoid.Snapshot, error) {
	args := []string{"snapshots", "--json", "--no-lock"}
	if len(tags) > 0 {
		args = append(args, "--tag", strings.Join(tags, ","))
	}
	out, err := w.output(ctx, repo, args...)
	if err != nil {
		return nil, err
	}

	var raw []snapshotJSON
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parsing snapshots output: %w", err)
	}
	snapshots := make([]restoid.Snapshot, 0, len(raw))
	for _, s := range raw {
		snapshots = append(snapshots, restoid.Snapshot{
			ID:       s.ID,
			ShortID:  s.ShortID,
			Time:     s.Time,
			Hostname: s.Hostname,
			Paths:    s.Paths,
			Tags:     s.Tags,
		})
	}
	return snapshots, nil
}

// Forget implements restoid.Tool. A keep-last policy is applied across all
// snapshots matching the tags, regardless of host or paths.
func (w *Wrapper) Forget(ctx context.Context, repo restoid.Repository, opts restoid.ForgetOptions) error {
	if len(opts.SnapshotIDs) == 0 && opts.KeepLast <= 0 {
		return errors.New("forget needs snapshot ids or a keep-last policy")
	}
	args := []string{"forget"}
	if len(opts.Tags) > 0 {
		args = append(args, "--tag", strings.Join(opts.Tags, ","))
	}
	if opts.KeepLast > 0 {
		args = append(args, "--keep-last", strconv.Itoa(opts.KeepLast), "--group-by", "")
	}
	if opts.Prune {
		args = append(args, "--prune")
	}
	args = append(args, opts.SnapshotIDs...)
	_, err := w.output(ctx, repo, args...)
	return err
}

// Check verifies the repository structure.
func (w *Wrapper) Check(ctx context.Context, repo restoid.Repository) error {
	_, err := w.output(ctx, repo, "check")
	return err
}

// Prune removes unreferenced data.
func (w *Wrapper) Prune(ctx context.Context, repo restoid.Repository) error {
	_, err := w.output(ctx, repo, "prune")
	return err
}

// Unlock removes stale locks.
func (w *Wrapper) Unlock(ctx context.Context, repo restoid.Repository) error {
	_, err := w.output(ctx, repo, "unlock")
	return err
}

// ChangePassword replaces the repository key password.
func (w *Wrapper) ChangePassword(ctx context.Context, repo restoid.Repository, newPassword string) error {
	pw, err := writePasswordFile(newPassword)
	if err != nil {
		return err
	}
	defer pw.remove(w.logger)
	_, err = w.output(ctx, repo, "key", "passwd", "--new-password-file", pw.path)
	return err
}

// RepositoryID returns the repository's unique identifier from its config.
func (w *Wrapper) RepositoryID(ctx context.Context, repo restoid.Repository) (string, error) {
	out, err := w.output(ctx, repo, "cat", "config", "--no-lock")
	if err != nil {
		return "", err
	}
	var cfg struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out, &cfg); err != nil {
		return "", fmt.Errorf("parsing repository config: %w", err)
	}
	if cfg.ID == "" {
		return "", errors.New("repository config has no id")
	}
	return cfg.ID, nil
}

// output runs a command to completion and returns its stdout.
func (w *Wrapper) output(ctx context.Context, repo restoid.Repository, args ...string) ([]byte, error) {
	var stdout bytes.Buffer
	err := w.run(ctx, repo, args, func(c *exec.Cmd) (func() error, error) {
		c.Stdout = &stdout
		return func() error { return nil }, nil
	})
	if err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

// stream runs a command and hands every stdout line to onLine as it arrives.
// onLine is always called from the calling goroutine.
func (w *Wrapper) stream(ctx context.Context, repo restoid.Repository, args []string, onLine restoid.LineFunc) error {
	return w.run(ctx, repo, args, func(c *exec.Cmd) (func() error, error) {
		stdout, err := c.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("opening stdout pipe: %w", err)
		}
		return func() error {
			err := readLines(stdout, func(line string) {
				if onLine != nil {
					onLine(line)
				}
			}, w.logger)
			// restic blocks on a full pipe, so keep draining until it exits.
			_, _ = io.Copy(io.Discard, stdout)
			return err
		}, nil
	})
}

// readLines hands each line of r to fn until EOF. Lines longer than
// maxLineSize are dropped, since no message of interest gets that long.
func readLines(r io.Reader, fn func(string), logger restoid.Logger) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	oversized := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > maxLineSize {
				oversized = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if oversized {
			logger.Debug("skipping oversized restic output line")
		} else if len(line) > 0 {
			fn(strings.TrimRight(string(line), "\r\n"))
		}
		line = line[:0]
		oversized = false
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// run starts restic with the repository credentials, reads its output with
// the function returned by attach and waits for it to exit. The password file exists only while the process
// runs.
func (w *Wrapper) run(ctx context.Context, repo restoid.Repository, args []string, attach func(*exec.Cmd) (func() error, error)) error {
	pw, err := writePasswordFile(repo.Password)
	if err != nil {
		return err
	}
	defer pw.remove(w.logger)

	full := []string{"--repo", repo.Location, "--password-file", pw.path}
	if w.cacheDir != "" {
		full = append(full, "--cache-dir", w.cacheDir)
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, w.binary, full...)
	cmd.Env = cmd.Environ()
	for k, v := range repo.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	consume, err := attach(cmd)
	if err != nil {
		return err
	}

	w.logger.Debug("running restic", "command", args[0], "repository", repo.Name)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting restic: %w", err)
	}
	readErr := consume()
	waitErr := cmd.Wait()

	if waitErr != nil {
		cmdErr := &CommandError{Command: args[0], Err: waitErr, Message: stderrMessage(stderr.String())}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
		}
		return cmdErr
	}
	if readErr != nil {
		return fmt.Errorf("reading restic output: %w", readErr)
	}
	return nil
}

// stderrMessage extracts the most useful error text from restic's stderr:
// the exit_error message when present, else the last non-empty line.
func stderrMessage(stderr string) string {
	var last string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if u, ok := restoid.ParseStatusLine(line); ok && u.MessageType == restoid.MessageExitError {
			return u.ErrorMessage
		}
		last = line
	}
	return last
}
