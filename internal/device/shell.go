// Package device implements the privileged boundary to the Android system:
// a root shell, filesystem mutation outside this application's storage, the
// package installer session protocol and the package registry.
package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/hddq/restoid-sub000/internal/restoid"
)

// Runner executes one shell script with elevated privileges and returns its
// standard output.
type Runner interface {
	Run(ctx context.Context, script string) (string, error)
}

// DefaultShell runs scripts through su.
var DefaultShell = []string{"su", "-c"}

// Shell is a Runner that passes each script as the last argument of a shell
// command such as "su -c" or "sh -c".
type Shell struct {
	command []string
	logger  restoid.Logger
}

var _ Runner = (*Shell)(nil)

// NewShell creates a Shell. An empty command means DefaultShell.
func NewShell(command []string, logger restoid.Logger) *Shell {
	if len(command) == 0 {
		command = DefaultShell
	}
	if logger == nil {
		logger = restoid.NewNopLogger()
	}
	return &Shell{command: append([]string(nil), command...), logger: logger}
}

// ShellError is returned when a script exits unsuccessfully.
type ShellError struct {
	Script string
	Stderr string
	Err    error
}

func (e *ShellError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Script, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Script, e.Err, e.Stderr)
}

func (e *ShellError) Unwrap() error { return e.Err }

func (s *Shell) Run(ctx context.Context, script string) (string, error) {
	args := append(append([]string(nil), s.command[1:]...), script)
	cmd := exec.CommandContext(ctx, s.command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug("running shell script", "script", script)
	if err := cmd.Run(); err != nil {
		return stdout.String(), &ShellError{Script: script, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.String(), nil
}

// Quote returns s as a single-quoted shell word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func quoteAll(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = Quote(w)
	}
	return strings.Join(quoted, " ")
}
