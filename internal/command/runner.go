// Package command runs shell commands on behalf of rules and the undo
// engine.
package command

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/stonix-project/stonix/pkg/errclass"
	"github.com/stonix-project/stonix/pkg/logging"
)

// DefaultShell interprets command strings.
const DefaultShell = "/bin/sh"

// Result is the outcome of one command that was started.
type Result struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Success reports a zero exit status.
func (r *Result) Success() bool { return r.ExitCode == 0 }

// Err returns E_COMMAND_FAILED for a non-zero exit status.
func (r *Result) Err() error {
	if r.Success() {
		return nil
	}
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Stdout)
	}
	return errclass.ErrCommandFailed.WithMessagef("%q exited %d: %s", r.Command, r.ExitCode, msg)
}

// Runner executes a command string. A non-zero exit is reported through
// Result, not the error; the error is for commands that could not run.
type Runner interface {
	Run(ctx context.Context, command string, stdin []byte) (*Result, error)
}

// Exec runs command and folds a non-zero exit into the returned error.
func Exec(ctx context.Context, r Runner, command string, stdin []byte) (*Result, error) {
	res, err := r.Run(ctx, command, stdin)
	if err != nil {
		return res, err
	}
	return res, res.Err()
}

// ShellRunner runs commands through a POSIX shell.
type ShellRunner struct {
	Shell string
	Env   []string
	log   *logging.Logger
}

// NewShellRunner returns a runner using DefaultShell.
func NewShellRunner(log *logging.Logger) *ShellRunner {
	if log == nil {
		log = logging.Discard()
	}
	return &ShellRunner{Shell: DefaultShell, log: log.Component("command")}
}

// Run implements Runner.
func (s *ShellRunner) Run(ctx context.Context, command string, stdin []byte) (*Result, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errclass.ErrCommandFailed.WithMessage("empty command")
	}
	cmd := exec.CommandContext(ctx, s.Shell, "-c", command)
	if s.Env != nil {
		cmd.Env = s.Env
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, errclass.ErrCommandFailed.WithMessagef("start %q: %v", command, err)
	}

	s.log.Debug("command finished", map[string]any{
		"command":     command,
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res, nil
}
