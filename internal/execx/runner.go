// Package execx runs external tools with structured argument lists, bounded
// by a per-invocation timeout. Commands are never passed through a shell.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"git.home.luguber.info/inful/pipmirror/internal/logfields"
)

// ErrTimeout is returned (wrapped) when a command is killed by its deadline.
var ErrTimeout = errors.New("command timed out")

// Spec describes one external invocation.
type Spec struct {
	Program string
	Args    []string
	Dir     string
	Env     map[string]string // appended to the current environment
	Timeout time.Duration     // zero means no deadline
}

// Result holds the combined stdout/stderr of a completed command. The
// wrapped installer reports progress on both streams, so the marker scan
// operates on the interleaved output.
type Result struct {
	Combined string
	ExitCode int
	// Skipped is set when the command was logged but not executed (noop
	// mode or a suppressed program). Marker scans must not treat the
	// empty output of a skipped command as failure.
	Skipped bool
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, spec Spec) (*Result, error)
}

// Options controls dry-run behavior.
type Options struct {
	// Noop logs every command without executing anything.
	Noop bool
	// Suppress skips execution for matching programs (e.g. pip under
	// --no-pip) while still allowing other tools to run.
	Suppress func(program string) bool
	// Verbose echoes full captured output at Info instead of Debug.
	Verbose bool
}

// CommandRunner is the default Runner implementation on os/exec.
type CommandRunner struct {
	opts Options
}

// NewRunner creates a CommandRunner.
func NewRunner(opts Options) *CommandRunner {
	return &CommandRunner{opts: opts}
}

// Run executes the spec and captures combined output. A deadline overrun is
// reported as ErrTimeout; a non-zero exit is not an error by itself (the
// caller decides via markers or exit code).
func (r *CommandRunner) Run(ctx context.Context, spec Spec) (*Result, error) {
	display := spec.Program + " " + strings.Join(spec.Args, " ")
	slog.Debug("Run", logfields.Command(display), logfields.Path(spec.Dir))

	if r.opts.Noop {
		slog.Info("Skipping command (noop)", logfields.Command(display))
		return &Result{Skipped: true}, nil
	}
	if r.opts.Suppress != nil && r.opts.Suppress(spec.Program) {
		slog.Info("Skipping command (suppressed)", logfields.Command(display))
		return &Result{Skipped: true}, nil
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Program, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := &Result{Combined: combined.String()}
	switch {
	case err == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
	}

	level := slog.LevelDebug
	if r.opts.Verbose {
		level = slog.LevelInfo
	}
	slog.Log(ctx, level, "Command finished",
		logfields.Command(display),
		slog.Int("exit_code", result.ExitCode),
		logfields.DurationMS(float64(elapsed.Milliseconds())),
		slog.String("output", strings.TrimSpace(result.Combined)))

	if runCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("%s after %s: %w", display, spec.Timeout, ErrTimeout)
	}
	// A canceled parent context killed the command; the partial output
	// must not reach marker scanning as if the tool had finished.
	if ctx.Err() != nil {
		return result, fmt.Errorf("%s interrupted: %w", display, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit: the installer routinely exits non-zero with
			// useful output; marker scanning decides success.
			return result, nil
		}
		return result, fmt.Errorf("run %s: %w", display, err)
	}
	return result, nil
}

// IsTimeout reports whether err wraps ErrTimeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
