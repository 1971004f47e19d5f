// Package command runs the generation command of a mount against a
// single source file.
//
// A template containing the token %f runs in token mode: the token is
// replaced by the absolute source path and the command gets no input.
// The path is inserted as is; templates quote it themselves, as in
// `flac -dc "%f"`. Any other template runs in filter mode with the source content piped
// to its standard input. "%%" stands for a literal "%" in both modes.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gwangyi/cmdfs/internal/config"
)

const (
	// Shell interprets command templates.
	Shell = "/bin/sh"

	// InputFileEnv names the environment variable holding the source
	// path in both modes.
	InputFileEnv = "INPUT_FILE"

	// stderrLimit is how much of the command's standard error is kept.
	stderrLimit = 4096

	// waitDelay bounds how long output pipes are drained after the
	// command exited or was killed.
	waitDelay = 5 * time.Second
)

// ErrExecution is matched by every error returned from a failed run.
var ErrExecution = errors.New("command failed")

// ExecutionError describes a command that could not be started, exited
// with a non-zero status or was killed.
type ExecutionError struct {
	Command  string
	ExitCode int    // -1 when the command did not exit normally
	Stderr   string // tail of the standard error output
	Err      error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("command %q", e.Command)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" exited with status %d", e.ExitCode)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// Source is the file a command runs against.
type Source struct {
	// Path is the absolute path substituted for %f and exported as
	// INPUT_FILE.
	Path string
	// Open returns the content piped to the command in filter mode.
	Open func() (io.ReadCloser, error)
}

// FileSource returns a Source reading the file at path from the local
// filesystem.
func FileSource(path string) Source {
	return Source{
		Path: path,
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// Runner runs a command template against a source file and returns the
// complete standard output.
type Runner interface {
	Run(ctx context.Context, template string, src Source) ([]byte, error)
}

// Executor is the Runner used by a mounted filesystem. Each run gets its
// own process group which is killed as a whole on timeout or when ctx is
// cancelled.
type Executor struct {
	timeout time.Duration
	logger  *zap.Logger
}

var _ Runner = (*Executor)(nil)

// NewExecutor returns an Executor bounding every run by timeout. A zero
// timeout means runs are bounded by their context only.
func NewExecutor(timeout time.Duration, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{timeout: timeout, logger: logger}
}

// Run executes template against src. Standard output is buffered in
// full; standard error is kept separately, truncated to its tail, and
// logged.
func (e *Executor) Run(ctx context.Context, template string, src Source) ([]byte, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	tokenMode := config.HasToken(template, 'f')
	line := config.ExpandTokens(template, map[byte]string{'f': src.Path})

	cmd := exec.CommandContext(ctx, Shell, "-c", line)
	cmd.Env = append(os.Environ(), InputFileEnv+"="+src.Path)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if !tokenMode {
		in, err := src.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", src.Path, err)
		}
		defer in.Close()
		cmd.Stdin = in
	}

	started := time.Now()
	err := cmd.Run()
	if tail := stderr.String(); tail != "" {
		e.logger.Warn("command wrote to stderr",
			zap.String("command", line),
			zap.String("source", src.Path),
			zap.String("stderr", tail))
	}
	if err != nil {
		xerr := &ExecutionError{Command: line, ExitCode: -1, Stderr: stderr.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.Exited() {
			xerr.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			xerr.Err = ctxErr
		}
		return nil, xerr
	}

	e.logger.Debug("command finished",
		zap.String("command", line),
		zap.String("source", src.Path),
		zap.Int("bytes", stdout.Len()),
		zap.Duration("elapsed", time.Since(started)))
	return stdout.Bytes(), nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		return n, nil
	}
	if over := len(t.buf) + len(p) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string {
	return string(bytes.TrimSpace(t.buf))
}
