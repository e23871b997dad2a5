package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oshokin/ota-client/internal/domain/ota"
	"github.com/oshokin/ota-client/internal/logger"
)

const (
	// maxOutputBytes is the maximum number of bytes captured per output stream.
	maxOutputBytes = 1 << 20

	// waitDelay bounds how long Wait keeps reading output after the tool is killed.
	waitDelay = 5 * time.Second
)

// StatusFunc receives intermediate output lines of a running tool.
type StatusFunc func(line string)

// Result is the outcome of a tool invocation that was launched successfully.
type Result struct {
	// Output is the captured standard output.
	Output string
	// Stderr is the captured standard error.
	Stderr string
	// ExitCode is the process exit status.
	ExitCode int
	// Success is true when the tool exited with status 0.
	Success bool
	// Truncated is set when either stream exceeded the capture limit.
	Truncated bool
}

// Err converts an unsuccessful result into an *ota.ToolError, nil otherwise.
func (r *Result) Err(args []string) error {
	if r.Success {
		return nil
	}

	output := r.Stderr
	if strings.TrimSpace(output) == "" {
		output = r.Output
	}

	return &ota.ToolError{
		Args:     args,
		Output:   output,
		ExitCode: r.ExitCode,
	}
}

// Runner launches the deployment tool.
type Runner interface {
	Run(ctx context.Context, args []string, onStatus StatusFunc) (*Result, error)
}

// Exec runs a fixed executable with the provided arguments.
type Exec struct {
	// path is the executable name or absolute path.
	path string
	// timeout bounds a single run, zero disables the limit.
	timeout time.Duration
}

// NewExec creates a Runner for the executable at path.
func NewExec(path string, timeout time.Duration) *Exec {
	return &Exec{
		path:    path,
		timeout: timeout,
	}
}

// Run executes the tool and waits for it to exit.
// Launch failures and timeouts are reported as ota.ErrProcessSpawn;
// a non-zero exit is reported through Result.Success.
func (e *Exec) Run(ctx context.Context, args []string, onStatus StatusFunc) (*Result, error) {
	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	//nolint:gosec // The executable comes from configuration, arguments are built internally.
	cmd := exec.CommandContext(runCtx, e.path, args...)
	cmd.WaitDelay = waitDelay

	stdout := &statusWriter{
		limitWriter: limitWriter{limit: maxOutputBytes},
		onStatus:    onStatus,
	}
	stderr := &limitWriter{limit: maxOutputBytes}

	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.DebugKV(ctx, "Running deployment tool", "tool", e.path, "args", args)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ota.ErrProcessSpawn, e.path, err)
	}

	waitErr := cmd.Wait()

	stdout.flush()

	if ctxErr := runCtx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %s", ota.ErrProcessTimeout, e.timeout, strings.Join(args, " "))
		}

		return nil, fmt.Errorf("%w: %w", ota.ErrProcessSpawn, ctxErr)
	}

	result := &Result{
		Output:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	var exitErr *exec.ExitError

	switch {
	case waitErr == nil:
		result.Success = true
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("%w: wait: %w", ota.ErrProcessSpawn, waitErr)
	}

	logger.DebugKV(ctx, "Deployment tool exited", "args", args, "exit_code", result.ExitCode)

	return result, nil
}

// statusWriter captures stdout and forwards every complete line to onStatus.
// Progress output separated by carriage returns is split as well.
type statusWriter struct {
	limitWriter

	onStatus StatusFunc
	pending  []byte
}

// Write captures p and emits the lines it completes.
func (w *statusWriter) Write(p []byte) (int, error) {
	if _, err := w.limitWriter.Write(p); err != nil {
		return 0, err
	}

	if w.onStatus == nil {
		return len(p), nil
	}

	w.pending = append(w.pending, p...)

	for {
		i := bytes.IndexAny(w.pending, "\r\n")
		if i < 0 {
			break
		}

		w.emit(w.pending[:i])
		w.pending = w.pending[i+1:]
	}

	if len(w.pending) > maxOutputBytes {
		w.pending = w.pending[:0]
	}

	return len(p), nil
}

// flush emits the trailing line that had no terminator.
func (w *statusWriter) flush() {
	if w.onStatus == nil || len(w.pending) == 0 {
		return
	}

	w.emit(w.pending)
	w.pending = nil
}

func (w *statusWriter) emit(line []byte) {
	if text := strings.TrimSpace(string(line)); text != "" {
		w.onStatus(text)
	}
}

// limitWriter keeps the first limit bytes written to it and discards the rest.
type limitWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// Write stores as much of p as fits and always reports a full write.
func (w *limitWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	remaining := w.limit - w.buf.Len()
	if remaining < len(p) {
		w.truncated = true
	}

	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	w.buf.Write(toWrite)

	return len(p), nil
}

// Truncated reports whether any bytes were discarded.
func (w *limitWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.truncated
}

// String returns the captured bytes.
func (w *limitWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.buf.String()
}
