package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/go-ps"

	"github.com/oshokin/ota-client/internal/domain/ota"
	"github.com/oshokin/ota-client/internal/logger"
)

const (
	// ScopeInit guards reading the sysroot during initialization.
	ScopeInit = "init"
	// ScopeUpdate guards every deployment-affecting change.
	ScopeUpdate = "update"

	// DefaultPollInterval is the delay between attempts on a held scope.
	DefaultPollInterval = 250 * time.Millisecond

	// lockFileMode is the permission of scope files.
	lockFileMode os.FileMode = 0o644

	// lockDirMode is the permission of the lock directory.
	lockDirMode os.FileMode = 0o755
)

var (
	// errInvalidScope is returned for names that are unsafe as file names.
	errInvalidScope = errors.New("invalid lock scope name")
	// errScopeHeld is the retryable condition while another holder owns the scope.
	errScopeHeld = errors.New("lock scope is held")

	scopePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// WaitObserver is told how long each successful acquisition waited.
type WaitObserver func(scope string, waited time.Duration)

// Manager hands out lock scopes stored in one directory.
type Manager struct {
	// dir is where scope files live.
	dir string
	// timeout bounds a single acquisition, zero waits until the context ends.
	timeout time.Duration
	// pollInterval is the delay between attempts.
	pollInterval time.Duration
	// observer receives wait durations, may be nil.
	observer WaitObserver
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds every acquisition.
func WithTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithPollInterval changes the delay between attempts on a held scope.
func WithPollInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.pollInterval = interval
		}
	}
}

// WithWaitObserver reports acquisition wait times.
func WithWaitObserver(observer WaitObserver) Option {
	return func(m *Manager) {
		m.observer = observer
	}
}

// NewManager creates a Manager for scope files in dir.
func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{
		dir:          filepath.Clean(dir),
		pollInterval: DefaultPollInterval,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Dir returns the directory holding the scope files.
func (m *Manager) Dir() string {
	return m.dir
}

// Handle is a held lock scope. Release it exactly once; further calls are no-ops.
type Handle struct {
	scope string
	file  *os.File

	once       sync.Once
	releaseErr error
}

// Scope returns the name of the held scope.
func (h *Handle) Scope() string {
	return h.scope
}

// Release clears the owner record and unlocks the scope.
func (h *Handle) Release() error {
	h.once.Do(func() {
		var result *multierror.Error

		if err := h.file.Truncate(0); err != nil {
			result = multierror.Append(result, fmt.Errorf("clear owner record: %w", err))
		}

		if err := unlockFile(h.file); err != nil {
			result = multierror.Append(result, fmt.Errorf("unlock %s: %w", h.scope, err))
		}

		if err := h.file.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", h.scope, err))
		}

		h.releaseErr = result.ErrorOrNil()
	})

	return h.releaseErr
}

// Acquire blocks until scope is free across all processes, the context ends
// or the configured timeout expires. Failures wrap ota.ErrLockAcquisition.
func (m *Manager) Acquire(ctx context.Context, scope string) (*Handle, error) {
	if !scopePattern.MatchString(scope) {
		return nil, fmt.Errorf("%w: %w: %q", ota.ErrLockAcquisition, errInvalidScope, scope)
	}

	if err := os.MkdirAll(m.dir, lockDirMode); err != nil {
		return nil, fmt.Errorf("%w: create lock directory: %w", ota.ErrLockAcquisition, err)
	}

	waitCtx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc

		waitCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	var (
		started  = time.Now()
		path     = m.path(scope)
		handle   *Handle
		reported bool
	)

	attempt := func() error {
		h, err := tryLock(scope, path)
		if err == nil {
			handle = h
			return nil
		}

		if !errors.Is(err, errScopeHeld) {
			return backoff.Permanent(err)
		}

		if !reported {
			reported = true

			logger.InfoKV(ctx, "Waiting for lock scope", "scope", scope, "holder", describeHolder(path))
		}

		return err
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(m.pollInterval), waitCtx)
	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: scope %q held by %s: %w", ota.ErrLockAcquisition, scope, describeHolder(path), err)
		}

		return nil, fmt.Errorf("%w: scope %q: %w", ota.ErrLockAcquisition, scope, err)
	}

	waited := time.Since(started)
	if m.observer != nil {
		m.observer(scope, waited)
	}

	logger.DebugKV(ctx, "Lock scope acquired", "scope", scope, "waited", waited)

	return handle, nil
}

// TryAcquire makes a single attempt. It returns (nil, false, nil) when the scope is held.
func (m *Manager) TryAcquire(scope string) (*Handle, bool, error) {
	if !scopePattern.MatchString(scope) {
		return nil, false, fmt.Errorf("%w: %w: %q", ota.ErrLockAcquisition, errInvalidScope, scope)
	}

	if err := os.MkdirAll(m.dir, lockDirMode); err != nil {
		return nil, false, fmt.Errorf("%w: create lock directory: %w", ota.ErrLockAcquisition, err)
	}

	h, err := tryLock(scope, m.path(scope))

	switch {
	case err == nil:
		return h, true, nil
	case errors.Is(err, errScopeHeld):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("%w: %w", ota.ErrLockAcquisition, err)
	}
}

// WithLock runs fn while holding scope and releases it on every exit path.
// A release failure is reported together with the error of fn.
func (m *Manager) WithLock(ctx context.Context, scope string, fn func(ctx context.Context) error) (err error) {
	handle, err := m.Acquire(ctx, scope)
	if err != nil {
		return err
	}

	defer func() {
		if releaseErr := handle.Release(); releaseErr != nil {
			logger.ErrorKV(ctx, "Unable to release lock scope", "scope", scope, "error", releaseErr)

			if err == nil {
				err = releaseErr
			} else {
				err = multierror.Append(err, releaseErr)
			}
		}
	}()

	return fn(ctx)
}

// path returns the scope file location.
func (m *Manager) path(scope string) string {
	return filepath.Join(m.dir, scope+".lock")
}

// tryLock opens the scope file and makes one non-blocking lock attempt.
func tryLock(scope, path string) (*Handle, error) {
	file, err := os.OpenFile(filepath.Clean(path), os.O_RDWR|os.O_CREATE, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	held, err := lockFile(file)
	if err != nil || held {
		_ = file.Close()

		if held {
			return nil, errScopeHeld
		}

		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if err = writeOwner(file); err != nil {
		_ = unlockFile(file)
		_ = file.Close()

		return nil, err
	}

	return &Handle{
		scope: scope,
		file:  file,
	}, nil
}

// writeOwner records the current PID in the locked file.
func writeOwner(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("truncate owner record: %w", err)
	}

	if _, err := file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write owner record: %w", err)
	}

	return nil
}

// describeHolder reads the owner record and looks the process up.
func describeHolder(path string) string {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "unknown process"
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if err != nil || pid <= 0 {
		return "unknown process"
	}

	process, err := ps.FindProcess(pid)
	if err != nil {
		return fmt.Sprintf("pid %d", pid)
	}

	if process == nil {
		// The record outlived its writer; the kernel lock is authoritative.
		return fmt.Sprintf("pid %d (stale record)", pid)
	}

	return fmt.Sprintf("pid %d (%s)", pid, process.Executable())
}
