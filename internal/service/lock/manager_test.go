package lock

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/ota-client/internal/domain/ota"
)

const helperEnv = "OTA_LOCK_HELPER_DIR"

var errTestOperation = errors.New("test operation failed")

// TestHelperProcess holds a scope until it is killed; it only runs when spawned by a test.
func TestHelperProcess(t *testing.T) {
	dir := os.Getenv(helperEnv)
	if dir == "" {
		t.Skip("helper process only")
	}

	handle, err := NewManager(dir).Acquire(context.Background(), "update")
	if err != nil {
		os.Exit(2)
	}

	_ = handle

	_, _ = os.Stdout.WriteString("locked\n")

	time.Sleep(time.Minute)
	os.Exit(0)
}

// TestAcquireRelease verifies a released scope can be acquired again and records the owner PID.
func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewManager(dir)

	handle, err := m.Acquire(context.Background(), "update")
	require.NoError(t, err)
	require.Equal(t, "update", handle.Scope())

	contents, err := os.ReadFile(filepath.Join(dir, "update.lock"))
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(contents)))

	require.NoError(t, handle.Release())
	require.NoError(t, handle.Release())

	again, ok, err := m.TryAcquire("update")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, again.Release())
}

// TestAcquire_ExcludesWithinProcess ensures two handles of one scope never coexist, even in one process.
func TestAcquire_ExcludesWithinProcess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := NewManager(dir)
	second := NewManager(dir, WithPollInterval(10*time.Millisecond))

	handle, err := first.Acquire(context.Background(), "update")
	require.NoError(t, err)

	_, ok, err := second.TryAcquire("update")
	require.NoError(t, err)
	require.False(t, ok)

	// Another scope is independent.
	other, ok, err := second.TryAcquire("init")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, other.Release())

	acquired := make(chan *Handle)

	go func() {
		h, acquireErr := second.Acquire(context.Background(), "update")
		if acquireErr == nil {
			acquired <- h
		}
	}()

	select {
	case <-acquired:
		t.Fatal("scope acquired while held")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, handle.Release())

	select {
	case h := <-acquired:
		require.NoError(t, h.Release())
	case <-time.After(5 * time.Second):
		t.Fatal("scope not acquired after release")
	}
}

// TestAcquire_Timeout reports ErrLockAcquisition with the holder when the wait expires.
func TestAcquire_Timeout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	handle, err := NewManager(dir).Acquire(context.Background(), "update")
	require.NoError(t, err)

	defer func() {
		require.NoError(t, handle.Release())
	}()

	m := NewManager(dir, WithTimeout(50*time.Millisecond), WithPollInterval(10*time.Millisecond))

	_, err = m.Acquire(context.Background(), "update")
	require.ErrorIs(t, err, ota.ErrLockAcquisition)
	require.Contains(t, err.Error(), "pid "+strconv.Itoa(os.Getpid()))
}

// TestAcquire_InvalidScope rejects names that are unsafe as file names.
func TestAcquire_InvalidScope(t *testing.T) {
	t.Parallel()

	m := NewManager(t.TempDir())

	for _, scope := range []string{"", "../etc", "Update", "a b"} {
		_, err := m.Acquire(context.Background(), scope)
		require.ErrorIs(t, err, ota.ErrLockAcquisition, scope)
	}
}

// TestWithLock_ReleasesOnError verifies the scope is free after fn fails and the error is kept.
func TestWithLock_ReleasesOnError(t *testing.T) {
	t.Parallel()

	var waits []string

	m := NewManager(t.TempDir(), WithWaitObserver(func(scope string, _ time.Duration) {
		waits = append(waits, scope)
	}))

	err := m.WithLock(context.Background(), "update", func(context.Context) error {
		_, ok, tryErr := m.TryAcquire("update")
		require.NoError(t, tryErr)
		require.False(t, ok)

		return errTestOperation
	})
	require.ErrorIs(t, err, errTestOperation)
	require.Equal(t, []string{"update"}, waits)

	handle, ok, err := m.TryAcquire("update")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, handle.Release())
}

// TestAcquire_HolderCrash ensures a scope held by a killed process becomes available.
func TestAcquire_HolderCrash(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	//nolint:gosec // Re-executing the test binary is intended.
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(), helperEnv+"="+dir)

	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "locked\n", line)

	m := NewManager(dir, WithPollInterval(10*time.Millisecond))

	_, ok, err := m.TryAcquire("update")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := m.Acquire(ctx, "update")
	require.NoError(t, err)
	require.NoError(t, handle.Release())
}
