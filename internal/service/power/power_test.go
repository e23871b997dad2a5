package power

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errNotFound = errors.New("executable file not found")

// recorder captures started commands and fails the listed ones.
type recorder struct {
	started []string
	failing map[string]bool
}

// start records name and fails when it is listed.
func (r *recorder) start(_ context.Context, name string, _ ...string) error {
	r.started = append(r.started, name)

	if r.failing[name] {
		return errNotFound
	}

	return nil
}

// TestRebooter_Linux prefers systemctl and falls back to reboot.
func TestRebooter_Linux(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	rebooter := &Rebooter{start: rec.start, goos: "linux"}

	require.NoError(t, rebooter.Reboot(context.Background()))
	require.Equal(t, []string{"systemctl"}, rec.started)

	rec = &recorder{failing: map[string]bool{"systemctl": true}}
	rebooter.start = rec.start

	require.NoError(t, rebooter.Reboot(context.Background()))
	require.Equal(t, []string{"systemctl", "reboot"}, rec.started)

	rec = &recorder{failing: map[string]bool{"systemctl": true, "reboot": true}}
	rebooter.start = rec.start

	require.ErrorIs(t, rebooter.Reboot(context.Background()), errNotFound)
}

// TestRebooter_Unsupported refuses unknown systems.
func TestRebooter_Unsupported(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	rebooter := &Rebooter{start: rec.start, goos: "plan9"}

	require.ErrorIs(t, rebooter.Reboot(context.Background()), ErrUnsupportedOS)
	require.Empty(t, rec.started)
}
