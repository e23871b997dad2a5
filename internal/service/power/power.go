package power

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ErrUnsupportedOS indicates the current OS is not supported for reboot.
var ErrUnsupportedOS = errors.New("unsupported operating system")

// StartFunc launches a command without waiting for it.
type StartFunc func(ctx context.Context, name string, args ...string) error

// Rebooter restarts the device so the new default deployment boots.
type Rebooter struct {
	start StartFunc
	goos  string
}

// NewRebooter creates a Rebooter for the running OS. A nil start launches real commands.
func NewRebooter(start StartFunc) *Rebooter {
	if start == nil {
		start = startCommand
	}

	return &Rebooter{
		start: start,
		goos:  strings.ToLower(runtime.GOOS),
	}
}

// Reboot triggers an OS reboot using common, built-in tools:
// - Linux:  `systemctl reboot`, falling back to `reboot`
// - macOS:  `shutdown -r now`
// The commands are started asynchronously; the OS takes over the rest.
func (r *Rebooter) Reboot(ctx context.Context) error {
	switch r.goos {
	case "linux":
		err := r.start(ctx, "systemctl", "reboot")
		if err == nil {
			return nil
		}

		if fallbackErr := r.start(ctx, "reboot"); fallbackErr != nil {
			return fmt.Errorf("reboot: %w", multierror.Append(err, fallbackErr))
		}

		return nil
	case "darwin":
		return r.start(ctx, "shutdown", "-r", "now")
	default:
		return fmt.Errorf("%s: %w", r.goos, ErrUnsupportedOS)
	}
}

func startCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Start()
}
