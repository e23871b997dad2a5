package sysroot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/oshokin/ota-client/internal/domain/ota"
	"github.com/oshokin/ota-client/internal/logger"
	"github.com/oshokin/ota-client/internal/service/process"
)

var (
	errNoDeployments = errors.New("no deployments")
	errNoStatus      = errors.New("unrecognized status output")

	// deploymentLine matches "* <osname> <checksum>.<serial> (markers)".
	deploymentLine = regexp.MustCompile(`^([* ]) (\S+) ([0-9a-fA-F]+)\.(\d+)(.*)$`)
)

// Handle is the loaded view of one sysroot.
type Handle struct {
	// runner invokes the deployment tool.
	runner process.Runner
	// path is the sysroot location passed to the tool.
	path string

	mu          sync.RWMutex
	deployments []ota.Deployment
	loaded      bool
}

// NewHandle creates a Handle for the sysroot at path.
func NewHandle(runner process.Runner, path string) *Handle {
	return &Handle{
		runner: runner,
		path:   path,
	}
}

// Path returns the sysroot location.
func (h *Handle) Path() string {
	return h.path
}

// Load reads the deployment list. On failure the previously loaded list is kept
// and the error wraps ota.ErrSysrootLoad.
func (h *Handle) Load(ctx context.Context) error {
	args := []string{"admin", "status", "--sysroot=" + h.path}

	result, err := h.runner.Run(ctx, args, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ota.ErrSysrootLoad, err)
	}

	if toolErr := result.Err(args); toolErr != nil {
		return fmt.Errorf("%w: %w", ota.ErrSysrootLoad, toolErr)
	}

	deployments, err := ParseStatus(result.Output)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ota.ErrSysrootLoad, h.path, err)
	}

	h.mu.Lock()
	h.deployments = deployments
	h.loaded = true
	h.mu.Unlock()

	logger.DebugKV(ctx, "Sysroot loaded", "path", h.path, "deployments", len(deployments),
		"default", deployments[0].Revision.Short())

	return nil
}

// Loaded reports whether Load has succeeded at least once.
func (h *Handle) Loaded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.loaded
}

// Deployments returns a copy of the deployment list in boot order.
func (h *Handle) Deployments() []ota.Deployment {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]ota.Deployment, len(h.deployments))
	copy(result, h.deployments)

	return result
}

// DefaultRevision returns the revision booted next, empty before Load.
func (h *Handle) DefaultRevision() ota.Revision {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.deployments) == 0 {
		return ""
	}

	return h.deployments[0].Revision
}

// BootedRevision returns the revision of the running system.
// It falls back to the default revision when no deployment is marked booted,
// which happens when the client runs outside the deployment (containers, tests).
func (h *Handle) BootedRevision() ota.Revision {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, deployment := range h.deployments {
		if deployment.IsBooted {
			return deployment.Revision
		}
	}

	if len(h.deployments) == 0 {
		return ""
	}

	return h.deployments[0].Revision
}

// Close drops the loaded list. The handle can be loaded again.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.deployments = nil
	h.loaded = false
}

// ParseStatus parses the output of "ostree admin status" into boot order.
// The first listed deployment is the default one.
func ParseStatus(output string) ([]ota.Deployment, error) {
	var deployments []ota.Deployment

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if strings.TrimSpace(line) == "No deployments." {
			return nil, errNoDeployments
		}

		match := deploymentLine.FindStringSubmatch(line)
		if match == nil {
			// Detail lines (origin, version, signatures) are indented further.
			continue
		}

		serial, err := strconv.Atoi(match[4])
		if err != nil {
			return nil, fmt.Errorf("deployment serial %q: %w", match[4], err)
		}

		markers := match[5]
		index := len(deployments)

		deployments = append(deployments, ota.Deployment{
			OSName:    match[2],
			Revision:  ota.Revision(strings.ToLower(match[3])),
			Serial:    serial,
			BootIndex: index,
			IsDefault: index == 0,
			IsBooted:  match[1] == "*",
			Pending:   strings.Contains(markers, "(pending)") || strings.Contains(markers, "(staged)"),
			Rollback:  strings.Contains(markers, "(rollback)"),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}

	if len(deployments) == 0 {
		return nil, errNoStatus
	}

	return deployments, nil
}
