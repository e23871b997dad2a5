package ota

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProcessSpawn means the deployment tool could not be launched.
	ErrProcessSpawn = errors.New("unable to launch deployment tool")
	// ErrProcessTimeout means the deployment tool exceeded its time limit.
	ErrProcessTimeout = fmt.Errorf("%w: timed out", ErrProcessSpawn)
	// ErrDeploymentTool means the deployment tool ran and exited with a non-zero status.
	ErrDeploymentTool = errors.New("deployment tool failed")
	// ErrSysrootLoad means the deployment root is unreadable or corrupt.
	ErrSysrootLoad = errors.New("unable to load sysroot")
	// ErrParse means a metadata document is malformed.
	ErrParse = errors.New("malformed metadata document")
	// ErrDocumentTooLarge means a metadata document exceeds the read limit.
	ErrDocumentTooLarge = fmt.Errorf("%w: document too large", ErrParse)
	// ErrLockAcquisition means the cross-process lock could not be obtained.
	ErrLockAcquisition = errors.New("unable to acquire lock")
	// ErrNoRollbackAvailable means rollback was requested with fewer than two deployments.
	ErrNoRollbackAvailable = errors.New("at least 2 system versions required for rollback")
	// ErrNetwork is reported by the remote metadata collaborator.
	ErrNetwork = errors.New("network error")
	// ErrBusy means another operation is in progress on the same client.
	ErrBusy = errors.New("another operation is in progress")
	// ErrClosed means the client has been closed.
	ErrClosed = errors.New("client is closed")
)

// ToolError carries the output of a deployment tool run that exited with a non-zero status.
type ToolError struct {
	// Args is the argument list passed to the tool.
	Args []string
	// Output is the captured tool output, stderr preferred.
	Output string
	// ExitCode is the process exit status.
	ExitCode int
}

// Error renders the tool output, falling back to the command line.
func (e *ToolError) Error() string {
	output := strings.TrimSpace(e.Output)
	if output == "" {
		return fmt.Sprintf("%s: %q exited with status %d", ErrDeploymentTool, strings.Join(e.Args, " "), e.ExitCode)
	}

	return output
}

// Unwrap lets errors.Is match ErrDeploymentTool.
func (e *ToolError) Unwrap() error {
	return ErrDeploymentTool
}
