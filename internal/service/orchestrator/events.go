package orchestrator

import (
	"github.com/oshokin/ota-client/internal/domain/ota"
)

// Event is anything sent on the client's event channel.
type Event interface {
	// Request returns the ID of the request the event belongs to.
	Request() string
}

// Finished is implemented by terminal events.
type Finished interface {
	Event
	// Succeeded reports whether the operation succeeded.
	Succeeded() bool
}

// Header carries the request ID shared by all events.
type Header struct {
	RequestID string
}

// Request implements Event.
func (h Header) Request() string {
	return h.RequestID
}

// InitializeFinished ends an Initialize request.
type InitializeFinished struct {
	Header
	DefaultRevision ota.Revision
	DefaultInfo     *ota.DeploymentInfo
	ClientRevision  ota.Revision
	ClientInfo      *ota.DeploymentInfo
	ServerRevision  ota.Revision
	ServerInfo      *ota.DeploymentInfo
	// UpdateAvailable is set when the server revision differs from the default one.
	UpdateAvailable bool
	Success         bool
}

// Succeeded implements Finished.
func (e InitializeFinished) Succeeded() bool { return e.Success }

// FetchServerInfoFinished ends a FetchServerInfo request.
type FetchServerInfoFinished struct {
	Header
	ServerRevision ota.Revision
	ServerInfo     *ota.DeploymentInfo
	Success        bool
}

// Succeeded implements Finished.
func (e FetchServerInfoFinished) Succeeded() bool { return e.Success }

// UpdateFinished ends an Update request. Revision is the default revision
// afterwards, the previous one on failure.
type UpdateFinished struct {
	Header
	Revision ota.Revision
	Success  bool
}

// Succeeded implements Finished.
func (e UpdateFinished) Succeeded() bool { return e.Success }

// RollbackFinished ends a Rollback request. Revision is the default revision afterwards.
type RollbackFinished struct {
	Header
	Revision ota.Revision
	Success  bool
}

// Succeeded implements Finished.
func (e RollbackFinished) Succeeded() bool { return e.Success }

// RefreshFinished ends a Refresh request.
type RefreshFinished struct {
	Header
	DefaultRevision ota.Revision
	DeploymentCount int
	Success         bool
}

// Succeeded implements Finished.
func (e RefreshFinished) Succeeded() bool { return e.Success }

// RollbackChanged is sent whenever the rollback candidate changes.
type RollbackChanged struct {
	Header
	Revision        ota.Revision
	Info            *ota.DeploymentInfo
	DeploymentCount int
}

// ErrorOccurred describes why an operation failed. It precedes the failed terminal event.
type ErrorOccurred struct {
	Header
	Operation string
	Err       error
	// Message is a human readable description, the tool output for tool failures.
	Message string
}

// StatusChanged is an advisory progress line.
type StatusChanged struct {
	Header
	Message string
}
