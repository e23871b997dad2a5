package ota

import "fmt"

// Revision is a content-addressed identifier of a deployment image.
// The empty revision means "none".
type Revision string

// IsZero reports whether the revision is unset.
func (r Revision) IsZero() bool {
	return r == ""
}

// Short returns the first 12 characters of the revision for log output.
func (r Revision) Short() string {
	const shortLength = 12

	if len(r) <= shortLength {
		return string(r)
	}

	return string(r[:shortLength])
}

// Deployment is one entry of the sysroot's ordered deployment list.
type Deployment struct {
	// OSName is the stateroot the deployment belongs to.
	OSName string
	// Revision is the commit checksum the deployment was checked out from.
	Revision Revision
	// Serial distinguishes several deployments of the same revision.
	Serial int
	// BootIndex is the position in boot order, 0 is the default entry.
	BootIndex int
	// IsDefault marks the deployment the bootloader starts next.
	IsDefault bool
	// IsBooted marks the deployment the running system was started from.
	IsBooted bool
	// Pending is set for a deployment that is newer than the booted one.
	Pending bool
	// Rollback is set by the tool for deployments older than the booted one.
	Rollback bool
}

// String renders the deployment as "<osname> <revision>.<serial>".
func (d Deployment) String() string {
	return fmt.Sprintf("%s %s.%d", d.OSName, d.Revision, d.Serial)
}

// QueryTarget selects which metadata document an info lookup resolves.
type QueryTarget int

const (
	// ClientLocal is the metadata of the currently running system.
	ClientLocal QueryTarget = iota
	// ServerRemote is the metadata published by the update server.
	ServerRemote
	// DefaultDeployment is the metadata of the deployment booted next.
	DefaultDeployment
	// RollbackDeployment is the metadata of the rollback candidate.
	RollbackDeployment
)

// String returns a lowercase name used in logs and errors.
func (t QueryTarget) String() string {
	switch t {
	case ClientLocal:
		return "client"
	case ServerRemote:
		return "server"
	case DefaultDeployment:
		return "default"
	case RollbackDeployment:
		return "rollback"
	default:
		return fmt.Sprintf("target(%d)", int(t))
	}
}

// IsLocal reports whether the target is resolved from the local repository.
func (t QueryTarget) IsLocal() bool {
	return t != ServerRemote
}
