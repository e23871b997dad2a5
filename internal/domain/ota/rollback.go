package ota

// RollbackState is derived from the deployment list and never mutated in place.
type RollbackState struct {
	// Revision of the rollback candidate, empty when there is none.
	Revision Revision
	// Info is the candidate's metadata, nil when absent.
	Info *DeploymentInfo
	// DeploymentCount is the length of the deployment list the state was derived from.
	DeploymentCount int
}

// Available reports whether a rollback candidate exists.
func (s RollbackState) Available() bool {
	return s.DeploymentCount >= 2 && !s.Revision.IsZero()
}

// Equal compares two states by value.
func (s RollbackState) Equal(other RollbackState) bool {
	return s.Revision == other.Revision &&
		s.DeploymentCount == other.DeploymentCount &&
		s.Info.Equal(other.Info)
}
