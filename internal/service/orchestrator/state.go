package orchestrator

// State is what the client is doing.
type State int

const (
	// Idle accepts new requests.
	Idle State = iota
	// Initializing runs Initialize.
	Initializing
	// FetchingServerInfo runs FetchServerInfo.
	FetchingServerInfo
	// Updating runs Update.
	Updating
	// RollingBack runs Rollback.
	RollingBack
	// Refreshing runs Refresh.
	Refreshing
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case FetchingServerInfo:
		return "fetching-server-info"
	case Updating:
		return "updating"
	case RollingBack:
		return "rolling-back"
	case Refreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}
