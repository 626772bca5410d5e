package slot

// State is the lifecycle position of a slot.
//
//	Idle -> Starting -> Running -> Stopping -> Idle
//	                            -> Exited
//
// Idle and Exited both accept Start.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// live reports whether an OS process exists in this state.
func (s State) live() bool { return s == StateRunning || s == StateStopping }
