package engine

// State is the lifecycle of the whole scheduler, not of a job.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	}
	return "UNKNOWN"
}

// active reports whether timers may be armed and fired.
func (s State) active() bool {
	return s == StateStarting || s == StateRunning
}
