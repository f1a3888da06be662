package supervisor

// State is where an install attempt is in its lifecycle.
type State int

const (
	Idle State = iota
	Launching
	Running
	Completed
	Crashed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Launching:
		return "launching"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Crashed:
		return "crashed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether an attempt in s has finished.
func (s State) Terminal() bool {
	return s == Completed || s == Crashed || s == TimedOut
}

var transitions = map[State][]State{
	Idle:      {Launching},
	Launching: {Running, Crashed},
	Running:   {Completed, Crashed, TimedOut},
	Crashed:   {Launching},
	TimedOut:  {Launching},
}

// CanTransition reports whether the machine may move from one state to
// another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
