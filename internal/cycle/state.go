package cycle

// CritState is the tri-state convergence flag of one criterion. A criterion
// never requested by configuration stays CritNotRequested for the whole run
// and never gates termination.
type CritState int

const (
	CritNotRequested CritState = iota
	CritPending
	CritConverged
)

func (s CritState) String() string {
	switch s {
	case CritNotRequested:
		return "not-requested"
	case CritPending:
		return "not-yet-converged"
	case CritConverged:
		return "converged"
	}
	return "unknown"
}

// ConvergenceFlags holds the per-criterion flags.
type ConvergenceFlags struct {
	Energy CritState
	Charge CritState
	Force  CritState
}

// AllRequestedConverged reports whether every requested criterion has
// converged. With nothing requested it is vacuously true; the controller
// rejects that configuration at startup.
func (f ConvergenceFlags) AllRequestedConverged() bool {
	for _, s := range []CritState{f.Energy, f.Charge, f.Force} {
		if s == CritPending {
			return false
		}
	}
	return true
}

// IterationState carries the run counters. Remaining and RestartCountdown
// are each decremented exactly once per completed iteration;
// RestartCountdown resets to the configured interval when the restart
// fires.
type IterationState struct {
	Iteration        int // 1-based index of the current cycle
	Remaining        int // iterations left in the budget
	RestartCountdown int // iterations until the next stagnation restart; 0 when disabled
}
