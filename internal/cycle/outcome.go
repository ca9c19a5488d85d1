package cycle

// Outcome classifies how a run ended. It is mapped to a process exit code
// only at the command boundary.
type Outcome int

const (
	// OutcomeConverged: every requested criterion converged and no adaptive
	// minimization is pending.
	OutcomeConverged Outcome = iota
	// OutcomeStopped: the operator dropped the stop marker.
	OutcomeStopped
	// OutcomeForceUnconverged: iteration budget exhausted with the force
	// criterion requested but not converged.
	OutcomeForceUnconverged
	// OutcomeUnconverged: iteration budget exhausted with energy or charge
	// not converged (or adaptive minimization still pending).
	OutcomeUnconverged
	// OutcomeMissingInput: a required input artifact was absent with no
	// alternate branch to route to.
	OutcomeMissingInput
	// OutcomeStageFailed: a stage exited non-zero.
	OutcomeStageFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConverged:
		return "converged"
	case OutcomeStopped:
		return "stopped by signal"
	case OutcomeForceUnconverged:
		return "iteration budget exhausted, forces not converged"
	case OutcomeUnconverged:
		return "iteration budget exhausted, not converged"
	case OutcomeMissingInput:
		return "required input artifact missing"
	case OutcomeStageFailed:
		return "stage execution failed"
	}
	return "unknown"
}
