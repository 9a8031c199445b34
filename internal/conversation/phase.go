package conversation

// Phase is the lifecycle position of a single turn.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseThreadEnsuring Phase = "thread_ensuring"
	PhaseSubmitting     Phase = "submitting"
	PhaseRunning        Phase = "running"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseTimedOut       Phase = "timed_out"
)

// Terminal reports whether the phase ends the turn.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseTimedOut
}
