package session

// State is the lifecycle position of a session.
type State int32

const (
	StateIdle State = iota
	StatePrefilling
	StateGenerating
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrefilling:
		return "prefilling"
	case StateGenerating:
		return "generating"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// canInit reports whether Init may start from s.
func (s State) canInit() bool {
	return s == StateIdle || s == StateDone || s == StateCancelled
}

// StopReason says why generation ended.
type StopReason string

const (
	ReasonNone        StopReason = ""
	ReasonEOG         StopReason = "eog"
	ReasonMaxTokens   StopReason = "max_tokens"
	ReasonContextFull StopReason = "context_full"
	ReasonCancelled   StopReason = "cancelled"
)

// StepOutcome is the result of one Step.
type StepOutcome struct {
	Text     string
	Finished bool
	Reason   StopReason
}
