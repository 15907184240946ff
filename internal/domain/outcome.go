package domain

// Outcome tags the result of a collaborator lookup so callers can tell a miss
// from a failure without inspecting payloads.
type Outcome int

const (
	// OutcomeFound means the lookup produced a value.
	OutcomeFound Outcome = iota
	// OutcomeNotFound means the lookup succeeded but had nothing to return.
	OutcomeNotFound
	// OutcomeFailed means the collaborator errored or timed out.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}
