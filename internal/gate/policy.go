package gate

// FailureMode decides what a check does when its dependencies are unreachable.
type FailureMode int

const (
	FailClosed FailureMode = iota
	FailOpen
)

func (m FailureMode) String() string {
	if m == FailOpen {
		return "open"
	}
	return "closed"
}

// FailurePolicy names the infrastructure failure behaviour of each check.
// Limit and entitlement denials are never affected by it.
type FailurePolicy struct {
	Usage   FailureMode
	Feature FailureMode
	Tier    FailureMode
}

// DefaultFailurePolicy keeps usage checks available and entitlement checks strict.
func DefaultFailurePolicy() FailurePolicy {
	return FailurePolicy{
		Usage:   FailOpen,
		Feature: FailClosed,
		Tier:    FailClosed,
	}
}
