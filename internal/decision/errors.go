package decision

import "fmt"

// ValidationError reports malformed input rejected at the boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NoViableActionError means constraint validation eliminated every
// candidate. Callers must handle it, typically by escalating to a human.
type NoViableActionError struct {
	ActionType string
	Candidates int
	Violations []Violation
}

func (e *NoViableActionError) Error() string {
	return fmt.Sprintf("no viable action for %q: all %d candidate(s) eliminated by constraints",
		e.ActionType, e.Candidates)
}
