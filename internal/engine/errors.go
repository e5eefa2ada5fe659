package engine

import "fmt"

// AuthorizationError indicates the acting user is not the creator or
// assigned reviewer the transition requires.
type AuthorizationError struct {
	UserID string
	Action string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("user %s may not %s this workflow", e.UserID, e.Action)
}

// StateConflictError indicates the transition is illegal from the current
// status, including a lost claim race.
type StateConflictError struct {
	WorkflowID string
	Status     string
	Action     string
}

func (e StateConflictError) Error() string {
	return fmt.Sprintf("workflow %s: cannot %s from status %s", e.WorkflowID, e.Action, e.Status)
}

// ValidationError indicates malformed or missing input.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// ApplyError wraps a failure of the injected approved-change applier. The
// approval itself has already been committed when this is returned.
type ApplyError struct {
	Err error
}

func (e ApplyError) Error() string { return fmt.Sprintf("apply approved workflow: %v", e.Err) }
func (e ApplyError) Unwrap() error { return e.Err }
