package pattern

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for structural and selection failures. These are surfaced
// synchronously and never touch execution history.
var (
	ErrNotFound       = errors.New("pattern not found")
	ErrDuplicateName  = errors.New("pattern name already registered")
	ErrInvalidPattern = errors.New("pattern failed structural validation")
	ErrNotApplicable  = errors.New("pattern not applicable to context")
)

// ValidationError wraps ErrInvalidPattern with the specific structural problem.
type ValidationError struct {
	Name   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid pattern %q: %s", e.Name, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPattern }

// ConfidenceThresholdError indicates the selected pattern's current confidence
// is below its configured threshold. Callers may retry with an explicit lower
// threshold via ExecuteOptions.
type ConfidenceThresholdError struct {
	Pattern    string
	Confidence float64
	Threshold  float64
}

func (e *ConfidenceThresholdError) Error() string {
	return fmt.Sprintf("pattern %q confidence %.3f below threshold %.3f",
		e.Pattern, e.Confidence, e.Threshold)
}

// ExecutionError reports a step/task/phase failure during a run. It always
// carries the failing unit and whether compensating rollback succeeded.
type ExecutionError struct {
	Pattern        string
	Unit           string // step, task, or phase identifier
	RolledBack     bool
	RollbackFailed bool
	Cause          error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("pattern %q: unit %q failed", e.Pattern, e.Unit)
	if e.RollbackFailed {
		msg += " (rollback also failed)"
	} else if e.RolledBack {
		msg += " (rolled back)"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// RollbackError is the higher-severity error reported when compensation itself
// fails. The original cause is preserved alongside the rollback failure.
type RollbackError struct {
	Pattern       string
	Unit          string // unit whose compensator failed
	Cause         error  // original execution failure
	RollbackCause error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("pattern %q: rollback of %q failed: %v (original failure: %v)",
		e.Pattern, e.Unit, e.RollbackCause, e.Cause)
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// TimeoutError indicates a unit exceeded its allotted time.
type TimeoutError struct {
	Pattern string
	Unit    string
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pattern %q: unit %q exceeded timeout %s", e.Pattern, e.Unit, e.Limit)
}

// ResourceExhaustedError indicates the resource oracle denied a launch after
// the retry budget was spent.
type ResourceExhaustedError struct {
	Pattern  string
	Unit     string
	Attempts int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("pattern %q: resources unavailable for %q after %d attempts",
		e.Pattern, e.Unit, e.Attempts)
}
