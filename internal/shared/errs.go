package shared

import (
	"errors"
	"fmt"
)

// ErrBackendExhausted is returned by the router when every backend in a
// fallback chain is unreachable or tripped. Callers must mark the task
// blocked, not failed: the condition is expected to clear.
var ErrBackendExhausted = errors.New("backend exhausted")

// ValidationError reports malformed input. It is never retried and is
// returned to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// GraphError reports a non-DAG task submission, rejected at build time.
type GraphError struct {
	Reason string
	Cycle  []string
}

func (e *GraphError) Error() string {
	if len(e.Cycle) == 0 {
		return "graph: " + e.Reason
	}
	return fmt.Sprintf("graph: %s (cycle through %v)", e.Reason, e.Cycle)
}

// RetryableError reports a transient worker or backend fault. The scheduler
// retries within the task's capability retry budget.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %s: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentFailure reports retry budget exhaustion. Terminal; requires
// re-planning by a coordinator or human.
type PermanentFailure struct {
	TaskID  string
	Retries int
	Last    error
}

func (e *PermanentFailure) Error() string {
	return fmt.Sprintf("permanent failure: task %s after %d retries: %v", e.TaskID, e.Retries, e.Last)
}

func (e *PermanentFailure) Unwrap() error { return e.Last }

// EscalationRequired is not a fault in itself. It carries the trigger event
// id that surfaced the condition for human attention.
type EscalationRequired struct {
	TriggerEventID string
	Severity       string
}

func (e *EscalationRequired) Error() string {
	return fmt.Sprintf("escalation required: trigger %s severity %s", e.TriggerEventID, e.Severity)
}

// IsRetryable reports whether err should be retried within budget.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
