package delegation

import (
	"fmt"
)

// NoCapabilityMatchError means no registered worker advertises the
// capability an item was routed to.
type NoCapabilityMatchError struct {
	ItemID     string
	TaskType   string
	Capability string
}

func (e *NoCapabilityMatchError) Error() string {
	return fmt.Sprintf("work item %s (taskType %q): no worker advertises capability %q",
		e.ItemID, e.TaskType, e.Capability)
}

// PolicyViolationError is a configuration error: a task type that must
// always be delegated has no worker for its capability. The item is never
// executed directly.
type PolicyViolationError struct {
	ItemID     string
	TaskType   string
	Capability string
	cause      *NoCapabilityMatchError
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: work item %s has taskType %q which must be delegated, but no worker is registered for capability %q",
		e.ItemID, e.TaskType, e.Capability)
}

// Unwrap exposes the underlying capability miss so callers matching
// *NoCapabilityMatchError see both cases.
func (e *PolicyViolationError) Unwrap() error { return e.cause }
