package domain

import "fmt"

// runTransitions is the run state graph. A status with no outgoing edges is
// terminal.
//
//	booting -> running, failed, canceled
//	running -> succeeded, failed, canceled
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusBooting:   {RunStatusRunning, RunStatusFailed, RunStatusCanceled},
	RunStatusRunning:   {RunStatusSucceeded, RunStatusFailed, RunStatusCanceled},
	RunStatusSucceeded: {},
	RunStatusFailed:    {},
	RunStatusCanceled:  {},
}

// ValidateTransition reports whether a run may move from current to target.
// Re-applying the current status is a valid no-op for any known status.
func ValidateTransition(current, target RunStatus) bool {
	targets, ok := runTransitions[current]
	if !ok {
		return false
	}
	if current == target {
		return true
	}
	for _, t := range targets {
		if t == target {
			return true
		}
	}
	return false
}

// TransitionErrorMessage describes a rejected transition.
func TransitionErrorMessage(current, target RunStatus) string {
	if IsTerminal(current) {
		return fmt.Sprintf("invalid status transition from %q to %q: %q is terminal", current, target, current)
	}
	return fmt.Sprintf("invalid status transition from %q to %q", current, target)
}

// IsTerminal reports whether status has no outgoing transitions.
func IsTerminal(status RunStatus) bool {
	targets, ok := runTransitions[status]
	return ok && len(targets) == 0
}

// FailureIndicating reports whether status is a terminal state that may carry
// a RunError.
func FailureIndicating(status RunStatus) bool {
	return status == RunStatusFailed || status == RunStatusCanceled
}
