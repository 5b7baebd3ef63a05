package planner

import "fmt"

// PlanningFailure is returned when the chosen strategy cannot produce a
// valid task graph. The orchestrator moves the session to failed and
// surfaces the cause.
type PlanningFailure struct {
	FeatureID string
	Cause     error
}

func (e PlanningFailure) Error() string {
	return fmt.Sprintf("planning failed for feature %s: %v", e.FeatureID, e.Cause)
}

func (e PlanningFailure) Unwrap() error { return e.Cause }
