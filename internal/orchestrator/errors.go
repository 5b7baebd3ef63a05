package orchestrator

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound indicates the session ID is unknown to the engine.
var ErrSessionNotFound = errors.New("session not found")

// ConflictError reports a session/feature invariant violation the caller
// can correct, such as starting a second active session on a feature.
type ConflictError struct {
	FeatureID string
	SessionID string
	Reason    string
}

func (e ConflictError) Error() string {
	switch {
	case e.FeatureID != "":
		return fmt.Sprintf("conflict on feature %s: %s", e.FeatureID, e.Reason)
	case e.SessionID != "":
		return fmt.Sprintf("conflict on session %s: %s", e.SessionID, e.Reason)
	default:
		return "conflict: " + e.Reason
	}
}

// InvalidTransition reports an illegal state-machine call. The session
// state is left unchanged.
type InvalidTransition struct {
	SessionID string
	From      State
	To        State
}

func (e InvalidTransition) Error() string {
	return fmt.Sprintf("session %s: invalid transition %s -> %s", e.SessionID, e.From, e.To)
}
