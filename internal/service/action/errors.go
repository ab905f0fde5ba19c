package action

import (
	"errors"
	"fmt"

	"github.com/costsentry/costsentry/pkg/models"
)

// ErrConflictingCompletion indicates the orchestrator reported a terminal
// outcome that contradicts one already recorded. The first recorded outcome
// stands.
var ErrConflictingCompletion = errors.New("conflicting completion outcome")

// InvalidTransitionError reports a lifecycle event that is not legal from
// the action's current status. The action is left untouched.
type InvalidTransitionError struct {
	ActionID string
	From     models.ActionStatus
	Event    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s action %s in status %s", e.Event, e.ActionID, e.From)
}

// ActionNotFoundError indicates the referenced action does not exist
type ActionNotFoundError struct {
	ID string
}

func (e *ActionNotFoundError) Error() string {
	return fmt.Sprintf("action %s not found", e.ID)
}

// IsInvalidTransition checks if the error is an invalid transition
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// IsNotFound checks if the error is an action not found error
func IsNotFound(err error) bool {
	var nfe *ActionNotFoundError
	return errors.As(err, &nfe)
}
