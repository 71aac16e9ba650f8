package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden reports an action the problem's current state does not allow.
	ErrForbidden = errors.New("action not allowed")
	// ErrPermissionDenied reports an actor lacking the rights for an action.
	ErrPermissionDenied = errors.New("permission denied")
)

// Reasons carried by ForbiddenError.
const (
	ReasonClosed         = "closed"
	ReasonResetRequired  = "reset_required"
	ReasonNotSubmitted   = "not_submitted"
	ReasonAnswerWithheld = "answer_unavailable"
)

// ForbiddenError names the refused action and why it was refused.
type ForbiddenError struct {
	Action string
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrForbidden, e.Action, e.Reason)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

func forbidden(action, reason string) error {
	return &ForbiddenError{Action: action, Reason: reason}
}
