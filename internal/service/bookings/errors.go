package bookings

import (
	"fmt"
	"time"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// PolicyViolationError reports a reschedule or cancellation attempted inside
// the cancellation window. Deadline is the last instant at which the change
// would have been allowed, so callers can tell the customer why.
type PolicyViolationError struct {
	Deadline time.Time
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("cancellation policy violated: changes were allowed until %s", e.Deadline.Format(time.RFC3339))
}

// NotModifiableError reports a replace or reschedule on a booking that is
// past its edit window, already started, or in a terminal status.
type NotModifiableError struct {
	Reason string
}

func (e *NotModifiableError) Error() string {
	return "booking not modifiable: " + e.Reason
}

// UnauthorizedError reports an actor/ownership mismatch: customers may only
// touch their own bookings.
type UnauthorizedError struct{}

func (e *UnauthorizedError) Error() string {
	return "actor is not allowed to modify this booking"
}
