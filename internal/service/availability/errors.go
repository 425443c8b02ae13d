package availability

import "errors"

var (
	errInvalidDuration = errors.New("duration_minutes must be positive")
	errNoStaff         = errors.New("at least one staff candidate is required")
)

// IsValidation reports whether an error is one of the calculator's input
// validation failures.
func IsValidation(err error) bool {
	return errors.Is(err, errInvalidDuration) || errors.Is(err, errNoStaff)
}
