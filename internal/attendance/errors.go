package attendance

import "errors"

// Denial reasons. Each maps to a stable client-visible error so callers can
// tell a bad code from a membership problem from a missing beacon.
var (
	ErrNotFound            = errors.New("user not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidCode         = errors.New("invalid or expired code")
	ErrInvalidSecret       = errors.New("invalid or inactive master code")
	ErrTeacherNotInSection = errors.New("teacher not assigned to this section")
	ErrStudentNotInSection = errors.New("student not in section")
	ErrBeaconRejected      = errors.New("beacon missing or not recognized for this section")
)
