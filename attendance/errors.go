/*
errors.go - Error taxonomy for the compliance engine

PURPOSE:
  All error types in one place. Components return these (or wrap them with
  fmt.Errorf("...: %w")) so callers can branch with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Gate errors - integrity and geofence blocks
  2. State machine errors - invariant violations, concurrent clock-ins
  3. Configuration errors - missing or ambiguous active rules
  4. Advisory - ShiftAmbiguous is logged, never returned as a failure

BLOCKING VS ADVISORY:
  A blocking error means no event and no charge were written. Advisory
  conditions travel as Warnings on the clock result.

SEE ALSO:
  - clock/authorizer.go: maps these to Result statuses
  - api/handlers.go: maps these to HTTP status codes
*/
package attendance

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrSecurityBlocked is returned when integrity confidence is below threshold.
	ErrSecurityBlocked = errors.New("security check failed")

	ErrGeofenceBlocked = errors.New("outside authorized site")

	// ErrInvariantViolation is returned when a clock action breaks the
	// per-day state machine. See InvariantError for the specific rule.
	ErrInvariantViolation = errors.New("attendance invariant violation")

	// ErrConfigMissing is returned when zero or several attendance rules are
	// active. Evaluation fails closed.
	ErrConfigMissing = errors.New("attendance configuration missing")

	// ErrShiftAmbiguous marks overlapping shift assignments. Advisory only.
	ErrShiftAmbiguous = errors.New("ambiguous shift assignment")

	ErrIntegrityCheckTimeout = errors.New("integrity check timed out")

	// ErrClockInProgress is returned when another clock action for the same
	// employee and day holds the lock.
	ErrClockInProgress = errors.New("clock action already in progress")

	ErrNoOpenEvent = errors.New("no open attendance event")

	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned by sinks when a charge with the same
	// key exists. Sweeps treat it as already done.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrInvalidTransition = errors.New("invalid charge status transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvariantKind names the state machine rule that was broken.
type InvariantKind string

const (
	InvariantDoubleClockIn     InvariantKind = "double_clock_in"
	InvariantSecondOffice      InvariantKind = "second_office_session"
	InvariantFieldBeforeOffice InvariantKind = "office_after_field"
	InvariantNoOpenEvent       InvariantKind = "no_open_event"
	InvariantOutBeforeIn       InvariantKind = "clock_out_before_clock_in"
)

// InvariantError carries the rule and the event that conflicts with the action.
type InvariantError struct {
	Kind     InvariantKind
	Existing *AttendanceEvent
	Message  string
}

func (e *InvariantError) Error() string {
	if e.Existing != nil {
		return fmt.Sprintf("%s: %s (conflicts with event %s)", e.Kind, e.Message, e.Existing.ID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *InvariantError) Unwrap() error {
	if e.Kind == InvariantNoOpenEvent {
		return errors.Join(ErrInvariantViolation, ErrNoOpenEvent)
	}
	return ErrInvariantViolation
}

// ConfigError details why the active configuration can't be used.
type ConfigError struct {
	ActiveRules int
}

func (e *ConfigError) Error() string {
	if e.ActiveRules == 0 {
		return "no active attendance rule"
	}
	return fmt.Sprintf("%d active attendance rules, expected exactly one", e.ActiveRules)
}

func (e *ConfigError) Unwrap() error { return ErrConfigMissing }

// ValidationError reports bad input on a named field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSecurityBlocked) ||
		errors.Is(err, ErrIntegrityCheckTimeout) ||
		errors.Is(err, ErrClockInProgress)
}

// IsClientError returns true if the error is due to the caller's input or state.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrGeofenceBlocked) ||
		errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrInvalidTransition)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
