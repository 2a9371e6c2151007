package clock

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/shift"
)

// =============================================================================
// REQUESTS
// =============================================================================

type ClockInRequest struct {
	EmployeeID  attendance.EmployeeID
	Actor       string
	Mode        attendance.LocationType
	Timestamp   time.Time // zero means now
	Location    *attendance.LocationSample
	Fingerprint attendance.Fingerprint
}

type ClockOutRequest struct {
	EmployeeID       attendance.EmployeeID
	Actor            string
	Timestamp        time.Time // zero means now
	OvertimeApproved bool
	OvertimeStart    *time.Time
	// Forced marks a system closure (end-of-day sweep). Forced closures are
	// never early.
	Forced bool
}

// ViolationReport is an externally detected violation, e.g. an overlong break.
type ViolationReport struct {
	EmployeeID     attendance.EmployeeID
	Actor          string
	Type           attendance.ViolationType
	OccurredAt     time.Time
	EventID        string
	// BaseAmount overrides the rule amount. Required for break violations.
	BaseAmount     *decimal.Decimal
	IdempotencyKey string
}

// =============================================================================
// RESULT
// =============================================================================

type Status string

const (
	StatusAccepted           Status = "accepted"
	StatusSecurityBlocked    Status = "security_blocked"
	StatusGeofenceBlocked    Status = "geofence_blocked"
	StatusInvariantViolation Status = "invariant_violation"
)

// Result is the outcome of a clock action. Blocked outcomes carry no Event
// and nothing but audit facts were written.
type Result struct {
	Status     Status
	Event      *attendance.AttendanceEvent
	Charge     *attendance.Charge
	Warnings   []attendance.Warning
	Conflict   *attendance.AttendanceEvent
	Reason     string
	Confidence int
	Shift      *shift.Resolution
	invariant  *attendance.InvariantError
}

func (r *Result) Accepted() bool { return r.Status == StatusAccepted }

// Err returns the sentinel-wrapping error for a blocked result, or nil.
func (r *Result) Err() error {
	switch r.Status {
	case StatusSecurityBlocked:
		return fmt.Errorf("%w: %s", attendance.ErrSecurityBlocked, r.Reason)
	case StatusGeofenceBlocked:
		return fmt.Errorf("%w: %s", attendance.ErrGeofenceBlocked, r.Reason)
	case StatusInvariantViolation:
		if r.invariant != nil {
			return r.invariant
		}
		return fmt.Errorf("%w: %s", attendance.ErrInvariantViolation, r.Reason)
	}
	return nil
}

func blocked(status Status, reason string, warnings []attendance.Warning) *Result {
	return &Result{Status: status, Reason: reason, Warnings: warnings}
}

func violated(ie *attendance.InvariantError) *Result {
	return &Result{
		Status:    StatusInvariantViolation,
		Reason:    ie.Error(),
		Conflict:  ie.Existing,
		invariant: ie,
	}
}
