/*
store.go - Read models and sinks consumed by the engine

PURPOSE:
  Defines the boundary between evaluation logic and persistence. The engine
  reads configuration and history through narrow interfaces and writes once
  per clock action through a TxSink.

KEY INTERFACES:
  RuleConfigProvider: active attendance rule, escalation rules, assignments
  EventReader:        attendance history for invariants and pattern detection
  ViolationReader:    prior violations inside an escalation window
  Sink / TxSink:      event, charge, audit and trip writes (all-or-nothing)
  Store:              everything above, implemented by store/memory and
                      store/sqlite

WRITE-ONCE CONTRACT:
  A clock action commits event + optional charge + trip completions + audit
  facts + first fingerprint baseline in a single WithTx call. A closed event
  is terminal: CloseEvent on an event that already has a clock-out fails
  with ErrInvariantViolation.

IDEMPOTENCY:
  Charges carrying an IdempotencyKey are rejected with
  ErrDuplicateIdempotencyKey when the key exists.

SEE ALSO:
  - store/memory/memory.go: in-memory implementation for tests
  - store/sqlite/sqlite.go: reference SQLite implementation
*/
package attendance

import (
	"context"
	"time"
)

// =============================================================================
// CONFIGURATION READ MODEL
// =============================================================================

type RuleConfigProvider interface {
	// ActiveAttendanceRule returns the single active rule, or a *ConfigError
	// (ErrConfigMissing) when zero or several are active.
	ActiveAttendanceRule(ctx context.Context) (AttendanceRule, error)

	// ActiveEscalationRule returns nil, nil when no rule is active for vt.
	ActiveEscalationRule(ctx context.Context, vt ViolationType) (*EscalationRule, error)

	// ShiftAssignments returns assignments overlapping [from, to], active or not.
	ShiftAssignments(ctx context.Context, employeeID EmployeeID, from, to time.Time) ([]ShiftAssignment, error)
}

// SelectActiveRule enforces the exactly-one-active-rule invariant.
func SelectActiveRule(rules []AttendanceRule) (AttendanceRule, error) {
	var active []AttendanceRule
	for _, r := range rules {
		if r.IsActive {
			active = append(active, r)
		}
	}
	if len(active) != 1 {
		return AttendanceRule{}, &ConfigError{ActiveRules: len(active)}
	}
	return active[0], nil
}

// =============================================================================
// HISTORY READ MODELS
// =============================================================================

type EventReader interface {
	// EventsBetween returns events whose clock-in is in [from, to), ordered by clock-in.
	EventsBetween(ctx context.Context, employeeID EmployeeID, from, to time.Time) ([]AttendanceEvent, error)

	// LastLocatedEvent returns the most recent event with coordinates
	// clocked in strictly before `before`, or nil.
	LastLocatedEvent(ctx context.Context, employeeID EmployeeID, before time.Time) (*AttendanceEvent, error)

	// OpenEvents returns all events without a clock-out whose clock-in is before `before`.
	OpenEvents(ctx context.Context, before time.Time) ([]AttendanceEvent, error)

	GetEvent(ctx context.Context, id string) (*AttendanceEvent, error)
}

// ViolationReader derives ViolationRecords from stored events and charges.
// Late arrivals and early departures come from events; absences and break
// violations come from charges.
type ViolationReader interface {
	// ViolationsBetween returns violations with OccurredAt in [from, to), ascending.
	ViolationsBetween(ctx context.Context, employeeID EmployeeID, vt ViolationType, from, to time.Time) ([]ViolationRecord, error)
}

type ChargeReader interface {
	ChargesByEmployee(ctx context.Context, employeeID EmployeeID) ([]Charge, error)
	GetCharge(ctx context.Context, id string) (*Charge, error)
}

type TripReader interface {
	ActiveFieldTrips(ctx context.Context, employeeID EmployeeID) ([]FieldTrip, error)
}

type FingerprintStore interface {
	// StoredFingerprint returns nil, nil when the employee has no baseline.
	StoredFingerprint(ctx context.Context, employeeID EmployeeID) (*Fingerprint, error)
}

type SiteReader interface {
	ActiveSites(ctx context.Context) ([]Site, error)
}

type Roster interface {
	Employees(ctx context.Context) ([]Employee, error)
}

type AuditReader interface {
	AuditFacts(ctx context.Context, target string) ([]AuditFact, error)
}

// =============================================================================
// SINKS - Writes
// =============================================================================

type Sink interface {
	RecordEvent(ctx context.Context, e AttendanceEvent) error
	// CloseEvent stores the clock-out fields of an open event.
	CloseEvent(ctx context.Context, e AttendanceEvent) error
	RecordCharge(ctx context.Context, c Charge) error
	UpdateChargeStatus(ctx context.Context, id string, status ChargeStatus) error
	RecordAuditFact(ctx context.Context, f AuditFact) error
	CompleteFieldTrip(ctx context.Context, id string, endedAt time.Time, note string) error
	// SaveFingerprint stores the baseline device fingerprint for an employee.
	SaveFingerprint(ctx context.Context, employeeID EmployeeID, fp Fingerprint) error
}

// TxSink wraps Sink with transaction support.
type TxSink interface {
	Sink

	// WithTx executes fn within a transaction.
	// If fn returns error, every write inside fn is rolled back.
	WithTx(ctx context.Context, fn func(Sink) error) error
}

// =============================================================================
// ADMINISTRATION - Configuration writes used by the HTTP surface and seeding
// =============================================================================

type ConfigWriter interface {
	SaveAttendanceRule(ctx context.Context, r AttendanceRule) error
	// ActivateAttendanceRule marks id active and every other rule inactive.
	ActivateAttendanceRule(ctx context.Context, id string) error
	SaveEscalationRule(ctx context.Context, r EscalationRule) error
	SaveShiftAssignment(ctx context.Context, a ShiftAssignment) error
	SaveSite(ctx context.Context, s Site) error
	SaveEmployee(ctx context.Context, e Employee) error
	StartFieldTrip(ctx context.Context, t FieldTrip) error
}

// Store is the full persistence surface.
type Store interface {
	RuleConfigProvider
	EventReader
	ViolationReader
	ChargeReader
	TripReader
	FingerprintStore
	SiteReader
	Roster
	AuditReader
	TxSink
	ConfigWriter
}
