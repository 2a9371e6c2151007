/*
Package attendance defines the shared model of the compliance engine.

PURPOSE:
  Every component (shift resolution, integrity gate, geofence, lateness,
  escalation, authorizer) speaks in the types declared here. The package has
  no behaviour beyond small helpers; evaluation lives in the component
  packages and persistence lives behind the interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - AttendanceRule: work hours, grace, charges, night window, rates
  - ShiftAssignment: explicit day/night/rotating assignment for a date range
  - EscalationRule: lookback, reset gap and multiplier tiers per violation
  - AttendanceEvent: one clock-in (and later clock-out) record
  - Charge: a monetary consequence of a violation
  - ViolationRecord: derived from event/charge history, never stored

MONEY:
  All monetary values and multipliers use decimal.Decimal.

SEE ALSO:
  - timeofday.go: TimeOfDay, night window, calendar-day helpers
  - snapshot.go: versioned rule snapshot passed into evaluations
  - errors.go: error taxonomy
  - store.go: read models and sinks
*/
package attendance

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS & ENUMS
// =============================================================================

type EmployeeID string

// LocationType is the clock-in mode.
type LocationType string

const (
	LocationOffice LocationType = "office"
	LocationField  LocationType = "field"
)

func (l LocationType) Valid() bool { return l == LocationOffice || l == LocationField }

type ShiftType string

const (
	ShiftDay      ShiftType = "day"
	ShiftNight    ShiftType = "night"
	ShiftRotating ShiftType = "rotating"
)

func (s ShiftType) Valid() bool {
	return s == ShiftDay || s == ShiftNight || s == ShiftRotating
}

type ViolationType string

const (
	ViolationLateArrival    ViolationType = "late_arrival"
	ViolationAbsence        ViolationType = "absence"
	ViolationEarlyDeparture ViolationType = "early_departure"
	ViolationBreak          ViolationType = "break_violation"
)

func (v ViolationType) Valid() bool {
	switch v {
	case ViolationLateArrival, ViolationAbsence, ViolationEarlyDeparture, ViolationBreak:
		return true
	}
	return false
}

// ChargeType names the rule amount a charge was based on.
type ChargeType string

const (
	ChargeLate         ChargeType = "late"
	ChargeAbsence      ChargeType = "absence"
	ChargeEarlyClosure ChargeType = "early_closure"
	ChargeBreak        ChargeType = "break_violation"
)

// ChargeTypeFor maps a violation to the charge type it produces.
func ChargeTypeFor(v ViolationType) ChargeType {
	switch v {
	case ViolationLateArrival:
		return ChargeLate
	case ViolationAbsence:
		return ChargeAbsence
	case ViolationEarlyDeparture:
		return ChargeEarlyClosure
	default:
		return ChargeBreak
	}
}

type ChargeStatus string

const (
	ChargePending  ChargeStatus = "pending"
	ChargeWaived   ChargeStatus = "waived"
	ChargeDisputed ChargeStatus = "disputed"
	ChargePaid     ChargeStatus = "paid"
)

// chargeTransitions lists the legal status moves. Waived and paid are terminal.
var chargeTransitions = map[ChargeStatus][]ChargeStatus{
	ChargePending:  {ChargeWaived, ChargeDisputed, ChargePaid},
	ChargeDisputed: {ChargePending, ChargeWaived, ChargePaid},
}

// CanTransition reports whether a charge may move from one status to another.
func (s ChargeStatus) CanTransition(to ChargeStatus) bool {
	for _, allowed := range chargeTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// =============================================================================
// ATTENDANCE RULE - The single active work-hours policy
// =============================================================================

// DefaultMinimumWorkHours is used when a rule leaves MinimumWorkHours unset.
const DefaultMinimumWorkHours = 7.0

type AttendanceRule struct {
	ID      string
	Version int

	WorkStart TimeOfDay
	WorkEnd   TimeOfDay

	GracePeriodMinutes int
	// LateThresholdMinutes is reporting metadata only. It never decides isLate.
	LateThresholdMinutes int

	LateChargeAmount         decimal.Decimal
	AbsenceChargeAmount      decimal.Decimal
	EarlyClosureChargeAmount decimal.Decimal

	NightShiftStart TimeOfDay
	NightShiftEnd   TimeOfDay

	OvertimeRate   decimal.Decimal
	NightShiftRate decimal.Decimal

	MinimumWorkHours float64

	IsActive  bool
	CreatedAt time.Time
}

// NightWindow returns the rule's night-shift window.
func (r AttendanceRule) NightWindow() Window {
	return Window{Start: r.NightShiftStart, End: r.NightShiftEnd}
}

// MinimumHours returns MinimumWorkHours or the default when unset.
func (r AttendanceRule) MinimumHours() float64 {
	if r.MinimumWorkHours <= 0 {
		return DefaultMinimumWorkHours
	}
	return r.MinimumWorkHours
}

// ChargeAmountFor returns the base amount for a violation type.
// Break violations have no rule amount and must be priced by the reporter.
func (r AttendanceRule) ChargeAmountFor(v ViolationType) decimal.Decimal {
	switch v {
	case ViolationLateArrival:
		return r.LateChargeAmount
	case ViolationAbsence:
		return r.AbsenceChargeAmount
	case ViolationEarlyDeparture:
		return r.EarlyClosureChargeAmount
	default:
		return decimal.Zero
	}
}

// =============================================================================
// SHIFT ASSIGNMENT
// =============================================================================

type ShiftAssignment struct {
	ID         string
	EmployeeID EmployeeID
	ShiftType  ShiftType
	StartDate  time.Time // inclusive, date granularity
	EndDate    time.Time // inclusive, date granularity
	IsActive   bool
	CreatedAt  time.Time
}

// Covers returns true if the assignment is active and its inclusive
// [StartDate, EndDate] interval contains the calendar day of date.
// Days are compared as YYYY-MM-DD keys: assignment dates carry no zone of
// their own, while date is in the engine's location.
func (a ShiftAssignment) Covers(date time.Time) bool {
	if !a.IsActive {
		return false
	}
	d := DayKey(date)
	return d >= DayKey(a.StartDate) && d <= DayKey(a.EndDate)
}

// =============================================================================
// ESCALATION RULE
// =============================================================================

type EscalationTier struct {
	OccurrenceCount int
	Multiplier      decimal.Decimal
}

type EscalationRule struct {
	ID                 string
	ViolationType      ViolationType
	LookbackPeriodDays int
	ResetAfterDays     int
	Tiers              []EscalationTier // ascending by OccurrenceCount
	IsActive           bool
}

// =============================================================================
// LOCATION & DEVICE SIGNALS
// =============================================================================

type Point struct {
	Lat float64
	Lng float64
}

type LocationSample struct {
	Point          Point
	AccuracyMeters float64
	CapturedAt     time.Time
	IsMock         bool
}

// Fingerprint is the device identity reported by the client.
type Fingerprint struct {
	DeviceID         string
	Platform         string
	OSVersion        string
	Model            string
	AppVersion       string
	ScreenResolution string
	Timezone         string
	Locale           string
}

func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// Site is an authorized office location.
type Site struct {
	ID           string
	Name         string
	Center       Point
	RadiusMeters float64
	IsActive     bool
}

// =============================================================================
// ATTENDANCE EVENT - Clock log
// =============================================================================

// AttendanceEvent is created at clock-in and completed once by clock-out.
// It is never reopened.
type AttendanceEvent struct {
	ID           string
	EmployeeID   EmployeeID
	ClockInTime  time.Time
	ClockOutTime *time.Time
	LocationType LocationType
	ShiftType    ShiftType

	IsLate        bool
	LateByMinutes int
	IsNightShift  bool

	NightShiftHours float64
	OvertimeHours   float64
	TotalHours      float64
	EarlyClosure    bool
	ForcedClose     bool

	WithinGeofence         *bool
	GeofenceDistanceMeters *float64
	SiteID                 string
	Latitude               *float64
	Longitude              *float64

	RuleVersion int
	CreatedAt   time.Time
}

// IsOpen reports whether the event still awaits its clock-out.
func (e AttendanceEvent) IsOpen() bool { return e.ClockOutTime == nil }

// =============================================================================
// FIELD TRIP
// =============================================================================

type TripStatus string

const (
	TripActive    TripStatus = "active"
	TripCompleted TripStatus = "completed"
)

type FieldTrip struct {
	ID         string
	EmployeeID EmployeeID
	StartedAt  time.Time
	EndedAt    *time.Time
	Status     TripStatus
	Note       string
}

// =============================================================================
// VIOLATIONS & CHARGES
// =============================================================================

// ViolationRecord is derived from event and charge history.
type ViolationRecord struct {
	EmployeeID          EmployeeID
	ViolationType       ViolationType
	OccurredAt          time.Time
	OrdinalWithinWindow int
}

type Charge struct {
	ID                string
	EmployeeID        EmployeeID
	AttendanceEventID string // empty for absences
	ChargeType        ChargeType
	ViolationType     ViolationType
	BaseAmount        decimal.Decimal
	MultiplierApplied decimal.Decimal
	FinalAmount       decimal.Decimal
	Ordinal           int
	ChargeDate        time.Time
	Status            ChargeStatus
	IdempotencyKey    string
	CreatedAt         time.Time
}

// =============================================================================
// WARNINGS - Advisory findings returned with accepted results
// =============================================================================

type WarningCode string

const (
	WarnFingerprintDrift  WarningCode = "fingerprint_drift"
	WarnSpoofingSuspected WarningCode = "spoofing_suspected"
	WarnShiftAmbiguous    WarningCode = "shift_ambiguous"
	WarnTripAutoClosed    WarningCode = "field_trip_auto_closed"
	WarnNoSiteConfigured  WarningCode = "no_site_configured"
)

type Warning struct {
	Code    WarningCode
	Message string
}

// =============================================================================
// AUDIT & ROSTER
// =============================================================================

type AuditAction string

const (
	AuditClockIn          AuditAction = "clock_in"
	AuditClockOut         AuditAction = "clock_out"
	AuditSecurityBlocked  AuditAction = "security_blocked"
	AuditGeofenceBlocked  AuditAction = "geofence_blocked"
	AuditInvariantBlocked AuditAction = "invariant_blocked"
	AuditIntegrityWarning AuditAction = "integrity_warning"
	AuditTripAutoClosed   AuditAction = "field_trip_auto_closed"
	AuditChargeCreated    AuditAction = "charge_created"
	AuditChargeStatus     AuditAction = "charge_status_changed"
	AuditForcedClose      AuditAction = "forced_clock_out"
	AuditShiftAmbiguous   AuditAction = "shift_ambiguous"
)

// AuditFact records who did what to which target.
type AuditFact struct {
	ID     string
	Actor  string
	Action AuditAction
	Target string
	Reason string
	At     time.Time
}

type Employee struct {
	ID        EmployeeID
	Name      string
	Email     string
	CreatedAt time.Time
}
