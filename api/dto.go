/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication so the attendance model
  can change without breaking clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Clock:       ClockInRequest, ClockOutRequest, ResultDTO, EventDTO
  Charges:     ChargeDTO, ViolationRequest, ChargeStatusRequest
  Shift:       ShiftDTO
  Audit:       AuditFactDTO
  Admin:       FieldTripRequest, FieldTripDTO, SweepReportDTO

  Rule, assignment, site and employee bodies reuse the factory document
  types, so an HTTP POST and a seed file share one schema.

MONEY:
  Amounts are serialized as decimal strings ("75000", "1.5").

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rules.go: document types
*/
package api

import (
	"time"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/clock"
	"github.com/warp/attendance-engine/factory"
	"github.com/warp/attendance-engine/shift"
)

// =============================================================================
// CLOCK REQUESTS
// =============================================================================

type LocationDTO struct {
	Lat            float64    `json:"lat"`
	Lng            float64    `json:"lng"`
	AccuracyMeters float64    `json:"accuracy_meters,omitempty"`
	CapturedAt     *time.Time `json:"captured_at,omitempty"`
	IsMock         bool       `json:"is_mock,omitempty"`
}

type FingerprintDTO struct {
	DeviceID         string `json:"device_id"`
	Platform         string `json:"platform,omitempty"`
	OSVersion        string `json:"os_version,omitempty"`
	Model            string `json:"model,omitempty"`
	AppVersion       string `json:"app_version,omitempty"`
	ScreenResolution string `json:"screen_resolution,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	Locale           string `json:"locale,omitempty"`
}

// ClockInRequest is the body of POST /api/employees/{id}/clock-in.
type ClockInRequest struct {
	Mode        string         `json:"mode"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
	Location    *LocationDTO   `json:"location,omitempty"`
	Fingerprint FingerprintDTO `json:"fingerprint"`
}

// ClockOutRequest is the body of POST /api/employees/{id}/clock-out.
type ClockOutRequest struct {
	Timestamp        *time.Time `json:"timestamp,omitempty"`
	OvertimeApproved bool       `json:"overtime_approved,omitempty"`
	OvertimeStart    *time.Time `json:"overtime_start,omitempty"`
}

func (r ClockInRequest) toDomain(employeeID, actor string) clock.ClockInRequest {
	req := clock.ClockInRequest{
		EmployeeID: attendance.EmployeeID(employeeID),
		Actor:      actor,
		Mode:       attendance.LocationType(r.Mode),
		Fingerprint: attendance.Fingerprint{
			DeviceID:         r.Fingerprint.DeviceID,
			Platform:         r.Fingerprint.Platform,
			OSVersion:        r.Fingerprint.OSVersion,
			Model:            r.Fingerprint.Model,
			AppVersion:       r.Fingerprint.AppVersion,
			ScreenResolution: r.Fingerprint.ScreenResolution,
			Timezone:         r.Fingerprint.Timezone,
			Locale:           r.Fingerprint.Locale,
		},
	}
	if r.Timestamp != nil {
		req.Timestamp = *r.Timestamp
	}
	if r.Location != nil {
		sample := &attendance.LocationSample{
			Point:          attendance.Point{Lat: r.Location.Lat, Lng: r.Location.Lng},
			AccuracyMeters: r.Location.AccuracyMeters,
			IsMock:         r.Location.IsMock,
		}
		if r.Location.CapturedAt != nil {
			sample.CapturedAt = *r.Location.CapturedAt
		}
		req.Location = sample
	}
	return req
}

func (r ClockOutRequest) toDomain(employeeID, actor string) clock.ClockOutRequest {
	req := clock.ClockOutRequest{
		EmployeeID:       attendance.EmployeeID(employeeID),
		Actor:            actor,
		OvertimeApproved: r.OvertimeApproved,
		OvertimeStart:    r.OvertimeStart,
	}
	if r.Timestamp != nil {
		req.Timestamp = *r.Timestamp
	}
	return req
}

// =============================================================================
// CLOCK RESPONSES
// =============================================================================

type WarningDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResultDTO is returned by both clock endpoints, blocked or accepted.
type ResultDTO struct {
	Status     string       `json:"status"`
	Event      *EventDTO    `json:"event,omitempty"`
	Charge     *ChargeDTO   `json:"charge,omitempty"`
	Warnings   []WarningDTO `json:"warnings,omitempty"`
	Conflict   *EventDTO    `json:"conflict,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Confidence int          `json:"confidence,omitempty"`
	Shift      *ShiftDTO    `json:"shift,omitempty"`
	Retryable  bool         `json:"retryable,omitempty"`
}

type EventDTO struct {
	ID                     string   `json:"id"`
	EmployeeID             string   `json:"employee_id"`
	ClockInTime            string   `json:"clock_in_time"`
	ClockOutTime           string   `json:"clock_out_time,omitempty"`
	LocationType           string   `json:"location_type"`
	ShiftType              string   `json:"shift_type"`
	IsLate                 bool     `json:"is_late"`
	LateByMinutes          int      `json:"late_by_minutes"`
	IsNightShift           bool     `json:"is_night_shift"`
	NightShiftHours        float64  `json:"night_shift_hours"`
	OvertimeHours          float64  `json:"overtime_hours"`
	TotalHours             float64  `json:"total_hours"`
	EarlyClosure           bool     `json:"early_closure"`
	ForcedClose            bool     `json:"forced_close,omitempty"`
	WithinGeofence         *bool    `json:"within_geofence,omitempty"`
	GeofenceDistanceMeters *float64 `json:"geofence_distance_meters,omitempty"`
	SiteID                 string   `json:"site_id,omitempty"`
	Latitude               *float64 `json:"latitude,omitempty"`
	Longitude              *float64 `json:"longitude,omitempty"`
	RuleVersion            int      `json:"rule_version"`
}

type ChargeDTO struct {
	ID                string `json:"id"`
	EmployeeID        string `json:"employee_id"`
	AttendanceEventID string `json:"attendance_event_id,omitempty"`
	ChargeType        string `json:"charge_type"`
	ViolationType     string `json:"violation_type"`
	BaseAmount        string `json:"base_amount"`
	MultiplierApplied string `json:"multiplier_applied"`
	FinalAmount       string `json:"final_amount"`
	Ordinal           int    `json:"ordinal"`
	ChargeDate        string `json:"charge_date"`
	Status            string `json:"status"`
	IdempotencyKey    string `json:"idempotency_key,omitempty"`
	CreatedAt         string `json:"created_at"`
}

type ShiftDTO struct {
	Date         string  `json:"date,omitempty"`
	Shift        string  `json:"shift"`
	Source       string  `json:"source"`
	Ambiguous    bool    `json:"ambiguous,omitempty"`
	AssignmentID string  `json:"assignment_id,omitempty"`
	NightRatio   float64 `json:"night_ratio,omitempty"`
}

type AuditFactDTO struct {
	ID     string `json:"id"`
	Actor  string `json:"actor"`
	Action string `json:"action"`
	Target string `json:"target"`
	Reason string `json:"reason,omitempty"`
	At     string `json:"at"`
}

// =============================================================================
// CHARGE REQUESTS
// =============================================================================

// ViolationRequest reports an externally detected violation.
type ViolationRequest struct {
	ViolationType  string          `json:"violation_type"`
	OccurredAt     *time.Time      `json:"occurred_at,omitempty"`
	EventID        string          `json:"event_id,omitempty"`
	BaseAmount     *factory.Amount `json:"base_amount,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type ChargeStatusRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// ADMIN
// =============================================================================

type FieldTripRequest struct {
	StartedAt *time.Time `json:"started_at,omitempty"`
	Note      string     `json:"note,omitempty"`
}

type FieldTripDTO struct {
	ID         string `json:"id"`
	EmployeeID string `json:"employee_id"`
	StartedAt  string `json:"started_at"`
	Status     string `json:"status"`
	Note       string `json:"note,omitempty"`
}

type SweepReportDTO struct {
	Day             string   `json:"day"`
	ForceClosed     int      `json:"force_closed"`
	StillOpen       int      `json:"still_open"`
	AbsencesCharged int      `json:"absences_charged"`
	AbsencesSkipped int      `json:"absences_skipped"`
	Failures        []string `json:"failures,omitempty"`
}

// ErrorResponse is the body of every non-2xx error.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func toResultDTO(r *clock.Result) ResultDTO {
	dto := ResultDTO{
		Status:     string(r.Status),
		Reason:     r.Reason,
		Confidence: r.Confidence,
		Retryable:  r.Status == clock.StatusSecurityBlocked,
	}
	if r.Event != nil {
		e := toEventDTO(*r.Event)
		dto.Event = &e
	}
	if r.Charge != nil {
		c := toChargeDTO(*r.Charge)
		dto.Charge = &c
	}
	if r.Conflict != nil {
		c := toEventDTO(*r.Conflict)
		dto.Conflict = &c
	}
	if r.Shift != nil {
		s := toShiftDTO(*r.Shift, "")
		dto.Shift = &s
	}
	for _, w := range r.Warnings {
		dto.Warnings = append(dto.Warnings, WarningDTO{Code: string(w.Code), Message: w.Message})
	}
	return dto
}

func toEventDTO(e attendance.AttendanceEvent) EventDTO {
	dto := EventDTO{
		ID:                     e.ID,
		EmployeeID:             string(e.EmployeeID),
		ClockInTime:            e.ClockInTime.Format(time.RFC3339),
		LocationType:           string(e.LocationType),
		ShiftType:              string(e.ShiftType),
		IsLate:                 e.IsLate,
		LateByMinutes:          e.LateByMinutes,
		IsNightShift:           e.IsNightShift,
		NightShiftHours:        e.NightShiftHours,
		OvertimeHours:          e.OvertimeHours,
		TotalHours:             e.TotalHours,
		EarlyClosure:           e.EarlyClosure,
		ForcedClose:            e.ForcedClose,
		WithinGeofence:         e.WithinGeofence,
		GeofenceDistanceMeters: e.GeofenceDistanceMeters,
		SiteID:                 e.SiteID,
		Latitude:               e.Latitude,
		Longitude:              e.Longitude,
		RuleVersion:            e.RuleVersion,
	}
	if e.ClockOutTime != nil {
		dto.ClockOutTime = e.ClockOutTime.Format(time.RFC3339)
	}
	return dto
}

func toChargeDTO(c attendance.Charge) ChargeDTO {
	return ChargeDTO{
		ID:                c.ID,
		EmployeeID:        string(c.EmployeeID),
		AttendanceEventID: c.AttendanceEventID,
		ChargeType:        string(c.ChargeType),
		ViolationType:     string(c.ViolationType),
		BaseAmount:        c.BaseAmount.String(),
		MultiplierApplied: c.MultiplierApplied.String(),
		FinalAmount:       c.FinalAmount.String(),
		Ordinal:           c.Ordinal,
		ChargeDate:        c.ChargeDate.Format(time.RFC3339),
		Status:            string(c.Status),
		IdempotencyKey:    c.IdempotencyKey,
		CreatedAt:         c.CreatedAt.Format(time.RFC3339),
	}
}

func toShiftDTO(r shift.Resolution, date string) ShiftDTO {
	return ShiftDTO{
		Date:         date,
		Shift:        string(r.Shift),
		Source:       string(r.Source),
		Ambiguous:    r.Ambiguous,
		AssignmentID: r.AssignmentID,
		NightRatio:   r.NightRatio,
	}
}

func toAuditFactDTO(f attendance.AuditFact) AuditFactDTO {
	return AuditFactDTO{
		ID:     f.ID,
		Actor:  f.Actor,
		Action: string(f.Action),
		Target: f.Target,
		Reason: f.Reason,
		At:     f.At.Format(time.RFC3339),
	}
}

func toAttendanceRuleJSON(r attendance.AttendanceRule) factory.AttendanceRuleJSON {
	return factory.AttendanceRuleJSON{
		ID:                       r.ID,
		Version:                  r.Version,
		WorkStart:                r.WorkStart.String(),
		WorkEnd:                  r.WorkEnd.String(),
		GracePeriodMinutes:       r.GracePeriodMinutes,
		LateThresholdMinutes:     r.LateThresholdMinutes,
		LateChargeAmount:         factory.Amount{Decimal: r.LateChargeAmount},
		AbsenceChargeAmount:      factory.Amount{Decimal: r.AbsenceChargeAmount},
		EarlyClosureChargeAmount: factory.Amount{Decimal: r.EarlyClosureChargeAmount},
		NightShiftStart:          r.NightShiftStart.String(),
		NightShiftEnd:            r.NightShiftEnd.String(),
		OvertimeRate:             factory.Amount{Decimal: r.OvertimeRate},
		NightShiftRate:           factory.Amount{Decimal: r.NightShiftRate},
		MinimumWorkHours:         r.MinimumWorkHours,
		IsActive:                 r.IsActive,
	}
}

func toSweepReportDTO(r clock.SweepReport) SweepReportDTO {
	return SweepReportDTO{
		Day:             r.Day,
		ForceClosed:     r.ForceClosed,
		StillOpen:       r.StillOpen,
		AbsencesCharged: r.AbsencesCharged,
		AbsencesSkipped: r.AbsencesSkipped,
		Failures:        r.Failures,
	}
}
