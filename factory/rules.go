/*
Package factory converts JSON or YAML rule documents into attendance types.

PURPOSE:
  Attendance rules, escalation tiers, shift assignments, sites and the
  roster are configuration, not code. HR edits a document, the factory
  validates it and builds the attendance structs, and Seed writes them
  through an attendance.ConfigWriter.

DOCUMENT SCHEMA (YAML shown, JSON uses the same keys):
  attendance_rules:
    - id: rule-2024
      version: 3
      work_start: "09:00"
      work_end: "17:00"
      grace_period_minutes: 15
      late_charge_amount: 50000
      absence_charge_amount: 100000
      early_closure_charge_amount: 25000
      night_shift_start: "22:00"
      night_shift_end: "06:00"
      minimum_work_hours: 7
      is_active: true
  escalation_rules:
    - id: esc-late
      violation_type: late_arrival
      lookback_period_days: 30
      reset_after_days: 14
      is_active: true
      tiers:
        - {occurrence_count: 2, multiplier: 1.5}
        - {occurrence_count: 3, multiplier: 2}
  shift_assignments:
    - {id: a1, employee_id: emp-1, shift_type: night, start_date: 2024-03-04, end_date: 2024-03-10}
  sites:
    - {id: hq, name: HQ, lat: -6.2, lng: 106.8166, radius_meters: 100}
  employees:
    - {id: emp-1, name: Ayu}

VALIDATION:
  Every problem is reported as *attendance.ValidationError with a field path
  such as attendance_rules[0].work_start. A document may mark at most one
  attendance rule active.

USAGE:
  f := factory.NewRuleFactory()
  bundle, err := f.ParseFile("rules.yaml")
  if err != nil { ... }
  err = f.Seed(ctx, store, bundle)

SEE ALSO:
  - attendance/types.go: target types
  - api/handlers.go: single-entity endpoints reuse the JSON types below
*/
package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/attendance-engine/attendance"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// Amount accepts a number or a numeric string in both JSON and YAML.
type Amount struct {
	decimal.Decimal
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	return a.set(strings.Trim(string(b), `"`))
}

func (a *Amount) UnmarshalYAML(n *yaml.Node) error {
	return a.set(n.Value)
}

func (a *Amount) set(raw string) error {
	if raw == "" || raw == "null" {
		a.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid amount %q", raw)
	}
	a.Decimal = d
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Decimal.String())
}

type Document struct {
	AttendanceRules  []AttendanceRuleJSON  `json:"attendance_rules,omitempty" yaml:"attendance_rules,omitempty"`
	EscalationRules  []EscalationRuleJSON  `json:"escalation_rules,omitempty" yaml:"escalation_rules,omitempty"`
	ShiftAssignments []ShiftAssignmentJSON `json:"shift_assignments,omitempty" yaml:"shift_assignments,omitempty"`
	Sites            []SiteJSON            `json:"sites,omitempty" yaml:"sites,omitempty"`
	Employees        []EmployeeJSON        `json:"employees,omitempty" yaml:"employees,omitempty"`
}

type AttendanceRuleJSON struct {
	ID                       string  `json:"id" yaml:"id"`
	Version                  int     `json:"version" yaml:"version"`
	WorkStart                string  `json:"work_start" yaml:"work_start"`
	WorkEnd                  string  `json:"work_end" yaml:"work_end"`
	GracePeriodMinutes       int     `json:"grace_period_minutes" yaml:"grace_period_minutes"`
	LateThresholdMinutes     int     `json:"late_threshold_minutes,omitempty" yaml:"late_threshold_minutes,omitempty"`
	LateChargeAmount         Amount  `json:"late_charge_amount" yaml:"late_charge_amount"`
	AbsenceChargeAmount      Amount  `json:"absence_charge_amount" yaml:"absence_charge_amount"`
	EarlyClosureChargeAmount Amount  `json:"early_closure_charge_amount" yaml:"early_closure_charge_amount"`
	NightShiftStart          string  `json:"night_shift_start" yaml:"night_shift_start"`
	NightShiftEnd            string  `json:"night_shift_end" yaml:"night_shift_end"`
	OvertimeRate             Amount  `json:"overtime_rate" yaml:"overtime_rate"`
	NightShiftRate           Amount  `json:"night_shift_rate" yaml:"night_shift_rate"`
	MinimumWorkHours         float64 `json:"minimum_work_hours,omitempty" yaml:"minimum_work_hours,omitempty"`
	IsActive                 bool    `json:"is_active" yaml:"is_active"`
}

type EscalationRuleJSON struct {
	ID                 string     `json:"id" yaml:"id"`
	ViolationType      string     `json:"violation_type" yaml:"violation_type"`
	LookbackPeriodDays int        `json:"lookback_period_days" yaml:"lookback_period_days"`
	ResetAfterDays     int        `json:"reset_after_days,omitempty" yaml:"reset_after_days,omitempty"`
	Tiers              []TierJSON `json:"tiers" yaml:"tiers"`
	IsActive           bool       `json:"is_active" yaml:"is_active"`
}

type TierJSON struct {
	OccurrenceCount int    `json:"occurrence_count" yaml:"occurrence_count"`
	Multiplier      Amount `json:"multiplier" yaml:"multiplier"`
}

type ShiftAssignmentJSON struct {
	ID         string `json:"id" yaml:"id"`
	EmployeeID string `json:"employee_id" yaml:"employee_id"`
	ShiftType  string `json:"shift_type" yaml:"shift_type"`
	StartDate  string `json:"start_date" yaml:"start_date"` // YYYY-MM-DD
	EndDate    string `json:"end_date" yaml:"end_date"`     // YYYY-MM-DD, inclusive
	IsActive   *bool  `json:"is_active,omitempty" yaml:"is_active,omitempty"`
	CreatedAt  string `json:"created_at,omitempty" yaml:"created_at,omitempty"` // RFC3339, breaks overlap ties
}

type SiteJSON struct {
	ID           string  `json:"id" yaml:"id"`
	Name         string  `json:"name" yaml:"name"`
	Lat          float64 `json:"lat" yaml:"lat"`
	Lng          float64 `json:"lng" yaml:"lng"`
	RadiusMeters float64 `json:"radius_meters" yaml:"radius_meters"`
	IsActive     *bool   `json:"is_active,omitempty" yaml:"is_active,omitempty"`
}

type EmployeeJSON struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email,omitempty" yaml:"email,omitempty"`
}

// Bundle is a validated document.
type Bundle struct {
	AttendanceRules  []attendance.AttendanceRule
	EscalationRules  []attendance.EscalationRule
	ShiftAssignments []attendance.ShiftAssignment
	Sites            []attendance.Site
	Employees        []attendance.Employee
}

// =============================================================================
// RULE FACTORY
// =============================================================================

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// RuleFactory converts rule documents to attendance structs.
type RuleFactory struct {
	now func() time.Time
}

func NewRuleFactory() *RuleFactory {
	return &RuleFactory{now: time.Now}
}

// ParseFile reads path and picks the format from its extension.
func (f *RuleFactory) ParseFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule document: %w", err)
	}
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	return f.Parse(data, format)
}

// Parse decodes a document. Unknown keys are rejected.
func (f *RuleFactory) Parse(data []byte, format Format) (*Bundle, error) {
	var doc Document
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to parse rule JSON: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to parse rule YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown rule document format %q", format)
	}
	return f.FromDocument(doc)
}

// FromDocument validates doc and builds a Bundle.
func (f *RuleFactory) FromDocument(doc Document) (*Bundle, error) {
	b := &Bundle{}
	active := 0
	for i, rj := range doc.AttendanceRules {
		r, err := f.AttendanceRule(rj)
		if err != nil {
			return nil, prefix(fmt.Sprintf("attendance_rules[%d]", i), err)
		}
		if r.IsActive {
			active++
		}
		b.AttendanceRules = append(b.AttendanceRules, r)
	}
	if active > 1 {
		return nil, &attendance.ValidationError{Field: "attendance_rules", Message: fmt.Sprintf("%d rules marked active, at most one allowed", active)}
	}
	for i, ej := range doc.EscalationRules {
		r, err := f.EscalationRule(ej)
		if err != nil {
			return nil, prefix(fmt.Sprintf("escalation_rules[%d]", i), err)
		}
		b.EscalationRules = append(b.EscalationRules, r)
	}
	for i, aj := range doc.ShiftAssignments {
		a, err := f.ShiftAssignment(aj)
		if err != nil {
			return nil, prefix(fmt.Sprintf("shift_assignments[%d]", i), err)
		}
		b.ShiftAssignments = append(b.ShiftAssignments, a)
	}
	for i, sj := range doc.Sites {
		s, err := f.Site(sj)
		if err != nil {
			return nil, prefix(fmt.Sprintf("sites[%d]", i), err)
		}
		b.Sites = append(b.Sites, s)
	}
	for i, ej := range doc.Employees {
		e, err := f.Employee(ej)
		if err != nil {
			return nil, prefix(fmt.Sprintf("employees[%d]", i), err)
		}
		b.Employees = append(b.Employees, e)
	}
	return b, nil
}

// Seed writes the bundle. An active rule in the bundle becomes the only
// active rule in the store.
func (f *RuleFactory) Seed(ctx context.Context, w attendance.ConfigWriter, b *Bundle) error {
	var activate string
	for _, r := range b.AttendanceRules {
		if err := w.SaveAttendanceRule(ctx, r); err != nil {
			return fmt.Errorf("save attendance rule %s: %w", r.ID, err)
		}
		if r.IsActive {
			activate = r.ID
		}
	}
	if activate != "" {
		if err := w.ActivateAttendanceRule(ctx, activate); err != nil {
			return fmt.Errorf("activate attendance rule %s: %w", activate, err)
		}
	}
	for _, r := range b.EscalationRules {
		if err := w.SaveEscalationRule(ctx, r); err != nil {
			return fmt.Errorf("save escalation rule %s: %w", r.ID, err)
		}
	}
	for _, a := range b.ShiftAssignments {
		if err := w.SaveShiftAssignment(ctx, a); err != nil {
			return fmt.Errorf("save shift assignment %s: %w", a.ID, err)
		}
	}
	for _, s := range b.Sites {
		if err := w.SaveSite(ctx, s); err != nil {
			return fmt.Errorf("save site %s: %w", s.ID, err)
		}
	}
	for _, e := range b.Employees {
		if err := w.SaveEmployee(ctx, e); err != nil {
			return fmt.Errorf("save employee %s: %w", e.ID, err)
		}
	}
	return nil
}

// =============================================================================
// ENTITY CONVERSION
// =============================================================================

func (f *RuleFactory) AttendanceRule(rj AttendanceRuleJSON) (attendance.AttendanceRule, error) {
	r := attendance.AttendanceRule{
		ID:                       rj.ID,
		Version:                  rj.Version,
		GracePeriodMinutes:       rj.GracePeriodMinutes,
		LateThresholdMinutes:     rj.LateThresholdMinutes,
		LateChargeAmount:         rj.LateChargeAmount.Decimal,
		AbsenceChargeAmount:      rj.AbsenceChargeAmount.Decimal,
		EarlyClosureChargeAmount: rj.EarlyClosureChargeAmount.Decimal,
		OvertimeRate:             rj.OvertimeRate.Decimal,
		NightShiftRate:           rj.NightShiftRate.Decimal,
		MinimumWorkHours:         rj.MinimumWorkHours,
		IsActive:                 rj.IsActive,
		CreatedAt:                f.now(),
	}
	if r.ID == "" {
		return r, invalid("id", "required")
	}
	if r.Version <= 0 {
		r.Version = 1
	}
	if r.GracePeriodMinutes < 0 {
		return r, invalid("grace_period_minutes", "must not be negative")
	}
	if r.MinimumWorkHours < 0 {
		return r, invalid("minimum_work_hours", "must not be negative")
	}

	for _, t := range []struct {
		field string
		raw   string
		dst   *attendance.TimeOfDay
	}{
		{"work_start", rj.WorkStart, &r.WorkStart},
		{"work_end", rj.WorkEnd, &r.WorkEnd},
		{"night_shift_start", rj.NightShiftStart, &r.NightShiftStart},
		{"night_shift_end", rj.NightShiftEnd, &r.NightShiftEnd},
	} {
		tod, err := attendance.ParseTimeOfDay(t.raw)
		if err != nil {
			return r, invalid(t.field, err.Error())
		}
		*t.dst = tod
	}

	for _, a := range []struct {
		field string
		v     decimal.Decimal
	}{
		{"late_charge_amount", r.LateChargeAmount},
		{"absence_charge_amount", r.AbsenceChargeAmount},
		{"early_closure_charge_amount", r.EarlyClosureChargeAmount},
		{"overtime_rate", r.OvertimeRate},
		{"night_shift_rate", r.NightShiftRate},
	} {
		if a.v.IsNegative() {
			return r, invalid(a.field, "must not be negative")
		}
	}
	return r, nil
}

func (f *RuleFactory) EscalationRule(ej EscalationRuleJSON) (attendance.EscalationRule, error) {
	r := attendance.EscalationRule{
		ID:                 ej.ID,
		ViolationType:      attendance.ViolationType(ej.ViolationType),
		LookbackPeriodDays: ej.LookbackPeriodDays,
		ResetAfterDays:     ej.ResetAfterDays,
		IsActive:           ej.IsActive,
	}
	if r.ID == "" {
		return r, invalid("id", "required")
	}
	if !r.ViolationType.Valid() {
		return r, invalid("violation_type", fmt.Sprintf("unknown %q", ej.ViolationType))
	}
	if r.LookbackPeriodDays < 0 {
		return r, invalid("lookback_period_days", "must not be negative")
	}
	if r.ResetAfterDays < 0 {
		return r, invalid("reset_after_days", "must not be negative")
	}
	seen := make(map[int]bool)
	for i, tj := range ej.Tiers {
		field := fmt.Sprintf("tiers[%d]", i)
		if tj.OccurrenceCount < 1 {
			return r, invalid(field+".occurrence_count", "must be at least 1")
		}
		if seen[tj.OccurrenceCount] {
			return r, invalid(field+".occurrence_count", fmt.Sprintf("duplicate count %d", tj.OccurrenceCount))
		}
		seen[tj.OccurrenceCount] = true
		if !tj.Multiplier.IsPositive() {
			return r, invalid(field+".multiplier", "must be positive")
		}
		r.Tiers = append(r.Tiers, attendance.EscalationTier{OccurrenceCount: tj.OccurrenceCount, Multiplier: tj.Multiplier.Decimal})
	}
	attendance.SortTiers(r.Tiers)
	return r, nil
}

func (f *RuleFactory) ShiftAssignment(aj ShiftAssignmentJSON) (attendance.ShiftAssignment, error) {
	a := attendance.ShiftAssignment{
		ID:         aj.ID,
		EmployeeID: attendance.EmployeeID(aj.EmployeeID),
		ShiftType:  attendance.ShiftType(aj.ShiftType),
		IsActive:   aj.IsActive == nil || *aj.IsActive,
		CreatedAt:  f.now(),
	}
	if a.ID == "" {
		return a, invalid("id", "required")
	}
	if a.EmployeeID == "" {
		return a, invalid("employee_id", "required")
	}
	if !a.ShiftType.Valid() {
		return a, invalid("shift_type", fmt.Sprintf("unknown %q", aj.ShiftType))
	}
	var err error
	if a.StartDate, err = time.Parse(time.DateOnly, aj.StartDate); err != nil {
		return a, invalid("start_date", "want YYYY-MM-DD")
	}
	if a.EndDate, err = time.Parse(time.DateOnly, aj.EndDate); err != nil {
		return a, invalid("end_date", "want YYYY-MM-DD")
	}
	if a.EndDate.Before(a.StartDate) {
		return a, invalid("end_date", "before start_date")
	}
	if aj.CreatedAt != "" {
		if a.CreatedAt, err = time.Parse(time.RFC3339, aj.CreatedAt); err != nil {
			return a, invalid("created_at", "want RFC3339")
		}
	}
	return a, nil
}

func (f *RuleFactory) Site(sj SiteJSON) (attendance.Site, error) {
	s := attendance.Site{
		ID:           sj.ID,
		Name:         sj.Name,
		Center:       attendance.Point{Lat: sj.Lat, Lng: sj.Lng},
		RadiusMeters: sj.RadiusMeters,
		IsActive:     sj.IsActive == nil || *sj.IsActive,
	}
	if s.ID == "" {
		return s, invalid("id", "required")
	}
	if sj.Lat < -90 || sj.Lat > 90 {
		return s, invalid("lat", "must be within -90..90")
	}
	if sj.Lng < -180 || sj.Lng > 180 {
		return s, invalid("lng", "must be within -180..180")
	}
	if sj.RadiusMeters <= 0 {
		return s, invalid("radius_meters", "must be positive")
	}
	return s, nil
}

func (f *RuleFactory) Employee(ej EmployeeJSON) (attendance.Employee, error) {
	if ej.ID == "" {
		return attendance.Employee{}, invalid("id", "required")
	}
	return attendance.Employee{
		ID:        attendance.EmployeeID(ej.ID),
		Name:      ej.Name,
		Email:     ej.Email,
		CreatedAt: f.now(),
	}, nil
}

func invalid(field, msg string) error {
	return &attendance.ValidationError{Field: field, Message: msg}
}

func prefix(path string, err error) error {
	if ve, ok := err.(*attendance.ValidationError); ok {
		return &attendance.ValidationError{Field: path + "." + ve.Field, Message: ve.Message}
	}
	return fmt.Errorf("%s: %w", path, err)
}
