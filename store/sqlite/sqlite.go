/*
Package sqlite provides a SQLite-backed implementation of attendance.Store.

PURPOSE:
  Durable storage for rules, shift assignments, sites, the roster and the
  attendance ledger (events, charges, field trips, fingerprints, audit facts).
  The same schema carries over to PostgreSQL with minor dialect changes.

KEY TABLES:
  attendance_rules:   versioned work-hours rules (exactly one active)
  escalation_rules:   per-violation tiers, tiers_json
  shift_assignments:  date-granular employee shift assignments
  sites:              office geofences
  employees:          roster used by the end-of-day sweep
  attendance_events:  clock log, closed once by clock-out
  charges:            priced violations, idempotency_key UNIQUE
  field_trips:        active/completed trips
  fingerprints:       baseline device fingerprint per employee
  audit_facts:        append-only audit trail

TIME ENCODING:
  Instants are stored as fixed-width UTC text (timeLayout) so string
  comparison in SQL matches chronological order. Assignment bounds are
  stored as YYYY-MM-DD.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  whole transaction.

USAGE:
  store, err := sqlite.New("./data/attendance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - attendance/store.go: interface definitions
  - store/memory/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/attendance-engine/attendance"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements attendance.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ attendance.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attendance_rules (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 1,
		work_start TEXT NOT NULL,
		work_end TEXT NOT NULL,
		grace_period_minutes INTEGER NOT NULL DEFAULT 0,
		late_threshold_minutes INTEGER NOT NULL DEFAULT 0,
		late_charge_amount TEXT NOT NULL,
		absence_charge_amount TEXT NOT NULL,
		early_closure_charge_amount TEXT NOT NULL,
		night_shift_start TEXT NOT NULL,
		night_shift_end TEXT NOT NULL,
		overtime_rate TEXT NOT NULL,
		night_shift_rate TEXT NOT NULL,
		minimum_work_hours REAL NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attendance_rules_active
		ON attendance_rules(is_active);

	CREATE TABLE IF NOT EXISTS escalation_rules (
		id TEXT PRIMARY KEY,
		violation_type TEXT NOT NULL,
		lookback_period_days INTEGER NOT NULL,
		reset_after_days INTEGER NOT NULL DEFAULT 0,
		tiers_json TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_escalation_rules_type
		ON escalation_rules(violation_type, is_active);

	CREATE TABLE IF NOT EXISTS shift_assignments (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		shift_type TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_shift_assignments_employee
		ON shift_assignments(employee_id, start_date, end_date);

	CREATE TABLE IF NOT EXISTS sites (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		radius_meters REAL NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attendance_events (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		clock_in_time TEXT NOT NULL,
		clock_out_time TEXT,
		location_type TEXT NOT NULL,
		shift_type TEXT NOT NULL,
		is_late BOOLEAN NOT NULL DEFAULT FALSE,
		late_by_minutes INTEGER NOT NULL DEFAULT 0,
		is_night_shift BOOLEAN NOT NULL DEFAULT FALSE,
		night_shift_hours REAL NOT NULL DEFAULT 0,
		overtime_hours REAL NOT NULL DEFAULT 0,
		total_hours REAL NOT NULL DEFAULT 0,
		early_closure BOOLEAN NOT NULL DEFAULT FALSE,
		forced_close BOOLEAN NOT NULL DEFAULT FALSE,
		within_geofence BOOLEAN,
		geofence_distance_m REAL,
		site_id TEXT,
		latitude REAL,
		longitude REAL,
		rule_version INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Hot path: today's events and escalation lookbacks
	CREATE INDEX IF NOT EXISTS idx_events_employee_clock_in
		ON attendance_events(employee_id, clock_in_time);
	CREATE INDEX IF NOT EXISTS idx_events_open
		ON attendance_events(clock_in_time) WHERE clock_out_time IS NULL;

	CREATE TABLE IF NOT EXISTS charges (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		attendance_event_id TEXT,
		charge_type TEXT NOT NULL,
		violation_type TEXT NOT NULL,
		base_amount TEXT NOT NULL,
		multiplier_applied TEXT NOT NULL,
		final_amount TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		charge_date TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_charges_employee_type_date
		ON charges(employee_id, violation_type, charge_date);

	CREATE TABLE IF NOT EXISTS field_trips (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		note TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_field_trips_employee_status
		ON field_trips(employee_id, status);

	CREATE TABLE IF NOT EXISTS fingerprints (
		employee_id TEXT PRIMARY KEY,
		fingerprint_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_facts (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		target TEXT NOT NULL,
		reason TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_facts_target
		ON audit_facts(target, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// RULE CONFIG PROVIDER
// =============================================================================

const ruleColumns = `id, version, work_start, work_end, grace_period_minutes, late_threshold_minutes,
	late_charge_amount, absence_charge_amount, early_closure_charge_amount,
	night_shift_start, night_shift_end, overtime_rate, night_shift_rate,
	minimum_work_hours, is_active, created_at`

func (s *Store) ActiveAttendanceRule(ctx context.Context) (attendance.AttendanceRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+ruleColumns+" FROM attendance_rules WHERE is_active = TRUE")
	if err != nil {
		return attendance.AttendanceRule{}, fmt.Errorf("failed to query attendance rules: %w", err)
	}
	defer rows.Close()

	var rules []attendance.AttendanceRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return attendance.AttendanceRule{}, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return attendance.AttendanceRule{}, err
	}
	return attendance.SelectActiveRule(rules)
}

func scanRule(row scanner) (attendance.AttendanceRule, error) {
	var (
		r                                            attendance.AttendanceRule
		workStart, workEnd, nightStart, nightEnd     string
		lateAmt, absenceAmt, earlyAmt, otRate, nRate string
		createdAt                                    string
	)
	err := row.Scan(&r.ID, &r.Version, &workStart, &workEnd, &r.GracePeriodMinutes, &r.LateThresholdMinutes,
		&lateAmt, &absenceAmt, &earlyAmt, &nightStart, &nightEnd, &otRate, &nRate,
		&r.MinimumWorkHours, &r.IsActive, &createdAt)
	if err != nil {
		return r, fmt.Errorf("failed to scan attendance rule: %w", err)
	}

	for _, f := range []struct {
		dst *attendance.TimeOfDay
		src string
	}{{&r.WorkStart, workStart}, {&r.WorkEnd, workEnd}, {&r.NightShiftStart, nightStart}, {&r.NightShiftEnd, nightEnd}} {
		if *f.dst, err = attendance.ParseTimeOfDay(f.src); err != nil {
			return r, fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	r.LateChargeAmount = parseDecimal(lateAmt)
	r.AbsenceChargeAmount = parseDecimal(absenceAmt)
	r.EarlyClosureChargeAmount = parseDecimal(earlyAmt)
	r.OvertimeRate = parseDecimal(otRate)
	r.NightShiftRate = parseDecimal(nRate)
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}

// ActiveEscalationRule picks the highest ID when several rules are active.
func (s *Store) ActiveEscalationRule(ctx context.Context, vt attendance.ViolationType) (*attendance.EscalationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		r         attendance.EscalationRule
		tiersJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, violation_type, lookback_period_days, reset_after_days, tiers_json, is_active
		FROM escalation_rules
		WHERE violation_type = ? AND is_active = TRUE
		ORDER BY id DESC LIMIT 1`, string(vt),
	).Scan(&r.ID, &r.ViolationType, &r.LookbackPeriodDays, &r.ResetAfterDays, &tiersJSON, &r.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load escalation rule: %w", err)
	}
	if err := json.Unmarshal([]byte(tiersJSON), &r.Tiers); err != nil {
		return nil, fmt.Errorf("escalation rule %s tiers: %w", r.ID, err)
	}
	return &r, nil
}

// ShiftAssignments returns assignments overlapping [from, to] ordered by created_at.
func (s *Store) ShiftAssignments(ctx context.Context, employeeID attendance.EmployeeID, from, to time.Time) ([]attendance.ShiftAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, employee_id, shift_type, start_date, end_date, is_active, created_at
		FROM shift_assignments
		WHERE employee_id = ? AND end_date >= ? AND start_date <= ?
		ORDER BY created_at ASC, id ASC`,
		string(employeeID), attendance.DayKey(from), attendance.DayKey(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query shift assignments: %w", err)
	}
	defer rows.Close()

	var out []attendance.ShiftAssignment
	for rows.Next() {
		var (
			a                     attendance.ShiftAssignment
			start, end, createdAt string
		)
		if err := rows.Scan(&a.ID, &a.EmployeeID, &a.ShiftType, &start, &end, &a.IsActive, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan shift assignment: %w", err)
		}
		a.StartDate, _ = time.Parse(time.DateOnly, start)
		a.EndDate, _ = time.Parse(time.DateOnly, end)
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// EVENT READER
// =============================================================================

const eventColumns = `id, employee_id, clock_in_time, clock_out_time, location_type, shift_type,
	is_late, late_by_minutes, is_night_shift, night_shift_hours, overtime_hours, total_hours,
	early_closure, forced_close, within_geofence, geofence_distance_m, site_id, latitude, longitude,
	rule_version, created_at`

func (s *Store) EventsBetween(ctx context.Context, employeeID attendance.EmployeeID, from, to time.Time) ([]attendance.AttendanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryEvents(ctx, s.db, `
		SELECT `+eventColumns+` FROM attendance_events
		WHERE employee_id = ? AND clock_in_time >= ? AND clock_in_time < ?
		ORDER BY clock_in_time ASC, id ASC`,
		string(employeeID), formatTime(from), formatTime(to),
	)
}

func (s *Store) LastLocatedEvent(ctx context.Context, employeeID attendance.EmployeeID, before time.Time) (*attendance.AttendanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM attendance_events
		WHERE employee_id = ? AND clock_in_time < ? AND latitude IS NOT NULL AND longitude IS NOT NULL
		ORDER BY clock_in_time DESC LIMIT 1`,
		string(employeeID), formatTime(before),
	)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) OpenEvents(ctx context.Context, before time.Time) ([]attendance.AttendanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryEvents(ctx, s.db, `
		SELECT `+eventColumns+` FROM attendance_events
		WHERE clock_out_time IS NULL AND clock_in_time < ?
		ORDER BY clock_in_time ASC, id ASC`,
		formatTime(before),
	)
}

func (s *Store) GetEvent(ctx context.Context, id string) (*attendance.AttendanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getEvent(ctx, s.db, id)
}

func getEvent(ctx context.Context, q queryer, id string) (*attendance.AttendanceEvent, error) {
	e, err := scanEvent(q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM attendance_events WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, attendance.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func queryEvents(ctx context.Context, q queryer, query string, args ...any) ([]attendance.AttendanceEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []attendance.AttendanceEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(row scanner) (attendance.AttendanceEvent, error) {
	var (
		e                  attendance.AttendanceEvent
		clockIn, createdAt string
		clockOut, siteID   sql.NullString
		within             sql.NullBool
		distance, lat, lng sql.NullFloat64
	)
	err := row.Scan(&e.ID, &e.EmployeeID, &clockIn, &clockOut, &e.LocationType, &e.ShiftType,
		&e.IsLate, &e.LateByMinutes, &e.IsNightShift, &e.NightShiftHours, &e.OvertimeHours, &e.TotalHours,
		&e.EarlyClosure, &e.ForcedClose, &within, &distance, &siteID, &lat, &lng,
		&e.RuleVersion, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, err
	}
	if err != nil {
		return e, fmt.Errorf("failed to scan event: %w", err)
	}

	e.ClockInTime = parseTime(clockIn)
	e.CreatedAt = parseTime(createdAt)
	if clockOut.Valid {
		t := parseTime(clockOut.String)
		e.ClockOutTime = &t
	}
	if within.Valid {
		e.WithinGeofence = &within.Bool
	}
	if distance.Valid {
		e.GeofenceDistanceMeters = &distance.Float64
	}
	if lat.Valid && lng.Valid {
		e.Latitude, e.Longitude = &lat.Float64, &lng.Float64
	}
	e.SiteID = siteID.String
	return e, nil
}

// =============================================================================
// VIOLATION READER - derived from events and charges
// =============================================================================

func (s *Store) ViolationsBetween(ctx context.Context, employeeID attendance.EmployeeID, vt attendance.ViolationType, from, to time.Time) ([]attendance.ViolationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !vt.Valid() {
		return nil, &attendance.ValidationError{Field: "violation_type", Message: "unknown " + string(vt)}
	}

	var query string
	args := []any{string(employeeID)}
	switch vt {
	case attendance.ViolationLateArrival:
		query = `SELECT clock_in_time FROM attendance_events
			WHERE employee_id = ? AND is_late = TRUE AND clock_in_time >= ? AND clock_in_time < ?
			ORDER BY clock_in_time ASC`
	case attendance.ViolationEarlyDeparture:
		query = `SELECT clock_out_time FROM attendance_events
			WHERE employee_id = ? AND early_closure = TRUE AND clock_out_time IS NOT NULL
			  AND clock_out_time >= ? AND clock_out_time < ?
			ORDER BY clock_out_time ASC`
	default:
		query = `SELECT charge_date FROM charges
			WHERE employee_id = ? AND violation_type = ? AND status != 'waived'
			  AND charge_date >= ? AND charge_date < ?
			ORDER BY charge_date ASC`
		args = append(args, string(vt))
	}
	args = append(args, formatTime(from), formatTime(to))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var out []attendance.ViolationRecord
	for rows.Next() {
		var at string
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		out = append(out, attendance.ViolationRecord{
			EmployeeID:          employeeID,
			ViolationType:       vt,
			OccurredAt:          parseTime(at),
			OrdinalWithinWindow: len(out) + 1,
		})
	}
	return out, rows.Err()
}

// =============================================================================
// CHARGES
// =============================================================================

const chargeColumns = `id, employee_id, attendance_event_id, charge_type, violation_type,
	base_amount, multiplier_applied, final_amount, ordinal, charge_date, status, idempotency_key, created_at`

func (s *Store) ChargesByEmployee(ctx context.Context, employeeID attendance.EmployeeID) ([]attendance.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+chargeColumns+" FROM charges WHERE employee_id = ? ORDER BY charge_date ASC, id ASC",
		string(employeeID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var out []attendance.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetCharge(ctx context.Context, id string) (*attendance.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getCharge(ctx, s.db, id)
}

func getCharge(ctx context.Context, q queryer, id string) (*attendance.Charge, error) {
	c, err := scanCharge(q.QueryRowContext(ctx, "SELECT "+chargeColumns+" FROM charges WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, attendance.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCharge(row scanner) (attendance.Charge, error) {
	var (
		c                       attendance.Charge
		eventID, key            sql.NullString
		base, multiplier, final string
		chargeDate, createdAt   string
	)
	err := row.Scan(&c.ID, &c.EmployeeID, &eventID, &c.ChargeType, &c.ViolationType,
		&base, &multiplier, &final, &c.Ordinal, &chargeDate, &c.Status, &key, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, err
	}
	if err != nil {
		return c, fmt.Errorf("failed to scan charge: %w", err)
	}
	c.AttendanceEventID = eventID.String
	c.IdempotencyKey = key.String
	c.BaseAmount = parseDecimal(base)
	c.MultiplierApplied = parseDecimal(multiplier)
	c.FinalAmount = parseDecimal(final)
	c.ChargeDate = parseTime(chargeDate)
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

// =============================================================================
// TRIPS, FINGERPRINTS, SITES, ROSTER, AUDIT
// =============================================================================

func (s *Store) ActiveFieldTrips(ctx context.Context, employeeID attendance.EmployeeID) ([]attendance.FieldTrip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, employee_id, started_at, ended_at, status, note
		FROM field_trips WHERE employee_id = ? AND status = 'active'
		ORDER BY started_at ASC`, string(employeeID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query field trips: %w", err)
	}
	defer rows.Close()

	var out []attendance.FieldTrip
	for rows.Next() {
		var (
			t           attendance.FieldTrip
			started     string
			ended, note sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.EmployeeID, &started, &ended, &t.Status, &note); err != nil {
			return nil, fmt.Errorf("failed to scan field trip: %w", err)
		}
		t.StartedAt = parseTime(started)
		if ended.Valid {
			e := parseTime(ended.String)
			t.EndedAt = &e
		}
		t.Note = note.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) StoredFingerprint(ctx context.Context, employeeID attendance.EmployeeID) (*attendance.Fingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT fingerprint_json FROM fingerprints WHERE employee_id = ?", string(employeeID),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load fingerprint: %w", err)
	}
	var fp attendance.Fingerprint
	if err := json.Unmarshal([]byte(raw), &fp); err != nil {
		return nil, fmt.Errorf("decode fingerprint: %w", err)
	}
	return &fp, nil
}

func (s *Store) ActiveSites(ctx context.Context) ([]attendance.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, lat, lng, radius_meters, is_active FROM sites WHERE is_active = TRUE ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sites: %w", err)
	}
	defer rows.Close()

	var out []attendance.Site
	for rows.Next() {
		var site attendance.Site
		if err := rows.Scan(&site.ID, &site.Name, &site.Center.Lat, &site.Center.Lng, &site.RadiusMeters, &site.IsActive); err != nil {
			return nil, err
		}
		out = append(out, site)
	}
	return out, rows.Err()
}

func (s *Store) Employees(ctx context.Context) ([]attendance.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, email, created_at FROM employees ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var employees []attendance.Employee
	for rows.Next() {
		var (
			emp       attendance.Employee
			email     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&emp.ID, &emp.Name, &email, &createdAt); err != nil {
			return nil, err
		}
		emp.Email = email.String
		emp.CreatedAt = parseTime(createdAt)
		employees = append(employees, emp)
	}
	return employees, rows.Err()
}

// AuditFacts returns facts for target in insertion order. An empty target
// returns every fact.
func (s *Store) AuditFacts(ctx context.Context, target string) ([]attendance.AuditFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, actor, action, target, reason, at FROM audit_facts"
	var args []any
	if target != "" {
		query += " WHERE target = ?"
		args = append(args, target)
	}
	query += " ORDER BY rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit facts: %w", err)
	}
	defer rows.Close()

	var out []attendance.AuditFact
	for rows.Next() {
		var (
			f      attendance.AuditFact
			reason sql.NullString
			at     string
		)
		if err := rows.Scan(&f.ID, &f.Actor, &f.Action, &f.Target, &reason, &at); err != nil {
			return nil, err
		}
		f.Reason = reason.String
		f.At = parseTime(at)
		out = append(out, f)
	}
	return out, rows.Err()
}

// =============================================================================
// CONFIG WRITER
// =============================================================================

func (s *Store) SaveAttendanceRule(ctx context.Context, r attendance.AttendanceRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO attendance_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			work_start = excluded.work_start,
			work_end = excluded.work_end,
			grace_period_minutes = excluded.grace_period_minutes,
			late_threshold_minutes = excluded.late_threshold_minutes,
			late_charge_amount = excluded.late_charge_amount,
			absence_charge_amount = excluded.absence_charge_amount,
			early_closure_charge_amount = excluded.early_closure_charge_amount,
			night_shift_start = excluded.night_shift_start,
			night_shift_end = excluded.night_shift_end,
			overtime_rate = excluded.overtime_rate,
			night_shift_rate = excluded.night_shift_rate,
			minimum_work_hours = excluded.minimum_work_hours,
			is_active = excluded.is_active
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Version, r.WorkStart.String(), r.WorkEnd.String(), r.GracePeriodMinutes, r.LateThresholdMinutes,
		r.LateChargeAmount.String(), r.AbsenceChargeAmount.String(), r.EarlyClosureChargeAmount.String(),
		r.NightShiftStart.String(), r.NightShiftEnd.String(), r.OvertimeRate.String(), r.NightShiftRate.String(),
		r.MinimumWorkHours, r.IsActive, formatTime(r.CreatedAt),
	)
	return err
}

// ActivateAttendanceRule makes id the only active rule.
func (s *Store) ActivateAttendanceRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var n int
	if err := sqlTx.QueryRowContext(ctx, "SELECT COUNT(*) FROM attendance_rules WHERE id = ?", id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return attendance.ErrNotFound
	}
	if _, err := sqlTx.ExecContext(ctx, "UPDATE attendance_rules SET is_active = (id = ?)", id); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) SaveEscalationRule(ctx context.Context, r attendance.EscalationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tiersJSON, err := json.Marshal(r.Tiers)
	if err != nil {
		return fmt.Errorf("encode tiers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escalation_rules (id, violation_type, lookback_period_days, reset_after_days, tiers_json, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			violation_type = excluded.violation_type,
			lookback_period_days = excluded.lookback_period_days,
			reset_after_days = excluded.reset_after_days,
			tiers_json = excluded.tiers_json,
			is_active = excluded.is_active`,
		r.ID, string(r.ViolationType), r.LookbackPeriodDays, r.ResetAfterDays, string(tiersJSON), r.IsActive,
	)
	return err
}

func (s *Store) SaveShiftAssignment(ctx context.Context, a attendance.ShiftAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shift_assignments (id, employee_id, shift_type, start_date, end_date, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			shift_type = excluded.shift_type,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			is_active = excluded.is_active`,
		a.ID, string(a.EmployeeID), string(a.ShiftType),
		attendance.DayKey(a.StartDate), attendance.DayKey(a.EndDate), a.IsActive, formatTime(a.CreatedAt),
	)
	return err
}

func (s *Store) SaveSite(ctx context.Context, site attendance.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sites (id, name, lat, lng, radius_meters, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			lat = excluded.lat,
			lng = excluded.lng,
			radius_meters = excluded.radius_meters,
			is_active = excluded.is_active`,
		site.ID, site.Name, site.Center.Lat, site.Center.Lng, site.RadiusMeters, site.IsActive,
	)
	return err
}

func (s *Store) SaveEmployee(ctx context.Context, emp attendance.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if emp.CreatedAt.IsZero() {
		emp.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees (id, name, email, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email`,
		string(emp.ID), emp.Name, nullString(emp.Email), formatTime(emp.CreatedAt),
	)
	return err
}

func (s *Store) StartFieldTrip(ctx context.Context, t attendance.FieldTrip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Status == "" {
		t.Status = attendance.TripActive
	}
	var ended sql.NullString
	if t.EndedAt != nil {
		ended = nullString(formatTime(*t.EndedAt))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO field_trips (id, employee_id, started_at, ended_at, status, note)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.EmployeeID), formatTime(t.StartedAt), ended, string(t.Status), nullString(t.Note),
	)
	return err
}

// =============================================================================
// SINK
// =============================================================================

// Direct Sink calls each run in their own implicit transaction.

func (s *Store) RecordEvent(ctx context.Context, e attendance.AttendanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordEvent(ctx, s.db, e)
}

func (s *Store) CloseEvent(ctx context.Context, e attendance.AttendanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return closeEvent(ctx, s.db, e)
}

func (s *Store) RecordCharge(ctx context.Context, c attendance.Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordCharge(ctx, s.db, c)
}

func (s *Store) UpdateChargeStatus(ctx context.Context, id string, status attendance.ChargeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateChargeStatus(ctx, s.db, id, status)
}

func (s *Store) RecordAuditFact(ctx context.Context, f attendance.AuditFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordAuditFact(ctx, s.db, f)
}

func (s *Store) CompleteFieldTrip(ctx context.Context, id string, endedAt time.Time, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return completeTrip(ctx, s.db, id, endedAt, note)
}

func (s *Store) SaveFingerprint(ctx context.Context, employeeID attendance.EmployeeID, fp attendance.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveFingerprint(ctx, s.db, employeeID, fp)
}

type dbtx interface {
	execer
	queryer
}

func recordEvent(ctx context.Context, db execer, e attendance.AttendanceEvent) error {
	var clockOut sql.NullString
	if e.ClockOutTime != nil {
		clockOut = nullString(formatTime(*e.ClockOutTime))
	}
	var within sql.NullBool
	if e.WithinGeofence != nil {
		within = sql.NullBool{Bool: *e.WithinGeofence, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO attendance_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.EmployeeID), formatTime(e.ClockInTime), clockOut, string(e.LocationType), string(e.ShiftType),
		e.IsLate, e.LateByMinutes, e.IsNightShift, e.NightShiftHours, e.OvertimeHours, e.TotalHours,
		e.EarlyClosure, e.ForcedClose, within, nullFloat(e.GeofenceDistanceMeters), nullString(e.SiteID),
		nullFloat(e.Latitude), nullFloat(e.Longitude), e.RuleVersion, formatTime(e.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return &attendance.ValidationError{Field: "id", Message: "event " + e.ID + " already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// closeEvent writes the clock-out fields only while the row is still open.
func closeEvent(ctx context.Context, db dbtx, e attendance.AttendanceEvent) error {
	if e.ClockOutTime == nil {
		return &attendance.ValidationError{Field: "clock_out_time", Message: "required to close an event"}
	}
	res, err := db.ExecContext(ctx, `
		UPDATE attendance_events SET
			clock_out_time = ?, night_shift_hours = ?, overtime_hours = ?, total_hours = ?,
			early_closure = ?, forced_close = ?
		WHERE id = ? AND clock_out_time IS NULL`,
		formatTime(*e.ClockOutTime), e.NightShiftHours, e.OvertimeHours, e.TotalHours,
		e.EarlyClosure, e.ForcedClose, e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to close event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	existing, err := getEvent(ctx, db, e.ID)
	if err != nil {
		return err
	}
	return &attendance.InvariantError{Kind: attendance.InvariantNoOpenEvent, Existing: existing, Message: "event already closed"}
}

func recordCharge(ctx context.Context, db execer, c attendance.Charge) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO charges (`+chargeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.EmployeeID), nullString(c.AttendanceEventID), string(c.ChargeType), string(c.ViolationType),
		c.BaseAmount.String(), c.MultiplierApplied.String(), c.FinalAmount.String(), c.Ordinal,
		formatTime(c.ChargeDate), string(c.Status), nullString(c.IdempotencyKey), formatTime(c.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return attendance.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("failed to record charge: %w", err)
	}
	return nil
}

func updateChargeStatus(ctx context.Context, db dbtx, id string, status attendance.ChargeStatus) error {
	current, err := getCharge(ctx, db, id)
	if err != nil {
		return err
	}
	if !current.Status.CanTransition(status) {
		return attendance.ErrInvalidTransition
	}
	_, err = db.ExecContext(ctx, "UPDATE charges SET status = ? WHERE id = ?", string(status), id)
	return err
}

func recordAuditFact(ctx context.Context, db execer, f attendance.AuditFact) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO audit_facts (id, actor, action, target, reason, at) VALUES (?, ?, ?, ?, ?, ?)",
		f.ID, f.Actor, string(f.Action), f.Target, nullString(f.Reason), formatTime(f.At),
	)
	if err != nil {
		return fmt.Errorf("failed to record audit fact: %w", err)
	}
	return nil
}

// completeTrip is a no-op for trips that are already completed.
func completeTrip(ctx context.Context, db dbtx, id string, endedAt time.Time, note string) error {
	res, err := db.ExecContext(ctx,
		"UPDATE field_trips SET status = 'completed', ended_at = ?, note = ? WHERE id = ? AND status = 'active'",
		formatTime(endedAt), nullString(note), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete field trip: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM field_trips WHERE id = ?", id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return attendance.ErrNotFound
	}
	return nil
}

func saveFingerprint(ctx context.Context, db execer, employeeID attendance.EmployeeID, fp attendance.Fingerprint) error {
	raw, err := json.Marshal(fp)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO fingerprints (employee_id, fingerprint_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(employee_id) DO UPDATE SET
			fingerprint_json = excluded.fingerprint_json,
			updated_at = excluded.updated_at`,
		string(employeeID), string(raw), formatTime(time.Now()),
	)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (attendance.TxSink interface)
// =============================================================================

// WithTx executes fn within a database transaction. A cancelled ctx rolls
// back even when fn succeeded.
func (s *Store) WithTx(ctx context.Context, fn func(attendance.Sink) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) RecordEvent(ctx context.Context, e attendance.AttendanceEvent) error {
	return recordEvent(ctx, ts.tx, e)
}

func (ts *txStore) CloseEvent(ctx context.Context, e attendance.AttendanceEvent) error {
	return closeEvent(ctx, ts.tx, e)
}

func (ts *txStore) RecordCharge(ctx context.Context, c attendance.Charge) error {
	return recordCharge(ctx, ts.tx, c)
}

func (ts *txStore) UpdateChargeStatus(ctx context.Context, id string, status attendance.ChargeStatus) error {
	return updateChargeStatus(ctx, ts.tx, id, status)
}

func (ts *txStore) RecordAuditFact(ctx context.Context, f attendance.AuditFact) error {
	return recordAuditFact(ctx, ts.tx, f)
}

func (ts *txStore) CompleteFieldTrip(ctx context.Context, id string, endedAt time.Time, note string) error {
	return completeTrip(ctx, ts.tx, id, endedAt, note)
}

func (ts *txStore) SaveFingerprint(ctx context.Context, employeeID attendance.EmployeeID, fp attendance.Fingerprint) error {
	return saveFingerprint(ctx, ts.tx, employeeID, fp)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"audit_facts", "fingerprints", "field_trips", "charges", "attendance_events",
		"employees", "sites", "shift_assignments", "escalation_rules", "attendance_rules",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
