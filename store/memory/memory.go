// Package memory provides an in-memory attendance.Store for tests and dev.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/attendance-engine/attendance"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Store struct {
	mu sync.RWMutex

	rules       map[string]attendance.AttendanceRule
	escalation  map[string]attendance.EscalationRule
	assignments map[string]attendance.ShiftAssignment
	sites       map[string]attendance.Site
	employees   map[attendance.EmployeeID]attendance.Employee

	ledger ledger
}

// ledger is the part of the state written by Sink methods. WithTx snapshots
// it and restores it on error.
type ledger struct {
	events      map[string]attendance.AttendanceEvent
	charges     map[string]attendance.Charge
	idempotency map[string]string // key -> charge ID
	trips       map[string]attendance.FieldTrip
	prints      map[attendance.EmployeeID]attendance.Fingerprint
	audit       []attendance.AuditFact
}

func newLedger() ledger {
	return ledger{
		events:      make(map[string]attendance.AttendanceEvent),
		charges:     make(map[string]attendance.Charge),
		idempotency: make(map[string]string),
		trips:       make(map[string]attendance.FieldTrip),
		prints:      make(map[attendance.EmployeeID]attendance.Fingerprint),
	}
}

func (l ledger) clone() ledger {
	c := newLedger()
	for k, v := range l.events {
		c.events[k] = v
	}
	for k, v := range l.charges {
		c.charges[k] = v
	}
	for k, v := range l.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range l.trips {
		c.trips[k] = v
	}
	for k, v := range l.prints {
		c.prints[k] = v
	}
	c.audit = append([]attendance.AuditFact{}, l.audit...)
	return c
}

func New() *Store {
	return &Store{
		rules:       make(map[string]attendance.AttendanceRule),
		escalation:  make(map[string]attendance.EscalationRule),
		assignments: make(map[string]attendance.ShiftAssignment),
		sites:       make(map[string]attendance.Site),
		employees:   make(map[attendance.EmployeeID]attendance.Employee),
		ledger:      newLedger(),
	}
}

var _ attendance.Store = (*Store)(nil)

// =============================================================================
// RULE CONFIG PROVIDER
// =============================================================================

func (m *Store) ActiveAttendanceRule(_ context.Context) (attendance.AttendanceRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rules := make([]attendance.AttendanceRule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	return attendance.SelectActiveRule(rules)
}

func (m *Store) ActiveEscalationRule(_ context.Context, vt attendance.ViolationType) (*attendance.EscalationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *attendance.EscalationRule
	for _, r := range m.escalation {
		if r.ViolationType != vt || !r.IsActive {
			continue
		}
		if found == nil || r.ID > found.ID {
			r := r
			r.Tiers = append([]attendance.EscalationTier{}, r.Tiers...)
			found = &r
		}
	}
	return found, nil
}

// ShiftAssignments returns assignments overlapping [from, to] ordered by CreatedAt.
func (m *Store) ShiftAssignments(_ context.Context, employeeID attendance.EmployeeID, from, to time.Time) ([]attendance.ShiftAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, t := attendance.DayKey(from), attendance.DayKey(to)
	var out []attendance.ShiftAssignment
	for _, a := range m.assignments {
		if a.EmployeeID != employeeID {
			continue
		}
		if attendance.DayKey(a.EndDate) < f || attendance.DayKey(a.StartDate) > t {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// EVENT READER
// =============================================================================

func (m *Store) EventsBetween(_ context.Context, employeeID attendance.EmployeeID, from, to time.Time) ([]attendance.AttendanceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledger.eventsBetween(employeeID, from, to), nil
}

func (l ledger) eventsBetween(employeeID attendance.EmployeeID, from, to time.Time) []attendance.AttendanceEvent {
	var out []attendance.AttendanceEvent
	for _, e := range l.events {
		if e.EmployeeID == employeeID && !e.ClockInTime.Before(from) && e.ClockInTime.Before(to) {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out
}

func (m *Store) LastLocatedEvent(_ context.Context, employeeID attendance.EmployeeID, before time.Time) (*attendance.AttendanceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *attendance.AttendanceEvent
	for _, e := range m.ledger.events {
		if e.EmployeeID != employeeID || e.Latitude == nil || e.Longitude == nil || !e.ClockInTime.Before(before) {
			continue
		}
		if last == nil || e.ClockInTime.After(last.ClockInTime) {
			e := e
			last = &e
		}
	}
	return last, nil
}

func (m *Store) OpenEvents(_ context.Context, before time.Time) ([]attendance.AttendanceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []attendance.AttendanceEvent
	for _, e := range m.ledger.events {
		if e.IsOpen() && e.ClockInTime.Before(before) {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out, nil
}

func (m *Store) GetEvent(_ context.Context, id string) (*attendance.AttendanceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.ledger.events[id]
	if !ok {
		return nil, attendance.ErrNotFound
	}
	return &e, nil
}

func sortEvents(events []attendance.AttendanceEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].ClockInTime.Equal(events[j].ClockInTime) {
			return events[i].ID < events[j].ID
		}
		return events[i].ClockInTime.Before(events[j].ClockInTime)
	})
}

// =============================================================================
// VIOLATION READER - derived from events and charges
// =============================================================================

func (m *Store) ViolationsBetween(_ context.Context, employeeID attendance.EmployeeID, vt attendance.ViolationType, from, to time.Time) ([]attendance.ViolationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []attendance.ViolationRecord
	add := func(at time.Time) {
		if !at.Before(from) && at.Before(to) {
			out = append(out, attendance.ViolationRecord{EmployeeID: employeeID, ViolationType: vt, OccurredAt: at})
		}
	}

	switch vt {
	case attendance.ViolationLateArrival:
		for _, e := range m.ledger.events {
			if e.EmployeeID == employeeID && e.IsLate {
				add(e.ClockInTime)
			}
		}
	case attendance.ViolationEarlyDeparture:
		for _, e := range m.ledger.events {
			if e.EmployeeID == employeeID && e.EarlyClosure && e.ClockOutTime != nil {
				add(*e.ClockOutTime)
			}
		}
	default:
		for _, c := range m.ledger.charges {
			if c.EmployeeID == employeeID && c.ViolationType == vt && c.Status != attendance.ChargeWaived {
				add(c.ChargeDate)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	for i := range out {
		out[i].OrdinalWithinWindow = i + 1
	}
	return out, nil
}

// =============================================================================
// CHARGES, TRIPS, FINGERPRINTS, SITES, ROSTER, AUDIT
// =============================================================================

func (m *Store) ChargesByEmployee(_ context.Context, employeeID attendance.EmployeeID) ([]attendance.Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []attendance.Charge
	for _, c := range m.ledger.charges {
		if c.EmployeeID == employeeID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChargeDate.Equal(out[j].ChargeDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].ChargeDate.Before(out[j].ChargeDate)
	})
	return out, nil
}

func (m *Store) GetCharge(_ context.Context, id string) (*attendance.Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.ledger.charges[id]
	if !ok {
		return nil, attendance.ErrNotFound
	}
	return &c, nil
}

func (m *Store) ActiveFieldTrips(_ context.Context, employeeID attendance.EmployeeID) ([]attendance.FieldTrip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []attendance.FieldTrip
	for _, t := range m.ledger.trips {
		if t.EmployeeID == employeeID && t.Status == attendance.TripActive {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Store) StoredFingerprint(_ context.Context, employeeID attendance.EmployeeID) (*attendance.Fingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fp, ok := m.ledger.prints[employeeID]
	if !ok {
		return nil, nil
	}
	return &fp, nil
}

func (m *Store) ActiveSites(_ context.Context) ([]attendance.Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []attendance.Site
	for _, s := range m.sites {
		if s.IsActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) Employees(_ context.Context) ([]attendance.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]attendance.Employee, 0, len(m.employees))
	for _, e := range m.employees {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) AuditFacts(_ context.Context, target string) ([]attendance.AuditFact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []attendance.AuditFact
	for _, f := range m.ledger.audit {
		if target == "" || f.Target == target {
			out = append(out, f)
		}
	}
	return out, nil
}

// =============================================================================
// CONFIG WRITER
// =============================================================================

func (m *Store) SaveAttendanceRule(_ context.Context, r attendance.AttendanceRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r
	return nil
}

func (m *Store) ActivateAttendanceRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return attendance.ErrNotFound
	}
	for k, r := range m.rules {
		r.IsActive = k == id
		m.rules[k] = r
	}
	return nil
}

func (m *Store) SaveEscalationRule(_ context.Context, r attendance.EscalationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Tiers = append([]attendance.EscalationTier{}, r.Tiers...)
	m.escalation[r.ID] = r
	return nil
}

func (m *Store) SaveShiftAssignment(_ context.Context, a attendance.ShiftAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.ID] = a
	return nil
}

func (m *Store) SaveSite(_ context.Context, s attendance.Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sites[s.ID] = s
	return nil
}

func (m *Store) SaveEmployee(_ context.Context, e attendance.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.employees[e.ID] = e
	return nil
}

func (m *Store) StartFieldTrip(_ context.Context, t attendance.FieldTrip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Status == "" {
		t.Status = attendance.TripActive
	}
	m.ledger.trips[t.ID] = t
	return nil
}

// =============================================================================
// SINK
// =============================================================================

func (m *Store) RecordEvent(_ context.Context, e attendance.AttendanceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.recordEvent(e)
}

func (m *Store) CloseEvent(_ context.Context, e attendance.AttendanceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.closeEvent(e)
}

func (m *Store) RecordCharge(_ context.Context, c attendance.Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.recordCharge(c)
}

func (m *Store) UpdateChargeStatus(_ context.Context, id string, status attendance.ChargeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.updateChargeStatus(id, status)
}

func (m *Store) RecordAuditFact(_ context.Context, f attendance.AuditFact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger.audit = append(m.ledger.audit, f)
	return nil
}

func (m *Store) CompleteFieldTrip(_ context.Context, id string, endedAt time.Time, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.completeTrip(id, endedAt, note)
}

func (m *Store) SaveFingerprint(_ context.Context, employeeID attendance.EmployeeID, fp attendance.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger.prints[employeeID] = fp
	return nil
}

func (l *ledger) recordEvent(e attendance.AttendanceEvent) error {
	if _, exists := l.events[e.ID]; exists {
		return &attendance.ValidationError{Field: "id", Message: "event " + e.ID + " already exists"}
	}
	l.events[e.ID] = e
	return nil
}

func (l *ledger) closeEvent(e attendance.AttendanceEvent) error {
	existing, ok := l.events[e.ID]
	if !ok {
		return attendance.ErrNotFound
	}
	if !existing.IsOpen() {
		return &attendance.InvariantError{Kind: attendance.InvariantNoOpenEvent, Existing: &existing, Message: "event already closed"}
	}
	l.events[e.ID] = e
	return nil
}

func (l *ledger) recordCharge(c attendance.Charge) error {
	if c.IdempotencyKey != "" {
		if _, dup := l.idempotency[c.IdempotencyKey]; dup {
			return attendance.ErrDuplicateIdempotencyKey
		}
		l.idempotency[c.IdempotencyKey] = c.ID
	}
	l.charges[c.ID] = c
	return nil
}

func (l *ledger) updateChargeStatus(id string, status attendance.ChargeStatus) error {
	c, ok := l.charges[id]
	if !ok {
		return attendance.ErrNotFound
	}
	if !c.Status.CanTransition(status) {
		return attendance.ErrInvalidTransition
	}
	c.Status = status
	l.charges[id] = c
	return nil
}

func (l *ledger) completeTrip(id string, endedAt time.Time, note string) error {
	t, ok := l.trips[id]
	if !ok {
		return attendance.ErrNotFound
	}
	if t.Status == attendance.TripCompleted {
		return nil
	}
	t.Status = attendance.TripCompleted
	t.EndedAt = &endedAt
	t.Note = note
	l.trips[id] = t
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Store) WithTx(ctx context.Context, fn func(attendance.Sink) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.ledger.clone()
	if err := fn(&txView{ledger: &m.ledger}); err != nil {
		m.ledger = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.ledger = snapshot
		return err
	}
	return nil
}

// txView writes straight into the ledger while the parent lock is held.
type txView struct {
	ledger *ledger
}

func (tv *txView) RecordEvent(_ context.Context, e attendance.AttendanceEvent) error {
	return tv.ledger.recordEvent(e)
}

func (tv *txView) CloseEvent(_ context.Context, e attendance.AttendanceEvent) error {
	return tv.ledger.closeEvent(e)
}

func (tv *txView) RecordCharge(_ context.Context, c attendance.Charge) error {
	return tv.ledger.recordCharge(c)
}

func (tv *txView) UpdateChargeStatus(_ context.Context, id string, status attendance.ChargeStatus) error {
	return tv.ledger.updateChargeStatus(id, status)
}

func (tv *txView) RecordAuditFact(_ context.Context, f attendance.AuditFact) error {
	tv.ledger.audit = append(tv.ledger.audit, f)
	return nil
}

func (tv *txView) CompleteFieldTrip(_ context.Context, id string, endedAt time.Time, note string) error {
	return tv.ledger.completeTrip(id, endedAt, note)
}

func (tv *txView) SaveFingerprint(_ context.Context, employeeID attendance.EmployeeID, fp attendance.Fingerprint) error {
	tv.ledger.prints[employeeID] = fp
	return nil
}
