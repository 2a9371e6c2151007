package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/clock"
	"github.com/warp/attendance-engine/integrity"
	"github.com/warp/attendance-engine/store/memory"
)

// =============================================================================
// FIXTURE
// =============================================================================

// Monday
var baseDay = time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)

var hq = attendance.Site{ID: "hq", Name: "HQ", Center: attendance.Point{Lat: -6.2, Lng: 106.8166}, RadiusMeters: 100, IsActive: true}

var phone = attendance.Fingerprint{DeviceID: "dev-1", Platform: "android", Model: "Pixel 8"}

func at(dayOffset, h, m int) time.Time {
	return baseDay.AddDate(0, 0, dayOffset).Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func money(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func rule() attendance.AttendanceRule {
	return attendance.AttendanceRule{
		ID:                       "rule-1",
		Version:                  3,
		WorkStart:                attendance.MustTimeOfDay("09:00"),
		WorkEnd:                  attendance.MustTimeOfDay("17:00"),
		GracePeriodMinutes:       15,
		LateChargeAmount:         money("50000"),
		AbsenceChargeAmount:      money("100000"),
		EarlyClosureChargeAmount: money("25000"),
		NightShiftStart:          attendance.MustTimeOfDay("22:00"),
		NightShiftEnd:            attendance.MustTimeOfDay("06:00"),
		MinimumWorkHours:         7,
		IsActive:                 true,
	}
}

type fixture struct {
	store  *memory.Store
	locker *clock.MemoryLocker
	auth   *clock.Authorizer
}

func newFixture(t *testing.T, indicators ...integrity.Indicator) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.SaveAttendanceRule(ctx, rule()))
	require.NoError(t, s.SaveEscalationRule(ctx, attendance.EscalationRule{
		ID: "esc-late", ViolationType: attendance.ViolationLateArrival,
		LookbackPeriodDays: 30, ResetAfterDays: 14, IsActive: true,
		Tiers: []attendance.EscalationTier{
			{OccurrenceCount: 3, Multiplier: money("2.0")},
			{OccurrenceCount: 2, Multiplier: money("1.5")},
		},
	}))
	require.NoError(t, s.SaveSite(ctx, hq))
	require.NoError(t, s.SaveEmployee(ctx, attendance.Employee{ID: "emp-1", Name: "Ayu"}))

	if indicators == nil {
		indicators = []integrity.Indicator{}
	}
	locker := clock.NewMemoryLocker()
	auth := clock.NewAuthorizer(s, locker, clock.Config{
		Location:  time.UTC,
		Integrity: integrity.Options{Indicators: indicators},
		Now:       func() time.Time { return at(0, 12, 0) },
	}, nil)
	return &fixture{store: s, locker: locker, auth: auth}
}

func atHQ(ts time.Time) *attendance.LocationSample {
	return &attendance.LocationSample{Point: attendance.Point{Lat: hq.Center.Lat + 0.0002, Lng: hq.Center.Lng}, AccuracyMeters: 8, CapturedAt: ts}
}

func officeIn(ts time.Time) clock.ClockInRequest {
	return clock.ClockInRequest{EmployeeID: "emp-1", Mode: attendance.LocationOffice, Timestamp: ts, Location: atHQ(ts), Fingerprint: phone}
}

func fieldIn(ts time.Time) clock.ClockInRequest {
	return clock.ClockInRequest{EmployeeID: "emp-1", Mode: attendance.LocationField, Timestamp: ts, Fingerprint: phone}
}

func (f *fixture) events(t *testing.T, dayOffset int) []attendance.AttendanceEvent {
	t.Helper()
	evs, err := f.store.EventsBetween(context.Background(), "emp-1", at(dayOffset, 0, 0), at(dayOffset+1, 0, 0))
	require.NoError(t, err)
	return evs
}

type penalty int

func (penalty) Name() string { return "fixed" }
func (p penalty) Inspect(integrity.Observation) (integrity.Finding, bool) {
	return integrity.Finding{Indicator: "fixed", Penalty: int(p), Detail: "test"}, true
}

// =============================================================================
// ACCEPTED CLOCK-INS
// =============================================================================

func TestClockIn_OnTimeOffice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.auth.ClockIn(ctx, officeIn(at(0, 9, 10)))

	require.NoError(t, err)
	require.Equal(t, clock.StatusAccepted, res.Status)
	require.NotNil(t, res.Event)
	assert.False(t, res.Event.IsLate)
	assert.Nil(t, res.Charge)
	assert.Equal(t, 3, res.Event.RuleVersion)
	assert.Equal(t, attendance.ShiftDay, res.Event.ShiftType)
	require.NotNil(t, res.Event.WithinGeofence)
	assert.True(t, *res.Event.WithinGeofence)
	assert.Equal(t, "hq", res.Event.SiteID)

	// Baseline fingerprint stored with the event
	fp, err := f.store.StoredFingerprint(ctx, "emp-1")
	require.NoError(t, err)
	require.NotNil(t, fp)
	assert.Equal(t, phone, *fp)

	facts, err := f.store.AuditFacts(ctx, res.Event.ID)
	require.NoError(t, err)
	require.NotEmpty(t, facts)
	assert.Equal(t, attendance.AuditClockIn, facts[0].Action)
	assert.Equal(t, "emp-1", facts[0].Actor)
}

func TestClockIn_LateChargesEscalate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// GIVEN: late on Monday, then late again on Tuesday
	first, err := f.auth.ClockIn(ctx, officeIn(at(0, 9, 30)))
	require.NoError(t, err)
	require.True(t, first.Accepted())
	assert.True(t, first.Event.IsLate)
	assert.Equal(t, 30, first.Event.LateByMinutes)
	require.NotNil(t, first.Charge)
	assert.Equal(t, 1, first.Charge.Ordinal)
	assert.True(t, first.Charge.FinalAmount.Equal(money("50000")))
	assert.Equal(t, first.Event.ID, first.Charge.AttendanceEventID)

	second, err := f.auth.ClockIn(ctx, officeIn(at(1, 9, 20)))
	require.NoError(t, err)

	// THEN: the second charge uses the 1.5 tier
	require.NotNil(t, second.Charge)
	assert.Equal(t, 2, second.Charge.Ordinal)
	assert.True(t, second.Charge.MultiplierApplied.Equal(money("1.5")))
	assert.True(t, second.Charge.FinalAmount.Equal(money("75000")))
	assert.Equal(t, attendance.ChargePending, second.Charge.Status)
}

func TestClockIn_TimestampDefaultsToNow(t *testing.T) {
	f := newFixture(t)
	req := officeIn(time.Time{})
	req.Location.CapturedAt = at(0, 12, 0)

	res, err := f.auth.ClockIn(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, at(0, 12, 0), res.Event.ClockInTime)
}

// =============================================================================
// DAY INVARIANTS
// =============================================================================

func TestClockIn_SecondOfficeSessionBlocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	in, err := f.auth.ClockIn(ctx, officeIn(at(0, 9, 0)))
	require.NoError(t, err)
	_, err = f.auth.ClockOut(ctx, clock.ClockOutRequest{EmployeeID: "emp-1", Timestamp: at(0, 12, 0)})
	require.NoError(t, err)

	// WHEN: clocking into the office again on the same day
	res, err := f.auth.ClockIn(ctx, officeIn(at(0, 13, 0)))

	// THEN: invariant violation, conflict explained, no new event
	require.NoError(t, err)
	assert.Equal(t, clock.StatusInvariantViolation, res.Status)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, in.Event.ID, res.Conflict.ID)
	assert.Len(t, f.events(t, 0), 1)

	var ie *attendance.InvariantError
	require.ErrorAs(t, res.Err(), &ie)
	assert.Equal(t, attendance.InvariantSecondOffice, ie.Kind)

	facts, err := f.store.AuditFacts(ctx, "emp-1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, attendance.AuditInvariantBlocked, facts[0].Action)
}

func TestClockIn_DoubleClockIn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.auth.ClockIn(ctx, officeIn(at(0, 9, 0)))
	require.NoError(t, err)

	res, err := f.auth.ClockIn(ctx, officeIn(at(0, 9, 1)))

	require.NoError(t, err)
	assert.Equal(t, clock.StatusInvariantViolation, res.Status)
	assert.True(t, errors.Is(res.Err(), attendance.ErrInvariantViolation))
	assert.Len(t, f.events(t, 0), 1)
}

func TestClockIn_FieldThenOfficeBlocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	field, err := f.auth.ClockIn(ctx, fieldIn(at(0, 8, 0)))
	require.NoError(t, err)
	require.True(t, field.Accepted())

	res, err := f.auth.ClockIn(ctx, officeIn(at(0, 9, 0)))

	require.NoError(t, err)
	assert.Equal(t, clock.StatusInvariantViolation, res.Status)
	assert.Equal(t, field.Event.ID, res.Conflict.ID)
	assert.Len(t, f.events(t, 0), 1)
}

func TestClockIn_OfficeThenFieldAllowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	office, err := f.auth.ClockIn(ctx, officeIn(at(0, 9, 0)))
	require.NoError(t, err)

	res, err := f.auth.ClockIn(ctx, fieldIn(at(0, 13, 0)))

	// THEN: accepted, and the office session is still open
	require.NoError(t, err)
	assert.Equal(t, clock.StatusAccepted, res.Status)
	stored, err := f.store.GetEvent(ctx, office.Event.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOpen())
	assert.Len(t, f.events(t, 0), 2)

	// AND: going to the field later in the day is not a late arrival
	assert.False(t, res.Event.IsLate)
	assert.Zero(t, res.Event.LateByMinutes)
	assert.Nil(t, res.Charge)
	charges, err := f.store.ChargesByEmployee(ctx, "emp-1")
	require.NoError(t, err)
	assert.Empty(t, charges)
}

func TestClockIn_LateOfficeThenFieldChargesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// GIVEN: a late office arrival
	office, err := f.auth.ClockIn(ctx, officeIn(at(0, 9, 30)))
	require.NoError(t, err)
	require.True(t, office.Event.IsLate)
	require.NotNil(t, office.Charge)

	// WHEN: the employee moves to the field
	res, err := f.auth.ClockIn(ctx, fieldIn(at(0, 14, 0)))

	// THEN: only the arrival is charged
	require.NoError(t, err)
	assert.False(t, res.Event.IsLate)
	assert.Nil(t, res.Charge)
	charges, err := f.store.ChargesByEmployee(ctx, "emp-1")
	require.NoError(t, err)
	assert.Len(t, charges, 1)
}

func TestClockIn_OfficeCompletesActiveFieldTrips(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.StartFieldTrip(ctx, attendance.FieldTrip{ID: "trip-1", EmployeeID: "emp-1", StartedAt: at(-1, 14, 0)}))

	res, err := f.auth.ClockIn(ctx, officeIn(at(0, 9, 0)))

	require.NoError(t, err)
	require.True(t, res.Accepted())
	trips, err := f.store.ActiveFieldTrips(ctx, "emp-1")
	require.NoError(t, err)
	assert.Empty(t, trips)

	found := false
	for _, w := range res.Warnings {
		found = found || w.Code == attendance.WarnTripAutoClosed
	}
	assert.True(t, found)
}

// =============================================================================
// GATES
// =============================================================================

func TestClockIn_OutsideGeofence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := officeIn(at(0, 9, 0))
	req.Location.Point.Lat = hq.Center.Lat + 0.01 // ~1.1 km

	res, err := f.auth.ClockIn(ctx, req)

	require.NoError(t, err)
	assert.Equal(t, clock.StatusGeofenceBlocked, res.Status)
	assert.ErrorIs(t, res.Err(), attendance.ErrGeofenceBlocked)
	assert.Empty(t, f.events(t, 0))

	facts, err := f.store.AuditFacts(ctx, "emp-1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, attendance.AuditGeofenceBlocked, facts[0].Action)
}

func TestClockIn_OfficeWithoutLocationBlocked(t *testing.T) {
	f := newFixture(t)
	req := officeIn(at(0, 9, 0))
	req.Location = nil

	res, err := f.auth.ClockIn(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, clock.StatusGeofenceBlocked, res.Status)
}

func TestClockIn_FieldSkipsGeofence(t *testing.T) {
	f := newFixture(t)
	req := fieldIn(at(0, 9, 0))
	req.Location = &attendance.LocationSample{Point: attendance.Point{Lat: 1, Lng: 1}, AccuracyMeters: 5, CapturedAt: at(0, 9, 0)}

	res, err := f.auth.ClockIn(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, res.Accepted())
	assert.Nil(t, res.Event.WithinGeofence)
	require.NotNil(t, res.Event.Latitude)
}

func TestClockIn_IntegrityBoundary(t *testing.T) {
	blockedFix := newFixture(t, penalty(61))
	res, err := blockedFix.auth.ClockIn(context.Background(), officeIn(at(0, 9, 0)))
	require.NoError(t, err)
	assert.Equal(t, clock.StatusSecurityBlocked, res.Status)
	assert.Equal(t, 39, res.Confidence)
	assert.True(t, attendance.IsRetryable(res.Err()))
	assert.Empty(t, blockedFix.events(t, 0))

	fp, err := blockedFix.store.StoredFingerprint(context.Background(), "emp-1")
	require.NoError(t, err)
	assert.Nil(t, fp, "failed check never becomes the baseline")

	passFix := newFixture(t, penalty(60))
	res, err = passFix.auth.ClockIn(context.Background(), officeIn(at(0, 9, 0)))
	require.NoError(t, err)
	assert.Equal(t, clock.StatusAccepted, res.Status)
	assert.Equal(t, 40, res.Confidence)
	assert.NotEmpty(t, res.Warnings)
}

// =============================================================================
// OPERATIONAL ERRORS
// =============================================================================

func TestClockIn_ConfigMissingFailsClosed(t *testing.T) {
	s := memory.New()
	auth := clock.NewAuthorizer(s, nil, clock.Config{}, nil)

	_, err := auth.ClockIn(context.Background(), fieldIn(at(0, 9, 0)))

	assert.ErrorIs(t, err, attendance.ErrConfigMissing)
}

func TestClockIn_LockContention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	unlock, ok, err := f.locker.TryLock(ctx, clock.LockKey("emp-1", at(0, 0, 0)))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.auth.ClockIn(ctx, officeIn(at(0, 9, 0)))
	assert.ErrorIs(t, err, attendance.ErrClockInProgress)
	assert.Empty(t, f.events(t, 0))

	unlock()
	res, err := f.auth.ClockIn(ctx, officeIn(at(0, 9, 0)))
	require.NoError(t, err)
	assert.True(t, res.Accepted())
}

// slowPrints blocks fingerprint reads until the context is done.
type slowPrints struct {
	*memory.Store
}

func (s slowPrints) StoredFingerprint(ctx context.Context, _ attendance.EmployeeID) (*attendance.Fingerprint, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestClockIn_IntegrityTimeout(t *testing.T) {
	f := newFixture(t)
	auth := clock.NewAuthorizer(slowPrints{f.store}, nil, clock.Config{
		IntegrityTimeout: 20 * time.Millisecond,
		Integrity:        integrity.Options{Indicators: []integrity.Indicator{}},
	}, nil)

	_, err := auth.ClockIn(context.Background(), officeIn(at(0, 9, 0)))

	assert.ErrorIs(t, err, attendance.ErrIntegrityCheckTimeout)
	assert.True(t, attendance.IsRetryable(err))
	assert.Empty(t, f.events(t, 0))
}

func TestClockIn_CancelledWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.auth.ClockIn(ctx, officeIn(at(0, 9, 0)))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.events(t, 0))
}

func TestClockIn_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.auth.ClockIn(context.Background(), clock.ClockInRequest{EmployeeID: "emp-1", Mode: "remote"})

	var ve *attendance.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "mode", ve.Field)
}

// =============================================================================
// CLOCK-OUT
// =============================================================================

func TestClockOut_NoOpenEvent(t *testing.T) {
	f := newFixture(t)

	res, err := f.auth.ClockOut(context.Background(), clock.ClockOutRequest{EmployeeID: "emp-1", Timestamp: at(0, 17, 0)})

	require.NoError(t, err)
	assert.Equal(t, clock.StatusInvariantViolation, res.Status)
	assert.ErrorIs(t, res.Err(), attendance.ErrNoOpenEvent)
}

func TestClockOut_ClosesSessionOlderThanRecentWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// GIVEN: a Monday session nobody closed, and another employee's open session
	in, err := f.auth.ClockIn(ctx, officeIn(at(0, 9, 0)))
	require.NoError(t, err)
	require.NoError(t, f.store.RecordEvent(ctx, attendance.AttendanceEvent{
		ID: "ev-other", EmployeeID: "emp-2", ClockInTime: at(1, 9, 0), LocationType: attendance.LocationField,
	}))

	// WHEN: clocking out on Thursday
	res, err := f.auth.ClockOut(ctx, clock.ClockOutRequest{EmployeeID: "emp-1", Timestamp: at(3, 17, 0)})

	// THEN: the Monday session is the one closed
	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.Equal(t, in.Event.ID, res.Event.ID)

	other, err := f.store.GetEvent(ctx, "ev-other")
	require.NoError(t, err)
	assert.True(t, other.IsOpen())
}

func TestClockOut_FullDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.auth.ClockIn(ctx, officeIn(at(0, 9, 0)))
	require.NoError(t, err)

	start := at(0, 17, 0)
	res, err := f.auth.ClockOut(ctx, clock.ClockOutRequest{
		EmployeeID: "emp-1", Timestamp: at(0, 19, 30), OvertimeApproved: true, OvertimeStart: &start,
	})

	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.Equal(t, 10.5, res.Event.TotalHours)
	assert.Equal(t, 2.5, res.Event.OvertimeHours)
	assert.False(t, res.Event.EarlyClosure)
	assert.Nil(t, res.Charge)

	// Terminal: a second clock-out finds nothing open
	again, err := f.auth.ClockOut(ctx, clock.ClockOutRequest{EmployeeID: "emp-1", Timestamp: at(0, 20, 0)})
	require.NoError(t, err)
	assert.Equal(t, clock.StatusInvariantViolation, again.Status)
}

func TestClockOut_EarlyClosureCharged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.auth.ClockIn(ctx, officeIn(at(0, 9, 0)))
	require.NoError(t, err)

	res, err := f.auth.ClockOut(ctx, clock.ClockOutRequest{EmployeeID: "emp-1", Timestamp: at(0, 14, 0)})

	require.NoError(t, err)
	assert.True(t, res.Event.EarlyClosure)
	require.NotNil(t, res.Charge)
	assert.Equal(t, attendance.ChargeEarlyClosure, res.Charge.ChargeType)
	assert.True(t, res.Charge.FinalAmount.Equal(money("25000")))
}

func TestClockOut_NightShiftAcrossMidnight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SaveShiftAssignment(ctx, attendance.ShiftAssignment{
		ID: "night", EmployeeID: "emp-1", ShiftType: attendance.ShiftNight,
		StartDate: at(0, 0, 0), EndDate: at(6, 0, 0), IsActive: true,
	}))

	in, err := f.auth.ClockIn(ctx, fieldIn(at(0, 22, 5)))
	require.NoError(t, err)
	require.True(t, in.Accepted())
	assert.True(t, in.Event.IsNightShift)
	assert.False(t, in.Event.IsLate)
	assert.Equal(t, attendance.ShiftNight, in.Event.ShiftType)

	out, err := f.auth.ClockOut(ctx, clock.ClockOutRequest{EmployeeID: "emp-1", Timestamp: at(1, 6, 5)})

	require.NoError(t, err)
	require.True(t, out.Accepted())
	assert.Equal(t, in.Event.ID, out.Event.ID)
	assert.Equal(t, 8.0, out.Event.TotalHours)
	assert.Equal(t, 7.92, out.Event.NightShiftHours)
}

func TestForceClose_LocksTheClockInDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SaveShiftAssignment(ctx, attendance.ShiftAssignment{
		ID: "night", EmployeeID: "emp-1", ShiftType: attendance.ShiftNight,
		StartDate: at(0, 0, 0), EndDate: at(6, 0, 0), IsActive: true,
	}))
	in, err := f.auth.ClockIn(ctx, fieldIn(at(0, 22, 0)))
	require.NoError(t, err)

	// GIVEN: a clock action holds Monday's key
	unlock, ok, err := f.locker.TryLock(ctx, clock.LockKey("emp-1", at(0, 0, 0)))
	require.NoError(t, err)
	require.True(t, ok)

	// WHEN: the Monday night session is force-closed on Tuesday morning
	_, err = f.auth.ForceClose(ctx, *in.Event, at(1, 6, 0))

	// THEN: it waits its turn on Monday's key
	assert.ErrorIs(t, err, attendance.ErrClockInProgress)

	unlock()
	res, err := f.auth.ForceClose(ctx, *in.Event, at(1, 6, 0))
	require.NoError(t, err)
	assert.True(t, res.Event.ForcedClose)
}
