package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/clock"
	"github.com/warp/attendance-engine/integrity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var monday = time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)

func testRule(id string, active bool) attendance.AttendanceRule {
	return attendance.AttendanceRule{
		ID:                       id,
		Version:                  1,
		WorkStart:                attendance.MustTimeOfDay("09:00"),
		WorkEnd:                  attendance.MustTimeOfDay("17:00"),
		GracePeriodMinutes:       15,
		LateChargeAmount:         decimal.NewFromInt(50000),
		AbsenceChargeAmount:      decimal.NewFromInt(100000),
		EarlyClosureChargeAmount: decimal.NewFromInt(25000),
		NightShiftStart:          attendance.MustTimeOfDay("22:00"),
		NightShiftEnd:            attendance.MustTimeOfDay("06:00"),
		OvertimeRate:             decimal.RequireFromString("1.5"),
		NightShiftRate:           decimal.RequireFromString("1.25"),
		MinimumWorkHours:         7,
		IsActive:                 active,
	}
}

func TestRules_ExactlyOneActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.ActiveAttendanceRule(ctx)
	assert.ErrorIs(t, err, attendance.ErrConfigMissing)

	require.NoError(t, s.SaveAttendanceRule(ctx, testRule("r1", true)))
	require.NoError(t, s.SaveAttendanceRule(ctx, testRule("r2", true)))

	_, err = s.ActiveAttendanceRule(ctx)
	var ce *attendance.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.ActiveRules)

	require.NoError(t, s.ActivateAttendanceRule(ctx, "r2"))
	rule, err := s.ActiveAttendanceRule(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", rule.ID)
	assert.Equal(t, "09:00", rule.WorkStart.String())
	assert.True(t, rule.OvertimeRate.Equal(decimal.RequireFromString("1.5")))

	assert.ErrorIs(t, s.ActivateAttendanceRule(ctx, "missing"), attendance.ErrNotFound)
}

func TestEscalationRule_TiersRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	none, err := s.ActiveEscalationRule(ctx, attendance.ViolationLateArrival)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.SaveEscalationRule(ctx, attendance.EscalationRule{
		ID: "esc-1", ViolationType: attendance.ViolationLateArrival, LookbackPeriodDays: 30, IsActive: true,
		Tiers: []attendance.EscalationTier{{OccurrenceCount: 2, Multiplier: decimal.RequireFromString("1.5")}},
	}))
	require.NoError(t, s.SaveEscalationRule(ctx, attendance.EscalationRule{
		ID: "esc-2", ViolationType: attendance.ViolationLateArrival, LookbackPeriodDays: 14, IsActive: true,
	}))

	got, err := s.ActiveEscalationRule(ctx, attendance.ViolationLateArrival)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "esc-2", got.ID, "highest id wins")

	require.NoError(t, s.SaveEscalationRule(ctx, attendance.EscalationRule{
		ID: "esc-2", ViolationType: attendance.ViolationLateArrival, LookbackPeriodDays: 14, IsActive: false,
	}))
	got, err = s.ActiveEscalationRule(ctx, attendance.ViolationLateArrival)
	require.NoError(t, err)
	require.Len(t, got.Tiers, 1)
	assert.True(t, got.Tiers[0].Multiplier.Equal(decimal.RequireFromString("1.5")))
}

func TestShiftAssignments_Overlap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveShiftAssignment(ctx, attendance.ShiftAssignment{
		ID: "a1", EmployeeID: "emp-1", ShiftType: attendance.ShiftNight,
		StartDate: monday, EndDate: monday.AddDate(0, 0, 4), IsActive: true, CreatedAt: monday,
	}))

	hit, err := s.ShiftAssignments(ctx, "emp-1", monday.AddDate(0, 0, 4), monday.AddDate(0, 0, 4))
	require.NoError(t, err)
	require.Len(t, hit, 1)
	assert.True(t, hit[0].Covers(monday.AddDate(0, 0, 4).Add(23*time.Hour)))

	miss, err := s.ShiftAssignments(ctx, "emp-1", monday.AddDate(0, 0, 5), monday.AddDate(0, 0, 6))
	require.NoError(t, err)
	assert.Empty(t, miss)
}

func TestEvents_CloseOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	within, dist, lat, lng := true, 12.5, -6.2, 106.8
	ev := attendance.AttendanceEvent{
		ID: "ev-1", EmployeeID: "emp-1", ClockInTime: monday.Add(9 * time.Hour),
		LocationType: attendance.LocationOffice, ShiftType: attendance.ShiftDay,
		WithinGeofence: &within, GeofenceDistanceMeters: &dist, SiteID: "hq",
		Latitude: &lat, Longitude: &lng, RuleVersion: 1, CreatedAt: monday,
	}
	require.NoError(t, s.RecordEvent(ctx, ev))

	open, err := s.OpenEvents(ctx, monday.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, open, 1)

	out := monday.Add(17 * time.Hour)
	ev.ClockOutTime = &out
	ev.TotalHours = 8
	require.NoError(t, s.CloseEvent(ctx, ev))

	// Closed events are terminal
	err = s.CloseEvent(ctx, ev)
	assert.ErrorIs(t, err, attendance.ErrInvariantViolation)

	got, err := s.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	require.NotNil(t, got.ClockOutTime)
	assert.True(t, out.Equal(*got.ClockOutTime))
	assert.Equal(t, 8.0, got.TotalHours)
	require.NotNil(t, got.WithinGeofence)
	assert.True(t, *got.WithinGeofence)
	assert.Equal(t, 12.5, *got.GeofenceDistanceMeters)

	last, err := s.LastLocatedEvent(ctx, "emp-1", monday.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "ev-1", last.ID)

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestEventsBetween_HalfOpenSubSecond(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := monday.Add(9 * time.Hour)
	for i, ts := range []time.Time{base, base.Add(500 * time.Millisecond), base.Add(time.Second)} {
		require.NoError(t, s.RecordEvent(ctx, attendance.AttendanceEvent{
			ID: string(rune('a' + i)), EmployeeID: "emp-1", ClockInTime: ts,
			LocationType: attendance.LocationField, ShiftType: attendance.ShiftDay, CreatedAt: ts,
		}))
	}

	got, err := s.EventsBetween(ctx, "emp-1", base, base.Add(time.Second))

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestCharges_IdempotencyAndStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := attendance.Charge{
		ID: "c1", EmployeeID: "emp-1", ChargeType: attendance.ChargeAbsence, ViolationType: attendance.ViolationAbsence,
		BaseAmount: decimal.NewFromInt(100000), MultiplierApplied: decimal.NewFromInt(1), FinalAmount: decimal.NewFromInt(100000),
		Ordinal: 1, ChargeDate: monday, Status: attendance.ChargePending, IdempotencyKey: "absence:emp-1:2024-03-04",
	}
	require.NoError(t, s.RecordCharge(ctx, c))

	dup := c
	dup.ID = "c2"
	assert.ErrorIs(t, s.RecordCharge(ctx, dup), attendance.ErrDuplicateIdempotencyKey)

	// Charges without a key never collide
	free1, free2 := c, c
	free1.ID, free1.IdempotencyKey = "c3", ""
	free2.ID, free2.IdempotencyKey = "c4", ""
	require.NoError(t, s.RecordCharge(ctx, free1))
	require.NoError(t, s.RecordCharge(ctx, free2))

	priors, err := s.ViolationsBetween(ctx, "emp-1", attendance.ViolationAbsence, monday, monday.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, priors, 3)

	require.NoError(t, s.UpdateChargeStatus(ctx, "c1", attendance.ChargeWaived))
	assert.ErrorIs(t, s.UpdateChargeStatus(ctx, "c1", attendance.ChargePaid), attendance.ErrInvalidTransition)

	priors, err = s.ViolationsBetween(ctx, "emp-1", attendance.ViolationAbsence, monday, monday.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, priors, 2, "waived charges are not priors")

	got, err := s.GetCharge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, attendance.ChargeWaived, got.Status)
	assert.True(t, got.FinalAmount.Equal(decimal.NewFromInt(100000)))
}

func TestWithTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.StartFieldTrip(ctx, attendance.FieldTrip{ID: "trip-1", EmployeeID: "emp-1", StartedAt: monday}))

	err := s.WithTx(ctx, func(tx attendance.Sink) error {
		require.NoError(t, tx.RecordEvent(ctx, attendance.AttendanceEvent{
			ID: "ev-1", EmployeeID: "emp-1", ClockInTime: monday.Add(9 * time.Hour),
			LocationType: attendance.LocationOffice, ShiftType: attendance.ShiftDay,
		}))
		require.NoError(t, tx.CompleteFieldTrip(ctx, "trip-1", monday.Add(9*time.Hour), "auto"))
		return attendance.ErrDuplicateIdempotencyKey
	})
	require.ErrorIs(t, err, attendance.ErrDuplicateIdempotencyKey)

	_, err = s.GetEvent(ctx, "ev-1")
	assert.ErrorIs(t, err, attendance.ErrNotFound)
	trips, err := s.ActiveFieldTrips(ctx, "emp-1")
	require.NoError(t, err)
	assert.Len(t, trips, 1)
}

func TestWithTx_CancelledContextWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithTx(ctx, func(tx attendance.Sink) error {
		if err := tx.RecordAuditFact(ctx, attendance.AuditFact{ID: "f1", Actor: "a", Action: attendance.AuditClockIn, Target: "t", At: monday}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	assert.Error(t, err)

	facts, err := s.AuditFacts(context.Background(), "t")
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestFingerprintAndSites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	none, err := s.StoredFingerprint(ctx, "emp-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	fp := attendance.Fingerprint{DeviceID: "dev-1", Platform: "ios", Timezone: "Asia/Jakarta"}
	require.NoError(t, s.SaveFingerprint(ctx, "emp-1", fp))
	got, err := s.StoredFingerprint(ctx, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, fp, *got)

	require.NoError(t, s.SaveSite(ctx, attendance.Site{ID: "hq", Name: "HQ", RadiusMeters: 100, IsActive: true}))
	require.NoError(t, s.SaveSite(ctx, attendance.Site{ID: "old", Name: "Old", RadiusMeters: 100}))
	sites, err := s.ActiveSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "hq", sites[0].ID)
}

// The authorizer runs unchanged on the SQLite store.
func TestAuthorizerOverSQLite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveAttendanceRule(ctx, testRule("r1", true)))
	require.NoError(t, s.SaveEmployee(ctx, attendance.Employee{ID: "emp-1", Name: "Ayu"}))

	auth := clock.NewAuthorizer(s, nil, clock.Config{
		Integrity: integrity.Options{Indicators: []integrity.Indicator{}},
	}, nil)

	in, err := auth.ClockIn(ctx, clock.ClockInRequest{
		EmployeeID: "emp-1", Mode: attendance.LocationField, Timestamp: monday.Add(9*time.Hour + 40*time.Minute),
		Fingerprint: attendance.Fingerprint{DeviceID: "dev-1"},
	})
	require.NoError(t, err)
	require.True(t, in.Accepted())
	require.NotNil(t, in.Charge)

	again, err := auth.ClockIn(ctx, clock.ClockInRequest{
		EmployeeID: "emp-1", Mode: attendance.LocationField, Timestamp: monday.Add(10 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, clock.StatusInvariantViolation, again.Status)

	out, err := auth.ClockOut(ctx, clock.ClockOutRequest{EmployeeID: "emp-1", Timestamp: monday.Add(18 * time.Hour)})
	require.NoError(t, err)
	require.True(t, out.Accepted())
	assert.Equal(t, 8.33, out.Event.TotalHours)

	charges, err := s.ChargesByEmployee(ctx, "emp-1")
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Equal(t, "late:"+in.Event.ID, charges[0].IdempotencyKey)

	facts, err := s.AuditFacts(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, facts)
}
