/*
handlers_test.go - HTTP tests for the attendance API

Tests for:
- Clock-in / clock-out status mapping (201, 403, 409, 503, 400)
- Charge listing, lifecycle PATCH and reported violations
- Rule administration, shift resolution, audit, manual sweep
- Request logging levels
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/clock"
	"github.com/warp/attendance-engine/integrity"
	"github.com/warp/attendance-engine/store/memory"
)

// =============================================================================
// FIXTURE
// =============================================================================

// Monday 2024-03-04, noon UTC
var testNow = time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC)

type testServer struct {
	store  *memory.Store
	auth   *clock.Authorizer
	router http.Handler
	logs   *observer.ObservedLogs
}

func newTestServer(t *testing.T, withRule bool) *testServer {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	if withRule {
		require.NoError(t, st.SaveAttendanceRule(ctx, attendance.AttendanceRule{
			ID:                       "rule-1",
			Version:                  2,
			WorkStart:                attendance.MustTimeOfDay("09:00"),
			WorkEnd:                  attendance.MustTimeOfDay("17:00"),
			GracePeriodMinutes:       15,
			LateChargeAmount:         decimal.NewFromInt(50000),
			AbsenceChargeAmount:      decimal.NewFromInt(100000),
			EarlyClosureChargeAmount: decimal.NewFromInt(25000),
			NightShiftStart:          attendance.MustTimeOfDay("22:00"),
			NightShiftEnd:            attendance.MustTimeOfDay("06:00"),
			IsActive:                 true,
		}))
	}
	require.NoError(t, st.SaveSite(ctx, attendance.Site{
		ID: "hq", Name: "HQ", Center: attendance.Point{Lat: -6.2, Lng: 106.8166}, RadiusMeters: 100, IsActive: true,
	}))
	require.NoError(t, st.SaveEmployee(ctx, attendance.Employee{ID: "emp-1", Name: "Ayu"}))

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	auth := clock.NewAuthorizer(st, nil, clock.Config{
		Location:  time.UTC,
		Integrity: integrity.Options{Indicators: []integrity.Indicator{}},
		Now:       func() time.Time { return testNow },
	}, logger)
	sweeper := clock.NewSweeper(auth, st, clock.DefaultEndOfDay, logger)
	h := NewHandler(st, auth, sweeper, logger)

	return &testServer{store: st, auth: auth, router: NewRouter(h, []string{"*"}, logger), logs: logs}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "hr-7")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func officeAt(h, m int) ClockInRequest {
	ts := time.Date(2024, time.March, 4, h, m, 0, 0, time.UTC)
	return ClockInRequest{
		Mode:        "office",
		Timestamp:   &ts,
		Location:    &LocationDTO{Lat: -6.2002, Lng: 106.8166, AccuracyMeters: 8, CapturedAt: &ts},
		Fingerprint: FingerprintDTO{DeviceID: "dev-1", Platform: "android", Model: "Pixel 8"},
	}
}

// =============================================================================
// CLOCK ENDPOINTS
// =============================================================================

func TestClockIn_Accepted(t *testing.T) {
	// GIVEN: an active rule and an employee at HQ on time
	s := newTestServer(t, true)

	// WHEN: clocking in
	rec := s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", officeAt(9, 5))

	// THEN: 201 with the event and no charge
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[ResultDTO](t, rec)
	assert.Equal(t, "accepted", res.Status)
	require.NotNil(t, res.Event)
	assert.False(t, res.Event.IsLate)
	assert.Equal(t, 2, res.Event.RuleVersion)
	assert.Nil(t, res.Charge)
}

func TestClockIn_LateReturnsCharge(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", officeAt(9, 40))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[ResultDTO](t, rec)
	require.NotNil(t, res.Charge)
	assert.Equal(t, "50000", res.Charge.FinalAmount)
	assert.Equal(t, "pending", res.Charge.Status)
	assert.Equal(t, 40, res.Event.LateByMinutes)
}

func TestClockIn_OutsideGeofenceIs403(t *testing.T) {
	s := newTestServer(t, true)
	body := officeAt(9, 0)
	body.Location.Lat = -6.21

	rec := s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", body)

	require.Equal(t, http.StatusForbidden, rec.Code)
	res := decodeBody[ResultDTO](t, rec)
	assert.Equal(t, "geofence_blocked", res.Status)
	assert.Nil(t, res.Event)
}

func TestClockIn_DoubleIs409(t *testing.T) {
	s := newTestServer(t, true)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", officeAt(9, 0)).Code)

	rec := s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", officeAt(9, 30))

	require.Equal(t, http.StatusConflict, rec.Code)
	res := decodeBody[ResultDTO](t, rec)
	assert.Equal(t, "invariant_violation", res.Status)
	require.NotNil(t, res.Conflict)
}

func TestClockIn_NoActiveRuleIs503(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", officeAt(9, 0))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClockIn_BadInputIs400(t *testing.T) {
	s := newTestServer(t, true)
	bad := officeAt(9, 0)
	bad.Mode = "remote"

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", bad).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", `{"mode":`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", `{"mode":"office","pet":"cat"}`).Code)
}

func TestClockOut_ClosesSession(t *testing.T) {
	s := newTestServer(t, true)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", officeAt(9, 0)).Code)

	out := time.Date(2024, time.March, 4, 17, 30, 0, 0, time.UTC)
	rec := s.do(t, http.MethodPost, "/api/employees/emp-1/clock-out", ClockOutRequest{Timestamp: &out})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[ResultDTO](t, rec)
	require.NotNil(t, res.Event)
	assert.Equal(t, 8.5, res.Event.TotalHours)
	assert.False(t, res.Event.EarlyClosure)
	assert.NotEmpty(t, res.Event.ClockOutTime)
}

func TestClockOut_NothingOpenIs409(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.do(t, http.MethodPost, "/api/employees/emp-1/clock-out", nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invariant_violation", decodeBody[ResultDTO](t, rec).Status)
}

func TestListEvents(t *testing.T) {
	s := newTestServer(t, true)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", officeAt(9, 0)).Code)

	rec := s.do(t, http.MethodGet, "/api/employees/emp-1/events?from=2024-03-04&to=2024-03-04", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]EventDTO](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/employees/emp-1/events?from=2024-03-05&to=2024-03-06", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]EventDTO](t, rec), 0)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/employees/emp-1/events?from=yesterday", nil).Code)
}

// =============================================================================
// CHARGES
// =============================================================================

func TestChargeLifecycle(t *testing.T) {
	// GIVEN: a late clock-in that produced a pending charge
	s := newTestServer(t, true)
	res := decodeBody[ResultDTO](t, s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", officeAt(10, 0)))
	require.NotNil(t, res.Charge)

	// WHEN: HR waives it
	rec := s.do(t, http.MethodPatch, "/api/charges/"+res.Charge.ID, ChargeStatusRequest{Status: "waived"})

	// THEN: the charge is waived and can no longer be paid
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "waived", decodeBody[ChargeDTO](t, rec).Status)

	rec = s.do(t, http.MethodPatch, "/api/charges/"+res.Charge.ID, ChargeStatusRequest{Status: "paid"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPatch, "/api/charges/nope", ChargeStatusRequest{Status: "paid"}).Code)

	list := decodeBody[[]ChargeDTO](t, s.do(t, http.MethodGet, "/api/employees/emp-1/charges", nil))
	require.Len(t, list, 1)
	assert.Equal(t, "waived", list[0].Status)

	// The transition is audited under the header actor
	facts := decodeBody[[]AuditFactDTO](t, s.do(t, http.MethodGet, "/api/audit?target="+res.Charge.ID, nil))
	var actors []string
	for _, f := range facts {
		if f.Action == string(attendance.AuditChargeStatus) {
			actors = append(actors, f.Actor)
		}
	}
	assert.Equal(t, []string{"hr-7"}, actors)
}

func TestReportViolation(t *testing.T) {
	s := newTestServer(t, true)
	body := `{"violation_type":"break_violation","base_amount":"20000","idempotency_key":"break:emp-1:2024-03-04"}`

	rec := s.do(t, http.MethodPost, "/api/employees/emp-1/violations", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[ChargeDTO](t, rec)
	assert.Equal(t, "20000", first.FinalAmount)
	assert.Equal(t, "break_violation", first.ViolationType)

	// Same key returns the same charge
	again := decodeBody[ChargeDTO](t, s.do(t, http.MethodPost, "/api/employees/emp-1/violations", body))
	assert.Equal(t, first.ID, again.ID)

	// Break violations have no rule amount
	rec = s.do(t, http.MethodPost, "/api/employees/emp-1/violations", `{"violation_type":"break_violation"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

func TestSaveAttendanceRule_ActivatesAndServes(t *testing.T) {
	s := newTestServer(t, true)
	body := `{
		"id": "rule-2", "version": 4,
		"work_start": "08:00", "work_end": "16:00",
		"grace_period_minutes": 5,
		"late_charge_amount": "30000", "absence_charge_amount": 90000, "early_closure_charge_amount": 10000,
		"night_shift_start": "22:00", "night_shift_end": "06:00",
		"is_active": true
	}`

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/rules/attendance", body).Code)

	rec := s.do(t, http.MethodGet, "/api/rules/attendance/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "rule-2", got["id"])
	assert.Equal(t, "08:00", got["work_start"])
	assert.Equal(t, "30000", got["late_charge_amount"])

	bad := `{"id":"rule-3","work_start":"8","work_end":"16:00","night_shift_start":"22:00","night_shift_end":"06:00"}`
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/rules/attendance", bad).Code)
}

func TestGetShift_ExplicitNightAssignment(t *testing.T) {
	s := newTestServer(t, true)
	rec := s.do(t, http.MethodPost, "/api/shift-assignments",
		`{"id":"a1","employee_id":"emp-1","shift_type":"night","start_date":"2024-03-04","end_date":"2024-03-08"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/employees/emp-1/shift?date=2024-03-05", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[ShiftDTO](t, rec)
	assert.Equal(t, "night", got.Shift)
	assert.Equal(t, "explicit_assignment", got.Source)
	assert.Equal(t, "a1", got.AssignmentID)
	assert.Equal(t, "2024-03-05", got.Date)
}

func TestSaveSite_Validates(t *testing.T) {
	s := newTestServer(t, true)

	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/sites", `{"id":"branch","name":"Branch","lat":-6.3,"lng":106.9,"radius_meters":75}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/sites", `{"id":"bad","lat":-6.3,"lng":106.9,"radius_meters":0}`).Code)

	sites, err := s.store.ActiveSites(context.Background())
	require.NoError(t, err)
	assert.Len(t, sites, 2)
}

func TestSaveEscalationRule_RaisesSecondLateCharge(t *testing.T) {
	s := newTestServer(t, true)
	rec := s.do(t, http.MethodPost, "/api/rules/escalation",
		`{"id":"esc","violation_type":"late_arrival","lookback_period_days":30,"is_active":true,"tiers":[{"occurrence_count":2,"multiplier":"1.5"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Late on Friday the week before, then late today
	prev := time.Date(2024, time.March, 1, 9, 40, 0, 0, time.UTC)
	_, err := s.auth.ClockIn(context.Background(), clock.ClockInRequest{
		EmployeeID: "emp-1", Mode: attendance.LocationField, Timestamp: prev,
		Fingerprint: attendance.Fingerprint{DeviceID: "dev-1", Platform: "android", Model: "Pixel 8"},
	})
	require.NoError(t, err)

	res := decodeBody[ResultDTO](t, s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", officeAt(9, 40)))

	require.NotNil(t, res.Charge)
	assert.Equal(t, 2, res.Charge.Ordinal)
	assert.Equal(t, "75000", res.Charge.FinalAmount)
}

func TestCreateEmployeeAndFieldTrip(t *testing.T) {
	s := newTestServer(t, true)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/employees", `{"id":"emp-2","name":"Budi"}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/employees", `{"name":"nobody"}`).Code)

	rec := s.do(t, http.MethodPost, "/api/employees/emp-2/field-trips", `{"note":"client visit"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	trip := decodeBody[FieldTripDTO](t, rec)
	assert.Equal(t, "active", trip.Status)

	trips, err := s.store.ActiveFieldTrips(context.Background(), "emp-2")
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, trip.ID, trips[0].ID)
}

func TestTriggerSweep_ChargesAbsence(t *testing.T) {
	// GIVEN: two employees, only emp-1 clocked in on Monday
	s := newTestServer(t, true)
	require.NoError(t, s.store.SaveEmployee(context.Background(), attendance.Employee{ID: "emp-2", Name: "Budi"}))
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", officeAt(9, 0)).Code)

	// WHEN: sweeping Monday
	rec := s.do(t, http.MethodPost, "/api/admin/sweep?date=2024-03-04", nil)

	// THEN: emp-2 is charged absence and emp-1's session is still open at noon
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[SweepReportDTO](t, rec)
	assert.Equal(t, "2024-03-04", report.Day)
	assert.Equal(t, 1, report.AbsencesCharged)
	assert.Equal(t, 1, report.StillOpen)

	charges := decodeBody[[]ChargeDTO](t, s.do(t, http.MethodGet, "/api/employees/emp-2/charges", nil))
	require.Len(t, charges, 1)
	assert.Equal(t, "absence", charges[0].ViolationType)
}

func TestListAudit_RequiresTarget(t *testing.T) {
	s := newTestServer(t, true)
	res := decodeBody[ResultDTO](t, s.do(t, http.MethodPost, "/api/employees/emp-1/clock-in", officeAt(9, 0)))
	require.NotNil(t, res.Event)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/audit", nil).Code)

	facts := decodeBody[[]AuditFactDTO](t, s.do(t, http.MethodGet, "/api/audit?target="+res.Event.ID, nil))
	require.NotEmpty(t, facts)
	assert.Equal(t, string(attendance.AuditClockIn), facts[0].Action)
	assert.Equal(t, "hr-7", facts[0].Actor)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestRequestLogger_LevelByStatus(t *testing.T) {
	s := newTestServer(t, true)

	s.do(t, http.MethodGet, "/healthz", nil)
	s.do(t, http.MethodGet, "/api/audit", nil)

	var levels []zapcore.Level
	for _, e := range s.logs.FilterMessage("request").All() {
		levels = append(levels, e.Level)
	}
	assert.Equal(t, []zapcore.Level{zapcore.InfoLevel, zapcore.WarnLevel}, levels)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&attendance.ValidationError{Field: "mode", Message: "bad"}, http.StatusBadRequest},
		{attendance.ErrNotFound, http.StatusNotFound},
		{attendance.ErrClockInProgress, http.StatusConflict},
		{&attendance.InvariantError{Kind: attendance.InvariantDoubleClockIn}, http.StatusConflict},
		{&attendance.ConfigError{ActiveRules: 2}, http.StatusServiceUnavailable},
		{attendance.ErrIntegrityCheckTimeout, http.StatusGatewayTimeout},
		{attendance.ErrSecurityBlocked, http.StatusForbidden},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
