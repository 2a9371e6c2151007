/*
handlers.go - HTTP API handlers for the attendance engine

PURPOSE:
  Exposes clock actions, charge history and rule administration over REST.
  Handlers parse the request, call the clock authorizer or the store, and
  map the outcome to a status code.

ENDPOINTS:
  Clock:
    POST   /api/employees/{id}/clock-in      Authorize a clock-in
    POST   /api/employees/{id}/clock-out     Close the open session
    GET    /api/employees/{id}/events        History (?from=&to=)
    GET    /api/employees/{id}/shift         Resolved shift (?date=)

  Charges:
    GET    /api/employees/{id}/charges       All charges of an employee
    POST   /api/employees/{id}/violations    Externally detected violation
    PATCH  /api/charges/{id}                 Status transition

  Administration:
    POST   /api/employees                    Create or update employee
    POST   /api/employees/{id}/field-trips   Start a field trip
    POST   /api/rules/attendance             Save attendance rule
    GET    /api/rules/attendance/active      Active rule
    POST   /api/rules/escalation             Save escalation rule
    POST   /api/shift-assignments            Save shift assignment
    POST   /api/sites                        Save site
    POST   /api/admin/sweep                  Run the end-of-day sweep (?date=)
    GET    /api/audit                        Audit facts (?target=)

ACTOR:
  Taken from the X-Actor-ID header, "system" when absent.

ERROR HANDLING:
  Blocked clock actions return a ResultDTO with:
  - 403: security_blocked, geofence_blocked
  - 409: invariant_violation
  Errors are returned as ErrorResponse:
  - 400: validation errors, malformed JSON
  - 404: unknown charge or event
  - 409: clock action in progress, invalid charge transition
  - 503: no single active attendance rule
  - 504: integrity check timed out
  - 500: everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - clock/authorizer.go: the state machine behind the clock endpoints
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/clock"
	"github.com/warp/attendance-engine/factory"
)

// ActorHeader names the header carrying the acting user.
const ActorHeader = "X-Actor-ID"

// defaultHistoryDays bounds GET events when no range is given.
const defaultHistoryDays = 30

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   attendance.Store
	Auth    *clock.Authorizer
	Sweeper *clock.Sweeper
	Rules   *factory.RuleFactory

	logger *zap.Logger
}

// NewHandler creates a handler. sweeper may be nil, which disables the
// manual sweep endpoint.
func NewHandler(store attendance.Store, auth *clock.Authorizer, sweeper *clock.Sweeper, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:   store,
		Auth:    auth,
		Sweeper: sweeper,
		Rules:   factory.NewRuleFactory(),
		logger:  logger,
	}
}

// =============================================================================
// CLOCK HANDLERS
// =============================================================================

// ClockIn authorizes a clock-in.
// POST /api/employees/{id}/clock-in
func (h *Handler) ClockIn(w http.ResponseWriter, r *http.Request) {
	var body ClockInRequest
	if !decode(w, r, &body) {
		return
	}
	res, err := h.Auth.ClockIn(r.Context(), body.toDomain(chi.URLParam(r, "id"), actor(r)))
	h.writeResult(w, res, err)
}

// ClockOut closes the employee's open session.
// POST /api/employees/{id}/clock-out
func (h *Handler) ClockOut(w http.ResponseWriter, r *http.Request) {
	var body ClockOutRequest
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	res, err := h.Auth.ClockOut(r.Context(), body.toDomain(chi.URLParam(r, "id"), actor(r)))
	h.writeResult(w, res, err)
}

func (h *Handler) writeResult(w http.ResponseWriter, res *clock.Result, err error) {
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	status := http.StatusCreated
	switch res.Status {
	case clock.StatusSecurityBlocked, clock.StatusGeofenceBlocked:
		status = http.StatusForbidden
	case clock.StatusInvariantViolation:
		status = http.StatusConflict
	}
	writeJSON(w, status, toResultDTO(res))
}

// ListEvents returns attendance events in a range.
// GET /api/employees/{id}/events?from=2024-03-01&to=2024-03-31
//
// Dates are local calendar days, both inclusive. RFC3339 instants are
// accepted as half-open bounds.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	loc := h.Auth.Location()
	now := h.Auth.Now().In(loc)

	to := attendance.DateOf(now).AddDate(0, 0, 1)
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, dateOnly, err := parseBound(raw, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'to'", err)
			return
		}
		to = t
		if dateOnly {
			to = t.AddDate(0, 0, 1)
		}
	}
	from := to.AddDate(0, 0, -defaultHistoryDays)
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, _, err := parseBound(raw, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'from'", err)
			return
		}
		from = t
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "'from' must be before 'to'", nil)
		return
	}

	events, err := h.Store.EventsBetween(r.Context(), attendance.EmployeeID(chi.URLParam(r, "id")), from, to)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetShift resolves the employee's shift for a date (default today).
// GET /api/employees/{id}/shift?date=2024-03-04
func (h *Handler) GetShift(w http.ResponseWriter, r *http.Request) {
	loc := h.Auth.Location()
	date := attendance.DateOf(h.Auth.Now().In(loc))
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := time.ParseInLocation(time.DateOnly, raw, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'date', want YYYY-MM-DD", err)
			return
		}
		date = d
	}

	ctx := r.Context()
	snap, err := attendance.LoadSnapshot(ctx, h.Store, h.Auth.Now())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	res, err := h.Auth.Resolver().Resolve(ctx, attendance.EmployeeID(chi.URLParam(r, "id")), date, snap)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toShiftDTO(res, attendance.DayKey(date)))
}

// =============================================================================
// CHARGE HANDLERS
// =============================================================================

// ListCharges returns the employee's charges.
// GET /api/employees/{id}/charges
func (h *Handler) ListCharges(w http.ResponseWriter, r *http.Request) {
	charges, err := h.Store.ChargesByEmployee(r.Context(), attendance.EmployeeID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]ChargeDTO, len(charges))
	for i, c := range charges {
		dtos[i] = toChargeDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReportViolation charges an externally detected violation.
// POST /api/employees/{id}/violations
func (h *Handler) ReportViolation(w http.ResponseWriter, r *http.Request) {
	var body ViolationRequest
	if !decode(w, r, &body) {
		return
	}
	rep := clock.ViolationReport{
		EmployeeID:     attendance.EmployeeID(chi.URLParam(r, "id")),
		Actor:          actor(r),
		Type:           attendance.ViolationType(body.ViolationType),
		EventID:        body.EventID,
		IdempotencyKey: body.IdempotencyKey,
	}
	if body.OccurredAt != nil {
		rep.OccurredAt = *body.OccurredAt
	}
	if body.BaseAmount != nil {
		amount := body.BaseAmount.Decimal
		rep.BaseAmount = &amount
	}

	charge, err := h.Auth.ReportViolation(r.Context(), rep)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChargeDTO(*charge))
}

// UpdateCharge moves a charge to a new status.
// PATCH /api/charges/{id}
func (h *Handler) UpdateCharge(w http.ResponseWriter, r *http.Request) {
	var body ChargeStatusRequest
	if !decode(w, r, &body) {
		return
	}
	charge, err := h.Auth.UpdateChargeStatus(r.Context(), actor(r), chi.URLParam(r, "id"), attendance.ChargeStatus(body.Status))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeDTO(*charge))
}

// =============================================================================
// ADMINISTRATION HANDLERS
// =============================================================================

// CreateEmployee adds an employee to the roster.
// POST /api/employees
func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var body factory.EmployeeJSON
	if !decode(w, r, &body) {
		return
	}
	emp, err := h.Rules.Employee(body)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.Store.SaveEmployee(r.Context(), emp); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

// StartFieldTrip opens a field trip that the next office clock-in completes.
// POST /api/employees/{id}/field-trips
func (h *Handler) StartFieldTrip(w http.ResponseWriter, r *http.Request) {
	var body FieldTripRequest
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	trip := attendance.FieldTrip{
		ID:         uuid.NewString(),
		EmployeeID: attendance.EmployeeID(chi.URLParam(r, "id")),
		StartedAt:  h.Auth.Now(),
		Status:     attendance.TripActive,
		Note:       body.Note,
	}
	if body.StartedAt != nil {
		trip.StartedAt = *body.StartedAt
	}
	if err := h.Store.StartFieldTrip(r.Context(), trip); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, FieldTripDTO{
		ID:         trip.ID,
		EmployeeID: string(trip.EmployeeID),
		StartedAt:  trip.StartedAt.Format(time.RFC3339),
		Status:     string(trip.Status),
		Note:       trip.Note,
	})
}

// SaveAttendanceRule stores a rule. An active rule deactivates all others.
// POST /api/rules/attendance
func (h *Handler) SaveAttendanceRule(w http.ResponseWriter, r *http.Request) {
	var body factory.AttendanceRuleJSON
	if !decode(w, r, &body) {
		return
	}
	rule, err := h.Rules.AttendanceRule(body)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	ctx := r.Context()
	if err := h.Store.SaveAttendanceRule(ctx, rule); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if rule.IsActive {
		if err := h.Store.ActivateAttendanceRule(ctx, rule.ID); err != nil {
			h.writeDomainError(w, err)
			return
		}
	}
	h.logger.Info("attendance rule saved",
		zap.String("rule_id", rule.ID),
		zap.Int("rule_version", rule.Version),
		zap.Bool("active", rule.IsActive),
		zap.String("actor", actor(r)),
	)
	writeJSON(w, http.StatusCreated, toAttendanceRuleJSON(rule))
}

// GetActiveRule returns the single active attendance rule.
// GET /api/rules/attendance/active
func (h *Handler) GetActiveRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Store.ActiveAttendanceRule(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAttendanceRuleJSON(rule))
}

// SaveEscalationRule stores an escalation rule.
// POST /api/rules/escalation
func (h *Handler) SaveEscalationRule(w http.ResponseWriter, r *http.Request) {
	var body factory.EscalationRuleJSON
	if !decode(w, r, &body) {
		return
	}
	rule, err := h.Rules.EscalationRule(body)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.Store.SaveEscalationRule(r.Context(), rule); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

// SaveShiftAssignment stores an explicit shift assignment.
// POST /api/shift-assignments
func (h *Handler) SaveShiftAssignment(w http.ResponseWriter, r *http.Request) {
	var body factory.ShiftAssignmentJSON
	if !decode(w, r, &body) {
		return
	}
	a, err := h.Rules.ShiftAssignment(body)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.Store.SaveShiftAssignment(r.Context(), a); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

// SaveSite stores an office site.
// POST /api/sites
func (h *Handler) SaveSite(w http.ResponseWriter, r *http.Request) {
	var body factory.SiteJSON
	if !decode(w, r, &body) {
		return
	}
	site, err := h.Rules.Site(body)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.Store.SaveSite(r.Context(), site); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

// TriggerSweep runs the end-of-day sweep for a date (default yesterday).
// POST /api/admin/sweep?date=2024-03-04
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusNotFound, "Sweep is not configured", nil)
		return
	}
	loc := h.Auth.Location()
	now := h.Auth.Now()
	day := attendance.DateOf(now.In(loc)).AddDate(0, 0, -1)
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := time.ParseInLocation(time.DateOnly, raw, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'date', want YYYY-MM-DD", err)
			return
		}
		day = d
	}
	report, err := h.Sweeper.Sweep(r.Context(), day, now)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepReportDTO(report))
}

// ListAudit returns the audit facts for a target.
// GET /api/audit?target=emp-1
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		writeError(w, http.StatusBadRequest, "Missing 'target'", nil)
		return
	}
	facts, err := h.Store.AuditFacts(r.Context(), target)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]AuditFactDTO, len(facts))
	for i, f := range facts {
		dtos[i] = toAuditFactDTO(f)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func actor(r *http.Request) string {
	if a := r.Header.Get(ActorHeader); a != "" {
		return a
	}
	return clock.SystemActor
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// parseBound accepts YYYY-MM-DD (local midnight) or RFC3339.
func parseBound(raw string, loc *time.Location) (time.Time, bool, error) {
	if d, err := time.ParseInLocation(time.DateOnly, raw, loc); err == nil {
		return d, true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("want YYYY-MM-DD or RFC3339, got %q", raw)
	}
	return t, false, nil
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	var ve *attendance.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, attendance.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, attendance.ErrSecurityBlocked), errors.Is(err, attendance.ErrGeofenceBlocked):
		return http.StatusForbidden
	case errors.Is(err, attendance.ErrInvariantViolation),
		errors.Is(err, attendance.ErrClockInProgress),
		errors.Is(err, attendance.ErrInvalidTransition),
		errors.Is(err, attendance.ErrDuplicateIdempotencyKey):
		return http.StatusConflict
	case errors.Is(err, attendance.ErrConfigMissing):
		return http.StatusServiceUnavailable
	case errors.Is(err, attendance.ErrIntegrityCheckTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Details:   err.Error(),
		Retryable: attendance.IsRetryable(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
