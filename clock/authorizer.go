/*
authorizer.go - Clock event state machine and orchestration

PURPOSE:
  Turns a clock-in or clock-out request into an accepted event (plus an
  optional charge) or a blocked result. Every accepted action is committed
  with a single TxSink.WithTx call; blocked actions write audit facts only.

STATE MACHINE (per employee, per local calendar day):

  NotClockedIn ──clock-in(office|field)──► ClockedIn ──clock-out──► ClockedOut

  - At most one office session per day
  - Field seen today => office clock-in blocked
  - Office then field is allowed and closes nothing
  - Office clock-in completes every active field trip
  - Same mode while that mode is open => double clock-in
  - Clock-out with nothing open => invariant violation

CLOCK-IN PIPELINE:
  1. Lock clockin:{employee}:{day}       (contention => ErrClockInProgress)
  2. Concurrent reads                    snapshot, today's events, active trips
  3. Integrity gate + site lookup        bounded by IntegrityTimeout
  4. Geofence (office mode)
  5. Day invariants
  6. Shift resolution and lateness
  7. Escalated late charge              first session of the day only
  8. Commit                              event, charge, trips, baseline, audit

CANCELLATION:
  ctx is checked right before the commit and again by the store inside
  WithTx. A cancelled call writes nothing.

SEE ALSO:
  - clockout.go: clock-out and forced closures
  - sweep.go: end-of-day sweep
  - violations.go: externally reported violations and charge status
*/
package clock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/escalation"
	"github.com/warp/attendance-engine/geofence"
	"github.com/warp/attendance-engine/integrity"
	"github.com/warp/attendance-engine/lateness"
	"github.com/warp/attendance-engine/shift"
)

// DefaultIntegrityTimeout bounds the integrity gate and site lookup.
const DefaultIntegrityTimeout = 3 * time.Second

// SystemActor is the actor recorded for automated actions.
const SystemActor = "system"

// Store is the persistence the authorizer needs.
type Store interface {
	attendance.RuleConfigProvider
	attendance.EventReader
	attendance.ViolationReader
	attendance.ChargeReader
	attendance.TripReader
	attendance.SiteReader
	attendance.FingerprintStore
	attendance.TxSink
}

type Config struct {
	Location         *time.Location
	IntegrityTimeout time.Duration
	Integrity        integrity.Options
	Pattern          shift.PatternOptions
	// Now is the clock used when a request carries no timestamp.
	Now func() time.Time
}

type Authorizer struct {
	store    Store
	locker   Locker
	gate     *integrity.Gate
	resolver *shift.Resolver
	eval     *lateness.Evaluator
	charges  *escalation.Engine
	cfg      Config
	logger   *zap.Logger
}

// NewAuthorizer wires the default gate, resolver, evaluator and escalation
// engine over store. A nil locker means an in-process MemoryLocker.
func NewAuthorizer(store Store, locker Locker, cfg Config, logger *zap.Logger) *Authorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.IntegrityTimeout <= 0 {
		cfg.IntegrityTimeout = DefaultIntegrityTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Pattern.Location = cfg.Location

	return &Authorizer{
		store:    store,
		locker:   locker,
		gate:     integrity.NewGate(store, cfg.Integrity),
		resolver: shift.Default(store, store, cfg.Pattern, logger),
		eval:     lateness.New(cfg.Location),
		charges:  escalation.NewEngine(store),
		cfg:      cfg,
		logger:   logger,
	}
}

// Resolver exposes the shift resolver for read-only queries.
func (a *Authorizer) Resolver() *shift.Resolver { return a.resolver }

func (a *Authorizer) Location() *time.Location { return a.cfg.Location }

// Now reads the authorizer's clock.
func (a *Authorizer) Now() time.Time { return a.cfg.Now() }

// =============================================================================
// CLOCK-IN
// =============================================================================

func (a *Authorizer) ClockIn(ctx context.Context, req ClockInRequest) (*Result, error) {
	if err := validateClockIn(req); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		req.Actor = string(req.EmployeeID)
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = a.cfg.Now()
	}
	local := ts.In(a.cfg.Location)
	dayStart := attendance.DateOf(local)

	unlock, ok, err := a.locker.TryLock(ctx, LockKey(req.EmployeeID, dayStart))
	if err != nil {
		return nil, fmt.Errorf("acquire clock lock: %w", err)
	}
	if !ok {
		return nil, attendance.ErrClockInProgress
	}
	defer unlock()

	// Side-effect free reads run concurrently.
	var (
		snap  attendance.RuleSnapshot
		today []attendance.AttendanceEvent
		trips []attendance.FieldTrip
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap, err = attendance.LoadSnapshot(gctx, a.store, ts)
		return err
	})
	g.Go(func() error {
		var err error
		today, err = a.store.EventsBetween(gctx, req.EmployeeID, dayStart, dayStart.AddDate(0, 0, 1))
		return err
	})
	g.Go(func() error {
		var err error
		trips, err = a.store.ActiveFieldTrips(gctx, req.EmployeeID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	check, sites, err := a.runGate(ctx, req, ts)
	if err != nil {
		return nil, err
	}
	warnings := append([]attendance.Warning{}, check.Warnings...)

	if !check.Passed {
		reason := fmt.Sprintf("integrity confidence %d below threshold", check.ConfidenceScore)
		res := blocked(StatusSecurityBlocked, reason, warnings)
		res.Confidence = check.ConfidenceScore
		return res, a.audit(ctx, req.Actor, attendance.AuditSecurityBlocked, string(req.EmployeeID), reason, ts)
	}

	ev := attendance.AttendanceEvent{
		ID:           uuid.NewString(),
		EmployeeID:   req.EmployeeID,
		ClockInTime:  ts,
		LocationType: req.Mode,
		RuleVersion:  snap.Version,
		CreatedAt:    a.cfg.Now(),
	}
	if req.Location != nil {
		lat, lng := req.Location.Point.Lat, req.Location.Point.Lng
		ev.Latitude, ev.Longitude = &lat, &lng
	}

	if req.Mode == attendance.LocationOffice {
		if len(sites) == 0 {
			warnings = append(warnings, attendance.Warning{Code: attendance.WarnNoSiteConfigured, Message: "no active site, geofence skipped"})
		} else {
			if req.Location == nil {
				return a.geofenceBlocked(ctx, req, ts, "office clock-in requires a location sample", warnings)
			}
			fence, _ := geofence.Nearest(req.Location.Point, sites)
			within, dist := fence.WithinGeofence, fence.DistanceMeters
			ev.WithinGeofence, ev.GeofenceDistanceMeters, ev.SiteID = &within, &dist, fence.SiteID
			if !within {
				reason := fmt.Sprintf("%.0f m from site %s", dist, fence.SiteID)
				return a.geofenceBlocked(ctx, req, ts, reason, warnings)
			}
		}
	}

	if ie := checkClockInInvariants(req.Mode, today); ie != nil {
		res := violated(ie)
		res.Warnings = warnings
		return res, a.audit(ctx, req.Actor, attendance.AuditInvariantBlocked, string(req.EmployeeID), ie.Error(), ts)
	}

	resolution, err := a.resolver.Resolve(ctx, req.EmployeeID, local, snap)
	if err != nil {
		return nil, fmt.Errorf("resolve shift: %w", err)
	}
	if resolution.Ambiguous {
		warnings = append(warnings, attendance.Warning{
			Code:    attendance.WarnShiftAmbiguous,
			Message: "overlapping shift assignments, using " + resolution.AssignmentID,
		})
	}

	verdict := a.eval.Evaluate(ts, snap.Attendance, resolution.Shift)
	ev.ShiftType = resolution.Shift
	ev.IsNightShift = verdict.IsNightShift
	// Arrival lateness belongs to the first session of the local day only.
	if len(today) == 0 {
		ev.IsLate = verdict.IsLate
		ev.LateByMinutes = verdict.LateByMinutes
	}

	var charge *attendance.Charge
	if ev.IsLate && snap.Attendance.LateChargeAmount.IsPositive() {
		charge, err = a.price(ctx, snap, req.EmployeeID, attendance.ViolationLateArrival, ts, snap.Attendance.LateChargeAmount, ev.ID, "late:"+ev.ID)
		if err != nil {
			return nil, err
		}
	}

	var closing []attendance.FieldTrip
	if req.Mode == attendance.LocationOffice {
		closing = trips
		for _, t := range closing {
			warnings = append(warnings, attendance.Warning{Code: attendance.WarnTripAutoClosed, Message: "field trip " + t.ID + " completed on office clock-in"})
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err = a.store.WithTx(ctx, func(tx attendance.Sink) error {
		if err := tx.RecordEvent(ctx, ev); err != nil {
			return err
		}
		if charge != nil {
			if err := tx.RecordCharge(ctx, *charge); err != nil {
				return err
			}
		}
		for _, t := range closing {
			note := "auto-completed by office clock-in " + ev.ID
			if err := tx.CompleteFieldTrip(ctx, t.ID, ts, note); err != nil {
				return err
			}
		}
		if check.NewBaseline != nil {
			if err := tx.SaveFingerprint(ctx, req.EmployeeID, *check.NewBaseline); err != nil {
				return err
			}
		}
		facts := []attendance.AuditFact{a.fact(req.Actor, attendance.AuditClockIn, ev.ID, string(req.Mode), ts)}
		for _, w := range warnings {
			facts = append(facts, a.fact(req.Actor, auditActionFor(w.Code), ev.ID, w.Message, ts))
		}
		if charge != nil {
			facts = append(facts, a.fact(SystemActor, attendance.AuditChargeCreated, charge.ID, chargeReason(charge), ts))
		}
		return recordFacts(ctx, tx, facts)
	})
	if err != nil {
		return nil, fmt.Errorf("commit clock-in: %w", err)
	}

	a.logger.Info("clock-in accepted",
		zap.String("employee_id", string(req.EmployeeID)),
		zap.String("event_id", ev.ID),
		zap.String("mode", string(req.Mode)),
		zap.String("shift", string(ev.ShiftType)),
		zap.Bool("late", ev.IsLate),
		zap.Int("rule_version", snap.Version),
	)
	for _, w := range warnings {
		a.logger.Warn("clock-in warning",
			zap.String("employee_id", string(req.EmployeeID)),
			zap.String("event_id", ev.ID),
			zap.String("code", string(w.Code)),
			zap.String("detail", w.Message),
		)
	}

	return &Result{
		Status:     StatusAccepted,
		Event:      &ev,
		Charge:     charge,
		Warnings:   warnings,
		Confidence: check.ConfidenceScore,
		Shift:      &resolution,
	}, nil
}

type gateOutcome struct {
	check integrity.Result
	sites []attendance.Site
	err   error
}

// runGate runs the integrity check and site lookup under IntegrityTimeout.
// The select makes the bound hold even when a store ignores ctx.
func (a *Authorizer) runGate(ctx context.Context, req ClockInRequest, ts time.Time) (integrity.Result, []attendance.Site, error) {
	gctx, cancel := context.WithTimeout(ctx, a.cfg.IntegrityTimeout)
	defer cancel()

	done := make(chan gateOutcome, 1)
	go func() {
		var out gateOutcome
		out.check, out.err = a.gate.Check(gctx, req.EmployeeID, req.Fingerprint, req.Location, ts)
		if out.err == nil && req.Mode == attendance.LocationOffice {
			out.sites, out.err = a.store.ActiveSites(gctx)
		}
		done <- out
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return integrity.Result{}, nil, attendance.ErrIntegrityCheckTimeout
			}
			return integrity.Result{}, nil, out.err
		}
		return out.check, out.sites, nil
	case <-gctx.Done():
		if err := ctx.Err(); err != nil {
			return integrity.Result{}, nil, err
		}
		return integrity.Result{}, nil, attendance.ErrIntegrityCheckTimeout
	}
}

func (a *Authorizer) geofenceBlocked(ctx context.Context, req ClockInRequest, ts time.Time, reason string, warnings []attendance.Warning) (*Result, error) {
	res := blocked(StatusGeofenceBlocked, reason, warnings)
	return res, a.audit(ctx, req.Actor, attendance.AuditGeofenceBlocked, string(req.EmployeeID), reason, ts)
}

// checkClockInInvariants applies the per-day mode rules to today's events.
func checkClockInInvariants(mode attendance.LocationType, today []attendance.AttendanceEvent) *attendance.InvariantError {
	for i := range today {
		e := today[i]
		if e.LocationType == mode && e.IsOpen() {
			return &attendance.InvariantError{
				Kind:     attendance.InvariantDoubleClockIn,
				Existing: &e,
				Message:  fmt.Sprintf("already clocked in (%s)", mode),
			}
		}
	}
	if mode != attendance.LocationOffice {
		return nil
	}
	for i := range today {
		e := today[i]
		switch e.LocationType {
		case attendance.LocationField:
			return &attendance.InvariantError{
				Kind:     attendance.InvariantFieldBeforeOffice,
				Existing: &e,
				Message:  "office clock-in not allowed after a field session on the same day",
			}
		case attendance.LocationOffice:
			return &attendance.InvariantError{
				Kind:     attendance.InvariantSecondOffice,
				Existing: &e,
				Message:  "only one office session per day",
			}
		}
	}
	return nil
}

func validateClockIn(req ClockInRequest) error {
	if req.EmployeeID == "" {
		return &attendance.ValidationError{Field: "employee_id", Message: "required"}
	}
	if !req.Mode.Valid() {
		return &attendance.ValidationError{Field: "mode", Message: fmt.Sprintf("must be office or field, got %q", req.Mode)}
	}
	return nil
}

// =============================================================================
// CHARGES & AUDIT HELPERS
// =============================================================================

// price runs escalation and builds a pending charge.
func (a *Authorizer) price(ctx context.Context, snap attendance.RuleSnapshot, employeeID attendance.EmployeeID, vt attendance.ViolationType, occurredAt time.Time, base decimal.Decimal, eventID, key string) (*attendance.Charge, error) {
	out, err := a.charges.ComputeCharge(ctx, snap, employeeID, vt, occurredAt, base)
	if err != nil {
		return nil, fmt.Errorf("escalate %s: %w", vt, err)
	}
	return &attendance.Charge{
		ID:                uuid.NewString(),
		EmployeeID:        employeeID,
		AttendanceEventID: eventID,
		ChargeType:        attendance.ChargeTypeFor(vt),
		ViolationType:     vt,
		BaseAmount:        base,
		MultiplierApplied: out.TierMultiplier,
		FinalAmount:       out.FinalAmount,
		Ordinal:           out.Ordinal,
		ChargeDate:        occurredAt,
		Status:            attendance.ChargePending,
		IdempotencyKey:    key,
		CreatedAt:         a.cfg.Now(),
	}, nil
}

func (a *Authorizer) fact(actor string, action attendance.AuditAction, target, reason string, at time.Time) attendance.AuditFact {
	return attendance.AuditFact{
		ID:     ulid.Make().String(),
		Actor:  actor,
		Action: action,
		Target: target,
		Reason: reason,
		At:     at,
	}
}

// audit records a single fact for a blocked attempt. The audit write must be
// acknowledged; its failure is returned to the caller.
func (a *Authorizer) audit(ctx context.Context, actor string, action attendance.AuditAction, target, reason string, at time.Time) error {
	a.logger.Warn("clock action blocked",
		zap.String("actor", actor),
		zap.String("action", string(action)),
		zap.String("target", target),
		zap.String("reason", reason),
	)
	if err := a.store.RecordAuditFact(ctx, a.fact(actor, action, target, reason, at)); err != nil {
		return fmt.Errorf("record audit fact: %w", err)
	}
	return nil
}

func recordFacts(ctx context.Context, tx attendance.Sink, facts []attendance.AuditFact) error {
	for _, f := range facts {
		if err := tx.RecordAuditFact(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func auditActionFor(code attendance.WarningCode) attendance.AuditAction {
	switch code {
	case attendance.WarnTripAutoClosed:
		return attendance.AuditTripAutoClosed
	case attendance.WarnShiftAmbiguous:
		return attendance.AuditShiftAmbiguous
	default:
		return attendance.AuditIntegrityWarning
	}
}

func chargeReason(c *attendance.Charge) string {
	return fmt.Sprintf("%s ordinal %d: %s x %s = %s",
		c.ViolationType, c.Ordinal, c.BaseAmount.String(), c.MultiplierApplied.String(), c.FinalAmount.String())
}
