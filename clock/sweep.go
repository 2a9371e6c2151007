package clock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/attendance-engine/attendance"
)

// DefaultEndOfDay is the cutoff used for forced closures of day sessions.
var DefaultEndOfDay = attendance.NewTimeOfDay(23, 59)

// SweepReport summarizes one end-of-day run.
type SweepReport struct {
	Day             string
	ForceClosed     int
	StillOpen       int
	AbsencesCharged int
	AbsencesSkipped int
	Failures        []string
}

// Sweeper runs end-of-day housekeeping:
//   - force-closes sessions that are past their cutoff
//   - charges absence to roster employees with no event on a workday
//
// Absence charges carry the key absence:{employee}:{date}, so running a
// sweep twice for the same day charges nothing new.
type Sweeper struct {
	auth     *Authorizer
	roster   attendance.Roster
	endOfDay attendance.TimeOfDay
	logger   *zap.Logger
}

func NewSweeper(auth *Authorizer, roster attendance.Roster, endOfDay attendance.TimeOfDay, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{auth: auth, roster: roster, endOfDay: endOfDay, logger: logger}
}

// EndOfDay is the configured cutoff.
func (s *Sweeper) EndOfDay() attendance.TimeOfDay { return s.endOfDay }

// Sweep processes the local calendar day containing `day`. Sessions whose
// cutoff is still after now are left open.
func (s *Sweeper) Sweep(ctx context.Context, day, now time.Time) (SweepReport, error) {
	loc := s.auth.cfg.Location
	dayStart := attendance.DateOf(day.In(loc))
	report := SweepReport{Day: attendance.DayKey(dayStart)}

	snap, err := attendance.LoadSnapshot(ctx, s.auth.store, now)
	if err != nil {
		return report, err
	}

	if err := s.closeOpen(ctx, snap, dayStart, now, &report); err != nil {
		return report, err
	}
	if attendance.IsWorkday(dayStart) {
		if err := s.chargeAbsences(ctx, snap, dayStart, now, &report); err != nil {
			return report, err
		}
	}

	s.logger.Info("end-of-day sweep finished",
		zap.String("day", report.Day),
		zap.Int("force_closed", report.ForceClosed),
		zap.Int("still_open", report.StillOpen),
		zap.Int("absences_charged", report.AbsencesCharged),
		zap.Int("absences_skipped", report.AbsencesSkipped),
		zap.Int("failures", len(report.Failures)),
	)
	return report, nil
}

func (s *Sweeper) closeOpen(ctx context.Context, snap attendance.RuleSnapshot, dayStart, now time.Time, report *SweepReport) error {
	open, err := s.auth.store.OpenEvents(ctx, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("list open events: %w", err)
	}
	for _, ev := range open {
		cutoff := s.cutoff(ev, snap.Attendance)
		if cutoff.After(now) {
			report.StillOpen++
			continue
		}
		if _, err := s.auth.ForceClose(ctx, ev, cutoff); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Failures = append(report.Failures, fmt.Sprintf("close %s: %v", ev.ID, err))
			s.logger.Error("forced clock-out failed", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		report.ForceClosed++
	}
	return nil
}

// cutoff is the configured end of day on the clock-in's local day, or the
// end of the night window for night sessions. Never before the clock-in.
func (s *Sweeper) cutoff(ev attendance.AttendanceEvent, rule attendance.AttendanceRule) time.Time {
	in := ev.ClockInTime.In(s.auth.cfg.Location)
	cutoff := s.endOfDay.On(in)
	if ev.IsNightShift && !rule.NightWindow().Empty() {
		cutoff = rule.NightShiftEnd.On(in)
		if !cutoff.After(in) {
			cutoff = rule.NightShiftEnd.On(in.AddDate(0, 0, 1))
		}
	}
	if cutoff.Before(in) {
		cutoff = in
	}
	return cutoff
}

func (s *Sweeper) chargeAbsences(ctx context.Context, snap attendance.RuleSnapshot, dayStart, now time.Time, report *SweepReport) error {
	if !snap.Attendance.AbsenceChargeAmount.IsPositive() {
		return nil
	}
	employees, err := s.roster.Employees(ctx)
	if err != nil {
		return fmt.Errorf("list employees: %w", err)
	}
	for _, emp := range employees {
		charged, err := s.auth.ChargeAbsence(ctx, snap, emp.ID, dayStart, now)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Failures = append(report.Failures, fmt.Sprintf("absence %s: %v", emp.ID, err))
			s.logger.Error("absence charge failed", zap.String("employee_id", string(emp.ID)), zap.Error(err))
		case charged:
			report.AbsencesCharged++
		default:
			report.AbsencesSkipped++
		}
	}
	return nil
}

// AbsenceKey is the idempotency key of an absence charge.
func AbsenceKey(employeeID attendance.EmployeeID, day time.Time) string {
	return "absence:" + string(employeeID) + ":" + attendance.DayKey(day)
}

// ChargeAbsence records an absence for employeeID on dayStart when the
// employee has no event that day and resolves to a non-night shift.
// charged is false when nothing was owed or the charge already exists.
func (a *Authorizer) ChargeAbsence(ctx context.Context, snap attendance.RuleSnapshot, employeeID attendance.EmployeeID, dayStart, now time.Time) (charged bool, err error) {
	events, err := a.store.EventsBetween(ctx, employeeID, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return false, err
	}
	if len(events) > 0 {
		return false, nil
	}
	res, err := a.resolver.Resolve(ctx, employeeID, dayStart, snap)
	if err != nil {
		return false, err
	}
	if res.Shift == attendance.ShiftNight {
		return false, nil
	}

	key := AbsenceKey(employeeID, dayStart)
	charge, err := a.price(ctx, snap, employeeID, attendance.ViolationAbsence, dayStart, snap.Attendance.AbsenceChargeAmount, "", key)
	if err != nil {
		return false, err
	}
	err = a.store.WithTx(ctx, func(tx attendance.Sink) error {
		if err := tx.RecordCharge(ctx, *charge); err != nil {
			return err
		}
		return tx.RecordAuditFact(ctx, a.fact(SystemActor, attendance.AuditChargeCreated, charge.ID, chargeReason(charge), now))
	})
	if errors.Is(err, attendance.ErrDuplicateIdempotencyKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
