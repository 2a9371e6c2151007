package clock

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/attendance-engine/attendance"
)

// openLookback is the recent window ClockOut searches first, so a night
// shift that started yesterday is found without a full open-event scan.
const openLookback = 36 * time.Hour

// ClockOut closes the employee's most recent open event.
func (a *Authorizer) ClockOut(ctx context.Context, req ClockOutRequest) (*Result, error) {
	if req.EmployeeID == "" {
		return nil, &attendance.ValidationError{Field: "employee_id", Message: "required"}
	}
	if req.Actor == "" {
		req.Actor = string(req.EmployeeID)
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = a.cfg.Now()
	}

	unlock, ok, err := a.locker.TryLock(ctx, LockKey(req.EmployeeID, ts.In(a.cfg.Location)))
	if err != nil {
		return nil, fmt.Errorf("acquire clock lock: %w", err)
	}
	if !ok {
		return nil, attendance.ErrClockInProgress
	}
	defer unlock()

	recent, err := a.store.EventsBetween(ctx, req.EmployeeID, ts.Add(-openLookback), ts.Add(time.Nanosecond))
	if err != nil {
		return nil, err
	}
	open := latestOpen(recent, req.EmployeeID)
	if open == nil {
		// Sessions the sweep never closed are older than the window.
		stale, err := a.store.OpenEvents(ctx, ts.Add(time.Nanosecond))
		if err != nil {
			return nil, err
		}
		open = latestOpen(stale, req.EmployeeID)
	}
	if open == nil {
		ie := &attendance.InvariantError{Kind: attendance.InvariantNoOpenEvent, Message: "no open attendance event to close"}
		return violated(ie), a.audit(ctx, req.Actor, attendance.AuditInvariantBlocked, string(req.EmployeeID), ie.Error(), ts)
	}
	return a.close(ctx, *open, req, ts)
}

// latestOpen returns the last open event of employeeID in events, which are
// ordered by clock-in.
func latestOpen(events []attendance.AttendanceEvent, employeeID attendance.EmployeeID) *attendance.AttendanceEvent {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EmployeeID == employeeID && events[i].IsOpen() {
			return &events[i]
		}
	}
	return nil
}

// ForceClose closes a specific open event as a system action. It locks the
// clock-in's local day, the key its clock-in was taken under.
func (a *Authorizer) ForceClose(ctx context.Context, ev attendance.AttendanceEvent, at time.Time) (*Result, error) {
	unlock, ok, err := a.locker.TryLock(ctx, LockKey(ev.EmployeeID, ev.ClockInTime.In(a.cfg.Location)))
	if err != nil {
		return nil, fmt.Errorf("acquire clock lock: %w", err)
	}
	if !ok {
		return nil, attendance.ErrClockInProgress
	}
	defer unlock()

	if at.Before(ev.ClockInTime) {
		at = ev.ClockInTime
	}
	return a.close(ctx, ev, ClockOutRequest{EmployeeID: ev.EmployeeID, Actor: SystemActor, Timestamp: at, Forced: true}, at)
}

func (a *Authorizer) close(ctx context.Context, ev attendance.AttendanceEvent, req ClockOutRequest, ts time.Time) (*Result, error) {
	if ts.Before(ev.ClockInTime) {
		ie := &attendance.InvariantError{Kind: attendance.InvariantOutBeforeIn, Existing: &ev, Message: "clock-out precedes clock-in"}
		return violated(ie), a.audit(ctx, req.Actor, attendance.AuditInvariantBlocked, ev.ID, ie.Error(), ts)
	}

	snap, err := attendance.LoadSnapshot(ctx, a.store, ts)
	if err != nil {
		return nil, err
	}
	rule := snap.Attendance

	hours, err := a.eval.EvaluateOvertimeAndHours(ev.ClockInTime, ts, req.OvertimeApproved, req.OvertimeStart, rule)
	if err != nil {
		return nil, err
	}
	closure := a.eval.EvaluateClosure(ev.ClockInTime, ts, req.Forced, rule)

	out := ts
	ev.ClockOutTime = &out
	ev.TotalHours = hours.TotalHours
	ev.OvertimeHours = hours.OvertimeHours
	ev.NightShiftHours = hours.NightShiftHours
	ev.EarlyClosure = closure.EarlyClosure
	ev.ForcedClose = req.Forced

	var charge *attendance.Charge
	if ev.EarlyClosure && rule.EarlyClosureChargeAmount.IsPositive() {
		charge, err = a.price(ctx, snap, ev.EmployeeID, attendance.ViolationEarlyDeparture, ts, rule.EarlyClosureChargeAmount, ev.ID, "early:"+ev.ID)
		if err != nil {
			return nil, err
		}
	}

	action := attendance.AuditClockOut
	if req.Forced {
		action = attendance.AuditForcedClose
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err = a.store.WithTx(ctx, func(tx attendance.Sink) error {
		if err := tx.CloseEvent(ctx, ev); err != nil {
			return err
		}
		facts := []attendance.AuditFact{
			a.fact(req.Actor, action, ev.ID, fmt.Sprintf("%.2f h worked", ev.TotalHours), ts),
		}
		if charge != nil {
			if err := tx.RecordCharge(ctx, *charge); err != nil {
				return err
			}
			facts = append(facts, a.fact(SystemActor, attendance.AuditChargeCreated, charge.ID, chargeReason(charge), ts))
		}
		return recordFacts(ctx, tx, facts)
	})
	if err != nil {
		return nil, fmt.Errorf("commit clock-out: %w", err)
	}

	a.logger.Info("clock-out accepted",
		zap.String("employee_id", string(ev.EmployeeID)),
		zap.String("event_id", ev.ID),
		zap.Float64("total_hours", ev.TotalHours),
		zap.Bool("early_closure", ev.EarlyClosure),
		zap.Bool("forced", ev.ForcedClose),
		zap.Int("rule_version", snap.Version),
	)

	return &Result{Status: StatusAccepted, Event: &ev, Charge: charge}, nil
}
