/*
lateness.go - Lateness, night-shift and hours evaluation

PURPOSE:
  Pure functions over a clock-in/clock-out pair and the active rule. No
  persistence, no clock reads; callers pass timestamps and the rule from
  the snapshot.

LATENESS:
  workStart      = scheduled start on the clock-in's local calendar day
  lateDeadline   = workStart + GracePeriodMinutes
  isLate         = clockIn > lateDeadline (strict)
  lateByMinutes  = round(clockIn - workStart) in minutes

  The grace period forgives the charge, not the measured lateness. A clock-in
  at 09:16 with 15 minutes grace reports 16 minutes late.

NIGHT SHIFTS:
  isNightShift is true when the clock-in minute lies in the rule's night
  window [NightShiftStart, NightShiftEnd) or when the resolved shift is night.
  A night shift is measured against the NightShiftStart occurrence closest to
  the clock-in, so a 22:10 start against a 22:00 window is 10 minutes late
  and a 01:00 clock-in belongs to the window that opened the previous evening.
  Rotating shifts take the night anchor only when the clock-in falls inside
  the window.

HOURS:
  totalHours      = clockOut - clockIn
  overtimeHours   = clockOut - max(overtimeStart, clockIn), approved only
  nightShiftHours = overlap of [clockIn, clockOut) with night windows
  All rounded to 2 decimals.

SEE ALSO:
  - attendance/timeofday.go: Window membership and overlap
  - clock/authorizer.go: caller
*/
package lateness

import (
	"math"
	"time"

	"github.com/warp/attendance-engine/attendance"
)

// Verdict is the clock-in evaluation.
type Verdict struct {
	IsLate          bool
	LateByMinutes   int
	IsNightShift    bool
	NightShiftHours float64
	ScheduledStart  time.Time
	LateDeadline    time.Time
}

// Hours is the clock-out evaluation.
type Hours struct {
	TotalHours      float64
	OvertimeHours   float64
	NightShiftHours float64
}

// Closure reports worked hours and whether the session closed early.
type Closure struct {
	Hours        float64
	EarlyClosure bool
}

// Evaluator evaluates timestamps in one company timezone.
type Evaluator struct {
	loc *time.Location
}

// New returns an Evaluator for loc. A nil loc means UTC.
func New(loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{loc: loc}
}

func (e *Evaluator) Location() *time.Location { return e.loc }

// =============================================================================
// CLOCK-IN
// =============================================================================

func (e *Evaluator) Evaluate(clockIn time.Time, rule attendance.AttendanceRule, shift attendance.ShiftType) Verdict {
	local := clockIn.In(e.loc)
	window := rule.NightWindow()
	inWindow := window.ContainsTime(local)

	v := Verdict{
		IsNightShift: inWindow || shift == attendance.ShiftNight,
	}

	useNightAnchor := shift == attendance.ShiftNight ||
		(shift == attendance.ShiftRotating && inWindow)
	if useNightAnchor && !window.Empty() {
		v.ScheduledStart = nearestOccurrence(local, rule.NightShiftStart)
	} else {
		v.ScheduledStart = rule.WorkStart.On(local)
	}
	v.LateDeadline = v.ScheduledStart.Add(time.Duration(rule.GracePeriodMinutes) * time.Minute)

	if local.After(v.LateDeadline) {
		v.IsLate = true
		v.LateByMinutes = int(math.Round(local.Sub(v.ScheduledStart).Minutes()))
	}
	return v
}

// nearestOccurrence returns the occurrence of tod on the day before, the day of,
// or the day after ts that is closest to ts.
func nearestOccurrence(ts time.Time, tod attendance.TimeOfDay) time.Time {
	best := tod.On(ts)
	for _, d := range []int{-1, 1} {
		c := tod.On(ts.AddDate(0, 0, d))
		if absDuration(ts.Sub(c)) < absDuration(ts.Sub(best)) {
			best = c
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// =============================================================================
// CLOCK-OUT
// =============================================================================

// EvaluateOvertimeAndHours computes worked, overtime and night hours.
// Overtime accrues only when approved and only from overtimeStart onwards; an
// approved request without a start time accrues none.
func (e *Evaluator) EvaluateOvertimeAndHours(clockIn, clockOut time.Time, approved bool, overtimeStart *time.Time, rule attendance.AttendanceRule) (Hours, error) {
	if clockOut.Before(clockIn) {
		return Hours{}, &attendance.InvariantError{
			Kind:    attendance.InvariantOutBeforeIn,
			Message: "clock-out precedes clock-in",
		}
	}
	in := clockIn.In(e.loc)
	out := clockOut.In(e.loc)

	h := Hours{
		TotalHours:      attendance.RoundHours(out.Sub(in).Hours()),
		NightShiftHours: attendance.RoundHours(rule.NightWindow().Overlap(in, out).Hours()),
	}
	if approved && overtimeStart != nil {
		from := overtimeStart.In(e.loc)
		if from.Before(in) {
			from = in
		}
		if out.After(from) {
			h.OvertimeHours = attendance.RoundHours(out.Sub(from).Hours())
		}
	}
	return h, nil
}

// EvaluateClosure flags a voluntary clock-out before MinimumHours as early.
// Forced closures are never early.
func (e *Evaluator) EvaluateClosure(clockIn, clockOut time.Time, forced bool, rule attendance.AttendanceRule) Closure {
	hours := attendance.RoundHours(clockOut.Sub(clockIn).Hours())
	if hours < 0 {
		hours = 0
	}
	return Closure{
		Hours:        hours,
		EarlyClosure: !forced && hours < rule.MinimumHours(),
	}
}
