package shift

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/attendance-engine/attendance"
)

// =============================================================================
// EXPLICIT ASSIGNMENT
// =============================================================================

// ExplicitAssignment picks the active assignment whose inclusive date range
// contains the date. Overlaps resolve to the most recently created row
// (ties broken by ID) and are logged as ShiftAmbiguous.
type ExplicitAssignment struct {
	rules  attendance.RuleConfigProvider
	logger *zap.Logger
}

func NewExplicitAssignment(rules attendance.RuleConfigProvider, logger *zap.Logger) *ExplicitAssignment {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExplicitAssignment{rules: rules, logger: logger}
}

func (s *ExplicitAssignment) Resolve(ctx context.Context, employeeID attendance.EmployeeID, date time.Time, _ attendance.RuleSnapshot) (Resolution, bool, error) {
	day := attendance.DateOf(date)
	assignments, err := s.rules.ShiftAssignments(ctx, employeeID, day, day)
	if err != nil {
		return Resolution{}, false, err
	}

	var (
		winner  *attendance.ShiftAssignment
		matches int
	)
	for i := range assignments {
		a := assignments[i]
		if !a.Covers(day) || !a.ShiftType.Valid() {
			continue
		}
		matches++
		if winner == nil || newer(a, *winner) {
			winner = &assignments[i]
		}
	}
	if winner == nil {
		return Resolution{}, false, nil
	}

	res := Resolution{
		Shift:        winner.ShiftType,
		Source:       SourceExplicit,
		AssignmentID: winner.ID,
		Ambiguous:    matches > 1,
	}
	if res.Ambiguous {
		s.logger.Warn(attendance.ErrShiftAmbiguous.Error(),
			zap.String("employee_id", string(employeeID)),
			zap.String("date", attendance.DayKey(day)),
			zap.Int("overlapping", matches),
			zap.String("chosen_assignment", winner.ID),
		)
	}
	return res, true, nil
}

func newer(a, b attendance.ShiftAssignment) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// =============================================================================
// PATTERN DETECTION
// =============================================================================

const (
	DefaultLookbackDays = 7
	DefaultNightRatio   = 0.6
)

type PatternOptions struct {
	LookbackDays int
	NightRatio   float64
	// Location anchors calendar days. Nil means UTC.
	Location *time.Location
}

func (o PatternOptions) withDefaults() PatternOptions {
	if o.LookbackDays <= 0 {
		o.LookbackDays = DefaultLookbackDays
	}
	if o.NightRatio <= 0 {
		o.NightRatio = DefaultNightRatio
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

// PatternDetection classifies from the clock-ins of the LookbackDays calendar
// days before the date. No history means no decision.
type PatternDetection struct {
	events attendance.EventReader
	opts   PatternOptions
}

func NewPatternDetection(events attendance.EventReader, opts PatternOptions) *PatternDetection {
	return &PatternDetection{events: events, opts: opts.withDefaults()}
}

func (s *PatternDetection) Resolve(ctx context.Context, employeeID attendance.EmployeeID, date time.Time, snap attendance.RuleSnapshot) (Resolution, bool, error) {
	day := attendance.DateOf(date.In(s.opts.Location))
	from := day.AddDate(0, 0, -s.opts.LookbackDays)

	events, err := s.events.EventsBetween(ctx, employeeID, from, day)
	if err != nil {
		return Resolution{}, false, err
	}
	if len(events) == 0 {
		return Resolution{}, false, nil
	}

	window := snap.Attendance.NightWindow()
	night := 0
	for _, e := range events {
		if window.ContainsTime(e.ClockInTime.In(s.opts.Location)) {
			night++
		}
	}
	ratio := float64(night) / float64(len(events))

	res := Resolution{Shift: attendance.ShiftDay, Source: SourcePattern, NightRatio: ratio}
	if ratio >= s.opts.NightRatio {
		res.Shift = attendance.ShiftNight
	}
	return res, true, nil
}
