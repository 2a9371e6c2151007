/*
resolver.go - Which shift applies to an employee on a date

PURPOSE:
  Resolves day/night/rotating for one employee and one calendar day by
  running a chain of strategies. The first strategy that decides wins; when
  none decides the result is the default day shift.

STRATEGY CHAIN (default order):
  1. ExplicitAssignment - active ShiftAssignment covering the date
  2. PatternDetection   - share of recent clock-ins inside the night window
  3. default day

  Each strategy can be constructed and tested alone. NewResolver accepts any
  chain, so deployments without history (or tests) can drop strategies.

SEE ALSO:
  - strategies.go: the two built-in strategies
  - lateness/lateness.go: consumes the resolved ShiftType
*/
package shift

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/attendance-engine/attendance"
)

// Source says which strategy produced a resolution.
type Source string

const (
	SourceExplicit Source = "explicit_assignment"
	SourcePattern  Source = "pattern_detection"
	SourceDefault  Source = "default"
)

// Resolution is the resolved shift for one employee-day.
type Resolution struct {
	Shift  attendance.ShiftType
	Source Source
	// Ambiguous is set when several explicit assignments overlapped and the
	// most recently created one was picked.
	Ambiguous    bool
	AssignmentID string
	NightRatio   float64
}

// Strategy decides a shift or reports that it cannot (decided == false).
type Strategy interface {
	Resolve(ctx context.Context, employeeID attendance.EmployeeID, date time.Time, snap attendance.RuleSnapshot) (res Resolution, decided bool, err error)
}

type Resolver struct {
	strategies []Strategy
	logger     *zap.Logger
}

// NewResolver runs strategies in order. A nil logger is replaced with a no-op.
func NewResolver(logger *zap.Logger, strategies ...Strategy) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{strategies: strategies, logger: logger}
}

// Default wires the standard explicit-then-pattern chain.
func Default(rules attendance.RuleConfigProvider, events attendance.EventReader, opts PatternOptions, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewResolver(logger,
		NewExplicitAssignment(rules, logger),
		NewPatternDetection(events, opts),
	)
}

func (r *Resolver) Resolve(ctx context.Context, employeeID attendance.EmployeeID, date time.Time, snap attendance.RuleSnapshot) (Resolution, error) {
	for _, s := range r.strategies {
		res, decided, err := s.Resolve(ctx, employeeID, date, snap)
		if err != nil {
			return Resolution{}, err
		}
		if decided {
			r.logger.Debug("shift resolved",
				zap.String("employee_id", string(employeeID)),
				zap.String("date", attendance.DayKey(date)),
				zap.String("shift", string(res.Shift)),
				zap.String("source", string(res.Source)),
			)
			return res, nil
		}
	}
	return Resolution{Shift: attendance.ShiftDay, Source: SourceDefault}, nil
}
