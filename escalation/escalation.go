/*
escalation.go - Charge escalation for repeated violations

PURPOSE:
  Turns a base charge into a final charge by looking up a multiplier tier
  from the violation's position in the employee's current streak.

ALGORITHM:
  1. No active EscalationRule for the type: multiplier 1.0.
  2. Priors are the employee's violations of the same type within
     [occurredAt - LookbackPeriodDays, occurredAt). The store narrows the
     range; this package applies reset logic only.
  3. Walk back from occurredAt through priors (newest first). The streak
     ends at the first gap of ResetAfterDays or more between consecutive
     violations, including the gap between the newest prior and occurredAt.
     ResetAfterDays = 0 disables resets.
  4. ordinal = streak length including the new violation (1-based).
  5. multiplier = tier with the largest OccurrenceCount <= ordinal, else 1.0.
  6. finalAmount = baseAmount * multiplier

EXAMPLE:
  Tiers {2: 1.5}, {3: 2.0}, {5: 3.0}, lookback 30 days, reset 14 days

  Mar 1 late  -> ordinal 1 -> 1.0
  Mar 5 late  -> ordinal 2 -> 1.5
  Mar 9 late  -> ordinal 3 -> 2.0
  Mar 30 late -> gap 21 days >= 14, streak restarts -> ordinal 1 -> 1.0

SEE ALSO:
  - attendance/store.go: ViolationReader
  - clock/authorizer.go: caller on late arrival and early closure
*/
package escalation

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/attendance-engine/attendance"
)

const day = 24 * time.Hour

// Outcome is the priced violation.
type Outcome struct {
	TierMultiplier decimal.Decimal
	FinalAmount    decimal.Decimal
	Ordinal        int
	RuleID         string
}

// Engine loads priors from a ViolationReader and applies Escalate.
type Engine struct {
	violations attendance.ViolationReader
}

func NewEngine(violations attendance.ViolationReader) *Engine {
	return &Engine{violations: violations}
}

// ComputeCharge prices a violation using the escalation rule of snap.
func (e *Engine) ComputeCharge(ctx context.Context, snap attendance.RuleSnapshot, employeeID attendance.EmployeeID, vt attendance.ViolationType, occurredAt time.Time, base decimal.Decimal) (Outcome, error) {
	rule := snap.EscalationFor(vt)
	if rule == nil || !rule.IsActive || rule.LookbackPeriodDays <= 0 {
		return Escalate(rule, nil, occurredAt, base), nil
	}

	from := occurredAt.Add(-time.Duration(rule.LookbackPeriodDays) * day)
	priors, err := e.violations.ViolationsBetween(ctx, employeeID, vt, from, occurredAt)
	if err != nil {
		return Outcome{}, err
	}
	times := make([]time.Time, 0, len(priors))
	for _, p := range priors {
		times = append(times, p.OccurredAt)
	}
	return Escalate(rule, times, occurredAt, base), nil
}

// Escalate is the pure pricing step. priors may be unsorted; entries outside
// the lookback window or not before occurredAt are ignored.
func Escalate(rule *attendance.EscalationRule, priors []time.Time, occurredAt time.Time, base decimal.Decimal) Outcome {
	if rule == nil || !rule.IsActive {
		return Outcome{TierMultiplier: decimal.NewFromInt(1), FinalAmount: base, Ordinal: 1}
	}
	ordinal := Ordinal(rule, priors, occurredAt)
	m := TierMultiplier(rule.Tiers, ordinal)
	return Outcome{
		TierMultiplier: m,
		FinalAmount:    base.Mul(m),
		Ordinal:        ordinal,
		RuleID:         rule.ID,
	}
}

// Ordinal returns the 1-based position of a violation at occurredAt within its
// current un-reset streak. Priors count inside the half-open window
// [occurredAt-lookback, occurredAt), so a prior at occurredAt itself is ignored.
func Ordinal(rule *attendance.EscalationRule, priors []time.Time, occurredAt time.Time) int {
	if rule.LookbackPeriodDays <= 0 {
		return 1
	}
	windowStart := occurredAt.Add(-time.Duration(rule.LookbackPeriodDays) * day)

	inWindow := make([]time.Time, 0, len(priors))
	for _, p := range priors {
		if !p.Before(windowStart) && p.Before(occurredAt) {
			inWindow = append(inWindow, p)
		}
	}
	sort.Slice(inWindow, func(i, j int) bool { return inWindow[i].After(inWindow[j]) })

	reset := time.Duration(rule.ResetAfterDays) * day
	ordinal := 1
	cursor := occurredAt
	for _, p := range inWindow {
		if rule.ResetAfterDays > 0 && cursor.Sub(p) >= reset {
			break
		}
		ordinal++
		cursor = p
	}
	return ordinal
}

// TierMultiplier binary-searches tiers (ascending by OccurrenceCount) for the
// largest OccurrenceCount <= ordinal. No match yields 1.0.
func TierMultiplier(tiers []attendance.EscalationTier, ordinal int) decimal.Decimal {
	i := sort.Search(len(tiers), func(i int) bool {
		return tiers[i].OccurrenceCount > ordinal
	})
	if i == 0 {
		return decimal.NewFromInt(1)
	}
	return tiers[i-1].Multiplier
}
