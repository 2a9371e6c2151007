package attendance

import (
	"context"
	"sort"
	"time"
)

// =============================================================================
// RULE SNAPSHOT - Versioned rule set captured once per engine call
// =============================================================================

// RuleSnapshot freezes the configuration used by one evaluation so that a
// rule edited mid-call cannot produce a mixed verdict.
type RuleSnapshot struct {
	Version    int
	Attendance AttendanceRule
	Escalation map[ViolationType]*EscalationRule
	TakenAt    time.Time
}

// EscalationFor returns the active escalation rule for vt, or nil.
func (s RuleSnapshot) EscalationFor(vt ViolationType) *EscalationRule {
	return s.Escalation[vt]
}

var allViolationTypes = []ViolationType{
	ViolationLateArrival,
	ViolationAbsence,
	ViolationEarlyDeparture,
	ViolationBreak,
}

// LoadSnapshot reads the active attendance rule and every active escalation rule.
func LoadSnapshot(ctx context.Context, p RuleConfigProvider, now time.Time) (RuleSnapshot, error) {
	rule, err := p.ActiveAttendanceRule(ctx)
	if err != nil {
		return RuleSnapshot{}, err
	}
	snap := RuleSnapshot{
		Version:    rule.Version,
		Attendance: rule,
		Escalation: make(map[ViolationType]*EscalationRule, len(allViolationTypes)),
		TakenAt:    now,
	}
	for _, vt := range allViolationTypes {
		er, err := p.ActiveEscalationRule(ctx, vt)
		if err != nil {
			return RuleSnapshot{}, err
		}
		if er != nil && er.IsActive {
			SortTiers(er.Tiers)
			snap.Escalation[vt] = er
		}
	}
	return snap, nil
}

// SortTiers orders tiers ascending by OccurrenceCount.
func SortTiers(tiers []EscalationTier) {
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].OccurrenceCount < tiers[j].OccurrenceCount
	})
}
