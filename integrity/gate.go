/*
Package integrity implements the clock-in integrity gate.

PURPOSE:
  Combines device fingerprint similarity and location spoofing indicators
  into one confidence score. The only hard block is a confidence below the
  threshold (40 by default); everything else is an advisory warning.

SCORING:
  similarity  weighted match of fingerprint fields against the stored
              baseline, 0 when no baseline exists. A baseline exists and
              similarity < 50 => fingerprint_drift warning.
  confidence  100 - sum(indicator penalties), clamped to [0, 100].
  passed      confidence >= threshold

BASELINE:
  The first fingerprint that passes becomes the baseline. Check reports it
  in Result.NewBaseline; the caller persists it together with the event.

SEE ALSO:
  - fingerprint.go: Similarity
  - spoofing.go: Indicator and built-ins
*/
package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/attendance-engine/attendance"
)

const (
	DefaultConfidenceThreshold = 40
	DefaultSimilarityThreshold = 50
	// DefaultMaxVelocityMPS is roughly 300 km/h.
	DefaultMaxVelocityMPS = 83.0
)

type Result struct {
	Passed          bool
	ConfidenceScore int
	Similarity      int
	HasBaseline     bool
	Findings        []Finding
	Warnings        []attendance.Warning
	// NewBaseline is set when no baseline existed and the check passed.
	NewBaseline *attendance.Fingerprint
}

type Options struct {
	ConfidenceThreshold int
	SimilarityThreshold int
	Indicators          []Indicator
}

func (o Options) withDefaults() Options {
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if o.Indicators == nil {
		o.Indicators = DefaultIndicators(DefaultMaxVelocityMPS)
	}
	return o
}

// Reader is what the gate needs from the store.
type Reader interface {
	attendance.FingerprintStore
	LastLocatedEvent(ctx context.Context, employeeID attendance.EmployeeID, before time.Time) (*attendance.AttendanceEvent, error)
}

type Gate struct {
	reader Reader
	opts   Options
}

func NewGate(reader Reader, opts Options) *Gate {
	return &Gate{reader: reader, opts: opts.withDefaults()}
}

// Passes reports whether a confidence score clears the gate threshold.
func (g *Gate) Passes(score int) bool { return score >= g.opts.ConfidenceThreshold }

// Check loads the baseline and previous location, then evaluates.
func (g *Gate) Check(ctx context.Context, employeeID attendance.EmployeeID, fp attendance.Fingerprint, sample *attendance.LocationSample, now time.Time) (Result, error) {
	stored, err := g.reader.StoredFingerprint(ctx, employeeID)
	if err != nil {
		return Result{}, fmt.Errorf("load fingerprint: %w", err)
	}
	var prev *attendance.AttendanceEvent
	if sample != nil {
		prev, err = g.reader.LastLocatedEvent(ctx, employeeID, now)
		if err != nil {
			return Result{}, fmt.Errorf("load previous location: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Evaluate(Observation{Fingerprint: fp, Sample: sample, Previous: prev, Now: now}, stored, g.opts)
	if stored == nil && res.Passed && !fp.IsZero() {
		baseline := fp
		res.NewBaseline = &baseline
	}
	return res, nil
}

// Evaluate is the pure scoring step.
func Evaluate(obs Observation, stored *attendance.Fingerprint, opts Options) Result {
	opts = opts.withDefaults()

	res := Result{
		Similarity:  Similarity(obs.Fingerprint, stored),
		HasBaseline: stored != nil,
	}
	if res.HasBaseline && res.Similarity < opts.SimilarityThreshold {
		res.Warnings = append(res.Warnings, attendance.Warning{
			Code:    attendance.WarnFingerprintDrift,
			Message: fmt.Sprintf("device fingerprint similarity %d below %d", res.Similarity, opts.SimilarityThreshold),
		})
	}

	penalty := 0
	for _, ind := range opts.Indicators {
		f, ok := ind.Inspect(obs)
		if !ok {
			continue
		}
		penalty += f.Penalty
		res.Findings = append(res.Findings, f)
		res.Warnings = append(res.Warnings, attendance.Warning{
			Code:    attendance.WarnSpoofingSuspected,
			Message: f.Indicator + ": " + f.Detail,
		})
	}

	res.ConfidenceScore = clamp(100-penalty, 0, 100)
	res.Passed = res.ConfidenceScore >= opts.ConfidenceThreshold
	return res
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
