package integrity

import (
	"fmt"
	"time"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/geofence"
)

// Observation is everything an Indicator may look at.
type Observation struct {
	Fingerprint attendance.Fingerprint
	Sample      *attendance.LocationSample
	// Previous is the employee's most recent located clock-in, if any.
	Previous *attendance.AttendanceEvent
	Now      time.Time
}

// Finding is a single indicator hit.
type Finding struct {
	Indicator string
	Penalty   int
	Detail    string
}

// Indicator inspects an observation and reports a penalty, or ok == false.
type Indicator interface {
	Name() string
	Inspect(obs Observation) (f Finding, ok bool)
}

// DefaultIndicators returns the built-in spoofing indicators.
func DefaultIndicators(maxVelocityMPS float64) []Indicator {
	return []Indicator{
		MockLocation{Penalty: 70},
		ImplausibleVelocity{MaxMetersPerSecond: maxVelocityMPS, Penalty: 45},
		AccuracyOutlier{MaxAccuracyMeters: 500, Penalty: 20},
		StaleSample{MaxAge: 2 * time.Minute, Penalty: 15},
	}
}

// =============================================================================
// MOCK LOCATION
// =============================================================================

// MockLocation fires when the OS reports a mock location provider.
type MockLocation struct {
	Penalty int
}

func (MockLocation) Name() string { return "mock_location" }

func (m MockLocation) Inspect(obs Observation) (Finding, bool) {
	if obs.Sample == nil || !obs.Sample.IsMock {
		return Finding{}, false
	}
	return Finding{Indicator: m.Name(), Penalty: m.Penalty, Detail: "mock location provider reported"}, true
}

// =============================================================================
// IMPLAUSIBLE VELOCITY
// =============================================================================

// ImplausibleVelocity compares the sample with the previous located clock-in.
type ImplausibleVelocity struct {
	MaxMetersPerSecond float64
	Penalty            int
}

func (ImplausibleVelocity) Name() string { return "implausible_velocity" }

func (v ImplausibleVelocity) Inspect(obs Observation) (Finding, bool) {
	prev := obs.Previous
	if obs.Sample == nil || prev == nil || prev.Latitude == nil || prev.Longitude == nil || v.MaxMetersPerSecond <= 0 {
		return Finding{}, false
	}
	at := obs.Sample.CapturedAt
	if at.IsZero() {
		at = obs.Now
	}
	elapsed := at.Sub(prev.ClockInTime).Seconds()
	dist := geofence.Distance(attendance.Point{Lat: *prev.Latitude, Lng: *prev.Longitude}, obs.Sample.Point)
	if elapsed <= 0 {
		if dist < 1 {
			return Finding{}, false
		}
		elapsed = 1
	}
	speed := dist / elapsed
	if speed <= v.MaxMetersPerSecond {
		return Finding{}, false
	}
	return Finding{
		Indicator: v.Name(),
		Penalty:   v.Penalty,
		Detail:    fmt.Sprintf("%.0f m in %.0f s (%.1f m/s)", dist, elapsed, speed),
	}, true
}

// =============================================================================
// ACCURACY OUTLIER
// =============================================================================

// AccuracyOutlier fires on an implausibly coarse fix, or an exact zero which
// real receivers do not report.
type AccuracyOutlier struct {
	MaxAccuracyMeters float64
	Penalty           int
}

func (AccuracyOutlier) Name() string { return "accuracy_outlier" }

func (a AccuracyOutlier) Inspect(obs Observation) (Finding, bool) {
	if obs.Sample == nil {
		return Finding{}, false
	}
	acc := obs.Sample.AccuracyMeters
	if acc > 0 && acc <= a.MaxAccuracyMeters {
		return Finding{}, false
	}
	return Finding{Indicator: a.Name(), Penalty: a.Penalty, Detail: fmt.Sprintf("accuracy %.1f m", acc)}, true
}

// =============================================================================
// STALE SAMPLE
// =============================================================================

// StaleSample fires when the fix is older than MaxAge or from the future.
type StaleSample struct {
	MaxAge  time.Duration
	Penalty int
}

func (StaleSample) Name() string { return "stale_sample" }

func (s StaleSample) Inspect(obs Observation) (Finding, bool) {
	if obs.Sample == nil || obs.Sample.CapturedAt.IsZero() || obs.Now.IsZero() {
		return Finding{}, false
	}
	age := obs.Now.Sub(obs.Sample.CapturedAt)
	if age <= s.MaxAge && age >= -30*time.Second {
		return Finding{}, false
	}
	return Finding{Indicator: s.Name(), Penalty: s.Penalty, Detail: fmt.Sprintf("sample age %s", age.Round(time.Second))}, true
}
