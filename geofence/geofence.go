// Package geofence decides whether a clock-in point lies inside an authorized
// site using great-circle distance.
package geofence

import (
	"math"

	"github.com/warp/attendance-engine/attendance"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

type Result struct {
	WithinGeofence bool
	DistanceMeters float64
	SiteID         string
}

// Distance returns the haversine distance between two points in meters.
func Distance(a, b attendance.Point) float64 {
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Validate checks point against one site. On the radius counts as inside.
func Validate(point attendance.Point, site attendance.Site) Result {
	d := Distance(point, site.Center)
	return Result{
		WithinGeofence: d <= site.RadiusMeters,
		DistanceMeters: d,
		SiteID:         site.ID,
	}
}

// Nearest validates point against the closest active site. ok is false when
// no site is active.
func Nearest(point attendance.Point, sites []attendance.Site) (res Result, ok bool) {
	for _, s := range sites {
		if !s.IsActive {
			continue
		}
		r := Validate(point, s)
		if !ok || r.DistanceMeters < res.DistanceMeters {
			res, ok = r, true
		}
	}
	return res, ok
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
