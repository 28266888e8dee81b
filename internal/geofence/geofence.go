// Package geofence decides whether an attendance sample lies inside an
// event's zone and whether consecutive samples are physically plausible.
//
// Everything here is pure: no clock reads, no I/O, no shared state.
package geofence

import (
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Flags raised on hour entries.
const (
	FlagOutsideGeofence = "outside-geofence"
	FlagSpeedViolation  = "speed-violation"
)

// DefaultMaxSpeedKmh applies when a caller passes a non-positive limit.
const DefaultMaxSpeedKmh = 50.0

// duplicateWindow is the elapsed time at or under which two samples are
// treated as the same reading.
const duplicateWindow = time.Second

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Point) orb() orb.Point { return orb.Point{p.Lng, p.Lat} }

// Sample is a timestamped location reading.
type Sample struct {
	Point
	At        time.Time `json:"at"`
	AccuracyM float64   `json:"accuracyM,omitempty"`
}

// Zone is a circle around an event anchor.
type Zone struct {
	Center  Point   `json:"center"`
	RadiusM float64 `json:"radiusM"`
}

// Result of a zone check.
type Result struct {
	Inside         bool    `json:"inside"`
	DistanceMeters float64 `json:"distanceMeters"`
}

// SpeedResult of a plausibility check between two samples.
type SpeedResult struct {
	Plausible bool    `json:"plausible"`
	SpeedKmh  float64 `json:"speedKmh"`
	Skipped   bool    `json:"skipped,omitempty"`
}

// ValidCoordinates reports whether p is a finite coordinate within range.
func ValidCoordinates(p Point) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Distance returns the great-circle distance in meters.
func Distance(a, b Point) float64 {
	return geo.DistanceHaversine(a.orb(), b.orb())
}

// Validate checks p against zone. The boundary is inclusive.
func Validate(p Point, zone Zone) Result {
	d := Distance(p, zone.Center)
	return Result{Inside: d <= zone.RadiusM, DistanceMeters: d}
}

// ValidateSpeed checks the implied travel speed between prev and curr.
// Samples no more than a second apart are duplicates and are not checked.
func ValidateSpeed(prev, curr Sample, maxKmh float64) SpeedResult {
	if maxKmh <= 0 {
		maxKmh = DefaultMaxSpeedKmh
	}
	elapsed := curr.At.Sub(prev.At)
	if elapsed < 0 {
		elapsed = -elapsed
	}
	if elapsed <= duplicateWindow {
		return SpeedResult{Plausible: true, Skipped: true}
	}
	kmh := (Distance(prev.Point, curr.Point) / 1000) / elapsed.Hours()
	return SpeedResult{Plausible: kmh <= maxKmh, SpeedKmh: kmh}
}

// Report combines the zone and speed checks for one incoming sample.
type Report struct {
	Zone  Result       `json:"zone"`
	Speed *SpeedResult `json:"speed,omitempty"`
	Flags []string     `json:"flags,omitempty"`
}

// Validator applies configured defaults to Validate and ValidateSpeed.
type Validator struct {
	DefaultRadiusM float64
	MaxSpeedKmh    float64
}

// NewValidator returns a Validator with the given defaults.
func NewValidator(defaultRadiusM, maxSpeedKmh float64) Validator {
	return Validator{DefaultRadiusM: defaultRadiusM, MaxSpeedKmh: maxSpeedKmh}
}

// Check validates curr against zone and, when prev is non-nil, against prev.
// A zone with no radius uses the validator's default.
func (v Validator) Check(prev *Sample, curr Sample, zone Zone) Report {
	if zone.RadiusM <= 0 {
		zone.RadiusM = v.DefaultRadiusM
	}
	rep := Report{Zone: Validate(curr.Point, zone)}
	if !rep.Zone.Inside {
		rep.Flags = append(rep.Flags, FlagOutsideGeofence)
	}
	if prev != nil {
		sr := ValidateSpeed(*prev, curr, v.MaxSpeedKmh)
		rep.Speed = &sr
		if !sr.Plausible {
			rep.Flags = append(rep.Flags, FlagSpeedViolation)
		}
	}
	return rep
}
