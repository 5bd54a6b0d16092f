// Package geofence validates a reported worker position against a job site's
// circular boundary. It is pure: no storage, no clock, no side effects.
package geofence

import (
	"math"

	"bitbucket.org/mmdatafocus/timeclock_backend/utils"
)

// earthRadiusMeters is the mean Earth radius used for great-circle distance.
const earthRadiusMeters = 6371000.0

type Point struct {
	Lat            float64
	Lng            float64
	AccuracyMeters float64
}

type Boundary struct {
	CenterLat    float64
	CenterLng    float64
	RadiusMeters float64
}

type Result struct {
	IsValid         bool    `json:"is_valid"`
	DistanceMeters  float64 `json:"distance_meters"`
	EffectiveRadius float64 `json:"effective_radius"`
}

// Validate computes the great-circle distance between the reported point and
// the boundary center. The boundary is accuracy-tolerant: GPS error can
// legitimately place a valid worker just outside the nominal radius, so the
// effective radius is radius + accuracy.
func Validate(p Point, b Boundary) (Result, error) {
	if b.RadiusMeters <= 0 {
		return Result{}, utils.InvalidArgument("geofence radius must be positive, got %v", b.RadiusMeters)
	}
	if p.AccuracyMeters < 0 {
		return Result{}, utils.InvalidArgument("accuracy must be non-negative, got %v", p.AccuracyMeters)
	}
	if !validLatLng(p.Lat, p.Lng) || !validLatLng(b.CenterLat, b.CenterLng) {
		return Result{}, utils.InvalidArgument("latitude/longitude out of range")
	}

	distance := haversineMeters(p.Lat, p.Lng, b.CenterLat, b.CenterLng)
	effective := b.RadiusMeters + p.AccuracyMeters

	return Result{
		IsValid:         distance <= effective,
		DistanceMeters:  distance,
		EffectiveRadius: effective,
	}, nil
}

func validLatLng(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func haversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlng/2)*math.Sin(dlng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}
