package geo

import (
	"errors"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

var (
	ErrLatitudeRange  = errors.New("latitude must be within [-90, 90]")
	ErrLongitudeRange = errors.New("longitude must be within [-180, 180]")
	ErrNotFinite      = errors.New("coordinate must be finite")
)

// DistanceMeters returns the great-circle distance between a and b.
// Inputs are expected to be validated; invalid input propagates NaN.
func DistanceMeters(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Validate reports whether c is a finite lat/lng pair inside the valid ranges.
func Validate(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return ErrNotFinite
	}
	if c.Lat < -90 || c.Lat > 90 {
		return ErrLatitudeRange
	}
	if c.Lng < -180 || c.Lng > 180 {
		return ErrLongitudeRange
	}
	return nil
}
