// Package geo provides coordinate types and great-circle distance math
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// EarthRadiusMeters is the mean Earth radius used by DistanceMeters
const EarthRadiusMeters = 6371000.0

// ErrInvalidCoordinate is returned when latitude or longitude is out of range
var ErrInvalidCoordinate = errors.New("geo: invalid coordinate")

// Coordinate is a WGS 84 position in degrees
type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Fix is a single position reading from a position source
type Fix struct {
	Coordinate `yaml:",inline"`

	Timestamp time.Time `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Accuracy  float64   `json:"accuracy,omitempty" yaml:"accuracy,omitempty"` // Meters, 0 = unknown
}

// NewFix creates a fix stamped with the current time
func NewFix(lat, lon float64) Fix {
	return Fix{
		Coordinate: Coordinate{Lat: lat, Lon: lon},
		Timestamp:  time.Now(),
	}
}

// Validate checks latitude is in [-90, 90] and longitude in [-180, 180]
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrInvalidCoordinate, c.Lat)
	}
	if math.IsNaN(c.Lon) || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrInvalidCoordinate, c.Lon)
	}
	return nil
}

// String formats the coordinate as "lat,lon"
func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// ParseCoordinate parses a string like "13.0418,80.0456"
func ParseCoordinate(input string) (Coordinate, error) {
	parts := strings.Split(input, ",")
	if len(parts) != 2 {
		return Coordinate{}, fmt.Errorf("%w: expected \"lat,lon\", got %q", ErrInvalidCoordinate, input)
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: latitude %q: %v", ErrInvalidCoordinate, parts[0], err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: longitude %q: %v", ErrInvalidCoordinate, parts[1], err)
	}

	c := Coordinate{Lat: lat, Lon: lon}
	if err := c.Validate(); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

// DistanceMeters returns the haversine distance between a and b
func DistanceMeters(a, b Coordinate) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon

	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Interpolate returns the point a fraction f of the way from a to b.
// Linear in degrees, which is fine over the short legs between route steps.
func Interpolate(a, b Coordinate, f float64) Coordinate {
	if f <= 0 {
		return a
	}
	if f >= 1 {
		return b
	}
	return Coordinate{
		Lat: a.Lat + (b.Lat-a.Lat)*f,
		Lon: a.Lon + (b.Lon-a.Lon)*f,
	}
}

// OffsetNorth returns the point meters due north of c (negative = south)
func OffsetNorth(c Coordinate, meters float64) Coordinate {
	return Coordinate{
		Lat: c.Lat + toDegrees(meters/EarthRadiusMeters),
		Lon: c.Lon,
	}
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func toDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
