package geofence

import (
	"errors"
	"fmt"
	"math"
)

const EarthRadius = 6371000.0

var ErrInvalidCoordinate = errors.New("invalid coordinate")

type Status string

const (
	Safe     Status = "Safe"
	Critical Status = "Critical"
	Unknown  Status = "Unknown"
)

type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NewPoint returns a validated point. Non-finite or out of range values are
// rejected, never clamped.
func NewPoint(lat, lon float64) (Point, error) {
	if math.IsNaN(lat) || math.IsInf(lat, 0) {
		return Point{}, fmt.Errorf("%w: latitude is not a finite number", ErrInvalidCoordinate)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) {
		return Point{}, fmt.Errorf("%w: longitude is not a finite number", ErrInvalidCoordinate)
	}
	if lat < -90 || lat > 90 {
		return Point{}, fmt.Errorf("%w: latitude must be between -90 and 90 degrees", ErrInvalidCoordinate)
	}
	if lon < -180 || lon > 180 {
		return Point{}, fmt.Errorf("%w: longitude must be between -180 and 180 degrees", ErrInvalidCoordinate)
	}
	return Point{Latitude: lat, Longitude: lon}, nil
}

type Zone struct {
	Id     int     `json:"id" mapstructure:"id"`
	Name   string  `json:"name" mapstructure:"name"`
	Lat    float64 `json:"lat" mapstructure:"lat"`
	Lon    float64 `json:"lon" mapstructure:"lon"`
	Radius float64 `json:"radius" mapstructure:"radius"`
}

func (z Zone) Center() Point {
	return Point{Latitude: z.Lat, Longitude: z.Lon}
}

type Result struct {
	Inside   bool    `json:"inside_fence"`
	Distance float64 `json:"distance_m"`
}

// Distance is the haversine great-circle distance in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dlat := (b.Latitude - a.Latitude) * math.Pi / 180
	dlon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	// rounding can push h past 1 for near antipodal points
	h = math.Min(1, math.Max(0, h))
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadius * c
}

// Evaluate classifies p against z. The boundary counts as inside.
func Evaluate(p Point, z Zone) Result {
	d := Distance(p, z.Center())
	return Result{Inside: d <= z.Radius, Distance: d}
}

func Classify(r Result) Status {
	if r.Inside {
		return Safe
	}
	return Critical
}
