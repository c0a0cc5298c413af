package domain

import (
	"math"
	"time"
)

// EarthRadiusKm is the mean Earth radius used by Haversine.
const EarthRadiusKm = 6371.0

// Coordinate is a latitude/longitude pair in decimal degrees.
type Coordinate struct {
	Lat  float64
	Long float64
}

// Validate reports ErrInvalidPosition when the coordinate is off the globe.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Long) {
		return ErrInvalidPosition
	}
	if c.Lat < -90 || c.Lat > 90 {
		return ErrInvalidPosition
	}
	if c.Long < -180 || c.Long > 180 {
		return ErrInvalidPosition
	}
	return nil
}

// Haversine returns the great-circle distance between a and b in kilometers.
func Haversine(a, b Coordinate) float64 {
	lat1 := degreesToRadians(a.Lat)
	lat2 := degreesToRadians(b.Lat)
	dLat := lat2 - lat1
	dLong := degreesToRadians(b.Long - a.Long)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLong/2)*math.Sin(dLong/2)
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Track is the running state a ride keeps for distance accumulation.
type Track struct {
	Last     Coordinate
	Distance float64 // km, always a sum of whole-km increments
}

// Fold accumulates one position sample into the track.
//
// Each increment is rounded to the nearest kilometer before it is added, so
// the result depends on the order in which samples are folded.
func Fold(current Track, sample Coordinate) (Track, error) {
	if err := sample.Validate(); err != nil {
		return current, err
	}
	increment := math.Round(Haversine(current.Last, sample))
	return Track{
		Last:     sample,
		Distance: current.Distance + increment,
	}, nil
}

// Position is one accepted sample of a ride's audit trail.
type Position struct {
	ID         string
	RideID     string
	Lat        float64
	Long       float64
	Sequence   int64 // 1-based arrival order within the ride
	RecordedAt time.Time
}
