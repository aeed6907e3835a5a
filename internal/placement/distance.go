package placement

import (
	"math"

	"github.com/koltyakov/managedsp/internal/domain"
)

// nautical miles per degree of arc times kilometres per nautical mile, as the
// portal has always computed it.
const kmPerDegree = 60 * 1.1852

// DistanceKm returns the great-circle distance between a and b in whole
// kilometres (spherical law of cosines, rounded half away from zero).
func DistanceKm(a, b domain.Location) int {
	lat1 := degToRad(a.Lat)
	lat2 := degToRad(b.Lat)
	dLon := degToRad(a.Lon - b.Lon)

	cosArc := math.Sin(lat1)*math.Sin(lat2) + math.Cos(lat1)*math.Cos(lat2)*math.Cos(dLon)
	// float error can push identical points just past 1
	cosArc = math.Max(-1, math.Min(1, cosArc))

	return int(math.Round(radToDeg(math.Acos(cosArc)) * kmPerDegree))
}

func degToRad(d float64) float64 { return d * math.Pi / 180 }
func radToDeg(r float64) float64 { return r * 180 / math.Pi }
