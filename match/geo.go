package match

import "math"

const earthRadiusKm = 6371.0

// haversineKm is the great-circle distance between two WGS84 points.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// proximityScore bands a distance into near, medium and far.
func proximityScore(km float64) float64 {
	switch {
	case km <= 2:
		return 0.9
	case km <= 10:
		return 0.6
	case km <= 30:
		return 0.3
	default:
		return 0
	}
}
