// Package match scores demands against properties and keeps one live match
// record per pair.
package match

import (
	"math"
	"strings"
	"time"

	"offmarket/listing"
)

const (
	weightSubtype  = 0.2
	weightNumeric  = 0.5
	weightLocation = 0.3

	subtypeExact       = 1.0
	subtypeUnspecified = 0.8
	subtypeDifferent   = 0.5

	// missingValueScore is given when a demand filters on a value the
	// property does not state.
	missingValueScore = 0.5
	// toleranceRatio of the violated bound is the linear decay band.
	toleranceRatio = 0.1

	locationExact   = 1.0
	locationPartial = 0.5
)

// Score rates how well p fits d at now on a 0..100 scale. ok is false on a
// hard mismatch: different transaction type, no requirement for the
// property type, an inactive property, or an inactive or expired demand.
func Score(d listing.Demand, p listing.Property, now time.Time) (score int, ok bool) {
	if p.Status != listing.PropertyActive || !d.Matchable(now) {
		return 0, false
	}

	best := -1.0
	for _, req := range d.Requirements {
		base := req.Base()
		if base.TransactionType != p.TransactionType || base.PropertyType != p.PropertyType {
			continue
		}
		if s := scoreRequirement(d, req, p); s > best {
			best = s
		}
	}
	if best < 0 {
		return 0, false
	}
	return int(math.Round(best * 100)), true
}

func scoreRequirement(d listing.Demand, req listing.Requirement, p listing.Property) float64 {
	total := weightSubtype * subtypeScore(req.Base().PropertySubtype, p.PropertySubtype)
	weights := weightSubtype

	if s, ok := numericScore(d.CommonFilters, req.Filters(), p); ok {
		total += weightNumeric * s
		weights += weightNumeric
	}
	if s, ok := locationScore(d.Locations, p); ok {
		total += weightLocation * s
		weights += weightLocation
	}
	return total / weights
}

func subtypeScore(wanted, actual string) float64 {
	switch {
	case strings.TrimSpace(wanted) == "":
		return subtypeUnspecified
	case sameName(wanted, actual):
		return subtypeExact
	default:
		return subtypeDifferent
	}
}

type numericCheck struct {
	rng     *listing.Range
	value   *float64
	minBand float64
}

// numericScore averages every populated filter; ok is false when the demand
// sets none.
func numericScore(common listing.CommonFilters, f listing.Filters, p listing.Property) (float64, bool) {
	checks := []numericCheck{
		{rng: common.Price, value: positive(p.Price), minBand: 1},
		{rng: f.Area, value: positive(p.Area), minBand: 1},
		{rng: f.Rooms, value: intValue(p.Rooms), minBand: 1},
		{rng: f.Floor, value: intValue(p.Floor), minBand: 1},
		{rng: f.LandArea, value: p.LandArea, minBand: 1},
	}

	var sum float64
	var n int
	for _, c := range checks {
		if !c.rng.Populated() {
			continue
		}
		n++
		if c.value == nil {
			sum += missingValueScore
			continue
		}
		sum += rangeScore(*c.value, c.rng, c.minBand)
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// rangeScore is 1 inside the range and decays linearly to 0 across a band of
// toleranceRatio times the violated bound, never narrower than minBand.
func rangeScore(v float64, r *listing.Range, minBand float64) float64 {
	var bound, distance float64
	switch {
	case r.Min != nil && v < *r.Min:
		bound, distance = *r.Min, *r.Min-v
	case r.Max != nil && v > *r.Max:
		bound, distance = *r.Max, v-*r.Max
	default:
		return 1
	}
	band := math.Max(math.Abs(bound)*toleranceRatio, minBand)
	if distance >= band {
		return 0
	}
	return 1 - distance/band
}

// locationScore takes the best of the demand's locations; ok is false when
// the demand names none.
func locationScore(locations []listing.Location, p listing.Property) (float64, bool) {
	if len(locations) == 0 {
		return 0, false
	}
	best := 0.0
	for _, loc := range locations {
		s := adminScore(loc, p)
		if loc.Coordinates != nil && p.Coordinates != nil {
			km := haversineKm(loc.Coordinates.Lat, loc.Coordinates.Lng, p.Coordinates.Lat, p.Coordinates.Lng)
			s = math.Max(s, proximityScore(km))
		}
		best = math.Max(best, s)
	}
	return best, true
}

// adminScore compares the administrative levels the location names, coarse
// to fine. A match on the coarsest named level with a finer mismatch is a
// partial match.
func adminScore(loc listing.Location, p listing.Property) float64 {
	levels := [][2]string{
		{loc.Region, p.Region},
		{loc.City, p.City},
		{loc.District, p.District},
		{loc.Quarter, p.Quarter},
	}
	named, matched := 0, 0
	coarsestMatched := false
	for i, lv := range levels {
		if strings.TrimSpace(lv[0]) == "" {
			continue
		}
		// Listings often omit the region; that is not a mismatch.
		if i == 0 && strings.TrimSpace(lv[1]) == "" {
			continue
		}
		named++
		if sameName(lv[0], lv[1]) {
			matched++
			if named == 1 {
				coarsestMatched = true
			}
		}
	}
	switch {
	case named == 0:
		return 0
	case matched == named:
		return locationExact
	case coarsestMatched:
		return locationPartial
	default:
		return 0
	}
}

func sameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func positive(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func intValue(v *int) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}
