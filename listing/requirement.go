package listing

import (
	"encoding/json"
	"fmt"
	"sort"
)

// RequirementBase is shared by every requirement variant.
type RequirementBase struct {
	TransactionType TransactionType
	PropertyType    PropertyType
	PropertySubtype string
}

// Filters is the flattened numeric view of a requirement used by scoring.
// Filters a variant does not carry stay nil.
type Filters struct {
	Rooms    *Range
	Area     *Range
	Floor    *Range
	LandArea *Range
}

// Requirement is one of FlatRequirement, HouseRequirement, LandRequirement
// or CommercialRequirement.
type Requirement interface {
	Base() RequirementBase
	Filters() Filters
}

type FlatRequirement struct {
	RequirementBase
	Rooms *Range
	Area  *Range
	Floor *Range
}

func (r FlatRequirement) Base() RequirementBase { return r.RequirementBase }
func (r FlatRequirement) Filters() Filters {
	return Filters{Rooms: r.Rooms, Area: r.Area, Floor: r.Floor}
}

type HouseRequirement struct {
	RequirementBase
	Rooms    *Range
	Area     *Range
	LandArea *Range
}

func (r HouseRequirement) Base() RequirementBase { return r.RequirementBase }
func (r HouseRequirement) Filters() Filters {
	return Filters{Rooms: r.Rooms, Area: r.Area, LandArea: r.LandArea}
}

type LandRequirement struct {
	RequirementBase
	LandArea *Range
}

func (r LandRequirement) Base() RequirementBase { return r.RequirementBase }
func (r LandRequirement) Filters() Filters      { return Filters{LandArea: r.LandArea} }

type CommercialRequirement struct {
	RequirementBase
	Area  *Range
	Floor *Range
}

func (r CommercialRequirement) Base() RequirementBase { return r.RequirementBase }
func (r CommercialRequirement) Filters() Filters {
	return Filters{Area: r.Area, Floor: r.Floor}
}

// allowedFilters lists the filter keys each property type accepts.
var allowedFilters = map[PropertyType][]string{
	PropertyFlat:       {"rooms", "area", "floor"},
	PropertyHouse:      {"rooms", "area", "land_area"},
	PropertyLand:       {"land_area"},
	PropertyCommercial: {"area", "floor"},
}

type requirementWire struct {
	TransactionType TransactionType   `json:"transaction_type"`
	PropertyType    PropertyType      `json:"property_type"`
	PropertySubtype string            `json:"property_subtype,omitempty"`
	Filters         map[string]*Range `json:"filters,omitempty"`
}

// DecodeRequirement parses one requirement and rejects filters that do not
// belong to its property type and ranges with min above max.
func DecodeRequirement(raw []byte) (Requirement, error) {
	var w requirementWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: requirement: %v", ErrInvalid, err)
	}
	base := RequirementBase{
		TransactionType: w.TransactionType,
		PropertyType:    w.PropertyType,
		PropertySubtype: w.PropertySubtype,
	}
	allowed, ok := allowedFilters[w.PropertyType]
	if !ok {
		return nil, fmt.Errorf("%w: property type %q", ErrInvalid, w.PropertyType)
	}
	for key := range w.Filters {
		if !contains(allowed, key) {
			return nil, fmt.Errorf("%w: filter %q not supported for %s", ErrInvalid, key, w.PropertyType)
		}
	}

	var req Requirement
	switch w.PropertyType {
	case PropertyFlat:
		req = FlatRequirement{RequirementBase: base, Rooms: w.Filters["rooms"], Area: w.Filters["area"], Floor: w.Filters["floor"]}
	case PropertyHouse:
		req = HouseRequirement{RequirementBase: base, Rooms: w.Filters["rooms"], Area: w.Filters["area"], LandArea: w.Filters["land_area"]}
	case PropertyLand:
		req = LandRequirement{RequirementBase: base, LandArea: w.Filters["land_area"]}
	case PropertyCommercial:
		req = CommercialRequirement{RequirementBase: base, Area: w.Filters["area"], Floor: w.Filters["floor"]}
	}
	if err := validateRequirement(req); err != nil {
		return nil, err
	}
	return req, nil
}

// DecodeRequirements parses a JSON array of requirements.
func DecodeRequirements(raw []byte) ([]Requirement, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: requirements: %v", ErrInvalid, err)
	}
	out := make([]Requirement, 0, len(items))
	for i, item := range items {
		req, err := DecodeRequirement(item)
		if err != nil {
			return nil, fmt.Errorf("requirement %d: %w", i, err)
		}
		out = append(out, req)
	}
	return out, nil
}

// EncodeRequirements is the inverse of DecodeRequirements.
func EncodeRequirements(reqs []Requirement) ([]byte, error) {
	wire := make([]requirementWire, 0, len(reqs))
	for _, r := range reqs {
		wire = append(wire, toWire(r))
	}
	return json.Marshal(wire)
}

func toWire(r Requirement) requirementWire {
	b := r.Base()
	f := r.Filters()
	w := requirementWire{
		TransactionType: b.TransactionType,
		PropertyType:    b.PropertyType,
		PropertySubtype: b.PropertySubtype,
		Filters:         map[string]*Range{},
	}
	for key, rng := range map[string]*Range{"rooms": f.Rooms, "area": f.Area, "floor": f.Floor, "land_area": f.LandArea} {
		if rng.Populated() {
			w.Filters[key] = rng
		}
	}
	if len(w.Filters) == 0 {
		w.Filters = nil
	}
	return w
}

func validateRequirement(r Requirement) error {
	if r == nil {
		return fmt.Errorf("%w: empty requirement", ErrInvalid)
	}
	b := r.Base()
	if !b.TransactionType.Valid() {
		return fmt.Errorf("%w: transaction type %q", ErrInvalid, b.TransactionType)
	}
	if !b.PropertyType.Valid() {
		return fmt.Errorf("%w: property type %q", ErrInvalid, b.PropertyType)
	}
	if v := variantType(r); v != b.PropertyType {
		return fmt.Errorf("%w: %s requirement tagged as %q", ErrInvalid, v, b.PropertyType)
	}
	f := r.Filters()
	ranges := map[string]*Range{"rooms": f.Rooms, "area": f.Area, "floor": f.Floor, "land_area": f.LandArea}
	keys := make([]string, 0, len(ranges))
	for k := range ranges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := ranges[k].validate(k); err != nil {
			return err
		}
	}
	return nil
}

func variantType(r Requirement) PropertyType {
	switch r.(type) {
	case FlatRequirement:
		return PropertyFlat
	case HouseRequirement:
		return PropertyHouse
	case LandRequirement:
		return PropertyLand
	case CommercialRequirement:
		return PropertyCommercial
	default:
		return ""
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
