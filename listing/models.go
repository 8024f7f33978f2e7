// Package listing holds the property and demand data model, the tagged
// demand requirement variants and their validation, and the redaction
// applied to viewers without disclosure rights.
package listing

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("listing: not found")
	ErrInvalid  = errors.New("listing: invalid")
)

// Entity types as they appear on credentials and contract records.
const (
	EntityProperty = "property"
	EntityDemand   = "demand"
)

type TransactionType string

const (
	TransactionSale TransactionType = "sale"
	TransactionRent TransactionType = "rent"
)

func (t TransactionType) Valid() bool {
	return t == TransactionSale || t == TransactionRent
}

type PropertyType string

const (
	PropertyFlat       PropertyType = "flat"
	PropertyHouse      PropertyType = "house"
	PropertyLand       PropertyType = "land"
	PropertyCommercial PropertyType = "commercial"
)

func (t PropertyType) Valid() bool {
	switch t {
	case PropertyFlat, PropertyHouse, PropertyLand, PropertyCommercial:
		return true
	default:
		return false
	}
}

type PropertyStatus string

const (
	PropertyActive   PropertyStatus = "active"
	PropertyReserved PropertyStatus = "reserved"
	PropertySold     PropertyStatus = "sold"
	PropertyArchived PropertyStatus = "archived"
)

func (s PropertyStatus) Valid() bool {
	switch s {
	case PropertyActive, PropertyReserved, PropertySold, PropertyArchived:
		return true
	default:
		return false
	}
}

type DemandStatus string

const (
	DemandActive    DemandStatus = "active"
	DemandFulfilled DemandStatus = "fulfilled"
	DemandCancelled DemandStatus = "cancelled"
)

func (s DemandStatus) Valid() bool {
	switch s {
	case DemandActive, DemandFulfilled, DemandCancelled:
		return true
	default:
		return false
	}
}

// Range is an inclusive numeric filter; a nil bound is open.
type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Populated reports whether r constrains anything.
func (r *Range) Populated() bool {
	return r != nil && (r.Min != nil || r.Max != nil)
}

func (r *Range) validate(name string) error {
	if r == nil {
		return nil
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("%w: %s min %v exceeds max %v", ErrInvalid, name, *r.Min, *r.Max)
	}
	return nil
}

// Coordinates are WGS84 degrees, resolved upstream by the geocoder.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location is one place a demand is interested in.
type Location struct {
	City        string       `json:"city,omitempty"`
	District    string       `json:"district,omitempty"`
	Quarter     string       `json:"quarter,omitempty"`
	Region      string       `json:"region,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// Contact is the private part of a listing.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type Property struct {
	ID              string
	AgentID         string
	TransactionType TransactionType
	PropertyType    PropertyType
	PropertySubtype string
	Price           float64
	Area            float64
	Rooms           *int
	Floor           *int
	LandArea        *float64
	City            string
	District        string
	Quarter         string
	Region          string
	Coordinates     *Coordinates
	Address         string
	Contact         Contact
	// Commission terms, withheld from redacted views until approved.
	Commission string
	Status     PropertyStatus
	Approved   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate checks the fields a listing cannot be stored without.
func (p Property) Validate() error {
	switch {
	case p.AgentID == "":
		return fmt.Errorf("%w: agent is required", ErrInvalid)
	case !p.TransactionType.Valid():
		return fmt.Errorf("%w: transaction type %q", ErrInvalid, p.TransactionType)
	case !p.PropertyType.Valid():
		return fmt.Errorf("%w: property type %q", ErrInvalid, p.PropertyType)
	case p.Price < 0:
		return fmt.Errorf("%w: negative price", ErrInvalid)
	case p.Area < 0:
		return fmt.Errorf("%w: negative area", ErrInvalid)
	case p.LandArea != nil && *p.LandArea < 0:
		return fmt.Errorf("%w: negative land area", ErrInvalid)
	case p.Rooms != nil && *p.Rooms < 0:
		return fmt.Errorf("%w: negative rooms", ErrInvalid)
	case p.City == "":
		return fmt.Errorf("%w: city is required", ErrInvalid)
	case p.Status != "" && !p.Status.Valid():
		return fmt.Errorf("%w: status %q", ErrInvalid, p.Status)
	}
	return nil
}

// CommonFilters apply to every requirement of a demand.
type CommonFilters struct {
	Price *Range `json:"price,omitempty"`
}

type Demand struct {
	ID            string
	ClientID      string
	Requirements  []Requirement
	CommonFilters CommonFilters
	Locations     []Location
	Contact       Contact
	Note          string
	Status        DemandStatus
	ValidUntil    *time.Time
	Approved      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Expired reports whether valid_until has passed at now.
func (d Demand) Expired(now time.Time) bool {
	return d.ValidUntil != nil && !d.ValidUntil.After(now)
}

// Matchable reports whether the demand takes part in matching at now.
func (d Demand) Matchable(now time.Time) bool {
	return d.Status == DemandActive && !d.Expired(now)
}

func (d Demand) Validate() error {
	if d.ClientID == "" {
		return fmt.Errorf("%w: client is required", ErrInvalid)
	}
	if len(d.Requirements) == 0 {
		return fmt.Errorf("%w: at least one requirement", ErrInvalid)
	}
	for i, r := range d.Requirements {
		if err := validateRequirement(r); err != nil {
			return fmt.Errorf("requirement %d: %w", i, err)
		}
	}
	if err := d.CommonFilters.Price.validate("price"); err != nil {
		return err
	}
	if d.Status != "" && !d.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalid, d.Status)
	}
	return nil
}
