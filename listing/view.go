package listing

import (
	"encoding/json"
	"time"
)

// PropertyView is the JSON shape of a property. Redacted views drop the
// contact, the exact address and coordinates, and the commission while the
// listing awaits approval.
type PropertyView struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agent_id"`
	TransactionType TransactionType `json:"transaction_type"`
	PropertyType    PropertyType    `json:"property_type"`
	PropertySubtype string          `json:"property_subtype,omitempty"`
	Price           float64         `json:"price"`
	Area            float64         `json:"area"`
	Rooms           *int            `json:"rooms,omitempty"`
	Floor           *int            `json:"floor,omitempty"`
	LandArea        *float64        `json:"land_area,omitempty"`
	City            string          `json:"city"`
	District        string          `json:"district,omitempty"`
	Quarter         string          `json:"quarter,omitempty"`
	Region          string          `json:"region,omitempty"`
	Coordinates     *Coordinates    `json:"coordinates,omitempty"`
	Address         string          `json:"address,omitempty"`
	Contact         *Contact        `json:"contact,omitempty"`
	Commission      string          `json:"commission,omitempty"`
	Status          PropertyStatus  `json:"status"`
	Approved        bool            `json:"approved"`
	Redacted        bool            `json:"redacted"`
	CreatedAt       time.Time       `json:"created_at"`
}

func ViewProperty(p Property, full bool) PropertyView {
	v := PropertyView{
		ID:              p.ID,
		AgentID:         p.AgentID,
		TransactionType: p.TransactionType,
		PropertyType:    p.PropertyType,
		PropertySubtype: p.PropertySubtype,
		Price:           p.Price,
		Area:            p.Area,
		Rooms:           p.Rooms,
		Floor:           p.Floor,
		LandArea:        p.LandArea,
		City:            p.City,
		District:        p.District,
		Quarter:         p.Quarter,
		Region:          p.Region,
		Status:          p.Status,
		Approved:        p.Approved,
		CreatedAt:       p.CreatedAt,
	}
	if full {
		contact := p.Contact
		v.Coordinates = p.Coordinates
		v.Address = p.Address
		v.Contact = &contact
		v.Commission = p.Commission
		return v
	}
	v.Redacted = true
	if p.Approved {
		v.Commission = p.Commission
	}
	return v
}

// DemandView is the JSON shape of a demand. Redacted views drop the contact.
type DemandView struct {
	ID            string          `json:"id"`
	ClientID      string          `json:"client_id"`
	Requirements  json.RawMessage `json:"requirements"`
	CommonFilters CommonFilters   `json:"common_filters"`
	Locations     []Location      `json:"locations"`
	Contact       *Contact        `json:"contact,omitempty"`
	Note          string          `json:"note,omitempty"`
	Status        DemandStatus    `json:"status"`
	ValidUntil    *time.Time      `json:"valid_until,omitempty"`
	Approved      bool            `json:"approved"`
	Redacted      bool            `json:"redacted"`
	CreatedAt     time.Time       `json:"created_at"`
}

func ViewDemand(d Demand, full bool) (DemandView, error) {
	reqs, err := EncodeRequirements(d.Requirements)
	if err != nil {
		return DemandView{}, err
	}
	locations := d.Locations
	if locations == nil {
		locations = []Location{}
	}
	v := DemandView{
		ID:            d.ID,
		ClientID:      d.ClientID,
		Requirements:  reqs,
		CommonFilters: d.CommonFilters,
		Locations:     locations,
		Note:          d.Note,
		Status:        d.Status,
		ValidUntil:    d.ValidUntil,
		Approved:      d.Approved,
		Redacted:      !full,
		CreatedAt:     d.CreatedAt,
	}
	if full {
		contact := d.Contact
		v.Contact = &contact
	}
	return v, nil
}
