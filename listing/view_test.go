package listing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleProperty() Property {
	rooms := 2
	return Property{
		ID:              "p-1",
		AgentID:         "agent-1",
		TransactionType: TransactionSale,
		PropertyType:    PropertyFlat,
		Price:           3_200_000,
		Area:            55,
		Rooms:           &rooms,
		City:            "Praha",
		District:        "Praha 2",
		Coordinates:     &Coordinates{Lat: 50.075, Lng: 14.43},
		Address:         "Belgická 12",
		Contact:         Contact{Name: "Jana", Phone: "+420 777 000 111"},
		Commission:      "3 %",
		Status:          PropertyActive,
	}
}

func TestViewPropertyRedactsPrivateFields(t *testing.T) {
	v := ViewProperty(sampleProperty(), false)

	assert.True(t, v.Redacted)
	assert.Empty(t, v.Address)
	assert.Nil(t, v.Contact)
	assert.Nil(t, v.Coordinates)
	assert.Empty(t, v.Commission, "commission stays hidden until approval")
	assert.Equal(t, "Praha", v.City)
	assert.Equal(t, 55.0, v.Area)
}

func TestViewPropertyShowsCommissionOnceApproved(t *testing.T) {
	p := sampleProperty()
	p.Approved = true

	redacted := ViewProperty(p, false)
	assert.Equal(t, "3 %", redacted.Commission)
	assert.Nil(t, redacted.Contact)

	full := ViewProperty(p, true)
	assert.False(t, full.Redacted)
	require.NotNil(t, full.Contact)
	assert.Equal(t, "+420 777 000 111", full.Contact.Phone)
	assert.Equal(t, "Belgická 12", full.Address)
}

func TestViewDemandRedactsContact(t *testing.T) {
	d := Demand{
		ID:       "d-1",
		ClientID: "client-1",
		Requirements: []Requirement{FlatRequirement{
			RequirementBase: RequirementBase{TransactionType: TransactionSale, PropertyType: PropertyFlat},
		}},
		Contact: Contact{Email: "buyer@example.com"},
		Status:  DemandActive,
	}

	v, err := ViewDemand(d, false)
	require.NoError(t, err)
	assert.True(t, v.Redacted)
	assert.Nil(t, v.Contact)
	assert.NotNil(t, v.Locations)
	assert.JSONEq(t, `[{"transaction_type":"sale","property_type":"flat"}]`, string(v.Requirements))

	v, err = ViewDemand(d, true)
	require.NoError(t, err)
	require.NotNil(t, v.Contact)
	assert.Equal(t, "buyer@example.com", v.Contact.Email)
}
