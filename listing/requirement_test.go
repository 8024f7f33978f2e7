package listing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequirementVariants(t *testing.T) {
	cases := []struct {
		raw  string
		want Requirement
	}{
		{
			raw: `{"transaction_type":"sale","property_type":"flat","property_subtype":"2+kk","filters":{"rooms":{"min":2,"max":3},"area":{"min":45}}}`,
			want: FlatRequirement{
				RequirementBase: RequirementBase{TransactionType: TransactionSale, PropertyType: PropertyFlat, PropertySubtype: "2+kk"},
				Rooms:           &Range{Min: f(2), Max: f(3)},
				Area:            &Range{Min: f(45)},
			},
		},
		{
			raw: `{"transaction_type":"sale","property_type":"house","filters":{"land_area":{"min":500}}}`,
			want: HouseRequirement{
				RequirementBase: RequirementBase{TransactionType: TransactionSale, PropertyType: PropertyHouse},
				LandArea:        &Range{Min: f(500)},
			},
		},
		{
			raw: `{"transaction_type":"rent","property_type":"land"}`,
			want: LandRequirement{
				RequirementBase: RequirementBase{TransactionType: TransactionRent, PropertyType: PropertyLand},
			},
		},
		{
			raw: `{"transaction_type":"rent","property_type":"commercial","filters":{"floor":{"max":1}}}`,
			want: CommercialRequirement{
				RequirementBase: RequirementBase{TransactionType: TransactionRent, PropertyType: PropertyCommercial},
				Floor:           &Range{Max: f(1)},
			},
		},
	}
	for _, tc := range cases {
		got, err := DecodeRequirement([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got)
	}
}

func TestDecodeRequirementRejects(t *testing.T) {
	cases := map[string]string{
		"unknown type":     `{"transaction_type":"sale","property_type":"castle"}`,
		"bad transaction":  `{"transaction_type":"lease","property_type":"flat"}`,
		"foreign filter":   `{"transaction_type":"sale","property_type":"land","filters":{"rooms":{"min":1}}}`,
		"inverted range":   `{"transaction_type":"sale","property_type":"flat","filters":{"area":{"min":80,"max":40}}}`,
		"not json":         `{"transaction_type":`,
		"floor on a house": `{"transaction_type":"sale","property_type":"house","filters":{"floor":{"min":1}}}`,
	}
	for name, raw := range cases {
		_, err := DecodeRequirement([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalid, name)
	}
}

func TestRequirementsRoundTripThroughWireForm(t *testing.T) {
	raw := `[{"transaction_type":"sale","property_type":"flat","filters":{"area":{"min":45,"max":68}}},` +
		`{"transaction_type":"sale","property_type":"house","filters":{"rooms":{"min":4}}}]`
	reqs, err := DecodeRequirements([]byte(raw))
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	encoded, err := EncodeRequirements(reqs)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(encoded))
}

func TestValidateRequirementCatchesMistaggedVariant(t *testing.T) {
	d := Demand{
		ClientID: "client-1",
		Requirements: []Requirement{FlatRequirement{
			RequirementBase: RequirementBase{TransactionType: TransactionSale, PropertyType: PropertyHouse},
		}},
	}
	assert.ErrorIs(t, d.Validate(), ErrInvalid)
}

func TestDemandValidate(t *testing.T) {
	flat := FlatRequirement{RequirementBase: RequirementBase{TransactionType: TransactionSale, PropertyType: PropertyFlat}}

	assert.ErrorIs(t, Demand{ClientID: "c"}.Validate(), ErrInvalid)
	assert.ErrorIs(t, Demand{Requirements: []Requirement{flat}}.Validate(), ErrInvalid)
	assert.ErrorIs(t, Demand{
		ClientID:      "c",
		Requirements:  []Requirement{flat},
		CommonFilters: CommonFilters{Price: &Range{Min: f(10), Max: f(5)}},
	}.Validate(), ErrInvalid)
	assert.NoError(t, Demand{ClientID: "c", Requirements: []Requirement{flat}}.Validate())
}

func f(v float64) *float64 { return &v }
