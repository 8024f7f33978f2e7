package importer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"offmarket/config"
	"offmarket/credential"
	"offmarket/listing"
	"offmarket/ratelimit"
)

type fixture struct {
	importer *Importer
	creds    *credential.Service
	listings *listing.MemoryRepository
	token    string
}

func newFixture(t *testing.T, rateLimit int) fixture {
	t.Helper()
	cfg := config.DefaultCore()
	creds := credential.NewService(nil, credential.NewMemoryRepository(), cfg, nil)
	key, err := creds.Issue(context.Background(), credential.IssueParams{
		Kind:          credential.KindAPIKey,
		SubjectUserID: "agent-1",
		RateLimit:     rateLimit,
		Label:         "feed",
	})
	require.NoError(t, err)

	repo := listing.NewMemoryRepository()
	limiter := ratelimit.NewLimiter(creds, ratelimit.NewMemoryWindowStore(), cfg, nil)
	im := New(creds, limiter, listing.NewService(repo, nil), nil)
	return fixture{importer: im, creds: creds, listings: repo, token: key.Code}
}

const feed = `[
	{"external_ref": "A-1", "transaction_type": "sale", "property_type": "flat", "price": 3200000, "area": 55, "rooms": 2, "city": "Praha", "district": "Praha 2", "lat": 50.075, "lng": 14.43},
	{"external_ref": "A-2", "transaction_type": "Rent", "property_type": "house", "price": 28000, "area": 140, "city": "Brno"},
	{"external_ref": "A-3", "transaction_type": "sale", "property_type": "flat", "price": 1000000, "area": 30}
]`

func TestImportJSON(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	key, d, err := f.importer.Authorize(ctx, f.token)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 99, d.Remaining)

	res, err := f.importer.Import(ctx, key, FormatJSON, []byte(feed))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Created, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 3, res.Failed[0].Row)
	assert.Equal(t, "A-3", res.Failed[0].Ref)

	props, err := f.listings.ListPropertiesByAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, props, 2)
	for _, p := range props {
		assert.False(t, p.Approved, "imported listings wait for approval")
		assert.Equal(t, listing.PropertyActive, p.Status)
	}

	p, err := f.listings.GetProperty(ctx, res.Created[0])
	require.NoError(t, err)
	require.NotNil(t, p.Coordinates)
	assert.Equal(t, 14.43, p.Coordinates.Lng)
	require.NotNil(t, p.Rooms)
	assert.Equal(t, 2, *p.Rooms)

	rent, err := f.listings.GetProperty(ctx, res.Created[1])
	require.NoError(t, err)
	assert.Equal(t, listing.TransactionRent, rent.TransactionType)
}

func TestImportJSON_Envelope(t *testing.T) {
	rows, err := ParseJSON([]byte(`{"properties": [{"transaction_type": "sale", "property_type": "land", "land_area": 1200, "city": "Kolín"}]}`))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Line)
	require.NotNil(t, rows[0].LandArea)
	assert.Equal(t, 1200.0, *rows[0].LandArea)

	_, err = ParseJSON([]byte(`{"properties": 7}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseJSON(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func workbook(t *testing.T, rows ...[]interface{}) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestImportXLSX(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	data := workbook(t,
		[]interface{}{"External_Ref", "transaction_type", "property_type", "price", "area", "rooms", "city", "ignored"},
		[]interface{}{"X-1", "sale", "flat", 4100000, "61,5", 3, "Praha", "whatever"},
		[]interface{}{"", "", "", "", "", "", "", ""},
		[]interface{}{"X-2", "sale", "flat", "lots", 40, 1, "Praha"},
		[]interface{}{"X-3", "sale", "castle", 9000000, 900, 20, "Karlštejn"},
	)

	key, _, err := f.importer.Authorize(ctx, f.token)
	require.NoError(t, err)
	res, err := f.importer.Import(ctx, key, FormatXLSX, data)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Created, 1)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, RowError{Row: 4, Ref: "X-2", Error: `price: "lots" is not a number`}, res.Failed[0])
	assert.Equal(t, 5, res.Failed[1].Row)
	assert.Equal(t, "X-3", res.Failed[1].Ref)

	p, err := f.listings.GetProperty(ctx, res.Created[0])
	require.NoError(t, err)
	assert.Equal(t, 61.5, p.Area)
	assert.Equal(t, 4_100_000.0, p.Price)
	assert.Equal(t, "agent-1", p.AgentID)
}

func TestTemplateHasHeaderOnly(t *testing.T) {
	data, err := Template()
	require.NoError(t, err)

	rows, rowErrs, err := ParseXLSX(data)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Empty(t, rowErrs)

	wb, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer wb.Close()
	cells, err := wb.GetRows("Properties")
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Equal(t, Header, cells[0])
}

func TestAuthorize_Throttles(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, _, err := f.importer.Authorize(ctx, f.token)
	require.NoError(t, err)

	_, d, err := f.importer.Authorize(ctx, f.token)
	require.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, 59*time.Minute)
}

func TestAuthorize_RejectsUnknownAndRevokedKeys(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, _, err := f.importer.Authorize(ctx, "omk_not-a-real-key")
	assert.ErrorIs(t, err, credential.ErrNotFound)

	key, _, err := f.importer.Authorize(ctx, f.token)
	require.NoError(t, err)
	_, err = f.creds.Invalidate(ctx, credential.InvalidateParams{ID: key.ID})
	require.NoError(t, err)

	_, _, err = f.importer.Authorize(ctx, f.token)
	assert.ErrorIs(t, err, credential.ErrExpired)
}

func TestImport_Guards(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	key, _, err := f.importer.Authorize(ctx, f.token)
	require.NoError(t, err)

	_, err = f.importer.Import(ctx, key, Format("csv"), []byte("a,b"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = f.importer.Import(ctx, credential.Credential{Kind: credential.KindLOI}, FormatJSON, []byte(feed))
	assert.ErrorIs(t, err, ratelimit.ErrNotAPIKey)

	_, err = f.importer.WithMaxRows(2).Import(ctx, key, FormatJSON, []byte(feed))
	assert.ErrorIs(t, err, ErrTooManyRows)

	_, err = f.importer.Import(ctx, key, FormatXLSX, []byte("not a workbook"))
	assert.ErrorIs(t, err, ErrMalformed)
}
