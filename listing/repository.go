package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"offmarket/db"
)

// MatchQuery narrows the candidate properties for a demand. Empty slices
// match anything.
type MatchQuery struct {
	TransactionTypes []TransactionType
	PropertyTypes    []PropertyType
}

type Repository interface {
	CreateProperty(ctx context.Context, p Property) (Property, error)
	GetProperty(ctx context.Context, id string) (Property, error)
	SetPropertyStatus(ctx context.Context, id string, status PropertyStatus) (Property, error)
	ApproveProperty(ctx context.Context, id string) (Property, error)
	ListPropertiesByAgent(ctx context.Context, agentID string) ([]Property, error)
	// ListMatchableProperties returns approved, active properties.
	ListMatchableProperties(ctx context.Context, q MatchQuery) ([]Property, error)

	CreateDemand(ctx context.Context, d Demand) (Demand, error)
	GetDemand(ctx context.Context, id string) (Demand, error)
	SetDemandStatus(ctx context.Context, id string, status DemandStatus) (Demand, error)
	ApproveDemand(ctx context.Context, id string) (Demand, error)
	ListDemandsByClient(ctx context.Context, clientID string) ([]Demand, error)
	// ListMatchableDemands returns approved, active demands not past valid_until.
	ListMatchableDemands(ctx context.Context, now time.Time) ([]Demand, error)
}

type PGRepository struct {
	q db.Querier
}

func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{q: q}
}

const propertyColumns = `id::text, agent_id::text, transaction_type, property_type, property_subtype, price, area,
	rooms, floor, land_area, city, district, quarter, region, lat, lng, address, contact, commission,
	status, approved, created_at, updated_at`

func (r *PGRepository) CreateProperty(ctx context.Context, p Property) (Property, error) {
	contact, err := json.Marshal(p.Contact)
	if err != nil {
		return Property{}, fmt.Errorf("listing: encode contact: %w", err)
	}
	var lat, lng *float64
	if p.Coordinates != nil {
		lat, lng = &p.Coordinates.Lat, &p.Coordinates.Lng
	}

	query := `
		INSERT INTO properties (id, agent_id, transaction_type, property_type, property_subtype, price, area,
			rooms, floor, land_area, city, district, quarter, region, lat, lng, address, contact, commission,
			status, approved)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18::jsonb, $19, $20, $21)
		RETURNING ` + propertyColumns

	row := r.q.QueryRow(ctx, query,
		p.ID, p.AgentID, p.TransactionType, p.PropertyType, p.PropertySubtype, p.Price, p.Area,
		p.Rooms, p.Floor, p.LandArea, p.City, p.District, p.Quarter, p.Region, lat, lng,
		p.Address, string(contact), p.Commission, p.Status, p.Approved,
	)
	out, err := scanProperty(row)
	if err != nil {
		return Property{}, fmt.Errorf("listing: create property: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetProperty(ctx context.Context, id string) (Property, error) {
	row := r.q.QueryRow(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id = $1::uuid`, id)
	p, err := scanProperty(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Property{}, ErrNotFound
		}
		return Property{}, fmt.Errorf("listing: get property: %w", err)
	}
	return p, nil
}

func (r *PGRepository) SetPropertyStatus(ctx context.Context, id string, status PropertyStatus) (Property, error) {
	return r.updateProperty(ctx, "status = $2", id, status)
}

func (r *PGRepository) ApproveProperty(ctx context.Context, id string) (Property, error) {
	return r.updateProperty(ctx, "approved = TRUE", id)
}

func (r *PGRepository) updateProperty(ctx context.Context, set string, args ...any) (Property, error) {
	query := `UPDATE properties SET ` + set + `, updated_at = now() WHERE id = $1::uuid RETURNING ` + propertyColumns
	p, err := scanProperty(r.q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Property{}, ErrNotFound
		}
		return Property{}, fmt.Errorf("listing: update property: %w", err)
	}
	return p, nil
}

func (r *PGRepository) ListPropertiesByAgent(ctx context.Context, agentID string) ([]Property, error) {
	rows, err := r.q.Query(ctx, `SELECT `+propertyColumns+` FROM properties WHERE agent_id = $1::uuid ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing: list properties: %w", err)
	}
	return collectProperties(rows)
}

func (r *PGRepository) ListMatchableProperties(ctx context.Context, mq MatchQuery) ([]Property, error) {
	where := []string{"status = 'active'", "approved"}
	args := []any{}
	if len(mq.TransactionTypes) > 0 {
		args = append(args, toStrings(mq.TransactionTypes))
		where = append(where, fmt.Sprintf("transaction_type = ANY($%d)", len(args)))
	}
	if len(mq.PropertyTypes) > 0 {
		args = append(args, toStrings(mq.PropertyTypes))
		where = append(where, fmt.Sprintf("property_type = ANY($%d)", len(args)))
	}
	rows, err := r.q.Query(ctx, `SELECT `+propertyColumns+` FROM properties WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("listing: list matchable properties: %w", err)
	}
	return collectProperties(rows)
}

const demandColumns = `id::text, client_id::text, requirements, price_min, price_max, locations, contact, note,
	status, valid_until, approved, created_at, updated_at`

func (r *PGRepository) CreateDemand(ctx context.Context, d Demand) (Demand, error) {
	reqs, err := EncodeRequirements(d.Requirements)
	if err != nil {
		return Demand{}, fmt.Errorf("listing: encode requirements: %w", err)
	}
	locations := d.Locations
	if locations == nil {
		locations = []Location{}
	}
	locs, err := json.Marshal(locations)
	if err != nil {
		return Demand{}, fmt.Errorf("listing: encode locations: %w", err)
	}
	contact, err := json.Marshal(d.Contact)
	if err != nil {
		return Demand{}, fmt.Errorf("listing: encode contact: %w", err)
	}
	var priceMin, priceMax *float64
	if d.CommonFilters.Price != nil {
		priceMin, priceMax = d.CommonFilters.Price.Min, d.CommonFilters.Price.Max
	}

	query := `
		INSERT INTO demands (id, client_id, requirements, price_min, price_max, locations, contact, note,
			status, valid_until, approved)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2::uuid, $3::jsonb, $4, $5, $6::jsonb,
			$7::jsonb, $8, $9, $10, $11)
		RETURNING ` + demandColumns

	row := r.q.QueryRow(ctx, query,
		d.ID, d.ClientID, string(reqs), priceMin, priceMax, string(locs), string(contact), d.Note,
		d.Status, d.ValidUntil, d.Approved,
	)
	out, err := scanDemand(row)
	if err != nil {
		return Demand{}, fmt.Errorf("listing: create demand: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetDemand(ctx context.Context, id string) (Demand, error) {
	d, err := scanDemand(r.q.QueryRow(ctx, `SELECT `+demandColumns+` FROM demands WHERE id = $1::uuid`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Demand{}, ErrNotFound
		}
		return Demand{}, fmt.Errorf("listing: get demand: %w", err)
	}
	return d, nil
}

func (r *PGRepository) SetDemandStatus(ctx context.Context, id string, status DemandStatus) (Demand, error) {
	return r.updateDemand(ctx, "status = $2", id, status)
}

func (r *PGRepository) ApproveDemand(ctx context.Context, id string) (Demand, error) {
	return r.updateDemand(ctx, "approved = TRUE", id)
}

func (r *PGRepository) updateDemand(ctx context.Context, set string, args ...any) (Demand, error) {
	query := `UPDATE demands SET ` + set + `, updated_at = now() WHERE id = $1::uuid RETURNING ` + demandColumns
	d, err := scanDemand(r.q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Demand{}, ErrNotFound
		}
		return Demand{}, fmt.Errorf("listing: update demand: %w", err)
	}
	return d, nil
}

func (r *PGRepository) ListDemandsByClient(ctx context.Context, clientID string) ([]Demand, error) {
	rows, err := r.q.Query(ctx, `SELECT `+demandColumns+` FROM demands WHERE client_id = $1::uuid ORDER BY created_at DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("listing: list demands: %w", err)
	}
	return collectDemands(rows)
}

func (r *PGRepository) ListMatchableDemands(ctx context.Context, now time.Time) ([]Demand, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+demandColumns+`
		FROM demands
		WHERE status = 'active' AND approved AND (valid_until IS NULL OR valid_until > $1)`, now)
	if err != nil {
		return nil, fmt.Errorf("listing: list matchable demands: %w", err)
	}
	return collectDemands(rows)
}

func collectProperties(rows pgx.Rows) ([]Property, error) {
	defer rows.Close()
	out := []Property{}
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: scan property: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func collectDemands(rows pgx.Rows) ([]Demand, error) {
	defer rows.Close()
	out := []Demand{}
	for rows.Next() {
		d, err := scanDemand(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: scan demand: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanProperty(row pgx.Row) (Property, error) {
	var (
		p        Property
		lat, lng *float64
		contact  []byte
	)
	err := row.Scan(
		&p.ID, &p.AgentID, &p.TransactionType, &p.PropertyType, &p.PropertySubtype, &p.Price, &p.Area,
		&p.Rooms, &p.Floor, &p.LandArea, &p.City, &p.District, &p.Quarter, &p.Region, &lat, &lng,
		&p.Address, &contact, &p.Commission, &p.Status, &p.Approved, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return Property{}, err
	}
	if lat != nil && lng != nil {
		p.Coordinates = &Coordinates{Lat: *lat, Lng: *lng}
	}
	if len(contact) > 0 {
		if err := json.Unmarshal(contact, &p.Contact); err != nil {
			return Property{}, fmt.Errorf("decode contact: %w", err)
		}
	}
	return p, nil
}

func scanDemand(row pgx.Row) (Demand, error) {
	var (
		d                   Demand
		reqs, locs, contact []byte
		priceMin, priceMax  *float64
	)
	err := row.Scan(
		&d.ID, &d.ClientID, &reqs, &priceMin, &priceMax, &locs, &contact, &d.Note,
		&d.Status, &d.ValidUntil, &d.Approved, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return Demand{}, err
	}
	if d.Requirements, err = DecodeRequirements(reqs); err != nil {
		return Demand{}, err
	}
	if priceMin != nil || priceMax != nil {
		d.CommonFilters.Price = &Range{Min: priceMin, Max: priceMax}
	}
	if len(locs) > 0 {
		if err := json.Unmarshal(locs, &d.Locations); err != nil {
			return Demand{}, fmt.Errorf("decode locations: %w", err)
		}
	}
	if len(contact) > 0 {
		if err := json.Unmarshal(contact, &d.Contact); err != nil {
			return Demand{}, fmt.Errorf("decode contact: %w", err)
		}
	}
	return d, nil
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
