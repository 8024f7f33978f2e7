package importer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"offmarket/listing"
)

// Row is one imported property as agents' feeds send it. XLSX sheets use
// the same names as header cells.
type Row struct {
	ExternalRef     string   `json:"external_ref,omitempty"`
	TransactionType string   `json:"transaction_type"`
	PropertyType    string   `json:"property_type"`
	PropertySubtype string   `json:"property_subtype,omitempty"`
	Price           float64  `json:"price"`
	Area            float64  `json:"area"`
	Rooms           *int     `json:"rooms,omitempty"`
	Floor           *int     `json:"floor,omitempty"`
	LandArea        *float64 `json:"land_area,omitempty"`
	City            string   `json:"city"`
	District        string   `json:"district,omitempty"`
	Quarter         string   `json:"quarter,omitempty"`
	Region          string   `json:"region,omitempty"`
	Lat             *float64 `json:"lat,omitempty"`
	Lng             *float64 `json:"lng,omitempty"`
	Address         string   `json:"address,omitempty"`
	ContactName     string   `json:"contact_name,omitempty"`
	ContactPhone    string   `json:"contact_phone,omitempty"`
	ContactEmail    string   `json:"contact_email,omitempty"`
	Commission      string   `json:"commission,omitempty"`

	// Line is the 1-based position in the source, set by the parsers.
	Line int `json:"-"`
}

// Header is the column order of the XLSX template.
var Header = []string{
	"external_ref", "transaction_type", "property_type", "property_subtype",
	"price", "area", "rooms", "floor", "land_area",
	"city", "district", "quarter", "region", "lat", "lng", "address",
	"contact_name", "contact_phone", "contact_email", "commission",
}

// Property converts the row into a listing owned by agentID.
func (r Row) Property(agentID string) listing.Property {
	p := listing.Property{
		AgentID:         agentID,
		TransactionType: listing.TransactionType(strings.ToLower(strings.TrimSpace(r.TransactionType))),
		PropertyType:    listing.PropertyType(strings.ToLower(strings.TrimSpace(r.PropertyType))),
		PropertySubtype: strings.TrimSpace(r.PropertySubtype),
		Price:           r.Price,
		Area:            r.Area,
		Rooms:           r.Rooms,
		Floor:           r.Floor,
		LandArea:        r.LandArea,
		City:            strings.TrimSpace(r.City),
		District:        strings.TrimSpace(r.District),
		Quarter:         strings.TrimSpace(r.Quarter),
		Region:          strings.TrimSpace(r.Region),
		Address:         strings.TrimSpace(r.Address),
		Contact: listing.Contact{
			Name:  r.ContactName,
			Phone: r.ContactPhone,
			Email: r.ContactEmail,
		},
		Commission: r.Commission,
	}
	if r.Lat != nil && r.Lng != nil {
		p.Coordinates = &listing.Coordinates{Lat: *r.Lat, Lng: *r.Lng}
	}
	return p
}

// ParseJSON accepts either an array of rows or {"properties": [...]}.
func ParseJSON(data []byte) ([]Row, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if data[0] == '[' {
		var rows []Row
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return numbered(rows), nil
	}
	var envelope struct {
		Properties []Row `json:"properties"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return numbered(envelope.Properties), nil
}

func numbered(rows []Row) []Row {
	for i := range rows {
		rows[i].Line = i + 1
	}
	return rows
}

// ParseXLSX reads the first sheet. The first row names the columns; unknown
// columns are ignored and blank rows skipped. Cell errors are reported per
// row so one bad cell does not reject the file.
func ParseXLSX(data []byte) ([]Row, []RowError, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, nil, fmt.Errorf("%w: workbook has no sheets", ErrMalformed)
	}
	cells, err := f.GetRows(sheet)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read rows: %v", ErrMalformed, err)
	}
	if len(cells) == 0 {
		return nil, nil, nil
	}

	columns := make(map[string]int, len(cells[0]))
	for i, h := range cells[0] {
		columns[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var (
		rows    []Row
		rowErrs []RowError
	)
	for i := 1; i < len(cells); i++ {
		record := cells[i]
		if blank(record) {
			continue
		}
		get := func(name string) string {
			idx, ok := columns[name]
			if !ok || idx >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[idx])
		}
		row, err := rowFromCells(get)
		if err != nil {
			rowErrs = append(rowErrs, RowError{Row: i + 1, Ref: get("external_ref"), Error: err.Error()})
			continue
		}
		row.Line = i + 1
		rows = append(rows, row)
	}
	return rows, rowErrs, nil
}

func rowFromCells(get func(string) string) (Row, error) {
	row := Row{
		ExternalRef:     get("external_ref"),
		TransactionType: get("transaction_type"),
		PropertyType:    get("property_type"),
		PropertySubtype: get("property_subtype"),
		City:            get("city"),
		District:        get("district"),
		Quarter:         get("quarter"),
		Region:          get("region"),
		Address:         get("address"),
		ContactName:     get("contact_name"),
		ContactPhone:    get("contact_phone"),
		ContactEmail:    get("contact_email"),
		Commission:      get("commission"),
	}

	var err error
	if row.Price, err = number(get, "price"); err != nil {
		return Row{}, err
	}
	if row.Area, err = number(get, "area"); err != nil {
		return Row{}, err
	}
	if row.LandArea, err = optionalNumber(get, "land_area"); err != nil {
		return Row{}, err
	}
	if row.Lat, err = optionalNumber(get, "lat"); err != nil {
		return Row{}, err
	}
	if row.Lng, err = optionalNumber(get, "lng"); err != nil {
		return Row{}, err
	}
	if row.Rooms, err = optionalInt(get, "rooms"); err != nil {
		return Row{}, err
	}
	if row.Floor, err = optionalInt(get, "floor"); err != nil {
		return Row{}, err
	}
	return row, nil
}

func number(get func(string) string, name string) (float64, error) {
	v, err := optionalNumber(get, name)
	if err != nil || v == nil {
		return 0, err
	}
	return *v, nil
}

func optionalNumber(get func(string) string, name string) (*float64, error) {
	raw := strings.ReplaceAll(get(name), " ", "")
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %q is not a number", name, get(name))
	}
	return &v, nil
}

func optionalInt(get func(string) string, name string) (*int, error) {
	raw := get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %q is not a whole number", name, raw)
	}
	return &v, nil
}

func blank(record []string) bool {
	for _, c := range record {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Template returns an empty XLSX workbook with the header row.
func Template() ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Properties"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("importer: name sheet: %w", err)
	}

	header := make([]interface{}, len(Header))
	for i, h := range Header {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("importer: write header: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("importer: write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
