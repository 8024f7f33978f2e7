// Package importer loads properties in bulk for machine clients holding an
// api_key credential. Every import request is charged against the key's
// rate-limit window.
package importer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"offmarket/credential"
	"offmarket/listing"
	"offmarket/ratelimit"
)

var (
	ErrUnsupportedFormat = errors.New("importer: unsupported format")
	ErrMalformed         = errors.New("importer: malformed payload")
	ErrTooManyRows       = errors.New("importer: too many rows")
)

type Format string

const (
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

const defaultMaxRows = 1000

// RowError reports a row that was not imported. Row is 1-based and counts
// the XLSX header, so it matches what spreadsheet users see.
type RowError struct {
	Row   int    `json:"row"`
	Ref   string `json:"external_ref,omitempty"`
	Error string `json:"error"`
}

type Result struct {
	Total   int        `json:"total"`
	Created []string   `json:"created"`
	Failed  []RowError `json:"failed"`
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (credential.Credential, error)
}

type Limiter interface {
	Allow(ctx context.Context, c credential.Credential) (ratelimit.Decision, error)
}

type Listings interface {
	CreateProperty(ctx context.Context, p listing.Property) (listing.Property, error)
}

type Importer struct {
	auth     Authenticator
	limiter  Limiter
	listings Listings
	maxRows  int
	logger   *zap.Logger
}

func New(auth Authenticator, limiter Limiter, listings Listings, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{
		auth:     auth,
		limiter:  limiter,
		listings: listings,
		maxRows:  defaultMaxRows,
		logger:   logger,
	}
}

func (im *Importer) WithMaxRows(n int) *Importer {
	if n > 0 {
		im.maxRows = n
	}
	return im
}

// Authorize resolves an api_key token and charges one request to it. A
// refused request returns the decision together with its *ThrottleError.
func (im *Importer) Authorize(ctx context.Context, token string) (credential.Credential, ratelimit.Decision, error) {
	key, err := im.auth.Authenticate(ctx, token)
	if err != nil {
		return credential.Credential{}, ratelimit.Decision{}, err
	}
	d, err := im.limiter.Allow(ctx, key)
	if err != nil {
		return credential.Credential{}, ratelimit.Decision{}, err
	}
	if !d.Allowed {
		return key, d, d.Err()
	}
	return key, d, nil
}

// Import creates one property per row, owned by the key's subject. Invalid
// rows are reported in the result and do not stop the batch.
func (im *Importer) Import(ctx context.Context, key credential.Credential, format Format, data []byte) (Result, error) {
	if key.Kind != credential.KindAPIKey || key.SubjectUserID == "" {
		return Result{}, ratelimit.ErrNotAPIKey
	}

	var (
		rows   []Row
		failed []RowError
		err    error
	)
	switch format {
	case FormatJSON:
		rows, err = ParseJSON(data)
	case FormatXLSX:
		rows, failed, err = ParseXLSX(data)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return Result{}, err
	}
	if total := len(rows) + len(failed); total > im.maxRows {
		return Result{}, fmt.Errorf("%w: %d rows, limit %d", ErrTooManyRows, total, im.maxRows)
	}

	res := Result{Total: len(rows) + len(failed), Created: []string{}, Failed: failed}
	if res.Failed == nil {
		res.Failed = []RowError{}
	}
	for _, row := range rows {
		p, err := im.listings.CreateProperty(ctx, row.Property(key.SubjectUserID))
		if err != nil {
			if !errors.Is(err, listing.ErrInvalid) {
				return res, fmt.Errorf("importer: row %d: %w", row.Line, err)
			}
			res.Failed = append(res.Failed, RowError{Row: row.Line, Ref: row.ExternalRef, Error: err.Error()})
			continue
		}
		res.Created = append(res.Created, p.ID)
	}

	im.logger.Info("properties imported",
		zap.String("credential_id", key.ID),
		zap.String("agent_id", key.SubjectUserID),
		zap.String("format", string(format)),
		zap.Int("total", res.Total),
		zap.Int("created", len(res.Created)),
		zap.Int("failed", len(res.Failed)),
	)
	return res, nil
}
