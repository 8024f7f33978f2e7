package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"offmarket/db"
)

// Repository persists credentials. Every method takes the Querier to run on
// so callers can compose operations inside one transaction.
type Repository interface {
	// Insert stores c; it returns errCodeCollision when the code is already
	// outstanding in the same family.
	Insert(ctx context.Context, q db.Querier, c Credential) error
	// Consume atomically marks the matching live credential consumed. It
	// returns ErrNotFound when no row satisfied the guard.
	Consume(ctx context.Context, q db.Querier, p consumeParams) (Credential, error)
	// ListByCode returns every credential ever issued with code, newest first.
	ListByCode(ctx context.Context, q db.Querier, kinds []Kind, code string) ([]Credential, error)
	FindLive(ctx context.Context, q db.Querier, lq LiveQuery, now time.Time) (Credential, error)
	GetByID(ctx context.Context, q db.Querier, id string) (Credential, error)
	Invalidate(ctx context.Context, q db.Querier, p InvalidateParams, now time.Time) (int64, error)
}

type consumeParams struct {
	Code          string
	Kinds         []Kind
	SubjectUserID string
	Now           time.Time
}

// PGRepository implements Repository on the credentials table.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const credentialColumns = `id, code, kind, subject_user_id, entity_type, entity_id, label,
	issued_at, expires_at, consumed_at, revoked_at, rate_limit, usage_window_count, usage_window_start`

func (r *PGRepository) Insert(ctx context.Context, q db.Querier, c Credential) error {
	const insertSQL = `
INSERT INTO credentials (id, code, kind, family, subject_user_id, entity_type, entity_id, label,
	issued_at, expires_at, rate_limit)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11)
`
	var entityType, entityID *string
	if c.Entity != nil {
		entityType, entityID = &c.Entity.Type, &c.Entity.ID
	}
	_, err := q.Exec(ctx, insertSQL,
		c.ID, c.Code, c.Kind, c.Kind.family(), c.SubjectUserID,
		entityType, entityID, c.Label, c.IssuedAt, c.ExpiresAt, c.RateLimit,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errCodeCollision
		}
		return fmt.Errorf("credential: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) Consume(ctx context.Context, q db.Querier, p consumeParams) (Credential, error) {
	// Entity-scoped codes move to the redeemer; user-scoped codes must
	// already belong to them.
	const consumeSQL = `
UPDATE credentials
SET consumed_at = $3,
    subject_user_id = CASE
        WHEN kind = ANY($5) THEN subject_user_id
        ELSE COALESCE(NULLIF($4, ''), subject_user_id)
    END
WHERE code = $1
  AND kind = ANY($2)
  AND consumed_at IS NULL
  AND revoked_at IS NULL
  AND (expires_at IS NULL OR expires_at > $3)
  AND (NOT (kind = ANY($5)) OR subject_user_id = NULLIF($4, ''))
RETURNING ` + credentialColumns

	c, err := scanCredential(q.QueryRow(ctx, consumeSQL,
		p.Code, kindStrings(p.Kinds), p.Now, p.SubjectUserID, kindStrings(subjectScopedKinds),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("credential: consume: %w", err)
	}
	return c, nil
}

func (r *PGRepository) ListByCode(ctx context.Context, q db.Querier, kinds []Kind, code string) ([]Credential, error) {
	query := `SELECT ` + credentialColumns + `
FROM credentials
WHERE code = $1 AND kind = ANY($2)
ORDER BY issued_at DESC, id DESC
LIMIT 20`
	return collect(q.Query(ctx, query, code, kindStrings(kinds)))
}

func (r *PGRepository) FindLive(ctx context.Context, q db.Querier, lq LiveQuery, now time.Time) (Credential, error) {
	where := []string{
		"kind = ANY($1)",
		"consumed_at IS NULL",
		"revoked_at IS NULL",
		"(expires_at IS NULL OR expires_at > $2)",
	}
	args := []any{kindStrings(lq.Kinds), now}
	if lq.SubjectUserID != "" {
		args = append(args, lq.SubjectUserID)
		where = append(where, fmt.Sprintf("subject_user_id = $%d", len(args)))
	}
	if lq.Entity != nil {
		args = append(args, lq.Entity.Type, lq.Entity.ID)
		where = append(where, fmt.Sprintf("entity_type = $%d AND entity_id = $%d", len(args)-1, len(args)))
	}

	query := `SELECT ` + credentialColumns + `
FROM credentials
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY issued_at DESC
LIMIT 1`

	c, err := scanCredential(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("credential: find live: %w", err)
	}
	return c, nil
}

func (r *PGRepository) GetByID(ctx context.Context, q db.Querier, id string) (Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = $1`
	c, err := scanCredential(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("credential: get by id: %w", err)
	}
	return c, nil
}

func (r *PGRepository) Invalidate(ctx context.Context, q db.Querier, p InvalidateParams, now time.Time) (int64, error) {
	where := []string{"consumed_at IS NULL", "revoked_at IS NULL", "(expires_at IS NULL OR expires_at > $1)"}
	args := []any{now}
	if len(p.Kinds) > 0 {
		args = append(args, kindStrings(p.Kinds))
		where = append(where, fmt.Sprintf("kind = ANY($%d)", len(args)))
	}
	if p.ID != "" {
		args = append(args, p.ID)
		where = append(where, fmt.Sprintf("id = $%d", len(args)))
	}
	if p.SubjectUserID != "" {
		args = append(args, p.SubjectUserID)
		where = append(where, fmt.Sprintf("subject_user_id = $%d", len(args)))
	}
	if p.Entity != nil {
		args = append(args, p.Entity.Type, p.Entity.ID)
		where = append(where, fmt.Sprintf("entity_type = $%d AND entity_id = $%d", len(args)-1, len(args)))
	}

	tag, err := q.Exec(ctx, `
UPDATE credentials
SET expires_at = $1, revoked_at = $1
WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("credential: invalidate: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collect(rows pgx.Rows, err error) ([]Credential, error) {
	if err != nil {
		return nil, fmt.Errorf("credential: query: %w", err)
	}
	defer rows.Close()

	out := make([]Credential, 0, 2)
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("credential: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("credential: iterate: %w", err)
	}
	return out, nil
}

func scanCredential(row pgx.Row) (Credential, error) {
	var (
		c          Credential
		subject    *string
		entityType *string
		entityID   *string
	)
	err := row.Scan(
		&c.ID,
		&c.Code,
		&c.Kind,
		&subject,
		&entityType,
		&entityID,
		&c.Label,
		&c.IssuedAt,
		&c.ExpiresAt,
		&c.ConsumedAt,
		&c.RevokedAt,
		&c.RateLimit,
		&c.UsageWindowCount,
		&c.UsageWindowStart,
	)
	if err != nil {
		return Credential{}, err
	}
	if subject != nil {
		c.SubjectUserID = *subject
	}
	if entityType != nil && entityID != nil {
		c.Entity = &EntityRef{Type: *entityType, ID: *entityID}
	}
	return c, nil
}

func kindStrings(kinds []Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
