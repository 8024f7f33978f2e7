package match

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"offmarket/db"
	"offmarket/ids"
)

type Repository interface {
	// Upsert creates the pair at status new or refreshes its score. Status
	// is never touched, and a rejected pair is left alone.
	Upsert(ctx context.Context, demandID, propertyID string, score int) (Record, UpsertResult, error)
	Get(ctx context.Context, id string) (Record, error)
	UpdateStatus(ctx context.Context, id string, status Status) (Record, error)
	// ListForDemand and ListForProperty rank by score, best first.
	ListForDemand(ctx context.Context, demandID string) ([]Record, error)
	ListForProperty(ctx context.Context, propertyID string) ([]Record, error)
}

// PGRepository serialises writes to one pair with a transaction-scoped
// advisory lock, so a rejection can never race a re-insert of the pair.
type PGRepository struct {
	q db.Pool
}

func NewRepository(q db.Pool) *PGRepository {
	return &PGRepository{q: q}
}

const recordColumns = `id, demand_id::text, property_id::text, score, status, created_at, updated_at`

const lockPairSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1 || ':' || $2, 0))`

func (r *PGRepository) Upsert(ctx context.Context, demandID, propertyID string, score int) (Record, UpsertResult, error) {
	const upsertSQL = `
INSERT INTO match_records (id, demand_id, property_id, score, status)
SELECT $1, $2::uuid, $3::uuid, $4, 'new'
WHERE NOT EXISTS (
    SELECT 1 FROM match_records
    WHERE demand_id = $2::uuid AND property_id = $3::uuid AND status = 'rejected'
)
ON CONFLICT (demand_id, property_id) WHERE status <> 'rejected'
DO UPDATE SET score = EXCLUDED.score, updated_at = now()
RETURNING ` + recordColumns + `, (xmax = 0) AS inserted`

	var (
		rec    Record
		result UpsertResult
	)
	err := db.InTx(ctx, r.q, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockPairSQL, demandID, propertyID); err != nil {
			return fmt.Errorf("match: lock pair: %w", err)
		}
		var inserted bool
		err := tx.QueryRow(ctx, upsertSQL, ids.NewULID(), demandID, propertyID, score).Scan(
			&rec.ID, &rec.DemandID, &rec.PropertyID, &rec.Score, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &inserted,
		)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			result = ResultSkipped
			return nil
		case err != nil:
			return fmt.Errorf("match: upsert: %w", err)
		case inserted:
			result = ResultCreated
		default:
			result = ResultUpdated
		}
		return nil
	})
	if err != nil {
		return Record{}, "", err
	}
	return rec, result, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.q.QueryRow(ctx, `SELECT `+recordColumns+` FROM match_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("match: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, id string, status Status) (Record, error) {
	const updateSQL = `
UPDATE match_records
SET status = $2, updated_at = now()
WHERE id = $1
RETURNING ` + recordColumns

	var rec Record
	err := db.InTx(ctx, r.q, func(tx pgx.Tx) error {
		var demandID, propertyID string
		err := tx.QueryRow(ctx, `SELECT demand_id::text, property_id::text FROM match_records WHERE id = $1`, id).
			Scan(&demandID, &propertyID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("match: update status: %w", err)
		}
		if _, err := tx.Exec(ctx, lockPairSQL, demandID, propertyID); err != nil {
			return fmt.Errorf("match: lock pair: %w", err)
		}
		rec, err = scanRecord(tx.QueryRow(ctx, updateSQL, id, status))
		if err != nil {
			if db.IsUniqueViolation(err) {
				// A live record for the pair exists again; this one stays rejected.
				return fmt.Errorf("%w: pair already has a live match", ErrInvalidStatus)
			}
			return fmt.Errorf("match: update status: %w", err)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *PGRepository) ListForDemand(ctx context.Context, demandID string) ([]Record, error) {
	return r.list(ctx, `demand_id = $1::uuid`, demandID)
}

func (r *PGRepository) ListForProperty(ctx context.Context, propertyID string) ([]Record, error) {
	return r.list(ctx, `property_id = $1::uuid`, propertyID)
}

func (r *PGRepository) list(ctx context.Context, where string, arg string) ([]Record, error) {
	rows, err := r.q.Query(ctx, `SELECT `+recordColumns+`
FROM match_records
WHERE `+where+`
ORDER BY score DESC, created_at ASC`, arg)
	if err != nil {
		return nil, fmt.Errorf("match: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("match: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("match: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.DemandID, &rec.PropertyID, &rec.Score, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}
