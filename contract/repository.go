package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"offmarket/credential"
	"offmarket/db"
	"offmarket/ids"
)

var (
	// ErrNotFound is returned when no record exists for the pair.
	ErrNotFound = errors.New("contract: not found")
	// ErrInvalidStageTransition signals a contract signed out of order.
	ErrInvalidStageTransition = errors.New("contract: invalid stage transition")
	// ErrTemplateMismatch signals a contract code redeemed for another template.
	ErrTemplateMismatch = errors.New("contract: credential does not match template")
	// ErrEntityMismatch signals a credential bound to a different entity.
	ErrEntityMismatch = errors.New("contract: credential bound to another entity")
	// ErrNotRedeemed signals a transition attempted with an unconsumed credential.
	ErrNotRedeemed = errors.New("contract: credential not redeemed")
	// ErrStaleRecord signals the row moved under a concurrent writer.
	ErrStaleRecord = errors.New("contract: record changed concurrently")
)

type Repository interface {
	// Ensure creates the none-stage record when absent.
	Ensure(ctx context.Context, q db.Querier, userID string, entity credential.EntityRef) error
	Get(ctx context.Context, q db.Querier, userID string, entity credential.EntityRef) (Record, error)
	// GetForUpdate locks the row for the rest of the transaction.
	GetForUpdate(ctx context.Context, q db.Querier, userID string, entity credential.EntityRef) (Record, error)
	// Update writes rec guarded on the stage it was read at.
	Update(ctx context.Context, q db.Querier, rec Record, from Stage) (Record, error)
	ListByUser(ctx context.Context, q db.Querier, userID string) ([]Record, error)
	AppendEvent(ctx context.Context, q db.Querier, ev Event) error
	EnqueueOutbox(ctx context.Context, q db.Querier, topic string, payload map[string]any) error
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const recordColumns = `user_id::text, entity_type, entity_id, stage, signed_at, COALESCE(credential_id, ''),
	COALESCE(template, ''), access_granted_at, created_at, updated_at`

func (r *PGRepository) Ensure(ctx context.Context, q db.Querier, userID string, entity credential.EntityRef) error {
	const insertSQL = `
INSERT INTO contract_records (user_id, entity_type, entity_id, stage)
VALUES ($1::uuid, $2, $3, 'none')
ON CONFLICT (user_id, entity_type, entity_id) DO NOTHING
`
	if _, err := q.Exec(ctx, insertSQL, userID, entity.Type, entity.ID); err != nil {
		return fmt.Errorf("contract: ensure record: %w", err)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, userID string, entity credential.EntityRef) (Record, error) {
	return r.get(ctx, q, userID, entity, "")
}

func (r *PGRepository) GetForUpdate(ctx context.Context, q db.Querier, userID string, entity credential.EntityRef) (Record, error) {
	return r.get(ctx, q, userID, entity, " FOR UPDATE")
}

func (r *PGRepository) get(ctx context.Context, q db.Querier, userID string, entity credential.EntityRef, lock string) (Record, error) {
	query := `SELECT ` + recordColumns + `
FROM contract_records
WHERE user_id = $1::uuid AND entity_type = $2 AND entity_id = $3` + lock

	rec, err := scanRecord(q.QueryRow(ctx, query, userID, entity.Type, entity.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("contract: get record: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) Update(ctx context.Context, q db.Querier, rec Record, from Stage) (Record, error) {
	const updateSQL = `
UPDATE contract_records
SET stage = $4,
    signed_at = $5,
    credential_id = NULLIF($6, ''),
    template = NULLIF($7, ''),
    access_granted_at = $8,
    updated_at = now()
WHERE user_id = $1::uuid AND entity_type = $2 AND entity_id = $3 AND stage = $9
RETURNING ` + recordColumns

	out, err := scanRecord(q.QueryRow(ctx, updateSQL,
		rec.UserID, rec.EntityType, rec.EntityID, rec.Stage, rec.SignedAt,
		rec.CredentialID, string(rec.Template), rec.AccessGrantedAt, from,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrStaleRecord
		}
		return Record{}, fmt.Errorf("contract: update record: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ListByUser(ctx context.Context, q db.Querier, userID string) ([]Record, error) {
	rows, err := q.Query(ctx, `SELECT `+recordColumns+`
FROM contract_records
WHERE user_id = $1::uuid
ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("contract: list records: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("contract: scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PGRepository) AppendEvent(ctx context.Context, q db.Querier, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("contract: marshal event payload: %w", err)
	}

	const insertSQL = `
INSERT INTO contract_events (user_id, entity_type, entity_id, type, from_stage, to_stage, credential_id, payload)
VALUES ($1::uuid, $2, $3, $4, $5, $6, NULLIF($7, ''), $8::jsonb)
`
	if _, err := q.Exec(ctx, insertSQL,
		ev.UserID, ev.EntityType, ev.EntityID, ev.Type, ev.FromStage, ev.ToStage, ev.CredentialID, payload,
	); err != nil {
		return fmt.Errorf("contract: insert event: %w", err)
	}
	return nil
}

func (r *PGRepository) EnqueueOutbox(ctx context.Context, q db.Querier, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contract: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (id, topic, payload)
VALUES ($1, $2, $3::jsonb)
`
	if _, err := q.Exec(ctx, insertSQL, ids.NewULID(), topic, body); err != nil {
		return fmt.Errorf("contract: insert outbox message: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec      Record
		template string
	)
	err := row.Scan(
		&rec.UserID,
		&rec.EntityType,
		&rec.EntityID,
		&rec.Stage,
		&rec.SignedAt,
		&rec.CredentialID,
		&template,
		&rec.AccessGrantedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	rec.Template = Template(template)
	return rec, err
}
