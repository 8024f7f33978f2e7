package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"offmarket/db"
	"offmarket/ids"
)

// OutboxDispatcher writes payloads into the transactional outbox table.
// A relay process outside this module renders and delivers them.
type OutboxDispatcher struct {
	q db.Querier
}

func NewOutboxDispatcher(q db.Querier) *OutboxDispatcher {
	return &OutboxDispatcher{q: q}
}

func (d *OutboxDispatcher) Dispatch(ctx context.Context, p Payload) error {
	return Enqueue(ctx, d.q, p)
}

// Enqueue writes p using q, which may be a transaction.
func Enqueue(ctx context.Context, q db.Querier, p Payload) error {
	if p.RecipientUserID == "" || p.TemplateKey == "" {
		return fmt.Errorf("notify: recipient and template key required")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}
	const insertSQL = `
INSERT INTO outbox (id, topic, payload)
VALUES ($1, $2, $3::jsonb)
`
	if _, err := q.Exec(ctx, insertSQL, ids.NewULID(), "notification."+p.TemplateKey, body); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}
