package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"offmarket/credential"
	"offmarket/db"
)

// PGWindowStore keeps the window on the credential row itself
// (usage_window_count, usage_window_start) and advances it with one
// conditional update.
type PGWindowStore struct {
	q db.Querier
}

func NewPGWindowStore(q db.Querier) *PGWindowStore {
	return &PGWindowStore{q: q}
}

func (s *PGWindowStore) Hit(ctx context.Context, id string, limit int, length time.Duration, now time.Time) (Window, bool, error) {
	const hit = `
UPDATE credentials SET
	usage_window_count = CASE WHEN usage_window_start IS NULL OR usage_window_start <= $2 - $3 * interval '1 second'
		THEN 1 ELSE usage_window_count + 1 END,
	usage_window_start = CASE WHEN usage_window_start IS NULL OR usage_window_start <= $2 - $3 * interval '1 second'
		THEN $2 ELSE usage_window_start END
WHERE id = $1
	AND revoked_at IS NULL
	AND (expires_at IS NULL OR expires_at > $2)
	AND (usage_window_start IS NULL
		OR usage_window_start <= $2 - $3 * interval '1 second'
		OR usage_window_count < $4)
RETURNING usage_window_count, usage_window_start`

	var w Window
	err := s.q.QueryRow(ctx, hit, id, now, length.Seconds(), limit).Scan(&w.Count, &w.Start)
	if err == nil {
		return w, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Window{}, false, fmt.Errorf("ratelimit: update window: %w", err)
	}

	const current = `
SELECT usage_window_count, usage_window_start, revoked_at IS NOT NULL OR (expires_at IS NOT NULL AND expires_at <= $2)
FROM credentials WHERE id = $1`

	var (
		start *time.Time
		dead  bool
	)
	err = s.q.QueryRow(ctx, current, id, now).Scan(&w.Count, &start, &dead)
	if errors.Is(err, pgx.ErrNoRows) {
		return Window{}, false, credential.ErrNotFound
	}
	if err != nil {
		return Window{}, false, fmt.Errorf("ratelimit: read window: %w", err)
	}
	if dead {
		return Window{}, false, credential.ErrExpired
	}
	if start != nil {
		w.Start = *start
	}
	return w, false, nil
}
