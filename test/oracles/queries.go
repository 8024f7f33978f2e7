package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_redemption",
			SQL: `SELECT credential_id, COUNT(*) FROM contract_events
                  WHERE credential_id IS NOT NULL
                  GROUP BY credential_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_unique_live_code",
			SQL: `SELECT family, code, COUNT(*) FROM credentials
                  WHERE consumed_at IS NULL AND revoked_at IS NULL
                  GROUP BY family, code HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_consumed_loi_signed",
			SQL: `SELECT c.id, c.subject_user_id, c.entity_id FROM credentials c
                  WHERE c.kind = 'loi' AND c.consumed_at IS NOT NULL
                    AND NOT EXISTS (
                      SELECT 1 FROM contract_records r
                      WHERE r.user_id::text = c.subject_user_id
                        AND r.entity_type = c.entity_type AND r.entity_id = c.entity_id
                        AND r.stage IN ('loi_signed', 'contract_signed'))`,
		},
		{
			Name: "O4_stage_has_event",
			SQL: `SELECT r.user_id, r.entity_id, r.stage FROM contract_records r
                  WHERE r.stage <> 'none'
                    AND NOT EXISTS (
                      SELECT 1 FROM contract_events e
                      WHERE e.user_id = r.user_id AND e.entity_type = r.entity_type
                        AND e.entity_id = r.entity_id AND e.to_stage = r.stage)`,
		},
		{
			Name: "O5_single_live_match",
			SQL: `SELECT demand_id, property_id, COUNT(*) FROM match_records
                  WHERE status <> 'rejected'
                  GROUP BY demand_id, property_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_rejected_stays_rejected",
			SQL: `SELECT r.demand_id, r.property_id FROM match_records r
                  JOIN match_records l ON l.demand_id = r.demand_id AND l.property_id = r.property_id
                  WHERE r.status = 'rejected' AND l.status <> 'rejected'`,
		},
		{
			Name: "O7_rate_window_bounded",
			SQL: `SELECT id, usage_window_count, rate_limit FROM credentials
                  WHERE kind = 'api_key' AND usage_window_count > rate_limit`,
		},
		{
			Name: "O8_outbox_drained",
			SQL: `SELECT id, topic FROM outbox
                  WHERE published_at IS NULL AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
