package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills, about every fifth tick, one backend of the
// current database whose application_name matches appName. An empty appName
// matches any backend but our own.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			_, _ = pool.Exec(ctx, `
SELECT pg_terminate_backend(pid) FROM pg_stat_activity
WHERE datname = current_database()
  AND pid <> pg_backend_pid()
  AND ($1 = '' OR application_name = $1)
ORDER BY random() LIMIT 1`, appName)
		}
	}
}
