// Package actors drives the real services concurrently against Postgres.
// Actors tolerate transient database errors (the chaos actor kills
// backends); only invariant breaches are returned as errors.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"offmarket/credential"
	"offmarket/disclosure"
	"offmarket/listing"
	"offmarket/match"
	"offmarket/ratelimit"
)

// Env is the seeded world the actors share.
type Env struct {
	Pool        *pgxpool.Pool
	Credentials *credential.Service
	Gate        *disclosure.Gate
	Listings    *listing.PGRepository
	Matches     *match.PGRepository
	Limiter     *ratelimit.Limiter

	AgentID     string
	ClientIDs   []string
	DemandIDs   []string
	PropertyIDs []string
	APIKey      credential.Credential
}

// Stats counts outcomes for the test log.
type Stats struct {
	Rounds      atomic.Int64
	Redeemed    atomic.Int64
	Upserts     atomic.Int64
	StatusMoves atomic.Int64
	Allowed     atomic.Int64
	Throttled   atomic.Int64
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func jitter(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

// CodeRacer lists a fresh property each round, mints one LOI code for it and
// lets every client race to redeem it. More than one winner is a breach.
func CodeRacer(ctx context.Context, env *Env, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		p, err := env.Listings.CreateProperty(ctx, listing.Property{
			AgentID:         env.AgentID,
			TransactionType: listing.TransactionSale,
			PropertyType:    listing.PropertyFlat,
			Price:           float64(3_000_000 + rand.Intn(2_000_000)),
			Area:            float64(40 + rand.Intn(60)),
			City:            "Praha",
			Status:          listing.PropertyActive,
			Approved:        true,
		})
		if err != nil {
			jitter(20, 30)
			continue
		}
		ref := credential.EntityRef{Type: listing.EntityProperty, ID: p.ID}
		code, err := env.Credentials.Issue(ctx, credential.IssueParams{
			Kind:          credential.KindLOI,
			SubjectUserID: env.ClientIDs[0],
			Entity:        &ref,
		})
		if err != nil {
			jitter(20, 30)
			continue
		}

		var (
			wg   sync.WaitGroup
			wins atomic.Int64
		)
		for _, clientID := range env.ClientIDs {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				_, err := env.Gate.ConfirmAccess(ctx, disclosure.Viewer{UserID: userID}, code.Code, &ref)
				if err == nil {
					wins.Add(1)
				}
			}(clientID)
		}
		wg.Wait()

		stats.Rounds.Add(1)
		stats.Redeemed.Add(wins.Load())
		if n := wins.Load(); n > 1 {
			return fmt.Errorf("code %s for %s redeemed %d times", code.ID, p.ID, n)
		}
		jitter(10, 20)
	}
	return nil
}

// MatchChurner re-scores random pairs; UpsertResult counts feed the log.
func MatchChurner(ctx context.Context, env *Env, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		d := env.DemandIDs[rand.Intn(len(env.DemandIDs))]
		p := env.PropertyIDs[rand.Intn(len(env.PropertyIDs))]
		if _, _, err := env.Matches.Upsert(ctx, d, p, 50+rand.Intn(51)); err == nil {
			stats.Upserts.Add(1)
		}
		jitter(2, 8)
	}
	return nil
}

// MatchReviewer moves matches of random demands through their statuses,
// rejecting some. A rejected pair must never come back as a live record.
func MatchReviewer(ctx context.Context, env *Env, stats *Stats, stop <-chan struct{}) error {
	statuses := []match.Status{match.StatusViewed, match.StatusInterested, match.StatusRejected}
	for !stopped(ctx, stop) {
		d := env.DemandIDs[rand.Intn(len(env.DemandIDs))]
		recs, err := env.Matches.ListForDemand(ctx, d)
		if err != nil || len(recs) == 0 {
			jitter(10, 20)
			continue
		}
		rec := recs[rand.Intn(len(recs))]
		if rec.Status == match.StatusRejected {
			jitter(5, 10)
			continue
		}
		if _, err := env.Matches.UpdateStatus(ctx, rec.ID, statuses[rand.Intn(len(statuses))]); err == nil {
			stats.StatusMoves.Add(1)
		}
		jitter(5, 15)
	}
	return nil
}

// ImportHammer charges the shared api key as fast as it can.
func ImportHammer(ctx context.Context, env *Env, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		d, err := env.Limiter.Allow(ctx, env.APIKey)
		switch {
		case err != nil && !errors.Is(err, ratelimit.ErrRateLimitExceeded):
			jitter(5, 10)
		case d.Allowed:
			stats.Allowed.Add(1)
		default:
			stats.Throttled.Add(1)
			jitter(5, 10)
		}
	}
	return nil
}

// OutboxWorker drains outbox rows with SKIP LOCKED and marks them published.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, _ = pool.Exec(ctx, `
UPDATE outbox SET published_at = now()
WHERE id IN (
    SELECT id FROM outbox
    WHERE published_at IS NULL
    ORDER BY created_at
    FOR UPDATE SKIP LOCKED
    LIMIT 20
)`)
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
