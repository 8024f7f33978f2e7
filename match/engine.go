package match

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offmarket/listing"
	"offmarket/notify"
	"offmarket/obs"
)

const defaultWorkers = 8

// Listings is the catalog the engine scores against.
type Listings interface {
	GetProperty(ctx context.Context, id string) (listing.Property, error)
	GetDemand(ctx context.Context, id string) (listing.Demand, error)
	ListMatchableProperties(ctx context.Context, q listing.MatchQuery) ([]listing.Property, error)
	ListMatchableDemands(ctx context.Context, now time.Time) ([]listing.Demand, error)
}

// Summary counts what one re-scoring pass did.
type Summary struct {
	Scored  int
	Created int
	Updated int
	Skipped int
}

// Engine re-scores a new or re-activated listing against the opposite
// collection and notifies owners of new matches. It never issues
// credentials; viewers request access themselves.
type Engine struct {
	listings  Listings
	repo      Repository
	notifier  *notify.Notifier
	threshold int
	workers   int
	now       func() time.Time
	logger    *zap.Logger
}

func NewEngine(listings Listings, repo Repository, notifier *notify.Notifier, threshold int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		listings:  listings,
		repo:      repo,
		notifier:  notifier,
		threshold: threshold,
		workers:   defaultWorkers,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

func (e *Engine) WithWorkers(n int) *Engine {
	if n > 0 {
		e.workers = n
	}
	return e
}

// OnNewProperty implements listing.Hook.
func (e *Engine) OnNewProperty(ctx context.Context, p listing.Property) error {
	_, err := e.ScoreProperty(ctx, p)
	return err
}

// OnNewDemand implements listing.Hook.
func (e *Engine) OnNewDemand(ctx context.Context, d listing.Demand) error {
	_, err := e.ScoreDemand(ctx, d)
	return err
}

// ScoreProperty scores p against every matchable demand.
func (e *Engine) ScoreProperty(ctx context.Context, p listing.Property) (Summary, error) {
	now := e.now()
	demands, err := e.listings.ListMatchableDemands(ctx, now)
	if err != nil {
		return Summary{}, fmt.Errorf("match: load demands: %w", err)
	}

	pairs := make([]pair, 0, len(demands))
	for _, d := range demands {
		pairs = append(pairs, pair{demand: d, property: p})
	}
	sum, err := e.run(ctx, pairs, now, func(pr pair, rec Record) notify.Payload {
		return notify.Payload{
			RecipientUserID: pr.demand.ClientID,
			TemplateKey:     notify.TemplateMatchNewProperty,
			Variables:       matchVariables(pr, rec),
		}
	})
	e.logger.Info("property matched",
		zap.String("property_id", p.ID),
		zap.Int("scored", sum.Scored),
		zap.Int("created", sum.Created),
		zap.Int("updated", sum.Updated),
		zap.Int("skipped", sum.Skipped),
	)
	return sum, err
}

// ScoreDemand scores d against every matchable property of a type it asks for.
func (e *Engine) ScoreDemand(ctx context.Context, d listing.Demand) (Summary, error) {
	now := e.now()
	var q listing.MatchQuery
	for _, req := range d.Requirements {
		b := req.Base()
		q.TransactionTypes = appendUnique(q.TransactionTypes, b.TransactionType)
		q.PropertyTypes = appendUnique(q.PropertyTypes, b.PropertyType)
	}
	properties, err := e.listings.ListMatchableProperties(ctx, q)
	if err != nil {
		return Summary{}, fmt.Errorf("match: load properties: %w", err)
	}

	pairs := make([]pair, 0, len(properties))
	for _, p := range properties {
		pairs = append(pairs, pair{demand: d, property: p})
	}
	sum, err := e.run(ctx, pairs, now, func(pr pair, rec Record) notify.Payload {
		return notify.Payload{
			RecipientUserID: pr.property.AgentID,
			TemplateKey:     notify.TemplateMatchNewDemand,
			Variables:       matchVariables(pr, rec),
		}
	})
	e.logger.Info("demand matched",
		zap.String("demand_id", d.ID),
		zap.Int("scored", sum.Scored),
		zap.Int("created", sum.Created),
		zap.Int("updated", sum.Updated),
		zap.Int("skipped", sum.Skipped),
	)
	return sum, err
}

type pair struct {
	demand   listing.Demand
	property listing.Property
}

func (e *Engine) run(ctx context.Context, pairs []pair, now time.Time, payload func(pair, Record) notify.Payload) (Summary, error) {
	var (
		mu  sync.Mutex
		sum Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, pr := range pairs {
		g.Go(func() error {
			score, ok := Score(pr.demand, pr.property, now)
			if !ok || score < e.threshold {
				return nil
			}
			rec, result, err := e.repo.Upsert(gctx, pr.demand.ID, pr.property.ID, score)
			if err != nil {
				return err
			}
			obs.MatchesUpserted.WithLabelValues(string(result)).Inc()

			mu.Lock()
			sum.Scored++
			switch result {
			case ResultCreated:
				sum.Created++
			case ResultUpdated:
				sum.Updated++
			case ResultSkipped:
				sum.Skipped++
			}
			mu.Unlock()

			if result == ResultCreated {
				e.notifier.Send(gctx, payload(pr, rec))
			}
			return nil
		})
	}
	err := g.Wait()
	return sum, err
}

// UpdateStatus lets either owner, or an admin, move a match. The last
// transition wins.
func (e *Engine) UpdateStatus(ctx context.Context, actor listing.Actor, id string, status Status) (Record, error) {
	if !status.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	rec, err := e.repo.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if !actor.Admin {
		if err := e.checkParty(ctx, actor.UserID, rec); err != nil {
			return Record{}, err
		}
	}
	updated, err := e.repo.UpdateStatus(ctx, id, status)
	if err != nil {
		return Record{}, err
	}
	e.logger.Info("match status changed",
		zap.String("match_id", id),
		zap.String("actor_id", actor.UserID),
		zap.String("from", string(rec.Status)),
		zap.String("to", string(status)),
	)
	return updated, nil
}

func (e *Engine) checkParty(ctx context.Context, userID string, rec Record) error {
	d, err := e.listings.GetDemand(ctx, rec.DemandID)
	if err != nil {
		return err
	}
	if d.ClientID == userID {
		return nil
	}
	p, err := e.listings.GetProperty(ctx, rec.PropertyID)
	if err != nil {
		return err
	}
	if p.AgentID == userID {
		return nil
	}
	return ErrForbidden
}

func (e *Engine) ListForDemand(ctx context.Context, demandID string) ([]Record, error) {
	return e.repo.ListForDemand(ctx, demandID)
}

func (e *Engine) ListForProperty(ctx context.Context, propertyID string) ([]Record, error) {
	return e.repo.ListForProperty(ctx, propertyID)
}

func matchVariables(pr pair, rec Record) map[string]string {
	return map[string]string{
		"match_id":         rec.ID,
		"demand_id":        pr.demand.ID,
		"property_id":      pr.property.ID,
		"score":            strconv.Itoa(rec.Score),
		"transaction_type": string(pr.property.TransactionType),
		"property_type":    string(pr.property.PropertyType),
		"city":             pr.property.City,
		"price":            strconv.FormatFloat(pr.property.Price, 'f', 0, 64),
	}
}

func appendUnique[T comparable](list []T, v T) []T {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}
