// Package contract tracks the forward-only signing progress of a user on a
// listing: none, then loi_signed, then contract_signed.
package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"offmarket/credential"
	"offmarket/db"
)

type Flow struct {
	q      db.Querier
	repo   Repository
	now    func() time.Time
	logger *zap.Logger
}

func NewFlow(q db.Querier, repo Repository, logger *zap.Logger) *Flow {
	if repo == nil {
		repo = NewRepository()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flow{
		q:      q,
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

func (f *Flow) WithClock(now func() time.Time) *Flow {
	if now != nil {
		f.now = now
	}
	return f
}

// Get returns the record for the pair, or a none-stage record when the pair
// has never been started.
func (f *Flow) Get(ctx context.Context, userID string, entity credential.EntityRef) (Record, error) {
	rec, err := f.repo.Get(ctx, f.q, userID, entity)
	if errors.Is(err, ErrNotFound) {
		return Record{UserID: userID, EntityType: entity.Type, EntityID: entity.ID, Stage: StageNone}, nil
	}
	return rec, err
}

// Ensure starts the pair at stage none. Called when the first LOI is issued.
func (f *Flow) Ensure(ctx context.Context, userID string, entity credential.EntityRef) error {
	return f.repo.Ensure(ctx, f.q, userID, entity)
}

func (f *Flow) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	return f.repo.ListByUser(ctx, f.q, userID)
}

// Advance applies t on q, which should be the transaction that redeemed the
// credential. Re-applying a step already taken is a no-op success.
func (f *Flow) Advance(ctx context.Context, q db.Querier, t Transition) (Record, error) {
	if err := f.checkTransition(t); err != nil {
		return Record{}, err
	}
	if err := f.repo.Ensure(ctx, q, t.UserID, t.Entity); err != nil {
		return Record{}, err
	}
	current, err := f.repo.GetForUpdate(ctx, q, t.UserID, t.Entity)
	if err != nil {
		return Record{}, err
	}

	next := current
	now := f.now()
	var eventType, topic string

	switch kind := t.Credential.Kind; kind {
	case credential.KindEntityAccess:
		if current.AccessGrantedAt != nil {
			return current, nil
		}
		next.AccessGrantedAt = &now
		eventType, topic = EventAccessGranted, OutboxTopicAccessGranted

	case credential.KindLOI:
		if current.Stage.AtLeast(StageLOISigned) {
			return current, nil
		}
		next.Stage = StageLOISigned
		next.SignedAt = &now
		eventType, topic = EventLOISigned, OutboxTopicLOISigned

	case credential.KindBrokerageContract, credential.KindCooperationContract:
		if current.Stage == StageContractSigned {
			return current, nil
		}
		if current.Stage != StageLOISigned {
			return Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidStageTransition, current.Stage, StageContractSigned)
		}
		next.Stage = StageContractSigned
		next.SignedAt = &now
		next.Template = t.Template
		eventType, topic = EventContractSigned, OutboxTopicContractSigned

	default:
		return Record{}, fmt.Errorf("%w: credential kind %q", ErrInvalidStageTransition, kind)
	}
	if t.Credential.ID != "" {
		next.CredentialID = t.Credential.ID
	}

	updated, err := f.repo.Update(ctx, q, next, current.Stage)
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"user_id":       t.UserID,
		"entity_type":   t.Entity.Type,
		"entity_id":     t.Entity.ID,
		"from_stage":    current.Stage,
		"to_stage":      updated.Stage,
		"credential_id": t.Credential.ID,
		"occurred_at":   now,
	}
	if t.Template != "" {
		payload["template"] = t.Template
	}
	if t.Bypass {
		payload["bypass"] = true
	}
	if err := f.repo.AppendEvent(ctx, q, Event{
		UserID:       t.UserID,
		EntityType:   t.Entity.Type,
		EntityID:     t.Entity.ID,
		Type:         eventType,
		FromStage:    current.Stage,
		ToStage:      updated.Stage,
		CredentialID: t.Credential.ID,
		Payload:      payload,
	}); err != nil {
		return Record{}, err
	}
	if err := f.repo.EnqueueOutbox(ctx, q, topic, payload); err != nil {
		return Record{}, err
	}

	f.logger.Info("contract stage advanced",
		zap.String("user_id", t.UserID),
		zap.String("entity_type", t.Entity.Type),
		zap.String("entity_id", t.Entity.ID),
		zap.String("event", eventType),
		zap.String("from_stage", string(current.Stage)),
		zap.String("to_stage", string(updated.Stage)),
		zap.Bool("bypass", t.Bypass),
	)
	return updated, nil
}

func (f *Flow) checkTransition(t Transition) error {
	if t.UserID == "" || t.Entity.Type == "" || t.Entity.ID == "" {
		return fmt.Errorf("contract: user and entity are required")
	}
	c := t.Credential
	if !t.Bypass && c.ConsumedAt == nil {
		return ErrNotRedeemed
	}
	if c.Entity != nil && *c.Entity != t.Entity {
		return ErrEntityMismatch
	}
	if tmpl, ok := TemplateForKind(c.Kind); ok && tmpl != t.Template {
		return fmt.Errorf("%w: %s code for %q template", ErrTemplateMismatch, c.Kind, t.Template)
	}
	return nil
}
