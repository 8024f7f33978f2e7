package contract

import (
	"context"
	"errors"
	"testing"
	"time"

	"offmarket/credential"
)

var listingRef = credential.EntityRef{Type: "property", ID: "p-1"}

func redeemed(id string, kind credential.Kind) credential.Credential {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	entity := listingRef
	return credential.Credential{ID: id, Kind: kind, Entity: &entity, ConsumedAt: &at}
}

func newTestFlow() (*Flow, *MemoryRepository) {
	repo := NewMemoryRepository()
	return NewFlow(nil, repo, nil), repo
}

func TestAdvance_LOIThenContract(t *testing.T) {
	flow, repo := newTestFlow()
	ctx := context.Background()

	rec, err := flow.Advance(ctx, nil, Transition{UserID: "u1", Entity: listingRef, Credential: redeemed("c-loi", credential.KindLOI)})
	if err != nil {
		t.Fatalf("advance loi: %v", err)
	}
	if rec.Stage != StageLOISigned {
		t.Fatalf("expected loi_signed, got %s", rec.Stage)
	}
	if rec.CredentialID != "c-loi" || rec.SignedAt == nil {
		t.Fatalf("expected credential id and signed_at recorded, got %+v", rec)
	}
	if rec.Entity() != listingRef {
		t.Fatalf("expected record for %+v, got %+v", listingRef, rec.Entity())
	}

	rec, err = flow.Advance(ctx, nil, Transition{
		UserID:     "u1",
		Entity:     listingRef,
		Credential: redeemed("c-brk", credential.KindBrokerageContract),
		Template:   TemplateBrokerage,
	})
	if err != nil {
		t.Fatalf("advance contract: %v", err)
	}
	if rec.Stage != StageContractSigned || rec.Template != TemplateBrokerage {
		t.Fatalf("expected contract_signed with brokerage template, got %+v", rec)
	}

	events := repo.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventLOISigned || events[1].Type != EventContractSigned {
		t.Errorf("unexpected event types %s, %s", events[0].Type, events[1].Type)
	}
	outbox := repo.Outbox()
	if len(outbox) != 2 || outbox[1].Topic != OutboxTopicContractSigned {
		t.Errorf("expected outbox messages per transition, got %+v", outbox)
	}
}

func TestAdvance_ContractBeforeLOIIsRejected(t *testing.T) {
	flow, repo := newTestFlow()

	_, err := flow.Advance(context.Background(), nil, Transition{
		UserID:     "u1",
		Entity:     listingRef,
		Credential: redeemed("c-coop", credential.KindCooperationContract),
		Template:   TemplateCooperation,
	})
	if !errors.Is(err, ErrInvalidStageTransition) {
		t.Fatalf("expected ErrInvalidStageTransition, got %v", err)
	}
	if len(repo.Events()) != 0 {
		t.Errorf("expected no events on rejected transition")
	}
}

func TestAdvance_ResigningIsNoOp(t *testing.T) {
	flow, repo := newTestFlow()
	ctx := context.Background()

	steps := []Transition{
		{UserID: "u1", Entity: listingRef, Credential: redeemed("a", credential.KindLOI)},
		{UserID: "u1", Entity: listingRef, Credential: redeemed("b", credential.KindBrokerageContract), Template: TemplateBrokerage},
		{UserID: "u1", Entity: listingRef, Credential: redeemed("c", credential.KindBrokerageContract), Template: TemplateBrokerage},
		{UserID: "u1", Entity: listingRef, Credential: redeemed("d", credential.KindLOI)},
	}
	var rec Record
	var err error
	for i, step := range steps {
		rec, err = flow.Advance(ctx, nil, step)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if rec.Stage != StageContractSigned {
		t.Fatalf("expected contract_signed to stick, got %s", rec.Stage)
	}
	if rec.CredentialID != "b" {
		t.Errorf("expected no-op steps to leave credential id, got %s", rec.CredentialID)
	}
	if n := len(repo.Events()); n != 2 {
		t.Errorf("expected 2 events, got %d", n)
	}
}

func TestAdvance_NeverRegresses(t *testing.T) {
	kinds := []credential.Kind{
		credential.KindEntityAccess,
		credential.KindLOI,
		credential.KindBrokerageContract,
		credential.KindCooperationContract,
	}
	// Walk every sequence of four kinds.
	for a := range kinds {
		for b := range kinds {
			for c := range kinds {
				for d := range kinds {
					flow, _ := newTestFlow()
					highest := StageNone
					for _, idx := range []int{a, b, c, d} {
						kind := kinds[idx]
						tmpl, _ := TemplateForKind(kind)
						rec, err := flow.Advance(context.Background(), nil, Transition{
							UserID: "u1", Entity: listingRef, Credential: redeemed("x", kind), Template: tmpl,
						})
						if err != nil && !errors.Is(err, ErrInvalidStageTransition) {
							t.Fatalf("unexpected error: %v", err)
						}
						if err == nil {
							if !rec.Stage.AtLeast(highest) {
								t.Fatalf("stage regressed from %s to %s", highest, rec.Stage)
							}
							highest = rec.Stage
						}
					}
				}
			}
		}
	}
}

func TestAdvance_EntityAccessKeepsStage(t *testing.T) {
	flow, _ := newTestFlow()

	rec, err := flow.Advance(context.Background(), nil, Transition{
		UserID: "u1", Entity: listingRef, Credential: redeemed("e", credential.KindEntityAccess),
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if rec.Stage != StageNone {
		t.Errorf("expected stage none, got %s", rec.Stage)
	}
	if rec.AccessGrantedAt == nil {
		t.Errorf("expected access_granted_at to be set")
	}
}

func TestAdvance_Guards(t *testing.T) {
	flow, _ := newTestFlow()
	ctx := context.Background()

	unconsumed := redeemed("u", credential.KindLOI)
	unconsumed.ConsumedAt = nil
	if _, err := flow.Advance(ctx, nil, Transition{UserID: "u1", Entity: listingRef, Credential: unconsumed}); !errors.Is(err, ErrNotRedeemed) {
		t.Errorf("expected ErrNotRedeemed, got %v", err)
	}

	other := credential.EntityRef{Type: "property", ID: "p-2"}
	if _, err := flow.Advance(ctx, nil, Transition{UserID: "u1", Entity: other, Credential: redeemed("x", credential.KindLOI)}); !errors.Is(err, ErrEntityMismatch) {
		t.Errorf("expected ErrEntityMismatch, got %v", err)
	}

	if _, err := flow.Advance(ctx, nil, Transition{
		UserID: "u1", Entity: listingRef, Credential: redeemed("y", credential.KindBrokerageContract), Template: TemplateCooperation,
	}); !errors.Is(err, ErrTemplateMismatch) {
		t.Errorf("expected ErrTemplateMismatch, got %v", err)
	}

	bypass := Transition{UserID: "u1", Entity: listingRef, Credential: credential.Credential{Kind: credential.KindLOI}, Bypass: true}
	rec, err := flow.Advance(ctx, nil, bypass)
	if err != nil {
		t.Fatalf("bypass advance: %v", err)
	}
	if rec.Stage != StageLOISigned {
		t.Errorf("expected bypass to sign loi, got %s", rec.Stage)
	}
}

func TestGet_DefaultsToNone(t *testing.T) {
	flow, _ := newTestFlow()

	rec, err := flow.Get(context.Background(), "u9", listingRef)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Stage != StageNone || rec.UserID != "u9" {
		t.Errorf("unexpected record %+v", rec)
	}
}
