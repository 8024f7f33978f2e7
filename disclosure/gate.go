// Package disclosure decides whether a viewer sees the full or the redacted
// listing, and runs the access-code and contract-code flows that unlock it.
package disclosure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"offmarket/config"
	"offmarket/contract"
	"offmarket/credential"
	"offmarket/db"
	"offmarket/listing"
	"offmarket/notify"
	"offmarket/obs"
)

var (
	// ErrAlreadyGranted is returned when the viewer already has what they ask for.
	ErrAlreadyGranted = errors.New("disclosure: already granted")
	// ErrEntityRequired is returned when an operation cannot infer the entity.
	ErrEntityRequired = errors.New("disclosure: entity required")
	// ErrUnsupportedEntity is returned for entity types other than property and demand.
	ErrUnsupportedEntity = errors.New("disclosure: unsupported entity type")
	// ErrInvalidTemplate is returned for unknown contract templates.
	ErrInvalidTemplate = errors.New("disclosure: invalid contract template")
)

type Level string

const (
	LevelFull     Level = "full"
	LevelRedacted Level = "redacted"
)

// Call-to-action hints returned with redacted decisions.
const (
	ActionRequestAccess = "request_access"
	ActionSignContract  = "sign_contract"
)

// Viewer is the authenticated user asking to see an entity.
type Viewer struct {
	UserID string
	Admin  bool
}

type Decision struct {
	Level        Level          `json:"level"`
	Reason       string         `json:"reason,omitempty"`
	CallToAction string         `json:"call_to_action,omitempty"`
	Stage        contract.Stage `json:"stage"`
}

func (d Decision) Full() bool { return d.Level == LevelFull }

// Access is a credential handed to the viewer; Reused is true when a live
// code was returned instead of minting a new one.
type Access struct {
	Credential credential.Credential
	Reused     bool
}

type Listings interface {
	GetProperty(ctx context.Context, id string) (listing.Property, error)
	GetDemand(ctx context.Context, id string) (listing.Demand, error)
}

type Credentials interface {
	Issue(ctx context.Context, p credential.IssueParams) (credential.Credential, error)
	FindLive(ctx context.Context, q credential.LiveQuery) (credential.Credential, error)
	RedeemTx(ctx context.Context, q db.Querier, p credential.RedeemParams) (credential.Credential, error)
}

var accessKinds = []credential.Kind{credential.KindEntityAccess, credential.KindLOI}

type Gate struct {
	pool        db.TxBeginner
	listings    Listings
	credentials Credentials
	flow        *contract.Flow
	notifier    *notify.Notifier
	cfg         config.Core
	now         func() time.Time
	logger      *zap.Logger
}

func NewGate(pool db.TxBeginner, listings Listings, credentials Credentials, flow *contract.Flow, notifier *notify.Notifier, cfg config.Core, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SkipCodeVerification {
		logger.Error("code verification is disabled; any access code will be accepted")
	}
	return &Gate{
		pool:        pool,
		listings:    listings,
		credentials: credentials,
		flow:        flow,
		notifier:    notifier,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

func (g *Gate) WithClock(now func() time.Time) *Gate {
	if now != nil {
		g.now = now
	}
	return g
}

// CanView applies, in order: owner, admin (unless strict), contract stage.
func (g *Gate) CanView(ctx context.Context, v Viewer, ref credential.EntityRef) (Decision, error) {
	owner, err := g.ownerOf(ctx, ref)
	if err != nil {
		return Decision{}, err
	}
	return g.decide(ctx, v, ref, owner)
}

func (g *Gate) decide(ctx context.Context, v Viewer, ref credential.EntityRef, owner string) (Decision, error) {
	if v.UserID != "" && v.UserID == owner {
		return Decision{Level: LevelFull, Reason: "owner", Stage: contract.StageNone}, nil
	}
	if v.Admin && !g.cfg.StrictAdminLOI {
		return Decision{Level: LevelFull, Reason: "admin", Stage: contract.StageNone}, nil
	}

	rec, err := g.flow.Get(ctx, v.UserID, ref)
	if err != nil {
		return Decision{}, err
	}
	required := g.requiredStage(ref)
	if rec.Stage.AtLeast(required) {
		return Decision{Level: LevelFull, Reason: "contract", Stage: rec.Stage}, nil
	}
	if !g.cfg.RequireLOI && required == contract.StageLOISigned && rec.AccessGrantedAt != nil {
		return Decision{Level: LevelFull, Reason: "access_granted", Stage: rec.Stage}, nil
	}

	action := ActionRequestAccess
	if rec.Stage == contract.StageLOISigned {
		action = ActionSignContract
	}
	return Decision{Level: LevelRedacted, CallToAction: action, Stage: rec.Stage}, nil
}

func (g *Gate) requiredStage(ref credential.EntityRef) contract.Stage {
	if g.cfg.RequireBrokerageContract && ref.Type == listing.EntityProperty {
		return contract.StageContractSigned
	}
	return contract.StageLOISigned
}

// ViewProperty loads a property and applies the viewer's decision to it.
func (g *Gate) ViewProperty(ctx context.Context, v Viewer, id string) (listing.PropertyView, Decision, error) {
	p, err := g.listings.GetProperty(ctx, id)
	if err != nil {
		return listing.PropertyView{}, Decision{}, err
	}
	d, err := g.decide(ctx, v, credential.EntityRef{Type: listing.EntityProperty, ID: id}, p.AgentID)
	if err != nil {
		return listing.PropertyView{}, Decision{}, err
	}
	return listing.ViewProperty(p, d.Full()), d, nil
}

// ViewDemand loads a demand and applies the viewer's decision to it.
func (g *Gate) ViewDemand(ctx context.Context, v Viewer, id string) (listing.DemandView, Decision, error) {
	dm, err := g.listings.GetDemand(ctx, id)
	if err != nil {
		return listing.DemandView{}, Decision{}, err
	}
	d, err := g.decide(ctx, v, credential.EntityRef{Type: listing.EntityDemand, ID: id}, dm.ClientID)
	if err != nil {
		return listing.DemandView{}, Decision{}, err
	}
	view, err := listing.ViewDemand(dm, d.Full())
	if err != nil {
		return listing.DemandView{}, Decision{}, err
	}
	return view, d, nil
}

// RequestAccess hands the viewer an access code for ref, reusing a live one
// when it exists. The code is an LOI when LOI signing is required.
func (g *Gate) RequestAccess(ctx context.Context, v Viewer, ref credential.EntityRef) (Access, error) {
	decision, err := g.CanView(ctx, v, ref)
	if err != nil {
		return Access{}, err
	}
	if decision.Full() || decision.Stage.AtLeast(contract.StageLOISigned) {
		return Access{}, ErrAlreadyGranted
	}

	kind := credential.KindEntityAccess
	if g.cfg.RequireLOI {
		kind = credential.KindLOI
	}
	access, err := g.issueOrReuse(ctx, v, ref, kind, accessKinds)
	if err != nil {
		return Access{}, err
	}
	if access.Credential.Kind == credential.KindLOI {
		if err := g.flow.Ensure(ctx, v.UserID, ref); err != nil {
			return Access{}, err
		}
	}

	g.notifier.Send(ctx, notify.Payload{
		RecipientUserID: v.UserID,
		TemplateKey:     notify.TemplateAccessCode,
		Variables:       codeVariables(access.Credential, ref),
	})
	return access, nil
}

// ConfirmAccess redeems an access or LOI code and advances the contract
// record in one transaction. ref may be nil; the code determines the entity.
func (g *Gate) ConfirmAccess(ctx context.Context, v Viewer, code string, ref *credential.EntityRef) (contract.Record, error) {
	var rec contract.Record
	err := db.InTx(ctx, g.pool, func(tx pgx.Tx) error {
		c, err := g.credentials.RedeemTx(ctx, tx, credential.RedeemParams{
			Code:          code,
			Kinds:         accessKinds,
			SubjectUserID: v.UserID,
		})
		if err != nil {
			if g.cfg.SkipCodeVerification && credential.OutcomeOf(err) != credential.OutcomeError {
				rec, err = g.bypass(ctx, tx, v, ref, err)
			}
			return err
		}
		if ref != nil && c.Entity != nil && *c.Entity != *ref {
			return contract.ErrEntityMismatch
		}
		rec, err = g.flow.Advance(ctx, tx, contract.Transition{
			UserID:     v.UserID,
			Entity:     *c.Entity,
			Credential: c,
		})
		return err
	})
	if err != nil {
		return contract.Record{}, err
	}
	return rec, nil
}

// bypass signs the access step without a valid code. It only runs when
// code verification is switched off and it is always logged at error level.
func (g *Gate) bypass(ctx context.Context, q db.Querier, v Viewer, ref *credential.EntityRef, cause error) (contract.Record, error) {
	if ref == nil || ref.IsZero() {
		return contract.Record{}, ErrEntityRequired
	}
	if _, err := g.ownerOf(ctx, *ref); err != nil {
		return contract.Record{}, err
	}
	kind := credential.KindEntityAccess
	if g.cfg.RequireLOI {
		kind = credential.KindLOI
	}

	obs.DisclosureBypass.Inc()
	g.logger.Error("access granted without code verification",
		zap.String("user_id", v.UserID),
		zap.String("entity_type", ref.Type),
		zap.String("entity_id", ref.ID),
		zap.String("redeem_outcome", string(credential.OutcomeOf(cause))),
	)

	now := g.now()
	return g.flow.Advance(ctx, q, contract.Transition{
		UserID:     v.UserID,
		Entity:     *ref,
		Credential: credential.Credential{Kind: kind, Entity: ref, ConsumedAt: &now},
		Bypass:     true,
	})
}

// RequestContract hands the viewer a signing code for tmpl. The viewer must
// have signed the LOI.
func (g *Gate) RequestContract(ctx context.Context, v Viewer, ref credential.EntityRef, tmpl contract.Template) (Access, error) {
	if !tmpl.Valid() {
		return Access{}, fmt.Errorf("%w: %q", ErrInvalidTemplate, tmpl)
	}
	if _, err := g.ownerOf(ctx, ref); err != nil {
		return Access{}, err
	}
	rec, err := g.flow.Get(ctx, v.UserID, ref)
	if err != nil {
		return Access{}, err
	}
	switch rec.Stage {
	case contract.StageContractSigned:
		return Access{}, ErrAlreadyGranted
	case contract.StageNone:
		return Access{}, fmt.Errorf("%w: loi not signed", contract.ErrInvalidStageTransition)
	}

	access, err := g.issueOrReuse(ctx, v, ref, tmpl.Kind(), []credential.Kind{tmpl.Kind()})
	if err != nil {
		return Access{}, err
	}
	vars := codeVariables(access.Credential, ref)
	vars["template"] = string(tmpl)
	g.notifier.Send(ctx, notify.Payload{
		RecipientUserID: v.UserID,
		TemplateKey:     notify.TemplateContractSigning,
		Variables:       vars,
	})
	return access, nil
}

// ConfirmContract redeems a contract code and moves the record to
// contract_signed. Signing again is a no-op.
func (g *Gate) ConfirmContract(ctx context.Context, v Viewer, code string, tmpl contract.Template) (contract.Record, error) {
	if !tmpl.Valid() {
		return contract.Record{}, fmt.Errorf("%w: %q", ErrInvalidTemplate, tmpl)
	}
	var rec contract.Record
	err := db.InTx(ctx, g.pool, func(tx pgx.Tx) error {
		c, err := g.credentials.RedeemTx(ctx, tx, credential.RedeemParams{
			Code:          code,
			Kinds:         []credential.Kind{tmpl.Kind()},
			SubjectUserID: v.UserID,
		})
		if err != nil {
			return err
		}
		rec, err = g.flow.Advance(ctx, tx, contract.Transition{
			UserID:     v.UserID,
			Entity:     *c.Entity,
			Credential: c,
			Template:   tmpl,
		})
		return err
	})
	if err != nil {
		return contract.Record{}, err
	}
	return rec, nil
}

func (g *Gate) issueOrReuse(ctx context.Context, v Viewer, ref credential.EntityRef, kind credential.Kind, reusable []credential.Kind) (Access, error) {
	entity := ref
	live, err := g.credentials.FindLive(ctx, credential.LiveQuery{
		Kinds:         reusable,
		SubjectUserID: v.UserID,
		Entity:        &entity,
	})
	if err == nil {
		return Access{Credential: live, Reused: true}, nil
	}
	if !errors.Is(err, credential.ErrNotFound) {
		return Access{}, err
	}

	c, err := g.credentials.Issue(ctx, credential.IssueParams{
		Kind:          kind,
		SubjectUserID: v.UserID,
		Entity:        &entity,
	})
	if err != nil {
		return Access{}, err
	}
	return Access{Credential: c}, nil
}

func (g *Gate) ownerOf(ctx context.Context, ref credential.EntityRef) (string, error) {
	switch ref.Type {
	case listing.EntityProperty:
		p, err := g.listings.GetProperty(ctx, ref.ID)
		if err != nil {
			return "", err
		}
		return p.AgentID, nil
	case listing.EntityDemand:
		d, err := g.listings.GetDemand(ctx, ref.ID)
		if err != nil {
			return "", err
		}
		return d.ClientID, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEntity, ref.Type)
	}
}

func codeVariables(c credential.Credential, ref credential.EntityRef) map[string]string {
	vars := map[string]string{
		"code":        c.Code,
		"kind":        string(c.Kind),
		"entity_type": ref.Type,
		"entity_id":   ref.ID,
		"expires_at":  "",
	}
	if c.ExpiresAt != nil {
		vars["expires_at"] = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return vars
}
