package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"offmarket/credential"
	"offmarket/ids"
)

var ErrForbidden = errors.New("listing: forbidden")

// Actor is the user changing a listing.
type Actor struct {
	UserID string
	Admin  bool
}

// Hook is notified when a listing becomes eligible for matching.
type Hook interface {
	OnNewProperty(ctx context.Context, p Property) error
	OnNewDemand(ctx context.Context, d Demand) error
}

// Revoker expires outstanding credentials for a listing that left the
// market.
type Revoker interface {
	Invalidate(ctx context.Context, p credential.InvalidateParams) (int64, error)
}

// disclosureKinds are the credentials tied to a listing.
var disclosureKinds = []credential.Kind{
	credential.KindEntityAccess,
	credential.KindLOI,
	credential.KindBrokerageContract,
	credential.KindCooperationContract,
}

type Service struct {
	repo    Repository
	hook    Hook
	revoker Revoker
	now     func() time.Time
	logger  *zap.Logger
}

func NewService(repo Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

func (s *Service) WithHook(h Hook) *Service {
	s.hook = h
	return s
}

func (s *Service) WithRevoker(r Revoker) *Service {
	s.revoker = r
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateProperty stores a new listing awaiting admin approval.
func (s *Service) CreateProperty(ctx context.Context, p Property) (Property, error) {
	if p.ID == "" {
		p.ID = ids.NewUUID()
	}
	if p.Status == "" {
		p.Status = PropertyActive
	}
	p.Approved = false
	if err := p.Validate(); err != nil {
		return Property{}, err
	}
	return s.repo.CreateProperty(ctx, p)
}

func (s *Service) GetProperty(ctx context.Context, id string) (Property, error) {
	return s.repo.GetProperty(ctx, id)
}

func (s *Service) ListPropertiesByAgent(ctx context.Context, agentID string) ([]Property, error) {
	return s.repo.ListPropertiesByAgent(ctx, agentID)
}

// ApproveProperty publishes the listing and runs matching against demands.
func (s *Service) ApproveProperty(ctx context.Context, id string) (Property, error) {
	p, err := s.repo.ApproveProperty(ctx, id)
	if err != nil {
		return Property{}, err
	}
	s.propertyChanged(ctx, p)
	return p, nil
}

// SetPropertyStatus moves a listing between active, reserved, sold and
// archived. Leaving active revokes outstanding access codes.
func (s *Service) SetPropertyStatus(ctx context.Context, actor Actor, id string, status PropertyStatus) (Property, error) {
	if !status.Valid() {
		return Property{}, fmt.Errorf("%w: status %q", ErrInvalid, status)
	}
	current, err := s.repo.GetProperty(ctx, id)
	if err != nil {
		return Property{}, err
	}
	if !actor.Admin && actor.UserID != current.AgentID {
		return Property{}, ErrForbidden
	}
	p, err := s.repo.SetPropertyStatus(ctx, id, status)
	if err != nil {
		return Property{}, err
	}
	if status != PropertyActive {
		s.revoke(ctx, EntityProperty, id)
	} else if current.Status != PropertyActive {
		s.propertyChanged(ctx, p)
	}
	return p, nil
}

func (s *Service) propertyChanged(ctx context.Context, p Property) {
	if s.hook == nil || !p.Approved || p.Status != PropertyActive {
		return
	}
	if err := s.hook.OnNewProperty(ctx, p); err != nil {
		s.logger.Warn("property matching failed", zap.String("property_id", p.ID), zap.Error(err))
	}
}

// CreateDemand stores a new demand awaiting admin approval.
func (s *Service) CreateDemand(ctx context.Context, d Demand) (Demand, error) {
	if d.ID == "" {
		d.ID = ids.NewUUID()
	}
	if d.Status == "" {
		d.Status = DemandActive
	}
	d.Approved = false
	if err := d.Validate(); err != nil {
		return Demand{}, err
	}
	return s.repo.CreateDemand(ctx, d)
}

func (s *Service) GetDemand(ctx context.Context, id string) (Demand, error) {
	return s.repo.GetDemand(ctx, id)
}

func (s *Service) ListDemandsByClient(ctx context.Context, clientID string) ([]Demand, error) {
	return s.repo.ListDemandsByClient(ctx, clientID)
}

func (s *Service) ApproveDemand(ctx context.Context, id string) (Demand, error) {
	d, err := s.repo.ApproveDemand(ctx, id)
	if err != nil {
		return Demand{}, err
	}
	s.demandChanged(ctx, d)
	return d, nil
}

// SetDemandStatus is owner driven; fulfilling one requirement never flips
// the demand on its own.
func (s *Service) SetDemandStatus(ctx context.Context, actor Actor, id string, status DemandStatus) (Demand, error) {
	if !status.Valid() {
		return Demand{}, fmt.Errorf("%w: status %q", ErrInvalid, status)
	}
	current, err := s.repo.GetDemand(ctx, id)
	if err != nil {
		return Demand{}, err
	}
	if !actor.Admin && actor.UserID != current.ClientID {
		return Demand{}, ErrForbidden
	}
	d, err := s.repo.SetDemandStatus(ctx, id, status)
	if err != nil {
		return Demand{}, err
	}
	if status != DemandActive {
		s.revoke(ctx, EntityDemand, id)
	} else if current.Status != DemandActive {
		s.demandChanged(ctx, d)
	}
	return d, nil
}

func (s *Service) demandChanged(ctx context.Context, d Demand) {
	if s.hook == nil || !d.Approved || !d.Matchable(s.now()) {
		return
	}
	if err := s.hook.OnNewDemand(ctx, d); err != nil {
		s.logger.Warn("demand matching failed", zap.String("demand_id", d.ID), zap.Error(err))
	}
}

func (s *Service) revoke(ctx context.Context, entityType, id string) {
	if s.revoker == nil {
		return
	}
	_, err := s.revoker.Invalidate(ctx, credential.InvalidateParams{
		Kinds:  disclosureKinds,
		Entity: &credential.EntityRef{Type: entityType, ID: id},
	})
	if err != nil {
		s.logger.Error("revoke listing credentials failed",
			zap.String("entity_type", entityType), zap.String("entity_id", id), zap.Error(err))
	}
}
