package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"offmarket/auth"
	"offmarket/config"
	"offmarket/contract"
	"offmarket/credential"
	"offmarket/disclosure"
	"offmarket/importer"
	"offmarket/listing"
	"offmarket/match"
	"offmarket/obs"
	"offmarket/ratelimit"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	Approve(ctx context.Context, userID string) (credential.Credential, error)
	ConfirmRegistration(ctx context.Context, req auth.ConfirmRegistrationRequest) (auth.User, error)
	ListPending(ctx context.Context) ([]auth.User, error)
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, req auth.ResetPasswordRequest) error
}

type listingService interface {
	CreateProperty(ctx context.Context, p listing.Property) (listing.Property, error)
	GetProperty(ctx context.Context, id string) (listing.Property, error)
	ListPropertiesByAgent(ctx context.Context, agentID string) ([]listing.Property, error)
	ApproveProperty(ctx context.Context, id string) (listing.Property, error)
	SetPropertyStatus(ctx context.Context, actor listing.Actor, id string, status listing.PropertyStatus) (listing.Property, error)
	CreateDemand(ctx context.Context, d listing.Demand) (listing.Demand, error)
	GetDemand(ctx context.Context, id string) (listing.Demand, error)
	ListDemandsByClient(ctx context.Context, clientID string) ([]listing.Demand, error)
	ApproveDemand(ctx context.Context, id string) (listing.Demand, error)
	SetDemandStatus(ctx context.Context, actor listing.Actor, id string, status listing.DemandStatus) (listing.Demand, error)
}

type disclosureGate interface {
	ViewProperty(ctx context.Context, v disclosure.Viewer, id string) (listing.PropertyView, disclosure.Decision, error)
	ViewDemand(ctx context.Context, v disclosure.Viewer, id string) (listing.DemandView, disclosure.Decision, error)
	RequestAccess(ctx context.Context, v disclosure.Viewer, ref credential.EntityRef) (disclosure.Access, error)
	ConfirmAccess(ctx context.Context, v disclosure.Viewer, code string, ref *credential.EntityRef) (contract.Record, error)
	RequestContract(ctx context.Context, v disclosure.Viewer, ref credential.EntityRef, tmpl contract.Template) (disclosure.Access, error)
	ConfirmContract(ctx context.Context, v disclosure.Viewer, code string, tmpl contract.Template) (contract.Record, error)
}

type matchService interface {
	ListForDemand(ctx context.Context, demandID string) ([]match.Record, error)
	ListForProperty(ctx context.Context, propertyID string) ([]match.Record, error)
	UpdateStatus(ctx context.Context, actor listing.Actor, id string, status match.Status) (match.Record, error)
}

type contractService interface {
	ListByUser(ctx context.Context, userID string) ([]contract.Record, error)
}

type credentialService interface {
	Issue(ctx context.Context, p credential.IssueParams) (credential.Credential, error)
	Get(ctx context.Context, id string) (credential.Credential, error)
	Invalidate(ctx context.Context, p credential.InvalidateParams) (int64, error)
}

type importService interface {
	Authorize(ctx context.Context, token string) (credential.Credential, ratelimit.Decision, error)
	Import(ctx context.Context, key credential.Credential, format importer.Format, data []byte) (importer.Result, error)
}

// Server holds the HTTP handlers. Each dependency is an interface so
// handlers can be tested against stubs.
type Server struct {
	authService       authService
	listingService    listingService
	gate              disclosureGate
	matchService      matchService
	contractService   contractService
	credentialService credentialService
	importService     importService
	logger            *zap.Logger
}

func (s *Server) routes(cfg config.HTTPConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(obs.Instrument(routePattern))
	r.Use(newIPLimiter(cfg.IPRatePerSecond, cfg.IPRateBurst).middleware)
	r.Use(maxBodyBytes(cfg.MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", obs.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/register", s.handleRegister)
		api.Post("/auth/login", s.handleLogin)
		api.Post("/auth/confirm", s.handleConfirmRegistration)
		api.Post("/auth/password-reset", s.handleRequestPasswordReset)
		api.Post("/auth/password-reset/confirm", s.handleResetPassword)

		api.Get("/import/template", s.handleImportTemplate)
		api.With(s.requireAPIKey).Post("/import/properties", s.handleImport)

		api.Group(func(p chi.Router) {
			p.Use(s.requireUser)

			p.Post("/properties", s.handleCreateProperty)
			p.Get("/properties", s.handleMyProperties)
			p.Get("/properties/{id}", s.handleGetProperty)
			p.Patch("/properties/{id}/status", s.handlePropertyStatus)
			p.Get("/properties/{id}/matches", s.handlePropertyMatches)

			p.Post("/demands", s.handleCreateDemand)
			p.Get("/demands", s.handleMyDemands)
			p.Get("/demands/{id}", s.handleGetDemand)
			p.Patch("/demands/{id}/status", s.handleDemandStatus)
			p.Get("/demands/{id}/matches", s.handleDemandMatches)

			p.Patch("/matches/{id}", s.handleUpdateMatch)

			p.Post("/access/confirm", s.handleConfirmAccess)
			p.Post("/access/{entityType}/{id}", s.handleRequestAccess)
			p.Post("/contracts/confirm", s.handleConfirmContract)
			p.Post("/contracts/{entityType}/{id}", s.handleRequestContract)
			p.Get("/me", s.handleMe)
			p.Get("/me/contracts", s.handleMyContracts)

			p.Post("/api-keys", s.handleIssueAPIKey)
			p.Delete("/api-keys/{id}", s.handleRevokeAPIKey)

			p.Group(func(a chi.Router) {
				a.Use(requireRole(auth.RoleAdmin))
				a.Get("/admin/users/pending", s.handlePendingUsers)
				a.Post("/admin/users/{id}/approve", s.handleApproveUser)
				a.Post("/admin/properties/{id}/approve", s.handleApproveProperty)
				a.Post("/admin/demands/{id}/approve", s.handleApproveDemand)
			})
		})
	})
	return r
}

// routePattern labels metrics with the matched chi pattern instead of the
// raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
