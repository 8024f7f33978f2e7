package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"offmarket/auth"
	"offmarket/disclosure"
	"offmarket/importer"
	"offmarket/listing"
	"offmarket/match"
)

type propertyResponse struct {
	Property listing.PropertyView `json:"property"`
	Access   disclosure.Decision  `json:"access"`
}

type demandResponse struct {
	Demand listing.DemandView  `json:"demand"`
	Access disclosure.Decision `json:"access"`
}

type demandRequest struct {
	Requirements  json.RawMessage       `json:"requirements"`
	CommonFilters listing.CommonFilters `json:"common_filters"`
	Locations     []listing.Location    `json:"locations"`
	Contact       listing.Contact       `json:"contact"`
	Note          string                `json:"note"`
	ValidUntil    *time.Time            `json:"valid_until"`
}

type statusRequest struct {
	Status string `json:"status"`
}

// handleCreateProperty accepts the same fields as one import row.
func (s *Server) handleCreateProperty(w http.ResponseWriter, r *http.Request) {
	userID, role := userFromContext(r.Context())
	if role != auth.RoleAgent && role != auth.RoleAdmin {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "only agents list properties", ErrorKind: "forbidden"})
		return
	}
	var row importer.Row
	if err := decodeJSON(r, &row); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	p, err := s.listingService.CreateProperty(r.Context(), row.Property(userID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing.ViewProperty(p, true))
}

func (s *Server) handleMyProperties(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	props, err := s.listingService.ListPropertiesByAgent(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]listing.PropertyView, 0, len(props))
	for _, p := range props {
		items = append(items, listing.ViewProperty(p, true))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	view, d, err := s.gate.ViewProperty(r.Context(), viewerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, propertyResponse{Property: view, Access: d})
}

func (s *Server) handlePropertyStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil || req.Status == "" {
		writeBadRequest(w, "status is required")
		return
	}
	p, err := s.listingService.SetPropertyStatus(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"), listing.PropertyStatus(req.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing.ViewProperty(p, true))
}

func (s *Server) handlePropertyMatches(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	p, err := s.listingService.GetProperty(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !actor.Admin && p.AgentID != actor.UserID {
		s.writeError(w, r, listing.ErrForbidden)
		return
	}
	recs, err := s.matchService.ListForProperty(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeMatches(w, recs)
}

func (s *Server) handleCreateDemand(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	var req demandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	reqs, err := listing.DecodeRequirements(req.Requirements)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.listingService.CreateDemand(r.Context(), listing.Demand{
		ClientID:      userID,
		Requirements:  reqs,
		CommonFilters: req.CommonFilters,
		Locations:     req.Locations,
		Contact:       req.Contact,
		Note:          req.Note,
		ValidUntil:    req.ValidUntil,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeDemand(w, r, http.StatusCreated, d)
}

func (s *Server) handleMyDemands(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	demands, err := s.listingService.ListDemandsByClient(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]listing.DemandView, 0, len(demands))
	for _, d := range demands {
		v, err := listing.ViewDemand(d, true)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		items = append(items, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleGetDemand(w http.ResponseWriter, r *http.Request) {
	view, d, err := s.gate.ViewDemand(r.Context(), viewerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, demandResponse{Demand: view, Access: d})
}

func (s *Server) handleDemandStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil || req.Status == "" {
		writeBadRequest(w, "status is required")
		return
	}
	d, err := s.listingService.SetDemandStatus(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"), listing.DemandStatus(req.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeDemand(w, r, http.StatusOK, d)
}

func (s *Server) handleDemandMatches(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	d, err := s.listingService.GetDemand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !actor.Admin && d.ClientID != actor.UserID {
		s.writeError(w, r, listing.ErrForbidden)
		return
	}
	recs, err := s.matchService.ListForDemand(r.Context(), d.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeMatches(w, recs)
}

func (s *Server) handleUpdateMatch(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil || req.Status == "" {
		writeBadRequest(w, "status is required")
		return
	}
	rec, err := s.matchService.UpdateStatus(r.Context(), actorFromContext(r.Context()), chi.URLParam(r, "id"), match.Status(req.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleApproveProperty(w http.ResponseWriter, r *http.Request) {
	p, err := s.listingService.ApproveProperty(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing.ViewProperty(p, true))
}

func (s *Server) handleApproveDemand(w http.ResponseWriter, r *http.Request) {
	d, err := s.listingService.ApproveDemand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeDemand(w, r, http.StatusOK, d)
}

func (s *Server) writeDemand(w http.ResponseWriter, r *http.Request, status int, d listing.Demand) {
	v, err := listing.ViewDemand(d, true)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("render demand: %w", err))
		return
	}
	writeJSON(w, status, v)
}

// writeMatches returns records ranked by score, best first.
func writeMatches(w http.ResponseWriter, recs []match.Record) {
	if recs == nil {
		recs = []match.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs, "total": len(recs)})
}
