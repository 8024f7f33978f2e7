package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"offmarket/auth"
	"offmarket/contract"
	"offmarket/credential"
	"offmarket/disclosure"
)

// accessResponse acknowledges a code request. Entity codes travel only
// through the notification channel.
type accessResponse struct {
	Kind      string     `json:"kind"`
	ExpiresAt *time.Time `json:"expires_at"`
	Reused    bool       `json:"reused"`
}

type confirmAccessRequest struct {
	Code       string `json:"code"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
}

type contractRequest struct {
	Template string `json:"template"`
}

type confirmContractRequest struct {
	Code     string `json:"code"`
	Template string `json:"template"`
}

type contractRecordResponse struct {
	EntityType      string     `json:"entity_type"`
	EntityID        string     `json:"entity_id"`
	Stage           string     `json:"stage"`
	Template        string     `json:"template,omitempty"`
	SignedAt        *time.Time `json:"signed_at,omitempty"`
	AccessGrantedAt *time.Time `json:"access_granted_at,omitempty"`
}

type issueKeyRequest struct {
	Label     string `json:"label"`
	RateLimit int    `json:"rate_limit"`
}

type issueResponse struct {
	ID        string     `json:"id"`
	Code      string     `json:"code"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func newAccessResponse(a disclosure.Access) accessResponse {
	return accessResponse{
		Kind:      string(a.Credential.Kind),
		ExpiresAt: a.Credential.ExpiresAt,
		Reused:    a.Reused,
	}
}

func entityFromPath(r *http.Request) credential.EntityRef {
	return credential.EntityRef{Type: chi.URLParam(r, "entityType"), ID: chi.URLParam(r, "id")}
}

func (s *Server) handleRequestAccess(w http.ResponseWriter, r *http.Request) {
	a, err := s.gate.RequestAccess(r.Context(), viewerFromContext(r.Context()), entityFromPath(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newAccessResponse(a))
}

func (s *Server) handleConfirmAccess(w http.ResponseWriter, r *http.Request) {
	var req confirmAccessRequest
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeBadRequest(w, "code is required")
		return
	}
	var ref *credential.EntityRef
	if req.EntityType != "" || req.EntityID != "" {
		ref = &credential.EntityRef{Type: req.EntityType, ID: req.EntityID}
	}
	rec, err := s.gate.ConfirmAccess(r.Context(), viewerFromContext(r.Context()), req.Code, ref)
	if err != nil {
		s.writeRedeemError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redeemResponse{Success: true, Stage: string(rec.Stage)})
}

func (s *Server) handleRequestContract(w http.ResponseWriter, r *http.Request) {
	var req contractRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	a, err := s.gate.RequestContract(r.Context(), viewerFromContext(r.Context()), entityFromPath(r), contract.Template(req.Template))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newAccessResponse(a))
}

func (s *Server) handleConfirmContract(w http.ResponseWriter, r *http.Request) {
	var req confirmContractRequest
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeBadRequest(w, "code and template are required")
		return
	}
	rec, err := s.gate.ConfirmContract(r.Context(), viewerFromContext(r.Context()), req.Code, contract.Template(req.Template))
	if err != nil {
		s.writeRedeemError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redeemResponse{Success: true, Stage: string(rec.Stage)})
}

func (s *Server) handleMyContracts(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	recs, err := s.contractService.ListByUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]contractRecordResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, contractRecordResponse{
			EntityType:      rec.EntityType,
			EntityID:        rec.EntityID,
			Stage:           string(rec.Stage),
			Template:        string(rec.Template),
			SignedAt:        rec.SignedAt,
			AccessGrantedAt: rec.AccessGrantedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// handleIssueAPIKey is the one place a code is returned to the caller.
func (s *Server) handleIssueAPIKey(w http.ResponseWriter, r *http.Request) {
	userID, role := userFromContext(r.Context())
	if role != auth.RoleAgent {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "only agents hold api keys", ErrorKind: "forbidden"})
		return
	}
	var req issueKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.RateLimit < 0 {
		writeBadRequest(w, "rate_limit must not be negative")
		return
	}
	c, err := s.credentialService.Issue(r.Context(), credential.IssueParams{
		Kind:          credential.KindAPIKey,
		SubjectUserID: userID,
		Label:         req.Label,
		RateLimit:     req.RateLimit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueResponse{ID: c.ID, Code: c.Code, ExpiresAt: c.ExpiresAt})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	userID, role := userFromContext(r.Context())
	c, err := s.credentialService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Other users' keys look absent.
	if c.Kind != credential.KindAPIKey || (c.SubjectUserID != userID && role != auth.RoleAdmin) {
		s.writeError(w, r, credential.ErrNotFound)
		return
	}
	if _, err := s.credentialService.Invalidate(r.Context(), credential.InvalidateParams{
		Kinds: []credential.Kind{credential.KindAPIKey},
		ID:    c.ID,
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
