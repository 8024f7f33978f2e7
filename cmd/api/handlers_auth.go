package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"offmarket/auth"
)

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

func newUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		Status:    string(u.Status),
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: res.Token, User: newUserResponse(res.User)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r.Context())
	user, err := s.authService.GetUserByID(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(*user))
}

func (s *Server) handleConfirmRegistration(w http.ResponseWriter, r *http.Request) {
	var req auth.ConfirmRegistrationRequest
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeBadRequest(w, "email and code are required")
		return
	}
	if _, err := s.authService.ConfirmRegistration(r.Context(), req); err != nil {
		s.writeRedeemError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redeemResponse{Success: true})
}

func (s *Server) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Email == "" {
		writeBadRequest(w, "email is required")
		return
	}
	if err := s.authService.RequestPasswordReset(r.Context(), req.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Same answer whether or not the address is registered.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req auth.ResetPasswordRequest
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeBadRequest(w, "email, code and new_password are required")
		return
	}
	if err := s.authService.ResetPassword(r.Context(), req); err != nil {
		s.writeRedeemError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redeemResponse{Success: true})
}

func (s *Server) handlePendingUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.authService.ListPending(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]userResponse, 0, len(users))
	for _, u := range users {
		items = append(items, newUserResponse(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// handleApproveUser mails a fresh registration code; the code itself is not
// part of the response.
func (s *Server) handleApproveUser(w http.ResponseWriter, r *http.Request) {
	c, err := s.authService.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    c.SubjectUserID,
		"expires_at": c.ExpiresAt,
	})
}
