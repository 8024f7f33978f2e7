package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"offmarket/auth"
	"offmarket/contract"
	"offmarket/credential"
	"offmarket/disclosure"
	"offmarket/importer"
	"offmarket/listing"
	"offmarket/match"
	"offmarket/ratelimit"
)

type errorResponse struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
}

// redeemResponse is returned by every endpoint that consumes a code.
type redeemResponse struct {
	Success   bool   `json:"success"`
	Stage     string `json:"stage,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// classifyError maps domain errors to an HTTP status and a stable
// error_kind string.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, credential.ErrNotFound),
		errors.Is(err, listing.ErrNotFound),
		errors.Is(err, match.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, string(credential.OutcomeNotFound)
	case errors.Is(err, credential.ErrExpired):
		return http.StatusGone, string(credential.OutcomeExpired)
	case errors.Is(err, credential.ErrAlreadyConsumed):
		return http.StatusConflict, string(credential.OutcomeAlreadyConsumed)
	case errors.Is(err, credential.ErrSubjectMismatch):
		return http.StatusForbidden, string(credential.OutcomeSubjectMismatch)
	case errors.Is(err, contract.ErrInvalidStageTransition):
		return http.StatusConflict, "invalid_stage_transition"
	case errors.Is(err, contract.ErrEntityMismatch),
		errors.Is(err, contract.ErrTemplateMismatch):
		return http.StatusUnprocessableEntity, "credential_mismatch"
	case errors.Is(err, contract.ErrStaleRecord):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, ratelimit.ErrNotAPIKey):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, disclosure.ErrAlreadyGranted):
		return http.StatusConflict, "already_granted"
	case errors.Is(err, listing.ErrForbidden),
		errors.Is(err, match.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, auth.ErrNotActive):
		return http.StatusForbidden, "not_active"
	case errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict, "duplicate_email"
	case errors.Is(err, auth.ErrInvalidStatus):
		return http.StatusConflict, "invalid_status"
	case errors.Is(err, credential.ErrInvalidRequest),
		errors.Is(err, listing.ErrInvalid),
		errors.Is(err, match.ErrInvalidStatus),
		errors.Is(err, disclosure.ErrEntityRequired),
		errors.Is(err, disclosure.ErrUnsupportedEntity),
		errors.Is(err, disclosure.ErrInvalidTemplate),
		errors.Is(err, importer.ErrMalformed),
		errors.Is(err, importer.ErrUnsupportedFormat),
		errors.Is(err, importer.ErrTooManyRows),
		errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest, string(credential.OutcomeInvalid)
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classifyError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, status, errorResponse{Error: "internal error", ErrorKind: kind})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), ErrorKind: kind})
}

// writeRedeemError reports a failed redemption in the redeem response shape.
func (s *Server) writeRedeemError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classifyError(err)
	if status == http.StatusInternalServerError {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, redeemResponse{Success: false, ErrorKind: kind})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, ErrorKind: string(credential.OutcomeInvalid)})
}
