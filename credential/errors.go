package credential

import "errors"

var (
	// ErrNotFound signals an unknown code or credential.
	ErrNotFound = errors.New("credential: not found")
	// ErrExpired signals the credential's expiry has passed (or it was revoked).
	ErrExpired = errors.New("credential: expired")
	// ErrAlreadyConsumed signals a replayed code.
	ErrAlreadyConsumed = errors.New("credential: already consumed")
	// ErrSubjectMismatch signals a user-scoped code presented by someone else.
	ErrSubjectMismatch = errors.New("credential: subject mismatch")
	// ErrInvalidRequest signals malformed issue/redeem/invalidate parameters.
	ErrInvalidRequest = errors.New("credential: invalid request")

	errCodeCollision = errors.New("credential: code collision")
)

// Outcome names a redemption result for metrics, logs and API responses.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeExpired         Outcome = "expired"
	OutcomeAlreadyConsumed Outcome = "already_consumed"
	OutcomeSubjectMismatch Outcome = "subject_mismatch"
	OutcomeInvalid         Outcome = "invalid_request"
	OutcomeError           Outcome = "error"
)

// OutcomeOf maps err to its Outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrExpired):
		return OutcomeExpired
	case errors.Is(err, ErrAlreadyConsumed):
		return OutcomeAlreadyConsumed
	case errors.Is(err, ErrSubjectMismatch):
		return OutcomeSubjectMismatch
	case errors.Is(err, ErrInvalidRequest):
		return OutcomeInvalid
	default:
		return OutcomeError
	}
}
