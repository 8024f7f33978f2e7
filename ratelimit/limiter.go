// Package ratelimit enforces the per-key request quota of machine clients
// importing listings with an api_key credential.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"offmarket/config"
	"offmarket/credential"
	"offmarket/obs"
)

var (
	ErrRateLimitExceeded = errors.New("ratelimit: rate limit exceeded")
	ErrNotAPIKey         = errors.New("ratelimit: credential is not an api key")
)

// ThrottleError carries the retry hint for a refused request.
type ThrottleError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("ratelimit: %d requests per window exceeded, retry after %s", e.Limit, e.RetryAfter)
}

func (e *ThrottleError) Unwrap() error { return ErrRateLimitExceeded }

// RetryAfterSeconds rounds the hint up for the Retry-After header.
func (e *ThrottleError) RetryAfterSeconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Err is nil for allowed decisions and a *ThrottleError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ThrottleError{Limit: d.Limit, RetryAfter: d.RetryAfter}
}

// Window is the counter state of one credential.
type Window struct {
	Count int
	Start time.Time
}

// WindowStore counts one request against a credential's window. A window
// older than length restarts at now with a count of one. Once count reaches
// limit within the window the request is refused and nothing is counted.
type WindowStore interface {
	Hit(ctx context.Context, credentialID string, limit int, length time.Duration, now time.Time) (Window, bool, error)
}

type Credentials interface {
	Get(ctx context.Context, id string) (credential.Credential, error)
}

type Limiter struct {
	credentials  Credentials
	store        WindowStore
	window       time.Duration
	defaultLimit int
	now          func() time.Time
	logger       *zap.Logger
}

func NewLimiter(credentials Credentials, store WindowStore, cfg config.Core, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		credentials:  credentials,
		store:        store,
		window:       cfg.ImportWindow,
		defaultLimit: cfg.APIRateLimit,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger,
	}
}

func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	if now != nil {
		l.now = now
	}
	return l
}

// Allow counts one request for c. The credential is re-read first so a
// revocation takes effect regardless of the window state.
func (l *Limiter) Allow(ctx context.Context, c credential.Credential) (Decision, error) {
	current, err := l.credentials.Get(ctx, c.ID)
	if err != nil {
		return Decision{}, err
	}
	if current.Kind != credential.KindAPIKey {
		return Decision{}, ErrNotAPIKey
	}
	now := l.now()
	if current.RevokedAt != nil || current.Expired(now) {
		return Decision{}, credential.ErrExpired
	}

	limit := current.RateLimit
	if limit <= 0 {
		limit = l.defaultLimit
	}
	w, allowed, err := l.store.Hit(ctx, current.ID, limit, l.window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: hit: %w", err)
	}

	d := Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: max(limit-w.Count, 0),
		ResetAt:   w.Start.Add(l.window),
	}
	if !allowed {
		d.RetryAfter = max(d.ResetAt.Sub(now), 0)
		obs.ImportThrottled.Inc()
		l.logger.Warn("import throttled",
			zap.String("credential_id", current.ID),
			zap.String("subject_user_id", current.SubjectUserID),
			zap.Int("limit", limit),
			zap.Duration("retry_after", d.RetryAfter),
		)
	}
	return d, nil
}
