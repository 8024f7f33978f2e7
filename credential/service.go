package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"offmarket/config"
	"offmarket/db"
	"offmarket/ids"
	"offmarket/obs"
)

const maxIssueAttempts = 5

// Service issues, redeems and revokes credentials of every kind.
type Service struct {
	q      db.Querier
	repo   Repository
	cfg    config.Core
	now    func() time.Time
	random io.Reader
	logger *zap.Logger
}

func NewService(q db.Querier, repo Repository, cfg config.Core, logger *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		q:      q,
		repo:   repo,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		random: defaultRandom,
		logger: logger,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithRandom overrides the entropy source used for codes.
func (s *Service) WithRandom(r io.Reader) *Service {
	if r != nil {
		s.random = r
	}
	return s
}

// Issue mints a credential. The returned Code is the only time an api_key
// token is available in plaintext.
func (s *Service) Issue(ctx context.Context, p IssueParams) (Credential, error) {
	if err := s.validateIssue(p); err != nil {
		return Credential{}, err
	}

	now := s.now()
	c := Credential{
		Kind:          p.Kind,
		SubjectUserID: p.SubjectUserID,
		Entity:        p.Entity,
		Label:         p.Label,
		IssuedAt:      now,
	}
	if ttl := s.ttlFor(p); ttl > 0 {
		exp := now.Add(ttl)
		c.ExpiresAt = &exp
	}
	if p.Kind == KindAPIKey {
		c.RateLimit = p.RateLimit
		if c.RateLimit <= 0 {
			c.RateLimit = s.cfg.APIRateLimit
		}
	}

	for attempt := 1; ; attempt++ {
		plain, err := s.generate(p.Kind)
		if err != nil {
			return Credential{}, err
		}
		c.ID = ids.NewULID()
		c.Code = plain
		stored := c
		if p.Kind == KindAPIKey {
			stored.Code = digest(plain)
		}

		err = s.repo.Insert(ctx, s.q, stored)
		if err == nil {
			break
		}
		if !errors.Is(err, errCodeCollision) {
			return Credential{}, err
		}
		if attempt >= maxIssueAttempts {
			return Credential{}, fmt.Errorf("credential: issue %s: %w", p.Kind, err)
		}
		s.logger.Debug("credential code collision, retrying",
			zap.String("kind", string(p.Kind)), zap.Int("attempt", attempt))
	}

	obs.CredentialsIssued.WithLabelValues(string(p.Kind)).Inc()
	s.logger.Info("credential issued",
		zap.String("credential_id", c.ID),
		zap.String("kind", string(c.Kind)),
		zap.String("subject_user_id", c.SubjectUserID),
		zap.Timep("expires_at", c.ExpiresAt),
	)
	return c, nil
}

func (s *Service) validateIssue(p IssueParams) error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, p.Kind)
	}
	if (p.Kind.SubjectScoped() || p.Kind == KindAPIKey) && p.SubjectUserID == "" {
		return fmt.Errorf("%w: %s requires a subject", ErrInvalidRequest, p.Kind)
	}
	if p.Kind.EntityScoped() && (p.Entity == nil || p.Entity.Type == "" || p.Entity.ID == "") {
		return fmt.Errorf("%w: %s requires an entity", ErrInvalidRequest, p.Kind)
	}
	if p.TTL != nil && *p.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidRequest)
	}
	return nil
}

// ttlFor returns zero for credentials that never expire.
func (s *Service) ttlFor(p IssueParams) time.Duration {
	if p.TTL != nil {
		return *p.TTL
	}
	switch p.Kind {
	case KindAPIKey:
		return 0
	case KindRegistration:
		return s.cfg.RegistrationTTL()
	case KindPasswordReset:
		return s.cfg.PasswordResetTTL
	default:
		return s.cfg.CodeTTL()
	}
}

func (s *Service) generate(kind Kind) (string, error) {
	if kind == KindAPIKey {
		return newAPIKey(s.random)
	}
	return newHumanCode(s.random)
}

// Redeem consumes a code exactly once.
func (s *Service) Redeem(ctx context.Context, p RedeemParams) (Credential, error) {
	return s.RedeemTx(ctx, s.q, p)
}

// RedeemTx is Redeem on a caller-supplied transaction.
func (s *Service) RedeemTx(ctx context.Context, q db.Querier, p RedeemParams) (Credential, error) {
	c, err := s.redeem(ctx, q, p)
	outcome := OutcomeOf(err)
	obs.CredentialRedemptions.WithLabelValues(kindLabel(p.Kinds), string(outcome)).Inc()
	if err != nil {
		fields := []zap.Field{
			zap.String("kinds", kindLabel(p.Kinds)),
			zap.String("outcome", string(outcome)),
			zap.String("subject_user_id", p.SubjectUserID),
		}
		if outcome == OutcomeError {
			s.logger.Error("credential redemption failed", append(fields, zap.Error(err))...)
		} else {
			s.logger.Warn("credential redemption rejected", fields...)
		}
		return Credential{}, err
	}
	s.logger.Info("credential redeemed",
		zap.String("credential_id", c.ID),
		zap.String("kind", string(c.Kind)),
		zap.String("subject_user_id", c.SubjectUserID),
	)
	return c, nil
}

func (s *Service) redeem(ctx context.Context, q db.Querier, p RedeemParams) (Credential, error) {
	code := NormalizeCode(p.Code)
	if code == "" || len(p.Kinds) == 0 || p.SubjectUserID == "" {
		return Credential{}, fmt.Errorf("%w: code, kinds and subject are required", ErrInvalidRequest)
	}
	for _, k := range p.Kinds {
		if !k.Valid() || k == KindAPIKey {
			return Credential{}, fmt.Errorf("%w: kind %q cannot be redeemed", ErrInvalidRequest, k)
		}
	}

	now := s.now()
	c, err := s.repo.Consume(ctx, q, consumeParams{
		Code:          code,
		Kinds:         p.Kinds,
		SubjectUserID: p.SubjectUserID,
		Now:           now,
	})
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Credential{}, err
	}

	rows, err := s.repo.ListByCode(ctx, q, p.Kinds, code)
	if err != nil {
		return Credential{}, err
	}
	return Credential{}, classify(rows, p.SubjectUserID, now)
}

// classify explains why no row satisfied the redeem guard. rows are newest
// first. Subject-scoped rows of another user only ever yield
// ErrSubjectMismatch so their state is not disclosed.
func classify(rows []Credential, subject string, now time.Time) error {
	if len(rows) == 0 {
		return ErrNotFound
	}
	var own []Credential
	for _, c := range rows {
		if c.Kind.SubjectScoped() && c.SubjectUserID != subject {
			continue
		}
		own = append(own, c)
	}
	if len(own) == 0 {
		return ErrSubjectMismatch
	}
	rows = own
	for _, c := range rows {
		if c.Live(now) {
			// Still outstanding, so the subject guard rejected it.
			return ErrSubjectMismatch
		}
	}
	latest := rows[0]
	switch {
	case latest.Expired(now), latest.RevokedAt != nil:
		return ErrExpired
	case latest.ConsumedAt != nil:
		return ErrAlreadyConsumed
	default:
		return ErrNotFound
	}
}

// Invalidate expires every outstanding credential matching p.
func (s *Service) Invalidate(ctx context.Context, p InvalidateParams) (int64, error) {
	return s.InvalidateTx(ctx, s.q, p)
}

// InvalidateTx is Invalidate on a caller-supplied transaction.
func (s *Service) InvalidateTx(ctx context.Context, q db.Querier, p InvalidateParams) (int64, error) {
	if p.ID == "" && p.SubjectUserID == "" && (p.Entity == nil || p.Entity.IsZero()) {
		return 0, fmt.Errorf("%w: invalidate needs an id, subject or entity", ErrInvalidRequest)
	}
	n, err := s.repo.Invalidate(ctx, q, p, s.now())
	if err != nil {
		return 0, err
	}
	fields := []zap.Field{
		zap.String("kinds", kindLabel(p.Kinds)),
		zap.String("subject_user_id", p.SubjectUserID),
		zap.Int64("revoked", n),
	}
	if p.ID != "" {
		fields = append(fields, zap.String("credential_id", p.ID))
	}
	if p.Entity != nil {
		fields = append(fields, zap.String("entity_type", p.Entity.Type), zap.String("entity_id", p.Entity.ID))
	}
	s.logger.Info("credentials invalidated", fields...)
	return n, nil
}

// FindLive returns the newest outstanding credential matching lq.
func (s *Service) FindLive(ctx context.Context, lq LiveQuery) (Credential, error) {
	if len(lq.Kinds) == 0 {
		return Credential{}, fmt.Errorf("%w: kinds are required", ErrInvalidRequest)
	}
	return s.repo.FindLive(ctx, s.q, lq, s.now())
}

// Authenticate resolves an api_key token. Revoked or expired keys fail with
// ErrExpired.
func (s *Service) Authenticate(ctx context.Context, token string) (Credential, error) {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, apiKeyPrefix) {
		return Credential{}, ErrNotFound
	}
	rows, err := s.repo.ListByCode(ctx, s.q, []Kind{KindAPIKey}, digest(token))
	if err != nil {
		return Credential{}, err
	}
	if len(rows) == 0 {
		return Credential{}, ErrNotFound
	}
	c := rows[0]
	if c.RevokedAt != nil || c.Expired(s.now()) {
		return Credential{}, ErrExpired
	}
	return c, nil
}

// Get loads a credential by id.
func (s *Service) Get(ctx context.Context, id string) (Credential, error) {
	return s.repo.GetByID(ctx, s.q, id)
}

func kindLabel(kinds []Kind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, "|")
}
