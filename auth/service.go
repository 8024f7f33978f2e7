package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"offmarket/config"
	"offmarket/credential"
	"offmarket/db"
	"offmarket/notify"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrNotActive signals a login before the registration was confirmed.
	ErrNotActive = errors.New("auth: account is not active")
	// ErrInvalidStatus signals an approval or confirmation out of order.
	ErrInvalidStatus = errors.New("auth: invalid account status")
)

// Credentials is the subset of the credential service used for
// registration and password reset codes.
type Credentials interface {
	Issue(ctx context.Context, p credential.IssueParams) (credential.Credential, error)
	RedeemTx(ctx context.Context, q db.Querier, p credential.RedeemParams) (credential.Credential, error)
	Invalidate(ctx context.Context, p credential.InvalidateParams) (int64, error)
}

// Service handles authentication business logic.
type Service struct {
	pool        db.Pool
	repo        Repository
	credentials Credentials
	notifier    *notify.Notifier
	jwtSecret   []byte
	tokenTTL    time.Duration
	logger      *zap.Logger
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new authentication service.
func NewService(pool db.Pool, repo Repository, credentials Credentials, notifier *notify.Notifier, cfg config.AuthConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		credentials: credentials,
		notifier:    notifier,
		jwtSecret:   []byte(cfg.JWTSecret),
		tokenTTL:    ttl,
		logger:      logger,
	}
}

// Register creates a pending account. It can log in once an admin approved
// it and the emailed registration code was confirmed.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("auth: email and full_name are required")
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleAgent
	}
	if role != RoleAgent && role != RoleClient {
		return nil, fmt.Errorf("auth: invalid role %q", role)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	var phone *string
	if p := strings.TrimSpace(req.Phone); p != "" {
		phone = &p
	}
	user, err := s.repo.CreateUser(ctx, s.pool, CreateUserParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		Phone:        phone,
		Role:         role,
		Status:       StatusPending,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("role", string(user.Role)))
	return &user, nil
}

// Approve mints a registration code for a pending user and mails it.
// Approving again replaces the outstanding code.
func (s *Service) Approve(ctx context.Context, userID string) (credential.Credential, error) {
	user, err := s.repo.GetUserByID(ctx, s.pool, userID)
	if err != nil {
		return credential.Credential{}, err
	}
	if user.Status != StatusPending && user.Status != StatusApproved {
		return credential.Credential{}, fmt.Errorf("%w: %s", ErrInvalidStatus, user.Status)
	}

	if _, err := s.credentials.Invalidate(ctx, credential.InvalidateParams{
		Kinds:         []credential.Kind{credential.KindRegistration},
		SubjectUserID: user.ID,
	}); err != nil {
		return credential.Credential{}, err
	}
	code, err := s.credentials.Issue(ctx, credential.IssueParams{
		Kind:          credential.KindRegistration,
		SubjectUserID: user.ID,
	})
	if err != nil {
		return credential.Credential{}, err
	}
	if user.Status == StatusPending {
		if _, err := s.repo.SetStatus(ctx, s.pool, user.ID, StatusApproved); err != nil {
			return credential.Credential{}, err
		}
	}

	s.notifier.Send(ctx, notify.Payload{
		RecipientUserID: user.ID,
		TemplateKey:     notify.TemplateRegistrationApproval,
		Variables:       codeVariables(code, user),
	})
	s.logger.Info("registration approved", zap.String("user_id", user.ID))
	return code, nil
}

// ConfirmRegistration redeems the registration code and activates the user.
func (s *Service) ConfirmRegistration(ctx context.Context, req ConfirmRegistrationRequest) (User, error) {
	user, err := s.repo.GetUserByEmail(ctx, s.pool, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, credential.ErrNotFound
		}
		return User{}, err
	}
	if user.Status != StatusApproved {
		return User{}, fmt.Errorf("%w: %s", ErrInvalidStatus, user.Status)
	}

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.credentials.RedeemTx(ctx, tx, credential.RedeemParams{
			Code:          req.Code,
			Kinds:         []credential.Kind{credential.KindRegistration},
			SubjectUserID: user.ID,
		}); err != nil {
			return err
		}
		user, err = s.repo.SetStatus(ctx, tx, user.ID, StatusActive)
		return err
	})
	if err != nil {
		return User{}, err
	}
	s.logger.Info("registration confirmed", zap.String("user_id", user.ID))
	return user, nil
}

// ListPending returns accounts waiting for admin approval.
func (s *Service) ListPending(ctx context.Context) ([]User, error) {
	return s.repo.ListByStatus(ctx, s.pool, StatusPending)
}

// RequestPasswordReset mails a reset code. Unknown emails are ignored so the
// endpoint does not reveal which addresses are registered.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.repo.GetUserByEmail(ctx, s.pool, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.logger.Debug("password reset for unknown email")
			return nil
		}
		return err
	}

	if _, err := s.credentials.Invalidate(ctx, credential.InvalidateParams{
		Kinds:         []credential.Kind{credential.KindPasswordReset},
		SubjectUserID: user.ID,
	}); err != nil {
		return err
	}
	code, err := s.credentials.Issue(ctx, credential.IssueParams{
		Kind:          credential.KindPasswordReset,
		SubjectUserID: user.ID,
	})
	if err != nil {
		return err
	}

	s.notifier.Send(ctx, notify.Payload{
		RecipientUserID: user.ID,
		TemplateKey:     notify.TemplatePasswordReset,
		Variables:       codeVariables(code, user),
	})
	s.logger.Info("password reset requested", zap.String("user_id", user.ID))
	return nil
}

// ResetPassword redeems a reset code and stores the new password.
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if len(req.NewPassword) < 8 {
		return ErrWeakPassword
	}
	user, err := s.repo.GetUserByEmail(ctx, s.pool, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return credential.ErrNotFound
		}
		return err
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}

	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.credentials.RedeemTx(ctx, tx, credential.RedeemParams{
			Code:          req.Code,
			Kinds:         []credential.Kind{credential.KindPasswordReset},
			SubjectUserID: user.ID,
		}); err != nil {
			return err
		}
		return s.repo.SetPasswordHash(ctx, tx, user.ID, string(passwordHash))
	})
	if err != nil {
		return err
	}
	s.logger.Info("password reset", zap.String("user_id", user.ID))
	return nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, s.pool, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password))
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	if user.Status != StatusActive {
		return LoginResult{}, ErrNotActive
	}

	token, err := s.generateToken(user.ID, user.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, s.pool, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a JWT token and returns the user ID.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		return "", "", fmt.Errorf("auth: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		userID, ok := claims["user_id"].(string)
		if !ok {
			return "", "", fmt.Errorf("auth: invalid user_id in token")
		}
		roleStr, ok := claims["role"].(string)
		if !ok {
			return "", "", fmt.Errorf("auth: invalid role in token")
		}
		role := Role(roleStr)
		if !isValidRole(role) {
			return "", "", fmt.Errorf("auth: invalid role %q in token", roleStr)
		}
		return userID, role, nil
	}

	return "", "", fmt.Errorf("auth: invalid token")
}

func (s *Service) generateToken(userID string, role Role) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     now.Add(s.tokenTTL).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func codeVariables(c credential.Credential, user User) map[string]string {
	vars := map[string]string{
		"code":       c.Code,
		"full_name":  user.FullName,
		"email":      user.Email,
		"expires_at": "",
	}
	if c.ExpiresAt != nil {
		vars["expires_at"] = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return vars
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAgent, RoleAdmin, RoleClient:
		return true
	default:
		return false
	}
}
