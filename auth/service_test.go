package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"offmarket/config"
	"offmarket/credential"
	"offmarket/db"
	"offmarket/notify"
)

type fixture struct {
	svc      *Service
	repo     *fakeRepository
	recorder *notify.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := newFakeRepository()
	creds := credential.NewService(nil, credential.NewMemoryRepository(), config.DefaultCore(), nil)
	rec := &notify.Recorder{}
	svc := NewService(&fakePool{}, repo, creds, notify.NewNotifier(rec, nil),
		config.AuthConfig{JWTSecret: "test-secret", TokenTTL: time.Hour}, nil)
	return fixture{svc: svc, repo: repo, recorder: rec}
}

func (f fixture) lastCode(t *testing.T, template string) string {
	t.Helper()
	payloads := f.recorder.Payloads()
	for i := len(payloads) - 1; i >= 0; i-- {
		if payloads[i].TemplateKey == template {
			return payloads[i].Variables["code"]
		}
	}
	t.Fatalf("no %s notification sent", template)
	return ""
}

func (f fixture) activeUser(t *testing.T, req RegisterRequest) *User {
	t.Helper()
	ctx := context.Background()
	user, err := f.svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.svc.Approve(ctx, user.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.svc.ConfirmRegistration(ctx, ConfirmRegistrationRequest{
		Email: req.Email,
		Code:  f.lastCode(t, notify.TemplateRegistrationApproval),
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return user
}

func TestService_RegisterApproveConfirmLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := RegisterRequest{
		Email:    "Alice@Example.com",
		Password: "supersafe",
		FullName: "Alice Agent",
	}
	user, err := f.svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Fatalf("expected normalised email got %q", user.Email)
	}
	if user.Role != RoleAgent || user.Status != StatusPending {
		t.Fatalf("register: expected pending agent got %s/%s", user.Role, user.Status)
	}

	if _, err := f.svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("login before approval: expected ErrNotActive, got %v", err)
	}

	pending, err := f.svc.ListPending(ctx)
	if err != nil || len(pending) != 1 || pending[0].ID != user.ID {
		t.Fatalf("list pending: got %v, %v", pending, err)
	}

	issued, err := f.svc.Approve(ctx, user.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if issued.Kind != credential.KindRegistration || issued.SubjectUserID != user.ID {
		t.Fatalf("approve: unexpected credential %+v", issued)
	}
	payloads := f.recorder.Payloads()
	if len(payloads) != 1 || payloads[0].RecipientUserID != user.ID {
		t.Fatalf("approve: expected one notification for %s, got %+v", user.ID, payloads)
	}
	if payloads[0].Variables["code"] != issued.Code || payloads[0].Variables["expires_at"] == "" {
		t.Fatalf("approve: payload variables %v", payloads[0].Variables)
	}

	active, err := f.svc.ConfirmRegistration(ctx, ConfirmRegistrationRequest{Email: req.Email, Code: strings.ToLower(issued.Code)})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if active.Status != StatusActive {
		t.Fatalf("confirm: expected active got %s", active.Status)
	}

	resp, err := f.svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}

	tokenUserID, tokenRole, err := f.svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
	if tokenRole != RoleAgent {
		t.Fatalf("verify token: expected role %s got %s", RoleAgent, tokenRole)
	}
}

func TestService_GetUserByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := f.activeUser(t, RegisterRequest{Email: "bob@example.com", Password: "supersafe", FullName: "Bob Agent"})

	got, err := f.svc.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Email != "bob@example.com" || got.Status != StatusActive {
		t.Fatalf("get user: unexpected %+v", got)
	}

	if _, err := f.svc.GetUserByID(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("get missing user: expected ErrUserNotFound, got %v", err)
	}
}

func TestService_ReapprovalReplacesCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.svc.Register(ctx, RegisterRequest{Email: "bob@example.com", Password: "strongpassword", FullName: "Bob", Role: RoleClient})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	first, err := f.svc.Approve(ctx, user.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	second, err := f.svc.Approve(ctx, user.ID)
	if err != nil {
		t.Fatalf("re-approve: %v", err)
	}

	_, err = f.svc.ConfirmRegistration(ctx, ConfirmRegistrationRequest{Email: "bob@example.com", Code: first.Code})
	if !errors.Is(err, credential.ErrExpired) {
		t.Fatalf("expected replaced code to be expired, got %v", err)
	}
	if _, err := f.svc.ConfirmRegistration(ctx, ConfirmRegistrationRequest{Email: "bob@example.com", Code: second.Code}); err != nil {
		t.Fatalf("confirm with current code: %v", err)
	}
	if _, err := f.svc.Approve(ctx, user.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("approving an active user: expected ErrInvalidStatus, got %v", err)
	}
}

func TestService_PasswordReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.activeUser(t, RegisterRequest{Email: "alice@example.com", Password: "supersafe", FullName: "Alice"})
	f.activeUser(t, RegisterRequest{Email: "bob@example.com", Password: "supersafe", FullName: "Bob"})

	if err := f.svc.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	code := f.lastCode(t, notify.TemplatePasswordReset)

	err := f.svc.ResetPassword(ctx, ResetPasswordRequest{Email: "bob@example.com", Code: code, NewPassword: "hijacked!"})
	if !errors.Is(err, credential.ErrSubjectMismatch) {
		t.Fatalf("foreign reset code: expected ErrSubjectMismatch, got %v", err)
	}

	if err := f.svc.ResetPassword(ctx, ResetPasswordRequest{Email: "alice@example.com", Code: code, NewPassword: "short"}); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := f.svc.ResetPassword(ctx, ResetPasswordRequest{Email: "alice@example.com", Code: code, NewPassword: "brand-new-pass"}); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if _, err := f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "supersafe"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password: expected ErrInvalidCredentials, got %v", err)
	}
	resp, err := f.svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "brand-new-pass"})
	if err != nil || resp.User.ID != alice.ID {
		t.Fatalf("login with new password: %v", err)
	}

	err = f.svc.ResetPassword(ctx, ResetPasswordRequest{Email: "alice@example.com", Code: code, NewPassword: "another-pass"})
	if !errors.Is(err, credential.ErrAlreadyConsumed) {
		t.Fatalf("replayed reset code: expected ErrAlreadyConsumed, got %v", err)
	}
}

func TestService_PasswordResetUnknownEmailIsSilent(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.RequestPasswordReset(context.Background(), "nobody@example.com"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if n := len(f.recorder.Payloads()); n != 0 {
		t.Fatalf("expected no notification, got %d", n)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		FullName: "Alice Agent",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := f.svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	if _, err := f.svc.Register(context.Background(), RegisterRequest{
		Email:    "mallory@example.com",
		Password: "strongpassword",
		FullName: "Mallory",
		Role:     RoleAdmin,
	}); err == nil {
		t.Fatal("expected admin self-registration to be rejected")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	f := newFixture(t)

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		FullName: "Alice Agent",
	}
	if _, err := f.svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	req.Email = "ALICE@example.com"
	if _, err := f.svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_VerifyTokenRejectsForeignSecret(t *testing.T) {
	f := newFixture(t)
	other := NewService(&fakePool{}, newFakeRepository(), nil, nil, config.AuthConfig{JWTSecret: "other"}, nil)

	token, err := other.generateToken("user-1", RoleAdmin)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, _, err := f.svc.VerifyToken(token); err == nil {
		t.Fatal("expected signature error")
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID    map[string]User
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, _ db.Querier, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++

	user := User{
		ID:           id,
		Email:        strings.ToLower(params.Email),
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Phone:        params.Phone,
		Role:         params.Role,
		Status:       params.Status,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	f.put(user)
	return user, nil
}

func (f *fakeRepository) put(user User) {
	f.usersByEmail[user.Email] = user
	f.usersByID[user.ID] = user
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, _ db.Querier, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, _ db.Querier, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) SetStatus(ctx context.Context, _ db.Querier, userID string, status Status) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	user.Status = status
	f.put(user)
	return user, nil
}

func (f *fakeRepository) SetPasswordHash(ctx context.Context, _ db.Querier, userID, hash string) error {
	user, ok := f.usersByID[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.PasswordHash = hash
	f.put(user)
	return nil
}

func (f *fakeRepository) ListByStatus(ctx context.Context, _ db.Querier, status Status) ([]User, error) {
	users := []User{}
	for _, user := range f.usersByID {
		if user.Status == status {
			users = append(users, user)
		}
	}
	return users, nil
}

// fakePool hands out no-op transactions; the fake repository ignores the
// querier it is given.
type fakePool struct{}

func (fakePool) Begin(context.Context) (pgx.Tx, error) { return &fakeTx{}, nil }

func (fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	pgx.Tx
}

func (f *fakeTx) Commit(context.Context) error   { return nil }
func (f *fakeTx) Rollback(context.Context) error { return nil }
