package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"offmarket/db"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for authentication. Writes take the
// querier so they can join the transaction that redeems a code.
type Repository interface {
	CreateUser(ctx context.Context, q db.Querier, params CreateUserParams) (User, error)
	GetUserByEmail(ctx context.Context, q db.Querier, email string) (User, error)
	GetUserByID(ctx context.Context, q db.Querier, userID string) (User, error)
	SetStatus(ctx context.Context, q db.Querier, userID string, status Status) (User, error)
	SetPasswordHash(ctx context.Context, q db.Querier, userID, hash string) error
	ListByStatus(ctx context.Context, q db.Querier, status Status) ([]User, error)
}

// CreateUserParams contains write parameters for creating users.
type CreateUserParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Phone        *string
	Role         Role
	Status       Status
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct{}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository() *PGRepository {
	return &PGRepository{}
}

const userColumns = `id::text, email, full_name, password_hash, phone, role, status, created_at, updated_at`

// CreateUser inserts a new user with hashed password.
func (r *PGRepository) CreateUser(ctx context.Context, q db.Querier, params CreateUserParams) (User, error) {
	insertSQL := `
		INSERT INTO users (email, full_name, password_hash, phone, role, status)
		VALUES (lower($1), $2, $3, $4, $5, $6)
		RETURNING ` + userColumns

	user, err := scanUser(q.QueryRow(ctx, insertSQL,
		params.Email, params.FullName, params.PasswordHash, params.Phone, params.Role, params.Status))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("auth: create user: %w", err)
	}

	return user, nil
}

// GetUserByEmail retrieves a user by email address.
func (r *PGRepository) GetUserByEmail(ctx context.Context, q db.Querier, email string) (User, error) {
	selectSQL := `SELECT ` + userColumns + ` FROM users WHERE email = lower($1)`

	user, err := scanUser(q.QueryRow(ctx, selectSQL, strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by email: %w", err)
	}

	return user, nil
}

// GetUserByID retrieves a user by ID.
func (r *PGRepository) GetUserByID(ctx context.Context, q db.Querier, userID string) (User, error) {
	selectSQL := `SELECT ` + userColumns + ` FROM users WHERE id = $1::uuid`

	user, err := scanUser(q.QueryRow(ctx, selectSQL, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by id: %w", err)
	}

	return user, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, q db.Querier, userID string, status Status) (User, error) {
	updateSQL := `
		UPDATE users SET status = $2, updated_at = now()
		WHERE id = $1::uuid
		RETURNING ` + userColumns

	user, err := scanUser(q.QueryRow(ctx, updateSQL, userID, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: set status: %w", err)
	}
	return user, nil
}

func (r *PGRepository) SetPasswordHash(ctx context.Context, q db.Querier, userID, hash string) error {
	const updateSQL = `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1::uuid`

	tag, err := q.Exec(ctx, updateSQL, userID, hash)
	if err != nil {
		return fmt.Errorf("auth: set password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *PGRepository) ListByStatus(ctx context.Context, q db.Querier, status Status) ([]User, error) {
	selectSQL := `SELECT ` + userColumns + ` FROM users WHERE status = $1 ORDER BY created_at`

	rows, err := q.Query(ctx, selectSQL, status)
	if err != nil {
		return nil, fmt.Errorf("auth: list users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("auth: scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user  User
		phone *string
	)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.FullName,
		&user.PasswordHash,
		&phone,
		&user.Role,
		&user.Status,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}

	user.Phone = phone
	return user, nil
}
