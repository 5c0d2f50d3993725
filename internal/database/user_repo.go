package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
)

var (
	// ErrUserNotFound is returned when no user has the given email
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when the email is already registered
	ErrUserExists = errors.New("user already exists")
)

const uniqueViolation = "23505"

// UserRepository reads and creates login users. Emails are stored lowercased.
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// GetUserByEmail looks a user up by email, case-insensitively
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, email, hashed_password, created_at FROM users WHERE email = $1`,
		NormalizeEmail(email),
	).Scan(&u.ID, &u.Name, &u.Email, &u.HashedPassword, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a user with an already hashed password and returns it
func (r *UserRepository) CreateUser(ctx context.Context, name, email, hashedPassword string) (*models.User, error) {
	u := models.User{
		Name:           strings.TrimSpace(name),
		Email:          NormalizeEmail(email),
		HashedPassword: hashedPassword,
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (name, email, hashed_password)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, u.Name, u.Email, u.HashedPassword).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, u.Email)
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return &u, nil
}

// NormalizeEmail trims and lowercases an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
