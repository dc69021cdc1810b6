package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quill/quill/internal/model"
)

// Common errors for user repository operations.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailExists        = errors.New("email already exists")
	ErrInsufficientTokens = errors.New("insufficient tokens")
)

const userColumns = `id, email, password_hash, tokens, created_at, updated_at`

// CreateUser inserts a new user into the database.
func (r *Repository) CreateUser(ctx context.Context, user *model.User) error {
	query := `
		INSERT INTO users (id, email, password_hash, tokens, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Exec(ctx, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Tokens,
		user.CreatedAt,
		user.UpdatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetUserByID retrieves a user by their ID.
// The returned value is a snapshot; it does not track later balance changes.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get user by ID: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by their email address.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	user, err := scanUser(r.db.QueryRow(ctx, query, email))
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

// UpdateTokens overwrites the user's balance with newBalance.
// It performs no arithmetic and no bound check; completion spending goes
// through DeductTokens instead.
func (r *Repository) UpdateTokens(ctx context.Context, id string, newBalance int) (*model.User, error) {
	query := `
		UPDATE users
		SET tokens = $2, updated_at = $3
		WHERE id = $1
		RETURNING ` + userColumns

	user, err := scanUser(r.db.QueryRow(ctx, query, id, newBalance, time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("update tokens: %w", err)
	}
	return user, nil
}

// UpdatePasswordHash replaces the stored password hash for id.
func (r *Repository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	query := `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, hash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DeductTokens atomically subtracts amount from the user's balance when the
// balance covers it. Concurrent deductions for the same user serialize on the
// row lock, so no update is lost and the balance never goes negative.
func (r *Repository) DeductTokens(ctx context.Context, id string, amount int) (*model.User, error) {
	query := `
		UPDATE users
		SET tokens = tokens - $2, updated_at = $3
		WHERE id = $1 AND tokens >= $2
		RETURNING ` + userColumns

	user, err := scanUser(r.db.QueryRow(ctx, query, id, amount, time.Now().UTC()))
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("deduct tokens: %w", err)
	}

	// No row matched: tell a missing user apart from a short balance.
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("deduct tokens: %w", err)
	}
	if !exists {
		return nil, ErrUserNotFound
	}
	return nil, ErrInsufficientTokens
}

func scanUser(row pgx.Row) (*model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Tokens,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}
