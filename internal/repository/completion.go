package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quill/quill/internal/model"
)

// Common errors for completion repository operations.
var (
	ErrCompletionNotFound = errors.New("completion not found")
	ErrDuplicateRequestID  = errors.New("request id already used")
)

// Limits for completion history queries.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

const completionColumns = `id, user_id, prompt, answer, tokens, COALESCE(request_id, ''), created_at`

// AddCompletion inserts a new completion owned by c.UserID.
// Returns ErrUserNotFound when the owner does not exist.
func (r *Repository) AddCompletion(ctx context.Context, c *model.Completion) error {
	query := `
		INSERT INTO completions (id, user_id, prompt, answer, tokens, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
	`

	_, err := r.db.Exec(ctx, query,
		c.ID,
		c.UserID,
		c.Prompt,
		c.Answer,
		c.Tokens,
		c.RequestID,
		c.CreatedAt,
	)

	if err != nil {
		switch {
		case isForeignKeyViolation(err):
			return ErrUserNotFound
		case isUniqueViolation(err):
			return ErrDuplicateRequestID
		}
		return fmt.Errorf("failed to add completion: %w", err)
	}

	return nil
}

// GetMostRecentCompletions returns the user's completions, newest first.
// A limit <= 0 selects DefaultHistoryLimit; limits above MaxHistoryLimit are capped.
// A user without completions yields an empty slice.
func (r *Repository) GetMostRecentCompletions(ctx context.Context, userID string, limit int) ([]*model.Completion, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	query := `
		SELECT ` + completionColumns + `
		FROM completions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list completions: %w", err)
	}
	defer rows.Close()

	completions := make([]*model.Completion, 0, limit)
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		completions = append(completions, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completions: %w", err)
	}

	return completions, nil
}

// GetCompletionByRequestID finds the completion a user created with a given
// idempotency key.
func (r *Repository) GetCompletionByRequestID(ctx context.Context, userID, requestID string) (*model.Completion, error) {
	query := `
		SELECT ` + completionColumns + `
		FROM completions
		WHERE user_id = $1 AND request_id = $2
	`

	c, err := scanCompletion(r.db.QueryRow(ctx, query, userID, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCompletionNotFound
		}
		return nil, fmt.Errorf("failed to get completion by request id: %w", err)
	}
	return c, nil
}

func scanCompletion(row pgx.Row) (*model.Completion, error) {
	var c model.Completion
	if err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Prompt,
		&c.Answer,
		&c.Tokens,
		&c.RequestID,
		&c.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

// RecordCompletion deducts c.Tokens from the owner's balance and stores c in
// one transaction. Either both happen or neither does. Returns the owner with
// the new balance, ErrInsufficientTokens when the balance no longer covers
// the cost, or ErrDuplicateRequestID when c.RequestID was already used.
func (r *Repository) RecordCompletion(ctx context.Context, c *model.Completion) (*model.User, error) {
	var user *model.User
	err := r.WithTx(ctx, func(tx *Repository) error {
		var err error
		user, err = tx.DeductTokens(ctx, c.UserID, c.Tokens)
		if err != nil {
			return err
		}
		return tx.AddCompletion(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}
