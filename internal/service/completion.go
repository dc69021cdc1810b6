package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quill/quill/internal/metrics"
	"github.com/quill/quill/internal/model"
	"github.com/quill/quill/internal/provider"
	"github.com/quill/quill/internal/repository"
)

// MessageNotEnoughTokens is shown when a request costs more than the balance.
const MessageNotEnoughTokens = "Not enough tokens"

// MessageRequestIDReused is shown when a request ID is sent again with a
// different prompt or token count.
const MessageRequestIDReused = "Request ID was already used for a different prompt or token count"

// CompletionStore is the persistence the completion workflow needs.
// *repository.Repository satisfies it.
type CompletionStore interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetMostRecentCompletions(ctx context.Context, userID string, limit int) ([]*model.Completion, error)
	GetCompletionByRequestID(ctx context.Context, userID, requestID string) (*model.Completion, error)
	RecordCompletion(ctx context.Context, c *model.Completion) (*model.User, error)
}

// CompletionService runs the prompt submission workflow and loads history.
type CompletionService struct {
	store        CompletionStore
	provider     provider.Completer
	logger       *slog.Logger
	metrics      metrics.Recorder
	historyLimit int
	now          func() time.Time
}

// NewCompletionService creates a new CompletionService.
func NewCompletionService(store CompletionStore, completer provider.Completer, logger *slog.Logger, recorder metrics.Recorder, historyLimit int) *CompletionService {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionService{
		store:        store,
		provider:     completer,
		logger:       logger,
		metrics:      recorder,
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// CompletionRequest is a parsed prompt submission.
type CompletionRequest struct {
	UserID    string
	Prompt    string
	Tokens    int
	RequestID string
}

// SubmitResult is the outcome of a successful submission.
type SubmitResult struct {
	Completion *model.Completion
	// User reflects the balance after the deduction. Nil for replays.
	User *model.User
	// Replayed is set when RequestID matched an earlier completion and
	// nothing new was charged.
	Replayed bool
}

// Submit charges req.Tokens for one provider completion of req.Prompt.
//
// Insufficient balance is a *ValidationError on "tokens" and nothing else
// happens. Provider failures return *UpstreamError and leave the balance
// untouched. The completion is stored and the balance deducted in one
// transaction; a failed commit returns ErrPersistence.
func (s *CompletionService) Submit(ctx context.Context, req CompletionRequest) (*SubmitResult, error) {
	if err := validateRequest(req); err != nil {
		s.metrics.IncCompletionRejected(metrics.RejectValidation)
		return nil, err
	}

	user, err := s.store.GetUserByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if req.RequestID != "" {
		existing, err := s.findByRequestID(ctx, req)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	if !user.CanAfford(req.Tokens) {
		s.metrics.IncCompletionRejected(metrics.RejectInsufficientTokens)
		return nil, NewValidationError("tokens", MessageNotEnoughTokens)
	}

	start := time.Now()
	result, err := s.provider.Complete(ctx, req.Prompt, req.Tokens)
	s.metrics.ObserveProviderDuration(time.Since(start))
	if err != nil {
		s.metrics.IncUpstreamFailure()
		s.logger.Warn("completion provider failed",
			slog.String("user_id", req.UserID),
			slog.Int("tokens", req.Tokens),
			slog.String("error", err.Error()),
		)
		return nil, &UpstreamError{Err: err}
	}

	completion := &model.Completion{
		ID:        ulid.Make().String(),
		UserID:    req.UserID,
		Prompt:    req.Prompt,
		Answer:    result.Text,
		Tokens:    req.Tokens,
		RequestID: req.RequestID,
		CreatedAt: s.now().UTC(),
	}

	updated, err := s.store.RecordCompletion(ctx, completion)
	if err != nil {
		return s.handleRecordError(ctx, req, err)
	}

	s.metrics.IncCompletionCreated()
	s.metrics.AddTokensSpent(req.Tokens)

	s.logger.Info("completion created",
		slog.String("completion_id", completion.ID),
		slog.String("user_id", req.UserID),
		slog.Int("tokens", req.Tokens),
		slog.Int("balance", updated.Tokens),
	)

	return &SubmitResult{Completion: completion, User: updated}, nil
}

// handleRecordError maps a failed transaction after a successful provider
// call. The provider answer is discarded in every case.
func (s *CompletionService) handleRecordError(ctx context.Context, req CompletionRequest, err error) (*SubmitResult, error) {
	switch {
	case errors.Is(err, repository.ErrDuplicateRequestID):
		// A concurrent submission with the same key committed first.
		s.costLost(req, "duplicate_request_id", err)
		existing, findErr := s.findByRequestID(ctx, req)
		if findErr != nil {
			return nil, findErr
		}
		if existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)

	case errors.Is(err, repository.ErrInsufficientTokens):
		// The balance was drained between the check and the commit.
		s.costLost(req, "insufficient_tokens", err)
		s.metrics.IncCompletionRejected(metrics.RejectInsufficientTokens)
		return nil, NewValidationError("tokens", MessageNotEnoughTokens)

	case errors.Is(err, repository.ErrUserNotFound):
		s.costLost(req, "user_not_found", err)
		return nil, ErrUserNotFound

	default:
		s.costLost(req, "commit_failed", err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
}

func (s *CompletionService) costLost(req CompletionRequest, reason string, err error) {
	s.metrics.IncCompletionCostLost()
	s.logger.Error("completion_cost_lost",
		slog.String("user_id", req.UserID),
		slog.Int("tokens", req.Tokens),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
}

// findByRequestID returns a replay result for an earlier completion with
// the same request ID, or nil when there is none. An earlier completion
// for a different prompt or token count is a request_id validation error.
func (s *CompletionService) findByRequestID(ctx context.Context, req CompletionRequest) (*SubmitResult, error) {
	existing, err := s.store.GetCompletionByRequestID(ctx, req.UserID, req.RequestID)
	if err != nil {
		if errors.Is(err, repository.ErrCompletionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if existing.Prompt != req.Prompt || existing.Tokens != req.Tokens {
		s.metrics.IncCompletionRejected(metrics.RejectValidation)
		s.logger.Warn("request id reused with different input",
			slog.String("completion_id", existing.ID),
			slog.String("user_id", req.UserID),
			slog.String("request_id", req.RequestID),
		)
		return nil, NewValidationError("request_id", MessageRequestIDReused)
	}

	s.metrics.IncCompletionReplayed()
	s.logger.Info("completion replayed",
		slog.String("completion_id", existing.ID),
		slog.String("user_id", req.UserID),
		slog.String("request_id", req.RequestID),
	)
	return &SubmitResult{Completion: existing, Replayed: true}, nil
}

func validateRequest(req CompletionRequest) error {
	if req.Tokens <= 0 {
		return NewValidationError("tokens", "Tokens must be a positive whole number")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return NewValidationError("prompt", "Prompt is required")
	}
	return nil
}

// History is what the writing page shows: the user and their latest
// completions, newest first.
type History struct {
	CurrentUser       *model.User         `json:"current_user"`
	RecentCompletions []*model.Completion `json:"recent_completions"`
}

// History loads the current user and their most recent completions.
// limit <= 0 selects the configured default.
func (s *CompletionService) History(ctx context.Context, userID string, limit int) (*History, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	completions, err := s.store.GetMostRecentCompletions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load completions: %w", err)
	}

	return &History{CurrentUser: user, RecentCompletions: completions}, nil
}
