package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/quill/quill/internal/auth"
	"github.com/quill/quill/internal/handler/dto"
	"github.com/quill/quill/internal/middleware"
	"github.com/quill/quill/internal/model"
	"github.com/quill/quill/internal/service"
)

// CompletionService is the workflow behind the writing page and API.
type CompletionService interface {
	Submit(ctx context.Context, req service.CompletionRequest) (*service.SubmitResult, error)
	History(ctx context.Context, userID string, limit int) (*service.History, error)
}

// WritingConfig holds the limits the writing surfaces enforce.
type WritingConfig struct {
	Limits        dto.Limits
	DefaultTokens int
}

// WritingHandler serves the writing page and the completions API.
type WritingHandler struct {
	logger      *slog.Logger
	completions CompletionService
	renderer    *Renderer
	cfg         WritingConfig
}

// NewWritingHandler creates a new WritingHandler.
func NewWritingHandler(logger *slog.Logger, completions CompletionService, renderer *Renderer, cfg WritingConfig) *WritingHandler {
	return &WritingHandler{
		logger:      logger,
		completions: completions,
		renderer:    renderer,
		cfg:         cfg,
	}
}

type writingForm struct {
	Prompt    string
	Tokens    string
	RequestID string
}

type writingView struct {
	page
	User            *model.User
	Completions     []*model.Completion
	Form            writingForm
	Errors          map[string]string
	Error           string
	MaxTokens       int
	MaxPromptLength int
}

// Page renders the writing page.
// GET /writing
func (h *WritingHandler) Page(w http.ResponseWriter, r *http.Request) {
	form := writingForm{Tokens: strconv.Itoa(h.cfg.DefaultTokens)}
	h.renderWriting(w, r, http.StatusOK, form, nil, "")
}

// Submit handles the prompt form.
// POST /writing
func (h *WritingHandler) Submit(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	req, err := dto.ParseCompletionForm(r)
	if err != nil {
		h.renderer.RenderError(w, r, http.StatusBadRequest, "The form could not be read.")
		return
	}

	form := writingForm{Prompt: req.Prompt, Tokens: req.Tokens.String()}

	tokens, err := req.Validate(h.cfg.Limits)
	if err == nil {
		err = middleware.ValidateRequestID(req.RequestID)
		if err != nil {
			err = service.NewValidationError("request_id", "The form expired. Please submit again.")
		}
	}
	if err == nil {
		_, err = h.completions.Submit(r.Context(), service.CompletionRequest{
			UserID:    userID,
			Prompt:    req.Prompt,
			Tokens:    tokens,
			RequestID: req.RequestID,
		})
	}

	if err != nil {
		se := classifyError(err)
		if se.Field != "" {
			h.renderWriting(w, r, se.Status, form, map[string]string{se.Field: se.Message}, "")
			return
		}
		h.logger.Error("completion submission failed",
			slog.String("request_id", middleware.GetRequestID(r.Context())),
			slog.String("user_id", userID),
			slog.String("code", se.Code),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, service.ErrUserNotFound) {
			h.renderer.RenderError(w, r, se.Status, "Your account could not be found.")
			return
		}
		// Keep the prompt so the user can retry without retyping
		h.renderWriting(w, r, se.Status, form, nil, se.Message)
		return
	}

	http.Redirect(w, r, "/writing", http.StatusSeeOther)
}

// renderWriting loads fresh history and renders the page. Every render
// gets a new request ID so a resubmitted form is charged only once.
func (h *WritingHandler) renderWriting(w http.ResponseWriter, r *http.Request, status int, form writingForm, fieldErrors map[string]string, message string) {
	history, err := h.completions.History(r.Context(), auth.UserIDFromContext(r.Context()), 0)
	if err != nil {
		se := classifyError(err)
		h.logger.Error("failed to load writing page",
			slog.String("request_id", middleware.GetRequestID(r.Context())),
			slog.String("error", err.Error()),
		)
		h.renderer.RenderError(w, r, se.Status, se.Message)
		return
	}

	form.RequestID = uuid.NewString()

	h.renderer.Render(w, status, "writing", writingView{
		page:            newPage(r),
		User:            history.CurrentUser,
		Completions:     history.RecentCompletions,
		Form:            form,
		Errors:          fieldErrors,
		Error:           message,
		MaxTokens:       h.cfg.Limits.MaxTokens,
		MaxPromptLength: h.cfg.Limits.MaxPromptLength,
	})
}

// History returns the current user and their recent completions.
// GET /api/v1/writing?limit=N
func (h *WritingHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusUnprocessableEntity, dto.ValidationErrorResponse{
				Errors: map[string]string{"limit": "Limit must be a positive whole number"},
			})
			return
		}
		limit = n
	}

	history, err := h.completions.History(r.Context(), auth.UserIDFromContext(r.Context()), limit)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, dto.ToWritingResponse(history))
}

// Create submits a prompt. Accepts JSON or form-encoded bodies. The
// request_id field falls back to the Idempotency-Key header.
// POST /api/v1/completions
func (h *WritingHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, err := dto.ParseCompletionRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	tokens, err := req.Validate(h.cfg.Limits)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = middleware.GetIdempotencyKey(r.Context())
	}
	if err := middleware.ValidateRequestID(requestID); err != nil {
		handleServiceError(w, r, h.logger, service.NewValidationError("request_id", err.Error()))
		return
	}

	result, err := h.completions.Submit(r.Context(), service.CompletionRequest{
		UserID:    auth.UserIDFromContext(r.Context()),
		Prompt:    req.Prompt,
		Tokens:    tokens,
		RequestID: requestID,
	})
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, dto.ToCreateCompletionResponse(result))
}
