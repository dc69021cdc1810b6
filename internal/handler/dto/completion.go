// Package dto provides Data Transfer Objects for API requests and responses.
package dto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/quill/quill/internal/model"
	"github.com/quill/quill/internal/service"
)

// ErrMalformedBody is returned when a request body cannot be decoded.
var ErrMalformedBody = errors.New("malformed request body")

// Limits bound what a single completion request may ask for.
type Limits struct {
	MaxPromptLength int
	MaxTokens       int
}

// CompletionRequest is a prompt submission as received from a form or JSON.
// Tokens stays textual until Validate so that non-integer input can be
// reported as a field error.
type CompletionRequest struct {
	Prompt    string      `json:"prompt"`
	Tokens    json.Number `json:"tokens"`
	RequestID string      `json:"request_id,omitempty"`
}

// ParseCompletionForm reads prompt, tokens and request_id from a form post.
func ParseCompletionForm(r *http.Request) (*CompletionRequest, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return &CompletionRequest{
		Prompt:    r.PostFormValue("prompt"),
		Tokens:    json.Number(strings.TrimSpace(r.PostFormValue("tokens"))),
		RequestID: strings.TrimSpace(r.PostFormValue("request_id")),
	}, nil
}

// DecodeCompletionJSON reads a JSON prompt submission.
func DecodeCompletionJSON(body io.Reader) (*CompletionRequest, error) {
	var req CompletionRequest
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return &req, nil
}

// ParseCompletionRequest accepts either a JSON or a form-encoded body,
// chosen by Content-Type.
func ParseCompletionRequest(r *http.Request) (*CompletionRequest, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return DecodeCompletionJSON(r.Body)
	}
	return ParseCompletionForm(r)
}

// Validate checks the request against limits and returns the typed tokens
// budget. Failures are field-level *service.ValidationError values.
func (req *CompletionRequest) Validate(limits Limits) (int, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return 0, service.NewValidationError("prompt", "Prompt is required")
	}
	if limits.MaxPromptLength > 0 && utf8.RuneCountInString(req.Prompt) > limits.MaxPromptLength {
		return 0, service.NewValidationError("prompt", fmt.Sprintf("Prompt must be at most %d characters", limits.MaxPromptLength))
	}

	raw := req.Tokens.String()
	if raw == "" {
		return 0, service.NewValidationError("tokens", "Tokens is required")
	}
	tokens, err := strconv.Atoi(raw)
	if err != nil || tokens <= 0 {
		return 0, service.NewValidationError("tokens", "Tokens must be a positive whole number")
	}
	if limits.MaxTokens > 0 && tokens > limits.MaxTokens {
		return 0, service.NewValidationError("tokens", fmt.Sprintf("Tokens must be at most %d", limits.MaxTokens))
	}

	return tokens, nil
}

// CompletionResponse is a completion in API responses.
type CompletionResponse struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	Answer      string    `json:"answer"`
	AnswerLines []string  `json:"answer_lines"`
	Tokens      int       `json:"tokens"`
	RequestID   string    `json:"request_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserResponse is the signed-in user in API responses.
type UserResponse struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Tokens int    `json:"tokens"`
}

// CreateCompletionResponse is returned by POST /api/v1/completions.
type CreateCompletionResponse struct {
	Completion CompletionResponse `json:"completion"`
	// Balance is the remaining token balance. Omitted for replays.
	Balance  *int `json:"balance,omitempty"`
	Replayed bool `json:"replayed"`
}

// WritingResponse is returned by GET /api/v1/writing.
type WritingResponse struct {
	RecentCompletions []CompletionResponse `json:"recent_completions"`
	CurrentUser       UserResponse         `json:"current_user"`
}

// ValidationErrorResponse reports field errors.
type ValidationErrorResponse struct {
	Errors map[string]string `json:"errors"`
}

// ToCompletionResponse converts a Completion model to its DTO.
func ToCompletionResponse(c *model.Completion) CompletionResponse {
	lines := c.AnswerLines()
	if lines == nil {
		lines = []string{}
	}
	return CompletionResponse{
		ID:          c.ID,
		Prompt:      c.Prompt,
		Answer:      c.Answer,
		AnswerLines: lines,
		Tokens:      c.Tokens,
		RequestID:   c.RequestID,
		CreatedAt:   c.CreatedAt,
	}
}

// ToWritingResponse converts loaded history to its DTO.
func ToWritingResponse(h *service.History) *WritingResponse {
	completions := make([]CompletionResponse, 0, len(h.RecentCompletions))
	for _, c := range h.RecentCompletions {
		completions = append(completions, ToCompletionResponse(c))
	}
	return &WritingResponse{
		RecentCompletions: completions,
		CurrentUser: UserResponse{
			ID:     h.CurrentUser.ID,
			Email:  h.CurrentUser.Email,
			Tokens: h.CurrentUser.Tokens,
		},
	}
}

// ToCreateCompletionResponse converts a submission result to its DTO.
func ToCreateCompletionResponse(res *service.SubmitResult) *CreateCompletionResponse {
	out := &CreateCompletionResponse{
		Completion: ToCompletionResponse(res.Completion),
		Replayed:   res.Replayed,
	}
	if res.User != nil {
		balance := res.User.Tokens
		out.Balance = &balance
	}
	return out
}
