// Package provider talks to the third-party text-completion API.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/quill/quill/internal/config"
)

// Provider response errors.
var (
	// ErrEmptyResponse is returned when the provider answers without choices.
	ErrEmptyResponse = errors.New("provider returned no choices")
	// ErrMalformedResponse is returned when a successful response body
	// cannot be decoded.
	ErrMalformedResponse = errors.New("provider returned a malformed response")
)

// Completer generates text for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (*Result, error)
}

// Result is the first choice of a completion response.
type Result struct {
	Text             string
	FinishReason     string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Error describes a provider failure with the HTTP status when one was
// received.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return "provider error: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client is a Completer backed by an OpenAI-compatible completions endpoint.
type Client struct {
	client *openai.Client
	cfg    config.ProviderConfig
	logger *slog.Logger
}

// New creates a Client. BaseURL may point at any OpenAI-compatible server.
func New(cfg config.ProviderConfig, logger *slog.Logger) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.OrgID != "" {
		clientConfig.OrgID = cfg.OrgID
	}

	return &Client{
		client: openai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
		logger: logger,
	}
}

// Complete sends one completion request with the configured generation
// parameters. The call is bounded by the configured timeout and by ctx.
func (c *Client) Complete(ctx context.Context, prompt string, maxTokens int) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := openai.CompletionRequest{
		Model:            c.cfg.Model,
		Prompt:           prompt,
		MaxTokens:        maxTokens,
		Temperature:      c.cfg.Temperature,
		TopP:             c.cfg.TopP,
		FrequencyPenalty: c.cfg.FrequencyPenalty,
		PresencePenalty:  c.cfg.PresencePenalty,
		N:                c.cfg.N,
		BestOf:           c.cfg.BestOf,
		Stream:           false,
	}

	start := time.Now()
	resp, err := c.client.CreateCompletion(ctx, req)
	if err != nil {
		perr := classify(err)
		c.logger.Warn("completion request failed",
			slog.String("model", c.cfg.Model),
			slog.Int("status", perr.StatusCode),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", perr.Message),
		)
		return nil, perr
	}

	if len(resp.Choices) == 0 {
		return nil, &Error{Message: ErrEmptyResponse.Error(), Err: ErrEmptyResponse}
	}

	choice := resp.Choices[0]
	c.logger.Debug("completion request succeeded",
		slog.String("model", resp.Model),
		slog.String("finish_reason", choice.FinishReason),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
		slog.Duration("duration", time.Since(start)),
	)

	return &Result{
		Text:             choice.Text,
		FinishReason:     choice.FinishReason,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func classify(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{StatusCode: reqErr.HTTPStatusCode, Message: http.StatusText(reqErr.HTTPStatusCode), Err: err}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Message: ErrMalformedResponse.Error(), Err: fmt.Errorf("%w: %w", ErrMalformedResponse, err)}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Message: "request timed out", Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Message: "request canceled", Err: err}
	}

	return &Error{Message: err.Error(), Err: err}
}
