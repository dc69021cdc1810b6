// Package handler provides HTTP request handlers.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quill/quill/internal/handler/dto"
	"github.com/quill/quill/internal/middleware"
	"github.com/quill/quill/internal/service"
)

// Handler serves the landing page and the fallback responses.
type Handler struct {
	renderer *Renderer
}

// New creates a new Handler instance.
func New(renderer *Renderer) *Handler {
	return &Handler{renderer: renderer}
}

// Home renders the landing page.
// GET /
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	h.renderer.Render(w, http.StatusOK, "home", newPage(r))
}

// NotFound handles 404 responses.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	if middleware.WantsJSON(r) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
		return
	}
	h.renderer.RenderError(w, r, http.StatusNotFound, "That page does not exist.")
}

// MethodNotAllowed handles 405 responses.
func (h *Handler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	if middleware.WantsJSON(r) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		return
	}
	h.renderer.RenderError(w, r, http.StatusMethodNotAllowed, "Method not allowed.")
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// serviceError is how a service failure is presented to a client.
type serviceError struct {
	Status  int
	Code    string
	Message string
	// Field is set for validation errors.
	Field string
}

// Messages shown for failures the user cannot fix by editing the form.
const (
	messageUpstream    = "The writing service is unavailable right now. Your tokens were not charged. Please try again."
	messagePersistence = "Your completion could not be saved. Please try again."
	messageInternal    = "Something went wrong. Please try again."
)

// classifyError maps service errors to HTTP responses.
func classifyError(err error) serviceError {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		return serviceError{Status: http.StatusUnprocessableEntity, Code: "VALIDATION_ERROR", Message: verr.Message, Field: verr.Field}
	case errors.Is(err, service.ErrUserNotFound):
		return serviceError{Status: http.StatusNotFound, Code: "USER_NOT_FOUND", Message: "User not found"}
	case errors.Is(err, service.ErrUpstream):
		return serviceError{Status: http.StatusBadGateway, Code: "UPSTREAM_ERROR", Message: messageUpstream}
	case errors.Is(err, service.ErrPersistence):
		return serviceError{Status: http.StatusInternalServerError, Code: "PERSISTENCE_ERROR", Message: messagePersistence}
	default:
		return serviceError{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: messageInternal}
	}
}

// handleServiceError writes a JSON response for err. Validation errors
// use the {"errors":{field:message}} shape; everything else {"error":{...}}.
func handleServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	se := classifyError(err)
	if se.Status >= http.StatusInternalServerError {
		logger.Error("request failed",
			slog.String("request_id", middleware.GetRequestID(r.Context())),
			slog.String("code", se.Code),
			slog.String("error", err.Error()),
		)
	}

	if se.Field != "" {
		writeJSON(w, se.Status, dto.ValidationErrorResponse{Errors: map[string]string{se.Field: se.Message}})
		return
	}
	writeError(w, se.Status, se.Code, se.Message)
}
