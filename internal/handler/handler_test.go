package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quill/quill/internal/service"
)

func TestHandler_Home(t *testing.T) {
	h := New(newTestRenderer(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	h.Home(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("expected text/html, got %s", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `href="/join"`) || !strings.Contains(body, `href="/login"`) {
		t.Errorf("expected join and login links for anonymous visitor")
	}
}

func TestHandler_Home_SignedIn(t *testing.T) {
	h := New(newTestRenderer(t))

	req := withAuth(httptest.NewRequest(http.MethodGet, "/?flash=Welcome+back", nil), sessionAuth("u1", "ada@example.com"))
	rec := httptest.NewRecorder()

	h.Home(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "Start writing") {
		t.Error("expected Start writing link")
	}
	if !strings.Contains(body, "ada@example.com") {
		t.Error("expected email in header")
	}
	if !strings.Contains(body, "Welcome back") {
		t.Error("expected flash message")
	}
}

func TestHandler_NotFound(t *testing.T) {
	h := New(newTestRenderer(t))

	t.Run("api", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/nonexistent", nil)
		rec := httptest.NewRecorder()

		h.NotFound(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rec.Code)
		}

		var response map[string]map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if response["error"]["code"] != "NOT_FOUND" {
			t.Errorf("unexpected error code: %s", response["error"]["code"])
		}
	})

	t.Run("page", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
		rec := httptest.NewRecorder()

		h.NotFound(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "404 Not Found") {
			t.Errorf("expected error page, got %s", rec.Body.String())
		}
	})
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := New(newTestRenderer(t))

	req := httptest.NewRequest(http.MethodPut, "/api/v1/writing", nil)
	rec := httptest.NewRecorder()

	h.MethodNotAllowed(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", rec.Code)
	}

	var response map[string]map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response["error"]["code"] != "METHOD_NOT_ALLOWED" {
		t.Errorf("unexpected error code: %s", response["error"]["code"])
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantField string
	}{
		{"validation", service.NewValidationError("tokens", "Not enough tokens"), http.StatusUnprocessableEntity, "tokens"},
		{"wrapped validation", fmt.Errorf("submit: %w", service.NewValidationError("prompt", "Prompt is required")), http.StatusUnprocessableEntity, "prompt"},
		{"user not found", service.ErrUserNotFound, http.StatusNotFound, ""},
		{"upstream", &service.UpstreamError{Err: errors.New("timeout")}, http.StatusBadGateway, ""},
		{"persistence", fmt.Errorf("%w: commit", service.ErrPersistence), http.StatusInternalServerError, ""},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.err)
			if got.Status != tt.wantCode {
				t.Errorf("status = %d, want %d", got.Status, tt.wantCode)
			}
			if got.Field != tt.wantField {
				t.Errorf("field = %q, want %q", got.Field, tt.wantField)
			}
		})
	}
}

func TestHandleServiceError_HidesInternalDetail(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/completions", nil)
	rec := httptest.NewRecorder()

	handleServiceError(rec, req, discardLogger(), errors.New("pq: password authentication failed"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "pq:") {
		t.Errorf("response leaks internal error: %s", rec.Body.String())
	}
}
