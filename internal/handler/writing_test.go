package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/quill/quill/internal/handler/dto"
	"github.com/quill/quill/internal/middleware"
	"github.com/quill/quill/internal/model"
	"github.com/quill/quill/internal/service"
)

func newTestWritingHandler(t *testing.T, completions CompletionService) *WritingHandler {
	t.Helper()
	return NewWritingHandler(discardLogger(), completions, newTestRenderer(t), WritingConfig{
		Limits:        dto.Limits{MaxPromptLength: 4000, MaxTokens: 4000},
		DefaultTokens: 150,
	})
}

func postForm(target string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return withAuth(req, sessionAuth("u1", "ada@example.com"))
}

var requestIDInput = regexp.MustCompile(`name="request_id" value="([^"]+)"`)

func TestWritingHandler_Page(t *testing.T) {
	completions := newFakeCompletions()
	completions.history.RecentCompletions = []*model.Completion{
		{ID: "c2", Prompt: "Second", Answer: "line one\nline two", Tokens: 30, CreatedAt: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
		{ID: "c1", Prompt: "First", Answer: "only", Tokens: 20, CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
	}
	h := newTestWritingHandler(t, completions)

	req := withAuth(httptest.NewRequest(http.MethodGet, "/writing", nil), sessionAuth("u1", "ada@example.com"))
	rec := httptest.NewRecorder()

	h.Page(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"ada@example.com",
		`<strong class="balance">100</strong>`,
		`value="150"`,
		"<p>line one</p>",
		"<p>line two</p>",
		"2024-05-02T00:00:00Z",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected page to contain %q", want)
		}
	}
	if strings.Index(body, "Second") > strings.Index(body, "First") {
		t.Error("expected newest completion first")
	}
	if !requestIDInput.MatchString(body) {
		t.Error("expected a request_id hidden input")
	}
}

func TestWritingHandler_Page_FreshRequestIDPerRender(t *testing.T) {
	h := newTestWritingHandler(t, newFakeCompletions())

	ids := make(map[string]bool)
	for i := 0; i < 2; i++ {
		req := withAuth(httptest.NewRequest(http.MethodGet, "/writing", nil), sessionAuth("u1", "ada@example.com"))
		rec := httptest.NewRecorder()
		h.Page(rec, req)

		m := requestIDInput.FindStringSubmatch(rec.Body.String())
		if m == nil {
			t.Fatal("missing request_id input")
		}
		ids[m[1]] = true
	}
	if len(ids) != 2 {
		t.Errorf("expected distinct request IDs per render, got %v", ids)
	}
}

func TestWritingHandler_Page_Empty(t *testing.T) {
	h := newTestWritingHandler(t, newFakeCompletions())

	req := withAuth(httptest.NewRequest(http.MethodGet, "/writing", nil), sessionAuth("u1", "ada@example.com"))
	rec := httptest.NewRecorder()

	h.Page(rec, req)

	if !strings.Contains(rec.Body.String(), "Nothing yet") {
		t.Error("expected empty history message")
	}
}

func TestWritingHandler_Page_UnknownUser(t *testing.T) {
	completions := newFakeCompletions()
	completions.historyErr = service.ErrUserNotFound
	h := newTestWritingHandler(t, completions)

	req := withAuth(httptest.NewRequest(http.MethodGet, "/writing", nil), sessionAuth("gone", "gone@example.com"))
	rec := httptest.NewRecorder()

	h.Page(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
}

func TestWritingHandler_Submit_Success(t *testing.T) {
	completions := newFakeCompletions()
	h := newTestWritingHandler(t, completions)

	rec := httptest.NewRecorder()
	h.Submit(rec, postForm("/writing", url.Values{
		"prompt":     {"Hello"},
		"tokens":     {"50"},
		"request_id": {"form-123"},
	}))

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected status 303, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/writing" {
		t.Errorf("expected redirect to /writing, got %s", loc)
	}

	got := completions.lastSubmit()
	want := service.CompletionRequest{UserID: "u1", Prompt: "Hello", Tokens: 50, RequestID: "form-123"}
	if got != want {
		t.Errorf("submitted %+v, want %+v", got, want)
	}
}

func TestWritingHandler_Submit_NotEnoughTokens(t *testing.T) {
	completions := newFakeCompletions()
	completions.submitErr = service.NewValidationError("tokens", service.MessageNotEnoughTokens)
	h := newTestWritingHandler(t, completions)

	rec := httptest.NewRecorder()
	h.Submit(rec, postForm("/writing", url.Values{"prompt": {"Hello"}, "tokens": {"150"}}))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `<p class="field-error">Not enough tokens</p>`) {
		t.Error("expected inline tokens error")
	}
	if !strings.Contains(body, ">Hello</textarea>") {
		t.Error("expected prompt to be kept")
	}
	if !strings.Contains(body, `value="150"`) {
		t.Error("expected tokens to be kept")
	}
}

func TestWritingHandler_Submit_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		values url.Values
		want   string
	}{
		{"non-integer tokens", url.Values{"prompt": {"Hello"}, "tokens": {"abc"}}, "Tokens must be a positive whole number"},
		{"zero tokens", url.Values{"prompt": {"Hello"}, "tokens": {"0"}}, "Tokens must be a positive whole number"},
		{"too many tokens", url.Values{"prompt": {"Hello"}, "tokens": {"4001"}}, "Tokens must be at most 4000"},
		{"empty prompt", url.Values{"prompt": {"  "}, "tokens": {"10"}}, "Prompt is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completions := newFakeCompletions()
			h := newTestWritingHandler(t, completions)

			rec := httptest.NewRecorder()
			h.Submit(rec, postForm("/writing", tt.values))

			if rec.Code != http.StatusUnprocessableEntity {
				t.Errorf("expected status 422, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("expected %q in page", tt.want)
			}
			if completions.submitCount() != 0 {
				t.Error("expected no submission")
			}
		})
	}
}

func TestWritingHandler_Submit_UpstreamFailure(t *testing.T) {
	completions := newFakeCompletions()
	completions.submitErr = &service.UpstreamError{Err: errors.New("503 from provider")}
	h := newTestWritingHandler(t, completions)

	rec := httptest.NewRecorder()
	h.Submit(rec, postForm("/writing", url.Values{"prompt": {"Hello"}, "tokens": {"10"}}))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Your tokens were not charged") {
		t.Error("expected generic upstream message")
	}
	if strings.Contains(body, "503 from provider") {
		t.Error("provider detail leaked into page")
	}
}

func TestWritingHandler_History(t *testing.T) {
	completions := newFakeCompletions()
	completions.history.RecentCompletions = []*model.Completion{
		{ID: "c1", Prompt: "Hello", Answer: "Hi\nthere", Tokens: 50},
	}
	h := newTestWritingHandler(t, completions)

	req := withAuth(httptest.NewRequest(http.MethodGet, "/api/v1/writing?limit=5", nil), sessionAuth("u1", "ada@example.com"))
	rec := httptest.NewRecorder()

	h.History(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp dto.WritingResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.CurrentUser.Tokens != 100 || resp.CurrentUser.Email != "ada@example.com" {
		t.Errorf("unexpected user: %+v", resp.CurrentUser)
	}
	if len(resp.RecentCompletions) != 1 || len(resp.RecentCompletions[0].AnswerLines) != 2 {
		t.Errorf("unexpected completions: %+v", resp.RecentCompletions)
	}
	if completions.limits[0] != 5 {
		t.Errorf("expected limit 5, got %d", completions.limits[0])
	}
}

func TestWritingHandler_History_BadLimit(t *testing.T) {
	h := newTestWritingHandler(t, newFakeCompletions())

	req := withAuth(httptest.NewRequest(http.MethodGet, "/api/v1/writing?limit=-1", nil), sessionAuth("u1", "ada@example.com"))
	rec := httptest.NewRecorder()

	h.History(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected status 422, got %d", rec.Code)
	}
}

func postJSON(target, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return withAuth(req, sessionAuth("u1", "ada@example.com"))
}

func TestWritingHandler_Create(t *testing.T) {
	completions := newFakeCompletions()
	h := newTestWritingHandler(t, completions)

	rec := httptest.NewRecorder()
	h.Create(rec, postJSON("/api/v1/completions", `{"prompt":"Hello","tokens":50}`))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp dto.CreateCompletionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Completion.Answer != "Hi there" || resp.Completion.Tokens != 50 {
		t.Errorf("unexpected completion: %+v", resp.Completion)
	}
	if resp.Balance == nil || *resp.Balance != 50 {
		t.Errorf("expected balance 50, got %v", resp.Balance)
	}
}

func TestWritingHandler_Create_FormEncoded(t *testing.T) {
	completions := newFakeCompletions()
	h := newTestWritingHandler(t, completions)

	rec := httptest.NewRecorder()
	h.Create(rec, postForm("/api/v1/completions", url.Values{"prompt": {"Hello"}, "tokens": {"7"}}))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}
	if completions.lastSubmit().Tokens != 7 {
		t.Errorf("expected 7 tokens, got %d", completions.lastSubmit().Tokens)
	}
}

func TestWritingHandler_Create_Replay(t *testing.T) {
	completions := newFakeCompletions()
	completions.submitResult = &service.SubmitResult{
		Completion: &model.Completion{ID: "c1", Prompt: "Hello", Answer: "Hi there", Tokens: 50, RequestID: "abc"},
		Replayed:   true,
	}
	h := newTestWritingHandler(t, completions)

	rec := httptest.NewRecorder()
	h.Create(rec, postJSON("/api/v1/completions", `{"prompt":"Hello","tokens":50,"request_id":"abc"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 for replay, got %d", rec.Code)
	}

	var resp dto.CreateCompletionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Replayed || resp.Balance != nil {
		t.Errorf("unexpected replay response: %+v", resp)
	}
}

func TestWritingHandler_Create_IdempotencyKeyHeader(t *testing.T) {
	completions := newFakeCompletions()
	h := newTestWritingHandler(t, completions)
	handler := middleware.IdempotencyKey(http.HandlerFunc(h.Create))

	req := postJSON("/api/v1/completions", `{"prompt":"Hello","tokens":5}`)
	req.Header.Set(middleware.IdempotencyKeyHeader, "retry-42")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}
	if got := completions.lastSubmit().RequestID; got != "retry-42" {
		t.Errorf("expected request ID from header, got %q", got)
	}
}

func TestWritingHandler_Create_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
		wantField  string
		wantCode   string
	}{
		{"malformed json", `{"prompt":`, nil, http.StatusBadRequest, "", "INVALID_REQUEST"},
		{"unknown field", `{"prompt":"Hi","tokens":5,"model":"x"}`, nil, http.StatusBadRequest, "", "INVALID_REQUEST"},
		{"missing tokens", `{"prompt":"Hi"}`, nil, http.StatusUnprocessableEntity, "tokens", ""},
		{"bad request id", `{"prompt":"Hi","tokens":5,"request_id":"has space"}`, nil, http.StatusUnprocessableEntity, "request_id", ""},
		{"request id reused", `{"prompt":"Hi","tokens":5,"request_id":"abc"}`, service.NewValidationError("request_id", service.MessageRequestIDReused), http.StatusUnprocessableEntity, "request_id", ""},
		{"not enough tokens", `{"prompt":"Hi","tokens":500}`, service.NewValidationError("tokens", service.MessageNotEnoughTokens), http.StatusUnprocessableEntity, "tokens", ""},
		{"upstream", `{"prompt":"Hi","tokens":5}`, &service.UpstreamError{Err: errors.New("down")}, http.StatusBadGateway, "", "UPSTREAM_ERROR"},
		{"persistence", `{"prompt":"Hi","tokens":5}`, service.ErrPersistence, http.StatusInternalServerError, "", "PERSISTENCE_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completions := newFakeCompletions()
			completions.submitErr = tt.submitErr
			h := newTestWritingHandler(t, completions)

			rec := httptest.NewRecorder()
			h.Create(rec, postJSON("/api/v1/completions", tt.body))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}

			if tt.wantField != "" {
				var resp dto.ValidationErrorResponse
				if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if resp.Errors[tt.wantField] == "" {
					t.Errorf("expected error on %s, got %v", tt.wantField, resp.Errors)
				}
				return
			}

			var resp map[string]map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp["error"]["code"] != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp["error"]["code"])
			}
		})
	}
}
