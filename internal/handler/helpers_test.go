package handler

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/quill/quill/internal/auth"
	"github.com/quill/quill/internal/model"
	"github.com/quill/quill/internal/service"
	"github.com/quill/quill/web"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	sub, err := fs.Sub(web.Templates, "templates")
	if err != nil {
		t.Fatalf("sub templates: %v", err)
	}
	rd, err := NewRenderer(sub, discardLogger())
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	return rd
}

func sessionAuth(userID, email string) *model.AuthContext {
	return &model.AuthContext{
		UserID:    userID,
		Email:     email,
		SessionID: "sess-1",
		Scopes:    []string{model.ScopeRead, model.ScopeWrite},
	}
}

func withAuth(r *http.Request, a *model.AuthContext) *http.Request {
	return r.WithContext(auth.ContextWithAuth(r.Context(), a))
}

// fakeCompletions is a scripted CompletionService.
type fakeCompletions struct {
	mu        sync.Mutex
	submitted []service.CompletionRequest
	limits    []int

	submitResult *service.SubmitResult
	submitErr    error
	history      *service.History
	historyErr   error
}

func newFakeCompletions() *fakeCompletions {
	return &fakeCompletions{
		history: &service.History{
			CurrentUser:       &model.User{ID: "u1", Email: "ada@example.com", Tokens: 100},
			RecentCompletions: []*model.Completion{},
		},
	}
}

func (f *fakeCompletions) Submit(_ context.Context, req service.CompletionRequest) (*service.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.submitResult != nil {
		return f.submitResult, nil
	}
	return &service.SubmitResult{
		Completion: &model.Completion{
			ID:        "c1",
			UserID:    req.UserID,
			Prompt:    req.Prompt,
			Answer:    "Hi there",
			Tokens:    req.Tokens,
			RequestID: req.RequestID,
			CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		User: &model.User{ID: req.UserID, Tokens: 100 - req.Tokens},
	}, nil
}

func (f *fakeCompletions) History(_ context.Context, _ string, limit int) (*service.History, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history, nil
}

func (f *fakeCompletions) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeCompletions) lastSubmit() service.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted[len(f.submitted)-1]
}
