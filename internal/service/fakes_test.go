package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quill/quill/internal/cache"
	"github.com/quill/quill/internal/model"
	"github.com/quill/quill/internal/provider"
	"github.com/quill/quill/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory CompletionStore and UserStore.
type memStore struct {
	mu          sync.Mutex
	users       map[string]*model.User
	completions []*model.Completion

	// recordErr, when set, fails RecordCompletion without changing state.
	recordErr error
	// beforeRecord runs inside RecordCompletion before the balance check.
	beforeRecord func()
	// rehashErr, when set, fails UpdatePasswordHash.
	rehashErr error
}

func newMemStore(users ...*model.User) *memStore {
	s := &memStore{users: make(map[string]*model.User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *memStore) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (s *memStore) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rehashErr != nil {
		return s.rehashErr
	}
	u, ok := s.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (s *memStore) CreateUser(ctx context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == user.Email {
			return repository.ErrEmailExists
		}
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *memStore) GetMostRecentCompletions(ctx context.Context, userID string, limit int) ([]*model.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Completion, 0)
	for _, c := range s.completions {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetCompletionByRequestID(ctx context.Context, userID, requestID string) (*model.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.completions {
		if c.UserID == userID && c.RequestID == requestID {
			return c, nil
		}
	}
	return nil, repository.ErrCompletionNotFound
}

func (s *memStore) RecordCompletion(ctx context.Context, c *model.Completion) (*model.User, error) {
	if s.beforeRecord != nil {
		s.beforeRecord()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recordErr != nil {
		return nil, s.recordErr
	}

	u, ok := s.users[c.UserID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	if u.Tokens < c.Tokens {
		return nil, repository.ErrInsufficientTokens
	}
	if c.RequestID != "" {
		for _, existing := range s.completions {
			if existing.UserID == c.UserID && existing.RequestID == c.RequestID {
				return nil, repository.ErrDuplicateRequestID
			}
		}
	}

	u.Tokens -= c.Tokens
	s.completions = append(s.completions, c)
	cp := *u
	return &cp, nil
}

func (s *memStore) setTokens(userID string, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID].Tokens = tokens
}

func (s *memStore) balance(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID].Tokens
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completions)
}

// fakeCompleter records calls and returns a canned answer or error.
type fakeCompleter struct {
	mu     sync.Mutex
	calls  []fakeCall
	answer string
	err    error
}

type fakeCall struct {
	Prompt    string
	MaxTokens int
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string, maxTokens int) (*provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{Prompt: prompt, MaxTokens: maxTokens})
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Result{Text: f.answer, FinishReason: "stop"}, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// memSessions is an in-memory SessionStore.
type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*cache.Session
	getErr   error
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*cache.Session)}
}

func (m *memSessions) CreateSession(ctx context.Context, id string, s *cache.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = s
	return nil
}

func (m *memSessions) GetSession(ctx context.Context, id string) (*cache.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, cache.ErrSessionNotFound
	}
	return s, nil
}

func (m *memSessions) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

var errBoom = errors.New("boom")
