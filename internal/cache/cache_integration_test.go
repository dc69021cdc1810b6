//go:build integration

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quill/quill/internal/model"
	"github.com/quill/quill/internal/testutil"
)

func newCacheTestEnv(t *testing.T) (context.Context, *Cache) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}

	ctx := context.Background()
	redisURL := testutil.RequireEnv(t, "REDIS_URL")

	c, err := New(ctx, redisURL)
	if err != nil {
		t.Skipf("Skipping integration test: Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := testutil.FlushRedis(ctx, c.Client()); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	return ctx, c
}

func TestIntegrationSession_Lifecycle(t *testing.T) {
	ctx, c := newCacheTestEnv(t)

	s := &Session{UserID: "user-1", Email: "a@example.com", CreatedAt: time.Now().UTC()}
	if err := c.CreateSession(ctx, "sess-1", s, time.Minute); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := c.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.UserID != "user-1" || got.Email != "a@example.com" {
		t.Errorf("unexpected session: %+v", got)
	}

	if err := c.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := c.GetSession(ctx, "sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound after delete, got: %v", err)
	}
}

func TestIntegrationSession_Expiry(t *testing.T) {
	ctx, c := newCacheTestEnv(t)

	s := &Session{UserID: "user-1", CreatedAt: time.Now().UTC()}
	if err := c.CreateSession(ctx, "sess-short", s, 50*time.Millisecond); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	if _, err := c.GetSession(ctx, "sess-short"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound after expiry, got: %v", err)
	}
}

func TestIntegrationAuthContext_Invalidate(t *testing.T) {
	ctx, c := newCacheTestEnv(t)

	authCtx := &model.AuthContext{KeyID: "key-1", KeyPrefix: "abc123", UserID: "user-1", Scopes: []string{"read"}}
	if err := c.SetAuthContext(ctx, "hash-a", authCtx); err != nil {
		t.Fatalf("SetAuthContext failed: %v", err)
	}

	got, _ := c.GetAuthContext(ctx, "hash-a")
	if got == nil || got.UserID != "user-1" {
		t.Fatalf("expected cached auth context, got %+v", got)
	}

	if err := c.InvalidateAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("InvalidateAPIKey failed: %v", err)
	}

	got, _ = c.GetAuthContext(ctx, "hash-a")
	if got != nil {
		t.Errorf("expected cache miss after invalidation, got %+v", got)
	}
}

func TestIntegrationCompletionRateLimit_Concurrency(t *testing.T) {
	ctx, c := newCacheTestEnv(t)

	const (
		rpm   = 10
		burst = 3
	)

	var allowed, rejected int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := c.CheckCompletionRateLimit(ctx, "user-concurrent", rpm, burst)
			if err != nil {
				t.Errorf("CheckCompletionRateLimit error: %v", err)
				return
			}
			if result.Allowed {
				atomic.AddInt64(&allowed, 1)
			} else {
				atomic.AddInt64(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	if allowed > burst+1 {
		t.Errorf("Too many requests allowed: %d (expected <= %d)", allowed, burst+1)
	}
	if rejected == 0 {
		t.Error("Expected some requests to be rejected")
	}
}

func TestIntegrationRateLimit_Disabled(t *testing.T) {
	ctx, c := newCacheTestEnv(t)

	for i := 0; i < 20; i++ {
		result, err := c.CheckIPRateLimit(ctx, "10.0.0.1", 0, 3)
		if err != nil {
			t.Fatalf("CheckIPRateLimit error: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request %d rejected with limit disabled", i)
		}
	}
}
