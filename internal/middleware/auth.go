package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quill/quill/internal/auth"
	"github.com/quill/quill/internal/model"
)

const (
	// minKeyAuthDuration is the minimum time to spend on API key auth to prevent timing attacks.
	minKeyAuthDuration = 200 * time.Millisecond
)

// SessionAuthenticator resolves a signed session cookie to an identity.
// Cookies that are forged, expired or logged out must be reported with an
// error wrapping auth.ErrInvalidSession; other errors leave the cookie set.
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*model.AuthContext, error)
}

// APIKeyStore looks up API keys for verification.
type APIKeyStore interface {
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*model.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, keyID string) error
}

// AuthCache caches verified API keys.
type AuthCache interface {
	GetAuthContext(ctx context.Context, cacheKey string) (*model.AuthContext, error)
	SetAuthContext(ctx context.Context, cacheKey string, auth *model.AuthContext) error
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	Logger     *slog.Logger
	Sessions   SessionAuthenticator
	CookieName string
	Keys       APIKeyStore
	Cache      AuthCache
	// MinKeyAuthDuration overrides the timing floor for API key checks.
	// Zero uses the default.
	MinKeyAuthDuration time.Duration
}

// Authenticate identifies the caller from an API key header or a session
// cookie and injects the auth context. It never rejects anonymous requests;
// use RequireUser or RequirePageUser for that. A presented but invalid API
// key is rejected with 401. An invalid session cookie is cleared and the
// request continues anonymously; when the session store cannot be reached
// the cookie is kept.
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	if cfg.MinKeyAuthDuration == 0 {
		cfg.MinKeyAuthDuration = minKeyAuthDuration
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := extractAPIKey(r); key != "" {
				authCtx := authenticateAPIKey(r, cfg, key)
				if authCtx == nil {
					writeAuthError(w)
					return
				}
				noteCaller(r.Context(), authCtx)
				next.ServeHTTP(w, r.WithContext(auth.ContextWithAuth(r.Context(), authCtx)))
				return
			}

			cookie, err := r.Cookie(cfg.CookieName)
			if err != nil || cookie.Value == "" || cfg.Sessions == nil {
				next.ServeHTTP(w, r)
				return
			}

			authCtx, err := cfg.Sessions.Authenticate(r.Context(), cookie.Value)
			if err != nil {
				if !errors.Is(err, auth.ErrInvalidSession) {
					// The session store is unreachable. The cookie may still be
					// good, so keep it and serve this request anonymously.
					cfg.Logger.Error("session lookup failed",
						slog.String("error", err.Error()),
						slog.String("request_id", GetRequestID(r.Context())),
					)
					next.ServeHTTP(w, r)
					return
				}
				cfg.Logger.Info("session rejected",
					slog.String("request_id", GetRequestID(r.Context())),
				)
				ClearSessionCookie(w, cfg.CookieName)
				next.ServeHTTP(w, r)
				return
			}

			noteCaller(r.Context(), authCtx)
			next.ServeHTTP(w, r.WithContext(auth.ContextWithAuth(r.Context(), authCtx)))
		})
	}
}

// authenticateAPIKey verifies key and returns its auth context, or nil.
func authenticateAPIKey(r *http.Request, cfg AuthConfig, key string) *model.AuthContext {
	startTime := time.Now()

	// Ensure consistent timing regardless of outcome
	defer func() {
		elapsed := time.Since(startTime)
		if elapsed < cfg.MinKeyAuthDuration {
			time.Sleep(cfg.MinKeyAuthDuration - elapsed)
		}
	}()

	logFailure := func(reason string) {
		cfg.Logger.Warn("authentication failed",
			slog.String("reason", reason),
			slog.String("ip", getClientIP(r)),
			slog.String("endpoint", r.Method+" "+r.URL.Path),
			slog.String("request_id", GetRequestID(r.Context())),
		)
	}

	parsed, err := auth.ParseAPIKey(key)
	if err != nil {
		logFailure("invalid_format")
		return nil
	}

	cacheKey := auth.QuickHash(key)
	if cfg.Cache != nil {
		if authCtx, _ := cfg.Cache.GetAuthContext(r.Context(), cacheKey); authCtx != nil {
			cfg.Logger.Info("authentication successful",
				slog.String("key_id", authCtx.KeyID),
				slog.String("key_prefix", authCtx.KeyPrefix),
				slog.String("user_id", authCtx.UserID),
				slog.Bool("cache_hit", true),
				slog.String("request_id", GetRequestID(r.Context())),
			)
			return authCtx
		}
	}

	keys, err := cfg.Keys.GetAPIKeysByPrefix(r.Context(), parsed.Prefix)
	if err != nil {
		cfg.Logger.Error("database error during auth",
			slog.String("error", err.Error()),
			slog.String("request_id", GetRequestID(r.Context())),
		)
		return nil
	}

	// Verify against each candidate key (handles prefix collisions)
	var matched *model.APIKey
	for _, k := range keys {
		ok, err := auth.VerifyPassword(key, k.KeyHash)
		if err == nil && ok {
			matched = k
			break
		}
	}
	if matched == nil {
		logFailure("invalid_key")
		return nil
	}

	authCtx := &model.AuthContext{
		UserID:    matched.UserID,
		KeyID:     matched.ID,
		KeyPrefix: matched.KeyPrefix,
		Scopes:    matched.Scopes,
	}

	if cfg.Cache != nil {
		if err := cfg.Cache.SetAuthContext(r.Context(), cacheKey, authCtx); err != nil {
			cfg.Logger.Warn("failed to cache auth context", slog.String("error", err.Error()))
		}
	}

	go func(ctx context.Context, keyID string) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = cfg.Keys.UpdateAPIKeyLastUsed(ctx, keyID)
	}(context.WithoutCancel(r.Context()), matched.ID)

	cfg.Logger.Info("authentication successful",
		slog.String("key_id", authCtx.KeyID),
		slog.String("key_prefix", authCtx.KeyPrefix),
		slog.String("user_id", authCtx.UserID),
		slog.Bool("cache_hit", false),
		slog.String("request_id", GetRequestID(r.Context())),
	)

	return authCtx
}

// RequireUser rejects anonymous API requests with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.AuthFromContext(r.Context()) == nil {
			writeAuthError(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePageUser redirects anonymous page requests to loginPath,
// remembering where they were headed.
func RequirePageUser(loginPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.AuthFromContext(r.Context()) == nil {
				target := loginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
				http.Redirect(w, r, target, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetSessionCookie writes the session cookie.
func SetSessionCookie(w http.ResponseWriter, name, token string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// extractAPIKey extracts the API key from the request.
// Supports both "Authorization: Bearer <key>" and "X-API-Key: <key>" headers.
func extractAPIKey(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// writeAuthError writes a 401 Unauthorized response.
// Uses the same message for all auth failures to prevent enumeration.
func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"Authentication required"}}`))
}
