package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quill/quill/internal/model"
)

// Authentication methods recorded in request logs.
const (
	authMethodSession = "session"
	authMethodAPIKey  = "api_key"
)

// quietPaths are polled by orchestrators and scrapers; successful hits
// are logged at debug level.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// responseWriter records the status and size of a response.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// caller is filled in by Authenticate further down the chain so the
// request log line can name the user it served.
type caller struct {
	userID string
	method string
}

const callerKey contextKey = "log_caller"

// noteCaller records the authenticated identity for the request log.
// It is a no-op outside Logger.
func noteCaller(ctx context.Context, a *model.AuthContext) {
	c, ok := ctx.Value(callerKey).(*caller)
	if !ok || a == nil {
		return
	}
	c.userID = a.UserID
	c.method = authMethodAPIKey
	if a.ViaSession() {
		c.method = authMethodSession
	}
}

// Logger logs one line per request with its outcome and, once
// authenticated, the user it was served for. Headers and bodies are never
// logged: they carry session cookies, API keys and prompts.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			who := &caller{}
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), callerKey, who)))

			attrs := []slog.Attr{
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.status),
				slog.Int("bytes", wrapped.bytes),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				attrs = append(attrs, slog.String("route", rctx.RoutePattern()))
			}
			if who.userID != "" {
				attrs = append(attrs,
					slog.String("user_id", who.userID),
					slog.String("auth", who.method),
				)
			}

			logger.LogAttrs(r.Context(), requestLogLevel(r, wrapped.status), "http request", attrs...)
		})
	}
}

func requestLogLevel(r *http.Request, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case quietPaths[strings.TrimSuffix(r.URL.Path, "/")]:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
