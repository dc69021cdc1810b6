package middleware

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"unicode"
)

// Validation limits.
const (
	// MaxRequestIDLength is the maximum length for a client idempotency key.
	MaxRequestIDLength = 128

	// MaxKeyNameLength is the maximum length for an API key label.
	MaxKeyNameLength = 64
)

// IdempotencyKeyHeader carries a client-chosen request ID for completion
// submissions.
const IdempotencyKeyHeader = "Idempotency-Key"

// idempotencyKey is the context key for a validated idempotency key.
const idempotencyKey contextKey = "idempotency_key"

// Validation errors.
var (
	ErrRequestIDTooLong = errors.New("request id exceeds maximum length")
	ErrRequestIDInvalid = errors.New("request id contains invalid characters")
	ErrKeyNameTooLong   = errors.New("key name exceeds maximum length")
	ErrKeyNameInvalid   = errors.New("key name contains control characters")
)

// validRequestIDPattern matches valid request ID characters.
// Allowed: a-z, A-Z, 0-9, hyphen, underscore, dot, colon
var validRequestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidateRequestID validates a client-supplied idempotency key.
func ValidateRequestID(id string) error {
	if id == "" {
		return nil // Optional
	}

	if len(id) > MaxRequestIDLength {
		return ErrRequestIDTooLong
	}

	if !validRequestIDPattern.MatchString(id) {
		return ErrRequestIDInvalid
	}

	return nil
}

// ValidateKeyName validates a human label for an API key.
func ValidateKeyName(name string) error {
	if len(name) > MaxKeyNameLength {
		return ErrKeyNameTooLong
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return ErrKeyNameInvalid
		}
	}

	return nil
}

// IdempotencyKey validates the Idempotency-Key header and makes it
// available through GetIdempotencyKey. Malformed keys are rejected with 400.
func IdempotencyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyKeyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		if err := ValidateRequestID(key); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"INVALID_IDEMPOTENCY_KEY","message":"` + err.Error() + `"}}`))
			return
		}

		ctx := context.WithValue(r.Context(), idempotencyKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetIdempotencyKey retrieves the validated idempotency key from context.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKey).(string); ok {
		return key
	}
	return ""
}
