// Bootstrap a user for local development or smoke tests: creates the user
// if missing, sets their token balance and optionally issues an API key.
//
//	go run ./scripts/bootstrap-user.go -email dev@quill.local -password 'change me please' -tokens 5000 -api-key
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quill/quill/internal/auth"
	"github.com/quill/quill/internal/model"
	"github.com/quill/quill/internal/repository"
)

type output struct {
	UserID    string   `json:"user_id"`
	Email     string   `json:"email"`
	Tokens    int      `json:"tokens"`
	KeyID     string   `json:"key_id,omitempty"`
	Key       string   `json:"key,omitempty"`
	KeyPrefix string   `json:"key_prefix,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
}

func main() {
	var (
		databaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
		email       = flag.String("email", "dev@quill.local", "User email")
		password    = flag.String("password", "", "Password for a newly created user")
		tokens      = flag.Int("tokens", 1000, "Token balance to set")
		withKey     = flag.Bool("api-key", false, "Also issue an API key")
		keyEnv      = flag.String("key-env", auth.EnvTest, "API key environment: live or test")
		name        = flag.String("name", "bootstrap", "API key name")
		scopesInput = flag.String("scopes", "read,write", "Comma-separated scopes (read,write,admin)")
		format      = flag.String("format", "plain", "Output format: plain or json")
	)
	flag.Parse()

	if *databaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}
	if *tokens < 0 {
		fmt.Fprintln(os.Stderr, "tokens must not be negative")
		os.Exit(1)
	}

	scopes, err := parseScopes(*scopesInput)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := repository.New(ctx, *databaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect database:", err)
		os.Exit(1)
	}
	defer repo.Close()

	user, err := ensureUser(ctx, repo, strings.ToLower(strings.TrimSpace(*email)), *password)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	user, err = repo.UpdateTokens(ctx, user.ID, *tokens)
	if err != nil {
		fmt.Fprintln(os.Stderr, "set tokens:", err)
		os.Exit(1)
	}

	out := output{UserID: user.ID, Email: user.Email, Tokens: user.Tokens}

	if *withKey {
		generated, err := auth.GenerateAPIKey(*keyEnv)
		if err != nil {
			fmt.Fprintln(os.Stderr, "generate api key:", err)
			os.Exit(1)
		}

		apiKey := &model.APIKey{
			ID:        ulid.Make().String(),
			UserID:    user.ID,
			KeyHash:   generated.Hash,
			KeyPrefix: generated.Prefix,
			Scopes:    scopes,
			Name:      *name,
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.CreateAPIKey(ctx, apiKey); err != nil {
			fmt.Fprintln(os.Stderr, "create api key:", err)
			os.Exit(1)
		}

		out.KeyID = apiKey.ID
		out.Key = generated.Plaintext
		out.KeyPrefix = apiKey.KeyPrefix
		out.Scopes = scopes
	}

	switch strings.ToLower(*format) {
	case "plain":
		if out.Key != "" {
			fmt.Println(out.Key)
		} else {
			fmt.Println(out.UserID)
		}
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	default:
		fmt.Fprintln(os.Stderr, "invalid format; use plain or json")
		os.Exit(1)
	}
}

func parseScopes(input string) ([]string, error) {
	parts := strings.Split(input, ",")
	scopes := make([]string, 0, len(parts))
	for _, part := range parts {
		scope := strings.TrimSpace(part)
		if scope == "" {
			continue
		}
		if !isValidScope(scope) {
			return nil, fmt.Errorf("invalid scope: %s", scope)
		}
		scopes = append(scopes, scope)
	}
	if len(scopes) == 0 {
		scopes = []string{model.ScopeRead}
	}
	return scopes, nil
}

func isValidScope(scope string) bool {
	for _, allowed := range model.ValidScopes {
		if scope == allowed {
			return true
		}
	}
	return false
}

func ensureUser(ctx context.Context, repo *repository.Repository, email, password string) (*model.User, error) {
	existing, err := repo.GetUserByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, fmt.Errorf("look up user: %w", err)
	}

	if len(password) < 8 {
		return nil, fmt.Errorf("-password of at least 8 characters is required to create %s", email)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user := &model.User{
		ID:           ulid.Make().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}
