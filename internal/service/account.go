package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quill/quill/internal/auth"
	"github.com/quill/quill/internal/cache"
	"github.com/quill/quill/internal/model"
	"github.com/quill/quill/internal/repository"
)

// Account limits.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
	MaxEmailLength    = 254
)

// UserStore is the user persistence the account workflow needs.
type UserStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}

// SessionStore keeps server-side session records.
type SessionStore interface {
	CreateSession(ctx context.Context, sessionID string, s *cache.Session, ttl time.Duration) error
	GetSession(ctx context.Context, sessionID string) (*cache.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// AccountService handles sign-up, login and browser sessions.
type AccountService struct {
	users        UserStore
	sessions     SessionStore
	signer       *auth.SessionSigner
	logger       *slog.Logger
	signupTokens int
	// dummyHash is verified against when the email is unknown so that
	// login timing does not reveal which emails are registered.
	dummyHash string
}

// NewAccountService creates a new AccountService. New users start with
// signupTokens tokens.
func NewAccountService(users UserStore, sessions SessionStore, signer *auth.SessionSigner, logger *slog.Logger, signupTokens int) (*AccountService, error) {
	dummy, err := auth.HashPassword("quill-dummy-password")
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountService{
		users:        users,
		sessions:     sessions,
		signer:       signer,
		logger:       logger,
		signupTokens: signupTokens,
		dummyHash:    dummy,
	}, nil
}

// Credentials are the fields of the join and login forms.
type Credentials struct {
	Email    string
	Password string
}

// SessionResult is returned when a session is opened.
type SessionResult struct {
	User  *model.User
	Token string // signed cookie value
}

// Join registers a new user and opens a session for them.
func (s *AccountService) Join(ctx context.Context, creds Credentials) (*SessionResult, error) {
	email, err := normalizeEmail(creds.Email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(creds.Password); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(creds.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now().UTC()
	user := &model.User{
		ID:           ulid.Make().String(),
		Email:        email,
		PasswordHash: hash,
		Tokens:       s.signupTokens,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return nil, NewValidationError("email", "A user already exists with this email")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("user joined", slog.String("user_id", user.ID))

	return s.openSession(ctx, user)
}

// Login checks credentials and opens a session.
// Unknown emails and wrong passwords both return ErrInvalidCredentials.
func (s *AccountService) Login(ctx context.Context, creds Credentials) (*SessionResult, error) {
	email := strings.ToLower(strings.TrimSpace(creds.Email))
	if email == "" || creds.Password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			_, _ = auth.VerifyPassword(creds.Password, s.dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	ok, err := auth.VerifyPassword(creds.Password, user.PasswordHash)
	if err != nil {
		s.logger.Error("stored password hash is unusable",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, ErrInvalidCredentials
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	if auth.NeedsRehash(user.PasswordHash, auth.DefaultParams) {
		s.upgradePasswordHash(ctx, user, creds.Password)
	}

	return s.openSession(ctx, user)
}

// upgradePasswordHash re-hashes a verified password with the current
// parameters. Failure is logged and the old hash keeps working.
func (s *AccountService) upgradePasswordHash(ctx context.Context, user *model.User, password string) {
	hash, err := auth.HashPassword(password)
	if err == nil {
		err = s.users.UpdatePasswordHash(ctx, user.ID, hash)
	}
	if err != nil {
		s.logger.Warn("password hash upgrade failed",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	user.PasswordHash = hash
	s.logger.Info("password hash upgraded", slog.String("user_id", user.ID))
}

// Authenticate resolves a signed session cookie to the caller's identity.
func (s *AccountService) Authenticate(ctx context.Context, token string) (*model.AuthContext, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return nil, ErrSessionInvalid
	}

	sess, err := s.sessions.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, cache.ErrSessionNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess.UserID != claims.Subject {
		return nil, ErrSessionInvalid
	}

	return &model.AuthContext{
		UserID:    sess.UserID,
		Email:     sess.Email,
		SessionID: claims.SessionID,
		Scopes:    []string{model.ScopeRead, model.ScopeWrite},
	}, nil
}

// Logout revokes the session behind token. Invalid tokens are ignored.
func (s *AccountService) Logout(ctx context.Context, token string) error {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return nil
	}
	if err := s.sessions.DeleteSession(ctx, claims.SessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Info("user logged out", slog.String("user_id", claims.Subject))
	return nil
}

// SessionTTL is how long a new session lasts.
func (s *AccountService) SessionTTL() time.Duration {
	return s.signer.TTL()
}

func (s *AccountService) openSession(ctx context.Context, user *model.User) (*SessionResult, error) {
	sessionID, err := auth.GenerateSessionID()
	if err != nil {
		return nil, err
	}

	record := &cache.Session{
		UserID:    user.ID,
		Email:     user.Email,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.sessions.CreateSession(ctx, sessionID, record, s.signer.TTL()); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	token, err := s.signer.Sign(user.ID, sessionID)
	if err != nil {
		return nil, err
	}

	return &SessionResult{User: user, Token: token}, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", NewValidationError("email", "Email is required")
	}
	if len(email) > MaxEmailLength {
		return "", NewValidationError("email", "Email is too long")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", NewValidationError("email", "Email is invalid")
	}
	return email, nil
}

func validatePassword(password string) error {
	switch {
	case password == "":
		return NewValidationError("password", "Password is required")
	case len(password) < MinPasswordLength:
		return NewValidationError("password", fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	case len(password) > MaxPasswordLength:
		return NewValidationError("password", "Password is too long")
	}
	return nil
}
