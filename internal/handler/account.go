package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quill/quill/internal/auth"
	"github.com/quill/quill/internal/middleware"
	"github.com/quill/quill/internal/service"
)

// AccountService is the sign-up and session workflow.
type AccountService interface {
	Join(ctx context.Context, creds service.Credentials) (*service.SessionResult, error)
	Login(ctx context.Context, creds service.Credentials) (*service.SessionResult, error)
	Logout(ctx context.Context, token string) error
	SessionTTL() time.Duration
}

// SessionCookie describes how the session cookie is written.
type SessionCookie struct {
	Name   string
	Secure bool
}

// AccountHandler serves the join, login and logout pages.
type AccountHandler struct {
	logger   *slog.Logger
	accounts AccountService
	renderer *Renderer
	cookie   SessionCookie
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(logger *slog.Logger, accounts AccountService, renderer *Renderer, cookie SessionCookie) *AccountHandler {
	return &AccountHandler{
		logger:   logger,
		accounts: accounts,
		renderer: renderer,
		cookie:   cookie,
	}
}

type accountForm struct {
	Email string
}

type joinView struct {
	page
	Form              accountForm
	Errors            map[string]string
	Error             string
	MinPasswordLength int
}

type loginView struct {
	page
	Form  accountForm
	Next  string
	Error string
}

// JoinPage renders the sign-up form.
// GET /join
func (h *AccountHandler) JoinPage(w http.ResponseWriter, r *http.Request) {
	if auth.AuthFromContext(r.Context()) != nil {
		http.Redirect(w, r, "/writing", http.StatusSeeOther)
		return
	}
	h.renderJoin(w, r, http.StatusOK, accountForm{}, nil, "")
}

// Join creates an account and signs the new user in.
// POST /join
func (h *AccountHandler) Join(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderer.RenderError(w, r, http.StatusBadRequest, "The form could not be read.")
		return
	}

	form := accountForm{Email: strings.TrimSpace(r.PostFormValue("email"))}
	result, err := h.accounts.Join(r.Context(), service.Credentials{
		Email:    form.Email,
		Password: r.PostFormValue("password"),
	})
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			h.renderJoin(w, r, http.StatusUnprocessableEntity, form, map[string]string{verr.Field: verr.Message}, "")
			return
		}
		h.logger.Error("join failed",
			slog.String("request_id", middleware.GetRequestID(r.Context())),
			slog.String("error", err.Error()),
		)
		h.renderJoin(w, r, http.StatusInternalServerError, form, nil, messageInternal)
		return
	}

	middleware.SetSessionCookie(w, h.cookie.Name, result.Token, h.accounts.SessionTTL(), h.cookie.Secure)
	http.Redirect(w, r, "/writing", http.StatusSeeOther)
}

// LoginPage renders the login form.
// GET /login
func (h *AccountHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	next := safeRedirect(r.URL.Query().Get("next"))
	if auth.AuthFromContext(r.Context()) != nil {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}
	h.renderLogin(w, r, http.StatusOK, accountForm{}, next, "")
}

// Login checks credentials and starts a session.
// POST /login
func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderer.RenderError(w, r, http.StatusBadRequest, "The form could not be read.")
		return
	}

	form := accountForm{Email: strings.TrimSpace(r.PostFormValue("email"))}
	next := safeRedirect(r.PostFormValue("next"))

	result, err := h.accounts.Login(r.Context(), service.Credentials{
		Email:    form.Email,
		Password: r.PostFormValue("password"),
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			h.renderLogin(w, r, http.StatusUnauthorized, form, next, "Incorrect email or password.")
			return
		}
		h.logger.Error("login failed",
			slog.String("request_id", middleware.GetRequestID(r.Context())),
			slog.String("error", err.Error()),
		)
		h.renderLogin(w, r, http.StatusInternalServerError, form, next, messageInternal)
		return
	}

	middleware.SetSessionCookie(w, h.cookie.Name, result.Token, h.accounts.SessionTTL(), h.cookie.Secure)
	http.Redirect(w, r, next, http.StatusSeeOther)
}

// Logout ends the session and clears the cookie.
// POST /logout
func (h *AccountHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(h.cookie.Name); err == nil && cookie.Value != "" {
		if err := h.accounts.Logout(r.Context(), cookie.Value); err != nil {
			h.logger.Warn("failed to revoke session",
				slog.String("request_id", middleware.GetRequestID(r.Context())),
				slog.String("error", err.Error()),
			)
		}
	}

	middleware.ClearSessionCookie(w, h.cookie.Name)
	http.Redirect(w, r, "/?flash="+url.QueryEscape("You have been logged out."), http.StatusSeeOther)
}

func (h *AccountHandler) renderJoin(w http.ResponseWriter, r *http.Request, status int, form accountForm, fieldErrors map[string]string, message string) {
	h.renderer.Render(w, status, "join", joinView{
		page:              newPage(r),
		Form:              form,
		Errors:            fieldErrors,
		Error:             message,
		MinPasswordLength: service.MinPasswordLength,
	})
}

func (h *AccountHandler) renderLogin(w http.ResponseWriter, r *http.Request, status int, form accountForm, next, message string) {
	h.renderer.Render(w, status, "login", loginView{
		page:  newPage(r),
		Form:  form,
		Next:  next,
		Error: message,
	})
}

// safeRedirect keeps post-login redirects on this site. Anything that is
// not a plain absolute path falls back to the writing page.
func safeRedirect(next string) string {
	const fallback = "/writing"
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, `\`) {
		return fallback
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	return next
}
