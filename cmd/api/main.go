// Package main is the entrypoint for the Quill web server.
package main

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/quill/quill/internal/auth"
	"github.com/quill/quill/internal/cache"
	"github.com/quill/quill/internal/config"
	"github.com/quill/quill/internal/handler"
	"github.com/quill/quill/internal/handler/dto"
	"github.com/quill/quill/internal/metrics"
	"github.com/quill/quill/internal/middleware"
	"github.com/quill/quill/internal/migrate"
	"github.com/quill/quill/internal/provider"
	"github.com/quill/quill/internal/repository"
	"github.com/quill/quill/internal/server"
	"github.com/quill/quill/internal/service"
	"github.com/quill/quill/web"
)

func main() {
	ctx := context.Background()

	// A missing .env is normal outside local development
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)

	if cfg.MigrateOnStart {
		if err := runMigrations(cfg, logger); err != nil {
			logger.Error("failed to apply migrations", slog.String("error", sanitizeError(err, cfg.DatabaseURL)))
			os.Exit(1)
		}
	}

	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error(
			"failed to connect to database",
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		os.Exit(1)
	}
	logger.Info("connected to database")

	cacheClient, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		repo.Close()
		logger.Error(
			"failed to connect to Redis",
			slog.String("error", sanitizeError(err, cfg.RedisURL)),
			slog.String("redis_url", redactURL(cfg.RedisURL)),
		)
		os.Exit(1)
	}
	logger.Info("connected to Redis")

	signer, err := auth.NewSessionSigner(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		logger.Error("failed to create session signer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	renderer, err := newRenderer(logger)
	if err != nil {
		logger.Error("failed to load templates", slog.String("error", err.Error()))
		os.Exit(1)
	}

	recorder := metrics.NewPrometheus()
	completer := provider.New(cfg.Provider, logger)

	completionService := service.NewCompletionService(repo, completer, logger, recorder, cfg.HistoryLimit)
	accountService, err := service.NewAccountService(repo, cacheClient, signer, logger, cfg.SignupTokens)
	if err != nil {
		logger.Error("failed to create account service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	trustedProxies, err := cfg.GetTrustedProxies()
	if err != nil {
		logger.Error("invalid trusted proxies", slog.String("error", err.Error()))
		os.Exit(1)
	}

	keyEnv := auth.EnvLive
	if cfg.IsDevelopment() {
		keyEnv = auth.EnvTest
	}

	deps := routerDeps{
		home:   handler.New(renderer),
		health: handler.NewHealthHandler(logger, repo, cacheClient),
		writing: handler.NewWritingHandler(logger, completionService, renderer, handler.WritingConfig{
			Limits:        dto.Limits{MaxPromptLength: cfg.MaxPromptLength, MaxTokens: cfg.MaxRequestTokens},
			DefaultTokens: cfg.DefaultRequestTokens,
		}),
		account: handler.NewAccountHandler(logger, accountService, renderer, handler.SessionCookie{
			Name:   cfg.CookieName,
			Secure: !cfg.IsDevelopment(),
		}),
		apiKeys:  handler.NewAPIKeyHandler(logger, repo, cacheClient, keyEnv),
		sessions: accountService,
		repo:     repo,
		cache:    cacheClient,
		metrics:  recorder,

		trustedProxies: trustedProxies,
	}

	r := setupRouter(deps, cfg, logger)

	srv := server.New(r, cfg, logger)

	// Shutdown runs LIFO: Redis closes before Postgres
	srv.OnShutdown("postgres", func(ctx context.Context) error {
		repo.Close()
		return nil
	})
	srv.OnShutdown("redis", func(ctx context.Context) error {
		return cacheClient.Close()
	})

	logger.Info("starting server",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"provider_model", cfg.Provider.Model,
		"provider_base_url", redactURL(cfg.Provider.BaseURL),
	)

	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}

	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runMigrations(cfg *config.Config, logger *slog.Logger) error {
	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, logger)
	if err != nil {
		return err
	}
	defer runner.Close()
	return runner.Up()
}

func newRenderer(logger *slog.Logger) (*handler.Renderer, error) {
	templates, err := fs.Sub(web.Templates, "templates")
	if err != nil {
		return nil, err
	}
	return handler.NewRenderer(templates, logger)
}

// routerDeps collects what the router mounts.
type routerDeps struct {
	home     *handler.Handler
	health   *handler.HealthHandler
	writing  *handler.WritingHandler
	account  *handler.AccountHandler
	apiKeys  *handler.APIKeyHandler
	sessions middleware.SessionAuthenticator
	repo     *repository.Repository
	cache    *cache.Cache
	metrics  *metrics.PrometheusRecorder

	trustedProxies []netip.Prefix
}

// setupRouter configures the chi router with all routes and middleware.
func setupRouter(deps routerDeps, cfg *config.Config, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.TrustedRealIP(deps.trustedProxies))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Metrics(deps.metrics))
	securityCfg := middleware.DefaultSecurityConfig()
	securityCfg.IsDevelopment = cfg.IsDevelopment()
	r.Use(middleware.Security(securityCfg))

	// Health checks, metrics and assets carry no identity
	r.Get("/healthz", deps.health.Healthz)
	r.Get("/readyz", deps.health.Readyz)
	r.Handle("/metrics", deps.metrics.Handler())

	static, _ := fs.Sub(web.Static, "static")
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	authCfg := middleware.AuthConfig{
		Logger:     logger,
		Sessions:   deps.sessions,
		CookieName: cfg.CookieName,
		Keys:       deps.repo,
		Cache:      deps.cache,
	}

	rateLimitCfg := middleware.RateLimitConfig{
		Logger:              logger,
		Limiter:             deps.cache,
		Metrics:             deps.metrics,
		Enabled:             cfg.RateLimitEnabled,
		CompletionPerMinute: cfg.RateLimitPerMinute,
		CompletionBurst:     cfg.RateLimitBurst,
		AuthPerMinute:       cfg.AuthRateLimitPerMinute,
		AuthBurst:           cfg.AuthRateLimitBurst,
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.MaxBodySize(cfg.MaxRequestBodySize))
		r.Use(middleware.Authenticate(authCfg))

		r.Get("/", deps.home.Home)

		// Account pages, POSTs limited per client IP
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitIP(rateLimitCfg))
			r.Get("/join", deps.account.JoinPage)
			r.Post("/join", deps.account.Join)
			r.Get("/login", deps.account.LoginPage)
			r.Post("/login", deps.account.Login)
		})
		r.Post("/logout", deps.account.Logout)

		// Writing page
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequirePageUser("/login"))
			r.Get("/writing", deps.writing.Page)
			r.With(middleware.RateLimitCompletions(rateLimitCfg)).Post("/writing", deps.writing.Submit)
		})

		// JSON API, session cookie or API key
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(middleware.CORS(corsConfig(cfg)))
			r.Use(middleware.RequireUser)

			r.With(middleware.RequireRead()).Get("/writing", deps.writing.History)
			r.With(
				middleware.RequireWrite(),
				middleware.IdempotencyKey,
				middleware.RateLimitCompletions(rateLimitCfg),
			).Post("/completions", deps.writing.Create)

			r.Route("/api-keys", func(r chi.Router) {
				r.With(middleware.RequireRead()).Get("/", deps.apiKeys.ListAPIKeys)
				r.With(middleware.RequireWrite()).Post("/", deps.apiKeys.CreateAPIKey)
				r.With(middleware.RequireWrite()).Delete("/{key_id}", deps.apiKeys.RevokeAPIKey)
			})
		})
	})

	// 404 and 405 handlers
	r.NotFound(deps.home.NotFound)
	r.MethodNotAllowed(deps.home.MethodNotAllowed)

	return r
}

func corsConfig(cfg *config.Config) middleware.CORSConfig {
	c := middleware.DefaultCORSConfig()
	c.AllowedOrigins = cfg.GetCORSAllowedOrigins()
	c.MaxAge = int((12 * time.Hour).Seconds())
	return c
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
