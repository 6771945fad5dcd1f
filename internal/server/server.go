// Package server wires the HTTP surface together: it owns the router, the
// dependency graph (store → services → handlers), and graceful shutdown.
// main.go stays minimal; everything is assembled here, in one place.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/toolhub/toolhub/internal/auth"
	"github.com/toolhub/toolhub/internal/handler"
	"github.com/toolhub/toolhub/internal/middleware"
	"github.com/toolhub/toolhub/internal/model"
	sqliteRepo "github.com/toolhub/toolhub/internal/repository/sqlite"
	"github.com/toolhub/toolhub/internal/service"
)

// Config holds everything the server needs from the environment.
type Config struct {
	Port      int
	DBPath    string
	JWTSecret string

	GitHubClientID     string
	GitHubClientSecret string
	GitHubCallbackURL  string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleCallbackURL  string
}

// Server owns the router and the resources that outlive a single request.
// The database connection is closed during graceful shutdown so the WAL is
// flushed and the file lock released.
type Server struct {
	router *chi.Mux
	config Config
	logger *slog.Logger
	db     *sqliteRepo.DB
}

// New assembles the full dependency chain: sqlite store → token/password
// services → lifecycle → identity engine → handlers → routes. Each layer
// receives interfaces, not the layers below it.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
	}

	if err := s.setupRoutes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// setupRoutes configures middleware and the route tree.
//
// Route structure:
//
//	POST /auth/register                → native account registration
//	POST /auth/login                   → native username/password login
//	POST /auth/logout                  → clear the session cookie
//	GET  /auth/{provider}/login        → start OAuth, login intent
//	GET  /auth/{provider}/register     → start OAuth, register intent
//	GET  /auth/{provider}/link         → start OAuth, link intent
//	GET  /auth/{provider}/callback     → OAuth callback, dispatches on intent
//	GET  /api/me                       → current account
//	GET  /api/tokens                   → list linked credentials
//	DEL  /api/tokens/{id}              → unlink a credential
//	PUT  /api/users/username           → change username
//	DEL  /api/users/me                 → self-destruct
//	GET  /api/entries                  → list own catalog entries
//	POST /api/entries                  → create a catalog entry
//
// Middleware order: RequestID → RealIP → Recoverer → request logging. The
// /auth subtree additionally runs a per-IP rate limit; /api requires a valid
// session or bearer token.
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	tokens, err := auth.NewTokenService(s.config.JWTSecret)
	if err != nil {
		return err
	}
	passwords := auth.NewPasswordService()

	providers := auth.Registry{}
	if s.config.GitHubClientID != "" {
		providers[model.ProviderGitHub] = auth.NewGitHubResolver(
			s.config.GitHubClientID, s.config.GitHubClientSecret, s.config.GitHubCallbackURL,
		)
	}
	if s.config.GoogleClientID != "" {
		providers[model.ProviderGoogle] = auth.NewGoogleResolver(
			s.config.GoogleClientID, s.config.GoogleClientSecret, s.config.GoogleCallbackURL,
		)
	}

	lifecycle := service.NewLifecycle(s.db, tokens, passwords, s.logger)
	engine := service.NewEngine(s.db, lifecycle, s.logger)

	authHandler := handler.NewAuthHandler(providers, tokens, engine, lifecycle, s.logger)
	accountHandler := handler.NewAccountHandler(s.db, lifecycle, s.logger)

	// 1 req/s with a burst of 10 is generous for humans and hostile to
	// credential stuffing.
	limiter := middleware.NewLimiterStore(rate.Limit(1), 10, 10*time.Minute)

	s.router.Route("/auth", func(r chi.Router) {
		r.Use(middleware.RateLimit(limiter))

		r.Post("/register", authHandler.HandleNativeRegister)
		r.Post("/login", authHandler.HandleNativeLogin)
		r.Post("/logout", authHandler.HandleLogout)

		r.Get("/{provider}/login", authHandler.HandleOAuthStart(handler.IntentLogin))
		r.Get("/{provider}/register", authHandler.HandleOAuthStart(handler.IntentRegister))
		r.With(auth.RequireAuth(tokens, lifecycle)).Get("/{provider}/link", authHandler.HandleOAuthStart(handler.IntentLink))

		// The callback serves all three intents; link needs the session,
		// the others must work without one.
		r.With(auth.OptionalAuth(tokens, lifecycle)).Get("/{provider}/callback", authHandler.HandleOAuthCallback)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens, lifecycle))

		r.Get("/me", accountHandler.HandleMe)
		r.Get("/tokens", accountHandler.HandleListTokens)
		r.Delete("/tokens/{id}", accountHandler.HandleUnlinkToken)
		r.Put("/users/username", accountHandler.HandleRename)
		r.Delete("/users/me", accountHandler.HandleSelfDestruct)
		r.Get("/entries", accountHandler.HandleListEntries)
		r.Post("/entries", accountHandler.HandleCreateEntry)
	})

	return nil
}

// Start runs the HTTP server until SIGINT/SIGTERM, then shuts down
// gracefully: stop accepting connections, drain in-flight requests for up to
// 30 seconds, close the database.
func (s *Server) Start() error {
	defer s.db.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("database", s.config.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
