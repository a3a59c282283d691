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

	"github.com/Davincible/claude-bridge/internal/auth"
	"github.com/Davincible/claude-bridge/internal/bridge"
	"github.com/Davincible/claude-bridge/internal/config"
	"github.com/Davincible/claude-bridge/internal/handlers"
	"github.com/Davincible/claude-bridge/internal/middleware"
	"github.com/Davincible/claude-bridge/internal/relay"
)

type Server struct {
	config *config.Manager
	logger *slog.Logger
	server *http.Server
}

func New(configManager *config.Manager, logger *slog.Logger) *Server {
	return &Server{
		config: configManager,
		logger: logger,
	}
}

func (s *Server) Start() error {
	cfg := s.config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	mux := s.setupRoutes(cfg)

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("Starting server", "address", addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	s.logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("Server exited")
	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes(cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()

	store := auth.NewStore(auth.Override{
		AccessToken:  cfg.Credentials.AccessToken,
		RefreshToken: cfg.Credentials.RefreshToken,
	}, cfg.Credentials.File, s.logger)

	converter := bridge.NewConverter(s.logger)
	engine := relay.NewEngine(cfg.Upstream.Endpoint, store, s.logger)

	chatHandler := handlers.NewChatHandler(s.config, converter, engine, s.logger)
	modelsHandler := handlers.NewModelsHandler(s.config, s.logger)
	healthHandler := handlers.NewHealthHandler(s.logger)

	middlewareSet := middleware.NewMiddlewareSet(s.config, s.logger)

	mux.Handle("/health", middlewareSet.HealthChain().Handler(healthHandler))
	mux.Handle("/v1/models", middlewareSet.DefaultChain().Handler(modelsHandler))
	mux.Handle("/v1/chat/completions", middlewareSet.DefaultChain().Handler(chatHandler))

	return mux
}
