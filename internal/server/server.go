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

	"github.com/antigravity-tools/agproxy/internal/account"
	"github.com/antigravity-tools/agproxy/internal/config"
	"github.com/antigravity-tools/agproxy/internal/credstore"
	"github.com/antigravity-tools/agproxy/internal/handlers"
	"github.com/antigravity-tools/agproxy/internal/middleware"
	"github.com/antigravity-tools/agproxy/internal/signature"
	"github.com/antigravity-tools/agproxy/internal/transform"
	"github.com/antigravity-tools/agproxy/internal/upstream"
)

// Server owns the application object graph: the pool, poller,
// transformer, dispatcher, and the HTTP front door.
type Server struct {
	config  *config.Manager
	logger  *slog.Logger
	version string

	pool       *account.Pool
	poller     *account.Poller
	dispatcher *upstream.Dispatcher

	// signatures is process-wide but owned here, not a global, so
	// tests stay hermetic.
	signatures *signature.Store

	server *http.Server
}

func New(configManager *config.Manager, dataDir, version string, logger *slog.Logger) *Server {
	dispatcher := upstream.NewDispatcher(configManager, logger)
	creds := credstore.NewDefault(dataDir)
	pool := account.NewPool(
		account.NewStorage(dataDir),
		creds,
		account.NewOAuthClient(nil),
		dispatcher,
		configManager,
		logger,
	)

	return &Server{
		config:     configManager,
		logger:     logger,
		version:    version,
		pool:       pool,
		poller:     account.NewPoller(pool, dispatcher, logger),
		dispatcher: dispatcher,
		signatures: signature.NewStore(signature.DefaultCapacity),
	}
}

// Pool exposes the account pool for CLI commands.
func (s *Server) Pool() *account.Pool { return s.pool }

func (s *Server) Start() error {
	cfg := s.config.Get()

	if err := s.pool.Load(); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	s.pool.Subscribe(func(ev account.Event) {
		s.logger.Debug("pool event", "type", ev.Type, "account", ev.AccountID,
			"from", ev.From, "to", ev.To)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.poller.Run(ctx)
	go func() {
		if err := config.NewWatcher(s.config, s.logger).Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("settings watcher stopped", "error", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.setupRoutes(),
	}

	s.logger.Info("starting server", "address", addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	s.logger.Info("server is shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("server exited")
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

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	transformer := transform.New(s.signatures)
	messagesHandler := handlers.NewMessagesHandler(s.pool, transformer, s.dispatcher, s.config, s.logger)
	accountsHandler := handlers.NewAccountsHandler(s.pool, s.poller, s.config, s.logger)
	settingsHandler := handlers.NewSettingsHandler(s.config, s.logger)
	healthHandler := handlers.NewHealthHandler(s.logger, s.version)

	middlewareSet := middleware.NewMiddlewareSet(s.logger)
	chain := middlewareSet.DefaultChain()

	mux.Handle("POST /v1/messages", chain.Handler(messagesHandler))
	mux.Handle("GET /v1/accounts", chain.Handler(http.HandlerFunc(accountsHandler.List)))
	mux.Handle("POST /v1/accounts", chain.Handler(http.HandlerFunc(accountsHandler.Add)))
	mux.Handle("POST /v1/accounts/sync-local", chain.Handler(http.HandlerFunc(accountsHandler.SyncLocal)))
	mux.Handle("DELETE /v1/accounts/{id}", chain.Handler(http.HandlerFunc(accountsHandler.Delete)))
	mux.Handle("POST /v1/accounts/{id}/switch", chain.Handler(http.HandlerFunc(accountsHandler.Switch)))
	mux.Handle("POST /v1/accounts/{id}/refresh", chain.Handler(http.HandlerFunc(accountsHandler.Refresh)))
	mux.Handle("GET /v1/settings", chain.Handler(http.HandlerFunc(settingsHandler.Get)))
	mux.Handle("PUT /v1/settings", chain.Handler(http.HandlerFunc(settingsHandler.Put)))
	mux.Handle("/health", middlewareSet.HealthChain().Handler(healthHandler))

	return mux
}
