// chatkeeper - chat session and history server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/chatkeeper/internal/api"
	"github.com/ashureev/chatkeeper/internal/chatws"
	"github.com/ashureev/chatkeeper/internal/completion"
	"github.com/ashureev/chatkeeper/internal/config"
	"github.com/ashureev/chatkeeper/internal/convlog"
	"github.com/ashureev/chatkeeper/internal/dispatch"
	"github.com/ashureev/chatkeeper/internal/healthgrpc"
	"github.com/ashureev/chatkeeper/internal/identity"
	"github.com/ashureev/chatkeeper/internal/middleware"
	"github.com/ashureev/chatkeeper/internal/refine"
	"github.com/ashureev/chatkeeper/internal/session"
	"github.com/ashureev/chatkeeper/internal/store"
	"github.com/ashureev/chatkeeper/internal/telegram"
	"github.com/ashureev/chatkeeper/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server",
		"port", cfg.Port,
		"grpc_port", cfg.GRPCPort,
		"dev", cfg.IsDevelopment(),
		"provider", cfg.Completion.Provider,
		"telegram", cfg.TelegramEnabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	catalog := completion.NewCatalog(cfg.Completion.DefaultModel, nil)
	if cfg.Completion.ModelsFile != "" {
		catalog, err = completion.LoadCatalog(cfg.Completion.ModelsFile, cfg.Completion.DefaultModel)
		if err != nil {
			return err
		}
	}

	client, err := completion.New(ctx, cfg.Completion)
	if err != nil {
		return err
	}

	convLog, err := convlog.New(convlog.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := convLog.Close(); closeErr != nil {
			slog.Error("Failed to close conversation log", "error", closeErr)
		}
	}()

	sessions := session.NewManager(repo, client, refine.NewEngine(client, cfg.Chat.RefineIterations), session.Options{
		HistoryWindow:   cfg.Chat.HistoryWindow,
		ReasoningPrompt: cfg.Chat.ReasoningPrompt,
		Catalog:         catalog,
		ConversationLog: convLog,
		Logger:          logger,
	})
	dispatcher := dispatch.New(sessions, logger)

	// Initialize handlers.
	baseHandler := api.NewHandler(sessions)
	chatHandler := api.NewChatHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo, 5*time.Second)
	registry := chatws.NewRegistry()
	wsHandler := chatws.NewHandler(dispatcher, registry, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Embedded client is public; API and WebSocket carry identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(sessions, cfg.IsDevelopment()))
		healthHandler.RegisterHealth(r)
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})
	r.Handle("/*", web.Handler())

	// No WriteTimeout: refinement turns run several completions in a row.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		registry.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	if cfg.GRPCPort != "" {
		healthServer := healthgrpc.New(repo, 0, logger)
		g.Go(func() error {
			return healthServer.Serve(gctx, ":"+cfg.GRPCPort)
		})
	}

	if cfg.TelegramEnabled() {
		bot := telegram.NewClient(
			telegram.APIBase(cfg.Telegram.APIURL, cfg.Telegram.Token),
			cfg.Telegram.PollTimeout+20*time.Second,
		)
		poller := telegram.NewPoller(bot, dispatcher, cfg.Telegram.PollTimeout, logger)
		g.Go(func() error {
			return poller.Run(gctx)
		})
	}

	expiryDone := session.StartDialogExpiryWorker(gctx, sessions.Dialogs(), cfg.Chat.DialogStateTTL)

	err = g.Wait()
	<-expiryDone
	return err
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
