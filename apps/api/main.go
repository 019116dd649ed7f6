package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mahaj/studio-chat/pkg/api"
	"github.com/mahaj/studio-chat/pkg/auth"
	"github.com/mahaj/studio-chat/pkg/chat"
	"github.com/mahaj/studio-chat/pkg/config"
	"github.com/mahaj/studio-chat/pkg/contact"
	"github.com/mahaj/studio-chat/pkg/db"
	"github.com/mahaj/studio-chat/pkg/events"
	"github.com/mahaj/studio-chat/pkg/logger"
	"github.com/mahaj/studio-chat/pkg/metrics"
	"github.com/mahaj/studio-chat/pkg/realtime"
	"github.com/mahaj/studio-chat/pkg/snowflake"
	"github.com/mahaj/studio-chat/pkg/store"
)

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	cfg := config.Load()
	logger.Setup(cfg)
	slog.InfoContext(ctx, "chat api starting", "env", cfg.Env)

	if cfg.IsProduction() && cfg.Auth.JWTSecret == config.DevJWTSecret {
		slog.ErrorContext(ctx, "JWT_SECRET must be set in production")
		os.Exit(1)
	}

	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	messages, err := store.Open(ctx, cfg.Store, store.Options{IDs: ids}, m)
	if err != nil {
		slog.ErrorContext(ctx, "failed to open message store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer messages.Close()

	accounts := openAuthStore(ctx, cfg.Store.DataDir)
	defer accounts.Close()
	contacts := openContactStore(ctx, cfg.Store.DataDir)
	defer contacts.Close()

	hub := realtime.NewHub(m)
	go hub.Run(ctx)

	var publisher events.Publisher
	if cfg.Kafka.Enabled() {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sub := events.NewKafkaSubscriber(cfg.Kafka.Brokers, cfg.Kafka.Topic, "")
		defer sub.Close()
		go func() {
			if err := sub.Run(ctx, hub.Dispatch); err != nil && !errors.Is(err, context.Canceled) {
				slog.ErrorContext(ctx, "kafka subscriber stopped", "error", err)
			}
		}()
		slog.InfoContext(ctx, "kafka fan-out enabled", "topic", cfg.Kafka.Topic)
	} else {
		local := events.NewLocal()
		local.Subscribe(hub.Dispatch)
		publisher = local
	}
	defer publisher.Close()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := api.NewRouter(ctx, api.Deps{
		Chat:      chat.NewService(messages, publisher, m),
		Auth:      auth.NewService(accounts, auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL), cfg.Auth.AdminEmails),
		Contact:   contact.NewService(contacts),
		Hub:       hub,
		Store:     messages,
		Metrics:   m,
		RateLimit: cfg.RateLimit,
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}
	stop()

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

// openAuthStore keeps accounts next to the message data. Without a
// writable data dir accounts live in memory and vanish on restart.
func openAuthStore(ctx context.Context, dataDir string) auth.Store {
	pdb, err := db.OpenPebble(filepath.Join(dataDir, "accounts"))
	if err != nil {
		slog.WarnContext(ctx, "account store unavailable, using memory", "error", err)
		return auth.NewMemoryStore()
	}
	return auth.NewFileStore(pdb)
}

func openContactStore(ctx context.Context, dataDir string) contact.Store {
	pdb, err := db.OpenPebble(filepath.Join(dataDir, "contacts"))
	if err != nil {
		slog.WarnContext(ctx, "contact store unavailable, using memory", "error", err)
		return contact.NewMemoryStore()
	}
	return contact.NewFileStore(pdb)
}
