package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mahaj/studio-chat/pkg/config"
	"github.com/mahaj/studio-chat/pkg/logger"
	"github.com/mahaj/studio-chat/pkg/snowflake"
	"github.com/mahaj/studio-chat/pkg/store"
)

func main() {
	from := flag.String("from", "file", "source message store driver")
	to := flag.String("to", "", "destination message store driver")
	flag.Parse()

	cfg := config.Load()
	logger.Setup(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *to == "" || *to == *from {
		slog.ErrorContext(ctx, "-to must name a driver different from -from", "from", *from, "to", *to)
		os.Exit(2)
	}

	opts := store.Options{IDs: snowflake.MustNode(cfg.NodeID)}
	src, err := store.OpenDriver(ctx, *from, cfg.Store, opts)
	if err != nil {
		slog.ErrorContext(ctx, "failed to open source store", "driver", *from, "error", err)
		os.Exit(1)
	}
	defer src.Close()

	dst, err := store.OpenDriver(ctx, *to, cfg.Store, opts)
	if err != nil {
		slog.ErrorContext(ctx, "failed to open destination store", "driver", *to, "error", err)
		os.Exit(1)
	}
	defer dst.Close()

	importer, ok := dst.(store.Importer)
	if !ok {
		slog.ErrorContext(ctx, "destination store cannot import messages", "driver", *to)
		os.Exit(1)
	}

	stats, err := store.Copy(ctx, src, importer)
	if err != nil {
		slog.ErrorContext(ctx, "migration failed", "sessions_done", stats.Sessions, "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "migration complete", "from", *from, "to", *to,
		"sessions", stats.Sessions, "messages", stats.Messages)
}
