package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mahaj/studio-chat/pkg/config"
	"github.com/mahaj/studio-chat/pkg/db"
	"github.com/mahaj/studio-chat/pkg/metrics"
)

const connectTimeout = 10 * time.Second

// autoOrder is the probe order for STORE_DRIVER=auto. A driver is only
// probed when its connection setting is present.
var autoOrder = []string{"mongo", "postgres", "sqlite", "scylla", "redis"}

// Open connects the configured driver and wraps it with a fallback: the
// file store, or memory when the primary already is the file store.
// An explicitly named driver that cannot connect is an error; auto mode
// moves on to the next candidate and finally to the file store.
func Open(ctx context.Context, cfg config.StoreConfig, opts Options, m *metrics.Metrics) (*FallbackStore, error) {
	opts = opts.withDefaults()

	var (
		primary MessageStore
		err     error
	)
	switch cfg.Driver {
	case "", "auto":
		primary = probe(ctx, cfg, opts)
	default:
		primary, err = OpenDriver(ctx, cfg.Driver, cfg, opts)
		if err != nil {
			return nil, err
		}
	}

	var secondary MessageStore
	if primary.Name() != "file" && primary.Name() != "memory" {
		secondary, err = OpenDriver(ctx, "file", cfg, opts)
		if err != nil {
			slog.WarnContext(ctx, "file fallback unavailable, using memory", "error", err)
		}
	}
	if secondary == nil {
		secondary = NewMemoryStore(opts)
	}

	slog.InfoContext(ctx, "message store ready", "driver", primary.Name(), "fallback", secondary.Name())
	return NewFallbackStore(Instrument(primary, m), Instrument(secondary, m), m), nil
}

func probe(ctx context.Context, cfg config.StoreConfig, opts Options) MessageStore {
	for _, driver := range autoOrder {
		if !configured(driver, cfg) {
			continue
		}
		s, err := OpenDriver(ctx, driver, cfg, opts)
		if err != nil {
			slog.WarnContext(ctx, "store driver probe failed", "driver", driver, "error", err)
			continue
		}
		return s
	}
	s, err := OpenDriver(ctx, "file", cfg, opts)
	if err != nil {
		slog.WarnContext(ctx, "file store unavailable, using memory", "error", err)
		return NewMemoryStore(opts)
	}
	return s
}

func configured(driver string, cfg config.StoreConfig) bool {
	switch driver {
	case "mongo":
		return cfg.MongoURI != ""
	case "postgres":
		return cfg.PostgresURL != ""
	case "sqlite":
		return cfg.SQLitePath != ""
	case "scylla":
		return len(cfg.ScyllaHosts) > 0
	case "redis":
		return cfg.RedisURL != ""
	}
	return false
}

// OpenDriver connects a single named backend without any fallback.
func OpenDriver(ctx context.Context, driver string, cfg config.StoreConfig, opts Options) (MessageStore, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch driver {
	case "memory":
		return NewMemoryStore(opts), nil

	case "file":
		pdb, err := db.OpenPebble(filepath.Join(cfg.DataDir, "messages"))
		if err != nil {
			return nil, unavailable(driver, "open", err)
		}
		s, err := NewFileStore(pdb, opts)
		if err != nil {
			_ = pdb.Close()
			return nil, err
		}
		return s, nil

	case "postgres":
		pool, err := db.NewPostgresPool(ctx, db.PostgresConfig{DSN: cfg.PostgresURL})
		if err != nil {
			return nil, unavailable(driver, "open", err)
		}
		s, err := NewPostgresStore(ctx, pool, opts)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil

	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "chat.db")
		}
		gdb, err := db.OpenSQLite(path)
		if err != nil {
			return nil, unavailable(driver, "open", err)
		}
		return NewSQLStore(gdb, opts)

	case "mongo":
		client, err := db.NewMongoClient(ctx, cfg.MongoURI)
		if err != nil {
			return nil, unavailable(driver, "open", err)
		}
		s, err := NewMongoStore(ctx, client, cfg.MongoDatabase, opts)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		return s, nil

	case "scylla":
		if err := db.EnsureKeyspace(cfg.ScyllaHosts, cfg.ScyllaKeyspace); err != nil {
			return nil, unavailable(driver, "open", err)
		}
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace)
		if err != nil {
			return nil, unavailable(driver, "open", err)
		}
		s, err := NewScyllaStore(session, opts)
		if err != nil {
			session.Close()
			return nil, err
		}
		return s, nil

	case "redis":
		client, err := db.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, unavailable(driver, "open", err)
		}
		return NewRedisStore(client, cfg.RedisPrefix, opts), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}
