package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"ephemeral.share/config"
	"ephemeral.share/internal/accesslog"
	"ephemeral.share/internal/api"
	"ephemeral.share/internal/crypto"
	"ephemeral.share/internal/logging"
	"ephemeral.share/internal/secrets"
	"ephemeral.share/internal/store"
	"ephemeral.share/internal/supervisor"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// A missing .env file is fine; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("config error")
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config) error {
	backend, err := initStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logging.Warn().Err(err).Msg("closing store")
		}
	}()

	st := store.WithMetrics(backend, cfg.Store.Type)
	if cfg.Store.Breaker.Enabled {
		st = store.WithBreaker(st, cfg.Store.Type, store.BreakerConfig{
			ConsecutiveFailures: cfg.Store.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Store.Breaker.OpenTimeout,
		})
	}

	opts := []secrets.Option{
		secrets.WithTombstones(cfg.Secrets.Tombstones),
		secrets.WithMaxMessageSize(cfg.Secrets.MaxMessageBytes),
	}

	if cfg.Secrets.EncryptionKey != "" {
		sealer, err := crypto.NewSealer([]byte(cfg.Secrets.EncryptionKey))
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		opts = append(opts, secrets.WithSealer(sealer))
	}

	tree := supervisor.NewTree(logging.NewSlogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	if cfg.AccessLog.Enabled {
		sink, closeSink, err := initAccessLog(cfg, backend)
		if err != nil {
			return err
		}
		defer closeSink()

		recorder := accesslog.NewAsyncRecorder(sink, cfg.AccessLog.Buffer)
		tree.AddDataService(recorder)
		opts = append(opts, secrets.WithAccessLog(recorder))
	}

	svc := secrets.NewService(st, opts...)

	sweeper := secrets.NewSweeper(svc, cfg.Sweep.Interval)
	if b, ok := backend.(*store.BadgerStore); ok {
		sweeper.WithHousekeeping(b.RunGC)
	}
	tree.AddDataService(sweeper)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.SetupRouter(svc, cfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout))

	logging.Info().
		Str("addr", cfg.Addr()).
		Str("base_url", cfg.Server.BaseURL).
		Str("store", cfg.Store.Type).
		Bool("tombstones", cfg.Secrets.Tombstones).
		Bool("encrypted", cfg.Secrets.EncryptionKey != "").
		Bool("access_log", cfg.AccessLog.Enabled).
		Msg("Server starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logging.Warn().Int("services", len(report)).Msg("services did not stop before shutdown timeout")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logging.Info().Msg("Server stopped")
	return nil
}

func initStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Type {
	case "redis":
		st, err := store.NewRedisStore(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		}, store.WithExpiryGrace(cfg.Store.Redis.ExpiryGrace))
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return st, nil
	case "badger":
		st, err := store.NewBadgerStore(cfg.Store.Badger.Path)
		if err != nil {
			return nil, fmt.Errorf("badger open failed: %w", err)
		}
		return st, nil
	case "sqlite":
		if err := ensureDir(cfg.Store.SQLite.Path); err != nil {
			return nil, err
		}
		st, err := store.NewSQLStore(cfg.Store.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite open failed: %w", err)
		}
		return st, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// initAccessLog shares the secrets database when the sqlite store is in use
// and opens a dedicated one otherwise.
func initAccessLog(cfg *config.Config, backend store.Store) (*accesslog.GormSink, func(), error) {
	if sq, ok := backend.(*store.SQLStore); ok {
		sink, err := accesslog.NewGormSink(sq.DB())
		if err != nil {
			return nil, nil, fmt.Errorf("access log: %w", err)
		}
		return sink, func() {}, nil
	}

	if err := ensureDir(cfg.AccessLog.Path); err != nil {
		return nil, nil, err
	}
	db, err := gorm.Open(sqlite.Open(cfg.AccessLog.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open access log: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("access log handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	sink, err := accesslog.NewGormSink(db)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("access log: %w", err)
	}
	return sink, func() { _ = sqlDB.Close() }, nil
}

func ensureDir(path string) error {
	if path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
