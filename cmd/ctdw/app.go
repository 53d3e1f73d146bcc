package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/byluca/ct-medical-images/internal/config"
	"github.com/byluca/ct-medical-images/internal/platform/blobstore"
	s3store "github.com/byluca/ct-medical-images/internal/platform/blobstore/s3"
	"github.com/byluca/ct-medical-images/internal/platform/db"
	"github.com/byluca/ct-medical-images/internal/platform/store"
	"github.com/byluca/ct-medical-images/internal/platform/store/postgres"
	"github.com/byluca/ct-medical-images/internal/platform/store/sqlite"
	"github.com/byluca/ct-medical-images/migrations"
)

// loadConfig loads and validates configuration. Overrides are applied before
// validation so flags can satisfy required settings.
func loadConfig(override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger writes JSON to w, or console output in development.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// openStore opens the configured warehouse store. For postgres the embedded
// migrations are applied first.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case store.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		applied, err := db.NewMigrator(pool, migrations.FS).Up(ctx, cfg.DBSchema)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if applied > 0 {
			logger.Info().Int("applied", applied).Str("schema", cfg.DBSchema).Msg("applied migrations")
		}
		st, err := postgres.New(pool, cfg.DBSchema)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return st, nil
	case store.DriverSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath)
	case store.DriverMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// openBlobStore opens the configured thumbnail store.
func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.ThumbnailStore {
	case "local":
		return blobstore.NewLocalBlobStore(cfg.OutputDir), nil
	case "s3":
		return s3store.New(ctx, s3store.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			Prefix:    cfg.S3Prefix,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown thumbnail store %q", cfg.ThumbnailStore)
	}
}

func closeStore(st store.Store, logger zerolog.Logger) {
	if err := st.Close(); err != nil {
		logger.Warn().Err(err).Msg("close store")
	}
}
