package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/byluca/ct-medical-images/internal/config"
	"github.com/byluca/ct-medical-images/internal/domain/thumbnail"
	"github.com/byluca/ct-medical-images/internal/domain/warehouse"
	"github.com/byluca/ct-medical-images/internal/platform/blobstore"
	"github.com/byluca/ct-medical-images/internal/platform/db"
	"github.com/byluca/ct-medical-images/internal/platform/dicomsrc"
	"github.com/byluca/ct-medical-images/internal/platform/middleware"
	"github.com/byluca/ct-medical-images/internal/platform/store"
	"github.com/byluca/ct-medical-images/internal/platform/telemetry"
	"github.com/byluca/ct-medical-images/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "ctdw",
		Short:        "CT image dimensional warehouse loader",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(convertCmd())
	rootCmd.AddCommand(countCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func runCmd() *cobra.Command {
	var dataDir, outputDir string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load every source file in the data directory into the warehouse",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				if dataDir != "" {
					c.DataDir = dataDir
				}
				if outputDir != "" {
					c.OutputDir = outputDir
				}
				if dryRun {
					c.StoreDriver = store.DriverMemory
				}
			})
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stdout)

			ctx, stop := signalContext()
			defer stop()

			summary, err := runPipeline(ctx, cfg, logger, dryRun)
			if err != nil {
				return err
			}
			if summary.Failed > 0 {
				return fmt.Errorf("run %s finished with %d failed file(s)", summary.RunID, summary.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory to scan (overrides DATA_DIR)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Thumbnail directory (overrides OUTPUT_DIR)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use an in-memory store and discard thumbnails")
	return cmd
}

// runPipeline wires the store, thumbnail store, telemetry and pipeline for
// one run. A dry run keeps both stores in memory.
func runPipeline(ctx context.Context, cfg *config.Config, logger zerolog.Logger, dryRun bool) (warehouse.Summary, error) {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return warehouse.Summary{}, fmt.Errorf("open store: %w", err)
	}
	defer closeStore(st, logger)

	var blobs blobstore.BlobStore = blobstore.NewInMemoryBlobStore()
	if !dryRun {
		if blobs, err = openBlobStore(ctx, cfg); err != nil {
			return warehouse.Summary{}, fmt.Errorf("open thumbnail store: %w", err)
		}
	}

	metrics, err := telemetry.New(telemetry.Config{})
	if err != nil {
		return warehouse.Summary{}, err
	}

	conv := thumbnail.NewConverter(blobs,
		thumbnail.WithSize(cfg.ThumbnailSize),
		thumbnail.WithQuality(cfg.JPEGQuality),
	)
	p := warehouse.NewPipeline(st, dicomsrc.OpenSource, conv,
		warehouse.WithLogger(logger),
		warehouse.WithObserver(metrics),
		warehouse.WithAtomicUpsert(cfg.AtomicUpsert),
		warehouse.WithKeyCache(cfg.ResolverCache),
	)

	logger.Info().
		Str("store", st.Driver()).
		Str("data_dir", cfg.DataDir).
		Bool("dry_run", dryRun).
		Msg("starting run")

	summary, runErr := p.Run(ctx, cfg.DataDir, cfg.FileExt)
	metrics.RunCompleted(summary)
	if cfg.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
			logger.Warn().Err(err).Str("path", cfg.MetricsTextfile).Msg("metrics textfile not written")
		}
	}
	if runErr != nil {
		return summary, fmt.Errorf("run: %w", runErr)
	}
	return summary, nil
}

// ---------------------------------------------------------------------------
// convert
// ---------------------------------------------------------------------------

func convertCmd() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "convert [file]",
		Short: "Render one source file to a thumbnail (default: first file in DATA_DIR)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				c.StoreDriver = store.DriverMemory
				if outputDir != "" {
					c.OutputDir = outputDir
				}
			})
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				files, err := warehouse.Discover(cfg.DataDir, cfg.FileExt)
				if err != nil {
					return err
				}
				if len(files) == 0 {
					return fmt.Errorf("no %s files in %s", cfg.FileExt, cfg.DataDir)
				}
				path = files[0]
			}

			blobs, err := openBlobStore(ctx, cfg)
			if err != nil {
				return err
			}
			src, err := dicomsrc.Open(path)
			if err != nil {
				return err
			}
			conv := thumbnail.NewConverter(blobs,
				thumbnail.WithSize(cfg.ThumbnailSize),
				thumbnail.WithQuality(cfg.JPEGQuality),
			)
			out, err := conv.Convert(ctx, src, path)
			if err != nil {
				return fmt.Errorf("convert %s: %w", filepath.Base(path), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", path, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Thumbnail directory (overrides OUTPUT_DIR)")
	return cmd
}

// ---------------------------------------------------------------------------
// count / ping
// ---------------------------------------------------------------------------

func countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the row count of every warehouse collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)
			ctx, stop := signalContext()
			defer stop()

			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore(st, logger)

			counts, err := warehouse.Counts(ctx, st)
			if err != nil {
				return err
			}
			printCounts(cmd, counts)
			return nil
		},
	}
}

func printCounts(cmd *cobra.Command, counts []warehouse.CollectionCount) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COLLECTION\tROWS")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%d\n", c.Collection, c.Count)
	}
	w.Flush()
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check connectivity to the warehouse store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer closeStore(st, logger)

			if err := st.Ping(ctx); err != nil {
				return fmt.Errorf("ping %s: %w", st.Driver(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connected to %s store\n", st.Driver())
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// migrate
// ---------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL warehouse schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd, schema, statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	if cfg.StoreDriver != store.DriverPostgres {
		return fmt.Errorf("migrations apply to the postgres driver only (STORE_DRIVER=%s)", cfg.StoreDriver)
	}

	ctx, stop := signalContext()
	defer stop()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrations.FS), cfg.DBSchema)
}

func printStatus(cmd *cobra.Command, schema string, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics, warehouse views and thumbnails over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	ctx, stop := signalContext()
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore(st, logger)
	logger.Info().Str("driver", st.Driver()).Msg("connected to store")

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open thumbnail store: %w", err)
	}

	metrics, err := telemetry.New(telemetry.Config{Runtime: true})
	if err != nil {
		return err
	}

	e := newServer(st, blobs, metrics, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the Echo instance with every route and middleware.
func newServer(st store.Store, blobs blobstore.BlobStore, metrics *telemetry.Provider, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders("/thumbnails/"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(metrics.MetricsMiddleware())

	e.GET("/health", db.HealthHandler(st, func(ps *db.PoolStats) {
		metrics.SetDBPool(ps.TotalConns, ps.IdleConns, ps.AcquiredConns)
	}))
	e.GET("/metrics", metrics.Handler())

	apiV1 := e.Group("/api/v1")
	warehouse.NewHandler(st).RegisterRoutes(apiV1)
	blobstore.NewBlobHandler(blobs).RegisterRoutes(e.Group(""))

	return e
}
