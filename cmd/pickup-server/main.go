package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/citywaste/pickup/internal/config"
	"github.com/citywaste/pickup/internal/domain/slottemplate"
	"github.com/citywaste/pickup/internal/platform/clock"
	"github.com/citywaste/pickup/internal/platform/db"
	"github.com/citywaste/pickup/internal/platform/telemetry"
	"github.com/citywaste/pickup/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "pickup-server",
		Short: "Waste pickup appointment API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(templatesCmd())
	rootCmd.AddCommand(remindersCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func poolConfig(cfg *config.Config) (*db.PoolConfig, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return &db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		TimeZone: cfg.TimeZone,
	}, nil
}

// openStores connects the backend selected by STORE. The returned close
// function releases it.
func openStores(ctx context.Context, cfg *config.Config) (*stores, func(), error) {
	if cfg.Store == config.StoreMemory {
		return memoryStores(), func() {}, nil
	}
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, *pc)
	if err != nil {
		return nil, nil, err
	}
	return postgresStores(pool, cfg.LockTimeout), pool.Close, nil
}

func readDocument(path string) (*slottemplate.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return slottemplate.Parse(f)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			seedFile, _ := cmd.Flags().GetString("seed")
			return runServer(seedFile)
		},
	}
	cmd.Flags().String("seed", "", "Template document to import on startup")
	return cmd
}

func runServer(seedFile string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "pickup-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}

	st, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStores()
	logger.Info().Str("store", cfg.Store).Msg("store ready")

	clk := clock.System()
	a := newApp(cfg, st, clk, logger)

	if seedFile != "" {
		doc, err := readDocument(seedFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to read seed document")
		}
		if _, err := a.seed(ctx, doc, clk.Now().In(cfg.Location()), 1); err != nil {
			logger.Fatal().Err(err).Msg("failed to seed templates")
		}
	}

	runCtx, stopReminders := context.WithCancel(ctx)
	defer stopReminders()
	if cfg.RemindersEnabled {
		if err := a.reminders.Start(runCtx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start reminder scheduler")
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(a.echo, "pickup-server"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopReminders()
	a.reminders.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	a.dispatcher.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pc, err := poolConfig(cfg)
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, *pc)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage slot templates",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import zones, templates and holidays from a YAML document",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			years, _ := cmd.Flags().GetInt("years")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			if years < 1 {
				return fmt.Errorf("--years must be at least 1")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store == config.StoreMemory {
				return fmt.Errorf("templates import needs STORE=%s; use serve --seed for the memory store", config.StorePostgres)
			}
			doc, err := readDocument(file)
			if err != nil {
				return err
			}

			ctx := context.Background()
			st, closeStores, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStores()

			a := newApp(cfg, st, clock.System(), newLogger(cfg))
			res, err := a.seed(ctx, doc, time.Now().In(cfg.Location()), years)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d zone(s), %d template(s), %d holiday(s), %d special date(s); skipped %d.\n",
				res.Zones, res.Templates, res.Holidays, res.SpecialDates, res.Skipped)
			return nil
		},
	}
	importCmd.Flags().String("file", "", "Path to the template document")
	importCmd.Flags().Int("years", 2, "Years of recurring holidays to expand")
	cmd.AddCommand(importCmd)

	return cmd
}

func remindersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Pickup reminder jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Send due reminders once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, closeStores, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStores()

			a := newApp(cfg, st, clock.System(), newLogger(cfg))
			res, err := a.reminders.Sweep(ctx)
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Println("Another sweep is running; nothing done.")
				return nil
			}
			fmt.Printf("Due %d, sent %d, failed %d.\n", res.Due, res.Sent, res.Failed)
			return nil
		},
	})

	return cmd
}
