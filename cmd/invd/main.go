package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"invd/pkg/bus"
	"invd/pkg/db"
	gos3 "invd/pkg/s3"
	"invd/pkg/telemetry"
	"invd/services/api"
	"invd/services/cache"
	"invd/services/collector"
	"invd/services/export"
)

const serviceName = "invd"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "invd",
		Short:         "Scoped inventory snapshot cache daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newExportCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the inventory cache API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	store := &api.Store{Collectors: make(map[string]cache.Collector)}

	var durable cache.DurableStore
	if dsn := strings.TrimSpace(os.Getenv("INVD_DB_DSN")); dsn != "" {
		pool, err := db.Open(ctx, dsn)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()
		store.DB = pool

		orm, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
		if err != nil {
			return fmt.Errorf("open orm: %w", err)
		}
		pgStore, err := cache.NewPGStore(orm)
		if err != nil {
			return err
		}
		durable = pgStore
	} else {
		logger.Printf("WARN INVD_DB_DSN not set; snapshots will not be persisted")
	}

	var publisher cache.Publisher
	if natsURL := strings.TrimSpace(os.Getenv("NATS_URL")); natsURL != "" {
		eventBus, err := bus.New(natsURL)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer eventBus.Close()
		publisher = eventBus
	} else {
		logger.Printf("WARN NATS_URL not set; refresh events will not be published")
	}

	fleet := &api.Fleet{}
	if path := strings.TrimSpace(os.Getenv("INVD_FLEET_FILE")); path != "" {
		fleet, err = api.LoadFleet(path)
		if err != nil {
			return err
		}
	}

	snaps := cache.NewSnapshotStore(durable, logger)
	health := cache.NewHealthStore(cache.HealthConfigFromEnv())
	maxAgeVMs, maxAgeHosts := fleet.MaxAges()
	orc, err := cache.NewOrchestrator(cache.NewJobStore(), snaps, health, publisher, logger, cache.Config{
		MaxAgeVMs:   maxAgeVMs,
		MaxAgeHosts: maxAgeHosts,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	store.Orchestrator = orc

	for _, provider := range fleet.Providers {
		if provider.Endpoint == "" {
			logger.Printf("WARN provider %s has no endpoint; skipping collector registration", provider.Name)
			continue
		}
		for _, scope := range []cache.Scope{cache.ScopeVMs, cache.ScopeHosts} {
			c, err := collector.NewHTTPCollector(provider.Endpoint, scope, nil)
			if err != nil {
				return fmt.Errorf("provider %s: %w", provider.Name, err)
			}
			store.Collectors[provider.Name+"/"+string(scope)] = c

			// Warm the cache from the durable store so restarts serve
			// last-known-good data immediately.
			key := cache.NewScopeKey(scope, provider.Hosts, provider.Level)
			if err := snaps.Hydrate(ctx, key); err != nil {
				logger.Printf("WARN hydrate %s: %v", key, err)
			}
		}
	}

	apiLayer, err := api.New(store, api.Config{Fleet: fleet})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	routes, err := apiLayer.Routes()
	if err != nil {
		return err
	}

	addr := os.Getenv("INVD_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:    addr,
		Handler: middleware(routes),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}
	return nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			dsn := strings.TrimSpace(os.Getenv("INVD_DB_DSN"))
			if dsn == "" {
				return errors.New("INVD_DB_DSN is required")
			}

			pool, err := db.Open(ctx, dsn)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer pool.Close()

			logger := telemetry.NewLogger(serviceName)
			if err := db.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Printf("INFO migrations applied")
			return nil
		},
	}
}

func newExportCommand() *cobra.Command {
	var bucket, prefix string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Archive persisted snapshots to object storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			dsn := strings.TrimSpace(os.Getenv("INVD_DB_DSN"))
			if dsn == "" {
				return errors.New("INVD_DB_DSN is required")
			}
			if bucket == "" {
				bucket = strings.TrimSpace(os.Getenv("S3_BUCKET"))
			}

			orm, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
			if err != nil {
				return fmt.Errorf("open orm: %w", err)
			}
			pgStore, err := cache.NewPGStore(orm)
			if err != nil {
				return err
			}

			s3Client, err := gos3.NewClientFromEnv()
			if err != nil {
				return fmt.Errorf("init s3 client: %w", err)
			}
			signer, err := export.NewSignerFromEnv()
			if err != nil {
				return err
			}

			_, err = export.Run(ctx, export.Config{
				Source: pgStore,
				Upload: s3Client,
				Signer: signer,
				Bucket: bucket,
				Prefix: prefix,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "target bucket (default $S3_BUCKET)")
	cmd.Flags().StringVar(&prefix, "prefix", "exports", "object key prefix")
	return cmd
}
