package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/claimlens/claimlens/internal/api"
	"github.com/claimlens/claimlens/internal/buildinfo"
	"github.com/claimlens/claimlens/internal/config"
	"github.com/claimlens/claimlens/internal/ocr"
	"github.com/claimlens/claimlens/internal/pipeline"
	"github.com/claimlens/claimlens/internal/retention"
	"github.com/claimlens/claimlens/internal/store"
)

var (
	flagListenAddr  string
	flagSkipMigrate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server with its background workers",
	Long: `Starts the HTTP API, the upload processing worker, and the
retention sweeper in one process. Shuts down gracefully on SIGINT or
SIGTERM: in-flight requests finish and the current job's lease is
released.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListenAddr, "listen", "",
		"listen address (overrides config)")
	serveCmd.Flags().BoolVar(&flagSkipMigrate, "skip-migrate", false,
		"do not run database migrations on startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := serveLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagListenAddr != "" {
		cfg.ListenAddr = flagListenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL != "" && !flagSkipMigrate {
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			return err
		}
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	embedder := newEmbedder(cfg, logger)
	cat, err := loadCatalog(ctx, cfg, embedder, logger)
	if err != nil {
		return err
	}

	pipe := pipeline.New(pipeline.Options{
		Store:                st,
		Catalog:              cat,
		Engine:               ocr.NewClient(cfg.OcrEndpoint, ocrTimeout, logger),
		Verifier:             newVerifier(ctx, cfg, embedder, logger),
		UploadsDir:           cfg.UploadsDir,
		LeaseTTL:             cfg.LeaseTTL,
		ReconcileInterval:    cfg.ReconcileInterval,
		StaleProcessingAfter: cfg.StaleProcessingAfter,
		Logger:               logger,
	})

	sweeper := retention.New(retention.Options{
		Store:           st,
		UploadsDir:      cfg.UploadsDir,
		RetentionDays:   cfg.RetentionDays,
		CleanupInterval: cfg.RetentionCleanupInterval,
		Logger:          logger,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pipe.RunWorker(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	if cfg.CatalogWatch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cat.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("catalog watch stopped", "error", err)
			}
		}()
	}

	server := api.New(api.Options{
		Store:          st,
		Pipeline:       pipe,
		Catalog:        cat,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("claimlens serving",
			"addr", cfg.ListenAddr,
			"version", buildinfo.Version(),
			"store", storeKind(cfg),
			"hospitals", cat.Current().Len())
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	wg.Wait()
	return nil
}

func storeKind(cfg *config.Config) string {
	if cfg.DatabaseURL == "" {
		return "memory"
	}
	return "postgres"
}
