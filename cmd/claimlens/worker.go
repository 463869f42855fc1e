package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/claimlens/claimlens/internal/config"
	"github.com/claimlens/claimlens/internal/ocr"
	"github.com/claimlens/claimlens/internal/pipeline"
	"github.com/claimlens/claimlens/internal/retention"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run background workers without the HTTP API",
	Long: `Runs the upload processing worker and the retention sweeper
against the shared database. Use this to scale processing separately
from the API: requires a postgres store, since an in-memory queue is
invisible to other processes.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := serveLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return usageErrorf("worker requires a postgres store; set %s", config.EnvDatabaseURL)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	logger.Info("claimlens worker running", "hospitals", cat.Current().Len())

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
	wg.Wait()
	return nil
}
