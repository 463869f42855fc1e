package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/claimlens/claimlens/internal/catalog"
	"github.com/claimlens/claimlens/internal/config"
	"github.com/claimlens/claimlens/internal/embed"
	"github.com/claimlens/claimlens/internal/llm"
	"github.com/claimlens/claimlens/internal/log"
	"github.com/claimlens/claimlens/internal/store"
	"github.com/claimlens/claimlens/internal/verify"
)

// ocrTimeout bounds a single sidecar round trip. Large scanned bills
// take a while on CPU-only hosts.
const ocrTimeout = 120 * time.Second

// setupLogger installs the process-wide logger from the persistent
// flags and returns it.
func setupLogger() log.Logger {
	level := log.ParseLevel(flagLogLevel)
	var logger log.Logger
	if flagJSONLogs {
		logger = log.NewJSON(os.Stderr, level)
	} else {
		logger = log.NewText(os.Stderr, level)
	}
	log.SetDefault(logger)
	return logger
}

// serveLogger is setupLogger but defaults to INFO and JSON output,
// the long-running service posture.
func serveLogger() log.Logger {
	level := log.ParseLevel(flagLogLevel)
	if flagLogLevel == "" || flagLogLevel == "warn" {
		level = slog.LevelInfo
	}
	var logger log.Logger
	if flagJSONLogs || !isTerminal(os.Stderr) {
		logger = log.NewJSON(os.Stderr, level)
	} else {
		logger = log.NewText(os.Stderr, level)
	}
	log.SetDefault(logger)
	return logger
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// loadConfig resolves configuration and makes sure the home layout
// exists.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore connects to postgres when a database URL is configured,
// otherwise falls back to the in-memory store. The fallback loses all
// state on restart, so it warns loudly.
func openStore(ctx context.Context, cfg *config.Config, logger log.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, using in-memory store; uploads will not survive a restart",
			"env", config.EnvDatabaseURL)
		return store.NewMemory(logger), nil
	}
	return store.NewPostgres(ctx, cfg.DatabaseURL, logger)
}

// newEmbedder builds the HTTP embedding client wrapped in the on-disk
// vector cache.
func newEmbedder(cfg *config.Config, logger log.Logger) embed.Embedder {
	client := embed.NewClient(embed.Options{
		Endpoint: cfg.EmbedEndpoint,
		Model:    cfg.EmbedModel,
		Logger:   logger,
	})
	return embed.NewCached(client, cfg.EmbedCacheDir)
}

// loadCatalog builds the catalog service and loads the rate sheets.
func loadCatalog(ctx context.Context, cfg *config.Config, embedder embed.Embedder, logger log.Logger) (*catalog.Service, error) {
	svc := catalog.NewService(cfg.CatalogDir, embedder, logger)
	if _, err := svc.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading catalog from %s: %w", cfg.CatalogDir, err)
	}
	return svc, nil
}

// newArbiter builds the LLM arbiter, or returns nil when no provider
// is reachable. Verification still runs without it; borderline matches
// just resolve on the hybrid score alone.
func newArbiter(ctx context.Context, cfg *config.Config, logger log.Logger) *verify.Arbiter {
	factory, err := llm.NewFactory(ctx, cfg)
	if err != nil {
		logger.Warn("LLM arbitration disabled", "error", err)
		return nil
	}
	return verify.NewArbiter(factory, cfg.LLMTimeout, cfg.Verification.MinLLMConfidence, logger)
}

// newVerifier assembles the full verification engine.
func newVerifier(ctx context.Context, cfg *config.Config, embedder embed.Embedder, logger log.Logger) *verify.Verifier {
	var arbiter verify.Decider
	if a := newArbiter(ctx, cfg, logger); a != nil {
		arbiter = a
	}
	return verify.New(cfg.Verification, embedder, arbiter, logger)
}
