package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/claimlens/claimlens/internal/llm"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to the store and sidecar services",
	Long: `Probes each external dependency with a short timeout and prints
one line per check. Exits non-zero when any check fails, so it works
as a readiness gate in scripts.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

const doctorTimeout = 5 * time.Second

func runDoctor(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	failed := 0
	check := func(name string, fn func(ctx context.Context) (string, error)) {
		ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
		defer cancel()
		detail, err := fn(ctx)
		if err != nil {
			failed++
			fmt.Printf("FAIL  %-10s %v\n", name, err)
			return
		}
		fmt.Printf("ok    %-10s %s\n", name, detail)
	}

	check("store", func(ctx context.Context) (string, error) {
		st, err := openStore(ctx, cfg, logger)
		if err != nil {
			return "", err
		}
		defer st.Close()
		if err := st.Ping(ctx); err != nil {
			return "", err
		}
		return storeKind(cfg), nil
	})

	check("catalog", func(ctx context.Context) (string, error) {
		svc, err := loadCatalog(ctx, cfg, newEmbedder(cfg, logger), logger)
		if err != nil {
			return "", err
		}
		cat := svc.Current()
		return fmt.Sprintf("%d hospitals, %d items", cat.Len(), cat.ItemCount()), nil
	})

	check("embedding", func(ctx context.Context) (string, error) {
		embedder := newEmbedder(cfg, logger)
		if _, err := embedder.Embed(ctx, []string{"general consultation"}); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s via %s", cfg.EmbedModel, cfg.EmbedEndpoint), nil
	})

	check("llm", func(ctx context.Context) (string, error) {
		factory, err := llm.NewFactory(ctx, cfg)
		if err != nil {
			return "", err
		}
		return strings.Join(factory.AvailableProviders(), ", "), nil
	})

	check("ocr", func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.OcrEndpoint, nil)
		if err != nil {
			return "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", err
		}
		resp.Body.Close()
		return cfg.OcrEndpoint, nil
	})

	if failed > 0 {
		return fmt.Errorf("%d of 5 checks failed", failed)
	}
	fmt.Printf("\nAll checks passed (home: %s)\n", cfg.HomeDir)
	return nil
}
