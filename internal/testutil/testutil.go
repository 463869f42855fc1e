// Package testutil holds shared helpers for package tests: a temp home
// layout, a resolved test config, and catalog sheet fixtures.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/claimlens/claimlens/internal/config"
)

// TempDir creates a temporary directory and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "claimlens-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() { os.RemoveAll(dir) }
}

// NewTestConfig creates a config rooted in a temporary home with every
// subdirectory present.
func NewTestConfig(t *testing.T) (*config.Config, func()) {
	t.Helper()
	tmpDir, cleanup := TempDir(t)

	cfg := &config.Config{
		HomeDir:       tmpDir,
		CatalogDir:    filepath.Join(tmpDir, "catalog"),
		UploadsDir:    filepath.Join(tmpDir, "uploads"),
		EmbedCacheDir: filepath.Join(tmpDir, "cache", "embeddings"),
		KeyCacheDir:   filepath.Join(tmpDir, "cache", "keys"),
		KeysDir:       filepath.Join(tmpDir, "keys"),
		ConfigFile:    filepath.Join(tmpDir, "config.toml"),

		ListenAddr:               config.DefaultListenAddr,
		LeaseTTL:                 config.DefaultLeaseTTL,
		ReconcileInterval:        config.DefaultReconcileInterval,
		StaleProcessingAfter:     config.DefaultStaleProcessingAfter,
		RetentionDays:            config.DefaultRetentionDays,
		RetentionCleanupInterval: config.DefaultRetentionCleanupInterval,

		EmbedEndpoint: config.DefaultEmbedEndpoint,
		EmbedModel:    config.DefaultEmbedModel,
		LLMPrimary:    config.DefaultLLMPrimary,
		LLMModel:      config.DefaultLLMModel,
		LLMEndpoint:   config.DefaultLLMEndpoint,
		LLMTimeout:    config.DefaultLLMTimeout,
		OcrEndpoint:   config.DefaultOcrEndpoint,

		Verification: config.DefaultVerification(),
	}

	dirs := []string{
		cfg.CatalogDir,
		cfg.UploadsDir,
		cfg.EmbedCacheDir,
		cfg.KeyCacheDir,
		cfg.KeysDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			cleanup()
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}

	return cfg, cleanup
}

// WriteSheet drops a rate-sheet fixture into a catalog directory.
func WriteSheet(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write sheet %s: %v", name, err)
	}
	return path
}

// ApolloSheet is a minimal valid rate sheet shared by fixtures.
const ApolloSheet = `{
  "hospital_name": "Apollo Hospital",
  "categories": [
    {"category_name": "Consultation", "items": [
      {"item_name": "General Consultation", "rate": 600, "type": "service"}
    ]},
    {"category_name": "Pharmacy", "items": [
      {"item_name": "Paracetamol 500mg Tablet", "rate": 2.5, "type": "unit"}
    ]}
  ]
}`

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// AssertFileExists checks if a file exists at the given path.
func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if !FileExists(path) {
		t.Errorf("file does not exist: %s", path)
	}
}

// AssertFileNotExists checks if a file does NOT exist at the given path.
func AssertFileNotExists(t *testing.T, path string) {
	t.Helper()
	if FileExists(path) {
		t.Errorf("file should not exist: %s", path)
	}
}
