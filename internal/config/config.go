// Package config resolves claimlens runtime configuration from the
// config file and environment. Environment variables win over file
// settings; both win over defaults. Invalid values fall back with a
// warning on stderr rather than failing startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvHome overrides the default home directory (~/.claimlens).
	EnvHome = "CLAIMLENS_HOME"

	// EnvDatabaseURL selects the postgres store. Empty selects the
	// in-memory store (development only; nothing survives restart).
	EnvDatabaseURL = "CLAIMLENS_DATABASE_URL"

	// EnvListenAddr is the HTTP listen address.
	EnvListenAddr = "CLAIMLENS_LISTEN_ADDR"

	// EnvLeaseTTL bounds how long a claimed job may run before the
	// reconciler may hand it to another worker.
	EnvLeaseTTL = "CLAIMLENS_LEASE_TTL"

	// EnvReconcileInterval is the queue reconcile cadence.
	EnvReconcileInterval = "CLAIMLENS_RECONCILE_INTERVAL"

	// EnvStaleProcessingAfter is the age past which an unleased
	// PROCESSING job is failed as stale.
	EnvStaleProcessingAfter = "CLAIMLENS_STALE_PROCESSING_AFTER"

	// EnvRetentionDays is how long soft-deleted bills are kept.
	EnvRetentionDays = "CLAIMLENS_RETENTION_DAYS"

	// EnvRetentionCleanupInterval is the retention sweep cadence.
	EnvRetentionCleanupInterval = "CLAIMLENS_RETENTION_CLEANUP_INTERVAL"

	// EnvEmbedEndpoint is the OpenAI-compatible embeddings base URL.
	EnvEmbedEndpoint = "CLAIMLENS_EMBED_ENDPOINT"

	// EnvEmbedModel is the embedding model id.
	EnvEmbedModel = "CLAIMLENS_EMBED_MODEL"

	// EnvLLMPrimary and EnvLLMFallback name arbiter providers
	// (ollama, claude, gemini). Empty fallback disables the retry leg.
	EnvLLMPrimary  = "CLAIMLENS_LLM_PRIMARY"
	EnvLLMFallback = "CLAIMLENS_LLM_FALLBACK"

	// EnvLLMModel is the model id passed to the primary provider.
	EnvLLMModel = "CLAIMLENS_LLM_MODEL"

	// EnvLLMEndpoint is the local chat endpoint (ollama provider).
	EnvLLMEndpoint = "CLAIMLENS_LLM_ENDPOINT"

	// EnvLLMTimeout bounds a single arbiter call.
	EnvLLMTimeout = "CLAIMLENS_LLM_TIMEOUT"

	// EnvOcrEndpoint is the OCR sidecar base URL.
	EnvOcrEndpoint = "CLAIMLENS_OCR_ENDPOINT"

	// EnvCatalogWatch enables the fsnotify catalog watcher.
	EnvCatalogWatch = "CLAIMLENS_CATALOG_WATCH"

	// EnvLogLevel and EnvLogFormat control the default logger.
	EnvLogLevel  = "CLAIMLENS_LOG_LEVEL"
	EnvLogFormat = "CLAIMLENS_LOG_FORMAT"
)

const (
	DefaultListenAddr               = ":8080"
	DefaultLeaseTTL                 = 10 * time.Minute
	DefaultReconcileInterval        = 30 * time.Second
	DefaultStaleProcessingAfter     = 5 * time.Minute
	DefaultRetentionDays            = 30
	DefaultRetentionCleanupInterval = 1 * time.Hour
	DefaultEmbedEndpoint            = "http://127.0.0.1:11434/v1"
	DefaultEmbedModel               = "nomic-embed-text"
	DefaultLLMPrimary               = "ollama"
	DefaultLLMModel                 = "qwen2.5:7b-instruct"
	DefaultLLMEndpoint              = "http://127.0.0.1:11434"
	DefaultLLMTimeout               = 20 * time.Second
	DefaultOcrEndpoint              = "http://127.0.0.1:8866"
)

// Config is the resolved runtime configuration.
type Config struct {
	HomeDir       string // $CLAIMLENS_HOME
	CatalogDir    string // $CLAIMLENS_HOME/catalog (per-hospital rate sheets)
	UploadsDir    string // $CLAIMLENS_HOME/uploads (staged PDFs, per-upload subdirs)
	EmbedCacheDir string // $CLAIMLENS_HOME/cache/embeddings
	KeyCacheDir   string // $CLAIMLENS_HOME/cache/keys (bundle signing keys)
	KeysDir       string // $CLAIMLENS_HOME/keys (provider API keys)
	ConfigFile    string // $CLAIMLENS_HOME/config.toml

	DatabaseURL string
	ListenAddr  string

	LeaseTTL                 time.Duration
	ReconcileInterval        time.Duration
	StaleProcessingAfter     time.Duration
	RetentionDays            int
	RetentionCleanupInterval time.Duration

	EmbedEndpoint string
	EmbedModel    string

	LLMPrimary  string
	LLMFallback string
	LLMModel    string
	LLMEndpoint string
	LLMTimeout  time.Duration

	OcrEndpoint  string
	CatalogWatch bool

	AllowedOrigins []string

	BundleRepo        string // owner/repo serving catalog bundle releases
	BundleFingerprint string // pinned PGP fingerprint for bundle signatures
	BundleKeyURL      string // where to fetch the signing key

	Verification Verification
}

// Verification carries the matcher/arbiter thresholds. Defaults are the
// final consistent set; the config file may override any of them.
type Verification struct {
	WeightSemantic    float64 `toml:"weight_semantic"`
	WeightToken       float64 `toml:"weight_token"`
	WeightContainment float64 `toml:"weight_containment"`

	HybridAccept      float64 `toml:"hybrid_accept"`
	SemanticAccept    float64 `toml:"semantic_autoaccept"`
	SemanticMinForLLM float64 `toml:"semantic_min_for_llm"`
	LLMBandLow        float64 `toml:"llm_band_low"`
	LLMBandHigh       float64 `toml:"llm_band_high"`
	MinLLMConfidence  float64 `toml:"min_llm_confidence"`

	HospitalThreshold float64 `toml:"hospital_threshold"`
	CategoryStrong    float64 `toml:"category_strong"`
	CategorySoft      float64 `toml:"category_soft"`
}

// DefaultVerification returns the stock threshold set.
func DefaultVerification() Verification {
	return Verification{
		WeightSemantic:    0.6,
		WeightToken:       0.3,
		WeightContainment: 0.1,
		HybridAccept:      0.60,
		SemanticAccept:    0.85,
		SemanticMinForLLM: 0.55,
		LLMBandLow:        0.70,
		LLMBandHigh:       0.85,
		MinLLMConfidence:  0.7,
		HospitalThreshold: 0.50,
		CategoryStrong:    0.70,
		CategorySoft:      0.50,
	}
}

// Load resolves the configuration: home layout, then config file, then
// environment overrides.
func Load() (*Config, error) {
	home := os.Getenv(EnvHome)
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		home = filepath.Join(userHome, ".claimlens")
	}

	cfg := &Config{
		HomeDir:       home,
		CatalogDir:    filepath.Join(home, "catalog"),
		UploadsDir:    filepath.Join(home, "uploads"),
		EmbedCacheDir: filepath.Join(home, "cache", "embeddings"),
		KeyCacheDir:   filepath.Join(home, "cache", "keys"),
		KeysDir:       filepath.Join(home, "keys"),
		ConfigFile:    filepath.Join(home, "config.toml"),

		ListenAddr:               DefaultListenAddr,
		LeaseTTL:                 DefaultLeaseTTL,
		ReconcileInterval:        DefaultReconcileInterval,
		StaleProcessingAfter:     DefaultStaleProcessingAfter,
		RetentionDays:            DefaultRetentionDays,
		RetentionCleanupInterval: DefaultRetentionCleanupInterval,
		EmbedEndpoint:            DefaultEmbedEndpoint,
		EmbedModel:               DefaultEmbedModel,
		LLMPrimary:               DefaultLLMPrimary,
		LLMModel:                 DefaultLLMModel,
		LLMEndpoint:              DefaultLLMEndpoint,
		LLMTimeout:               DefaultLLMTimeout,
		OcrEndpoint:              DefaultOcrEndpoint,
		Verification:             DefaultVerification(),
	}

	file, err := LoadFile(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	file.applyTo(cfg)
	applyEnv(cfg)

	return cfg, nil
}

// EnsureDirectories creates the home layout.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.HomeDir,
		c.CatalogDir,
		c.UploadsDir,
		c.EmbedCacheDir,
		c.KeyCacheDir,
		c.KeysDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// UploadDir returns the staging directory for one upload.
func (c *Config) UploadDir(uploadID string) string {
	return filepath.Join(c.UploadsDir, uploadID)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	cfg.LeaseTTL = getDuration(EnvLeaseTTL, cfg.LeaseTTL, time.Minute, time.Hour)
	cfg.ReconcileInterval = getDuration(EnvReconcileInterval, cfg.ReconcileInterval, 5*time.Second, 10*time.Minute)
	cfg.StaleProcessingAfter = getDuration(EnvStaleProcessingAfter, cfg.StaleProcessingAfter, time.Minute, 24*time.Hour)
	cfg.RetentionDays = getInt(EnvRetentionDays, cfg.RetentionDays, 1, 3650)
	cfg.RetentionCleanupInterval = getDuration(EnvRetentionCleanupInterval, cfg.RetentionCleanupInterval, time.Minute, 7*24*time.Hour)
	if v := os.Getenv(EnvEmbedEndpoint); v != "" {
		cfg.EmbedEndpoint = v
	}
	if v := os.Getenv(EnvEmbedModel); v != "" {
		cfg.EmbedModel = v
	}
	if v := os.Getenv(EnvLLMPrimary); v != "" {
		cfg.LLMPrimary = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv(EnvLLMFallback); v != "" {
		cfg.LLMFallback = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv(EnvLLMModel); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv(EnvLLMEndpoint); v != "" {
		cfg.LLMEndpoint = v
	}
	cfg.LLMTimeout = getDuration(EnvLLMTimeout, cfg.LLMTimeout, time.Second, 2*time.Minute)
	if v := os.Getenv(EnvOcrEndpoint); v != "" {
		cfg.OcrEndpoint = v
	}
	if v := os.Getenv(EnvCatalogWatch); v != "" {
		cfg.CatalogWatch = parseBool(v, cfg.CatalogWatch)
	}
}

// getDuration reads a duration env var, clamping to [min, max]. Unset or
// unparseable values keep the fallback.
func getDuration(env string, fallback, min, max time.Duration) time.Duration {
	v := os.Getenv(env)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using %v\n", env, v, fallback)
		return fallback
	}
	if d < min {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%v), using minimum %v\n", env, d, min)
		return min
	}
	if d > max {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%v), using maximum %v\n", env, d, max)
		return max
	}
	return d
}

func getInt(env string, fallback, min, max int) int {
	v := os.Getenv(env)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using %d\n", env, v, fallback)
		return fallback
	}
	if n < min {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%d), using minimum %d\n", env, n, min)
		return min
	}
	if n > max {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%d), using maximum %d\n", env, n, max)
		return max
	}
	return n
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}
