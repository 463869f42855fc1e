package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// duration wraps time.Duration so TOML values can be written as "10m".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// FileSettings is the on-disk shape of config.toml. Absent keys keep
// their defaults; `claimlens config set` rewrites the whole file.
type FileSettings struct {
	Server       ServerSettings    `toml:"server"`
	Store        StoreSettings     `toml:"store"`
	Queue        QueueSettings     `toml:"queue"`
	Retention    RetentionSettings `toml:"retention"`
	Embedding    EmbeddingSettings `toml:"embedding"`
	LLM          LLMSettings       `toml:"llm"`
	Ocr          OcrSettings       `toml:"ocr"`
	Catalog      CatalogSettings   `toml:"catalog"`
	Verification Verification      `toml:"verification"`
}

type ServerSettings struct {
	ListenAddr     string   `toml:"listen_addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type StoreSettings struct {
	DatabaseURL string `toml:"database_url"`
}

type QueueSettings struct {
	LeaseTTL             duration `toml:"lease_ttl"`
	ReconcileInterval    duration `toml:"reconcile_interval"`
	StaleProcessingAfter duration `toml:"stale_processing_after"`
}

type RetentionSettings struct {
	Days            int      `toml:"days"`
	CleanupInterval duration `toml:"cleanup_interval"`
}

type EmbeddingSettings struct {
	Endpoint string `toml:"endpoint"`
	Model    string `toml:"model"`
}

type LLMSettings struct {
	Primary  string   `toml:"primary"`
	Fallback string   `toml:"fallback"`
	Model    string   `toml:"model"`
	Endpoint string   `toml:"endpoint"`
	Timeout  duration `toml:"timeout"`
}

type OcrSettings struct {
	Endpoint string `toml:"endpoint"`
}

type CatalogSettings struct {
	Watch             bool   `toml:"watch"`
	BundleRepo        string `toml:"bundle_repo"`
	BundleFingerprint string `toml:"bundle_fingerprint"`
	BundleKeyURL      string `toml:"bundle_key_url"`
}

// DefaultFileSettings returns settings matching the built-in defaults.
func DefaultFileSettings() *FileSettings {
	return &FileSettings{
		Server: ServerSettings{ListenAddr: DefaultListenAddr},
		Queue: QueueSettings{
			LeaseTTL:             duration(DefaultLeaseTTL),
			ReconcileInterval:    duration(DefaultReconcileInterval),
			StaleProcessingAfter: duration(DefaultStaleProcessingAfter),
		},
		Retention: RetentionSettings{
			Days:            DefaultRetentionDays,
			CleanupInterval: duration(DefaultRetentionCleanupInterval),
		},
		Embedding: EmbeddingSettings{
			Endpoint: DefaultEmbedEndpoint,
			Model:    DefaultEmbedModel,
		},
		LLM: LLMSettings{
			Primary:  DefaultLLMPrimary,
			Model:    DefaultLLMModel,
			Endpoint: DefaultLLMEndpoint,
			Timeout:  duration(DefaultLLMTimeout),
		},
		Ocr:          OcrSettings{Endpoint: DefaultOcrEndpoint},
		Verification: DefaultVerification(),
	}
}

// LoadFile reads settings from path. Returns defaults if the file does
// not exist; errors only on unreadable or unparseable files.
func LoadFile(path string) (*FileSettings, error) {
	fs := DefaultFileSettings()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if _, err := toml.Decode(string(data), fs); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return fs, nil
}

// Save writes the settings to path, creating parent directories.
func (f *FileSettings) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer out.Close()

	if err := toml.NewEncoder(out).Encode(f); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (f *FileSettings) applyTo(cfg *Config) {
	cfg.ListenAddr = f.Server.ListenAddr
	cfg.AllowedOrigins = f.Server.AllowedOrigins
	cfg.DatabaseURL = f.Store.DatabaseURL
	cfg.LeaseTTL = time.Duration(f.Queue.LeaseTTL)
	cfg.ReconcileInterval = time.Duration(f.Queue.ReconcileInterval)
	cfg.StaleProcessingAfter = time.Duration(f.Queue.StaleProcessingAfter)
	cfg.RetentionDays = f.Retention.Days
	cfg.RetentionCleanupInterval = time.Duration(f.Retention.CleanupInterval)
	cfg.EmbedEndpoint = f.Embedding.Endpoint
	cfg.EmbedModel = f.Embedding.Model
	cfg.LLMPrimary = f.LLM.Primary
	cfg.LLMFallback = f.LLM.Fallback
	cfg.LLMModel = f.LLM.Model
	cfg.LLMEndpoint = f.LLM.Endpoint
	cfg.LLMTimeout = time.Duration(f.LLM.Timeout)
	cfg.OcrEndpoint = f.Ocr.Endpoint
	cfg.CatalogWatch = f.Catalog.Watch
	cfg.BundleRepo = f.Catalog.BundleRepo
	cfg.BundleFingerprint = f.Catalog.BundleFingerprint
	cfg.BundleKeyURL = f.Catalog.BundleKeyURL
	cfg.Verification = f.Verification
}

// Get returns the value of a dotted config key as a string.
func (f *FileSettings) Get(key string) (string, bool) {
	switch strings.ToLower(key) {
	case "server.listen_addr":
		return f.Server.ListenAddr, true
	case "server.allowed_origins":
		return strings.Join(f.Server.AllowedOrigins, ","), true
	case "store.database_url":
		return f.Store.DatabaseURL, true
	case "queue.lease_ttl":
		return time.Duration(f.Queue.LeaseTTL).String(), true
	case "queue.reconcile_interval":
		return time.Duration(f.Queue.ReconcileInterval).String(), true
	case "queue.stale_processing_after":
		return time.Duration(f.Queue.StaleProcessingAfter).String(), true
	case "retention.days":
		return strconv.Itoa(f.Retention.Days), true
	case "retention.cleanup_interval":
		return time.Duration(f.Retention.CleanupInterval).String(), true
	case "embedding.endpoint":
		return f.Embedding.Endpoint, true
	case "embedding.model":
		return f.Embedding.Model, true
	case "llm.primary":
		return f.LLM.Primary, true
	case "llm.fallback":
		return f.LLM.Fallback, true
	case "llm.model":
		return f.LLM.Model, true
	case "llm.endpoint":
		return f.LLM.Endpoint, true
	case "llm.timeout":
		return time.Duration(f.LLM.Timeout).String(), true
	case "ocr.endpoint":
		return f.Ocr.Endpoint, true
	case "catalog.watch":
		return strconv.FormatBool(f.Catalog.Watch), true
	case "catalog.bundle_repo":
		return f.Catalog.BundleRepo, true
	case "catalog.bundle_fingerprint":
		return f.Catalog.BundleFingerprint, true
	case "catalog.bundle_key_url":
		return f.Catalog.BundleKeyURL, true
	default:
		return "", false
	}
}

// Set updates a config value from a string. Returns an error for
// unknown keys or invalid values.
func (f *FileSettings) Set(key, value string) error {
	switch strings.ToLower(key) {
	case "server.listen_addr":
		f.Server.ListenAddr = value
	case "server.allowed_origins":
		f.Server.AllowedOrigins = splitNonEmpty(value)
	case "store.database_url":
		f.Store.DatabaseURL = value
	case "queue.lease_ttl":
		return setDuration(&f.Queue.LeaseTTL, key, value)
	case "queue.reconcile_interval":
		return setDuration(&f.Queue.ReconcileInterval, key, value)
	case "queue.stale_processing_after":
		return setDuration(&f.Queue.StaleProcessingAfter, key, value)
	case "retention.days":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid value for %s: must be a positive integer", key)
		}
		f.Retention.Days = n
	case "retention.cleanup_interval":
		return setDuration(&f.Retention.CleanupInterval, key, value)
	case "embedding.endpoint":
		f.Embedding.Endpoint = value
	case "embedding.model":
		f.Embedding.Model = value
	case "llm.primary":
		f.LLM.Primary = strings.ToLower(value)
	case "llm.fallback":
		f.LLM.Fallback = strings.ToLower(value)
	case "llm.model":
		f.LLM.Model = value
	case "llm.endpoint":
		f.LLM.Endpoint = value
	case "llm.timeout":
		return setDuration(&f.LLM.Timeout, key, value)
	case "ocr.endpoint":
		f.Ocr.Endpoint = value
	case "catalog.watch":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: must be true or false", key)
		}
		f.Catalog.Watch = b
	case "catalog.bundle_repo":
		f.Catalog.BundleRepo = value
	case "catalog.bundle_fingerprint":
		f.Catalog.BundleFingerprint = strings.ToUpper(strings.ReplaceAll(value, " ", ""))
	case "catalog.bundle_key_url":
		f.Catalog.BundleKeyURL = value
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}

// AvailableKeys lists configurable keys with descriptions, for
// `claimlens config` help output.
func AvailableKeys() map[string]string {
	return map[string]string{
		"server.listen_addr":           "HTTP listen address",
		"server.allowed_origins":       "comma-separated CORS origins",
		"store.database_url":           "postgres connection string (empty = in-memory store)",
		"queue.lease_ttl":              "job lease duration (e.g. 10m)",
		"queue.reconcile_interval":     "queue reconcile cadence (e.g. 30s)",
		"queue.stale_processing_after": "age before unleased PROCESSING jobs are failed",
		"retention.days":               "days to keep soft-deleted bills",
		"retention.cleanup_interval":   "retention sweep cadence",
		"embedding.endpoint":           "OpenAI-compatible embeddings base URL",
		"embedding.model":              "embedding model id",
		"llm.primary":                  "arbiter provider: ollama, claude, or gemini",
		"llm.fallback":                 "fallback arbiter provider (empty = none)",
		"llm.model":                    "arbiter model id",
		"llm.endpoint":                 "local chat endpoint for the ollama provider",
		"llm.timeout":                  "per-call arbiter timeout",
		"ocr.endpoint":                 "OCR sidecar base URL",
		"catalog.watch":                "reload the catalog when files change (true/false)",
		"catalog.bundle_repo":          "owner/repo serving catalog bundle releases",
		"catalog.bundle_fingerprint":   "pinned PGP fingerprint for bundle signatures",
		"catalog.bundle_key_url":       "URL of the bundle signing key",
	}
}

func setDuration(dst *duration, key, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid value for %s: must be a positive duration like 30s or 10m", key)
	}
	*dst = duration(d)
	return nil
}

func splitNonEmpty(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
