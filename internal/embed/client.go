package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/claimlens/claimlens/internal/httputil"
	"github.com/claimlens/claimlens/internal/log"
)

const (
	defaultMaxRetries = 3
	defaultBatchSize  = 20
	baseRetryDelay    = 1 * time.Second
)

// Options configures the embeddings client.
type Options struct {
	// Endpoint is the base URL of an OpenAI-compatible API, without the
	// trailing /embeddings (e.g. http://127.0.0.1:11434/v1).
	Endpoint string

	// Model is the embedding model identifier.
	Model string

	// MaxRetries per batch request. Defaults to 3.
	MaxRetries int

	// BatchSize caps how many texts go into a single request. Defaults
	// to 20.
	BatchSize int

	// Logger for retry diagnostics. Defaults to the global logger.
	Logger log.Logger

	// HTTPClient overrides the default sidecar client, mainly for tests.
	HTTPClient *http.Client
}

// Client calls a local embeddings sidecar over the OpenAI wire format.
type Client struct {
	endpoint   string
	model      string
	maxRetries int
	batchSize  int
	logger     log.Logger
	httpClient *http.Client
}

// NewClient builds a Client, applying defaults for unset options.
func NewClient(opts Options) *Client {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = httputil.NewSidecarClient(0)
	}
	return &Client{
		endpoint:   opts.Endpoint,
		model:      opts.Model,
		maxRetries: maxRetries,
		batchSize:  batchSize,
		logger:     logger,
		httpClient: httpClient,
	}
}

// ModelID reports the configured model identifier.
func (c *Client) ModelID() string { return c.model }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one normalized vector per text, batching requests and
// retrying transient failures with exponential backoff.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff with jitter: base * 2^(attempt-1) * (0.75 + rand*0.5)
			baseWait := baseRetryDelay * time.Duration(1<<(attempt-1))
			jitter := 0.75 + rand.Float64()*0.5
			delay := time.Duration(float64(baseWait) * jitter)

			c.logger.Debug("embeddings retry",
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"delay", delay.String(),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		vectors, err := c.doEmbed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("embeddings request failed after %d retries: %w", c.maxRetries, lastErr)
}

// EmbedOne is a convenience wrapper for a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embeddings endpoint returned status %d: %s",
			resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse embeddings response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings endpoint returned %d vectors for %d inputs",
			len(parsed.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embeddings endpoint returned out-of-range index %d", item.Index)
		}
		Normalize(item.Embedding)
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("embeddings endpoint returned no vector for input %d", i)
		}
	}
	return vectors, nil
}
