package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/claimlens/claimlens/internal/llm"
	"github.com/claimlens/claimlens/internal/log"
)

// arbiterSystem is the instruction block sent with every arbitration
// request. The contract is strict JSON so the parse either succeeds or
// triggers the fallback model.
const arbiterSystem = `You decide whether a hospital bill line refers to the same billable service or product as a tie-up rate sheet entry.

Ignore doctor names, serial numbers, inventory codes and formatting. Focus on the medical substance, procedure or service named.

Respond with exactly one JSON object, no prose:
{"match": true|false, "confidence": 0.0-1.0, "normalized_name": "<canonical name>"}`

// Verdict is the arbiter's answer for one (bill item, tie-up item)
// pair.
type Verdict struct {
	Match          bool    `json:"match"`
	Confidence     float64 `json:"confidence"`
	NormalizedName string  `json:"normalized_name"`

	// Model names the provider that produced the verdict. Empty when
	// every provider failed.
	Model string `json:"-"`

	// Err describes why no verdict could be obtained. A Verdict with
	// Err set never matches.
	Err string `json:"-"`
}

// Arbiter asks a chat model to break ties the scorer could not. It
// memoizes verdicts per normalized pair for the life of the process
// and never returns an error: when every provider fails the verdict is
// a confident no.
type Arbiter struct {
	factory       *llm.Factory
	timeout       time.Duration
	minConfidence float64
	logger        log.Logger

	mu    sync.Mutex
	cache map[string]Verdict
}

// NewArbiter builds an arbiter over the provider factory. timeout
// bounds a single model call; the whole decision is bounded by twice
// that (primary plus one fallback attempt).
func NewArbiter(factory *llm.Factory, timeout time.Duration, minConfidence float64, logger log.Logger) *Arbiter {
	if logger == nil {
		logger = log.Default()
	}
	return &Arbiter{
		factory:       factory,
		timeout:       timeout,
		minConfidence: minConfidence,
		logger:        logger.With("component", "arbiter"),
		cache:         make(map[string]Verdict),
	}
}

// CacheSize reports the number of memoized verdicts.
func (a *Arbiter) CacheSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cache)
}

// Decide returns the verdict for one normalized pair, consulting at
// most two providers: the primary, then one fallback when the primary
// response is unusable. Both failing yields a non-matching verdict
// with Err set; failures are not cached so a recovered backend gets a
// fresh chance.
func (a *Arbiter) Decide(ctx context.Context, billItem, tieupItem string) Verdict {
	key := billItem + "\x00" + tieupItem

	a.mu.Lock()
	if v, ok := a.cache[key]; ok {
		a.mu.Unlock()
		return v
	}
	a.mu.Unlock()

	providers := a.factory.OrderedProviders()
	if len(providers) > 2 {
		providers = providers[:2]
	}
	if len(providers) == 0 {
		return Verdict{Err: "no LLM providers available"}
	}

	prompt := fmt.Sprintf("Bill item: %q\nTie-up item: %q\nSame billable entry?", billItem, tieupItem)

	var lastErr string
	for _, provider := range providers {
		v, err := a.ask(ctx, provider, prompt)
		if err != nil {
			lastErr = err.Error()
			a.factory.ReportFailure(provider.Name())
			a.logger.Warn("arbiter attempt failed",
				"provider", provider.Name(),
				"error", lastErr)
			continue
		}
		a.factory.ReportSuccess(provider.Name())
		if v.Confidence < a.minConfidence {
			lastErr = fmt.Sprintf("%s answered below confidence floor (%.2f < %.2f)",
				provider.Name(), v.Confidence, a.minConfidence)
			continue
		}
		v.Model = provider.Name()
		a.mu.Lock()
		a.cache[key] = v
		a.mu.Unlock()
		return v
	}

	return Verdict{Err: lastErr}
}

// ask runs one bounded completion and parses the JSON verdict.
func (a *Arbiter) ask(ctx context.Context, provider llm.Provider, prompt string) (Verdict, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := provider.Complete(callCtx, &llm.CompletionRequest{
		System:    arbiterSystem,
		Prompt:    prompt,
		MaxTokens: 200,
		JSONOnly:  true,
	})
	if err != nil {
		return Verdict{}, err
	}

	var v Verdict
	cleaned := llm.CleanJSONResponse(resp.Content)
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return Verdict{}, fmt.Errorf("unparseable verdict %q: %w", truncate(cleaned, 120), err)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return Verdict{}, fmt.Errorf("confidence %v outside [0,1]", v.Confidence)
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
