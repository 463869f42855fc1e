package llm

import (
	"context"
	"fmt"
	"sort"

	"github.com/claimlens/claimlens/internal/config"
	"github.com/claimlens/claimlens/internal/secrets"
)

// Factory holds the constructed providers and their circuit breakers,
// and hands out providers in preference order: configured primary
// first, configured fallback second, anything else after.
type Factory struct {
	providers map[string]Provider
	breakers  map[string]*CircuitBreaker
	primary   string
	fallback  string
}

// NewFactory builds the provider set from configuration. Ollama is
// always constructed (it needs only an endpoint); Claude and Gemini
// join when their API keys are configured. Fails when the configured
// primary ends up unavailable, since arbitration would silently run on
// a different model than the operator asked for.
func NewFactory(ctx context.Context, cfg *config.Config) (*Factory, error) {
	f := &Factory{
		providers: make(map[string]Provider),
		breakers:  make(map[string]*CircuitBreaker),
		primary:   cfg.LLMPrimary,
		fallback:  cfg.LLMFallback,
	}

	f.add(NewOllamaProvider(cfg.LLMEndpoint, cfg.LLMModel, cfg.LLMTimeout))

	if secrets.IsSet("anthropic_api_key") {
		if provider, err := NewClaudeProvider(); err == nil {
			f.add(provider)
		}
	}
	if secrets.IsSet("google_api_key") {
		if provider, err := NewGeminiProvider(ctx); err == nil {
			f.add(provider)
		}
	}

	if _, ok := f.providers[f.primary]; !ok {
		return nil, fmt.Errorf("primary LLM provider %q is not available: configure its API key or set llm.primary to one of %v",
			f.primary, f.names())
	}
	return f, nil
}

// NewFactoryWithProviders builds a factory over explicit providers,
// mainly for tests with scripted backends.
func NewFactoryWithProviders(primary, fallback string, providers ...Provider) *Factory {
	f := &Factory{
		providers: make(map[string]Provider),
		breakers:  make(map[string]*CircuitBreaker),
		primary:   primary,
		fallback:  fallback,
	}
	for _, p := range providers {
		f.add(p)
	}
	return f
}

func (f *Factory) add(p Provider) {
	f.providers[p.Name()] = p
	f.breakers[p.Name()] = NewCircuitBreaker(p.Name())
}

func (f *Factory) names() []string {
	names := make([]string, 0, len(f.providers))
	for name := range f.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetProvider returns the first provider in preference order whose
// breaker admits requests.
func (f *Factory) GetProvider(ctx context.Context) (Provider, error) {
	ordered := f.OrderedProviders()
	if len(ordered) == 0 {
		return nil, fmt.Errorf("no LLM providers available: all circuit breakers are open")
	}
	return ordered[0], nil
}

// OrderedProviders returns providers in preference order, skipping any
// whose breaker is open. The arbiter walks this list for its
// primary-then-secondary protocol.
func (f *Factory) OrderedProviders() []Provider {
	var ordered []Provider
	seen := make(map[string]bool)

	appendIfAllowed := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		provider, ok := f.providers[name]
		if !ok {
			return
		}
		if breaker := f.breakers[name]; breaker != nil && breaker.Allow() {
			ordered = append(ordered, provider)
		}
	}

	appendIfAllowed(f.primary)
	appendIfAllowed(f.fallback)
	for _, name := range f.names() {
		appendIfAllowed(name)
	}
	return ordered
}

// ReportSuccess records a successful call, closing the breaker.
func (f *Factory) ReportSuccess(providerName string) {
	if breaker, ok := f.breakers[providerName]; ok {
		breaker.RecordSuccess()
	}
}

// ReportFailure records a failed call, possibly tripping the breaker.
func (f *Factory) ReportFailure(providerName string) {
	if breaker, ok := f.breakers[providerName]; ok {
		breaker.RecordFailure()
	}
}

// AvailableProviders returns names of providers whose breakers admit
// requests, in preference order.
func (f *Factory) AvailableProviders() []string {
	ordered := f.OrderedProviders()
	names := make([]string, len(ordered))
	for i, p := range ordered {
		names[i] = p.Name()
	}
	return names
}

// HasProvider reports whether the named provider is registered.
func (f *Factory) HasProvider(name string) bool {
	_, ok := f.providers[name]
	return ok
}

// ProviderCount returns the number of registered providers.
func (f *Factory) ProviderCount() int {
	return len(f.providers)
}
