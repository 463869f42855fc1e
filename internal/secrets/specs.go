package secrets

// KeySpec defines how to resolve a specific secret.
type KeySpec struct {
	// EnvVars lists environment variables to check, in priority order.
	EnvVars []string

	// Desc is a human-readable description for error messages and CLI display.
	Desc string
}

// knownKeys maps secret names to their resolution specs.
// Adding a new secret is one entry here.
var knownKeys = map[string]KeySpec{
	"anthropic_api_key": {
		EnvVars: []string{"ANTHROPIC_API_KEY"},
		Desc:    "Anthropic API key for the Claude arbiter",
	},
	"google_api_key": {
		EnvVars: []string{"GOOGLE_API_KEY", "GEMINI_API_KEY"},
		Desc:    "Google API key for the Gemini arbiter",
	},
	"github_token": {
		EnvVars: []string{"GITHUB_TOKEN"},
		Desc:    "GitHub token for catalog bundle downloads (optional, raises rate limits)",
	},
}

// providerKeys maps arbiter provider names to their secret key name.
// The ollama provider is local and needs no key.
var providerKeys = map[string]string{
	"claude": "anthropic_api_key",
	"gemini": "google_api_key",
}

// KeyForProvider returns the secret key name an arbiter provider uses,
// or empty string for providers that need none.
func KeyForProvider(provider string) string {
	return providerKeys[provider]
}
