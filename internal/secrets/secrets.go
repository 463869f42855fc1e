// Package secrets provides centralized resolution of API keys and tokens.
//
// Secrets are resolved by checking environment variables first, then
// per-key files under $CLAIMLENS_HOME/keys. If neither source has a
// value, an error with guidance is returned.
//
// Each known secret is defined in the knownKeys table (specs.go), which
// maps a canonical name to one or more environment variable aliases.
// Requesting an unknown key returns an error.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/claimlens/claimlens/internal/config"
)

// KeyInfo describes a registered secret for external consumers.
type KeyInfo struct {
	// Name is the canonical key name (e.g., "anthropic_api_key").
	Name string

	// EnvVars lists environment variables checked, in priority order.
	EnvVars []string

	// Desc is a human-readable description.
	Desc string
}

// cachedDir holds the lazily resolved key directory.
var (
	dirOnce   sync.Once
	cachedDir string
	dirError  error
)

func keysDir() (string, error) {
	dirOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			dirError = err
			return
		}
		cachedDir = cfg.KeysDir
	})
	return cachedDir, dirError
}

// ResetForTest clears the cached key directory so the next call
// re-resolves from the environment. Intended for testing only.
func ResetForTest() {
	dirOnce = sync.Once{}
	cachedDir = ""
	dirError = nil
}

// Get resolves a secret by name, checking environment variables first,
// then the key file.
// Returns the first non-empty value found, or an error if the key is
// unknown or no source has a value set.
func Get(name string) (string, error) {
	spec, ok := knownKeys[name]
	if !ok {
		return "", fmt.Errorf("unknown secret key: %q", name)
	}

	// Check environment variables in priority order.
	for _, env := range spec.EnvVars {
		if val := os.Getenv(env); val != "" {
			return val, nil
		}
	}

	// Fall through to the key file.
	if val := readKeyFile(name); val != "" {
		return val, nil
	}

	envList := strings.Join(spec.EnvVars, " or ")
	return "", fmt.Errorf(
		"%s not configured. Set the %s environment variable, or run `claimlens keys set %s`",
		name, envList, name,
	)
}

// IsSet checks whether a secret is available without returning its value.
// Returns false for unknown keys.
func IsSet(name string) bool {
	spec, ok := knownKeys[name]
	if !ok {
		return false
	}

	for _, env := range spec.EnvVars {
		if os.Getenv(env) != "" {
			return true
		}
	}
	return readKeyFile(name) != ""
}

// Set writes the key file for name with owner-only permissions.
func Set(name, value string) error {
	if _, ok := knownKeys[name]; !ok {
		return fmt.Errorf("unknown secret key: %q", name)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("refusing to store an empty value for %s", name)
	}

	dir, err := keysDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(value+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	// WriteFile keeps the old mode when the file exists.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restricting %s permissions: %w", name, err)
	}
	return nil
}

// Delete removes the key file for name. A missing file is not an error;
// environment variables are untouched.
func Delete(name string) error {
	if _, ok := knownKeys[name]; !ok {
		return fmt.Errorf("unknown secret key: %q", name)
	}
	dir, err := keysDir()
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

// KnownKeys returns metadata for all registered secrets, sorted by name.
func KnownKeys() []KeyInfo {
	keys := make([]KeyInfo, 0, len(knownKeys))
	for name, spec := range knownKeys {
		keys = append(keys, KeyInfo{
			Name:    name,
			EnvVars: spec.EnvVars,
			Desc:    spec.Desc,
		})
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Name < keys[j].Name
	})
	return keys
}

func readKeyFile(name string) string {
	dir, err := keysDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
