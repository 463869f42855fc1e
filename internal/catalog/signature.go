package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ProtonMail/gopenpgp/v2/crypto"

	"github.com/claimlens/claimlens/internal/httputil"
	"github.com/claimlens/claimlens/internal/log"
)

// Bundle signatures: the publisher signs each bundle with a key whose
// fingerprint operators pin in config. The public key is fetched once
// from the configured URL, checked against the pin, and cached.

const (
	// maxKeySize caps a fetched public key.
	maxKeySize = 100 * 1024

	// maxSignatureSize caps a detached signature asset.
	maxSignatureSize = 10 * 1024

	// keyFetchTimeout bounds the signing-key fetch.
	keyFetchTimeout = 30 * time.Second
)

var fingerprintRe = regexp.MustCompile(`^[0-9A-F]{40}$`)

// ParseFingerprint normalizes a configured fingerprint: spaces removed,
// uppercased, 40 hex characters required.
func ParseFingerprint(fp string) (string, error) {
	fp = strings.ToUpper(strings.ReplaceAll(fp, " ", ""))
	if !fingerprintRe.MatchString(fp) {
		return "", fmt.Errorf("invalid fingerprint %q: expected 40 hex characters", fp)
	}
	return fp, nil
}

// FormatFingerprint renders a fingerprint in the conventional groups of
// four for display.
func FormatFingerprint(fp string) string {
	fp = strings.ToUpper(strings.ReplaceAll(fp, " ", ""))
	if len(fp) != 40 {
		return fp
	}
	parts := make([]string, 0, 10)
	for i := 0; i < 40; i += 4 {
		parts = append(parts, fp[i:i+4])
	}
	return strings.Join(parts, " ")
}

// KeyCache fetches and caches the bundle signing key by fingerprint.
// Cache files live under the key cache dir as <FINGERPRINT>.asc.
type KeyCache struct {
	dir    string
	client *http.Client
	logger log.Logger
}

// NewKeyCache creates a key cache rooted at dir.
func NewKeyCache(dir string, logger log.Logger) *KeyCache {
	if logger == nil {
		logger = log.Default()
	}
	return &KeyCache{
		dir:    dir,
		client: httputil.NewSecureClient(httputil.ClientOptions{Timeout: keyFetchTimeout}),
		logger: logger,
	}
}

// Get returns the key with the given fingerprint, fetching it from
// keyURL on a cache miss. A fetched key that does not match the pinned
// fingerprint is rejected.
func (c *KeyCache) Get(ctx context.Context, fingerprint, keyURL string) (*crypto.Key, error) {
	fingerprint, err := ParseFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}

	if key, err := c.loadCached(fingerprint); err == nil {
		return key, nil
	}

	key, armored, err := c.fetch(ctx, fingerprint, keyURL)
	if err != nil {
		return nil, err
	}
	if err := c.save(fingerprint, armored); err != nil {
		// The fetched key still verifies this run; only caching failed.
		c.logger.Warn("failed to cache signing key", "error", err)
	}
	return key, nil
}

// loadCached parses the cached key file. Corrupt or mismatched cache
// files are removed so the next Get refetches.
func (c *KeyCache) loadCached(fingerprint string) (*crypto.Key, error) {
	path := filepath.Join(c.dir, fingerprint+".asc")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	key, err := crypto.NewKeyFromArmored(string(data))
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("cached key is invalid: %w", err)
	}
	if strings.ToUpper(key.GetFingerprint()) != fingerprint {
		os.Remove(path)
		return nil, fmt.Errorf("cached key fingerprint mismatch")
	}
	return key, nil
}

func (c *KeyCache) fetch(ctx context.Context, fingerprint, keyURL string) (*crypto.Key, string, error) {
	if keyURL == "" {
		return nil, "", fmt.Errorf("signing key %s is not cached and no key URL is configured", FormatFingerprint(fingerprint))
	}

	ctx, cancel := context.WithTimeout(ctx, keyFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building key request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching signing key from %s: %w", keyURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching signing key: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading signing key: %w", err)
	}
	if len(data) > maxKeySize {
		return nil, "", fmt.Errorf("signing key exceeds the %dKB limit", maxKeySize/1024)
	}

	armored := string(data)
	key, err := crypto.NewKeyFromArmored(armored)
	if err != nil {
		return nil, "", fmt.Errorf("parsing signing key: %w", err)
	}

	got := strings.ToUpper(key.GetFingerprint())
	if got != fingerprint {
		return nil, "", fmt.Errorf("signing key fingerprint mismatch: pinned %s, got %s",
			FormatFingerprint(fingerprint), FormatFingerprint(got))
	}

	return key, armored, nil
}

func (c *KeyCache) save(fingerprint, armored string) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, fingerprint+".asc"), []byte(armored), 0o600)
}

// VerifyDetached checks a detached signature over data. The signature
// may be armored or binary.
func VerifyDetached(data, sig []byte, key *crypto.Key) error {
	signature, err := crypto.NewPGPSignatureFromArmored(string(sig))
	if err != nil {
		signature = crypto.NewPGPSignature(sig)
	}

	keyRing, err := crypto.NewKeyRing(key)
	if err != nil {
		return fmt.Errorf("building keyring: %w", err)
	}

	// verifyTime 0 accepts signatures regardless of local clock.
	if err := keyRing.VerifyDetached(crypto.NewPlainMessage(data), signature, 0); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
