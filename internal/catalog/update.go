package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/claimlens/claimlens/internal/config"
	"github.com/claimlens/claimlens/internal/httputil"
	"github.com/claimlens/claimlens/internal/log"
)

// downloadTimeout bounds a single asset download.
const downloadTimeout = 5 * time.Minute

// UpdateResult describes what an update installed.
type UpdateResult struct {
	Tag      string
	Asset    string
	Sheets   []string
	Verified bool
}

// Updater pulls catalog bundles from GitHub releases of the configured
// publisher repository.
type Updater struct {
	repo        string
	fingerprint string
	keyURL      string
	client      *github.Client
	downloads   *http.Client
	keys        *KeyCache
	logger      log.Logger
}

// NewUpdater builds an updater from the bundle distribution config.
// GITHUB_TOKEN authenticates API calls when set; anonymous access works
// within GitHub's rate limits.
func NewUpdater(cfg *config.Config, logger log.Logger) (*Updater, error) {
	if cfg.BundleRepo == "" {
		return nil, fmt.Errorf("no bundle repository configured: set catalog.bundle_repo in %s", cfg.ConfigFile)
	}
	if _, _, err := splitRepo(cfg.BundleRepo); err != nil {
		return nil, err
	}
	if cfg.BundleFingerprint != "" {
		if _, err := ParseFingerprint(cfg.BundleFingerprint); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = log.Default()
	}

	var apiHTTP *http.Client
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		apiHTTP = oauth2.NewClient(context.Background(), ts)
	}

	return &Updater{
		repo:        cfg.BundleRepo,
		fingerprint: cfg.BundleFingerprint,
		keyURL:      cfg.BundleKeyURL,
		client:      github.NewClient(apiHTTP),
		downloads:   httputil.NewSecureClient(httputil.ClientOptions{Timeout: downloadTimeout}),
		keys:        NewKeyCache(cfg.KeyCacheDir, logger),
		logger:      logger,
	}, nil
}

// SetBaseURL points API calls at a different endpoint. Tests use this
// to run against a local fake.
func (u *Updater) SetBaseURL(raw string) error {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	u.client.BaseURL = parsed
	return nil
}

// Update resolves the latest published release, downloads the bundle
// and its detached signature, verifies the signature when a fingerprint
// is pinned, imports the sheets, and reloads the service catalog.
func (u *Updater) Update(ctx context.Context, svc *Service) (*UpdateResult, error) {
	owner, repo, err := splitRepo(u.repo)
	if err != nil {
		return nil, err
	}

	release, resp, err := u.client.Repositories.GetLatestRelease(ctx, owner, repo)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("no releases found in %s", u.repo)
		}
		var rateErr *github.RateLimitError
		if errors.As(err, &rateErr) {
			return nil, fmt.Errorf("GitHub API rate limit exceeded, resets at %s: set GITHUB_TOKEN to raise the limit",
				rateErr.Rate.Reset.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("fetching latest release of %s: %w", u.repo, err)
	}

	bundle, sig := pickAssets(release.Assets)
	if bundle == nil {
		return nil, fmt.Errorf("release %s of %s has no catalog bundle asset", release.GetTagName(), u.repo)
	}

	tmpDir, err := os.MkdirTemp("", "claimlens-update-*")
	if err != nil {
		return nil, fmt.Errorf("creating download directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	u.logger.Info("downloading catalog bundle",
		"repo", u.repo, "tag", release.GetTagName(), "asset", bundle.GetName())

	bundlePath := filepath.Join(tmpDir, bundle.GetName())
	if err := u.download(ctx, bundle.GetBrowserDownloadURL(), bundlePath, MaxBundleSize); err != nil {
		return nil, fmt.Errorf("downloading %s: %w", bundle.GetName(), err)
	}

	result := &UpdateResult{Tag: release.GetTagName(), Asset: bundle.GetName()}

	if u.fingerprint != "" {
		if sig == nil {
			return nil, fmt.Errorf("release %s ships no signature for %s but catalog.bundle_fingerprint is pinned",
				release.GetTagName(), bundle.GetName())
		}
		sigPath := filepath.Join(tmpDir, sig.GetName())
		if err := u.download(ctx, sig.GetBrowserDownloadURL(), sigPath, maxSignatureSize); err != nil {
			return nil, fmt.Errorf("downloading %s: %w", sig.GetName(), err)
		}
		if err := u.verify(ctx, bundlePath, sigPath); err != nil {
			return nil, err
		}
		result.Verified = true
	} else {
		u.logger.Warn("bundle signature not verified: no catalog.bundle_fingerprint pinned")
	}

	sheets, err := ImportBundle(bundlePath, svc.Dir())
	if err != nil {
		return nil, err
	}
	result.Sheets = sheets

	if _, err := svc.Reload(ctx); err != nil {
		return nil, err
	}

	u.logger.Info("catalog updated",
		"tag", result.Tag, "sheets", len(sheets), "verified", result.Verified)
	return result, nil
}

// pickAssets selects the bundle asset and its detached signature. The
// first asset with a supported bundle extension wins; the signature is
// <asset>.sig or <asset>.asc.
func pickAssets(assets []*github.ReleaseAsset) (bundle, sig *github.ReleaseAsset) {
	for _, a := range assets {
		if DetectBundleFormat(a.GetName()) != "" {
			bundle = a
			break
		}
	}
	if bundle == nil {
		return nil, nil
	}
	for _, a := range assets {
		if a.GetName() == bundle.GetName()+".sig" || a.GetName() == bundle.GetName()+".asc" {
			sig = a
			break
		}
	}
	return bundle, sig
}

// download fetches rawURL into path, refusing bodies over limit bytes.
func (u *Updater) download(ctx context.Context, rawURL, path string, limit int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := u.downloads.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(resp.Body, limit+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n > limit {
		return fmt.Errorf("response exceeds the %d byte limit", limit)
	}
	return nil
}

func (u *Updater) verify(ctx context.Context, bundlePath, sigPath string) error {
	key, err := u.keys.Get(ctx, u.fingerprint, u.keyURL)
	if err != nil {
		return fmt.Errorf("resolving signing key: %w", err)
	}

	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return err
	}
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return err
	}

	if err := VerifyDetached(data, sig, key); err != nil {
		return fmt.Errorf("bundle %s: %w", filepath.Base(bundlePath), err)
	}
	u.logger.Info("bundle signature verified", "fingerprint", FormatFingerprint(u.fingerprint))
	return nil
}

// splitRepo parses "owner/repo".
func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", fmt.Errorf("invalid bundle repository %q: expected owner/repo", repo)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}
