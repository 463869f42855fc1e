// Package httputil builds the HTTP clients claimlens uses: a hardened
// client for fetching catalog bundles and signing keys from the public
// internet, and a plain client for loopback sidecars (embeddings, OCR,
// local chat).
package httputil

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

// ClientOptions configures the secure HTTP client.
type ClientOptions struct {
	// Timeout is the overall request timeout. Default: 30s.
	Timeout time.Duration

	// DialTimeout is the TCP dial timeout. Default: 30s.
	DialTimeout time.Duration

	// TLSHandshakeTimeout is the TLS handshake timeout. Default: 10s.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout is the time to wait for response headers. Default: 10s.
	ResponseHeaderTimeout time.Duration

	// MaxRedirects is the maximum redirect depth. Default: 10.
	MaxRedirects int

	// EnableCompression opts in to Accept-Encoding. Default: false,
	// which keeps decompression bombs out of bundle downloads.
	EnableCompression bool

	// MaxIdleConns is the maximum number of idle connections. Default: 10.
	MaxIdleConns int

	// IdleConnTimeout is how long idle connections stay open. Default: 90s.
	IdleConnTimeout time.Duration
}

// DefaultOptions returns security-focused defaults.
func DefaultOptions() ClientOptions {
	return ClientOptions{
		Timeout:               30 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		MaxRedirects:          10,
		EnableCompression:     false,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}

func (o ClientOptions) withDefaults() ClientOptions {
	def := DefaultOptions()
	if o.Timeout == 0 {
		o.Timeout = def.Timeout
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.TLSHandshakeTimeout == 0 {
		o.TLSHandshakeTimeout = def.TLSHandshakeTimeout
	}
	if o.ResponseHeaderTimeout == 0 {
		o.ResponseHeaderTimeout = def.ResponseHeaderTimeout
	}
	if o.MaxRedirects == 0 {
		o.MaxRedirects = def.MaxRedirects
	}
	if o.MaxIdleConns == 0 {
		o.MaxIdleConns = def.MaxIdleConns
	}
	if o.IdleConnTimeout == 0 {
		o.IdleConnTimeout = def.IdleConnTimeout
	}
	return o
}

// NewSecureClient creates an HTTP client for untrusted destinations.
//
// Hardening:
//   - compression disabled unless opted in (decompression bomb protection)
//   - redirects must stay on HTTPS
//   - redirect targets are resolved and checked against private, loopback,
//     link-local, multicast, and unspecified ranges (SSRF and DNS rebinding)
//   - bounded redirect depth
func NewSecureClient(opts ClientOptions) *http.Client {
	opts = opts.withDefaults()

	return &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			DisableCompression: !opts.EnableCompression,
			DialContext: (&net.Dialer{
				Timeout:   opts.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
			ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          opts.MaxIdleConns,
			IdleConnTimeout:       opts.IdleConnTimeout,
		},
		CheckRedirect: makeRedirectChecker(opts.MaxRedirects),
	}
}

// NewSidecarClient creates a client for loopback services the operator
// runs next to claimlens. No redirect restrictions: the destinations are
// trusted by configuration, and embeddings batches benefit from reused
// connections.
func NewSidecarClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func makeRedirectChecker(maxRedirects int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if req.URL.Scheme != "https" {
			return fmt.Errorf("redirect to non-HTTPS URL is not allowed: %s", req.URL)
		}

		if len(via) >= maxRedirects {
			return fmt.Errorf("too many redirects")
		}

		host := req.URL.Hostname()

		if ip := net.ParseIP(host); ip != nil {
			return ValidateIP(ip, host)
		}

		// Resolve and check every address so a hostname cannot smuggle
		// the request onto an internal network via DNS rebinding.
		ips, err := net.LookupIP(host)
		if err != nil {
			return fmt.Errorf("failed to resolve redirect host %s: %w", host, err)
		}
		for _, ip := range ips {
			if err := ValidateIP(ip, host); err != nil {
				return fmt.Errorf("refusing redirect: %s resolves to blocked IP %s", host, ip)
			}
		}
		return nil
	}
}
