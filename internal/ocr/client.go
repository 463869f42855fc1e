package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/claimlens/claimlens/internal/apperr"
	"github.com/claimlens/claimlens/internal/httputil"
	"github.com/claimlens/claimlens/internal/log"
)

// Client talks to the OCR sidecar: POST the PDF as multipart, receive
// recognized pages as JSON. The sidecar runs on loopback and is
// trusted by configuration.
type Client struct {
	endpoint string
	http     *http.Client
	logger   log.Logger
}

// NewClient builds a sidecar client for endpoint, e.g.
// "http://127.0.0.1:8600/ocr".
func NewClient(endpoint string, timeout time.Duration, logger log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     httputil.NewSidecarClient(timeout),
		logger:   logger.With("component", "ocr"),
	}
}

// sidecarResponse mirrors the sidecar's JSON shape. A page the engine
// failed on carries an error string and empty text.
type sidecarResponse struct {
	Pages []struct {
		Page  int    `json:"page"`
		Text  string `json:"text"`
		Error string `json:"error,omitempty"`
		Lines []Line `json:"lines,omitempty"`
	} `json:"pages"`
}

// ExtractPages implements Engine. A document-level failure (sidecar
// unreachable, non-200, unparseable body) returns OcrFailure; per-page
// failures come back as empty-text pages.
func (c *Client) ExtractPages(ctx context.Context, pdfPath string) ([]Page, error) {
	const op = "ocr.extract_pages"

	body, contentType, err := c.multipartBody(pdfPath)
	if err != nil {
		return nil, apperr.WrapOp(apperr.CodeOcrFailure, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, apperr.WrapOp(apperr.CodeOcrFailure, op, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.WrapOp(apperr.CodeOcrFailure, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.Newf(apperr.CodeOcrFailure, op,
			"ocr sidecar returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed sidecarResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.WrapOp(apperr.CodeOcrFailure, op, err)
	}

	pages := make([]Page, 0, len(parsed.Pages))
	for _, p := range parsed.Pages {
		if p.Error != "" {
			c.logger.Warn("page failed ocr", "page", p.Page, "error", p.Error)
		}
		pages = append(pages, Page{Page: p.Page, Text: p.Text, Lines: p.Lines})
	}
	return pages, nil
}

func (c *Client) multipartBody(pdfPath string) (io.Reader, string, error) {
	f, err := os.Open(pdfPath)
	if err != nil {
		return nil, "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(pdfPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read pdf: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
