// Package ocr reads text out of uploaded PDFs. The real engine talks
// to an operator-run sidecar over loopback HTTP; tests use the Fake.
// A page the engine cannot read comes back with empty text rather than
// an error, so one bad scan never sinks the whole document.
package ocr

import "context"

// Line is one recognized text line with its page-relative bounding
// box (x, y, width, height in page units) and recognition confidence.
type Line struct {
	Text       string     `json:"text"`
	BBox       [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
}

// Page is the recognized content of one PDF page. Text is the full
// page text in reading order; Lines carries per-line detail when the
// engine provides it.
type Page struct {
	Page  int    `json:"page"`
	Text  string `json:"text"`
	Lines []Line `json:"lines,omitempty"`
}

// Engine extracts page text from a PDF on disk.
type Engine interface {
	ExtractPages(ctx context.Context, pdfPath string) ([]Page, error)
}

// AllPagesEmpty reports whether no page yielded any text. Callers
// treat that as a document-level OCR failure.
func AllPagesEmpty(pages []Page) bool {
	for _, p := range pages {
		if p.Text != "" {
			return false
		}
	}
	return true
}

// Fake is a canned Engine for tests.
type Fake struct {
	Pages []Page
	Err   error

	// Calls counts ExtractPages invocations.
	Calls int
}

// ExtractPages implements Engine.
func (f *Fake) ExtractPages(context.Context, string) ([]Page, error) {
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Pages, nil
}
