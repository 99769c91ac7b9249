package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/invoice-intake/internal/apperr"
)

// Default time bounds for engine calls.
const (
	DefaultPageTimeout     = 30 * time.Second
	DefaultDocumentTimeout = 2 * time.Minute
)

// Page is the OCR output of one page. Err is set when the page failed and
// Text is then empty.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
	Err    error  `json:"-"`
}

// Result holds the ordered pages of a document.
type Result struct {
	Pages    []Page `json:"pages"`
	Degraded bool   `json:"degraded"`
}

// Texts returns the page texts in order, with empty strings for failed pages.
func (r *Result) Texts() []string {
	texts := make([]string, len(r.Pages))
	for i, p := range r.Pages {
		texts[i] = p.Text
	}
	return texts
}

// FailedPages returns the 1-based numbers of pages that failed.
func (r *Result) FailedPages() []int {
	var failed []int
	for _, p := range r.Pages {
		if p.Err != nil {
			failed = append(failed, p.Number)
		}
	}
	return failed
}

// Err returns an error wrapping apperr.ErrOCRDegraded when any page failed.
func (r *Result) Err() error {
	if !r.Degraded {
		return nil
	}
	return fmt.Errorf("pages %v: %w", r.FailedPages(), apperr.ErrOCRDegraded)
}

// Service renders documents and runs each page through an Engine.
type Service struct {
	engine          Engine
	pages           PageSource
	pageTimeout     time.Duration
	documentTimeout time.Duration
	logger          *slog.Logger
}

// NewService creates a Service that renders with MuPDF
func NewService(engine Engine, pageTimeout, documentTimeout time.Duration) *Service {
	return NewServiceWithDeps(engine, DocumentRenderer{}, pageTimeout, documentTimeout)
}

// NewServiceWithDeps creates a Service with a custom page source for testing
func NewServiceWithDeps(engine Engine, pages PageSource, pageTimeout, documentTimeout time.Duration) *Service {
	if pageTimeout <= 0 {
		pageTimeout = DefaultPageTimeout
	}
	if documentTimeout <= 0 {
		documentTimeout = DefaultDocumentTimeout
	}
	return &Service{
		engine:          engine,
		pages:           pages,
		pageTimeout:     pageTimeout,
		documentTimeout: documentTimeout,
		logger:          slog.Default().With("component", "ocr"),
	}
}

// Extract returns the text of every page. A page that fails to render, fails
// OCR or times out yields empty text and marks the result degraded; only a
// document that cannot be opened at all returns an error.
func (s *Service) Extract(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	rendered, err := s.pages.Render(data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("rendering document: %w", err)
	}

	docCtx, cancel := context.WithTimeout(ctx, s.documentTimeout)
	defer cancel()

	result := &Result{Pages: make([]Page, len(rendered))}
	for i, page := range rendered {
		result.Pages[i].Number = i + 1

		pageErr := page.Err
		if pageErr == nil {
			result.Pages[i].Text, pageErr = s.recognize(docCtx, page.PNG)
		}
		if pageErr != nil {
			s.logger.Warn("OCR failed on page",
				"page", i+1,
				"pages", len(rendered),
				"mime_type", mimeType,
				"error", pageErr,
			)
			result.Pages[i].Text = ""
			result.Pages[i].Err = pageErr
			result.Degraded = true
		}
	}

	return result, nil
}

type recognition struct {
	text string
	err  error
}

// recognize bounds a single engine call. The engine is expected to honor ctx,
// but the call is abandoned at the deadline even if it does not.
func (s *Service) recognize(ctx context.Context, pngData []byte) (string, error) {
	pageCtx, cancel := context.WithTimeout(ctx, s.pageTimeout)
	defer cancel()

	done := make(chan recognition, 1)
	go func() {
		text, err := s.engine.Recognize(pageCtx, pngData)
		done <- recognition{text: text, err: err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-pageCtx.Done():
		return "", fmt.Errorf("ocr page: %w", pageCtx.Err())
	}
}
