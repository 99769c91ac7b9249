// Package analyzer turns OCR page text into candidate invoice fields.
//
// Every field is extracted independently by pattern search over the lines of
// all pages in reading order. Analyze is a pure function: the same text always
// yields the same fields, so it can be tested without an OCR engine.
package analyzer

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-intake/internal/civil"
)

// Confidence tags how a field value was found.
type Confidence string

const (
	// Extracted means exactly one distinct candidate was found.
	Extracted Confidence = "EXTRACTED"
	// LowConfidence means several distinct candidates conflict; the first
	// one is offered as a suggestion.
	LowConfidence Confidence = "LOW_CONFIDENCE"
	// Missing means no candidate was found.
	Missing Confidence = "MISSING"
)

// Field is an optional extracted value with its confidence and the distinct
// candidates it was chosen from.
type Field[T any] struct {
	Value      *T         `json:"value"`
	Confidence Confidence `json:"confidence"`
	Candidates []T        `json:"candidates,omitempty"`
}

// Found reports whether the field carries a value.
func (f Field[T]) Found() bool {
	return f.Value != nil
}

// ExtractedFields are the invoice fields proposed for human review.
type ExtractedFields struct {
	InvoiceNumber Field[string]          `json:"invoice_number"`
	Amount        Field[decimal.Decimal] `json:"amount"`
	DueDate       Field[civil.Date]      `json:"due_date"`
	SupplierName  Field[string]          `json:"supplier_name"`
}

// line is one trimmed line of text with its page index.
type line struct {
	page int
	text string
}

// Analyze extracts invoice fields from ordered per-page text.
func Analyze(pages []string) ExtractedFields {
	lines := splitLines(pages)
	return ExtractedFields{
		InvoiceNumber: invoiceNumber(lines),
		Amount:        amount(lines),
		DueDate:       dueDate(lines),
		SupplierName:  supplierName(pages),
	}
}

func splitLines(pages []string) []line {
	var lines []line
	for p, text := range pages {
		for _, l := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
			lines = append(lines, line{page: p, text: strings.TrimSpace(l)})
		}
	}
	return lines
}

// resolve builds a Field from candidates in reading order, collapsing
// duplicates by key.
func resolve[T any](candidates []T, key func(T) string) Field[T] {
	seen := make(map[string]bool, len(candidates))
	var distinct []T
	for _, c := range candidates {
		k := key(c)
		if seen[k] {
			continue
		}
		seen[k] = true
		distinct = append(distinct, c)
	}

	switch len(distinct) {
	case 0:
		return Field[T]{Confidence: Missing}
	case 1:
		v := distinct[0]
		return Field[T]{Value: &v, Confidence: Extracted, Candidates: distinct}
	default:
		v := distinct[0]
		return Field[T]{Value: &v, Confidence: LowConfidence, Candidates: distinct}
	}
}
