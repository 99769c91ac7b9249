// Package ocr converts invoice documents into per-page raw text.
package ocr

import "context"

// transcriptionPrompt is shared by the LLM-backed engines. It asks for a
// verbatim transcription only; field extraction happens in the analyzer.
const transcriptionPrompt = `Transcribe all text visible in this document page exactly as written.

Rules:
- Preserve the reading order, top to bottom and left to right
- Put each printed line on its own line; keep a blank line between separate text blocks
- Keep numbers, currency symbols, dates and punctuation exactly as printed
- Do not summarize, translate, correct or interpret anything
- Do not add any commentary, headings or markdown
- If the page contains no text, return an empty response`

// Engine recognizes the text of a single page image.
type Engine interface {
	// Recognize returns the raw text of a PNG page image
	Recognize(ctx context.Context, pngData []byte) (string, error)
	// Close releases the engine's resources
	Close() error
}
