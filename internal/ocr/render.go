package ocr

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// pdfDPI is the rasterization resolution; 300 DPI keeps small print legible.
const pdfDPI = 300

// RenderedPage is one page image ready for OCR. Err is set when the page
// could not be rendered; the rest of the document is still usable.
type RenderedPage struct {
	PNG []byte
	Err error
}

// PageSource turns a document into per-page PNG images.
type PageSource interface {
	Render(data []byte, mimeType string) ([]RenderedPage, error)
}

// DocumentRenderer rasterizes PDFs page by page with MuPDF and converts
// single images to PNG.
type DocumentRenderer struct{}

// Render implements PageSource
func (DocumentRenderer) Render(data []byte, mimeType string) ([]RenderedPage, error) {
	mimeType = NormalizeMimeType(mimeType)
	if mimeType == "application/pdf" {
		return renderPDF(data)
	}

	pngData, err := imageToPNG(data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("converting image to PNG: %w", err)
	}
	return []RenderedPage{{PNG: pngData}}, nil
}

// renderPDF renders every page of a PDF to PNG
func renderPDF(pdfData []byte) ([]RenderedPage, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	pages := make([]RenderedPage, n)
	for i := 0; i < n; i++ {
		img, err := doc.ImageDPI(i, pdfDPI)
		if err != nil {
			pages[i].Err = fmt.Errorf("rendering PDF page %d: %w", i+1, err)
			continue
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			pages[i].Err = fmt.Errorf("encoding PDF page %d: %w", i+1, err)
			continue
		}
		pages[i].PNG = buf.Bytes()
	}
	return pages, nil
}

// imageToPNG converts any supported image format to PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	if mimeType == "image/png" && !isHEICFormat(imageData) {
		return imageData, nil
	}

	var img image.Image
	var err error

	// Go's standard image package doesn't support HEIC (common on iPhones)
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") {
				return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, HEIC, HEIF, PDF. Error: %w", err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-related brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// NormalizeMimeType lowercases a content type and strips parameters.
func NormalizeMimeType(contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "image/jpg" {
		mimeType = "image/jpeg"
	}
	return mimeType
}
