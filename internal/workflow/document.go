package workflow

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-intake/internal/analyzer"
	"github.com/zombor/invoice-intake/internal/apperr"
	"github.com/zombor/invoice-intake/internal/civil"
)

const documentBucketName = "documents"

// Upload is a document handed in for intake. It is never persisted.
type Upload struct {
	Filename string
	MimeType string
	Data     []byte
}

// Document is the review record of one uploaded document
type Document struct {
	Reference   string                   `json:"reference"`
	Filename    string                   `json:"filename"`
	MimeType    string                   `json:"mime_type"`
	Size        int                      `json:"size"`
	State       State                    `json:"state"`
	Fields      analyzer.ExtractedFields `json:"fields"`
	Pages       int                      `json:"pages"`
	Degraded    bool                     `json:"degraded"`
	FailedPages []int                    `json:"failed_pages,omitempty"`
	LastError   string                   `json:"last_error,omitempty"`
	InvoiceID   string                   `json:"invoice_id,omitempty"`
	UploadedAt  time.Time                `json:"uploaded_at"`
	ExpiresAt   time.Time                `json:"expires_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// FieldValues are the final values submitted by a reviewer.
type FieldValues struct {
	InvoiceNumber string          `json:"invoice_number"`
	Amount        decimal.Decimal `json:"amount"`
	DueDate       civil.Date      `json:"due_date"`
	SupplierName  string          `json:"supplier_name"`
}

// Store persists document review records
type Store interface {
	// Put creates or replaces a document
	Put(doc *Document) error

	// Get retrieves a document by reference
	Get(reference string) (*Document, error)
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates the documents bucket in db if it doesn't exist
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(documentBucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating documents bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Put saves a document
func (b *BoltStore) Put(doc *Document) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshaling document: %w", err)
		}
		return tx.Bucket([]byte(documentBucketName)).Put([]byte(doc.Reference), data)
	})
}

// Get retrieves a document by reference
func (b *BoltStore) Get(reference string) (*Document, error) {
	var doc *Document
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(documentBucketName)).Get([]byte(reference))
		if data == nil {
			return fmt.Errorf("document %s: %w", reference, apperr.ErrNotFound)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

var (
	filenameCharsPattern = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	whitespacePattern    = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	name := filepath.Base(filename)
	base := strings.TrimSuffix(name, filepath.Ext(name))
	ext := strings.ToLower(filenameCharsPattern.ReplaceAllString(filepath.Ext(name), ""))
	if ext != "" {
		ext = "." + ext
	}

	base = filenameCharsPattern.ReplaceAllString(base, "")
	base = strings.TrimSpace(whitespacePattern.ReplaceAllString(base, " "))

	// 50 chars for base, plus extension
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "invoice"
	}
	return base + ext
}
