// Package workflow moves an uploaded invoice document through OCR, field
// extraction and human review until it is confirmed, rejected or expires.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zombor/invoice-intake/internal/analyzer"
	"github.com/zombor/invoice-intake/internal/apperr"
	"github.com/zombor/invoice-intake/internal/civil"
	"github.com/zombor/invoice-intake/internal/invoice"
	"github.com/zombor/invoice-intake/internal/ocr"
	"github.com/zombor/invoice-intake/internal/tempstore"
)

// DefaultMaxUploadSize is the upload limit used when none is configured.
const DefaultMaxUploadSize = 20 << 20

var (
	// ErrUnsupportedType is returned for uploads that are not PDF or an image.
	ErrUnsupportedType = errors.New("unsupported document type")

	// ErrTooLarge is returned for uploads above the configured maximum.
	ErrTooLarge = errors.New("document too large")
)

var allowedMimeTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/heic":      true,
	"image/heif":      true,
}

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_workflow_transitions_total",
		Help: "Number of document state transitions",
	}, []string{"from", "to"})

	uploadDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "intake_workflow_upload_duration_seconds",
		Help:    "Duration of upload processing including OCR",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
)

// TempStore is the temporary storage the workflow stages documents in
type TempStore interface {
	StoreTemporary(data []byte, ttl time.Duration) (string, error)
	Read(reference string) ([]byte, error)
	PromoteToPermanent(reference string) (string, error)
	Demote(reference string, ttl time.Duration) error
	Discard(reference string) error
}

// Extractor turns document bytes into per-page text
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (*ocr.Result, error)
}

// Files reads and removes permanently stored documents
type Files interface {
	Read(path string) ([]byte, error)
	Delete(path string) (bool, error)
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Options configures a Service
type Options struct {
	// TTL is how long an unreviewed document is kept
	TTL time.Duration
	// MaxUploadSize is the largest accepted document in bytes
	MaxUploadSize int
}

// Service coordinates the intake of invoice documents
type Service struct {
	docs     Store
	temp     TempStore
	ocr      Extractor
	files    Files
	invoices invoice.Repository
	opts     Options
	clock    TimeSource
	locks    *keyedMutex
	logger   *slog.Logger
}

// NewService creates a new Service with the system clock
func NewService(docs Store, temp TempStore, extractor Extractor, files Files, invoices invoice.Repository, opts Options) *Service {
	return NewServiceWithDeps(docs, temp, extractor, files, invoices, opts, defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with a custom time source for testing
func NewServiceWithDeps(docs Store, temp TempStore, extractor Extractor, files Files, invoices invoice.Repository, opts Options, clock TimeSource) *Service {
	if opts.TTL <= 0 {
		opts.TTL = tempstore.DefaultTTL
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	return &Service{
		docs:     docs,
		temp:     temp,
		ocr:      extractor,
		files:    files,
		invoices: invoices,
		opts:     opts,
		clock:    clock,
		locks:    newKeyedMutex(),
		logger:   slog.Default().With("component", "workflow"),
	}
}

// Upload stores a document temporarily, extracts its text and proposes
// invoice fields. The returned document awaits review. A page that fails OCR
// only marks the document degraded; a document that cannot be read at all is
// discarded and the error returned.
func (s *Service) Upload(ctx context.Context, up Upload) (*Document, error) {
	start := time.Now()
	defer func() { uploadDurationSeconds.Observe(time.Since(start).Seconds()) }()

	mimeType := ocr.NormalizeMimeType(up.MimeType)
	if !allowedMimeTypes[mimeType] {
		return nil, fmt.Errorf("%q: %w", up.MimeType, ErrUnsupportedType)
	}
	if len(up.Data) == 0 {
		return nil, apperr.Invalid("file", "is empty")
	}
	if len(up.Data) > s.opts.MaxUploadSize {
		return nil, fmt.Errorf("%d bytes exceeds %d: %w", len(up.Data), s.opts.MaxUploadSize, ErrTooLarge)
	}

	reference, err := s.temp.StoreTemporary(up.Data, s.opts.TTL)
	if err != nil {
		return nil, fmt.Errorf("storing document: %w", err)
	}

	now := s.clock.Now()
	doc := &Document{
		Reference:  reference,
		Filename:   sanitizeFilename(up.Filename),
		MimeType:   mimeType,
		Size:       len(up.Data),
		State:      StateUploaded,
		UploadedAt: now,
		ExpiresAt:  now.Add(s.opts.TTL),
		UpdatedAt:  now,
	}
	transitionsTotal.WithLabelValues("", string(StateUploaded)).Inc()

	unlock := s.locks.Lock(reference)
	defer unlock()

	if err := s.docs.Put(doc); err != nil {
		s.discard(reference)
		return nil, fmt.Errorf("saving document: %w", err)
	}

	result, err := s.ocr.Extract(ctx, up.Data, mimeType)
	if err != nil {
		s.logger.Error("Failed to extract document text",
			"reference", reference,
			"filename", up.Filename,
			"mime_type", mimeType,
			"size", len(up.Data),
			"error", err,
		)
		s.discard(reference)
		doc.LastError = err.Error()
		if tErr := s.transition(doc, StateFailed); tErr != nil {
			s.logger.Error("Failed to record failed document", "reference", reference, "error", tErr)
		}
		return nil, fmt.Errorf("extracting text: %w", err)
	}

	doc.Pages = len(result.Pages)
	doc.Degraded = result.Degraded
	doc.FailedPages = result.FailedPages()
	if degradedErr := result.Err(); degradedErr != nil {
		doc.LastError = degradedErr.Error()
	}
	if err := s.transition(doc, StateOCRProcessed); err != nil {
		return nil, err
	}

	doc.Fields = analyzer.Analyze(result.Texts())
	if err := s.transition(doc, StateAwaitingReview); err != nil {
		return nil, err
	}

	s.logger.Info("Document awaiting review",
		"reference", reference,
		"pages", doc.Pages,
		"degraded", doc.Degraded,
		"invoice_number", doc.Fields.InvoiceNumber.Confidence,
		"amount", doc.Fields.Amount.Confidence,
		"due_date", doc.Fields.DueDate.Confidence,
	)
	return doc, nil
}

// Confirm turns a reviewed document into a persisted invoice. Invalid values
// leave the document awaiting review with the error attached.
func (s *Service) Confirm(ctx context.Context, reference string, values FieldValues) (*invoice.Invoice, error) {
	unlock := s.locks.Lock(reference)
	defer unlock()

	doc, err := s.reviewable(reference)
	if err != nil {
		return nil, err
	}

	inv, err := invoice.New(values.Amount, values.DueDate, values.InvoiceNumber, tempstore.PermanentPath(reference))
	if err != nil {
		return nil, s.keepForReview(doc, err)
	}
	inv.SupplierName = strings.TrimSpace(values.SupplierName)

	if _, err := s.invoices.GetByNumber(ctx, inv.InvoiceNumber); err == nil {
		return nil, s.keepForReview(doc, fmt.Errorf("%s: %w", inv.InvoiceNumber, invoice.ErrDuplicateInvoiceNumber))
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("checking invoice number: %w", err)
	}

	path, err := s.temp.PromoteToPermanent(reference)
	if errors.Is(err, apperr.ErrNotFound) {
		s.expire(doc)
		return nil, fmt.Errorf("document %s: %w", reference, apperr.ErrNotFound)
	}
	if err != nil {
		// the entry was restored; review can be retried
		return nil, s.keepForReview(doc, fmt.Errorf("promoting document: %w", err))
	}
	inv.FilePath = path
	inv.RefreshStatus(civil.Of(s.clock.Now()))

	saved, err := s.invoices.Save(ctx, inv)
	if err != nil {
		s.logger.Error("Failed to persist confirmed invoice", "reference", reference, "error", err)
		return nil, s.unpromote(doc, path, fmt.Errorf("saving invoice: %w", err))
	}

	doc.InvoiceID = saved.ID
	doc.LastError = ""
	if err := s.transition(doc, StateConfirmed); err != nil {
		return nil, err
	}
	return saved, nil
}

// Reject discards a document awaiting review.
func (s *Service) Reject(_ context.Context, reference string) error {
	unlock := s.locks.Lock(reference)
	defer unlock()

	doc, err := s.reviewable(reference)
	if err != nil {
		return err
	}

	err = s.temp.Discard(reference)
	if errors.Is(err, apperr.ErrNotFound) {
		s.expire(doc)
		return fmt.Errorf("document %s: %w", reference, apperr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("discarding document: %w", err)
	}

	return s.transition(doc, StateRejected)
}

// MarkExpired records that the temporary bytes of reference were reclaimed.
// It is called by the cleanup sweep and ignores unknown or finished documents.
func (s *Service) MarkExpired(reference string) {
	unlock := s.locks.Lock(reference)
	defer unlock()

	doc, err := s.docs.Get(reference)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			s.logger.Error("Failed to load expired document", "reference", reference, "error", err)
		}
		return
	}
	if doc.State.Terminal() {
		return
	}
	s.expire(doc)
}

// Get returns the review record of a document
func (s *Service) Get(_ context.Context, reference string) (*Document, error) {
	doc, err := s.docs.Get(reference)
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}
	return doc, nil
}

// File returns the bytes of a document while it is under review or after it
// was confirmed.
func (s *Service) File(ctx context.Context, reference string) ([]byte, string, error) {
	doc, err := s.Get(ctx, reference)
	if err != nil {
		return nil, "", err
	}

	var data []byte
	switch {
	case doc.State == StateConfirmed:
		data, err = s.files.Read(tempstore.PermanentPath(reference))
	case doc.State.Terminal():
		return nil, "", fmt.Errorf("document %s is %s: %w", reference, doc.State, apperr.ErrNotFound)
	default:
		data, err = s.temp.Read(reference)
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading document: %w", err)
	}
	return data, doc.MimeType, nil
}

// reviewable loads a document that confirm or reject may act on.
func (s *Service) reviewable(reference string) (*Document, error) {
	doc, err := s.docs.Get(reference)
	if err != nil {
		return nil, err
	}
	switch doc.State {
	case StateAwaitingReview:
		return doc, nil
	case StateExpired:
		return nil, fmt.Errorf("document %s expired: %w", reference, apperr.ErrNotFound)
	default:
		return nil, fmt.Errorf("document %s is %s: %w", reference, doc.State, apperr.ErrInvalidTransition)
	}
}

// keepForReview attaches cause to the document and returns it.
func (s *Service) keepForReview(doc *Document, cause error) error {
	doc.LastError = cause.Error()
	doc.UpdatedAt = s.clock.Now()
	if err := s.docs.Put(doc); err != nil {
		s.logger.Error("Failed to save review error", "reference", doc.Reference, "error", err)
	}
	return cause
}

// unpromote returns the bytes of a document whose invoice could not be saved
// to temporary storage so the review can be retried. Only when that fails is
// the document marked FAILED.
func (s *Service) unpromote(doc *Document, path string, cause error) error {
	err := s.temp.Demote(doc.Reference, s.opts.TTL)
	if err == nil {
		doc.ExpiresAt = s.clock.Now().Add(s.opts.TTL)
		return s.keepForReview(doc, cause)
	}

	s.logger.Error("Failed to return document to review", "reference", doc.Reference, "error", err)
	if _, delErr := s.files.Delete(path); delErr != nil {
		s.logger.Warn("Failed to delete promoted file", "path", path, "error", delErr)
	}
	doc.LastError = cause.Error()
	if tErr := s.transition(doc, StateFailed); tErr != nil {
		s.logger.Error("Failed to record failed document", "reference", doc.Reference, "error", tErr)
	}
	return cause
}

func (s *Service) expire(doc *Document) {
	if err := s.transition(doc, StateExpired); err != nil {
		s.logger.Error("Failed to expire document", "reference", doc.Reference, "error", err)
		return
	}
	s.logger.Info("Document expired", "reference", doc.Reference)
}

func (s *Service) discard(reference string) {
	if err := s.temp.Discard(reference); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn("Failed to discard document", "reference", reference, "error", err)
	}
}

// transition moves doc to target and saves it.
func (s *Service) transition(doc *Document, target State) error {
	if !CanTransition(doc.State, target) {
		return fmt.Errorf("document %s from %s to %s: %w", doc.Reference, doc.State, target, apperr.ErrInvalidTransition)
	}
	from := doc.State
	doc.State = target
	doc.UpdatedAt = s.clock.Now()
	if err := s.docs.Put(doc); err != nil {
		doc.State = from
		return fmt.Errorf("saving document: %w", err)
	}
	transitionsTotal.WithLabelValues(string(from), string(target)).Inc()
	return nil
}

// keyedMutex serializes work per reference.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	waiters int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.waiters++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.waiters--
		if l.waiters == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
