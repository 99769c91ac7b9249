package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/invoice-intake/internal/apperr"
	"github.com/zombor/invoice-intake/internal/civil"
	"github.com/zombor/invoice-intake/internal/invoice"
	"github.com/zombor/invoice-intake/internal/workflow"
)

// multipart overhead allowed on top of the file itself
const formOverhead = 1 << 20

// writeJSON writes v as a JSON response with the given status
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeJSONError writes an error response
func writeJSONError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeError maps err to a status code. validationCode is used for
// ValidationError, which is a bad request on upload but unprocessable on
// confirmation.
func writeError(w http.ResponseWriter, r *http.Request, err error, validationCode int) {
	var (
		code    int
		message = err.Error()
	)
	switch {
	case apperr.IsValidation(err):
		code = validationCode
	case errors.Is(err, workflow.ErrUnsupportedType):
		code = http.StatusUnsupportedMediaType
	case errors.Is(err, workflow.ErrTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, apperr.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidTransition), errors.Is(err, apperr.ErrConflict):
		code = http.StatusConflict
	default:
		code = http.StatusInternalServerError
		message = "Internal server error"
		slog.Error("Error handling request", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSONError(w, message, code)
}

// handleUpload accepts a multipart invoice document
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, fmt.Sprintf("File is too large. Maximum size is %d bytes.", s.maxUploadSize), http.StatusRequestEntityTooLarge)
			return
		}
		slog.Error("Error parsing multipart form", "error", err)
		writeJSONError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer f.Close()

	if header.Size > s.maxUploadSize {
		writeJSONError(w, fmt.Sprintf("File is too large. Maximum size is %d bytes.", s.maxUploadSize), http.StatusRequestEntityTooLarge)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSONError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	doc, err := s.documents.Upload(r.Context(), workflow.Upload{
		Filename: header.Filename,
		MimeType: contentTypeOf(header.Header.Get("Content-Type"), header.Filename, data),
		Data:     data,
	})
	if err != nil {
		writeError(w, r, err, http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, doc)
}

// contentTypeOf falls back to the file extension, then to sniffing, when the
// client sent no useful content type.
func contentTypeOf(declared, filename string, data []byte) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return http.DetectContentType(data)
}

// handleGetDocument returns the review record of a document
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.documents.Get(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleGetDocumentFile returns the uploaded bytes
func (s *Server) handleGetDocumentFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.documents.File(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, r, err, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleConfirm turns a reviewed document into an invoice
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var values workflow.FieldValues
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	inv, err := s.documents.Confirm(r.Context(), r.PathValue("ref"), values)
	if err != nil {
		writeError(w, r, err, http.StatusUnprocessableEntity)
		return
	}

	summary := s.invoices.Summarize(inv)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":            summary.ID,
		"status":        summary.Status,
		"urgency":       summary.Urgency,
		"urgency_color": summary.UrgencyColor,
	})
}

// handleReject discards a document
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := s.documents.Reject(r.Context(), r.PathValue("ref")); err != nil {
		writeError(w, r, err, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetInvoice returns a confirmed invoice with its urgency
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	summary, err := s.invoices.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleListOverdue returns unpaid invoices past due as of the as_of date
func (s *Server) handleListOverdue(w http.ResponseWriter, r *http.Request) {
	asOf := s.invoices.Today()
	if v := r.URL.Query().Get("as_of"); v != "" {
		var err error
		if asOf, err = civil.Parse(v); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	summaries, err := s.invoices.ListOverdue(r.Context(), asOf)
	if err != nil {
		writeError(w, r, err, http.StatusBadRequest)
		return
	}
	// Ensure we always return an array, not nil
	if summaries == nil {
		summaries = []invoice.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

// handlePayInvoice marks an invoice as paid
func (s *Server) handlePayInvoice(w http.ResponseWriter, r *http.Request) {
	summary, err := s.invoices.MarkAsPaid(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleSetUrgency installs or, with a null urgency, clears a manual override
func (s *Server) handleSetUrgency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Urgency *invoice.UrgencyLevel `json:"urgency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	summary, err := s.invoices.SetUrgency(r.Context(), r.PathValue("id"), req.Urgency)
	if err != nil {
		writeError(w, r, err, http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
