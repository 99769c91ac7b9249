// Package server exposes the intake workflow and confirmed invoices over HTTP.
package server

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zombor/invoice-intake/internal/civil"
	"github.com/zombor/invoice-intake/internal/invoice"
	"github.com/zombor/invoice-intake/internal/workflow"
)

// Documents is the intake workflow
type Documents interface {
	Upload(ctx context.Context, up workflow.Upload) (*workflow.Document, error)
	Get(ctx context.Context, reference string) (*workflow.Document, error)
	File(ctx context.Context, reference string) ([]byte, string, error)
	Confirm(ctx context.Context, reference string, values workflow.FieldValues) (*invoice.Invoice, error)
	Reject(ctx context.Context, reference string) error
}

// Invoices handles confirmed invoices
type Invoices interface {
	Get(ctx context.Context, id string) (invoice.Summary, error)
	ListOverdue(ctx context.Context, asOf civil.Date) ([]invoice.Summary, error)
	MarkAsPaid(ctx context.Context, id string) (invoice.Summary, error)
	SetUrgency(ctx context.Context, id string, level *invoice.UrgencyLevel) (invoice.Summary, error)
	Summarize(inv *invoice.Invoice) invoice.Summary
	Today() civil.Date
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Server handles HTTP requests for the intake API
type Server struct {
	documents     Documents
	invoices      Invoices
	basicAuth     BasicAuth
	maxUploadSize int64
	mux           *http.ServeMux
}

// NewServer creates a new Server with default mux
func NewServer(documents Documents, invoices Invoices, basicAuth BasicAuth, maxUploadSize int64) *Server {
	return NewServerWithMux(documents, invoices, basicAuth, maxUploadSize, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(documents Documents, invoices Invoices, basicAuth BasicAuth, maxUploadSize int64, mux *http.ServeMux) *Server {
	if maxUploadSize <= 0 {
		maxUploadSize = workflow.DefaultMaxUploadSize
	}
	s := &Server{
		documents:     documents,
		invoices:      invoices,
		basicAuth:     basicAuth,
		maxUploadSize: maxUploadSize,
		mux:           mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Invoice Intake"`)
			writeJSONError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Documents under review
	s.mux.HandleFunc("POST /api/documents", s.requireAuth(s.handleUpload))
	s.mux.HandleFunc("GET /api/documents/{ref}/file", s.requireAuth(s.handleGetDocumentFile))
	s.mux.HandleFunc("GET /api/documents/{ref}", s.requireAuth(s.handleGetDocument))
	s.mux.HandleFunc("POST /api/documents/{ref}/confirm", s.requireAuth(s.handleConfirm))
	s.mux.HandleFunc("POST /api/documents/{ref}/reject", s.requireAuth(s.handleReject))

	// Confirmed invoices
	s.mux.HandleFunc("GET /api/invoices/overdue", s.requireAuth(s.handleListOverdue))
	s.mux.HandleFunc("GET /api/invoices/{id}", s.requireAuth(s.handleGetInvoice))
	s.mux.HandleFunc("POST /api/invoices/{id}/pay", s.requireAuth(s.handlePayInvoice))
	s.mux.HandleFunc("PUT /api/invoices/{id}/urgency", s.requireAuth(s.handleSetUrgency))

	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
}

// ServeHTTP applies CORS to every request, answering preflight requests itself
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// NewHTTPServer wraps s in an http.Server listening on addr
func NewHTTPServer(addr string, s *Server) *http.Server {
	slog.Info("Configuring server", "address", addr)
	return &http.Server{
		Addr:    addr,
		Handler: s,
	}
}
