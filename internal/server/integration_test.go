package server

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
	"regexp"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-intake/internal/civil"
	"github.com/zombor/invoice-intake/internal/invoice"
	"github.com/zombor/invoice-intake/internal/ocr"
	"github.com/zombor/invoice-intake/internal/storage"
	"github.com/zombor/invoice-intake/internal/tempstore"
	"github.com/zombor/invoice-intake/internal/workflow"
)

// fakeEngine returns the same text for every page
type fakeEngine struct {
	text string
}

func (f *fakeEngine) Recognize(_ context.Context, _ []byte) (string, error) {
	return f.text, nil
}

func (f *fakeEngine) Close() error { return nil }

// singlePage renders any document as one blank page
type singlePage struct{}

func (singlePage) Render(_ []byte, _ string) ([]ocr.RenderedPage, error) {
	return []ocr.RenderedPage{{PNG: []byte("png")}}, nil
}

// movableClock is a clock the test can advance
type movableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movableClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sequentialIDs generates predictable references
type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) Generate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("doc-%d", s.next)
}

var _ = Describe("Intake end to end", func() {
	var (
		tempDir  string
		db       *bbolt.DB
		registry *tempstore.Registry
		store    *storage.LocalStorage
		clock    *movableClock
		sweeper  *tempstore.Sweeper
		ghServer *ghttp.Server
		dueDate  civil.Date
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "invoice-intake-test-*")
		Expect(err).NotTo(HaveOccurred())

		db, err = bbolt.Open(filepath.Join(tempDir, "test.db"), 0600, nil)
		Expect(err).NotTo(HaveOccurred())
		registry, err = tempstore.OpenRegistry(filepath.Join(tempDir, "registry.db"))
		Expect(err).NotTo(HaveOccurred())
		store, err = storage.NewLocalStorage(filepath.Join(tempDir, "documents"))
		Expect(err).NotTo(HaveOccurred())

		repo, err := invoice.NewBoltRepository(db)
		Expect(err).NotTo(HaveOccurred())
		docs, err := workflow.NewBoltStore(db)
		Expect(err).NotTo(HaveOccurred())

		dueDate = civil.Today().Add(60)
		engine := &fakeEngine{text: fmt.Sprintf("Northwind Traders\nInvoice number: NW-4411\nDue date: %s\nTotal: € 1.234,56", dueDate)}

		clock = &movableClock{now: time.Now().UTC()}
		temp := tempstore.NewAdapterWithDeps(store, registry, time.Hour, &sequentialIDs{}, clock)
		intake := workflow.NewService(docs, temp, ocr.NewServiceWithDeps(engine, singlePage{}, time.Second, 5*time.Second), store, repo, workflow.Options{TTL: time.Hour})
		sweeper = tempstore.NewSweeper(temp, time.Hour, intake.MarkExpired)

		srv := NewServer(intake, invoice.NewService(repo), BasicAuth{}, 0)
		ghServer = ghttp.NewServer()
		ghServer.RouteToHandler(http.MethodGet, regexp.MustCompile(`^/api/`), srv.ServeHTTP)
		ghServer.RouteToHandler(http.MethodPost, regexp.MustCompile(`^/api/`), srv.ServeHTTP)
	})

	AfterEach(func() {
		ghServer.Close()
		registry.Close()
		db.Close()
		os.RemoveAll(tempDir)
	})

	upload := func() workflow.Document {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", "northwind.pdf")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("%PDF-1.4 fake pdf content"))
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghServer.URL()+"/api/documents", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var doc workflow.Document
		decodeBody(resp, &doc)
		return doc
	}

	confirm := func(reference string) *http.Response {
		payload := fmt.Sprintf(`{"invoice_number":"NW-4411","amount":"1234.56","due_date":"%s","supplier_name":"Northwind Traders"}`, dueDate)
		resp, err := http.Post(ghServer.URL()+"/api/documents/"+reference+"/confirm", "application/json", strings.NewReader(payload))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	getDocument := func(reference string) workflow.Document {
		resp, err := http.Get(ghServer.URL() + "/api/documents/" + reference)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var doc workflow.Document
		decodeBody(resp, &doc)
		return doc
	}

	It("uploads, reviews and confirms an invoice", func() {
		doc := upload()
		Expect(doc.Reference).To(Equal("doc-1"))
		Expect(doc.State).To(Equal(workflow.StateAwaitingReview))
		Expect(doc.Degraded).To(BeFalse())
		Expect(doc.Fields.InvoiceNumber.Value).NotTo(BeNil())
		Expect(*doc.Fields.InvoiceNumber.Value).To(Equal("NW-4411"))
		Expect(doc.Fields.Amount.Value).NotTo(BeNil())
		Expect(doc.Fields.Amount.Value.StringFixed(2)).To(Equal("1234.56"))
		Expect(registry.Len()).To(Equal(1))

		resp, err := http.Get(ghServer.URL() + "/api/documents/doc-1/file")
		Expect(err).NotTo(HaveOccurred())
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("%PDF-1.4 fake pdf content"))

		resp = confirm("doc-1")
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var created map[string]string
		decodeBody(resp, &created)
		Expect(created["status"]).To(Equal("pending"))
		Expect(created["urgency"]).To(Equal("LOW"))

		resp, err = http.Get(ghServer.URL() + "/api/invoices/" + created["id"])
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var inv invoice.Invoice
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, &inv)).To(Succeed())
		Expect(inv.InvoiceNumber).To(Equal("NW-4411"))
		Expect(inv.DueDate).To(Equal(dueDate))
		Expect(inv.FilePath).To(Equal(tempstore.PermanentPath("doc-1")))

		// The bytes now live at the permanent path only
		data, err = store.Read(inv.FilePath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("%PDF-1.4 fake pdf content"))
		Expect(registry.Len()).To(Equal(0))

		Expect(getDocument("doc-1").State).To(Equal(workflow.StateConfirmed))

		// A second upload of the same invoice cannot reuse its number
		second := upload()
		resp = confirm(second.Reference)
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		Expect(getDocument(second.Reference).State).To(Equal(workflow.StateAwaitingReview))
	})

	It("rejects a document and forgets its bytes", func() {
		doc := upload()

		resp, err := http.Post(ghServer.URL()+"/api/documents/"+doc.Reference+"/reject", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

		Expect(getDocument(doc.Reference).State).To(Equal(workflow.StateRejected))
		Expect(registry.Len()).To(Equal(0))

		resp = confirm(doc.Reference)
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
	})

	It("expires documents left unreviewed past their TTL", func() {
		doc := upload()

		clock.advance(2 * time.Hour)
		result := sweeper.RunOnce()
		Expect(result.Expired).To(ConsistOf(doc.Reference))

		Expect(getDocument(doc.Reference).State).To(Equal(workflow.StateExpired))

		resp := confirm(doc.Reference)
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})
})
