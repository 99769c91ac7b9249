package invoice

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-intake/internal/apperr"
	"github.com/zombor/invoice-intake/internal/civil"
)

func newInvoice(number string, due civil.Date) *Invoice {
	inv, err := New(decimal.RequireFromString("99.95"), due, number, "invoices/"+number)
	Expect(err).NotTo(HaveOccurred())
	return inv
}

var _ = Describe("BoltRepository", func() {
	var (
		ctx  context.Context
		db   *bbolt.DB
		repo *BoltRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = bbolt.Open(filepath.Join(GinkgoT().TempDir(), "test.db"), 0600, &bbolt.Options{Timeout: time.Second})
		Expect(err).NotTo(HaveOccurred())
		repo, err = NewBoltRepository(db)
		Expect(err).NotTo(HaveOccurred())
		repo.now = func() time.Time { return time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC) }
	})

	AfterEach(func() {
		db.Close()
	})

	Describe("Save", func() {
		var (
			saved *Invoice
			err   error
		)

		JustBeforeEach(func() {
			saved, err = repo.Save(ctx, newInvoice("INV-1", today.Add(3)))
		})

		It("assigns an id and timestamps", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.ID).NotTo(BeEmpty())
			Expect(saved.CreatedAt).To(Equal(time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)))
		})

		It("can be read back by id", func() {
			got, getErr := repo.GetByID(ctx, saved.ID)
			Expect(getErr).NotTo(HaveOccurred())
			Expect(got.InvoiceNumber).To(Equal("INV-1"))
			Expect(got.Amount.String()).To(Equal("99.95"))
			Expect(got.DueDate).To(Equal(today.Add(3)))
			Expect(got.Status).To(Equal(StatusPending))
		})

		It("can be read back by number regardless of case", func() {
			got, getErr := repo.GetByNumber(ctx, "inv-1")
			Expect(getErr).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(saved.ID))
		})

		When("the invoice number is taken", func() {
			It("returns a duplicate conflict", func() {
				_, dupErr := repo.Save(ctx, newInvoice("inv-1", today))
				Expect(dupErr).To(MatchError(ErrDuplicateInvoiceNumber))
				Expect(dupErr).To(MatchError(apperr.ErrConflict))
			})
		})
	})

	It("allows only one of many concurrent saves of a number", func() {
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				if _, err := repo.Save(ctx, newInvoice("RACE-1", today)); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		Expect(successes).To(Equal(1))
	})

	Describe("GetByID", func() {
		It("returns not found for unknown ids", func() {
			_, err := repo.GetByID(ctx, "nope")
			Expect(err).To(MatchError(apperr.ErrNotFound))
		})
	})

	Describe("Update", func() {
		var saved *Invoice

		BeforeEach(func() {
			var err error
			saved, err = repo.Save(ctx, newInvoice("INV-2", today))
			Expect(err).NotTo(HaveOccurred())
		})

		It("persists payment and overrides", func() {
			Expect(saved.MarkAsPaid(time.Now())).To(Succeed())
			Expect(saved.SetUrgencyManually(High, time.Now())).To(Succeed())
			Expect(repo.Update(ctx, saved)).To(Succeed())

			got, err := repo.GetByID(ctx, saved.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(StatusPaid))
			Expect(got.PaidAt).NotTo(BeNil())
			Expect(got.UrgencyOverride).NotTo(BeNil())
			Expect(*got.UrgencyOverride).To(Equal(High))
		})

		It("refuses to change the invoice number", func() {
			saved.InvoiceNumber = "OTHER"
			Expect(apperr.IsValidation(repo.Update(ctx, saved))).To(BeTrue())
		})

		It("returns not found for unknown invoices", func() {
			saved.ID = "missing"
			Expect(repo.Update(ctx, saved)).To(MatchError(apperr.ErrNotFound))
		})
	})

	Describe("ListOverdue", func() {
		BeforeEach(func() {
			for _, inv := range []*Invoice{
				newInvoice("LATE-2", today.Add(-2)),
				newInvoice("LATE-10", today.Add(-10)),
				newInvoice("TODAY", today),
				newInvoice("FUTURE", today.Add(20)),
			} {
				_, err := repo.Save(ctx, inv)
				Expect(err).NotTo(HaveOccurred())
			}

			paid := newInvoice("PAID", today.Add(-30))
			Expect(paid.MarkAsPaid(time.Now())).To(Succeed())
			_, err := repo.Save(ctx, paid)
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns unpaid invoices due before the date, earliest first", func() {
			overdue, err := repo.ListOverdue(ctx, today)
			Expect(err).NotTo(HaveOccurred())
			numbers := []string{}
			for _, inv := range overdue {
				numbers = append(numbers, inv.InvoiceNumber)
			}
			Expect(numbers).To(Equal([]string{"LATE-10", "LATE-2"}))
		})
	})
})
