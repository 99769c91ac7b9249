package invoice

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zombor/invoice-intake/internal/apperr"
	"github.com/zombor/invoice-intake/internal/civil"
)

// ErrDuplicateInvoiceNumber is returned when an invoice number is already
// taken. It wraps apperr.ErrConflict.
var ErrDuplicateInvoiceNumber = fmt.Errorf("duplicate invoice number: %w", apperr.ErrConflict)

// Repository persists confirmed invoices
type Repository interface {
	// Save stores a new invoice, assigning its ID and timestamps
	Save(ctx context.Context, inv *Invoice) (*Invoice, error)

	// Update overwrites an existing invoice
	Update(ctx context.Context, inv *Invoice) error

	// GetByID retrieves an invoice by ID
	GetByID(ctx context.Context, id string) (*Invoice, error)

	// GetByNumber retrieves an invoice by invoice number
	GetByNumber(ctx context.Context, number string) (*Invoice, error)

	// ListOverdue returns unpaid invoices due before asOf, earliest first
	ListOverdue(ctx context.Context, asOf civil.Date) ([]*Invoice, error)
}

// numberKey normalizes an invoice number for uniqueness checks.
func numberKey(number string) string {
	return strings.ToUpper(strings.TrimSpace(number))
}

func sortByDueDate(invoices []*Invoice) {
	sort.Slice(invoices, func(a, b int) bool {
		if invoices[a].DueDate != invoices[b].DueDate {
			return invoices[a].DueDate.Before(invoices[b].DueDate)
		}
		return invoices[a].InvoiceNumber < invoices[b].InvoiceNumber
	})
}
