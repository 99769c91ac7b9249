// Package invoice holds the confirmed invoice entity, its urgency
// classification and the repositories that persist it.
package invoice

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-intake/internal/apperr"
	"github.com/zombor/invoice-intake/internal/civil"
)

// Status is the payment status of an invoice.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusOverdue Status = "overdue"
)

// Invoice represents a confirmed invoice
type Invoice struct {
	ID              string          `json:"id"`
	InvoiceNumber   string          `json:"invoice_number"`
	SupplierName    string          `json:"supplier_name,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	DueDate         civil.Date      `json:"due_date"`
	FilePath        string          `json:"file_path"`
	Status          Status          `json:"status"`
	UrgencyOverride *UrgencyLevel   `json:"urgency_override,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// New builds a pending invoice and validates it.
func New(amount decimal.Decimal, dueDate civil.Date, invoiceNumber, filePath string) (*Invoice, error) {
	inv := &Invoice{
		InvoiceNumber: strings.TrimSpace(invoiceNumber),
		Amount:        amount,
		DueDate:       dueDate,
		FilePath:      filePath,
		Status:        StatusPending,
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return inv, nil
}

// Validate checks the business rules of an invoice.
func (i *Invoice) Validate() error {
	if !i.Amount.IsPositive() {
		return apperr.Invalid("amount", "must be greater than zero")
	}
	if strings.TrimSpace(i.InvoiceNumber) == "" {
		return apperr.Invalid("invoice_number", "is required")
	}
	if i.DueDate.IsZero() {
		return apperr.Invalid("due_date", "is required")
	}
	return nil
}

// DaysUntilDue is negative once the due date has passed.
func (i *Invoice) DaysUntilDue(today civil.Date) int {
	return i.DueDate.DaysSince(today)
}

// Urgency returns the manual override if set, otherwise the level derived
// from the days until due.
func (i *Invoice) Urgency(today civil.Date) UrgencyLevel {
	if i.UrgencyOverride != nil {
		return *i.UrgencyOverride
	}
	return UrgencyFromDays(i.DaysUntilDue(today))
}

// SetUrgencyManually installs an override that persists until cleared.
func (i *Invoice) SetUrgencyManually(level UrgencyLevel, now time.Time) error {
	if !level.Valid() {
		return apperr.Invalid("urgency", fmt.Sprintf("unknown level %d", int(level)))
	}
	i.UrgencyOverride = &level
	i.UpdatedAt = now
	return nil
}

// ClearUrgencyOverride returns the invoice to computed urgency.
func (i *Invoice) ClearUrgencyOverride(now time.Time) {
	i.UrgencyOverride = nil
	i.UpdatedAt = now
}

// MarkAsPaid records payment. Only pending and overdue invoices can be paid.
func (i *Invoice) MarkAsPaid(now time.Time) error {
	if i.Status != StatusPending && i.Status != StatusOverdue {
		return fmt.Errorf("marking invoice %s paid from status %s: %w", i.InvoiceNumber, i.Status, apperr.ErrInvalidTransition)
	}
	i.Status = StatusPaid
	i.PaidAt = &now
	i.UpdatedAt = now
	return nil
}

// RefreshStatus moves a pending invoice to overdue once its due date has
// passed. It reports whether the status changed.
func (i *Invoice) RefreshStatus(today civil.Date) bool {
	if i.Status == StatusPending && i.DueDate.Before(today) {
		i.Status = StatusOverdue
		return true
	}
	return false
}

// IsOverdue reports whether the invoice is unpaid past its due date.
func (i *Invoice) IsOverdue(asOf civil.Date) bool {
	return i.Status != StatusPaid && i.DueDate.Before(asOf)
}
