package invoice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/invoice-intake/internal/civil"
)

// Clock provides the current time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Summary is the read model of an invoice with its current urgency.
type Summary struct {
	*Invoice
	Urgency      UrgencyLevel `json:"urgency"`
	UrgencyColor string       `json:"urgency_color"`
	DaysUntilDue int          `json:"days_until_due"`
}

// Service handles operations on confirmed invoices
type Service struct {
	repo   Repository
	clock  Clock
	logger *slog.Logger
}

// NewService creates a new Service with the system clock
func NewService(repo Repository) *Service {
	return NewServiceWithClock(repo, systemClock{})
}

// NewServiceWithClock creates a new Service with a custom clock for testing
func NewServiceWithClock(repo Repository, clock Clock) *Service {
	return &Service{repo: repo, clock: clock, logger: slog.Default().With("component", "invoices")}
}

// Today returns the current calendar day.
func (s *Service) Today() civil.Date {
	return civil.Of(s.clock.Now())
}

// Summarize computes the urgency of inv as of today.
func (s *Service) Summarize(inv *Invoice) Summary {
	today := s.Today()
	u := inv.Urgency(today)
	return Summary{Invoice: inv, Urgency: u, UrgencyColor: u.Color(), DaysUntilDue: inv.DaysUntilDue(today)}
}

// Get retrieves an invoice, refreshing its overdue status
func (s *Service) Get(ctx context.Context, id string) (Summary, error) {
	inv, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Summary{}, fmt.Errorf("getting invoice: %w", err)
	}
	s.refresh(ctx, inv)
	return s.Summarize(inv), nil
}

// ListOverdue returns unpaid invoices due before asOf
func (s *Service) ListOverdue(ctx context.Context, asOf civil.Date) ([]Summary, error) {
	invoices, err := s.repo.ListOverdue(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("listing overdue invoices: %w", err)
	}
	summaries := make([]Summary, 0, len(invoices))
	for _, inv := range invoices {
		s.refresh(ctx, inv)
		summaries = append(summaries, s.Summarize(inv))
	}
	return summaries, nil
}

// MarkAsPaid records payment of an invoice
func (s *Service) MarkAsPaid(ctx context.Context, id string) (Summary, error) {
	inv, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Summary{}, fmt.Errorf("getting invoice: %w", err)
	}
	if err := inv.MarkAsPaid(s.clock.Now()); err != nil {
		return Summary{}, err
	}
	if err := s.repo.Update(ctx, inv); err != nil {
		return Summary{}, fmt.Errorf("updating invoice: %w", err)
	}
	s.logger.Info("Invoice paid", "id", id, "invoice_number", inv.InvoiceNumber)
	return s.Summarize(inv), nil
}

// SetUrgency installs a manual urgency override, or clears it when level is nil
func (s *Service) SetUrgency(ctx context.Context, id string, level *UrgencyLevel) (Summary, error) {
	inv, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Summary{}, fmt.Errorf("getting invoice: %w", err)
	}
	if level == nil {
		inv.ClearUrgencyOverride(s.clock.Now())
	} else if err := inv.SetUrgencyManually(*level, s.clock.Now()); err != nil {
		return Summary{}, err
	}
	if err := s.repo.Update(ctx, inv); err != nil {
		return Summary{}, fmt.Errorf("updating invoice: %w", err)
	}
	return s.Summarize(inv), nil
}

// refresh persists a pending → overdue change. A failed write is logged; the
// returned status is still correct.
func (s *Service) refresh(ctx context.Context, inv *Invoice) {
	if !inv.RefreshStatus(s.Today()) {
		return
	}
	inv.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, inv); err != nil {
		s.logger.Warn("Failed to persist overdue status", "id", inv.ID, "error", err)
	}
}
