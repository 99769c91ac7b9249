package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-intake/internal/apperr"
	"github.com/zombor/invoice-intake/internal/civil"
)

const uniqueViolation = "23505"

// Schema creates the invoices table. It is safe to run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS invoices (
	id               TEXT PRIMARY KEY,
	invoice_number   TEXT NOT NULL,
	supplier_name    TEXT NOT NULL DEFAULT '',
	amount           NUMERIC NOT NULL CHECK (amount > 0),
	due_date         DATE NOT NULL,
	file_path        TEXT NOT NULL,
	status           TEXT NOT NULL,
	urgency_override TEXT,
	paid_at          TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS invoices_invoice_number_key ON invoices (upper(invoice_number));
CREATE INDEX IF NOT EXISTS invoices_due_date_idx ON invoices (due_date) WHERE status <> 'paid';
`

const selectColumns = `id, invoice_number, supplier_name, amount::text, due_date, file_path, status, urgency_override, paid_at, created_at, updated_at`

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresPool connects to PostgreSQL and verifies the connection
func NewPostgresPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// NewPostgresRepository creates a repository and ensures the schema exists
func NewPostgresRepository(ctx context.Context, db *pgxpool.Pool) (*PostgresRepository, error) {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return nil, fmt.Errorf("creating invoice schema: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

// Save inserts a new invoice
func (r *PostgresRepository) Save(ctx context.Context, inv *Invoice) (*Invoice, error) {
	saved := *inv
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}

	err := r.db.QueryRow(ctx, `
		INSERT INTO invoices (id, invoice_number, supplier_name, amount, due_date, file_path, status, urgency_override, paid_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, saved.ID, saved.InvoiceNumber, saved.SupplierName, saved.Amount.String(), saved.DueDate.Time(),
		saved.FilePath, string(saved.Status), overrideName(saved.UrgencyOverride), saved.PaidAt,
	).Scan(&saved.CreatedAt, &saved.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "invoices_invoice_number_key" {
				return nil, fmt.Errorf("%s: %w", saved.InvoiceNumber, ErrDuplicateInvoiceNumber)
			}
			return nil, fmt.Errorf("invoice %s already exists: %w", saved.ID, apperr.ErrConflict)
		}
		return nil, fmt.Errorf("inserting invoice: %w", err)
	}
	return &saved, nil
}

// Update overwrites the mutable columns of an existing invoice
func (r *PostgresRepository) Update(ctx context.Context, inv *Invoice) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var number string
	err = tx.QueryRow(ctx, `SELECT invoice_number FROM invoices WHERE id = $1 FOR UPDATE`, inv.ID).Scan(&number)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("invoice %s: %w", inv.ID, apperr.ErrNotFound)
		}
		return fmt.Errorf("locking invoice: %w", err)
	}
	if numberKey(number) != numberKey(inv.InvoiceNumber) {
		return apperr.Invalid("invoice_number", "cannot be changed")
	}

	_, err = tx.Exec(ctx, `
		UPDATE invoices
		SET supplier_name = $1, amount = $2::text::numeric, due_date = $3, file_path = $4,
		    status = $5, urgency_override = $6, paid_at = $7, updated_at = $8
		WHERE id = $9
	`, inv.SupplierName, inv.Amount.String(), inv.DueDate.Time(), inv.FilePath,
		string(inv.Status), overrideName(inv.UrgencyOverride), inv.PaidAt, updatedAt(inv), inv.ID)
	if err != nil {
		return fmt.Errorf("updating invoice: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetByID retrieves an invoice by ID
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Invoice, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("invoice %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	return inv, nil
}

// GetByNumber retrieves an invoice by invoice number
func (r *PostgresRepository) GetByNumber(ctx context.Context, number string) (*Invoice, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM invoices WHERE upper(invoice_number) = $1`, numberKey(number))
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("invoice number %s: %w", number, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	return inv, nil
}

// ListOverdue returns unpaid invoices due before asOf
func (r *PostgresRepository) ListOverdue(ctx context.Context, asOf civil.Date) ([]*Invoice, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM invoices
		WHERE status <> 'paid' AND due_date < $1
		ORDER BY due_date, invoice_number
	`, asOf.Time())
	if err != nil {
		return nil, fmt.Errorf("querying overdue invoices: %w", err)
	}
	defer rows.Close()

	invoices := make([]*Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invoices: %w", err)
	}
	return invoices, nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var (
		inv      Invoice
		amount   string
		dueDate  time.Time
		status   string
		override *string
	)
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.SupplierName, &amount, &dueDate,
		&inv.FilePath, &status, &override, &inv.PaidAt, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}

	inv.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	inv.DueDate = civil.Of(dueDate)
	inv.Status = Status(status)
	if override != nil {
		level, err := ParseUrgency(*override)
		if err != nil {
			return nil, err
		}
		inv.UrgencyOverride = &level
	}
	return &inv, nil
}

func overrideName(u *UrgencyLevel) *string {
	if u == nil {
		return nil
	}
	name := u.String()
	return &name
}

func updatedAt(inv *Invoice) time.Time {
	if inv.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return inv.UpdatedAt
}
