package invoice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-intake/internal/apperr"
	"github.com/zombor/invoice-intake/internal/civil"
)

const (
	invoiceBucketName = "invoices"
	numberBucketName  = "invoice_numbers"
)

// BoltRepository implements Repository using BoltDB
type BoltRepository struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltRepository creates the invoice buckets in db if they don't exist
func NewBoltRepository(db *bbolt.DB) (*BoltRepository, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(invoiceBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(numberBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating invoice buckets: %w", err)
	}

	return &BoltRepository{db: db, now: time.Now}, nil
}

// Save stores a new invoice. The number index and the record are written in
// one transaction so concurrent saves of the same number cannot both succeed.
func (b *BoltRepository) Save(_ context.Context, inv *Invoice) (*Invoice, error) {
	saved := *inv
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	now := b.now().UTC()
	saved.CreatedAt = now
	saved.UpdatedAt = now

	err := b.db.Update(func(tx *bbolt.Tx) error {
		numbers := tx.Bucket([]byte(numberBucketName))
		key := []byte(numberKey(saved.InvoiceNumber))
		if numbers.Get(key) != nil {
			return fmt.Errorf("%s: %w", saved.InvoiceNumber, ErrDuplicateInvoiceNumber)
		}

		invoices := tx.Bucket([]byte(invoiceBucketName))
		if invoices.Get([]byte(saved.ID)) != nil {
			return fmt.Errorf("invoice %s already exists: %w", saved.ID, apperr.ErrConflict)
		}

		data, err := json.Marshal(&saved)
		if err != nil {
			return fmt.Errorf("marshaling invoice: %w", err)
		}
		if err := invoices.Put([]byte(saved.ID), data); err != nil {
			return err
		}
		return numbers.Put(key, []byte(saved.ID))
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// Update overwrites an existing invoice. The invoice number cannot change.
func (b *BoltRepository) Update(_ context.Context, inv *Invoice) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		invoices := tx.Bucket([]byte(invoiceBucketName))
		existing, err := decodeInvoice(invoices.Get([]byte(inv.ID)), inv.ID)
		if err != nil {
			return err
		}
		if numberKey(existing.InvoiceNumber) != numberKey(inv.InvoiceNumber) {
			return apperr.Invalid("invoice_number", "cannot be changed")
		}

		data, err := json.Marshal(inv)
		if err != nil {
			return fmt.Errorf("marshaling invoice: %w", err)
		}
		return invoices.Put([]byte(inv.ID), data)
	})
}

// GetByID retrieves an invoice by ID
func (b *BoltRepository) GetByID(_ context.Context, id string) (*Invoice, error) {
	var inv *Invoice
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		inv, err = decodeInvoice(tx.Bucket([]byte(invoiceBucketName)).Get([]byte(id)), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// GetByNumber retrieves an invoice by its invoice number
func (b *BoltRepository) GetByNumber(_ context.Context, number string) (*Invoice, error) {
	var inv *Invoice
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(numberBucketName)).Get([]byte(numberKey(number)))
		if id == nil {
			return fmt.Errorf("invoice number %s: %w", number, apperr.ErrNotFound)
		}
		var err error
		inv, err = decodeInvoice(tx.Bucket([]byte(invoiceBucketName)).Get(id), string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// ListOverdue returns unpaid invoices due before asOf
func (b *BoltRepository) ListOverdue(_ context.Context, asOf civil.Date) ([]*Invoice, error) {
	invoices := make([]*Invoice, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(invoiceBucketName)).ForEach(func(k, v []byte) error {
			var inv Invoice
			if err := json.Unmarshal(v, &inv); err != nil {
				return fmt.Errorf("unmarshaling invoice %s: %w", k, err)
			}
			if inv.IsOverdue(asOf) {
				invoices = append(invoices, &inv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByDueDate(invoices)
	return invoices, nil
}

func decodeInvoice(data []byte, id string) (*Invoice, error) {
	if data == nil {
		return nil, fmt.Errorf("invoice %s: %w", id, apperr.ErrNotFound)
	}
	var inv Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("unmarshaling invoice %s: %w", id, err)
	}
	return &inv, nil
}
