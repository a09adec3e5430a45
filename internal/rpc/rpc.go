// Package rpc calls the remote Postgres business functions the gateway
// depends on. The supported operations form a closed set resolved through a
// statement table, so a caller can never dispatch to an arbitrary function
// name.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the remote function reports no such record.
var ErrNotFound = errors.New("rpc: record not found")

// Operation names one remote Postgres function.
type Operation string

const (
	OpGetInvoice            Operation = "finance_get_invoice"
	OpGetQuote              Operation = "get_quote"
	OpGetCatalogProductPath Operation = "get_catalog_product_storage_path"
	OpSetInvoiceStorageKey  Operation = "backfill_set_invoice_storage_key"
	OpSetQuoteStorageKey    Operation = "backfill_set_quote_storage_key"
	OpListPendingInvoices   Operation = "backfill_list_pending_invoices"
)

// statements is the full set of remote calls this component may issue.
var statements = map[Operation]string{
	OpGetInvoice:            `SELECT number, client_name, issue_date, status FROM finance_get_invoice($1)`,
	OpGetQuote:              `SELECT number, client_name, issue_date, status FROM get_quote($1)`,
	OpGetCatalogProductPath: `SELECT sku, category_path FROM get_catalog_product_storage_path($1)`,
	OpSetInvoiceStorageKey:  `SELECT backfill_set_invoice_storage_key($1, $2)`,
	OpSetQuoteStorageKey:    `SELECT backfill_set_quote_storage_key($1, $2)`,
	OpListPendingInvoices:   `SELECT id, number, client_name, issue_date, status FROM backfill_list_pending_invoices()`,
}

// DocumentInfo is the display metadata of an invoice or quote, as returned
// by the finance functions.
type DocumentInfo struct {
	Number          string
	CounterpartName string
	IssueDate       time.Time
	Status          string
}

// ProductPath locates a catalog product inside the category tree.
type ProductPath struct {
	SKU        string
	Categories []string
}

// PendingInvoice is one backfill worklist entry.
type PendingInvoice struct {
	ID              string
	Number          string
	CounterpartName string
	IssueDate       time.Time
	Status          string
}

// Client issues the typed remote calls over a pgx pool.
type Client struct {
	pool *pgxpool.Pool
}

// NewClient constructs a Client.
func NewClient(pool *pgxpool.Pool) *Client {
	return &Client{pool: pool}
}

func stmt(op Operation) string {
	s, ok := statements[op]
	if !ok {
		// Unreachable for the exported methods; guards future additions.
		panic(fmt.Sprintf("rpc: unregistered operation %q", op))
	}
	return s
}

// GetInvoice resolves an invoice's display metadata.
func (c *Client) GetInvoice(ctx context.Context, invoiceID string) (*DocumentInfo, error) {
	return c.getDocument(ctx, OpGetInvoice, invoiceID)
}

// GetQuote resolves a quote's display metadata.
func (c *Client) GetQuote(ctx context.Context, quoteID string) (*DocumentInfo, error) {
	return c.getDocument(ctx, OpGetQuote, quoteID)
}

func (c *Client) getDocument(ctx context.Context, op Operation, id string) (*DocumentInfo, error) {
	var info DocumentInfo
	err := c.pool.QueryRow(ctx, stmt(op), id).
		Scan(&info.Number, &info.CounterpartName, &info.IssueDate, &info.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &info, nil
}

// GetCatalogProductStoragePath resolves a product's SKU and category path.
func (c *Client) GetCatalogProductStoragePath(ctx context.Context, productID string) (*ProductPath, error) {
	var p ProductPath
	err := c.pool.QueryRow(ctx, stmt(OpGetCatalogProductPath), productID).Scan(&p.SKU, &p.Categories)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", OpGetCatalogProductPath, err)
	}
	return &p, nil
}

// SetInvoiceStorageKey persists the assigned storage key on the invoice row.
func (c *Client) SetInvoiceStorageKey(ctx context.Context, invoiceID, key string) error {
	return c.setKey(ctx, OpSetInvoiceStorageKey, invoiceID, key)
}

// SetQuoteStorageKey persists the assigned storage key on the quote row.
func (c *Client) SetQuoteStorageKey(ctx context.Context, quoteID, key string) error {
	return c.setKey(ctx, OpSetQuoteStorageKey, quoteID, key)
}

func (c *Client) setKey(ctx context.Context, op Operation, id, key string) error {
	if _, err := c.pool.Exec(ctx, stmt(op), id, key); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListPendingInvoices returns the backfill worklist: invoices without an
// assigned storage key.
func (c *Client) ListPendingInvoices(ctx context.Context) ([]PendingInvoice, error) {
	rows, err := c.pool.Query(ctx, stmt(OpListPendingInvoices))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", OpListPendingInvoices, err)
	}
	defer rows.Close()

	var out []PendingInvoice
	for rows.Next() {
		var inv PendingInvoice
		if err := rows.Scan(&inv.ID, &inv.Number, &inv.CounterpartName, &inv.IssueDate, &inv.Status); err != nil {
			return nil, fmt.Errorf("scan pending invoice: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", OpListPendingInvoices, err)
	}
	return out, nil
}
