// Package backfill migrates legacy invoices into the object store: render,
// derive key, upload, record, write back. It runs sequentially in small
// batches with a pause in between to keep load on the downstream services
// predictable.
package backfill

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/nexoav/filegate/internal/keypolicy"
	"github.com/nexoav/filegate/internal/ledger"
	"github.com/nexoav/filegate/internal/render"
	"github.com/nexoav/filegate/internal/rpc"
)

const (
	defaultBatchSize  = 5
	defaultBatchPause = 3000 * time.Millisecond

	// Renders below this are treated as corrupt and counted as errors.
	minRenderBytes = 500

	sourceTable = "invoices"
)

// Worklist lists pending invoices and persists assigned keys.
type Worklist interface {
	ListPendingInvoices(ctx context.Context) ([]rpc.PendingInvoice, error)
	SetInvoiceStorageKey(ctx context.Context, invoiceID, key string) error
}

// Ledger records the archived objects.
type Ledger interface {
	ReplaceArchival(ctx context.Context, obj *ledger.StoredObject) error
}

// ObjectStore uploads and answers existence checks.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Bucket() string
}

// Options control one run.
type Options struct {
	// DryRun logs intended actions without rendering, uploading or writing.
	DryRun bool
	// Force re-uploads even when the destination object already exists.
	Force bool
}

// Summary is the final tally of a run.
type Summary struct {
	Success int
	Skipped int
	Errors  int
	Total   int
	Batches int
}

// Driver walks the worklist. Per-record failures are logged and counted but
// never abort the run; re-running is safe because already-archived records
// are skipped.
type Driver struct {
	worklist Worklist
	store    ObjectStore
	ledger   Ledger
	renderer render.Renderer
	logger   *slog.Logger

	BatchSize  int
	BatchPause time.Duration
	Out        io.Writer
}

// New constructs a Driver with the default batch shape.
func New(worklist Worklist, store ObjectStore, repo Ledger, renderer render.Renderer, logger *slog.Logger) *Driver {
	return &Driver{
		worklist:   worklist,
		store:      store,
		ledger:     repo,
		renderer:   renderer,
		logger:     logger,
		BatchSize:  defaultBatchSize,
		BatchPause: defaultBatchPause,
		Out:        os.Stdout,
	}
}

// Run processes the full worklist and returns the tally.
func (d *Driver) Run(ctx context.Context, opts Options) (*Summary, error) {
	pending, err := d.worklist.ListPendingInvoices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending invoices: %w", err)
	}

	summary := &Summary{Total: len(pending)}
	for start := 0; start < len(pending); start += d.BatchSize {
		end := start + d.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		summary.Batches++
		d.logger.Info("processing batch",
			slog.Int("batch", summary.Batches),
			slog.Int("from", start+1),
			slog.Int("to", end))

		for _, inv := range pending[start:end] {
			d.processRecord(ctx, inv, opts, summary)
		}

		if end < len(pending) && d.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(d.BatchPause):
			}
		}
	}

	fmt.Fprintf(d.Out, "done: success=%d skipped=%d errors=%d total=%d\n",
		summary.Success, summary.Skipped, summary.Errors, summary.Total)
	return summary, nil
}

func (d *Driver) processRecord(ctx context.Context, inv rpc.PendingInvoice, opts Options, summary *Summary) {
	key := keypolicy.FiscalDocumentKey(keypolicy.SectionSales, inv.Number, inv.CounterpartName, inv.IssueDate)

	if !opts.Force {
		exists, err := d.store.Exists(ctx, key)
		if err != nil {
			d.fail(summary, inv, err)
			return
		}
		if exists {
			summary.Skipped++
			fmt.Fprintf(d.Out, "SKIP  %s (exists at %s)\n", inv.Number, key)
			return
		}
	}

	if opts.DryRun {
		summary.Success++
		fmt.Fprintf(d.Out, "DRY   %s -> %s\n", inv.Number, key)
		return
	}

	data, err := d.renderer.RenderInvoice(ctx, inv.ID)
	if err != nil {
		d.fail(summary, inv, err)
		return
	}
	if len(data) < minRenderBytes {
		d.fail(summary, inv, fmt.Errorf("render produced only %d bytes", len(data)))
		return
	}

	if err := d.store.Put(ctx, key, data, "application/pdf"); err != nil {
		d.fail(summary, inv, err)
		return
	}

	if err := d.ledger.ReplaceArchival(ctx, d.record(inv, key, data)); err != nil {
		d.fail(summary, inv, err)
		return
	}
	if err := d.worklist.SetInvoiceStorageKey(ctx, inv.ID, key); err != nil {
		d.fail(summary, inv, err)
		return
	}

	summary.Success++
	fmt.Fprintf(d.Out, "OK    %s -> %s\n", inv.Number, key)
}

func (d *Driver) record(inv rpc.PendingInvoice, key string, data []byte) *ledger.StoredObject {
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	size := int64(len(data))
	section := string(keypolicy.SectionSales)
	year := inv.IssueDate.Year()
	quarter := keypolicy.Quarter(inv.IssueDate.Month())
	month := int(inv.IssueDate.Month())
	issueDate := inv.IssueDate
	table := sourceTable
	sourceID := inv.ID

	return &ledger.StoredObject{
		Bucket:             d.store.Bucket(),
		Key:                key,
		OriginalName:       fmt.Sprintf("%s.pdf", inv.Number),
		MimeType:           "application/pdf",
		SizeBytes:          &size,
		OwnerType:          sourceTable,
		OwnerID:            inv.ID,
		DocumentType:       &section,
		Checksum:           &checksum,
		FiscalYear:         &year,
		FiscalQuarter:      &quarter,
		FiscalMonth:        &month,
		DocumentDate:       &issueDate,
		AutoGenerated:      true,
		ArchivedFromStatus: &inv.Status,
		SourceTable:        &table,
		SourceID:           &sourceID,
	}
}

func (d *Driver) fail(summary *Summary, inv rpc.PendingInvoice, err error) {
	summary.Errors++
	fmt.Fprintf(d.Out, "ERROR %s: %v\n", inv.Number, err)
	d.logger.Error("backfill record failed",
		slog.String("invoice", inv.Number), slog.String("error", err.Error()))
}
