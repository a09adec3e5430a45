package backfill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexoav/filegate/internal/ledger"
	"github.com/nexoav/filegate/internal/rpc"
)

type fakeWorklist struct {
	pending []rpc.PendingInvoice
	keysSet map[string]string
	setErr  error
	listErr error
}

func (f *fakeWorklist) ListPendingInvoices(ctx context.Context) ([]rpc.PendingInvoice, error) {
	return f.pending, f.listErr
}

func (f *fakeWorklist) SetInvoiceStorageKey(ctx context.Context, invoiceID, key string) error {
	if f.setErr != nil {
		return f.setErr
	}
	if f.keysSet == nil {
		f.keysSet = map[string]string{}
	}
	f.keysSet[invoiceID] = key
	return nil
}

type fakeStore struct {
	existing map[string]bool
	puts     map[string][]byte
	putErr   error
}

func (f *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	return f.existing[key], nil
}

func (f *fakeStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[key] = data
	return nil
}

func (f *fakeStore) Bucket() string { return "nexoav-files" }

type fakeLedger struct {
	replaced []*ledger.StoredObject
	err      error
}

func (f *fakeLedger) ReplaceArchival(ctx context.Context, obj *ledger.StoredObject) error {
	if f.err != nil {
		return f.err
	}
	obj.ID = fmt.Sprintf("file-%d", len(f.replaced)+1)
	f.replaced = append(f.replaced, obj)
	return nil
}

type fakeRenderer struct {
	data  []byte
	err   error
	calls int
}

func (f *fakeRenderer) RenderInvoice(ctx context.Context, invoiceID string) ([]byte, error) {
	f.calls++
	return f.data, f.err
}

func invoices(n int) []rpc.PendingInvoice {
	out := make([]rpc.PendingInvoice, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, rpc.PendingInvoice{
			ID:              fmt.Sprintf("inv-%d", i),
			Number:          fmt.Sprintf("INV-2024-%03d", i),
			CounterpartName: "Acme S.L.",
			IssueDate:       time.Date(2024, time.May, 10, 0, 0, 0, 0, time.UTC),
			Status:          "paid",
		})
	}
	return out
}

func newTestDriver(wl *fakeWorklist, store *fakeStore, repo *fakeLedger, r *fakeRenderer) (*Driver, *bytes.Buffer) {
	d := New(wl, store, repo, r, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.BatchPause = 0
	out := &bytes.Buffer{}
	d.Out = out
	return d, out
}

func TestRunDryRunBatches(t *testing.T) {
	wl := &fakeWorklist{pending: invoices(7)}
	store := &fakeStore{}
	repo := &fakeLedger{}
	r := &fakeRenderer{}
	d, out := newTestDriver(wl, store, repo, r)

	summary, err := d.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 7, summary.Success)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 0, summary.Errors)
	assert.Equal(t, 7, summary.Total)
	assert.Equal(t, 2, summary.Batches)

	assert.Zero(t, r.calls, "dry run must not render")
	assert.Empty(t, store.puts, "dry run must not upload")
	assert.Empty(t, repo.replaced, "dry run must not touch the ledger")
	assert.Contains(t, out.String(), "DRY   INV-2024-001 -> fiscal/2024/T2/ventas/INV-2024-001_Acme_S_L.pdf")
}

func TestRunUploadsAndRecords(t *testing.T) {
	wl := &fakeWorklist{pending: invoices(1)}
	store := &fakeStore{}
	repo := &fakeLedger{}
	r := &fakeRenderer{data: bytes.Repeat([]byte("%PDF"), 200)}
	d, out := newTestDriver(wl, store, repo, r)

	summary, err := d.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Success)
	key := "fiscal/2024/T2/ventas/INV-2024-001_Acme_S_L.pdf"
	assert.Contains(t, store.puts, key)
	require.Len(t, repo.replaced, 1)

	obj := repo.replaced[0]
	assert.Equal(t, key, obj.Key)
	assert.Equal(t, "invoices", obj.OwnerType)
	assert.Equal(t, "inv-1", obj.OwnerID)
	assert.True(t, obj.AutoGenerated)
	require.NotNil(t, obj.FiscalQuarter)
	assert.Equal(t, 2, *obj.FiscalQuarter)
	require.NotNil(t, obj.ArchivedFromStatus)
	assert.Equal(t, "paid", *obj.ArchivedFromStatus)

	assert.Equal(t, key, wl.keysSet["inv-1"])
	assert.Contains(t, out.String(), "OK    INV-2024-001")
}

func TestRunSkipsExistingWithoutForce(t *testing.T) {
	key := "fiscal/2024/T2/ventas/INV-2024-001_Acme_S_L.pdf"
	wl := &fakeWorklist{pending: invoices(1)}
	store := &fakeStore{existing: map[string]bool{key: true}}
	repo := &fakeLedger{}
	r := &fakeRenderer{data: bytes.Repeat([]byte("%PDF"), 200)}
	d, out := newTestDriver(wl, store, repo, r)

	summary, err := d.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Success)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, r.calls, "skip must happen before rendering")
	assert.Empty(t, store.puts)
	assert.Contains(t, out.String(), "SKIP  INV-2024-001")
}

func TestRunForceReplacesExisting(t *testing.T) {
	key := "fiscal/2024/T2/ventas/INV-2024-001_Acme_S_L.pdf"
	wl := &fakeWorklist{pending: invoices(1)}
	store := &fakeStore{existing: map[string]bool{key: true}}
	repo := &fakeLedger{}
	r := &fakeRenderer{data: bytes.Repeat([]byte("%PDF"), 200)}
	d, _ := newTestDriver(wl, store, repo, r)

	summary, err := d.Run(context.Background(), Options{Force: true})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Success)
	assert.Contains(t, store.puts, key)
}

func TestRunCountsErrorsAndContinues(t *testing.T) {
	wl := &fakeWorklist{pending: invoices(3)}
	store := &fakeStore{}
	repo := &fakeLedger{}
	r := &fakeRenderer{err: errors.New("render service down")}
	d, out := newTestDriver(wl, store, repo, r)

	summary, err := d.Run(context.Background(), Options{})
	require.NoError(t, err, "record failures are tallied, the run itself succeeds")

	assert.Equal(t, 0, summary.Success)
	assert.Equal(t, 3, summary.Errors)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, r.calls, "a failing record must not abort the run")
	assert.Contains(t, out.String(), "ERROR INV-2024-002: render service down")
}

func TestRunRejectsTinyRender(t *testing.T) {
	wl := &fakeWorklist{pending: invoices(1)}
	store := &fakeStore{}
	repo := &fakeLedger{}
	r := &fakeRenderer{data: []byte("%PDF-1.4")}
	d, _ := newTestDriver(wl, store, repo, r)

	summary, err := d.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Errors)
	assert.Empty(t, store.puts)
	assert.Empty(t, repo.replaced)
}

func TestRunListFailure(t *testing.T) {
	wl := &fakeWorklist{listErr: errors.New("rpc unavailable")}
	d, _ := newTestDriver(wl, &fakeStore{}, &fakeLedger{}, &fakeRenderer{})

	_, err := d.Run(context.Background(), Options{})
	require.Error(t, err)
}
