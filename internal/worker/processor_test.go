package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexoav/filegate/internal/ledger"
	"github.com/nexoav/filegate/internal/objstore"
	"github.com/nexoav/filegate/internal/queue"
)

type fakeLedger struct {
	objects map[string]*ledger.StoredObject
	ready   map[string]int64
	deleted []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{objects: map[string]*ledger.StoredObject{}, ready: map[string]int64{}}
}

func (f *fakeLedger) GetByID(_ context.Context, id string) (*ledger.StoredObject, error) {
	obj, ok := f.objects[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return obj, nil
}

func (f *fakeLedger) MarkReady(_ context.Context, id string, size int64) error {
	f.ready[id] = size
	return nil
}

func (f *fakeLedger) Delete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	delete(f.objects, id)
	return nil
}

type fakeStore struct {
	sizes map[string]int64
}

func (f *fakeStore) Stat(_ context.Context, key string) (int64, error) {
	size, ok := f.sizes[key]
	if !ok {
		return 0, objstore.ErrNotExist
	}
	return size, nil
}

func reconcileTask(t *testing.T, fileID string) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(queue.ReconcilePayload{FileID: fileID})
	require.NoError(t, err)
	return asynq.NewTask(queue.ReconcileUploadTask, data)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReconcileConfirmsArrivedUpload(t *testing.T) {
	repo := newFakeLedger()
	repo.objects["f1"] = &ledger.StoredObject{ID: "f1", Key: "clientes/acme/contrato.pdf", Status: ledger.StatusUploading}
	store := &fakeStore{sizes: map[string]int64{"clientes/acme/contrato.pdf": 4096}}

	p := NewProcessor(repo, store, testLogger())
	require.NoError(t, p.handleReconcile(context.Background(), reconcileTask(t, "f1")))

	assert.Equal(t, int64(4096), repo.ready["f1"])
	assert.Empty(t, repo.deleted)
}

func TestReconcileRemovesStaleIntent(t *testing.T) {
	repo := newFakeLedger()
	repo.objects["f2"] = &ledger.StoredObject{ID: "f2", Key: "never/uploaded.pdf", Status: ledger.StatusUploading}
	store := &fakeStore{sizes: map[string]int64{}}

	p := NewProcessor(repo, store, testLogger())
	require.NoError(t, p.handleReconcile(context.Background(), reconcileTask(t, "f2")))

	assert.Equal(t, []string{"f2"}, repo.deleted)
	assert.Empty(t, repo.ready)
}

func TestReconcileIgnoresSettledRows(t *testing.T) {
	repo := newFakeLedger()
	repo.objects["f3"] = &ledger.StoredObject{ID: "f3", Key: "done.pdf", Status: ledger.StatusReady}
	store := &fakeStore{sizes: map[string]int64{}}

	p := NewProcessor(repo, store, testLogger())
	require.NoError(t, p.handleReconcile(context.Background(), reconcileTask(t, "f3")))
	assert.Empty(t, repo.ready)
	assert.Empty(t, repo.deleted)
}

func TestReconcileMissingRowIsNoop(t *testing.T) {
	p := NewProcessor(newFakeLedger(), &fakeStore{}, testLogger())
	require.NoError(t, p.handleReconcile(context.Background(), reconcileTask(t, "gone")))
}
