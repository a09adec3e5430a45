// Package worker reconciles upload intents whose PUT capability has expired:
// intents that materialized are marked READY, the rest are removed so the
// registry never accumulates stuck UPLOADING rows.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/nexoav/filegate/internal/ledger"
	"github.com/nexoav/filegate/internal/objstore"
	"github.com/nexoav/filegate/internal/queue"
)

// Ledger is the registry surface the processor needs.
type Ledger interface {
	GetByID(ctx context.Context, id string) (*ledger.StoredObject, error)
	MarkReady(ctx context.Context, id string, sizeBytes int64) error
	Delete(ctx context.Context, id string) error
}

// ObjectStore checks object presence.
type ObjectStore interface {
	Stat(ctx context.Context, key string) (int64, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	ledger Ledger
	store  ObjectStore
	logger *slog.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(repo Ledger, store ObjectStore, logger *slog.Logger) *Processor {
	return &Processor{ledger: repo, store: store, logger: logger}
}

// Handler registers the reconcile task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ReconcileUploadTask, p.handleReconcile)
	return mux
}

func (p *Processor) handleReconcile(ctx context.Context, task *asynq.Task) error {
	var payload queue.ReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	obj, err := p.ledger.GetByID(ctx, payload.FileID)
	if errors.Is(err, ledger.ErrNotFound) {
		// Row already confirmed-and-replaced or cleaned up elsewhere.
		return nil
	}
	if err != nil {
		return fmt.Errorf("load registry row %s: %w", payload.FileID, err)
	}
	if obj.Status != ledger.StatusUploading {
		return nil
	}

	size, err := p.store.Stat(ctx, obj.Key)
	if errors.Is(err, objstore.ErrNotExist) {
		if err := p.ledger.Delete(ctx, obj.ID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("remove stale intent %s: %w", obj.ID, err)
		}
		p.logger.Info("removed stale upload intent",
			slog.String("file_id", obj.ID), slog.String("key", obj.Key))
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", obj.Key, err)
	}

	if err := p.ledger.MarkReady(ctx, obj.ID, size); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("mark ready %s: %w", obj.ID, err)
	}
	p.logger.Info("upload intent confirmed",
		slog.String("file_id", obj.ID), slog.String("key", obj.Key), slog.Int64("size", size))
	return nil
}
