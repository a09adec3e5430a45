// Package queue defines the deferred reconciliation task scheduled for every
// upload intent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// ReconcileUploadTask runs after a PUT capability expires to settle the
	// fate of its UPLOADING registry row.
	ReconcileUploadTask = "upload:reconcile"
)

// ReconcilePayload identifies the registry row to reconcile.
type ReconcilePayload struct {
	FileID string `json:"file_id"`
}

// EnqueueReconcile schedules a reconcile task to run after delay.
func EnqueueReconcile(ctx context.Context, client *asynq.Client, fileID string, delay time.Duration) error {
	data, err := json.Marshal(ReconcilePayload{FileID: fileID})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ReconcileUploadTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.ProcessIn(delay), asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue reconcile task: %w", err)
	}
	return nil
}

// Scheduler enqueues reconcile tasks with a fixed delay. The delay covers
// the PUT capability lifetime plus a grace period for slow uploads.
type Scheduler struct {
	client *asynq.Client
	delay  time.Duration
}

// NewScheduler constructs a Scheduler.
func NewScheduler(client *asynq.Client, delay time.Duration) *Scheduler {
	return &Scheduler{client: client, delay: delay}
}

// ScheduleReconcile enqueues the task for one registry row.
func (s *Scheduler) ScheduleReconcile(ctx context.Context, fileID string) error {
	return EnqueueReconcile(ctx, s.client, fileID, s.delay)
}
