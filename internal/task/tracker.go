// Package task tracks the client visible progress of uploads. It is purely
// observational, nothing in the pipeline depends on what it stores.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitwise74/media-ingest/internal/model"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

type Tracker interface {
	Create(ctx context.Context, ownerID, filename string, size int64) (string, error)
	Get(ctx context.Context, id string) (*model.UploadTask, error)
	StartUpload(ctx context.Context, id string) error
	// An empty status keeps the current one
	UpdateProgress(ctx context.Context, id string, percent float64, status model.TaskStatus, message string) error
	Complete(ctx context.Context, id string, mediaID uint) error
	Fail(ctx context.Context, id, reason string) error
	Retry(ctx context.Context, id string) error
}

// How long unfinished tasks are kept around before they're considered abandoned
const activeTTL = 24 * time.Hour

var next = map[model.TaskStatus][]model.TaskStatus{
	model.TaskPending:    {model.TaskUploading},
	model.TaskUploading:  {model.TaskProcessing},
	model.TaskProcessing: {model.TaskCompleted},
}

// CanTransition reports whether a task may move from one status to another.
// Staying in the same non-terminal status is always allowed.
func CanTransition(from, to model.TaskStatus) bool {
	if from.Terminal() {
		return false
	}
	if from == to || to == model.TaskFailed {
		return true
	}

	for _, s := range next[from] {
		if s == to {
			return true
		}
	}

	return false
}

func clamp(p float64) float64 {
	return min(max(p, 0), 100)
}

func newTask(ownerID, filename string, size int64, now time.Time) (*model.UploadTask, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate task id, %w", err)
	}

	return &model.UploadTask{
		TaskID:       id,
		OwnerID:      ownerID,
		Filename:     filename,
		DeclaredSize: size,
		Status:       model.TaskPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// mutation is applied to a loaded task by every backend
type mutation func(t *model.UploadTask) error

func progress(percent float64, status model.TaskStatus, message string) mutation {
	return func(t *model.UploadTask) error {
		if status == "" {
			status = t.Status
		}

		if !CanTransition(t.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
		}

		percent = clamp(percent)
		if status == t.Status {
			// Progress never goes backwards within one status
			percent = max(percent, t.ProgressPercent)
		}

		t.Status = status
		t.ProgressPercent = percent
		if message != "" {
			t.Message = message
		}

		return nil
	}
}

func complete(mediaID uint) mutation {
	return func(t *model.UploadTask) error {
		if !CanTransition(t.Status, model.TaskCompleted) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, model.TaskCompleted)
		}

		t.Status = model.TaskCompleted
		t.ProgressPercent = 100
		t.ResultMediaID = &mediaID
		t.Message = ""
		return nil
	}
}

func fail(reason string) mutation {
	return func(t *model.UploadTask) error {
		if !CanTransition(t.Status, model.TaskFailed) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, model.TaskFailed)
		}

		t.Status = model.TaskFailed
		t.Message = reason
		return nil
	}
}

func retry(t *model.UploadTask) error {
	if t.Status != model.TaskUploading && t.Status != model.TaskProcessing {
		return fmt.Errorf("%w: can't retry a %s task", ErrInvalidTransition, t.Status)
	}

	t.Status = model.TaskUploading
	t.ProgressPercent = 0
	t.Message = "retrying"
	return nil
}
