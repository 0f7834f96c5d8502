package task

import (
	"context"

	"bitwise74/media-ingest/internal/model"

	"go.uber.org/zap"
)

// Observer is how the pipeline reports progress. Tracker errors are logged
// and dropped, and an empty task id turns every call into a no-op.
type Observer struct {
	T Tracker
}

func (o Observer) enabled(id string) bool {
	return o.T != nil && id != ""
}

func (o Observer) log(op, id string, err error) {
	if err != nil {
		zap.L().Warn("Task tracker update failed", zap.String("op", op), zap.String("task_id", id), zap.Error(err))
	}
}

func (o Observer) Uploading(ctx context.Context, id string) {
	if o.enabled(id) {
		o.log("start_upload", id, o.T.StartUpload(ctx, id))
	}
}

func (o Observer) Progress(ctx context.Context, id string, percent float64, status model.TaskStatus, message string) {
	if o.enabled(id) {
		o.log("progress", id, o.T.UpdateProgress(ctx, id, percent, status, message))
	}
}

func (o Observer) Completed(ctx context.Context, id string, mediaID uint) {
	if o.enabled(id) {
		o.log("complete", id, o.T.Complete(ctx, id, mediaID))
	}
}

func (o Observer) Failed(ctx context.Context, id, reason string) {
	if o.enabled(id) {
		o.log("fail", id, o.T.Fail(context.WithoutCancel(ctx), id, reason))
	}
}
