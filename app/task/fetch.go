// Package task exposes upload progress to clients
package task

import (
	"context"
	"errors"
	"net/http"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"
	"bitwise74/media-ingest/internal/apperr"
	"bitwise74/media-ingest/internal/model"
	"bitwise74/media-ingest/internal/task"

	"github.com/gin-gonic/gin"
)

// load returns the task only to its owner
func load(ctx context.Context, d *internal.Deps, id, userID string) (*model.UploadTask, error) {
	t, err := d.Tasks.Get(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "Task not found")
		}
		return nil, err
	}

	if t.OwnerID != userID {
		return nil, apperr.New(apperr.NotFound, "Task not found")
	}

	return t, nil
}

func TaskFetch(c *gin.Context, d *internal.Deps) {
	t, err := load(c.Request.Context(), d, c.Param("id"), c.MustGet("userID").(string))
	if err != nil {
		reply.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, t)
}
