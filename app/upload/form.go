package upload

import (
	"errors"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"
	"bitwise74/media-ingest/internal/apperr"
	"bitwise74/media-ingest/internal/task"
	"bitwise74/media-ingest/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// parseForm reads the multipart body once so an oversized upload is reported
// as such instead of as missing fields
func parseForm(c *gin.Context) bool {
	if _, err := c.MultipartForm(); err != nil {
		if middleware.TooLarge(err) {
			reply.Error(c, apperr.New(apperr.SizeLimitExceeded, "Request body size exceeds limit"))
			return false
		}

		reply.BadRequest(c, "Expected a multipart form")
		return false
	}

	return true
}

// ownTask rejects a client supplied task id unless the caller owns it.
// Someone else's task answers the same as a missing one.
func ownTask(c *gin.Context, d *internal.Deps, userID, id string) bool {
	if id == "" || d.Tasks == nil {
		return true
	}

	t, err := d.Tasks.Get(c.Request.Context(), id)
	if err != nil && !errors.Is(err, task.ErrNotFound) {
		reply.Error(c, err)
		return false
	}

	if err != nil || t.OwnerID != userID {
		reply.Error(c, apperr.New(apperr.NotFound, "Task not found"))
		return false
	}

	return true
}
