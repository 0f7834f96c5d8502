package task

import (
	"errors"
	"net/http"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"
	"bitwise74/media-ingest/internal/task"

	"github.com/gin-gonic/gin"
)

// TaskRetry puts an interrupted task back into the uploading state
func TaskRetry(c *gin.Context, d *internal.Deps) {
	requestID := c.MustGet("requestID").(string)
	userID := c.MustGet("userID").(string)
	ctx := c.Request.Context()

	t, err := load(ctx, d, c.Param("id"), userID)
	if err != nil {
		reply.Error(c, err)
		return
	}

	if err := d.Tasks.Retry(ctx, t.TaskID); err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{
				"error":     "Only uploading or processing tasks can be retried",
				"code":      "INVALID_TRANSITION",
				"requestID": requestID,
			})
			return
		}

		reply.Error(c, err)
		return
	}

	t, err = d.Tasks.Get(ctx, t.TaskID)
	if err != nil {
		reply.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, t)
}
