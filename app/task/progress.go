package task

import (
	"fmt"
	"time"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const progressInterval = 200 * time.Millisecond

// TaskProgress streams the progress of a task as server sent events until
// it finishes or the client goes away
func TaskProgress(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)
	ctx := c.Request.Context()
	id := c.Param("id")

	t, err := load(ctx, d, id, userID)
	if err != nil {
		reply.Error(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	last := -1.0
	for {
		if t.ProgressPercent != last {
			fmt.Fprintf(c.Writer, "data: %.2f\n\n", t.ProgressPercent)
			c.Writer.Flush()
			last = t.ProgressPercent
		}

		if t.Status.Terminal() {
			fmt.Fprintf(c.Writer, "event: %s\ndata: %.2f\n\n", t.Status, t.ProgressPercent)
			c.Writer.Flush()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t, err = d.Tasks.Get(ctx, id)
		if err != nil {
			zap.L().Debug("Progress stream ended", zap.String("task_id", id), zap.Error(err))
			return
		}
	}
}
