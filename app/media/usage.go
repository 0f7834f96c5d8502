package media

import (
	"net/http"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"

	"github.com/gin-gonic/gin"
)

func MediaUsage(c *gin.Context, d *internal.Deps) {
	stats, err := d.Ingest.Usage(c.Request.Context(), c.MustGet("userID").(string))
	if err != nil {
		reply.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}
