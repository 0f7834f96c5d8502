package media

import (
	"net/http"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"

	"github.com/gin-gonic/gin"
)

// MediaDelete removes a media record and returns the user's updated usage
func MediaDelete(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)

	id, ok := mediaID(c)
	if !ok {
		return
	}

	if err := d.Ingest.Delete(c.Request.Context(), userID, id); err != nil {
		reply.Error(c, err)
		return
	}

	stats, err := d.Ingest.Usage(c.Request.Context(), userID)
	if err != nil {
		reply.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}
