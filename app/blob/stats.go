package blob

import (
	"net/http"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"

	"github.com/gin-gonic/gin"
)

// BlobStats reports how much space deduplication is saving
func BlobStats(c *gin.Context, d *internal.Deps) {
	st, err := d.Blobs.Stats(c.Request.Context())
	if err != nil {
		reply.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, st)
}
