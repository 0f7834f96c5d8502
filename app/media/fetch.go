// Package media serves the media records created by uploads
package media

import (
	"net/http"
	"strconv"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"

	"github.com/gin-gonic/gin"
)

func mediaID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		reply.BadRequest(c, "ID must be a number")
		return 0, false
	}

	return uint(id), true
}

// MediaFetch returns a media record if the user owns it
func MediaFetch(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)

	id, ok := mediaID(c)
	if !ok {
		return
	}

	m, err := d.Ingest.Get(c.Request.Context(), userID, id)
	if err != nil {
		reply.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, m)
}
