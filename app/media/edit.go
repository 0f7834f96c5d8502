package media

import (
	"net/http"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"
	"bitwise74/media-ingest/internal/ingest"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MediaEdit updates the title, description, category or tags of a media record
func MediaEdit(c *gin.Context, d *internal.Deps) {
	id, ok := mediaID(c)
	if !ok {
		return
	}

	var edit ingest.Edit
	if err := c.ShouldBindJSON(&edit); err != nil {
		reply.BadRequest(c, "Malformed or invalid JSON request body")

		zap.L().Debug("Failed to read JSON body", zap.Error(err))
		return
	}

	m, err := d.Ingest.Update(c.Request.Context(), c.MustGet("userID").(string), id, edit)
	if err != nil {
		reply.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, m)
}
