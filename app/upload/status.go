package upload

import (
	"net/http"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"

	"github.com/gin-gonic/gin"
)

// UploadStatus tells a resuming client which chunks it still has to send
func UploadStatus(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)

	st, err := d.Chunks.Status(c.Request.Context(), userID, c.Param("uploadId"))
	if err != nil {
		reply.Error(c, err)
		return
	}

	body := gin.H{
		"uploadId":    st.Session.UploadID,
		"state":       st.Session.State,
		"totalChunks": st.Session.TotalChunks,
		"received":    st.Received,
		"missing":     st.Missing,
	}
	if st.Session.MediaID != nil {
		body["mediaId"] = *st.Session.MediaID
	}

	c.JSON(http.StatusOK, body)
}
