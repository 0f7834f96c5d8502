package upload

import (
	"net/http"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"
	"bitwise74/media-ingest/internal/ingest"

	"github.com/gin-gonic/gin"
)

type finalizeBody struct {
	UploadID    string          `json:"uploadId" binding:"required"`
	TotalChunks int             `json:"totalChunks" binding:"required,min=1"`
	FileName    string          `json:"fileName"`
	Metadata    ingest.Metadata `json:"metadata"`
	TaskID      string          `json:"taskId"`
}

// UploadFinalize assembles a fully received upload into a media record
func UploadFinalize(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)

	var body finalizeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		reply.BadRequest(c, "Invalid request body, uploadId and totalChunks are required")
		return
	}

	if !ownTask(c, d, userID, body.TaskID) {
		return
	}

	res, err := d.Ingest.Finalize(c.Request.Context(), ingest.FinalizeInput{
		OwnerID:     userID,
		UploadID:    body.UploadID,
		TotalChunks: body.TotalChunks,
		FileName:    body.FileName,
		Metadata:    body.Metadata,
		TaskID:      body.TaskID,
	})
	if err != nil {
		reply.Error(c, err)
		return
	}

	reply.Ingested(c, http.StatusOK, res)
}
