// Package upload holds the chunked and single request upload handlers
package upload

import (
	"net/http"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"

	"github.com/gin-gonic/gin"
)

type initBody struct {
	FileName    string `json:"fileName" binding:"required"`
	TotalChunks int    `json:"totalChunks" binding:"required,min=1"`
	Size        int64  `json:"size" binding:"min=0"`
	TaskID      string `json:"taskId"`
}

// UploadInit opens a session with a server generated upload id. Clients may
// also skip this and pick their own id with the first chunk.
func UploadInit(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)

	var body initBody
	if err := c.ShouldBindJSON(&body); err != nil {
		reply.BadRequest(c, "Invalid request body, fileName and totalChunks are required")
		return
	}

	taskID := body.TaskID
	if !ownTask(c, d, userID, taskID) {
		return
	}

	if taskID == "" && d.Tasks != nil {
		id, err := d.Tasks.Create(c.Request.Context(), userID, body.FileName, body.Size)
		if err != nil {
			reply.Error(c, err)
			return
		}
		taskID = id
	}

	sess, err := d.Chunks.Init(c.Request.Context(), userID, body.FileName, body.TotalChunks, body.Size, taskID)
	if err != nil {
		reply.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"uploadId":    sess.UploadID,
		"taskId":      taskID,
		"totalChunks": sess.TotalChunks,
	})
}
