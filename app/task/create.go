package task

import (
	"net/http"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"

	"github.com/gin-gonic/gin"
)

type createBody struct {
	FileName string `json:"fileName" binding:"required"`
	Size     int64  `json:"size" binding:"min=0"`
}

func TaskCreate(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)

	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		reply.BadRequest(c, "Invalid request body, fileName is required")
		return
	}

	id, err := d.Tasks.Create(c.Request.Context(), userID, body.FileName, body.Size)
	if err != nil {
		reply.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"taskId": id})
}
