package upload

import (
	"net/http"
	"strconv"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"
	"bitwise74/media-ingest/internal/chunk"
	"bitwise74/media-ingest/internal/ingest"
	"bitwise74/media-ingest/internal/model"
	"bitwise74/media-ingest/internal/task"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func formInt(c *gin.Context, key string, required bool) (int64, bool) {
	v := c.PostForm(key)
	if v == "" {
		if required {
			reply.BadRequest(c, key+" is required")
			return 0, false
		}
		return 0, true
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		reply.BadRequest(c, key+" must be a number")
		return 0, false
	}

	return n, true
}

// UploadChunk stores one chunk of a chunked upload
func UploadChunk(c *gin.Context, d *internal.Deps) {
	requestID := c.MustGet("requestID").(string)
	userID := c.MustGet("userID").(string)

	if !parseForm(c) {
		return
	}

	uploadID := c.PostForm("uploadId")
	if uploadID == "" {
		reply.BadRequest(c, "uploadId is required")
		return
	}

	index, ok := formInt(c, "chunkIndex", true)
	if !ok {
		return
	}
	total, ok := formInt(c, "totalChunks", true)
	if !ok {
		return
	}
	size, ok := formInt(c, "size", false)
	if !ok {
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		reply.BadRequest(c, "No chunk provided")
		return
	}

	f, err := fh.Open()
	if err != nil {
		reply.Error(c, err)
		return
	}
	defer f.Close()

	taskID := c.PostForm("taskId")
	if !ownTask(c, d, userID, taskID) {
		return
	}

	ctx := c.Request.Context()

	receipt, err := d.Chunks.StoreChunk(ctx, chunk.ChunkInput{
		OwnerID:      userID,
		UploadID:     uploadID,
		Index:        int(index),
		TotalChunks:  int(total),
		Filename:     c.PostForm("fileName"),
		DeclaredSize: size,
		TaskID:       taskID,
		Body:         f,
	})
	if err != nil {
		reply.Error(c, err)
		return
	}

	if taskID == "" {
		taskID = receipt.TaskID
	}

	task.Observer{T: d.Tasks}.Progress(ctx, taskID,
		float64(receipt.ReceivedCount)/float64(receipt.TotalChunks)*100,
		model.TaskUploading, "")

	resp := gin.H{
		"uploadId":          uploadID,
		"chunkIndex":        index,
		"totalChunks":       receipt.TotalChunks,
		"receivedChunks":    receipt.ReceivedCount,
		"allChunksUploaded": receipt.AllReceived,
		"complete":          false,
	}

	if !receipt.AllReceived || !d.AutoFinalize {
		c.JSON(http.StatusOK, resp)
		return
	}

	res, err := d.Ingest.Finalize(ctx, ingest.FinalizeInput{
		OwnerID:     userID,
		UploadID:    uploadID,
		TotalChunks: receipt.TotalChunks,
		FileName:    c.PostForm("fileName"),
		TaskID:      taskID,
	})
	if err != nil {
		zap.L().Warn("Automatic finalize failed", zap.String("upload_id", uploadID), zap.String("requestID", requestID), zap.Error(err))
		reply.Error(c, err)
		return
	}

	resp["complete"] = true
	resp["media"] = res.Media
	resp["isDuplicate"] = res.IsDuplicate
	resp["spaceSaved"] = res.SpaceSaved
	if res.Warning != "" {
		resp["warning"] = res.Warning
	}

	c.JSON(http.StatusOK, resp)
}
