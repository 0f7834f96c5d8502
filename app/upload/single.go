package upload

import (
	"net/http"
	"strconv"
	"strings"

	"bitwise74/media-ingest/app/reply"
	"bitwise74/media-ingest/internal"
	"bitwise74/media-ingest/internal/ingest"

	"github.com/gin-gonic/gin"
)

// parseIDs accepts both repeated fields and comma separated values
func parseIDs(values []string) ([]uint, error) {
	var out []uint
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}

			id, err := strconv.ParseUint(part, 10, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, uint(id))
		}
	}

	return out, nil
}

func metadataFromForm(c *gin.Context) (ingest.Metadata, bool) {
	m := ingest.Metadata{
		Title:       c.PostForm("title"),
		Description: c.PostForm("description"),
	}

	if v := c.PostForm("categoryId"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			reply.BadRequest(c, "categoryId must be a number")
			return m, false
		}
		cat := uint(id)
		m.CategoryID = &cat
	}

	tags, err := parseIDs(c.PostFormArray("tagIds"))
	if err != nil {
		reply.BadRequest(c, "tagIds must be numbers")
		return m, false
	}
	m.TagIDs = tags

	return m, true
}

// UploadSingle ingests a small file sent in one multipart request
func UploadSingle(c *gin.Context, d *internal.Deps) {
	userID := c.MustGet("userID").(string)

	if !parseForm(c) {
		return
	}

	fh, err := c.FormFile("file")
	if err != nil || fh == nil {
		reply.BadRequest(c, "No file provided")
		return
	}

	meta, ok := metadataFromForm(c)
	if !ok {
		return
	}

	taskID := c.PostForm("taskId")
	if !ownTask(c, d, userID, taskID) {
		return
	}

	f, err := fh.Open()
	if err != nil {
		reply.Error(c, err)
		return
	}
	defer f.Close()

	res, err := d.Ingest.IngestFile(c.Request.Context(), ingest.SingleInput{
		OwnerID:  userID,
		FileName: fh.Filename,
		Body:     f,
		Size:     fh.Size,
		Metadata: meta,
		TaskID:   taskID,
	})
	if err != nil {
		reply.Error(c, err)
		return
	}

	reply.Ingested(c, http.StatusCreated, res)
}
